package violation

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/stemsi/exstem-live/internal/config"
	"github.com/stemsi/exstem-live/internal/model"
)

const (
	fieldCount      = "count"
	fieldMax        = "max_violations"
	fieldFullscreen = "fullscreen_required"
)

// CheatEvent is the queue payload pushed for every recorded violation.
type CheatEvent struct {
	AssessmentID string `json:"assessment_id"`
	Timestamp    int64  `json:"timestamp"`
	Payload      string `json:"payload"`
}

// RedisStore keeps violation records in Redis: one hash of counters and one
// list of JSON entries per assessment.
type RedisStore struct {
	rdb   *redis.Client
	queue string
}

// RedisOption customises a RedisStore.
type RedisOption func(*RedisStore)

// WithCheatQueue additionally pushes every entry onto queue for server-side
// ingestion.
func WithCheatQueue(queue string) RedisOption {
	return func(s *RedisStore) { s.queue = queue }
}

// NewRedisStore creates a RedisStore on rdb.
func NewRedisStore(rdb *redis.Client, opts ...RedisOption) *RedisStore {
	s := &RedisStore{rdb: rdb}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) Init(ctx context.Context, id string, maxViolations int) (model.ViolationRecord, error) {
	if maxViolations <= 0 {
		maxViolations = DefaultMaxViolations
	}
	key := config.CacheKey.ViolationRecordKey(id)
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSetNX(ctx, key, fieldCount, 0)
		pipe.HSetNX(ctx, key, fieldMax, maxViolations)
		pipe.HSetNX(ctx, key, fieldFullscreen, 0)
		return nil
	})
	if err != nil {
		return model.ViolationRecord{}, fmt.Errorf("init violations: %w", err)
	}
	return s.Get(ctx, id)
}

func (s *RedisStore) Get(ctx context.Context, id string) (model.ViolationRecord, error) {
	fields, err := s.rdb.HGetAll(ctx, config.CacheKey.ViolationRecordKey(id)).Result()
	if err != nil {
		return model.ViolationRecord{}, fmt.Errorf("get violations: %w", err)
	}
	if len(fields) == 0 {
		return model.ViolationRecord{}, ErrUnknownAssessment
	}

	rec := model.ViolationRecord{Violations: []model.ViolationEntry{}}
	rec.Count, _ = strconv.Atoi(fields[fieldCount])
	rec.MaxViolations, _ = strconv.Atoi(fields[fieldMax])
	rec.IsFullscreenRequired = fields[fieldFullscreen] == "1"

	raw, err := s.rdb.LRange(ctx, config.CacheKey.ViolationEntriesKey(id), 0, -1).Result()
	if err != nil {
		return model.ViolationRecord{}, fmt.Errorf("get violation entries: %w", err)
	}
	for _, item := range raw {
		var e model.ViolationEntry
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			continue
		}
		rec.Violations = append(rec.Violations, e)
	}
	return rec, nil
}

func (s *RedisStore) Add(ctx context.Context, id string, entry model.ViolationEntry) (model.ViolationRecord, error) {
	key := config.CacheKey.ViolationRecordKey(id)
	exists, err := s.rdb.Exists(ctx, key).Result()
	if err != nil {
		return model.ViolationRecord{}, fmt.Errorf("check violations: %w", err)
	}
	if exists == 0 {
		return model.ViolationRecord{}, ErrUnknownAssessment
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return model.ViolationRecord{}, fmt.Errorf("marshal violation: %w", err)
	}

	var event []byte
	if s.queue != "" {
		event, _ = json.Marshal(CheatEvent{
			AssessmentID: id,
			Timestamp:    entry.Timestamp.Unix(),
			Payload:      string(data),
		})
	}

	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HIncrBy(ctx, key, fieldCount, 1)
		pipe.RPush(ctx, config.CacheKey.ViolationEntriesKey(id), data)
		if event != nil {
			pipe.RPush(ctx, s.queue, event)
		}
		return nil
	})
	if err != nil {
		return model.ViolationRecord{}, fmt.Errorf("add violation: %w", err)
	}
	return s.Get(ctx, id)
}

func (s *RedisStore) SetFullscreenRequired(ctx context.Context, id string, required bool) error {
	key := config.CacheKey.ViolationRecordKey(id)
	n, err := s.rdb.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("check violations: %w", err)
	}
	if n == 0 {
		return ErrUnknownAssessment
	}
	v := 0
	if required {
		v = 1
	}
	if err := s.rdb.HSet(ctx, key, fieldFullscreen, v).Err(); err != nil {
		return fmt.Errorf("set fullscreen required: %w", err)
	}
	return nil
}

func (s *RedisStore) Reset(ctx context.Context, id string) error {
	key := config.CacheKey.ViolationRecordKey(id)
	n, err := s.rdb.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("check violations: %w", err)
	}
	if n == 0 {
		return ErrUnknownAssessment
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, fieldCount, 0)
		pipe.Del(ctx, config.CacheKey.ViolationEntriesKey(id))
		return nil
	})
	if err != nil {
		return fmt.Errorf("reset violations: %w", err)
	}
	return nil
}

func (s *RedisStore) Clear(ctx context.Context, id string) error {
	err := s.rdb.Del(ctx,
		config.CacheKey.ViolationRecordKey(id),
		config.CacheKey.ViolationEntriesKey(id),
	).Err()
	if err != nil {
		return fmt.Errorf("clear violations: %w", err)
	}
	return nil
}
