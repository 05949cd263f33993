package worker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-live/internal/config"
	"github.com/stemsi/exstem-live/internal/violation"
)

const (
	BatchSize    = 50
	BatchTimeout = 2 * time.Second
	PollTimeout  = 1 * time.Second // Must be >= 1s to satisfy Redis

	// cheatLogRetention bounds how long an ingested log is kept.
	cheatLogRetention = 24 * time.Hour
)

// CheatWorker drains the violation queue filled by candidates and files the
// events under each assessment's cheat log.
type CheatWorker struct {
	rdb   *redis.Client
	queue string
	log   zerolog.Logger

	errorPause time.Duration
}

func NewCheatWorker(rdb *redis.Client, log zerolog.Logger) *CheatWorker {
	return &CheatWorker{
		rdb:        rdb,
		queue:      config.WorkerKey.PersistCheatsQueue,
		log:        log.With().Str("component", "cheat_worker").Logger(),
		errorPause: 3 * time.Second,
	}
}

func (w *CheatWorker) Start(ctx context.Context) {
	w.log.Info().Str("queue", w.queue).Msg("CheatWorker started")

	buffer := make([]*violation.CheatEvent, 0, BatchSize)
	lastFlushTime := time.Now()

	for {
		if len(buffer) > 0 {
			if len(buffer) >= BatchSize || time.Since(lastFlushTime) >= BatchTimeout {
				w.flushSafe(ctx, buffer)
				buffer = buffer[:0]
				lastFlushTime = time.Now()
			}
		}

		select {
		case <-ctx.Done():
			w.shutdown(buffer)
			return
		default:
		}

		// BLPop blocks for PollTimeout and returns immediately if data exists.
		result, err := w.rdb.BLPop(ctx, PollTimeout, w.queue).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				w.shutdown(buffer)
				return
			}
			w.log.Error().Err(err).Dur("pause", w.errorPause).Msg("Redis connection error")
			sleep(ctx, w.errorPause)
			continue
		}

		if len(result) < 2 {
			continue
		}

		var event violation.CheatEvent
		if err := json.Unmarshal([]byte(result[1]), &event); err != nil || event.AssessmentID == "" {
			// Malformed events cannot be retried.
			w.log.Error().Err(err).Str("data", result[1]).Msg("Discarding malformed cheat event")
			continue
		}
		buffer = append(buffer, &event)
	}
}

// flushSafe writes the batch in one pipeline, falling back to one write per
// event and requeueing what still fails.
func (w *CheatWorker) flushSafe(ctx context.Context, batch []*violation.CheatEvent) {
	if err := w.bulkAppend(ctx, batch); err != nil {
		w.log.Warn().Err(err).Int("count", len(batch)).Msg("Bulk append failed, attempting one by one")
		w.fallbackAppend(ctx, batch)
		return
	}
	w.log.Debug().Int("count", len(batch)).Msg("Cheat events filed")
}

func (w *CheatWorker) bulkAppend(ctx context.Context, batch []*violation.CheatEvent) error {
	touched := make(map[string]struct{}, len(batch))
	_, err := w.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, e := range batch {
			key := config.CacheKey.CheatLogKey(e.AssessmentID)
			data, _ := json.Marshal(e)
			pipe.RPush(ctx, key, data)
			touched[key] = struct{}{}
		}
		for key := range touched {
			pipe.Expire(ctx, key, cheatLogRetention)
		}
		return nil
	})
	return err
}

func (w *CheatWorker) fallbackAppend(ctx context.Context, batch []*violation.CheatEvent) {
	requeueList := make([]*violation.CheatEvent, 0)
	for _, e := range batch {
		data, _ := json.Marshal(e)
		if err := w.rdb.RPush(ctx, config.CacheKey.CheatLogKey(e.AssessmentID), data).Err(); err != nil {
			w.log.Error().Err(err).Str("assessment_id", e.AssessmentID).Msg("Append failed, requeueing")
			requeueList = append(requeueList, e)
		}
	}
	if len(requeueList) > 0 {
		w.requeue(ctx, requeueList)
	}
}

func (w *CheatWorker) requeue(ctx context.Context, items []*violation.CheatEvent) {
	pipe := w.rdb.Pipeline()
	for _, e := range items {
		data, _ := json.Marshal(e)
		pipe.RPush(ctx, w.queue, data)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		w.log.Error().Err(err).Int("count", len(items)).Msg("CRITICAL: Failed to requeue cheat events. Data loss occurred.")
		return
	}
	w.log.Info().Int("count", len(items)).Msg("Requeued failed cheat events")
	sleep(ctx, w.errorPause)
}

func (w *CheatWorker) shutdown(buffer []*violation.CheatEvent) {
	w.log.Info().Int("pending", len(buffer)).Msg("CheatWorker stopping, flushing remaining buffer")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if len(buffer) > 0 {
		w.flushSafe(shutdownCtx, buffer)
	}
}

// CheatLog returns the filed events of subject, oldest first.
func CheatLog(ctx context.Context, rdb *redis.Client, subject string) ([]violation.CheatEvent, error) {
	raw, err := rdb.LRange(ctx, config.CacheKey.CheatLogKey(subject), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	events := make([]violation.CheatEvent, 0, len(raw))
	for _, item := range raw {
		var e violation.CheatEvent
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			continue
		}
		events = append(events, e)
	}
	return events, nil
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
