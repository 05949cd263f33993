package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-live/internal/config"
	"github.com/stemsi/exstem-live/internal/model"
)

// Domain Errors
var (
	ErrTestNotFound = errors.New("test not found")
	ErrNoQuestions  = errors.New("test has no questions")
)

// ExamService owns the test catalog and its Redis cache.
type ExamService struct {
	exams map[int]model.Exam
	rdb   *redis.Client
	log   zerolog.Logger
}

// NewExamService creates an ExamService over catalog. Each test is cut to
// at most questionsPerTest questions.
func NewExamService(catalog []model.Exam, questionsPerTest int, rdb *redis.Client, log zerolog.Logger) *ExamService {
	exams := make(map[int]model.Exam, len(catalog))
	for _, e := range catalog {
		if questionsPerTest > 0 && len(e.Questions) > questionsPerTest {
			e.Questions = e.Questions[:questionsPerTest]
		}
		exams[e.ID] = e
	}
	return &ExamService{
		exams: exams,
		rdb:   rdb,
		log:   log.With().Str("component", "exam_service").Logger(),
	}
}

// GetByID returns the test with the given id.
func (s *ExamService) GetByID(id int) (*model.Exam, error) {
	e, ok := s.exams[id]
	if !ok {
		return nil, ErrTestNotFound
	}
	return &e, nil
}

// WarmExamCache writes a test's candidate payload and answer key to Redis.
func (s *ExamService) WarmExamCache(ctx context.Context, exam *model.Exam) error {
	if len(exam.Questions) == 0 {
		return ErrNoQuestions
	}

	questions := make([]model.QuestionForCandidate, len(exam.Questions))
	answerKey := make(map[string]interface{}, len(exam.Questions))
	for i, q := range exam.Questions {
		questions[i] = model.QuestionForCandidate{
			ID:         q.ID,
			Prompt:     q.Prompt,
			Options:    q.Options,
			Skill:      q.Skill,
			Difficulty: q.Difficulty,
			TimeLimit:  q.TimeLimit,
			OrderNum:   i + 1,
		}
		answerKey[q.ID] = q.CorrectOption
	}

	payloadJSON, err := json.Marshal(model.ExamPayload{
		ExamID:    exam.ID,
		Title:     exam.Title,
		Duration:  exam.DurationMinutes,
		Questions: questions,
	})
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	// Cache both atomically via pipeline.
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, config.CacheKey.ExamPayloadKey(exam.ID), payloadJSON, 0)
	pipe.Del(ctx, config.CacheKey.AnswerKeyKey(exam.ID))
	pipe.HSet(ctx, config.CacheKey.AnswerKeyKey(exam.ID), answerKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cache to redis: %w", err)
	}

	s.log.Debug().
		Int("test_id", exam.ID).
		Int("questions", len(exam.Questions)).
		Msg("Cache warmed")
	return nil
}

// PrewarmAllCaches loads every catalog test into Redis on startup.
func (s *ExamService) PrewarmAllCaches(ctx context.Context) error {
	ids := make([]int, 0, len(s.exams))
	for id := range s.exams {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	warmed := 0
	for _, id := range ids {
		e := s.exams[id]
		if err := s.WarmExamCache(ctx, &e); err != nil {
			s.log.Warn().Err(err).Int("test_id", id).Msg("Failed to warm test, skipping")
			continue
		}
		warmed++
	}
	if warmed == 0 && len(ids) > 0 {
		return errors.New("no test could be cached")
	}

	s.log.Info().
		Int("warmed", warmed).
		Int("total", len(ids)).
		Msg("Prewarming complete")
	return nil
}

// GetExamPayload retrieves the cached candidate payload, warming the cache
// on a miss.
func (s *ExamService) GetExamPayload(ctx context.Context, testID int) (*model.ExamPayload, error) {
	data, err := s.rdb.Get(ctx, config.CacheKey.ExamPayloadKey(testID)).Bytes()
	if errors.Is(err, redis.Nil) {
		exam, gerr := s.GetByID(testID)
		if gerr != nil {
			return nil, gerr
		}
		if werr := s.WarmExamCache(ctx, exam); werr != nil {
			return nil, werr
		}
		data, err = s.rdb.Get(ctx, config.CacheKey.ExamPayloadKey(testID)).Bytes()
	}
	if err != nil {
		return nil, fmt.Errorf("get payload: %w", err)
	}

	var payload model.ExamPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	return &payload, nil
}

// GetAnswerKey retrieves the answer key from Redis for instant grading.
func (s *ExamService) GetAnswerKey(ctx context.Context, testID int) (map[string]string, error) {
	result, err := s.rdb.HGetAll(ctx, config.CacheKey.AnswerKeyKey(testID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get answer key: %w", err)
	}
	if len(result) == 0 {
		return nil, errors.New("answer key not found in cache")
	}
	return result, nil
}

// Explanation returns the feedback text for a question, if any.
func (s *ExamService) Explanation(testID int, questionID string) string {
	e, ok := s.exams[testID]
	if !ok {
		return ""
	}
	for _, q := range e.Questions {
		if q.ID == questionID {
			return q.Explanation
		}
	}
	return ""
}
