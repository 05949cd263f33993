package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-live/internal/config"
	"github.com/stemsi/exstem-live/internal/model"
)

// Attempt errors.
var (
	ErrAttemptNotFound  = errors.New("no attempt in progress")
	ErrAttemptCompleted = errors.New("attempt already completed")
	ErrNoMoreQuestions  = errors.New("all questions answered")
	ErrQuestionMismatch = errors.New("question is not the current question")
	ErrAlreadyAnswered  = errors.New("question already answered")
)

// attemptRetention keeps attempt state around after the deadline so a late
// reconnect still recovers it.
const attemptRetention = time.Hour

// Grade is the verdict on one answer.
type Grade struct {
	Correct       bool
	CorrectAnswer string
	Message       string
}

// AttemptService keeps candidate attempts in Redis so that a reconnecting
// candidate recovers the same assessment.
type AttemptService struct {
	rdb      *redis.Client
	exams    *ExamService
	duration time.Duration
	now      func() time.Time
	log      zerolog.Logger
}

// NewAttemptService creates an AttemptService. A positive duration overrides
// the per-test duration of the catalog.
func NewAttemptService(rdb *redis.Client, exams *ExamService, duration time.Duration, log zerolog.Logger) *AttemptService {
	return &AttemptService{
		rdb:      rdb,
		exams:    exams,
		duration: duration,
		now:      time.Now,
		log:      log.With().Str("component", "attempt_service").Logger(),
	}
}

// Begin returns the candidate's attempt at testID, creating it if none
// exists. recovered reports whether the attempt already existed.
func (s *AttemptService) Begin(ctx context.Context, userID, testID int) (a *model.Attempt, recovered bool, err error) {
	exam, err := s.exams.GetByID(testID)
	if err != nil {
		return nil, false, err
	}

	existing, err := s.Get(ctx, userID, testID)
	switch {
	case err == nil:
		return existing, true, nil
	case !errors.Is(err, ErrAttemptNotFound):
		return nil, false, err
	}

	duration := s.duration
	if duration <= 0 {
		duration = time.Duration(exam.DurationMinutes) * time.Minute
	}
	now := s.now().UTC()
	a = &model.Attempt{
		AssessmentID: uuid.New().String(),
		ThreadID:     "thread_" + uuid.New().String(),
		UserID:       userID,
		TestID:       testID,
		StartedAt:    now,
		EndTime:      now.Add(duration),
		Total:        len(exam.Questions),
	}

	key := config.CacheKey.AttemptKey(userID, testID)
	ttl := duration + attemptRetention
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"assessment_id": a.AssessmentID,
		"thread_id":     a.ThreadID,
		"started_at":    a.StartedAt.Format(time.RFC3339Nano),
		"end_time":      a.EndTime.Format(time.RFC3339Nano),
		"completed":     0,
	})
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, false, fmt.Errorf("store attempt: %w", err)
	}

	s.log.Info().
		Int("user_id", userID).
		Int("test_id", testID).
		Str("assessment_id", a.AssessmentID).
		Msg("Attempt created")
	return a, false, nil
}

// Get loads the candidate's attempt at testID.
func (s *AttemptService) Get(ctx context.Context, userID, testID int) (*model.Attempt, error) {
	fields, err := s.rdb.HGetAll(ctx, config.CacheKey.AttemptKey(userID, testID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get attempt: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrAttemptNotFound
	}

	answered, err := s.rdb.HLen(ctx, config.CacheKey.AttemptAnswersKey(userID, testID)).Result()
	if err != nil {
		return nil, fmt.Errorf("count answers: %w", err)
	}

	a := &model.Attempt{
		AssessmentID: fields["assessment_id"],
		ThreadID:     fields["thread_id"],
		UserID:       userID,
		TestID:       testID,
		Completed:    fields["completed"] == "1",
		Answered:     int(answered),
	}
	a.StartedAt, _ = time.Parse(time.RFC3339Nano, fields["started_at"])
	a.EndTime, _ = time.Parse(time.RFC3339Nano, fields["end_time"])
	if exam, err := s.exams.GetByID(testID); err == nil {
		a.Total = len(exam.Questions)
	}
	return a, nil
}

// CurrentQuestion returns the first unanswered question of a.
func (s *AttemptService) CurrentQuestion(ctx context.Context, a *model.Attempt) (*model.QuestionForCandidate, error) {
	if a.Completed {
		return nil, ErrAttemptCompleted
	}
	payload, err := s.exams.GetExamPayload(ctx, a.TestID)
	if err != nil {
		return nil, err
	}
	if a.Answered >= len(payload.Questions) {
		return nil, ErrNoMoreQuestions
	}
	q := payload.Questions[a.Answered]
	return &q, nil
}

// Answer grades selected for questionID, which must be the current question.
func (s *AttemptService) Answer(ctx context.Context, a *model.Attempt, questionID, selected string) (*Grade, error) {
	cur, err := s.CurrentQuestion(ctx, a)
	if err != nil {
		return nil, err
	}
	if cur.ID != questionID {
		return nil, ErrQuestionMismatch
	}

	answerKey, err := s.exams.GetAnswerKey(ctx, a.TestID)
	if err != nil {
		return nil, err
	}

	answersKey := config.CacheKey.AttemptAnswersKey(a.UserID, a.TestID)
	set, err := s.rdb.HSetNX(ctx, answersKey, questionID, selected).Result()
	if err != nil {
		return nil, fmt.Errorf("store answer: %w", err)
	}
	if !set {
		return nil, ErrAlreadyAnswered
	}
	s.rdb.Expire(ctx, answersKey, time.Until(a.EndTime)+attemptRetention)
	a.Answered++

	correctOption := answerKey[questionID]
	g := &Grade{
		Correct:       strings.EqualFold(strings.TrimSpace(selected), correctOption),
		CorrectAnswer: correctOption,
	}
	if g.Correct {
		g.Message = "Correct!"
	} else {
		g.Message = "Incorrect. The correct answer is " + correctOption + "."
	}
	if exp := s.exams.Explanation(a.TestID, questionID); exp != "" {
		g.Message += " " + exp
	}
	return g, nil
}

// Complete marks a as finished.
func (s *AttemptService) Complete(ctx context.Context, a *model.Attempt, reason string) error {
	key := config.CacheKey.AttemptKey(a.UserID, a.TestID)
	fields := map[string]interface{}{"completed": 1}
	if reason != "" {
		fields["completed_reason"] = reason
	}
	if err := s.rdb.HSet(ctx, key, fields).Err(); err != nil {
		return fmt.Errorf("complete attempt: %w", err)
	}
	a.Completed = true

	s.log.Info().
		Int("user_id", a.UserID).
		Int("test_id", a.TestID).
		Str("assessment_id", a.AssessmentID).
		Str("reason", reason).
		Int("answered", a.Answered).
		Int("total", a.Total).
		Msg("Attempt completed")
	return nil
}
