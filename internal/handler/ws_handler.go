package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-live/internal/middleware"
	"github.com/stemsi/exstem-live/internal/model"
	"github.com/stemsi/exstem-live/internal/response"
	"github.com/stemsi/exstem-live/internal/service"
	"github.com/stemsi/exstem-live/internal/validator"
	ws "github.com/stemsi/exstem-live/internal/websocket"
)

const (
	chatReply      = "Chat is not monitored during the assessment. Please answer using the options."
	timeUpNotice   = "Time is up. Your assessment has been submitted."
	reasonTimeUp   = "time_up"
	reasonFinished = "all_questions_answered"
)

// buildUpgrader creates a WebSocket upgrader with origin validation.
// allowedOrigins comes from config.Config.AllowedOrigins.
// An empty slice permits all origins (development mode).
func buildUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range allowedOrigins {
				if strings.EqualFold(allowed, origin) {
					return true
				}
			}
			return false
		},
	}
}

// WSHandler serves the live assessment conversation.
type WSHandler struct {
	exams    *service.ExamService
	attempts *service.AttemptService
	log      zerolog.Logger
	upgrader websocket.Upgrader
}

// NewWSHandler creates a new WSHandler.
func NewWSHandler(exams *service.ExamService, attempts *service.AttemptService, log zerolog.Logger, allowedOrigins []string) *WSHandler {
	return &WSHandler{
		exams:    exams,
		attempts: attempts,
		log:      log.With().Str("component", "ws_handler").Logger(),
		upgrader: buildUpgrader(allowedOrigins),
	}
}

// AssessmentStream godoc
// WS /ws/assessment?test_id=<id>&token=<jwt>
// Upgrades to WebSocket and drives one candidate's assessment. Token
// failures are reported after the upgrade as a non-recoverable error frame.
func (h *WSHandler) AssessmentStream(c *gin.Context) {
	testID, err := strconv.Atoi(c.Query("test_id"))
	if err != nil || testID <= 0 {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	claims := middleware.GetClaims(c)
	if claims == nil {
		h.log.Warn().Str("ip", c.ClientIP()).Msg("Rejected unauthenticated stream")
		_ = ws.WriteError(conn, "Authentication failed", false)
		_ = ws.WriteClose(conn, websocket.ClosePolicyViolation, "authentication failed")
		return
	}

	s := &stream{
		h:      h,
		conn:   conn,
		userID: claims.UserID,
		testID: testID,
		log: h.log.With().
			Int("user_id", claims.UserID).
			Int("test_id", testID).
			Logger(),
	}
	defer s.finish()

	s.log.Info().Msg("Candidate connected")
	s.write(ws.TypeAuthSuccess, ws.AuthSuccessData{
		ConnectionID: ws.ID(uuid.NewString()),
		UserID:       ws.ID(strconv.Itoa(claims.UserID)),
	})

	if _, err := h.exams.GetByID(testID); err != nil {
		s.writeError("Test not found", false)
		_ = s.close(websocket.ClosePolicyViolation, "test not found")
		return
	}

	s.serve(c.Request.Context())
}

// stream is one socket. Writes come from the read loop and the deadline
// timer, so they are serialized.
type stream struct {
	h      *WSHandler
	conn   *websocket.Conn
	userID int
	testID int
	log    zerolog.Logger

	writeMu sync.Mutex

	mu       sync.Mutex
	attempt  *model.Attempt
	deadline *time.Timer
	finished bool
}

type completedData struct {
	AssessmentID string  `json:"assessment_id"`
	Reason       string  `json:"reason,omitempty"`
	Answered     int     `json:"answered_questions"`
	Total        int     `json:"total_questions"`
	Percentage   float64 `json:"percentage_complete"`
}

type testInfoData struct {
	Name           string          `json:"name"`
	TotalQuestions int             `json:"total_questions"`
	Duration       int             `json:"duration_minutes"`
	TestDetails    *ws.TestDetails `json:"test_details,omitempty"`
}

func (s *stream) serve(ctx context.Context) {
	for {
		var env ws.Envelope
		if err := ws.ReadJSON(s.conn, &env); err != nil {
			var syntaxErr *json.SyntaxError
			if errors.As(err, &syntaxErr) {
				s.writeError("Invalid message format", true)
				continue
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Warn().Err(err).Msg("Unexpected close")
			} else {
				s.log.Debug().Msg("Connection closed")
			}
			return
		}

		switch env.Type {
		case ws.TypeStartAssessment:
			s.handleStart(ctx)
		case ws.TypeGetQuestion:
			s.handleGetQuestion(ctx)
		case ws.TypeSubmitAnswer:
			s.handleSubmit(ctx, env.Data)
		case ws.TypeGetProgress:
			s.handleProgress(ctx)
		case ws.TypeCompleteAssessment:
			s.handleComplete(ctx, env.Data)
		case ws.TypeHeartbeat:
			s.write(ws.TypePong, nil)
		case ws.TypeGetTestInfo:
			s.handleTestInfo(ctx)
		case ws.TypeChatMessage:
			s.write(ws.TypeSystemMessage, ws.SystemMessageData{Message: chatReply})
		default:
			s.log.Warn().Str("type", string(env.Type)).Msg("Unknown message type")
			s.writeError("Unknown message type: "+string(env.Type), true)
		}
	}
}

func (s *stream) handleStart(ctx context.Context) {
	a, recovered, err := s.h.attempts.Begin(ctx, s.userID, s.testID)
	if err != nil {
		s.failAttempt(err)
		return
	}
	s.setAttempt(a)

	if a.Completed {
		s.finish()
		s.writeCompleted(a, "")
		return
	}

	exam, _ := s.h.exams.GetByID(s.testID)
	end := a.EndTime.Format(time.RFC3339Nano)
	if recovered {
		s.log.Info().Str("assessment_id", a.AssessmentID).Msg("Attempt recovered")
		s.write(ws.TypeAssessmentRecovered, ws.AssessmentRecoveredData{
			AssessmentID: ws.ID(a.AssessmentID),
			ThreadID:     ws.ID(a.ThreadID),
			Progress: ws.ProgressCounts{
				AnsweredQuestions: a.Answered,
				TotalQuestions:    a.Total,
			},
		})
	} else {
		s.write(ws.TypeAssessmentStarted, ws.AssessmentStartedData{
			AssessmentID: ws.ID(a.AssessmentID),
			ThreadID:     ws.ID(a.ThreadID),
			TestID:       ws.ID(strconv.Itoa(s.testID)),
			EndTime:      end,
			TestDetails:  &ws.TestDetails{Name: exam.Title, EndTime: end},
		})
	}
	s.armDeadline(ctx, a)

	// Fresh attempts get their first question pushed; recovered clients ask for it.
	if !recovered {
		s.handleGetQuestion(ctx)
	}
}

func (s *stream) handleGetQuestion(ctx context.Context) {
	a, ok := s.currentAttempt(ctx)
	if !ok {
		return
	}

	q, err := s.h.attempts.CurrentQuestion(ctx, a)
	switch {
	case errors.Is(err, service.ErrNoMoreQuestions):
		s.complete(ctx, a, reasonFinished)
		return
	case err != nil:
		s.failAttempt(err)
		return
	}

	s.write(ws.TypeQuestion, ws.QuestionData{
		QuestionID: ws.ID(q.ID),
		ThreadID:   ws.ID(a.ThreadID),
		Question: &ws.QuestionBody{
			Prompt:    q.Prompt,
			Options:   q.Options,
			Skill:     q.Skill,
			TimeLimit: q.TimeLimit,
			Meta:      ws.QuestionMeta{Difficulty: q.Difficulty},
		},
	})
}

func (s *stream) handleSubmit(ctx context.Context, raw json.RawMessage) {
	a, ok := s.currentAttempt(ctx)
	if !ok {
		return
	}

	var req ws.SubmitAnswerData
	if err := json.Unmarshal(raw, &req); err != nil {
		s.writeError("Invalid submit_answer payload", true)
		return
	}
	if err := validator.Struct(&req); err != nil {
		s.writeError(err.Error(), true)
		return
	}

	g, err := s.h.attempts.Answer(ctx, a, req.QuestionID, req.SelectedOption)
	if err != nil {
		s.failAttempt(err)
		return
	}

	s.write(ws.TypeAnswerFeedback, ws.AnswerFeedbackData{
		QuestionID:         ws.ID(req.QuestionID),
		ThreadID:           ws.ID(a.ThreadID),
		PercentageComplete: a.Percentage(),
		Feedback: &ws.Feedback{
			Correct:        g.Correct,
			SelectedOption: req.SelectedOption,
			CorrectAnswer:  g.CorrectAnswer,
			Message:        g.Message,
		},
	})
}

func (s *stream) handleProgress(ctx context.Context) {
	a, ok := s.currentAttempt(ctx)
	if !ok {
		return
	}
	s.write(ws.TypeProgressUpdate, ws.ProgressUpdateData{PercentageComplete: a.Percentage()})
}

func (s *stream) handleComplete(ctx context.Context, raw json.RawMessage) {
	var req ws.CompleteAssessmentData
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &req)
	}

	s.mu.Lock()
	a, finished := s.attempt, s.finished
	s.mu.Unlock()
	if finished && a != nil {
		s.writeCompleted(a, req.Reason)
		return
	}

	a, ok := s.currentAttempt(ctx)
	if !ok {
		return
	}
	s.complete(ctx, a, req.Reason)
}

func (s *stream) handleTestInfo(ctx context.Context) {
	exam, err := s.h.exams.GetByID(s.testID)
	if err != nil {
		s.failAttempt(err)
		return
	}
	info := testInfoData{
		Name:           exam.Title,
		TotalQuestions: len(exam.Questions),
		Duration:       exam.DurationMinutes,
		TestDetails:    &ws.TestDetails{Name: exam.Title},
	}
	if a, err := s.h.attempts.Get(ctx, s.userID, s.testID); err == nil {
		info.TestDetails.EndTime = a.EndTime.Format(time.RFC3339Nano)
	}
	s.write(ws.TypeTestInfo, info)
}

func (s *stream) complete(ctx context.Context, a *model.Attempt, reason string) {
	if !s.finish() || a.Completed {
		s.writeCompleted(a, reason)
		return
	}
	if err := s.h.attempts.Complete(ctx, a, reason); err != nil {
		s.failAttempt(err)
		return
	}
	s.writeCompleted(a, reason)
}

// finish stops the deadline timer and reports whether the caller is the
// first to close the attempt on this socket.
func (s *stream) finish() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deadline != nil {
		s.deadline.Stop()
		s.deadline = nil
	}
	if s.finished {
		return false
	}
	s.finished = true
	return true
}

func (s *stream) writeCompleted(a *model.Attempt, reason string) {
	s.write(ws.TypeAssessmentCompleted, completedData{
		AssessmentID: a.AssessmentID,
		Reason:       reason,
		Answered:     a.Answered,
		Total:        a.Total,
		Percentage:   a.Percentage(),
	})
}

// currentAttempt returns the attempt of this socket, loading it from Redis
// after a reconnect that skipped start_assessment.
func (s *stream) currentAttempt(ctx context.Context) (*model.Attempt, bool) {
	s.mu.Lock()
	a, finished := s.attempt, s.finished
	s.mu.Unlock()
	if finished {
		s.writeError("Assessment already completed", true)
		return nil, false
	}
	if a != nil {
		return a, true
	}

	a, err := s.h.attempts.Get(ctx, s.userID, s.testID)
	if err != nil {
		if errors.Is(err, service.ErrAttemptNotFound) {
			s.writeError("Assessment not started", true)
		} else {
			s.failAttempt(err)
		}
		return nil, false
	}
	s.setAttempt(a)
	return a, true
}

func (s *stream) setAttempt(a *model.Attempt) {
	s.mu.Lock()
	s.attempt = a
	s.mu.Unlock()
}

func (s *stream) failAttempt(err error) {
	switch {
	case errors.Is(err, service.ErrTestNotFound):
		s.writeError("Test not found", false)
	case errors.Is(err, service.ErrQuestionMismatch):
		s.writeError("Question not found for this assessment", true)
	case errors.Is(err, service.ErrAlreadyAnswered):
		s.writeError("Question already answered", true)
	case errors.Is(err, service.ErrAttemptCompleted):
		s.writeError("Assessment already completed", true)
	default:
		s.log.Error().Err(err).Msg("Assessment operation failed")
		s.writeError("Failed to generate question", true)
	}
}

// armDeadline schedules the time-up notice for a.
func (s *stream) armDeadline(ctx context.Context, a *model.Attempt) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deadline != nil {
		s.deadline.Stop()
	}
	wait := time.Until(a.EndTime)
	if wait < 0 {
		wait = 0
	}
	snapshot := *a
	s.deadline = time.AfterFunc(wait, func() {
		if !s.finish() {
			return
		}
		if err := s.h.attempts.Complete(context.WithoutCancel(ctx), &snapshot, reasonTimeUp); err != nil {
			s.log.Error().Err(err).Msg("Failed to close attempt at deadline")
		}
		s.log.Info().Msg("Attempt timed out")
		s.write(ws.TypeSystemMessage, ws.SystemMessageData{Message: timeUpNotice, IsTimeUp: true})
	})
}

func (s *stream) write(t ws.MessageType, data interface{}) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := ws.Write(s.conn, ws.Message{Type: t, Data: data}); err != nil {
		s.log.Debug().Err(err).Str("type", string(t)).Msg("Write failed")
	}
}

func (s *stream) writeError(msg string, recoverable bool) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := ws.WriteError(s.conn, msg, recoverable); err != nil {
		s.log.Debug().Err(err).Msg("Error frame not sent")
	}
}

func (s *stream) close(code int, reason string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return ws.WriteClose(s.conn, code, reason)
}
