package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stemsi/exstem-live/internal/assessment"
	"github.com/stemsi/exstem-live/internal/config"
	"github.com/stemsi/exstem-live/internal/connection"
	"github.com/stemsi/exstem-live/internal/handler"
	"github.com/stemsi/exstem-live/internal/model"
	"github.com/stemsi/exstem-live/internal/router"
	"github.com/stemsi/exstem-live/internal/service"
	ws "github.com/stemsi/exstem-live/internal/websocket"
)

const goTest = 2

type harness struct {
	srv  *httptest.Server
	auth *service.AuthService
	rdb  *redis.Client
	mr   *miniredis.Miniredis
}

func newHarness(t *testing.T, devMode bool) *harness {
	t.Helper()
	return newTimedHarness(t, devMode, 0)
}

// newTimedHarness overrides the catalog duration of every attempt.
func newTimedHarness(t *testing.T, devMode bool, duration time.Duration) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	cfg := &config.Config{
		GinMode:          gin.TestMode,
		JWTSecret:        "handler-test-secret",
		JWTExpiry:        time.Hour,
		QuestionsPerTest: 2,
	}
	log := zerolog.Nop()
	auth := service.NewAuthService(cfg)
	exams := service.NewExamService(service.DefaultCatalog(), cfg.QuestionsPerTest, rdb, log)
	attempts := service.NewAttemptService(rdb, exams, duration, log)

	r := router.SetupRouter(auth, &router.Handlers{
		Auth:      handler.NewAuthHandler(auth, devMode),
		WS:        handler.NewWSHandler(exams, attempts, log, nil),
		Violation: handler.NewViolationHandler(rdb, exams, log),
		System:    handler.NewSystemHandler(rdb, log),
	}, cfg)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &harness{srv: srv, auth: auth, rdb: rdb, mr: mr}
}

func (h *harness) token(t *testing.T, userID int) string {
	t.Helper()
	tok, _, err := h.auth.GenerateStudentToken(userID)
	require.NoError(t, err)
	return tok
}

func (h *harness) do(t *testing.T, method, path, token string, body interface{}) (int, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, h.srv.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var env envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return resp.StatusCode, env
}

type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error *struct {
		Code   string            `json:"code"`
		Fields map[string]string `json:"fields"`
	} `json:"error"`
	Metadata struct {
		RequestID string `json:"request_id"`
	} `json:"metadata"`
}

func (h *harness) dial(t *testing.T, token string, testID int) *websocket.Conn {
	t.Helper()
	u, err := url.Parse("ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws/assessment")
	require.NoError(t, err)
	q := u.Query()
	q.Set("test_id", strconv.Itoa(testID))
	q.Set("token", token)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func next(t *testing.T, conn *websocket.Conn) ws.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var env ws.Envelope
	require.NoError(t, conn.ReadJSON(&env))
	return env
}

func expect(t *testing.T, conn *websocket.Conn, typ ws.MessageType, into interface{}) {
	t.Helper()
	env := next(t, conn)
	require.Equal(t, typ, env.Type, "payload: %s", env.Data)
	assert.NotEmpty(t, env.Timestamp)
	if into != nil {
		require.NoError(t, json.Unmarshal(env.Data, into))
	}
}

func send(t *testing.T, conn *websocket.Conn, msg ws.Message) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(msg))
}

func TestHealth(t *testing.T) {
	h := newHarness(t, true)
	status, env := h.do(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, status)

	var body struct {
		Status string `json:"status"`
		Redis  string `json:"redis"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, "ok", body.Redis)
	assert.NotEmpty(t, env.Metadata.RequestID)
}

func TestHealthDegradedWithoutRedis(t *testing.T) {
	h := newHarness(t, true)
	require.NoError(t, h.rdb.Close())
	status, _ := h.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, status)
}

func TestDevTokenAndMe(t *testing.T) {
	h := newHarness(t, true)

	status, env := h.do(t, http.MethodPost, "/api/v1/dev/token", "", map[string]int{"user_id": 11})
	require.Equal(t, http.StatusCreated, status)
	var tok model.DevTokenResponse
	require.NoError(t, json.Unmarshal(env.Data, &tok))
	require.NotEmpty(t, tok.Token)

	status, env = h.do(t, http.MethodGet, "/api/v1/auth/me", tok.Token, nil)
	require.Equal(t, http.StatusOK, status)
	var me struct {
		UserID    int    `json:"user_id"`
		TokenType string `json:"token_type"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &me))
	assert.Equal(t, 11, me.UserID)
	assert.Equal(t, string(service.TokenTypeStudent), me.TokenType)
}

func TestDevTokenValidation(t *testing.T) {
	h := newHarness(t, true)
	status, env := h.do(t, http.MethodPost, "/api/v1/dev/token", "", map[string]int{"user_id": 0})
	require.Equal(t, http.StatusBadRequest, status)
	require.NotNil(t, env.Error)
	assert.Equal(t, "VALIDATION_ERROR", env.Error.Code)
	assert.NotEmpty(t, env.Error.Fields)
}

func TestDevTokenDisabledOutsideDevMode(t *testing.T) {
	h := newHarness(t, false)
	status, env := h.do(t, http.MethodPost, "/api/v1/dev/token", "", map[string]int{"user_id": 1})
	require.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "DEV_ONLY", env.Error.Code)
}

func TestProtectedRoutesNeedToken(t *testing.T) {
	h := newHarness(t, true)

	status, env := h.do(t, http.MethodGet, "/api/v1/auth/me", "", nil)
	require.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "TOKEN_REQUIRED", env.Error.Code)

	status, env = h.do(t, http.MethodGet, "/api/v1/auth/me", "garbage", nil)
	require.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "TOKEN_INVALID", env.Error.Code)
}

func TestViolationList(t *testing.T) {
	h := newHarness(t, true)
	tok := h.token(t, 5)
	ctx := context.Background()

	event, _ := json.Marshal(map[string]interface{}{
		"assessment_id": config.ViolationSubject(5, goTest),
		"timestamp":     1,
		"payload":       `{"reason":"tab_switch"}`,
	})
	require.NoError(t, h.rdb.RPush(ctx, config.CacheKey.CheatLogKey(config.ViolationSubject(5, goTest)), event).Err())

	status, env := h.do(t, http.MethodGet, "/api/v1/tests/2/violations", tok, nil)
	require.Equal(t, http.StatusOK, status)
	var body struct {
		TestID int `json:"test_id"`
		Count  int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &body))
	assert.Equal(t, goTest, body.TestID)
	assert.Equal(t, 1, body.Count)

	status, _ = h.do(t, http.MethodGet, "/api/v1/tests/99/violations", tok, nil)
	assert.Equal(t, http.StatusNotFound, status)
	status, _ = h.do(t, http.MethodGet, "/api/v1/tests/abc/violations", tok, nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestStreamRejectsBadToken(t *testing.T) {
	h := newHarness(t, true)
	conn := h.dial(t, "not-a-jwt", goTest)

	var data ws.ErrorData
	expect(t, conn, ws.TypeError, &data)
	assert.Equal(t, "Authentication failed", data.Error)
	require.NotNil(t, data.Recoverable)
	assert.False(t, *data.Recoverable)

	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation))
}

func TestStreamUnknownTest(t *testing.T) {
	h := newHarness(t, true)
	conn := h.dial(t, h.token(t, 1), 77)

	expect(t, conn, ws.TypeAuthSuccess, nil)
	var data ws.ErrorData
	expect(t, conn, ws.TypeError, &data)
	assert.Equal(t, "Test not found", data.Error)
	assert.False(t, *data.Recoverable)
}

func TestStreamConversation(t *testing.T) {
	h := newHarness(t, true)
	conn := h.dial(t, h.token(t, 9), goTest)

	var auth ws.AuthSuccessData
	expect(t, conn, ws.TypeAuthSuccess, &auth)
	assert.Equal(t, ws.ID("9"), auth.UserID)
	assert.NotEmpty(t, auth.ConnectionID)

	// Requests before start are refused but recoverable.
	send(t, conn, ws.GetQuestion())
	var notStarted ws.ErrorData
	expect(t, conn, ws.TypeError, &notStarted)
	assert.Equal(t, "Assessment not started", notStarted.Error)
	assert.True(t, *notStarted.Recoverable)

	send(t, conn, ws.StartAssessment(goTest))
	var started ws.AssessmentStartedData
	expect(t, conn, ws.TypeAssessmentStarted, &started)
	assert.NotEmpty(t, started.AssessmentID)
	require.NotNil(t, started.TestDetails)
	assert.Equal(t, "Go Fundamentals", started.TestDetails.Name)

	// The first question follows without being asked for.
	var q ws.QuestionData
	expect(t, conn, ws.TypeQuestion, &q)
	assert.Equal(t, ws.ID("go-1"), q.QuestionID)
	assert.Equal(t, started.ThreadID, q.ThreadID)

	send(t, conn, ws.SubmitAnswer("go-2", "B"))
	var mismatch ws.ErrorData
	expect(t, conn, ws.TypeError, &mismatch)
	assert.True(t, *mismatch.Recoverable)

	send(t, conn, ws.SubmitAnswer("go-1", "B"))
	var fb ws.AnswerFeedbackData
	expect(t, conn, ws.TypeAnswerFeedback, &fb)
	require.NotNil(t, fb.Feedback)
	assert.True(t, fb.Feedback.Correct)
	assert.InDelta(t, 50.0, fb.PercentageComplete, 0.001)

	send(t, conn, ws.SubmitAnswer("go-1", "A"))
	expect(t, conn, ws.TypeError, nil)

	send(t, conn, ws.GetProgress())
	var progress ws.ProgressUpdateData
	expect(t, conn, ws.TypeProgressUpdate, &progress)
	assert.InDelta(t, 50.0, progress.PercentageComplete, 0.001)

	send(t, conn, ws.Heartbeat())
	expect(t, conn, ws.TypePong, nil)

	send(t, conn, ws.ChatMessage("is this right?"))
	expect(t, conn, ws.TypeSystemMessage, nil)

	send(t, conn, ws.GetTestInfo())
	var info struct {
		Name           string `json:"name"`
		TotalQuestions int    `json:"total_questions"`
	}
	expect(t, conn, ws.TypeTestInfo, &info)
	assert.Equal(t, "Go Fundamentals", info.Name)
	assert.Equal(t, 2, info.TotalQuestions)

	send(t, conn, ws.GetQuestion())
	expect(t, conn, ws.TypeQuestion, &q)
	assert.Equal(t, ws.ID("go-2"), q.QuestionID)

	send(t, conn, ws.SubmitAnswer("go-2", "A"))
	expect(t, conn, ws.TypeAnswerFeedback, &fb)
	assert.False(t, fb.Feedback.Correct)
	assert.Equal(t, "B", fb.Feedback.CorrectAnswer)

	// Running out of questions completes the attempt.
	send(t, conn, ws.GetQuestion())
	var done struct {
		Reason   string `json:"reason"`
		Answered int    `json:"answered_questions"`
		Total    int    `json:"total_questions"`
	}
	expect(t, conn, ws.TypeAssessmentCompleted, &done)
	assert.Equal(t, "all_questions_answered", done.Reason)
	assert.Equal(t, 2, done.Answered)
	assert.Equal(t, 2, done.Total)

	send(t, conn, ws.GetQuestion())
	var after ws.ErrorData
	expect(t, conn, ws.TypeError, &after)
	assert.Equal(t, "Assessment already completed", after.Error)
}

func TestStreamMalformedAndUnknownFrames(t *testing.T) {
	h := newHarness(t, true)
	conn := h.dial(t, h.token(t, 3), goTest)
	expect(t, conn, ws.TypeAuthSuccess, nil)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{oops")))
	var bad ws.ErrorData
	expect(t, conn, ws.TypeError, &bad)
	assert.Equal(t, "Invalid message format", bad.Error)

	send(t, conn, ws.Message{Type: "dance"})
	var unknown ws.ErrorData
	expect(t, conn, ws.TypeError, &unknown)
	assert.Equal(t, "Unknown message type: dance", unknown.Error)

	// The socket survives both.
	send(t, conn, ws.Heartbeat())
	expect(t, conn, ws.TypePong, nil)
}

func TestStreamRecoversAttemptOnNewSocket(t *testing.T) {
	h := newHarness(t, true)
	tok := h.token(t, 21)

	first := h.dial(t, tok, goTest)
	expect(t, first, ws.TypeAuthSuccess, nil)
	send(t, first, ws.StartAssessment(goTest))
	var started ws.AssessmentStartedData
	expect(t, first, ws.TypeAssessmentStarted, &started)
	expect(t, first, ws.TypeQuestion, nil)
	send(t, first, ws.SubmitAnswer("go-1", "B"))
	expect(t, first, ws.TypeAnswerFeedback, nil)
	require.NoError(t, first.Close())

	second := h.dial(t, tok, goTest)
	expect(t, second, ws.TypeAuthSuccess, nil)
	send(t, second, ws.StartAssessment(goTest))
	var recovered ws.AssessmentRecoveredData
	expect(t, second, ws.TypeAssessmentRecovered, &recovered)
	assert.Equal(t, started.AssessmentID, recovered.AssessmentID)
	assert.Equal(t, 1, recovered.Progress.AnsweredQuestions)
	assert.Equal(t, 2, recovered.Progress.TotalQuestions)

	send(t, second, ws.GetQuestion())
	var q ws.QuestionData
	expect(t, second, ws.TypeQuestion, &q)
	assert.Equal(t, ws.ID("go-2"), q.QuestionID)
}

func TestStreamCompleteWithReason(t *testing.T) {
	h := newHarness(t, true)
	conn := h.dial(t, h.token(t, 8), goTest)
	expect(t, conn, ws.TypeAuthSuccess, nil)
	send(t, conn, ws.StartAssessment(goTest))
	expect(t, conn, ws.TypeAssessmentStarted, nil)
	expect(t, conn, ws.TypeQuestion, nil)

	send(t, conn, ws.CompleteAssessment("Maximum violations reached"))
	var done struct {
		Reason string `json:"reason"`
	}
	expect(t, conn, ws.TypeAssessmentCompleted, &done)
	assert.Equal(t, "Maximum violations reached", done.Reason)

	// Completing again is answered, not refused.
	send(t, conn, ws.CompleteAssessment(""))
	expect(t, conn, ws.TypeAssessmentCompleted, nil)

	fields := h.mr.HGet(config.CacheKey.AttemptKey(8, goTest), "completed")
	assert.Equal(t, "1", fields)
}

func TestStreamDeadlineClosesAttempt(t *testing.T) {
	h := newTimedHarness(t, true, 300*time.Millisecond)
	conn := h.dial(t, h.token(t, 12), goTest)
	expect(t, conn, ws.TypeAuthSuccess, nil)
	send(t, conn, ws.StartAssessment(goTest))
	expect(t, conn, ws.TypeAssessmentStarted, nil)
	expect(t, conn, ws.TypeQuestion, nil)

	var notice ws.SystemMessageData
	expect(t, conn, ws.TypeSystemMessage, &notice)
	assert.True(t, notice.IsTimeUp)

	assert.Equal(t, "1", h.mr.HGet(config.CacheKey.AttemptKey(12, goTest), "completed"))
	assert.Equal(t, "time_up", h.mr.HGet(config.CacheKey.AttemptKey(12, goTest), "completed_reason"))

	send(t, conn, ws.SubmitAnswer("go-1", "B"))
	var after ws.ErrorData
	expect(t, conn, ws.TypeError, &after)
	assert.Equal(t, "Assessment already completed", after.Error)
}

// TestCandidateClientAgainstServer drives the real client session end to end
// through the reference server.
func TestCandidateClientAgainstServer(t *testing.T) {
	h := newHarness(t, true)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	sess, err := assessment.New(ctx, assessment.Config{
		Connection: connection.Config{
			URL:    "ws" + strings.TrimPrefix(h.srv.URL, "http"),
			Token:  h.token(t, 33),
			TestID: goTest,
		},
	}, zerolog.Nop())
	require.NoError(t, err)
	defer sess.Close(context.Background())

	require.NoError(t, sess.Start(ctx))
	require.NoError(t, sess.StartAssessment(ctx))

	answered := map[string]bool{}
	require.Eventually(t, func() bool {
		snap := sess.Snapshot()
		if snap.Completed {
			return true
		}
		if q := snap.CurrentQuestion; q != nil && !answered[q.QuestionID] &&
			snap.InteractionType == model.InteractionWaitingResponse {
			answered[q.QuestionID] = true
			assert.NoError(t, sess.SubmitAnswer(q.QuestionID, "B"))
		}
		return false
	}, 10*time.Second, 20*time.Millisecond)

	snap := sess.Snapshot()
	assert.Len(t, answered, 2)
	require.Len(t, snap.Responses, 2)
	for id, r := range snap.Responses {
		require.NotNil(t, r.IsCorrect, id)
		assert.True(t, *r.IsCorrect, id)
	}
	assert.Equal(t, "Go Fundamentals", snap.TestName)
}
