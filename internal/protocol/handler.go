package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-live/internal/model"
	"github.com/stemsi/exstem-live/internal/session"
	ws "github.com/stemsi/exstem-live/internal/websocket"
)

const (
	welcomeMessage = "Assessment started! Your first question will appear shortly."
	timeUpMessage  = "Timeout Submitting the assessment!!"
)

// Handler maps inbound frames to state transitions and follow-up frames.
type Handler struct {
	store  *session.Store
	testID int
	log    zerolog.Logger
}

// NewHandler creates a Handler mutating store for the attempt at testID.
func NewHandler(store *session.Store, testID int, log zerolog.Logger) *Handler {
	return &Handler{
		store:  store,
		testID: testID,
		log:    log.With().Str("component", "protocol").Logger(),
	}
}

// Result is the outcome of handling one frame.
type Result struct {
	// Kind is the decoded message type; empty if the frame was unreadable.
	Kind ws.MessageType
	// Outbound holds follow-up frames the caller must send, in order.
	Outbound []ws.Message
}

// Handle decodes and dispatches one raw frame. It never panics and never
// returns an error: failures become error log entries.
func (h *Handler) Handle(raw []byte) Result {
	h.store.Touch()

	msg, err := ws.Decode(raw)
	if err != nil {
		switch {
		case errors.Is(err, ws.ErrMalformed):
			h.log.Warn().Err(err).Msg("Failed to parse message")
			h.store.AddErrorLog(model.ErrTypeParse, "Failed to parse WebSocket message", err.Error(), true)
			return Result{}
		default:
			var env ws.Envelope
			_ = json.Unmarshal(raw, &env)
			h.log.Warn().Err(err).Str("type", string(env.Type)).Msg("Invalid message payload")
			h.store.AddErrorLog(model.ErrTypeHandler,
				fmt.Sprintf("Failed to handle message type: %s", env.Type), err.Error(), true)
			return Result{Kind: env.Type}
		}
	}

	return Result{Kind: msg.Kind(), Outbound: h.Dispatch(msg)}
}

// Dispatch applies an already decoded frame.
func (h *Handler) Dispatch(msg ws.Inbound) (out []ws.Message) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Error().Interface("panic", r).Str("type", string(msg.Kind())).Msg("Message handler panicked")
			h.store.AddErrorLog(model.ErrTypeHandler,
				fmt.Sprintf("Failed to handle message type: %s", msg.Kind()), fmt.Sprint(r), true)
			out = nil
		}
	}()

	if h.store.Completed() && !allowedAfterCompletion(msg) {
		h.log.Debug().Str("type", string(msg.Kind())).Msg("Ignoring message after completion")
		return nil
	}

	switch m := msg.(type) {
	case ws.AuthSuccess:
		h.store.SetConnectionEstablished(string(m.ConnectionID), m.UserID.Int())

	case ws.AssessmentStarted:
		h.onAssessmentStarted(m)

	case ws.AssessmentRecovered:
		progress := 0.0
		if m.Progress.TotalQuestions > 0 {
			progress = float64(m.Progress.AnsweredQuestions) / float64(m.Progress.TotalQuestions) * 100
		}
		h.store.SetAssessmentRecovered(string(m.AssessmentID), string(m.ThreadID), progress)
		return []ws.Message{ws.GetQuestion()}

	case ws.Question:
		h.onQuestion(m)

	case ws.AnswerFeedback:
		return h.onAnswerFeedback(m)

	case ws.ProgressUpdate:
		h.store.UpdateProgress(m.PercentageComplete)

	case ws.AssessmentCompleted:
		h.store.Complete()

	case ws.ServerError:
		h.onError(m)

	case ws.SystemMessage:
		if m.IsTimeUp {
			h.store.AddChatMessage(h.store.NewChatMessage(model.ChatSystem, timeUpMessage))
			h.store.Complete()
			return nil
		}
		h.store.AddErrorLog(model.ErrTypeSystemMessage, m.Message, "", true)

	case ws.Pong:
		// liveness only; Handle already refreshed the timestamp

	case ws.TestInfo:
		h.onTestInfo(m)

	case ws.Unknown:
		h.log.Warn().Str("type", string(m.Type)).Msg("Unknown message type")
		h.store.AddErrorLog(model.ErrTypeUnknownMessage,
			fmt.Sprintf("Received unknown message type: %s", m.Type), "", true)
	}
	return nil
}

func allowedAfterCompletion(msg ws.Inbound) bool {
	switch msg.(type) {
	case ws.ServerError, ws.Pong, ws.TestInfo, ws.AuthSuccess, ws.Unknown:
		return true
	}
	return false
}

func (h *Handler) onAssessmentStarted(m ws.AssessmentStarted) {
	in := session.Started{
		AssessmentID: string(m.AssessmentID),
		ThreadID:     string(m.ThreadID),
		TestID:       m.TestID.Int(),
	}
	end := m.EndTime
	if m.TestDetails != nil {
		in.TestName = m.TestDetails.Name
		if end == "" {
			end = m.TestDetails.EndTime
		}
	}
	if end != "" {
		t, err := parseTime(end)
		if err != nil {
			h.log.Warn().Err(err).Str("end_time", end).Msg("Unparseable end time")
		}
		in.EndTime = t
	}
	if in.TestID == 0 {
		in.TestID = h.testID
	}

	if h.store.SetAssessmentStarted(in) {
		h.store.AddChatMessage(h.store.NewChatMessage(model.ChatSystem, welcomeMessage))
	}
}

func (h *Handler) onQuestion(m ws.Question) {
	body := m.Question
	q := model.Question{
		QuestionID: string(m.QuestionID),
		Text:       body.Prompt,
		Options:    ws.ParseOptions(body.Options),
		Difficulty: body.Meta.Difficulty,
		Skill:      body.Skill,
		TimeLimit:  body.TimeLimit,
	}
	if !h.store.SetCurrentQuestion(q) {
		return
	}

	chat := h.store.NewChatMessage(model.ChatAIQuestion, q.Text)
	chat.QuestionID = q.QuestionID
	chat.Options = q.Options
	chat.Metadata = &model.ChatMetadata{Skill: q.Skill, Difficulty: q.Difficulty}
	h.store.AddChatMessage(chat)
	h.store.SetInteractionType(model.InteractionWaitingResponse)
}

func (h *Handler) onAnswerFeedback(m ws.AnswerFeedback) []ws.Message {
	fb := m.Feedback
	annotated := h.store.SetAnswerFeedback(string(m.QuestionID), session.Verdict{
		Correct:       fb.Correct,
		CorrectAnswer: fb.CorrectAnswer,
		Message:       fb.Message,
	}, m.PercentageComplete)
	if !annotated {
		h.log.Debug().Str("question_id", string(m.QuestionID)).Msg("Feedback for unknown or already graded response")
	}

	if annotated && fb.Message != "" {
		chat := h.store.NewChatMessage(model.ChatAIFeedback, fb.Message)
		chat.QuestionID = string(m.QuestionID)
		chat.Metadata = &model.ChatMetadata{FeedbackMessage: fb.Message}
		h.store.AddChatMessage(chat)
	}

	h.store.SetInteractionType(model.InteractionProcessing)
	return []ws.Message{ws.GetQuestion()}
}

func (h *Handler) onError(m ws.ServerError) {
	msg := m.Error
	if msg == "" {
		msg = "Unknown error occurred"
	}
	recoverable := false
	if m.Recoverable != nil {
		recoverable = *m.Recoverable
	}
	h.log.Warn().Str("error", msg).Str("code", m.Code).Msg("Server reported error")
	h.store.SetError(session.Failure{
		Message:     msg,
		Code:        m.Code,
		Details:     m.Details,
		Recoverable: recoverable,
	})

	if c, ok := Classify(m.Error); ok {
		h.store.AddErrorLog(c.Type, c.Message, "", c.Recoverable)
	}
}

func (h *Handler) onTestInfo(m ws.TestInfo) {
	var info struct {
		Name        string          `json:"name"`
		TestDetails *ws.TestDetails `json:"test_details"`
	}
	if len(m.Data) > 0 {
		if err := json.Unmarshal(m.Data, &info); err != nil {
			h.log.Debug().Err(err).Msg("Test info is not an object")
			return
		}
	}
	name := info.Name
	if name == "" && info.TestDetails != nil {
		name = info.TestDetails.Name
	}
	h.log.Info().RawJSON("data", nonEmpty(m.Data)).Msg("Test info received")
	h.store.SetTestName(name)
}

func nonEmpty(b json.RawMessage) json.RawMessage {
	if len(b) == 0 {
		return json.RawMessage("null")
	}
	return b
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02 15:04:05",
}

func parseTime(s string) (time.Time, error) {
	var err error
	for _, layout := range timeLayouts {
		var t time.Time
		if t, err = time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, err
}
