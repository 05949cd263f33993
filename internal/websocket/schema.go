package websocket

import (
	"encoding/json"
	"strconv"
	"time"
)

// MessageType is the `type` discriminator of every frame.
type MessageType string

// ─── Client → Server ────────────────────────────────────────────────

const (
	TypeStartAssessment    MessageType = "start_assessment"
	TypeGetQuestion        MessageType = "get_question"
	TypeSubmitAnswer       MessageType = "submit_answer"
	TypeGetProgress        MessageType = "get_progress"
	TypeCompleteAssessment MessageType = "complete_assessment"
	TypeChatMessage        MessageType = "chat_message"
	TypeHeartbeat          MessageType = "heartbeat"
	TypeGetTestInfo        MessageType = "get_test_info"
)

// ─── Server → Client ────────────────────────────────────────────────

const (
	TypeAuthSuccess         MessageType = "auth_success"
	TypeAssessmentStarted   MessageType = "assessment_started"
	TypeAssessmentRecovered MessageType = "assessment_recovered"
	TypeQuestion            MessageType = "question"
	TypeAnswerFeedback      MessageType = "answer_feedback"
	TypeProgressUpdate      MessageType = "progress_update"
	TypeAssessmentCompleted MessageType = "assessment_completed"
	TypeError               MessageType = "error"
	TypeSystemMessage       MessageType = "system_message"
	TypePong                MessageType = "pong"
	TypeTestInfo            MessageType = "test_info"
)

// CompleteReasonMaxViolations is sent when proctoring forces submission.
const CompleteReasonMaxViolations = "max_violations_reached"

// TimestampLayout matches the millisecond ISO-8601 form browsers emit.
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

// Timestamp formats t for the wire.
func Timestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// Message is the encoded form of a frame in either direction.
type Message struct {
	Type      MessageType `json:"type"`
	Data      interface{} `json:"data,omitempty"`
	Error     string      `json:"error,omitempty"`
	Timestamp string      `json:"timestamp,omitempty"`
}

// Envelope is used to peek at the type before decoding the payload.
type Envelope struct {
	Type      MessageType     `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`
}

// ID accepts both JSON strings and numbers; servers are inconsistent about
// identifier types.
type ID string

func (id *ID) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*id = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*id = ID(n.String())
	return nil
}

// Int returns the numeric value of id, or 0.
func (id ID) Int() int {
	n, _ := strconv.Atoi(string(id))
	return n
}

// ─── Outbound payloads ──────────────────────────────────────────────

type StartAssessmentData struct {
	TestID int `json:"test_id"`
}

type SubmitAnswerData struct {
	QuestionID     string `json:"question_id" validate:"required"`
	SelectedOption string `json:"selected_option" validate:"required"`
}

type CompleteAssessmentData struct {
	Reason string `json:"reason,omitempty"`
}

type ChatMessageData struct {
	Message string `json:"message"`
}

// StartAssessment builds a start_assessment frame.
func StartAssessment(testID int) Message {
	return Message{Type: TypeStartAssessment, Data: StartAssessmentData{TestID: testID}}
}

// GetQuestion builds a get_question frame.
func GetQuestion() Message {
	return Message{Type: TypeGetQuestion}
}

// SubmitAnswer builds a submit_answer frame.
func SubmitAnswer(questionID, selectedOption string) Message {
	return Message{Type: TypeSubmitAnswer, Data: SubmitAnswerData{
		QuestionID:     questionID,
		SelectedOption: selectedOption,
	}}
}

// GetProgress builds a get_progress frame.
func GetProgress() Message {
	return Message{Type: TypeGetProgress}
}

// CompleteAssessment builds a complete_assessment frame. An empty reason
// omits the payload.
func CompleteAssessment(reason string) Message {
	if reason == "" {
		return Message{Type: TypeCompleteAssessment}
	}
	return Message{Type: TypeCompleteAssessment, Data: CompleteAssessmentData{Reason: reason}}
}

// ChatMessage builds a chat_message frame.
func ChatMessage(text string) Message {
	return Message{Type: TypeChatMessage, Data: ChatMessageData{Message: text}}
}

// Heartbeat builds a heartbeat frame.
func Heartbeat() Message {
	return Message{Type: TypeHeartbeat}
}

// GetTestInfo builds a get_test_info frame.
func GetTestInfo() Message {
	return Message{Type: TypeGetTestInfo}
}

// ─── Inbound payloads ───────────────────────────────────────────────

type AuthSuccessData struct {
	ConnectionID ID `json:"connection_id"`
	UserID       ID `json:"user_id"`
}

type TestDetails struct {
	Name    string `json:"name"`
	EndTime string `json:"end_time,omitempty"`
}

type AssessmentStartedData struct {
	AssessmentID ID           `json:"assessment_id"`
	ThreadID     ID           `json:"thread_id"`
	TestID       ID           `json:"test_id"`
	EndTime      string       `json:"end_time,omitempty"`
	TestDetails  *TestDetails `json:"test_details,omitempty"`
}

type ProgressCounts struct {
	AnsweredQuestions int `json:"answered_questions"`
	TotalQuestions    int `json:"total_questions"`
}

type AssessmentRecoveredData struct {
	AssessmentID ID             `json:"assessment_id"`
	ThreadID     ID             `json:"thread_id"`
	Progress     ProgressCounts `json:"progress"`
}

type QuestionMeta struct {
	Difficulty string `json:"difficulty"`
}

type QuestionBody struct {
	Prompt    string       `json:"prompt" validate:"required"`
	Options   []string     `json:"options" validate:"dive,required"`
	Skill     string       `json:"skill"`
	TimeLimit int          `json:"time_limit"`
	Meta      QuestionMeta `json:"meta"`
}

type QuestionData struct {
	QuestionID ID            `json:"question_id" validate:"required"`
	ThreadID   ID            `json:"thread_id"`
	Question   *QuestionBody `json:"question" validate:"required"`
}

type Feedback struct {
	Correct        bool   `json:"correct"`
	SelectedOption string `json:"selected_option"`
	CorrectAnswer  string `json:"correct_answer"`
	Message        string `json:"message"`
}

type AnswerFeedbackData struct {
	QuestionID         ID        `json:"question_id" validate:"required"`
	ThreadID           ID        `json:"thread_id"`
	PercentageComplete float64   `json:"percentage_complete"`
	Feedback           *Feedback `json:"feedback" validate:"required"`
}

type ProgressUpdateData struct {
	PercentageComplete float64 `json:"percentage_complete"`
}

type ErrorData struct {
	Error       string `json:"error"`
	Code        string `json:"code,omitempty"`
	Details     string `json:"details,omitempty"`
	Recoverable *bool  `json:"recoverable,omitempty"`
}

type SystemMessageData struct {
	Message  string `json:"message"`
	IsTimeUp bool   `json:"is_time_up,omitempty"`
}
