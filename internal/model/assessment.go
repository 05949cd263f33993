package model

import "time"

// ConnectionStatus enumerates the lifecycle of the assessment socket.
type ConnectionStatus string

const (
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusConnecting   ConnectionStatus = "connecting"
	StatusConnected    ConnectionStatus = "connected"
	StatusReconnecting ConnectionStatus = "reconnecting"
	StatusError        ConnectionStatus = "error"
)

// InteractionType is what the conversation is currently waiting on.
type InteractionType string

const (
	InteractionQuestion        InteractionType = "question"
	InteractionWaitingResponse InteractionType = "waiting_response"
	InteractionProcessing      InteractionType = "processing"
	InteractionCompleted       InteractionType = "completed"
)

// ChatMessageType enumerates transcript entry kinds.
type ChatMessageType string

const (
	ChatAIQuestion   ChatMessageType = "ai_question"
	ChatUserResponse ChatMessageType = "user_response"
	ChatAIFeedback   ChatMessageType = "ai_feedback"
	ChatAIProcess    ChatMessageType = "ai_process"
	ChatSystem       ChatMessageType = "system"
)

// Option is one selectable answer of a question.
type Option struct {
	OptionID string `json:"option_id"`
	Text     string `json:"option"`
}

// Question is a single multiple-choice item served by the exam server.
type Question struct {
	QuestionID string   `json:"question_id"`
	Text       string   `json:"text"`
	Options    []Option `json:"options"`
	Difficulty string   `json:"difficulty"`
	Skill      string   `json:"skill"`
	TimeLimit  int      `json:"time_limit"`
}

// OptionText returns the text of the option with the given id.
func (q *Question) OptionText(optionID string) (string, bool) {
	if q == nil {
		return "", false
	}
	for _, o := range q.Options {
		if o.OptionID == optionID {
			return o.Text, true
		}
	}
	return "", false
}

// Response is the candidate's answer to a question, later annotated with
// the server's verdict.
type Response struct {
	SelectedOption  string    `json:"selected_option"`
	OptionText      string    `json:"option_text"`
	Timestamp       time.Time `json:"timestamp"`
	IsCorrect       *bool     `json:"is_correct,omitempty"`
	CorrectAnswer   string    `json:"correct_answer,omitempty"`
	FeedbackMessage string    `json:"feedback_message,omitempty"`
}

// ChatMetadata carries optional annotations on a transcript entry.
type ChatMetadata struct {
	Skill           string `json:"skill,omitempty"`
	Difficulty      string `json:"difficulty,omitempty"`
	FeedbackMessage string `json:"feedback_message,omitempty"`
}

// ChatMessage is one entry of the conversation transcript.
type ChatMessage struct {
	ID         string          `json:"id"`
	Type       ChatMessageType `json:"type"`
	Content    string          `json:"content"`
	Timestamp  time.Time       `json:"timestamp"`
	QuestionID string          `json:"question_id,omitempty"`
	Options    []Option        `json:"options,omitempty"`
	Metadata   *ChatMetadata   `json:"metadata,omitempty"`
}

// ErrorEntry is a diagnostic record in the bounded error log.
type ErrorEntry struct {
	ID          string    `json:"id"`
	Type        string    `json:"type"`
	Message     string    `json:"message"`
	Code        string    `json:"code,omitempty"`
	Details     string    `json:"details,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	Recoverable bool      `json:"recoverable"`
}

// Error log entry types.
const (
	ErrTypeSend           = "send_error"
	ErrTypeParse          = "parse_error"
	ErrTypeUnknownMessage = "unknown_message"
	ErrTypeHandler        = "handler_error"
	ErrTypeWebSocket      = "websocket_error"
	ErrTypeConnection     = "connection_error"
	ErrTypeAuth           = "auth_error"
	ErrTypeAccess         = "access_error"
	ErrTypeTest           = "test_error"
	ErrTypeQuestion       = "question_error"
	ErrTypeSystemMessage  = "system_message"
	ErrTypeFullscreen     = "fullscreen_error"
)

// Session is the in-memory representation of one assessment attempt.
type Session struct {
	// Identity
	TestID        int    `json:"test_id"`
	TestName      string `json:"test_name"`
	AssessmentID  string `json:"assessment_id"`
	ApplicationID string `json:"application_id"`
	ThreadID      string `json:"thread_id"`
	ConnectionID  string `json:"connection_id"`
	UserID        int    `json:"user_id"`

	// Time tracking
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`

	Started   bool `json:"assessment_started"`
	Completed bool `json:"assessment_completed"`

	CurrentQuestion *Question           `json:"current_question"`
	PastQuestions   []Question          `json:"past_questions"`
	Responses       map[string]Response `json:"responses"`
	Progress        float64             `json:"progress"`

	ChatHistory     []ChatMessage   `json:"chat_history"`
	InteractionType InteractionType `json:"current_interaction_type"`

	ConnectionStatus  ConnectionStatus `json:"connection_status"`
	ReconnectAttempts int              `json:"reconnect_attempts"`
	LastMessageAt     time.Time        `json:"last_message_timestamp"`

	CurrentError string       `json:"current_error"`
	ErrorLog     []ErrorEntry `json:"error_logs"`
}

// Clone returns a deep copy safe to hand to observers.
func (s *Session) Clone() Session {
	out := *s
	if s.CurrentQuestion != nil {
		q := cloneQuestion(*s.CurrentQuestion)
		out.CurrentQuestion = &q
	}
	out.PastQuestions = make([]Question, len(s.PastQuestions))
	for i, q := range s.PastQuestions {
		out.PastQuestions[i] = cloneQuestion(q)
	}
	out.Responses = make(map[string]Response, len(s.Responses))
	for k, v := range s.Responses {
		if v.IsCorrect != nil {
			c := *v.IsCorrect
			v.IsCorrect = &c
		}
		out.Responses[k] = v
	}
	out.ChatHistory = make([]ChatMessage, len(s.ChatHistory))
	for i, m := range s.ChatHistory {
		if m.Options != nil {
			m.Options = append([]Option(nil), m.Options...)
		}
		if m.Metadata != nil {
			md := *m.Metadata
			m.Metadata = &md
		}
		out.ChatHistory[i] = m
	}
	out.ErrorLog = append([]ErrorEntry(nil), s.ErrorLog...)
	return out
}

func cloneQuestion(q Question) Question {
	q.Options = append([]Option(nil), q.Options...)
	return q
}
