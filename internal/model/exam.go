package model

import "time"

// Exam is a test served by the reference exam server.
type Exam struct {
	ID              int            `json:"id"`
	Title           string         `json:"title"`
	DurationMinutes int            `json:"duration_minutes"`
	Questions       []BankQuestion `json:"questions"`
}

// BankQuestion is a multiple-choice question together with its answer key.
// Options carry their identifier prefix, e.g. "A. Paris".
type BankQuestion struct {
	ID            string   `json:"id"`
	Prompt        string   `json:"prompt"`
	Options       []string `json:"options"`
	CorrectOption string   `json:"correct_option"`
	Skill         string   `json:"skill"`
	Difficulty    string   `json:"difficulty"`
	TimeLimit     int      `json:"time_limit"`
	Explanation   string   `json:"explanation,omitempty"`
}

// ExamPayload is the Redis-cached payload served to candidates (no correct answers).
type ExamPayload struct {
	ExamID    int                    `json:"exam_id"`
	Title     string                 `json:"title"`
	Duration  int                    `json:"duration_minutes"`
	Questions []QuestionForCandidate `json:"questions"`
}

// QuestionForCandidate is a question without the correct answer.
type QuestionForCandidate struct {
	ID         string   `json:"id"`
	Prompt     string   `json:"prompt"`
	Options    []string `json:"options"`
	Skill      string   `json:"skill"`
	Difficulty string   `json:"difficulty"`
	TimeLimit  int      `json:"time_limit"`
	OrderNum   int      `json:"order_num"`
}

// Attempt is a candidate's server-side progress through an exam.
type Attempt struct {
	AssessmentID string    `json:"assessment_id"`
	ThreadID     string    `json:"thread_id"`
	UserID       int       `json:"user_id"`
	TestID       int       `json:"test_id"`
	StartedAt    time.Time `json:"started_at"`
	EndTime      time.Time `json:"end_time"`
	Completed    bool      `json:"completed"`
	Answered     int       `json:"answered"`
	Total        int       `json:"total"`
}

// Percentage returns the share of answered questions, 0–100.
func (a *Attempt) Percentage() float64 {
	if a.Total == 0 {
		return 0
	}
	return float64(a.Answered) / float64(a.Total) * 100
}

// DevTokenRequest is the payload for minting a development token.
type DevTokenRequest struct {
	UserID int `json:"user_id" validate:"required,min=1"`
}

// DevTokenResponse is returned by the development token endpoint.
type DevTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}
