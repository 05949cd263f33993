package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"k8s.io/utils/clock"

	"github.com/stemsi/exstem-live/internal/model"
)

// MaxErrorLog bounds the diagnostic error log; older entries are evicted.
const MaxErrorLog = 50

// Listener receives a copy of the session after every change.
type Listener func(model.Session)

// Store holds the authoritative state of one assessment attempt. All
// transitions go through its methods; it performs no I/O.
type Store struct {
	clock clock.PassiveClock

	mu    sync.Mutex
	state model.Session

	subMu     sync.Mutex
	nextSubID int
	subs      map[int]Listener
}

// Option customises a Store.
type Option func(*Store)

// WithClock overrides the time source used for timestamps.
func WithClock(c clock.PassiveClock) Option {
	return func(s *Store) { s.clock = c }
}

// NewStore creates the state for an attempt at testID.
func NewStore(testID int, opts ...Option) *Store {
	s := &Store{
		clock: clock.RealClock{},
		subs:  make(map[int]Listener),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.state = initialState(testID)
	return s
}

func initialState(testID int) model.Session {
	return model.Session{
		TestID:           testID,
		Responses:        make(map[string]model.Response),
		ConnectionStatus: model.StatusDisconnected,
		InteractionType:  model.InteractionQuestion,
		PastQuestions:    []model.Question{},
		ChatHistory:      []model.ChatMessage{},
		ErrorLog:         []model.ErrorEntry{},
	}
}

// Snapshot returns a deep copy of the current state.
func (s *Store) Snapshot() model.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Clone()
}

// Completed reports whether the attempt reached its terminal state.
func (s *Store) Completed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Completed
}

// Subscribe registers fn for change notifications and returns a function
// that removes it.
func (s *Store) Subscribe(fn Listener) func() {
	s.subMu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.subs[id] = fn
	s.subMu.Unlock()

	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

// update applies fn under the lock and publishes the result when fn
// reports a change.
func (s *Store) update(fn func(st *model.Session) bool) bool {
	s.mu.Lock()
	changed := fn(&s.state)
	var snap model.Session
	if changed {
		snap = s.state.Clone()
	}
	s.mu.Unlock()

	if changed {
		s.publish(snap)
	}
	return changed
}

// live is update restricted to non-terminal sessions.
func (s *Store) live(fn func(st *model.Session)) bool {
	return s.update(func(st *model.Session) bool {
		if st.Completed {
			return false
		}
		fn(st)
		return true
	})
}

func (s *Store) publish(snap model.Session) {
	s.subMu.Lock()
	subs := make([]Listener, 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.subMu.Unlock()

	for _, fn := range subs {
		fn(snap)
	}
}

func (s *Store) now() time.Time {
	return s.clock.Now().UTC()
}

// ─── Connection ─────────────────────────────────────────────────────

// SetConnectionStatus records the socket status and the connection
// manager's reconnect attempt counter.
func (s *Store) SetConnectionStatus(status model.ConnectionStatus, attempts int) {
	s.update(func(st *model.Session) bool {
		st.ConnectionStatus = status
		st.ReconnectAttempts = attempts
		st.LastMessageAt = s.now()
		if status == model.StatusConnected {
			st.ReconnectAttempts = 0
			st.CurrentError = ""
		}
		return true
	})
}

// SetConnectionEstablished records the identity the server assigned.
func (s *Store) SetConnectionEstablished(connectionID string, userID int) {
	s.update(func(st *model.Session) bool {
		st.ConnectionStatus = model.StatusConnected
		st.ConnectionID = connectionID
		st.UserID = userID
		st.CurrentError = ""
		st.LastMessageAt = s.now()
		return true
	})
}

// Touch refreshes the liveness timestamp.
func (s *Store) Touch() {
	s.update(func(st *model.Session) bool {
		st.LastMessageAt = s.now()
		return true
	})
}

// ─── Lifecycle ──────────────────────────────────────────────────────

// BeginAssessment marks the local start of an attempt; Started stays false
// until the server confirms.
func (s *Store) BeginAssessment(applicationID string) bool {
	return s.live(func(st *model.Session) {
		st.ApplicationID = applicationID
		st.StartTime = s.now()
		st.Started = false
		st.CurrentError = ""
	})
}

// Started describes a server-confirmed start.
type Started struct {
	AssessmentID string
	ThreadID     string
	TestID       int
	TestName     string
	EndTime      time.Time
}

// SetAssessmentStarted applies a server-confirmed start.
func (s *Store) SetAssessmentStarted(in Started) bool {
	return s.live(func(st *model.Session) {
		st.Started = true
		st.AssessmentID = in.AssessmentID
		st.ThreadID = in.ThreadID
		if in.TestID != 0 {
			st.TestID = in.TestID
		}
		if in.TestName != "" {
			st.TestName = in.TestName
		}
		st.EndTime = in.EndTime
		st.CurrentError = ""
		st.LastMessageAt = s.now()
	})
}

// SetAssessmentRecovered re-hydrates an in-progress attempt after reconnect.
func (s *Store) SetAssessmentRecovered(assessmentID, threadID string, progress float64) bool {
	return s.live(func(st *model.Session) {
		st.Started = true
		st.AssessmentID = assessmentID
		st.ThreadID = threadID
		st.Progress = clampProgress(progress)
		st.CurrentError = ""
		st.LastMessageAt = s.now()
	})
}

// Complete moves the attempt into its terminal state.
func (s *Store) Complete() bool {
	return s.live(func(st *model.Session) {
		st.Completed = true
		st.InteractionType = model.InteractionCompleted
		st.LastMessageAt = s.now()
	})
}

// SetTestName records descriptive test information.
func (s *Store) SetTestName(name string) {
	s.update(func(st *model.Session) bool {
		if name == "" || st.TestName == name {
			return false
		}
		st.TestName = name
		return true
	})
}

// Reset returns the store to its freshly constructed state. The error log
// is preserved for diagnostics.
func (s *Store) Reset() {
	s.update(func(st *model.Session) bool {
		logs := st.ErrorLog
		*st = initialState(st.TestID)
		st.ErrorLog = logs
		return true
	})
}

// ─── Questions and responses ────────────────────────────────────────

// SetCurrentQuestion installs q, moving the previous question to the
// past questions.
func (s *Store) SetCurrentQuestion(q model.Question) bool {
	return s.live(func(st *model.Session) {
		if st.CurrentQuestion != nil {
			st.PastQuestions = append(st.PastQuestions, *st.CurrentQuestion)
		}
		st.CurrentQuestion = &q
		st.CurrentError = ""
		st.LastMessageAt = s.now()
	})
}

// RecordResponse stores the candidate's answer optimistically.
func (s *Store) RecordResponse(questionID, selectedOption, optionText string) bool {
	return s.live(func(st *model.Session) {
		st.Responses[questionID] = model.Response{
			SelectedOption: selectedOption,
			OptionText:     optionText,
			Timestamp:      s.now(),
		}
		st.LastMessageAt = s.now()
	})
}

// Verdict is the server's grading of one response.
type Verdict struct {
	Correct       bool
	CorrectAnswer string
	Message       string
}

// SetAnswerFeedback annotates the stored response for questionID and
// updates progress. A response is annotated at most once and only after
// it was recorded; the returned flag reports whether annotation happened.
func (s *Store) SetAnswerFeedback(questionID string, v Verdict, progress float64) bool {
	annotated := false
	s.live(func(st *model.Session) {
		if resp, ok := st.Responses[questionID]; ok && resp.IsCorrect == nil {
			correct := v.Correct
			resp.IsCorrect = &correct
			resp.CorrectAnswer = v.CorrectAnswer
			resp.FeedbackMessage = v.Message
			st.Responses[questionID] = resp
			annotated = true
		}
		st.Progress = clampProgress(progress)
		st.LastMessageAt = s.now()
	})
	return annotated
}

// UpdateProgress sets the completion percentage.
func (s *Store) UpdateProgress(progress float64) bool {
	return s.live(func(st *model.Session) {
		st.Progress = clampProgress(progress)
		st.LastMessageAt = s.now()
	})
}

func clampProgress(p float64) float64 {
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	default:
		return p
	}
}

// ─── Conversation ───────────────────────────────────────────────────

// SetInteractionType records what the conversation is waiting on.
func (s *Store) SetInteractionType(t model.InteractionType) bool {
	return s.live(func(st *model.Session) {
		st.InteractionType = t
		st.LastMessageAt = s.now()
	})
}

// InteractionType returns the current interaction mode.
func (s *Store) InteractionType() model.InteractionType {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.InteractionType
}

// NewChatMessage builds a transcript entry with a fresh id and timestamp.
func (s *Store) NewChatMessage(t model.ChatMessageType, content string) model.ChatMessage {
	return model.ChatMessage{
		ID:        "msg_" + uuid.NewString(),
		Type:      t,
		Content:   content,
		Timestamp: s.now(),
	}
}

// AddChatMessage appends m to the transcript. Once the attempt is
// completed only system entries are accepted.
func (s *Store) AddChatMessage(m model.ChatMessage) bool {
	return s.update(func(st *model.Session) bool {
		if st.Completed && m.Type != model.ChatSystem {
			return false
		}
		st.ChatHistory = append(st.ChatHistory, m)
		st.LastMessageAt = s.now()
		return true
	})
}

// ClearChatHistory empties the transcript.
func (s *Store) ClearChatHistory() {
	s.update(func(st *model.Session) bool {
		st.ChatHistory = []model.ChatMessage{}
		return true
	})
}

// ─── Errors ─────────────────────────────────────────────────────────

// Failure describes an error surfaced by the server or transport.
type Failure struct {
	Message     string
	Code        string
	Details     string
	Recoverable bool
}

// SetError makes f the user-visible error and logs it.
func (s *Store) SetError(f Failure) {
	s.update(func(st *model.Session) bool {
		st.CurrentError = f.Message
		s.appendLog(st, model.ErrorEntry{
			Type:        model.ErrTypeWebSocket,
			Message:     f.Message,
			Code:        f.Code,
			Details:     f.Details,
			Recoverable: f.Recoverable,
		})
		return true
	})
}

// SetCurrentError replaces the user-visible error without logging it.
func (s *Store) SetCurrentError(msg string) {
	s.update(func(st *model.Session) bool {
		st.CurrentError = msg
		return true
	})
}

// ClearCurrentError drops the user-visible error.
func (s *Store) ClearCurrentError() {
	s.update(func(st *model.Session) bool {
		if st.CurrentError == "" {
			return false
		}
		st.CurrentError = ""
		return true
	})
}

// AddErrorLog appends a diagnostic entry.
func (s *Store) AddErrorLog(entryType, message, details string, recoverable bool) {
	s.update(func(st *model.Session) bool {
		s.appendLog(st, model.ErrorEntry{
			Type:        entryType,
			Message:     message,
			Details:     details,
			Recoverable: recoverable,
		})
		return true
	})
}

// ClearErrorLog empties the diagnostic log.
func (s *Store) ClearErrorLog() {
	s.update(func(st *model.Session) bool {
		st.ErrorLog = []model.ErrorEntry{}
		return true
	})
}

func (s *Store) appendLog(st *model.Session, e model.ErrorEntry) {
	e.ID = "error_" + uuid.NewString()
	e.Timestamp = s.now()
	st.ErrorLog = append(st.ErrorLog, e)
	if n := len(st.ErrorLog); n > MaxErrorLog {
		st.ErrorLog = append([]model.ErrorEntry(nil), st.ErrorLog[n-MaxErrorLog:]...)
	}
	st.LastMessageAt = s.now()
}
