package assessment

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"k8s.io/utils/clock"

	"github.com/stemsi/exstem-live/internal/connection"
	"github.com/stemsi/exstem-live/internal/model"
	"github.com/stemsi/exstem-live/internal/protocol"
	"github.com/stemsi/exstem-live/internal/session"
	"github.com/stemsi/exstem-live/internal/violation"
	ws "github.com/stemsi/exstem-live/internal/websocket"
)

// Orchestrator errors.
var (
	ErrNotAwaitingResponse = errors.New("no question is awaiting a response")
	ErrCompleted           = errors.New("assessment already completed")
)

// DefaultProcessingClearTimeout is how long a processing indicator stays up
// without a server reply.
const DefaultProcessingClearTimeout = 5 * time.Second

const (
	connectionLostMessage = "Connection lost. Please reload the assessment."
	sessionExpiredMessage = "Session expired. Please log in again."
	maxViolationsMessage  = "Assessment automatically submitted due to multiple violations of assessment rules."
	evaluatingMessage     = "Evaluating your response"
)

var indicatorMessages = map[ws.MessageType]string{
	ws.TypeGetQuestion:        "Fetching Next Question",
	ws.TypeCompleteAssessment: "Submitting Assessment",
	ws.TypeSubmitAnswer:       "Submitting the response",
	ws.TypeStartAssessment:    "Preparing your assessment",
}

// Config configures one assessment Session.
type Config struct {
	Connection             connection.Config
	ProcessingClearTimeout time.Duration
	MaxViolations          int
	ViolationDebounce      time.Duration
	// ViolationKey names the violation record; defaults to the test id.
	ViolationKey string
}

// Session drives one assessment attempt. It wires the socket, the protocol
// handler, the state store and the violation tracker together. Socket
// reads and proctoring callbacks are serialized by mu.
type Session struct {
	cfg   Config
	log   zerolog.Logger
	clock clock.WithTickerAndDelayedExecution

	source     violation.SignalSource
	violations violation.Store
	dialer     *websocket.Dialer

	store   *session.Store
	handler *protocol.Handler
	conn    *connection.Manager
	tracker *violation.Tracker

	mu         sync.Mutex
	completing bool

	indMu     sync.Mutex
	indicator string
	indTimer  clock.Timer

	subMu     sync.Mutex
	nextSubID int
	subs      map[int]func(model.Session)

	unsubscribe func()
	closed      atomic.Bool
}

// Option customises a Session.
type Option func(*Session)

// WithClock overrides the clock for every timer and timestamp.
func WithClock(c clock.WithTickerAndDelayedExecution) Option {
	return func(s *Session) { s.clock = c }
}

// WithSignalSource sets the environment observed for violations.
func WithSignalSource(src violation.SignalSource) Option {
	return func(s *Session) { s.source = src }
}

// WithViolationStore sets where violations are recorded.
func WithViolationStore(st violation.Store) Option {
	return func(s *Session) { s.violations = st }
}

// WithDialer overrides the WebSocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(s *Session) { s.dialer = d }
}

// New builds a disconnected Session for cfg.Connection.TestID.
func New(ctx context.Context, cfg Config, log zerolog.Logger, opts ...Option) (*Session, error) {
	if cfg.ProcessingClearTimeout <= 0 {
		cfg.ProcessingClearTimeout = DefaultProcessingClearTimeout
	}
	testID := cfg.Connection.TestID
	if cfg.ViolationKey == "" {
		cfg.ViolationKey = strconv.Itoa(testID)
	}

	s := &Session{
		cfg:   cfg,
		log:   log.With().Str("component", "assessment").Int("test_id", testID).Logger(),
		clock: clock.RealClock{},
		subs:  make(map[int]func(model.Session)),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.source == nil {
		s.source = violation.NewChannelSource()
	}
	if s.violations == nil {
		s.violations = violation.NewMemoryStore()
	}

	s.store = session.NewStore(testID, session.WithClock(s.clock))
	s.handler = protocol.NewHandler(s.store, testID, log)

	tracker, err := violation.NewTracker(ctx, s.source, s.violations, violation.Options{
		AssessmentID:           cfg.ViolationKey,
		MaxViolations:          cfg.MaxViolations,
		Debounce:               cfg.ViolationDebounce,
		OnMaxViolationsReached: s.onMaxViolations,
	}, log, violation.WithClock(s.clock))
	if err != nil {
		return nil, fmt.Errorf("init violation tracker: %w", err)
	}
	s.tracker = tracker

	mgrOpts := []connection.Option{connection.WithClock(s.clock)}
	if s.dialer != nil {
		mgrOpts = append(mgrOpts, connection.WithDialer(s.dialer))
	}
	s.conn = connection.NewManager(cfg.Connection, connection.Hooks{
		OnMessage:        s.onMessage,
		OnStatus:         s.onStatus,
		OnSent:           s.onSent,
		OnSendError:      s.onSendError,
		OnTransportError: s.onTransportError,
		OnTerminal:       s.onTerminal,
	}, log, mgrOpts...)

	s.unsubscribe = s.store.Subscribe(s.onChange)
	return s, nil
}

// ─── Queries ────────────────────────────────────────────────────────

// Snapshot returns a copy of the current attempt state.
func (s *Session) Snapshot() model.Session {
	return s.store.Snapshot()
}

// ProcessMessage returns the current processing indicator, or "".
func (s *Session) ProcessMessage() string {
	s.indMu.Lock()
	defer s.indMu.Unlock()
	return s.indicator
}

// Violations returns the proctoring record of this attempt.
func (s *Session) Violations(ctx context.Context) (model.ViolationRecord, error) {
	return s.tracker.Violations(ctx)
}

// Tracker exposes the violation tracker.
func (s *Session) Tracker() *violation.Tracker {
	return s.tracker
}

// Connection exposes the connection manager.
func (s *Session) Connection() *connection.Manager {
	return s.conn
}

// Subscribe registers fn for state and indicator changes and returns a
// function that removes it.
func (s *Session) Subscribe(fn func(model.Session)) func() {
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

func (s *Session) notify(snap model.Session) {
	s.subMu.Lock()
	fns := make([]func(model.Session), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subMu.Unlock()
	for _, fn := range fns {
		fn(snap)
	}
}

// onChange keeps tracking enabled exactly while the attempt runs.
func (s *Session) onChange(snap model.Session) {
	if !s.closed.Load() {
		s.tracker.SetEnabled(snap.Started && !snap.Completed)
	}
	s.notify(snap)
}

// ─── Commands ───────────────────────────────────────────────────────

// Start opens the socket.
func (s *Session) Start(ctx context.Context) error {
	if s.closed.Load() {
		return connection.ErrClosed
	}
	return s.conn.Connect(ctx)
}

// StartAssessment begins the attempt: enters fullscreen and asks the server
// to start or recover.
func (s *Session) StartAssessment(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.store.Completed() {
		return ErrCompleted
	}

	s.store.BeginAssessment("")
	if err := s.tracker.EnterFullscreen(ctx); err != nil {
		s.store.AddErrorLog(model.ErrTypeFullscreen, "Failed to enter fullscreen mode", err.Error(), true)
	}
	return s.conn.Send(ws.StartAssessment(s.cfg.Connection.TestID))
}

// SubmitAnswer answers the current question with optionID.
func (s *Session) SubmitAnswer(questionID, optionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := s.store.Snapshot()
	if snap.Completed {
		return ErrCompleted
	}
	if snap.InteractionType != model.InteractionWaitingResponse {
		return ErrNotAwaitingResponse
	}

	text, ok := snap.CurrentQuestion.OptionText(optionID)
	if !ok {
		text = optionID
	}
	s.store.RecordResponse(questionID, optionID, text)
	s.store.AddChatMessage(s.store.NewChatMessage(model.ChatUserResponse,
		ws.FormatOption(model.Option{OptionID: optionID, Text: text})))
	s.setIndicator(evaluatingMessage, false)
	s.store.SetInteractionType(model.InteractionProcessing)

	return s.conn.Send(ws.SubmitAnswer(questionID, optionID))
}

// RequestQuestion asks for the next question.
func (s *Session) RequestQuestion() error {
	return s.send(ws.GetQuestion())
}

// RequestProgress asks for a progress update.
func (s *Session) RequestProgress() error {
	return s.send(ws.GetProgress())
}

// RequestTestInfo asks for descriptive test information.
func (s *Session) RequestTestInfo() error {
	return s.send(ws.GetTestInfo())
}

// SendChatMessage sends free text to the server.
func (s *Session) SendChatMessage(text string) error {
	return s.send(ws.ChatMessage(text))
}

// CompleteAssessment submits the attempt. It sends at most once until the
// server confirms and is a no-op afterwards.
func (s *Session) CompleteAssessment() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completeLocked("")
}

func (s *Session) completeLocked(reason string) error {
	if s.store.Completed() || s.completing {
		return nil
	}
	if err := s.conn.Send(ws.CompleteAssessment(reason)); err != nil {
		return err
	}
	s.completing = true
	return nil
}

// ResetAssessment discards the attempt locally: state, violations,
// fullscreen and the socket. The error log is kept.
func (s *Session) ResetAssessment(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.completing = false
	s.clearIndicator()
	s.tracker.StopTracking()
	if err := s.tracker.ExitFullscreen(ctx); err != nil {
		s.log.Warn().Err(err).Msg("Failed to exit fullscreen on reset")
	}
	s.conn.Disconnect()
	s.store.Reset()

	if err := s.tracker.Reset(ctx); err != nil {
		return fmt.Errorf("reset violations: %w", err)
	}
	s.log.Info().Msg("Assessment reset")
	return nil
}

// Close tears the attempt down: timers, tracker and socket.
func (s *Session) Close(ctx context.Context) {
	if s.closed.Swap(true) {
		return
	}
	s.clearIndicator()
	s.tracker.Close(ctx)
	s.conn.Close()
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
}

func (s *Session) send(msg ws.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.store.Completed() {
		return ErrCompleted
	}
	return s.conn.Send(msg)
}

// ─── Callbacks ──────────────────────────────────────────────────────
//
// Connection hooks other than OnMessage may run synchronously inside a
// command that already holds mu, so they only touch the store and the
// indicator.

func (s *Session) onMessage(raw []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return
	}

	wasCompleted := s.store.Completed()
	res := s.handler.Handle(raw)

	switch res.Kind {
	case ws.TypeQuestion, ws.TypeAssessmentCompleted:
		s.clearIndicator()
	case ws.TypeError:
		if msg := s.store.Snapshot().CurrentError; protocol.Terminal(msg) {
			s.log.Error().Str("error", msg).Msg("Server rejected the session, not reconnecting")
			s.conn.Disconnect()
			s.store.SetConnectionStatus(model.StatusError, 0)
		}
	}

	if !wasCompleted && s.store.Completed() {
		s.completing = false
		if err := s.tracker.ExitFullscreen(context.Background()); err != nil {
			s.log.Debug().Err(err).Msg("Fullscreen not released after completion")
		}
		s.log.Info().Msg("Assessment completed")
	}

	for _, out := range res.Outbound {
		if err := s.conn.Send(out); err != nil {
			s.log.Warn().Err(err).Str("type", string(out.Type)).Msg("Follow-up not sent")
		}
	}
}

// onStatus mirrors the socket status. A connection that comes back during a
// running attempt re-sends start_assessment so the server recovers it.
func (s *Session) onStatus(status model.ConnectionStatus, attempts int) {
	s.store.SetConnectionStatus(status, attempts)
	if status != model.StatusConnected {
		return
	}
	snap := s.store.Snapshot()
	if snap.StartTime.IsZero() || snap.Completed {
		return
	}
	s.log.Info().Msg("Reconnected during attempt, requesting recovery")
	if err := s.conn.Send(ws.StartAssessment(s.cfg.Connection.TestID)); err != nil {
		s.log.Warn().Err(err).Msg("Recovery request not sent")
	}
}

func (s *Session) onSent(msg ws.Message) {
	if text, ok := indicatorMessages[msg.Type]; ok {
		s.setIndicator(text, true)
	}
}

func (s *Session) onSendError(err error) {
	s.store.AddErrorLog(model.ErrTypeSend, "Failed to send message", err.Error(), true)
}

func (s *Session) onTransportError(err error) {
	s.store.AddErrorLog(model.ErrTypeConnection, "WebSocket connection error", err.Error(), true)
}

func (s *Session) onTerminal(err error) {
	s.store.SetConnectionStatus(model.StatusError, s.conn.Attempts())
	if errors.Is(err, connection.ErrTokenExpired) || errors.Is(err, connection.ErrNoToken) {
		s.store.AddErrorLog(model.ErrTypeAuth, err.Error(), "", false)
		s.store.SetCurrentError(sessionExpiredMessage)
		return
	}
	s.store.AddErrorLog(model.ErrTypeConnection, err.Error(), "", false)
	s.store.SetCurrentError(connectionLostMessage)
}

func (s *Session) onMaxViolations() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.store.Completed() {
		return
	}

	s.log.Warn().Msg("Maximum violations reached, submitting assessment")
	if err := s.completeLocked(ws.CompleteReasonMaxViolations); err != nil {
		s.log.Error().Err(err).Msg("Automatic submission not sent")
	}
	msg := s.store.NewChatMessage(model.ChatSystem, maxViolationsMessage)
	msg.Metadata = &model.ChatMetadata{FeedbackMessage: ws.CompleteReasonMaxViolations}
	s.store.AddChatMessage(msg)
}

// ─── Processing indicator ───────────────────────────────────────────

// setIndicator shows text; with expire it is cleared after the configured
// timeout unless replaced first.
func (s *Session) setIndicator(text string, expire bool) {
	s.indMu.Lock()
	if s.indTimer != nil {
		s.indTimer.Stop()
		s.indTimer = nil
	}
	s.indicator = text
	if expire {
		var t clock.Timer
		t = s.clock.AfterFunc(s.cfg.ProcessingClearTimeout, func() {
			s.indMu.Lock()
			if s.indTimer != t {
				s.indMu.Unlock()
				return
			}
			s.indicator = ""
			s.indTimer = nil
			s.indMu.Unlock()
			s.notify(s.store.Snapshot())
		})
		s.indTimer = t
	}
	s.indMu.Unlock()
	s.notify(s.store.Snapshot())
}

func (s *Session) clearIndicator() {
	s.indMu.Lock()
	if s.indTimer != nil {
		s.indTimer.Stop()
		s.indTimer = nil
	}
	changed := s.indicator != ""
	s.indicator = ""
	s.indMu.Unlock()
	if changed {
		s.notify(s.store.Snapshot())
	}
}
