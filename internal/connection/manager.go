package connection

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"k8s.io/utils/clock"

	"github.com/stemsi/exstem-live/internal/model"
	ws "github.com/stemsi/exstem-live/internal/websocket"
)

// Connection errors.
var (
	ErrNoToken      = errors.New("no authentication token available")
	ErrTokenExpired = errors.New("authentication token expired")
	ErrNoTestID     = errors.New("no test id")
	ErrNotConnected = errors.New("cannot send message - WebSocket not connected")
	ErrClosed       = errors.New("connection manager closed")
)

const (
	// DefaultHeartbeatInterval is how often a heartbeat is sent while connected.
	DefaultHeartbeatInterval = 30 * time.Second
	// DefaultMaxReconnectAttempts bounds automatic reconnection.
	DefaultMaxReconnectAttempts = 5

	handshakeTimeout = 10 * time.Second
	// closeAbnormal mirrors RFC 6455 1006, used when no close frame arrived.
	closeAbnormal = websocket.CloseAbnormalClosure
)

// Config describes the socket of one assessment attempt.
type Config struct {
	// URL is the server base, e.g. ws://localhost:8080.
	URL                  string
	Token                string
	TestID               int
	MaxReconnectAttempts int
	ReconnectDelay       time.Duration
	MaxReconnectDelay    time.Duration
	HeartbeatInterval    time.Duration
}

// Hooks are invoked by the Manager. All are optional. They run without any
// Manager lock held.
type Hooks struct {
	// OnMessage receives every inbound frame, in arrival order.
	OnMessage func(raw []byte)
	// OnStatus receives every status change with the reconnect counter.
	OnStatus func(status model.ConnectionStatus, attempts int)
	// OnSent is called after a frame was written.
	OnSent func(msg ws.Message)
	// OnSendError is called when a frame is dropped.
	OnSendError func(err error)
	// OnTransportError is called on dial or read failures.
	OnTransportError func(err error)
	// OnTerminal is called when reconnection is exhausted or refused.
	OnTerminal func(err error)
}

// CloseInfo describes how the transport went away.
type CloseInfo struct {
	Code   int
	Reason string
	Err    error
}

// Clean reports a normal closure, which never triggers reconnection.
func (c CloseInfo) Clean() bool {
	return c.Code == websocket.CloseNormalClosure
}

// Manager owns the socket of one attempt: connect, reconnect with backoff,
// heartbeat and manual/abnormal disconnect classification.
type Manager struct {
	cfg    Config
	hooks  Hooks
	dialer *websocket.Dialer
	clock  clock.WithTickerAndDelayedExecution
	log    zerolog.Logger

	mu             sync.Mutex
	status         model.ConnectionStatus
	conn           *websocket.Conn
	gen            uint64
	attempts       int
	backoff        *Backoff
	scheduledDelay time.Duration
	manual         bool
	closed         bool
	reconnectTimer clock.Timer
	stopHeartbeat  chan struct{}

	writeMu sync.Mutex
}

// Option customises a Manager.
type Option func(*Manager)

// WithClock overrides the clock driving heartbeats and reconnect timers.
func WithClock(c clock.WithTickerAndDelayedExecution) Option {
	return func(m *Manager) { m.clock = c }
}

// WithDialer overrides the WebSocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(m *Manager) { m.dialer = d }
}

// NewManager creates a disconnected Manager.
func NewManager(cfg Config, hooks Hooks, log zerolog.Logger, opts ...Option) *Manager {
	if cfg.MaxReconnectAttempts < 0 {
		cfg.MaxReconnectAttempts = 0
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.MaxReconnectDelay <= 0 {
		cfg.MaxReconnectDelay = DefaultMaxReconnectDelay
	}

	m := &Manager{
		cfg:    cfg,
		hooks:  hooks,
		dialer: &websocket.Dialer{HandshakeTimeout: handshakeTimeout},
		clock:  clock.RealClock{},
		log: log.With().
			Str("component", "connection").
			Int("test_id", cfg.TestID).
			Logger(),
		status:  model.StatusDisconnected,
		backoff: NewBackoff(cfg.ReconnectDelay, cfg.MaxReconnectDelay),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Status returns the current connection status.
func (m *Manager) Status() model.ConnectionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Attempts returns the number of reconnections scheduled since the last
// successful connection.
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// ScheduledDelay returns the delay of the most recently scheduled reconnect.
func (m *Manager) ScheduledDelay() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.scheduledDelay
}

// URL builds the socket URL for the configured attempt.
func (m *Manager) URL() (string, error) {
	u, err := url.Parse(m.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("parse websocket url: %w", err)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws/assessment"
	q := u.Query()
	q.Set("test_id", strconv.Itoa(m.cfg.TestID))
	q.Set("token", m.cfg.Token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// checkToken rejects missing tokens and JWTs whose exp already passed.
// Opaque tokens are accepted as-is.
func (m *Manager) checkToken() error {
	if m.cfg.Token == "" {
		return ErrNoToken
	}
	if m.cfg.TestID == 0 {
		return ErrNoTestID
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(m.cfg.Token, claims); err != nil {
		m.log.Debug().Err(err).Msg("Token is not a JWT, skipping expiry check")
		return nil
	}
	exp, err := claims.GetExpirationTime()
	if err == nil && exp != nil && !exp.After(m.clock.Now()) {
		return ErrTokenExpired
	}
	return nil
}

// Connect dials the server. It is a no-op while connecting or connected.
// Dial failures are subject to the reconnect policy and are also returned.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.status == model.StatusConnecting || m.status == model.StatusConnected {
		m.mu.Unlock()
		return nil
	}
	if err := m.checkToken(); err != nil {
		m.mu.Unlock()
		return err
	}
	target, err := m.URL()
	if err != nil {
		m.mu.Unlock()
		return err
	}
	m.gen++
	gen := m.gen
	m.status = model.StatusConnecting
	attempts := m.attempts
	m.mu.Unlock()

	m.emitStatus(model.StatusConnecting, attempts)

	conn, _, err := m.dialer.DialContext(ctx, target, nil)
	if err != nil {
		m.log.Warn().Err(err).Msg("WebSocket dial failed")
		m.emitTransportError(err)
		m.handleClose(gen, CloseInfo{Code: closeAbnormal, Err: err})
		return fmt.Errorf("dial assessment socket: %w", err)
	}

	m.mu.Lock()
	if gen != m.gen || m.closed {
		// Disconnected while dialing.
		m.mu.Unlock()
		conn.Close()
		return nil
	}
	m.conn = conn
	m.status = model.StatusConnected
	m.attempts = 0
	m.backoff.Reset()
	m.manual = false
	m.stopHeartbeat = make(chan struct{})
	stop := m.stopHeartbeat
	m.mu.Unlock()

	m.log.Info().Msg("WebSocket connected to assessment")
	m.emitStatus(model.StatusConnected, 0)

	go m.readLoop(gen, conn)
	go m.heartbeat(stop)
	return nil
}

// Disconnect closes the socket intentionally, suppressing reconnection.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.manual = true
	m.gen++
	m.cancelReconnectLocked()
	conn := m.conn
	m.conn = nil
	m.stopHeartbeatLocked()
	changed := m.status != model.StatusDisconnected
	m.status = model.StatusDisconnected
	attempts := m.attempts
	m.mu.Unlock()

	if conn != nil {
		m.writeMu.Lock()
		if err := ws.WriteClose(conn, websocket.CloseNormalClosure, ws.ManualDisconnectReason); err != nil {
			m.log.Debug().Err(err).Msg("Close frame not sent")
		}
		m.writeMu.Unlock()
		conn.Close()
		m.log.Info().Msg("WebSocket disconnected manually")
	}
	if changed {
		m.emitStatus(model.StatusDisconnected, attempts)
	}
}

// Close disconnects and prevents any further connection.
func (m *Manager) Close() {
	m.Disconnect()
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
}

// Send writes msg, stamping it with the current time. Frames are only
// written while connected; otherwise they are dropped and reported.
func (m *Manager) Send(msg ws.Message) error {
	m.mu.Lock()
	conn := m.conn
	connected := m.status == model.StatusConnected && conn != nil
	m.mu.Unlock()

	if !connected {
		m.log.Debug().Str("type", string(msg.Type)).Msg("Dropping message while not connected")
		if m.hooks.OnSendError != nil {
			m.hooks.OnSendError(ErrNotConnected)
		}
		return ErrNotConnected
	}

	msg.Timestamp = ws.Timestamp(m.clock.Now())

	m.writeMu.Lock()
	err := ws.WriteTyped(conn, msg)
	m.writeMu.Unlock()
	if err != nil {
		m.log.Warn().Err(err).Str("type", string(msg.Type)).Msg("Write failed")
		if m.hooks.OnSendError != nil {
			m.hooks.OnSendError(err)
		}
		return fmt.Errorf("send %s: %w", msg.Type, err)
	}

	m.log.Debug().Str("type", string(msg.Type)).Msg("Sent")
	if m.hooks.OnSent != nil {
		m.hooks.OnSent(msg)
	}
	return nil
}

func (m *Manager) readLoop(gen uint64, conn *websocket.Conn) {
	readWait := 3 * m.cfg.HeartbeatInterval
	for {
		conn.SetReadDeadline(time.Now().Add(readWait))
		_, data, err := conn.ReadMessage()
		if err != nil {
			info := CloseInfo{Code: closeAbnormal, Err: err}
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				info.Code = ce.Code
				info.Reason = ce.Text
			}
			m.handleClose(gen, info)
			return
		}
		if m.hooks.OnMessage != nil {
			m.hooks.OnMessage(data)
		}
	}
}

func (m *Manager) heartbeat(stop <-chan struct{}) {
	ticker := m.clock.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C():
			if m.Status() != model.StatusConnected {
				return
			}
			_ = m.Send(ws.Heartbeat())
		}
	}
}

// handleClose applies the reconnect policy to a transport loss on the
// connection of generation gen. Losses of superseded connections are
// ignored.
func (m *Manager) handleClose(gen uint64, info CloseInfo) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	if conn := m.conn; conn != nil {
		conn.Close()
	}
	m.conn = nil
	m.stopHeartbeatLocked()
	m.status = model.StatusDisconnected
	attempts := m.attempts

	ev := m.log.Info()
	if info.Err != nil && !info.Clean() {
		ev = m.log.Warn().Err(info.Err)
	}
	ev.Int("code", info.Code).Str("reason", info.Reason).Msg("WebSocket disconnected")

	reconnect := !m.manual && !m.closed && !info.Clean() && m.attempts < m.cfg.MaxReconnectAttempts
	exhausted := !m.manual && !m.closed && !info.Clean() && !reconnect
	var delay time.Duration
	if reconnect {
		delay = m.scheduleReconnectLocked()
	}
	next := m.attempts
	m.mu.Unlock()

	m.emitStatus(model.StatusDisconnected, attempts)
	switch {
	case reconnect:
		m.log.Info().Int("attempt", next).Dur("delay", delay).Msg("Reconnect scheduled")
		m.emitStatus(model.StatusReconnecting, next)
	case exhausted:
		err := fmt.Errorf("connection lost after %d reconnect attempts (code %d)", next, info.Code)
		m.log.Error().Err(err).Msg("Giving up on reconnection")
		if m.hooks.OnTerminal != nil {
			m.hooks.OnTerminal(err)
		}
	}
}

// scheduleReconnectLocked bumps the attempt counter and arms the reconnect
// timer with the current backoff delay. m.mu must be held.
func (m *Manager) scheduleReconnectLocked() time.Duration {
	m.attempts++
	m.status = model.StatusReconnecting
	delay := m.backoff.Next()
	m.scheduledDelay = delay
	gen := m.gen
	m.cancelReconnectLocked()
	m.reconnectTimer = m.clock.AfterFunc(delay, func() {
		m.mu.Lock()
		stale := gen != m.gen || m.manual || m.closed
		m.reconnectTimer = nil
		m.mu.Unlock()
		if stale {
			return
		}
		err := m.Connect(context.Background())
		switch {
		case err == nil:
		case errors.Is(err, ErrTokenExpired), errors.Is(err, ErrNoToken), errors.Is(err, ErrNoTestID):
			m.giveUp(gen, fmt.Errorf("reconnect refused: %w", err))
		default:
			m.log.Debug().Err(err).Msg("Reconnect attempt failed")
		}
	})
	return delay
}

// giveUp ends reconnection when a retry can never succeed. The manager is
// left in the error status and OnTerminal fires once.
func (m *Manager) giveUp(gen uint64, err error) {
	m.mu.Lock()
	if gen != m.gen || m.manual || m.closed {
		m.mu.Unlock()
		return
	}
	m.cancelReconnectLocked()
	m.status = model.StatusError
	attempts := m.attempts
	m.mu.Unlock()

	m.log.Error().Err(err).Msg("Giving up on reconnection")
	m.emitStatus(model.StatusError, attempts)
	if m.hooks.OnTerminal != nil {
		m.hooks.OnTerminal(err)
	}
}

func (m *Manager) cancelReconnectLocked() {
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
}

func (m *Manager) stopHeartbeatLocked() {
	if m.stopHeartbeat != nil {
		close(m.stopHeartbeat)
		m.stopHeartbeat = nil
	}
}

func (m *Manager) emitStatus(status model.ConnectionStatus, attempts int) {
	if m.hooks.OnStatus != nil {
		m.hooks.OnStatus(status, attempts)
	}
}

func (m *Manager) emitTransportError(err error) {
	if m.hooks.OnTransportError != nil {
		m.hooks.OnTransportError(err)
	}
}
