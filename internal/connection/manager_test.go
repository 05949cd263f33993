package connection

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/stemsi/exstem-live/internal/model"
	ws "github.com/stemsi/exstem-live/internal/websocket"
)

func nopLogger() zerolog.Logger { return zerolog.Nop() }

// fakeServer accepts assessment sockets and hands them to the test.
type fakeServer struct {
	*httptest.Server
	conns  chan *websocket.Conn
	reject chan struct{}

	mu      sync.Mutex
	queries []url.Values
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	fs := &fakeServer{conns: make(chan *websocket.Conn, 8), reject: make(chan struct{})}
	upgrader := websocket.Upgrader{}
	fs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-fs.reject:
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		default:
		}
		fs.mu.Lock()
		fs.queries = append(fs.queries, r.URL.Query())
		fs.mu.Unlock()
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		fs.conns <- c
	}))
	t.Cleanup(fs.Close)
	return fs
}

func (fs *fakeServer) wsURL() string {
	return "ws" + strings.TrimPrefix(fs.URL, "http")
}

func (fs *fakeServer) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-fs.conns:
		t.Cleanup(func() { c.Close() })
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("no connection accepted")
		return nil
	}
}

// recorder captures hook invocations.
type recorder struct {
	mu        sync.Mutex
	messages  [][]byte
	statuses  []model.ConnectionStatus
	sent      []ws.MessageType
	sendErrs  []error
	transport []error
	terminal  []error
}

func (r *recorder) hooks() Hooks {
	return Hooks{
		OnMessage: func(raw []byte) {
			r.mu.Lock()
			r.messages = append(r.messages, raw)
			r.mu.Unlock()
		},
		OnStatus: func(s model.ConnectionStatus, _ int) {
			r.mu.Lock()
			r.statuses = append(r.statuses, s)
			r.mu.Unlock()
		},
		OnSent: func(msg ws.Message) {
			r.mu.Lock()
			r.sent = append(r.sent, msg.Type)
			r.mu.Unlock()
		},
		OnSendError: func(err error) {
			r.mu.Lock()
			r.sendErrs = append(r.sendErrs, err)
			r.mu.Unlock()
		},
		OnTransportError: func(err error) {
			r.mu.Lock()
			r.transport = append(r.transport, err)
			r.mu.Unlock()
		},
		OnTerminal: func(err error) {
			r.mu.Lock()
			r.terminal = append(r.terminal, err)
			r.mu.Unlock()
		},
	}
}

func (r *recorder) count(f func(r *recorder) int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return f(r)
}

func (r *recorder) sawStatus(s model.ConnectionStatus) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, got := range r.statuses {
		if got == s {
			return true
		}
	}
	return false
}

func newTestManager(fs *fakeServer, rec *recorder, mutate func(*Config)) *Manager {
	cfg := Config{
		URL:                  fs.wsURL(),
		Token:                "opaque token/with+chars",
		TestID:               9,
		MaxReconnectAttempts: 3,
		ReconnectDelay:       20 * time.Millisecond,
		MaxReconnectDelay:    200 * time.Millisecond,
		HeartbeatInterval:    time.Minute,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return NewManager(cfg, rec.hooks(), nopLogger())
}

func TestURLEncodesQuery(t *testing.T) {
	m := NewManager(Config{URL: "ws://example.test/base/", Token: "a b&c", TestID: 5}, Hooks{}, nopLogger())
	raw, err := m.URL()
	require.NoError(t, err)

	u, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "/base/ws/assessment", u.Path)
	assert.Equal(t, "5", u.Query().Get("test_id"))
	assert.Equal(t, "a b&c", u.Query().Get("token"))
}

func TestConnectRequiresTokenAndTest(t *testing.T) {
	rec := &recorder{}
	m := NewManager(Config{URL: "ws://127.0.0.1:1", TestID: 1}, rec.hooks(), nopLogger())
	assert.ErrorIs(t, m.Connect(context.Background()), ErrNoToken)

	m = NewManager(Config{URL: "ws://127.0.0.1:1", Token: "t"}, rec.hooks(), nopLogger())
	assert.ErrorIs(t, m.Connect(context.Background()), ErrNoTestID)

	assert.Empty(t, rec.statuses)
	assert.Equal(t, model.StatusDisconnected, m.Status())
}

func TestSendWhileDisconnected(t *testing.T) {
	rec := &recorder{}
	m := NewManager(Config{URL: "ws://127.0.0.1:1", Token: "t", TestID: 1}, rec.hooks(), nopLogger())

	err := m.Send(ws.GetQuestion())
	assert.ErrorIs(t, err, ErrNotConnected)
	require.Len(t, rec.sendErrs, 1)
	assert.ErrorIs(t, rec.sendErrs[0], ErrNotConnected)
	assert.Empty(t, rec.sent)
}

func TestConnectSendAndReceive(t *testing.T) {
	fs := newFakeServer(t)
	rec := &recorder{}
	m := newTestManager(fs, rec, nil)
	t.Cleanup(m.Close)

	require.NoError(t, m.Connect(context.Background()))
	server := fs.accept(t)
	assert.Equal(t, model.StatusConnected, m.Status())
	assert.Equal(t, []model.ConnectionStatus{model.StatusConnecting, model.StatusConnected}, rec.statuses)

	fs.mu.Lock()
	q := fs.queries[0]
	fs.mu.Unlock()
	assert.Equal(t, "9", q.Get("test_id"))
	assert.Equal(t, "opaque token/with+chars", q.Get("token"))

	require.NoError(t, m.Send(ws.StartAssessment(9)))
	var env ws.Envelope
	require.NoError(t, server.ReadJSON(&env))
	assert.Equal(t, ws.TypeStartAssessment, env.Type)
	assert.NotEmpty(t, env.Timestamp)
	assert.Equal(t, []ws.MessageType{ws.TypeStartAssessment}, rec.sent)

	require.NoError(t, server.WriteMessage(websocket.TextMessage, []byte(`{"type":"pong"}`)))
	assert.Eventually(t, func() bool {
		return rec.count(func(r *recorder) int { return len(r.messages) }) == 1
	}, time.Second, 5*time.Millisecond)

	// A second Connect while connected is a no-op.
	require.NoError(t, m.Connect(context.Background()))
	assert.Len(t, rec.statuses, 2)
}

func TestHeartbeatIsSent(t *testing.T) {
	fs := newFakeServer(t)
	rec := &recorder{}
	m := newTestManager(fs, rec, func(c *Config) { c.HeartbeatInterval = 20 * time.Millisecond })
	t.Cleanup(m.Close)

	require.NoError(t, m.Connect(context.Background()))
	server := fs.accept(t)

	server.SetReadDeadline(time.Now().Add(time.Second))
	var env ws.Envelope
	require.NoError(t, server.ReadJSON(&env))
	assert.Equal(t, ws.TypeHeartbeat, env.Type)
}

func TestHeartbeatStopsWhenConnectionEnds(t *testing.T) {
	cases := map[string]func(m *Manager, server *websocket.Conn){
		"manual disconnect": func(m *Manager, _ *websocket.Conn) { m.Disconnect() },
		"transport drop":    func(_ *Manager, server *websocket.Conn) { server.UnderlyingConn().Close() },
	}
	for name, end := range cases {
		t.Run(name, func(t *testing.T) {
			fs := newFakeServer(t)
			rec := &recorder{}
			m := newTestManager(fs, rec, func(c *Config) {
				c.HeartbeatInterval = 20 * time.Millisecond
				c.MaxReconnectAttempts = 0
			})
			t.Cleanup(m.Close)

			require.NoError(t, m.Connect(context.Background()))
			server := fs.accept(t)

			server.SetReadDeadline(time.Now().Add(time.Second))
			var env ws.Envelope
			require.NoError(t, server.ReadJSON(&env))
			require.Equal(t, ws.TypeHeartbeat, env.Type)

			end(m, server)
			assert.Eventually(t, func() bool { return m.Status() == model.StatusDisconnected }, time.Second, 2*time.Millisecond)

			// A write already past the status check may still land.
			time.Sleep(30 * time.Millisecond)
			sent := rec.count(func(r *recorder) int { return len(r.sent) })

			time.Sleep(120 * time.Millisecond)
			assert.Equal(t, sent, rec.count(func(r *recorder) int { return len(r.sent) }))
			assert.Equal(t, model.StatusDisconnected, m.Status())
		})
	}
}

func TestAbnormalCloseReconnects(t *testing.T) {
	fs := newFakeServer(t)
	rec := &recorder{}
	m := newTestManager(fs, rec, nil)
	t.Cleanup(m.Close)

	require.NoError(t, m.Connect(context.Background()))
	server := fs.accept(t)

	// Dropping TCP without a close frame is a 1006 closure.
	server.UnderlyingConn().Close()

	assert.Eventually(t, func() bool { return rec.sawStatus(model.StatusReconnecting) }, time.Second, 2*time.Millisecond)
	assert.Equal(t, 20*time.Millisecond, m.ScheduledDelay())

	fs.accept(t)
	assert.Eventually(t, func() bool { return m.Status() == model.StatusConnected }, time.Second, 2*time.Millisecond)
	assert.Equal(t, 0, m.Attempts())
	assert.Empty(t, rec.terminal)
}

func TestCleanCloseDoesNotReconnect(t *testing.T) {
	fs := newFakeServer(t)
	rec := &recorder{}
	m := newTestManager(fs, rec, nil)
	t.Cleanup(m.Close)

	require.NoError(t, m.Connect(context.Background()))
	server := fs.accept(t)
	require.NoError(t, ws.WriteClose(server, websocket.CloseNormalClosure, "bye"))

	assert.Eventually(t, func() bool { return m.Status() == model.StatusDisconnected }, time.Second, 2*time.Millisecond)
	time.Sleep(60 * time.Millisecond)
	assert.False(t, rec.sawStatus(model.StatusReconnecting))
	assert.Equal(t, 0, m.Attempts())
}

func TestManualDisconnect(t *testing.T) {
	fs := newFakeServer(t)
	rec := &recorder{}
	m := newTestManager(fs, rec, nil)
	t.Cleanup(m.Close)

	require.NoError(t, m.Connect(context.Background()))
	server := fs.accept(t)

	m.Disconnect()
	assert.Equal(t, model.StatusDisconnected, m.Status())

	_, _, err := server.ReadMessage()
	var ce *websocket.CloseError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, websocket.CloseNormalClosure, ce.Code)
	assert.Equal(t, ws.ManualDisconnectReason, ce.Text)

	time.Sleep(60 * time.Millisecond)
	assert.False(t, rec.sawStatus(model.StatusReconnecting))
}

func TestReconnectExhausted(t *testing.T) {
	fs := newFakeServer(t)
	rec := &recorder{}
	m := newTestManager(fs, rec, func(c *Config) { c.MaxReconnectAttempts = 1 })
	t.Cleanup(m.Close)

	require.NoError(t, m.Connect(context.Background()))
	server := fs.accept(t)

	close(fs.reject)
	server.UnderlyingConn().Close()

	assert.Eventually(t, func() bool {
		return rec.count(func(r *recorder) int { return len(r.terminal) }) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, m.Attempts())
	assert.Equal(t, model.StatusDisconnected, m.Status())
	assert.NotEmpty(t, rec.count(func(r *recorder) int { return len(r.transport) }))
}

func TestClosedManagerRefusesConnect(t *testing.T) {
	fs := newFakeServer(t)
	m := newTestManager(fs, &recorder{}, nil)
	m.Close()
	assert.ErrorIs(t, m.Connect(context.Background()), ErrClosed)
}

func TestAbnormalCloseSchedulesFirstBackoff(t *testing.T) {
	fs := newFakeServer(t)
	rec := &recorder{}
	clk := clocktesting.NewFakeClock(time.Now())
	m := NewManager(Config{
		URL:                  fs.wsURL(),
		Token:                "t",
		TestID:               42,
		MaxReconnectAttempts: 5,
	}, rec.hooks(), nopLogger(), WithClock(clk))
	t.Cleanup(m.Close)

	require.NoError(t, m.Connect(context.Background()))
	server := fs.accept(t)
	require.Equal(t, 0, m.Attempts())

	server.UnderlyingConn().Close()

	require.Eventually(t, func() bool { return m.Status() == model.StatusReconnecting }, time.Second, 2*time.Millisecond)
	assert.Equal(t, 1, m.Attempts())
	assert.Equal(t, time.Second, m.ScheduledDelay())
	assert.True(t, clk.HasWaiters(), "reconnect timer armed")

	// A manual disconnect cancels the pending reconnect.
	m.Disconnect()
	clk.Step(2 * time.Second)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, model.StatusDisconnected, m.Status())
	select {
	case <-fs.conns:
		t.Fatal("reconnected after manual disconnect")
	default:
	}
}
