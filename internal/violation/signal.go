package violation

import (
	"context"
	"errors"
	"sync"
)

// SignalKind identifies a proctoring-relevant environment event.
type SignalKind string

const (
	SignalFullscreenChange SignalKind = "fullscreenchange"
	SignalVisibilityChange SignalKind = "visibilitychange"
	SignalWindowBlur       SignalKind = "blur"
)

// Signal is one environment event. Fullscreen and Hidden describe the state
// after the event.
type Signal struct {
	Kind       SignalKind
	Fullscreen bool
	Hidden     bool
}

// SignalSource abstracts the environment the candidate works in: fullscreen
// control plus fullscreen, visibility and focus notifications.
type SignalSource interface {
	// Subscribe registers fn for every signal and returns a function that
	// removes it.
	Subscribe(fn func(Signal)) (unsubscribe func())
	EnterFullscreen(ctx context.Context) error
	ExitFullscreen(ctx context.Context) error
	IsFullscreen() bool
}

// ErrFullscreenUnsupported is returned by sources that cannot go fullscreen.
var ErrFullscreenUnsupported = errors.New("fullscreen not supported")

// ChannelSource is an in-process SignalSource fed through Emit. It backs
// tests and bridges that receive events from another process.
type ChannelSource struct {
	mu         sync.Mutex
	fullscreen bool
	nextID     int
	listeners  map[int]func(Signal)

	// EnterErr and ExitErr, when set, are returned by the fullscreen calls.
	EnterErr error
	ExitErr  error
}

// NewChannelSource creates an empty ChannelSource.
func NewChannelSource() *ChannelSource {
	return &ChannelSource{listeners: make(map[int]func(Signal))}
}

func (s *ChannelSource) Subscribe(fn func(Signal)) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// Listeners returns the number of active subscriptions.
func (s *ChannelSource) Listeners() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.listeners)
}

// Emit delivers sig to every subscriber synchronously.
func (s *ChannelSource) Emit(sig Signal) {
	s.mu.Lock()
	if sig.Kind == SignalFullscreenChange {
		s.fullscreen = sig.Fullscreen
	}
	fns := make([]func(Signal), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(sig)
	}
}

func (s *ChannelSource) EnterFullscreen(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.EnterErr != nil {
		return s.EnterErr
	}
	s.fullscreen = true
	return nil
}

func (s *ChannelSource) ExitFullscreen(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ExitErr != nil {
		return s.ExitErr
	}
	s.fullscreen = false
	return nil
}

func (s *ChannelSource) IsFullscreen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fullscreen
}
