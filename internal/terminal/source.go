// Package terminal adapts an interactive terminal to the assessment client:
// the alternate screen stands in for fullscreen and focus reporting stands
// in for window focus.
package terminal

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/stemsi/exstem-live/internal/violation"
)

// Control sequences understood by xterm-compatible terminals.
const (
	seqAltScreenOn  = "\x1b[?1049h"
	seqAltScreenOff = "\x1b[?1049l"
	seqFocusOn      = "\x1b[?1004h"
	seqFocusOff     = "\x1b[?1004l"
	seqClearHome    = "\x1b[2J\x1b[H"
)

// Source is a violation.SignalSource backed by a terminal. Focus events
// reach it through the Reader returned by Filter.
type Source struct {
	out io.Writer

	mu         sync.Mutex
	fullscreen bool
	nextID     int
	listeners  map[int]func(violation.Signal)
}

// NewSource creates a Source that writes control sequences to out.
func NewSource(out io.Writer) *Source {
	return &Source{out: out, listeners: make(map[int]func(violation.Signal))}
}

func (s *Source) Subscribe(fn func(violation.Signal)) func() {
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

// EnterFullscreen switches to the alternate screen and enables focus
// reporting.
func (s *Source) EnterFullscreen(_ context.Context) error {
	s.mu.Lock()
	if s.fullscreen {
		s.mu.Unlock()
		return nil
	}
	if _, err := io.WriteString(s.out, seqAltScreenOn+seqFocusOn+seqClearHome); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("enter alternate screen: %w", err)
	}
	s.fullscreen = true
	s.mu.Unlock()

	s.emit(violation.Signal{Kind: violation.SignalFullscreenChange, Fullscreen: true})
	return nil
}

// ExitFullscreen restores the primary screen.
func (s *Source) ExitFullscreen(_ context.Context) error {
	s.mu.Lock()
	if !s.fullscreen {
		s.mu.Unlock()
		return nil
	}
	if _, err := io.WriteString(s.out, seqFocusOff+seqAltScreenOff); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("leave alternate screen: %w", err)
	}
	s.fullscreen = false
	s.mu.Unlock()

	s.emit(violation.Signal{Kind: violation.SignalFullscreenChange, Fullscreen: false})
	return nil
}

func (s *Source) IsFullscreen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fullscreen
}

// Filter wraps r, removing focus reports and turning focus-out into a
// window blur signal.
func (s *Source) Filter(r io.Reader) io.Reader {
	return &focusFilter{r: r, onBlur: func() {
		s.emit(violation.Signal{Kind: violation.SignalWindowBlur, Fullscreen: s.IsFullscreen()})
	}}
}

func (s *Source) emit(sig violation.Signal) {
	s.mu.Lock()
	fns := make([]func(violation.Signal), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(sig)
	}
}
