package violation

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"k8s.io/utils/clock"

	"github.com/stemsi/exstem-live/internal/model"
)

// DefaultDebounce collapses violations closer together than this.
const DefaultDebounce = time.Second

// Options configures a Tracker.
type Options struct {
	// AssessmentID keys the violation record in the Store.
	AssessmentID  string
	MaxViolations int
	Debounce      time.Duration
	// OnMaxViolationsReached fires once when the count reaches
	// MaxViolations, and again only after Reset.
	OnMaxViolationsReached func()
}

// Tracker observes a SignalSource while enabled and records debounced
// violations in a Store.
type Tracker struct {
	opts   Options
	source SignalSource
	store  Store
	clock  clock.PassiveClock
	log    zerolog.Logger

	mu          sync.Mutex
	tracking    bool
	unsubscribe func()
	last        time.Time
	fired       bool
}

// TrackerOption customises a Tracker.
type TrackerOption func(*Tracker)

// WithClock overrides the clock used for debouncing and entry timestamps.
func WithClock(c clock.PassiveClock) TrackerOption {
	return func(t *Tracker) { t.clock = c }
}

// NewTracker initialises the record for opts.AssessmentID and returns an
// idle Tracker.
func NewTracker(ctx context.Context, source SignalSource, store Store, opts Options, log zerolog.Logger, tOpts ...TrackerOption) (*Tracker, error) {
	if opts.MaxViolations <= 0 {
		opts.MaxViolations = DefaultMaxViolations
	}
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	t := &Tracker{
		opts:   opts,
		source: source,
		store:  store,
		clock:  clock.RealClock{},
		log: log.With().
			Str("component", "violation_tracker").
			Str("assessment_id", opts.AssessmentID).
			Logger(),
	}
	for _, opt := range tOpts {
		opt(t)
	}
	if _, err := store.Init(ctx, opts.AssessmentID, opts.MaxViolations); err != nil {
		return nil, err
	}
	return t, nil
}

// StartTracking subscribes to the signal source.
func (t *Tracker) StartTracking() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.tracking {
		return
	}
	t.tracking = true
	t.unsubscribe = t.source.Subscribe(t.onSignal)
	t.log.Debug().Msg("Tracking started")
}

// StopTracking removes the subscription. Signals arriving afterwards are
// ignored.
func (t *Tracker) StopTracking() {
	t.mu.Lock()
	unsub := t.unsubscribe
	t.unsubscribe = nil
	was := t.tracking
	t.tracking = false
	t.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	if was {
		t.log.Debug().Msg("Tracking stopped")
	}
}

// SetEnabled starts or stops tracking.
func (t *Tracker) SetEnabled(enabled bool) {
	if enabled {
		t.StartTracking()
		return
	}
	t.StopTracking()
}

// Tracking reports whether signals are currently recorded.
func (t *Tracker) Tracking() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tracking
}

func (t *Tracker) onSignal(sig Signal) {
	switch sig.Kind {
	case SignalFullscreenChange:
		if !sig.Fullscreen {
			t.Record(context.Background(), model.ReasonFullscreenExit, "User exited fullscreen mode")
		}
	case SignalVisibilityChange:
		if sig.Hidden {
			t.Record(context.Background(), model.ReasonTabSwitch, "User switched away from assessment tab")
		}
	case SignalWindowBlur:
		t.Record(context.Background(), model.ReasonWindowBlur, "User switched to another application")
	}
}

// Record stores a violation unless tracking is off or the previous recorded
// violation is less than the debounce interval old. It reports whether the
// violation was stored.
func (t *Tracker) Record(ctx context.Context, reason model.ViolationReason, details string) bool {
	t.mu.Lock()
	if !t.tracking {
		t.mu.Unlock()
		return false
	}
	now := t.clock.Now()
	if !t.last.IsZero() && now.Sub(t.last) < t.opts.Debounce {
		t.mu.Unlock()
		return false
	}

	rec, err := t.store.Add(ctx, t.opts.AssessmentID, model.ViolationEntry{
		Timestamp: now.UTC(),
		Reason:    reason,
		Details:   details,
	})
	if err != nil {
		t.mu.Unlock()
		t.log.Error().Err(err).Str("reason", string(reason)).Msg("Failed to record violation")
		return false
	}
	t.last = now

	crossed := rec.Count >= t.opts.MaxViolations && !t.fired
	if crossed {
		t.fired = true
	}
	t.mu.Unlock()

	t.log.Warn().
		Str("reason", string(reason)).
		Int("count", rec.Count).
		Int("max", t.opts.MaxViolations).
		Msg("Assessment violation detected")

	if crossed && t.opts.OnMaxViolationsReached != nil {
		t.opts.OnMaxViolationsReached()
	}
	return true
}

// EnterFullscreen asks the source for fullscreen and marks it required.
func (t *Tracker) EnterFullscreen(ctx context.Context) error {
	if err := t.source.EnterFullscreen(ctx); err != nil {
		t.log.Warn().Err(err).Msg("Failed to enter fullscreen")
		return err
	}
	return t.store.SetFullscreenRequired(ctx, t.opts.AssessmentID, true)
}

// ExitFullscreen leaves fullscreen if active and clears the requirement.
func (t *Tracker) ExitFullscreen(ctx context.Context) error {
	if t.source.IsFullscreen() {
		if err := t.source.ExitFullscreen(ctx); err != nil {
			t.log.Warn().Err(err).Msg("Failed to exit fullscreen")
			return err
		}
	}
	err := t.store.SetFullscreenRequired(ctx, t.opts.AssessmentID, false)
	if errors.Is(err, ErrUnknownAssessment) {
		return nil
	}
	return err
}

// Violations returns the current record.
func (t *Tracker) Violations(ctx context.Context) (model.ViolationRecord, error) {
	return t.store.Get(ctx, t.opts.AssessmentID)
}

// IsMaxViolationsReached reports whether the record hit the ceiling.
func (t *Tracker) IsMaxViolationsReached(ctx context.Context) bool {
	rec, err := t.store.Get(ctx, t.opts.AssessmentID)
	if err != nil {
		return false
	}
	return rec.Count >= t.opts.MaxViolations
}

// Reset zeroes the record and re-arms the max-violations callback.
func (t *Tracker) Reset(ctx context.Context) error {
	t.mu.Lock()
	t.last = time.Time{}
	t.fired = false
	t.mu.Unlock()
	return t.store.Reset(ctx, t.opts.AssessmentID)
}

// Close stops tracking and leaves fullscreen, logging any failure.
func (t *Tracker) Close(ctx context.Context) {
	t.StopTracking()
	if err := t.ExitFullscreen(ctx); err != nil {
		t.log.Debug().Err(err).Msg("Fullscreen not released on close")
	}
}
