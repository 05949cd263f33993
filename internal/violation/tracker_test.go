package violation

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/stemsi/exstem-live/internal/model"
)

type trackerFixture struct {
	src     *ChannelSource
	store   *MemoryStore
	clk     *clocktesting.FakePassiveClock
	tracker *Tracker
	fired   atomic.Int32
}

func newTrackerFixture(t *testing.T, max int) *trackerFixture {
	t.Helper()
	f := &trackerFixture{
		src:   NewChannelSource(),
		store: NewMemoryStore(),
		clk:   clocktesting.NewFakePassiveClock(time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)),
	}
	tr, err := NewTracker(context.Background(), f.src, f.store, Options{
		AssessmentID:           "a1",
		MaxViolations:          max,
		OnMaxViolationsReached: func() { f.fired.Add(1) },
	}, zerolog.Nop(), WithClock(f.clk))
	require.NoError(t, err)
	f.tracker = tr
	return f
}

func (f *trackerFixture) count(t *testing.T) int {
	t.Helper()
	rec, err := f.tracker.Violations(context.Background())
	require.NoError(t, err)
	return rec.Count
}

func (f *trackerFixture) advance(d time.Duration) {
	f.clk.SetTime(f.clk.Now().Add(d))
}

func TestSignalsMapToReasons(t *testing.T) {
	f := newTrackerFixture(t, 10)
	f.tracker.StartTracking()

	f.src.Emit(Signal{Kind: SignalFullscreenChange, Fullscreen: true}) // entering is fine
	f.src.Emit(Signal{Kind: SignalFullscreenChange, Fullscreen: false})
	f.advance(2 * time.Second)
	f.src.Emit(Signal{Kind: SignalVisibilityChange, Hidden: false}) // coming back is fine
	f.src.Emit(Signal{Kind: SignalVisibilityChange, Hidden: true})
	f.advance(2 * time.Second)
	f.src.Emit(Signal{Kind: SignalWindowBlur})

	rec, err := f.tracker.Violations(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, rec.Count)
	assert.Equal(t, model.ReasonFullscreenExit, rec.Violations[0].Reason)
	assert.Equal(t, "User exited fullscreen mode", rec.Violations[0].Details)
	assert.Equal(t, model.ReasonTabSwitch, rec.Violations[1].Reason)
	assert.Equal(t, model.ReasonWindowBlur, rec.Violations[2].Reason)
	assert.Equal(t, "User switched to another application", rec.Violations[2].Details)
}

func TestDebounceCollapsesBursts(t *testing.T) {
	f := newTrackerFixture(t, 10)
	f.tracker.StartTracking()

	// Tab switches usually fire visibilitychange and blur together.
	f.src.Emit(Signal{Kind: SignalVisibilityChange, Hidden: true})
	f.src.Emit(Signal{Kind: SignalWindowBlur})
	assert.Equal(t, 1, f.count(t))

	f.advance(999 * time.Millisecond)
	assert.False(t, f.tracker.Record(context.Background(), model.ReasonWindowBlur, ""))

	f.advance(time.Millisecond)
	assert.True(t, f.tracker.Record(context.Background(), model.ReasonWindowBlur, ""))
	assert.Equal(t, 2, f.count(t))
}

func TestNotTrackingIgnoresSignals(t *testing.T) {
	f := newTrackerFixture(t, 10)
	f.src.Emit(Signal{Kind: SignalWindowBlur})
	assert.Equal(t, 0, f.count(t))
	assert.Equal(t, 0, f.src.Listeners())

	f.tracker.SetEnabled(true)
	f.tracker.SetEnabled(true)
	assert.Equal(t, 1, f.src.Listeners())
	assert.True(t, f.tracker.Tracking())

	f.tracker.SetEnabled(false)
	assert.Equal(t, 0, f.src.Listeners())
	assert.False(t, f.tracker.Record(context.Background(), model.ReasonWindowBlur, ""))
}

func TestMaxViolationsFiresOnce(t *testing.T) {
	f := newTrackerFixture(t, 10)
	f.tracker.StartTracking()

	for i := 0; i < 9; i++ {
		require.True(t, f.tracker.Record(context.Background(), model.ReasonTabSwitch, ""))
		f.advance(1100 * time.Millisecond)
	}
	assert.Equal(t, int32(0), f.fired.Load())
	assert.False(t, f.tracker.IsMaxViolationsReached(context.Background()))

	require.True(t, f.tracker.Record(context.Background(), model.ReasonTabSwitch, ""))
	assert.Equal(t, int32(1), f.fired.Load())
	assert.True(t, f.tracker.IsMaxViolationsReached(context.Background()))

	f.advance(2 * time.Second)
	require.True(t, f.tracker.Record(context.Background(), model.ReasonTabSwitch, ""))
	assert.Equal(t, int32(1), f.fired.Load(), "callback is latched")
	assert.Equal(t, 11, f.count(t))

	require.NoError(t, f.tracker.Reset(context.Background()))
	assert.Equal(t, 0, f.count(t))
	for i := 0; i < 10; i++ {
		f.tracker.Record(context.Background(), model.ReasonTabSwitch, "")
		f.advance(2 * time.Second)
	}
	assert.Equal(t, int32(2), f.fired.Load(), "reset re-arms the callback")
}

func TestFullscreenRequirement(t *testing.T) {
	ctx := context.Background()
	f := newTrackerFixture(t, 10)

	require.NoError(t, f.tracker.EnterFullscreen(ctx))
	assert.True(t, f.src.IsFullscreen())
	rec, _ := f.tracker.Violations(ctx)
	assert.True(t, rec.IsFullscreenRequired)

	require.NoError(t, f.tracker.ExitFullscreen(ctx))
	assert.False(t, f.src.IsFullscreen())
	rec, _ = f.tracker.Violations(ctx)
	assert.False(t, rec.IsFullscreenRequired)
}

func TestEnterFullscreenFailure(t *testing.T) {
	f := newTrackerFixture(t, 10)
	f.src.EnterErr = ErrFullscreenUnsupported

	err := f.tracker.EnterFullscreen(context.Background())
	assert.True(t, errors.Is(err, ErrFullscreenUnsupported))
	rec, _ := f.tracker.Violations(context.Background())
	assert.False(t, rec.IsFullscreenRequired)
}

func TestCloseStopsTrackingAndExitsFullscreen(t *testing.T) {
	ctx := context.Background()
	f := newTrackerFixture(t, 10)
	require.NoError(t, f.tracker.EnterFullscreen(ctx))
	f.tracker.StartTracking()

	f.tracker.Close(ctx)
	assert.False(t, f.tracker.Tracking())
	assert.False(t, f.src.IsFullscreen())
	assert.Equal(t, 0, f.src.Listeners())
}

func TestDefaultsApplied(t *testing.T) {
	f := newTrackerFixture(t, 0)
	rec, err := f.tracker.Violations(context.Background())
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxViolations, rec.MaxViolations)
}

// failingStore drops Add calls while fail is set.
type failingStore struct {
	*MemoryStore
	fail atomic.Bool
}

func (s *failingStore) Add(ctx context.Context, id string, e model.ViolationEntry) (model.ViolationRecord, error) {
	if s.fail.Load() {
		return model.ViolationRecord{}, errors.New("store unavailable")
	}
	return s.MemoryStore.Add(ctx, id, e)
}

func TestFailedWriteDoesNotStartDebounce(t *testing.T) {
	store := &failingStore{MemoryStore: NewMemoryStore()}
	clk := clocktesting.NewFakePassiveClock(time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC))
	tr, err := NewTracker(context.Background(), NewChannelSource(), store, Options{
		AssessmentID:  "a1",
		MaxViolations: 10,
	}, zerolog.Nop(), WithClock(clk))
	require.NoError(t, err)
	tr.StartTracking()

	store.fail.Store(true)
	assert.False(t, tr.Record(context.Background(), model.ReasonTabSwitch, "lost"))

	store.fail.Store(false)
	clk.SetTime(clk.Now().Add(100 * time.Millisecond))
	assert.True(t, tr.Record(context.Background(), model.ReasonTabSwitch, "kept"))

	rec, err := tr.Violations(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Count)
	require.Len(t, rec.Violations, 1)
	assert.Equal(t, "kept", rec.Violations[0].Details)
}
