package connection

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Default reconnect timing.
const (
	DefaultReconnectDelay    = time.Second
	DefaultMaxReconnectDelay = 30 * time.Second
)

// Backoff yields the reconnect delays d, 2d, 4d, … capped at max, with no
// jitter.
type Backoff struct {
	b *backoff.ExponentialBackOff
}

// NewBackoff creates a Backoff starting at base and capped at max.
func NewBackoff(base, max time.Duration) *Backoff {
	if base <= 0 {
		base = DefaultReconnectDelay
	}
	if max < base {
		max = base
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = max
	b.Reset()
	return &Backoff{b: b}
}

// Next returns the delay to wait now and advances the sequence.
func (b *Backoff) Next() time.Duration {
	return b.b.NextBackOff()
}

// Reset restarts the sequence at the base delay.
func (b *Backoff) Reset() {
	b.b.Reset()
}
