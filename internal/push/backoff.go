package push

import (
	"math/rand/v2"
	"time"
)

const (
	reconnectMin = 1 * time.Second
	reconnectMax = 60 * time.Second

	// jitterDivisor controls the range of random jitter added to each
	// delay: jitter is uniform in [0, delay/jitterDivisor).
	jitterDivisor = 2
)

// Backoff paces reconnect attempts. Next returns the delay before the
// next attempt; Reset is called after a successful connection.
type Backoff interface {
	Next() time.Duration
	Reset()
}

// ExpBackoff doubles the delay after each consecutive failure, capped at
// max, with random jitter so a fleet of clients does not thunder against
// a recovering server.
type ExpBackoff struct {
	min time.Duration
	max time.Duration
	cur time.Duration
}

// NewExpBackoff creates an exponential backoff. Zero values use the
// package defaults (1s..60s).
func NewExpBackoff(min, max time.Duration) *ExpBackoff {
	if min <= 0 {
		min = reconnectMin
	}
	if max <= 0 {
		max = reconnectMax
	}
	return &ExpBackoff{min: min, max: max, cur: min}
}

// Next returns the current delay plus jitter and advances the schedule.
func (b *ExpBackoff) Next() time.Duration {
	d := b.cur
	b.cur = min(b.cur*2, b.max)
	// A sub-2ns delay has no jitter range; rand.Int64N(0) would panic.
	if j := int64(d) / jitterDivisor; j > 0 {
		d += time.Duration(rand.Int64N(j))
	}
	return d
}

// Reset restores the delay to the minimum.
func (b *ExpBackoff) Reset() {
	b.cur = b.min
}
