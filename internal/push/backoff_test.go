package push

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestExpBackoff_DoublesUpToMax(t *testing.T) {
	b := NewExpBackoff(100*time.Millisecond, 400*time.Millisecond)

	// Jitter is uniform in [0, d/2), so each delay lands in [d, 1.5d).
	for _, base := range []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		400 * time.Millisecond, // capped
	} {
		d := b.Next()
		assert.GreaterOrEqual(t, d, base)
		assert.Less(t, d, base+base/2)
	}
}

func TestExpBackoff_ResetRestoresMinimum(t *testing.T) {
	b := NewExpBackoff(100*time.Millisecond, time.Minute)

	b.Next()
	b.Next()
	b.Reset()

	d := b.Next()
	assert.GreaterOrEqual(t, d, 100*time.Millisecond)
	assert.Less(t, d, 150*time.Millisecond)
}

func TestExpBackoff_TinyMinimum_NoPanic(t *testing.T) {
	b := NewExpBackoff(time.Nanosecond, time.Second)

	assert.Equal(t, time.Nanosecond, b.Next())
	// The schedule still doubles out of the jitterless region.
	for i := 0; i < 40; i++ {
		assert.NotPanics(t, func() { b.Next() })
	}
}

func TestNewExpBackoff_Defaults(t *testing.T) {
	b := NewExpBackoff(0, 0)
	assert.Equal(t, reconnectMin, b.min)
	assert.Equal(t, reconnectMax, b.max)
}
