package limits

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestConnectionRateLimiterBurst(t *testing.T) {
	l := NewConnectionRateLimiter(1, 2)

	assert.True(t, l.Allow())
	assert.True(t, l.Allow())
	// Burst exhausted; refill is 1/s so the next attempt fails immediately.
	assert.False(t, l.Allow())
}

func TestConnectionRateLimiterDisabled(t *testing.T) {
	l := NewConnectionRateLimiter(0, 0)
	for i := 0; i < 1000; i++ {
		assert.True(t, l.Allow())
	}
}

func TestResourceGuardCapacity(t *testing.T) {
	g := NewResourceGuard(2, 0, zerolog.Nop())

	assert.True(t, g.Acquire())
	assert.True(t, g.Acquire())
	assert.False(t, g.Acquire())
	assert.Equal(t, 2, g.Current())

	g.Release()
	assert.True(t, g.Acquire())
}

func TestResourceGuardReleaseRestoresSlot(t *testing.T) {
	g := NewResourceGuard(1, 0, zerolog.Nop())

	assert.True(t, g.Acquire())
	g.Release()
	assert.Equal(t, 0, g.Current())
	assert.True(t, g.Acquire())
}
