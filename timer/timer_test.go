package timer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestLogicalClockMonotonic tests that the clock never moves backwards.
func TestLogicalClockMonotonic(t *testing.T) {
	c := NewLogicalClock()
	assert.Equal(t, uint64(0), c.Now())

	c.AdvanceTo(10)
	assert.Equal(t, uint64(10), c.Now())

	c.AdvanceTo(5)
	assert.Equal(t, uint64(10), c.Now(), "AdvanceTo must ignore earlier ticks")

	c.Advance(3)
	assert.Equal(t, uint64(13), c.Now())
}

// TestLinearBackoffExpiry tests escalation and vote waiting.
func TestLinearBackoffExpiry(t *testing.T) {
	b := NewLinearBackoff(1, 100, 0)
	assert.Equal(t, uint64(2), b.NewViewNumber())
	assert.False(t, b.WaitingForVotes())

	assert.Equal(t, int64(60), b.Remaining(40))
	assert.Equal(t, int64(0), b.Remaining(100))
	assert.Equal(t, int64(-20), b.Remaining(120))

	b.Expire()
	assert.Equal(t, uint64(3), b.NewViewNumber())
	assert.Equal(t, uint64(200), b.Timeout())
	assert.True(t, b.WaitingForVotes())

	b.BeginNextTimer(150)
	assert.False(t, b.WaitingForVotes())
	assert.Equal(t, uint64(0), b.Elapsed(150))
	assert.Equal(t, int64(200), b.Remaining(150))
	assert.Equal(t, uint64(100), b.InitialTimeout())
}

// TestLinearBackoffElapsedBeforeStart tests that elapsed time is never negative.
func TestLinearBackoffElapsedBeforeStart(t *testing.T) {
	b := NewLinearBackoff(1, 50, 100)
	assert.Equal(t, uint64(0), b.Elapsed(20))
	assert.Equal(t, int64(50), b.Remaining(20))
}

// TestExponentialBackoff tests growth, cap, and reset.
func TestExponentialBackoff(t *testing.T) {
	b := NewExponentialBackoff(BackoffConfig{
		BaseDuration:  100,
		MaxDuration:   500,
		BackoffFactor: 2,
	})

	assert.Equal(t, uint64(100), b.Current())

	b.OnTimeout()
	assert.Equal(t, uint64(200), b.Current())

	b.OnTimeout()
	b.OnTimeout()
	assert.Equal(t, uint64(500), b.Current(), "should cap at MaxDuration")

	b.OnProgress()
	assert.Equal(t, uint64(100), b.Current())
}

// TestDefaultBackoffConfig tests the default configuration values.
func TestDefaultBackoffConfig(t *testing.T) {
	cfg := DefaultBackoffConfig()
	assert.Equal(t, uint64(100), cfg.BaseDuration)
	assert.Equal(t, uint64(3200), cfg.MaxDuration)
	assert.InDelta(t, 2.0, cfg.BackoffFactor, 1e-9)
}
