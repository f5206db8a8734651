package ratelimit

import (
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func newTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLimiter(rate float64, burst int) (*Limiter, *fakeClock) {
	clock := &fakeClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	return newLimiter(rate, burst, newTestLogger(), clock.now), clock
}

func TestLimiterBurstAndRefill(t *testing.T) {
	limiter, clock := newTestLimiter(2, 3)

	for i := 0; i < 3; i++ {
		assert.True(t, limiter.Allow("10.0.0.1"), "request %d within burst", i)
	}
	assert.False(t, limiter.Allow("10.0.0.1"))
	assert.Equal(t, 0, limiter.Remaining("10.0.0.1"))

	// Other clients have their own bucket
	assert.True(t, limiter.Allow("10.0.0.2"))

	clock.advance(500 * time.Millisecond)
	assert.Equal(t, 1, limiter.Remaining("10.0.0.1"))
	assert.True(t, limiter.Allow("10.0.0.1"))
	assert.False(t, limiter.Allow("10.0.0.1"))

	clock.advance(time.Hour)
	assert.Equal(t, 3, limiter.Remaining("10.0.0.1"))
	assert.Equal(t, 3, limiter.Remaining("unknown"))
	assert.Equal(t, 2, limiter.ClientCount())
}

func TestLimiterBlock(t *testing.T) {
	limiter, clock := newTestLimiter(10, 10)

	limiter.Block("10.0.0.1", time.Minute)
	assert.True(t, limiter.IsBlocked("10.0.0.1"))
	assert.False(t, limiter.Allow("10.0.0.1"))
	assert.False(t, limiter.IsBlocked("10.0.0.2"))

	clock.advance(59 * time.Second)
	assert.False(t, limiter.Allow("10.0.0.1"))

	clock.advance(2 * time.Second)
	assert.False(t, limiter.IsBlocked("10.0.0.1"))
	assert.True(t, limiter.Allow("10.0.0.1"))
}

func TestLimiterEvictsIdleClients(t *testing.T) {
	limiter, clock := newTestLimiter(1, 1)

	limiter.Allow("idle")
	limiter.Block("blocked", time.Hour)
	clock.advance(30 * time.Minute)
	limiter.Allow("active")

	limiter.evictStale()

	assert.Equal(t, 2, limiter.ClientCount())
	assert.True(t, limiter.IsBlocked("blocked"))
}

func TestLimiterStopIsIdempotent(t *testing.T) {
	limiter := NewLimiter(1, 1, newTestLogger())
	limiter.Stop()
	assert.NotPanics(t, limiter.Stop)
}
