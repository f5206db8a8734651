// Package ratelimit throttles API clients with per-key token buckets.
package ratelimit

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Limiter implements a token bucket rate limiter with per-key tracking
type Limiter struct {
	rate       float64 // tokens per second
	burst      int
	clients    map[string]*bucket
	mu         sync.Mutex
	logger     *logrus.Logger
	cleanupTTL time.Duration
	now        func() time.Time
	stop       chan struct{}
	stopOnce   sync.Once
}

type bucket struct {
	tokens     float64
	lastUpdate time.Time
	blockUntil time.Time
}

// Config holds rate limiter configuration
type Config struct {
	Enabled bool `json:"enabled"`

	// RequestsPerSecond is the sustained rate allowed per client
	RequestsPerSecond float64 `json:"requests_per_second"`

	// BurstSize is the maximum number of requests allowed in a burst
	BurstSize int `json:"burst_size"`

	// BlockDuration is how long a client is refused after exceeding the limit
	BlockDuration time.Duration `json:"block_duration"`

	// ExemptIPs are addresses or CIDR ranges that bypass the limiter
	ExemptIPs []string `json:"exempt_ips"`

	// ExemptPaths bypass the limiter; a trailing * matches a prefix
	ExemptPaths []string `json:"exempt_paths"`
}

// DefaultConfig limits the analysis API and leaves probes and metrics alone
func DefaultConfig() *Config {
	return &Config{
		RequestsPerSecond: 5,
		BurstSize:         20,
		BlockDuration:     time.Minute,
		ExemptPaths:       []string{"/health*", "/metrics", "/status"},
	}
}

// NewLimiter creates a limiter and starts its cleanup loop. Call Stop to end
// the loop.
func NewLimiter(rate float64, burst int, logger *logrus.Logger) *Limiter {
	l := newLimiter(rate, burst, logger, time.Now)
	go l.cleanup()
	return l
}

func newLimiter(rate float64, burst int, logger *logrus.Logger, now func() time.Time) *Limiter {
	if burst < 1 {
		burst = 1
	}
	return &Limiter{
		rate:       rate,
		burst:      burst,
		clients:    make(map[string]*bucket),
		logger:     logger,
		cleanupTTL: 10 * time.Minute,
		now:        now,
		stop:       make(chan struct{}),
	}
}

// refill returns key's bucket topped up for the time elapsed. Callers hold mu.
func (l *Limiter) refill(key string, now time.Time) *bucket {
	b, exists := l.clients[key]
	if !exists {
		b = &bucket{tokens: float64(l.burst), lastUpdate: now}
		l.clients[key] = b
		return b
	}

	b.tokens += now.Sub(b.lastUpdate).Seconds() * l.rate
	if b.tokens > float64(l.burst) {
		b.tokens = float64(l.burst)
	}
	b.lastUpdate = now
	return b
}

// Allow spends one token of key's bucket. Blocked keys are always refused.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b := l.refill(key, now)
	if now.Before(b.blockUntil) {
		return false
	}
	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// Block refuses key until duration has passed
func (l *Limiter) Block(key string, duration time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b := l.refill(key, now)
	b.tokens = 0
	b.blockUntil = now.Add(duration)

	if l.logger != nil {
		l.logger.WithFields(logrus.Fields{
			"key":         key,
			"block_until": b.blockUntil,
		}).Warn("Client blocked due to rate limit violation")
	}
}

// IsBlocked checks if a client is currently blocked
func (l *Limiter) IsBlocked(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, exists := l.clients[key]
	return exists && l.now().Before(b.blockUntil)
}

// Remaining returns the whole tokens key could spend right now
func (l *Limiter) Remaining(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, exists := l.clients[key]
	if !exists {
		return l.burst
	}
	tokens := b.tokens + l.now().Sub(b.lastUpdate).Seconds()*l.rate
	if tokens > float64(l.burst) {
		tokens = float64(l.burst)
	}
	return int(tokens)
}

// ClientCount returns the number of tracked clients
func (l *Limiter) ClientCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}

// Stop ends the cleanup loop
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}

func (l *Limiter) cleanup() {
	ticker := time.NewTicker(l.cleanupTTL / 2)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.evictStale()
		}
	}
}

// evictStale forgets clients that have been idle for cleanupTTL and are not
// blocked.
func (l *Limiter) evictStale() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for key, b := range l.clients {
		if now.Sub(b.lastUpdate) > l.cleanupTTL && !now.Before(b.blockUntil) {
			delete(l.clients, key)
		}
	}
}
