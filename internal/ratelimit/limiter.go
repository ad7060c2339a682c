// Package ratelimit throttles outbound calls to Oxide silos and the GitHub
// API, keyed independently per silo host or per repository owner so one
// noisy caller can't starve another's device-auth or installation-token
// traffic.
package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// Limiter manages per-key rate limiting, one token bucket per key.
type Limiter struct {
	mu       sync.RWMutex
	limiters map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

// NewLimiter creates a rate limiter admitting rps sustained requests per
// second per key, with burst headroom.
func NewLimiter(rps float64, burst int) *Limiter {
	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
}

// Allow reports whether a request for key is allowed right now.
func (l *Limiter) Allow(key string) bool {
	limiter := l.getLimiter(key)
	return limiter.Allow()
}

// Wait blocks until a request for key is allowed or ctx is done.
func (l *Limiter) Wait(ctx context.Context, key string) error {
	limiter := l.getLimiter(key)
	return limiter.Wait(ctx)
}

func (l *Limiter) getLimiter(key string) *rate.Limiter {
	l.mu.RLock()
	limiter, exists := l.limiters[key]
	l.mu.RUnlock()

	if exists {
		return limiter
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// Double-check after acquiring write lock
	limiter, exists = l.limiters[key]
	if exists {
		return limiter
	}

	limiter = rate.NewLimiter(l.rps, l.burst)
	l.limiters[key] = limiter

	return limiter
}

// Reset clears all rate limiters (useful for testing)
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.limiters = make(map[string]*rate.Limiter)
}

// GetLimiterCount returns the number of active limiters (useful for testing)
func (l *Limiter) GetLimiterCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.limiters)
}
