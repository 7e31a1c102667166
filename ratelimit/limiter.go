// Package ratelimit provides keyed token buckets for the ingest path.
package ratelimit

import (
	"sync"

	"golang.org/x/time/rate"
)

// Limiter answers whether a key may proceed right now.
type Limiter interface {
	Allow(key string) bool
}

// TokenBucketLimiter keeps one token bucket per key. The ingest worker
// pool shares a single instance keyed by "tenant/device", so the limit
// holds across workers rather than multiplying by worker count.
type TokenBucketLimiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.Mutex
	r        rate.Limit
	b        int
}

// New creates a limiter allowing r tokens per second with burst b per key.
func New(r float64, b int) *TokenBucketLimiter {
	return &TokenBucketLimiter{
		limiters: make(map[string]*rate.Limiter),
		r:        rate.Limit(r),
		b:        b,
	}
}

// Allow consumes one token for the key if available.
func (l *TokenBucketLimiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	limiter, exists := l.limiters[key]
	if !exists {
		limiter = rate.NewLimiter(l.r, l.b)
		l.limiters[key] = limiter
	}
	return limiter.Allow()
}

// Forget drops the bucket for a key. Used when a device is revoked so the
// map does not grow with dead devices.
func (l *TokenBucketLimiter) Forget(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.limiters, key)
}

// Len reports the number of tracked keys.
func (l *TokenBucketLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}
