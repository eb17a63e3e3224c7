// Package ratelimit provides the optional consume-or-fail rate limiter
// contract used by the hub (spec §6). The algorithm itself is out of
// scope for the hub; this package is the one concrete implementation the
// cmd wiring reaches for, a per-key token bucket.
package ratelimit

import (
	"sync"

	"golang.org/x/time/rate"
)

// Limiter is the contract the hub depends on: Consume succeeds or fails,
// with failure sufficient to reject the caller's request.
type Limiter interface {
	Consume(key string) bool
}

// TokenBucket implements Limiter with one golang.org/x/time/rate bucket
// per key, created lazily on first use.
type TokenBucket struct {
	mu       sync.Mutex
	buckets  map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

// NewTokenBucket builds a limiter allowing ratePerSecond sustained
// requests per key with burst headroom.
func NewTokenBucket(ratePerSecond float64, burst int) *TokenBucket {
	return &TokenBucket{
		buckets: make(map[string]*rate.Limiter),
		rps:     rate.Limit(ratePerSecond),
		burst:   burst,
	}
}

// Consume reports whether key has a token available right now.
func (t *TokenBucket) Consume(key string) bool {
	t.mu.Lock()
	b, ok := t.buckets[key]
	if !ok {
		b = rate.NewLimiter(t.rps, t.burst)
		t.buckets[key] = b
	}
	t.mu.Unlock()

	return b.Allow()
}

var _ Limiter = (*TokenBucket)(nil)
