package auth

import (
	"sync"

	"golang.org/x/time/rate"
)

type bucketLimiter struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
	r       rate.Limit
	burst   int
}

// WindowLimiter enforces a token-bucket rate limit per caller-chosen bucket
// key (e.g. "login:" plus an IP or account identifier), the Go-idiomatic
// analogue of a fixed window counter: a steady refill rate approximates the
// "N events per window" budget without needing to track window boundaries.
type WindowLimiter struct {
	*bucketLimiter
}

// NewWindowLimiter builds a limiter allowing eventsPerSecond sustained,
// with bursts up to burst events.
func NewWindowLimiter(eventsPerSecond float64, burst int) *WindowLimiter {
	return &WindowLimiter{&bucketLimiter{
		buckets: make(map[string]*rate.Limiter),
		r:       rate.Limit(eventsPerSecond),
		burst:   burst,
	}}
}

func (b *bucketLimiter) limiterFor(key string) *rate.Limiter {
	b.mu.Lock()
	defer b.mu.Unlock()
	l, ok := b.buckets[key]
	if !ok {
		l = rate.NewLimiter(b.r, b.burst)
		b.buckets[key] = l
	}
	return l
}

// Allow reports whether an event under key may proceed right now,
// consuming one token if so.
func (w *WindowLimiter) Allow(key string) bool {
	return w.limiterFor(key).Allow()
}

// Reset drops a bucket's accumulated state, restoring it to a full burst
// allowance on next use.
func (w *WindowLimiter) Reset(key string) {
	w.mu.Lock()
	delete(w.buckets, key)
	w.mu.Unlock()
}
