package ipc

import (
	"sync"
	"time"
)

// tokenBucket is a minimal per-client rate limiter: refills continuously
// at rate tokens/second up to burst capacity. spec.md §4.7 default is 10
// requests/second.
type tokenBucket struct {
	mu       sync.Mutex
	rate     float64
	burst    float64
	tokens   float64
	lastFill time.Time
	now      func() time.Time
}

// newTokenBucket constructs a bucket starting full, so a fresh connection
// never pays a cold-start penalty.
func newTokenBucket(ratePerSecond float64, nowFn func() time.Time) *tokenBucket {
	if nowFn == nil {
		nowFn = time.Now
	}
	return &tokenBucket{
		rate:     ratePerSecond,
		burst:    ratePerSecond,
		tokens:   ratePerSecond,
		lastFill: nowFn(),
		now:      nowFn,
	}
}

// Allow consumes one token if available and reports whether the caller
// may proceed.
func (b *tokenBucket) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	elapsed := now.Sub(b.lastFill).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * b.rate
		if b.tokens > b.burst {
			b.tokens = b.burst
		}
		b.lastFill = now
	}

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}
