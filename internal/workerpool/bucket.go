package workerpool

import (
	"sync"
	"time"
)

// tokenBucket is a continuously refilling rate limiter. The refill math
// mirrors the Redis script used for the global classifier budget: tokens
// accrue fractionally with elapsed time, and a rejection reports how long
// until one token is available.
type tokenBucket struct {
	mu         sync.Mutex
	capacity   float64
	refillRate float64 // tokens per second
	tokens     float64
	lastRefill time.Time
}

func newTokenBucket(requests int, window time.Duration) *tokenBucket {
	if requests <= 0 || window <= 0 {
		return nil
	}
	return &tokenBucket{
		capacity:   float64(requests),
		refillRate: float64(requests) / window.Seconds(),
		tokens:     float64(requests),
	}
}

// take consumes one token. When the bucket is short it returns the time
// until the shortfall refills.
func (tb *tokenBucket) take(now time.Time) (retryAfter time.Duration, ok bool) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	if tb.lastRefill.IsZero() {
		tb.lastRefill = now
	}
	elapsed := now.Sub(tb.lastRefill).Seconds()
	if elapsed > 0 {
		tb.tokens += elapsed * tb.refillRate
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
	}
	tb.lastRefill = now

	if tb.tokens >= 1 {
		tb.tokens--
		return 0, true
	}
	shortage := 1 - tb.tokens
	return time.Duration(shortage / tb.refillRate * float64(time.Second)), false
}
