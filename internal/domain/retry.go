// Package domain defines retry and dead-letter entities for resilient job
// processing.
package domain

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"time"
)

// Backoff types accepted in EnqueueOptions.
const (
	BackoffExponential = "exponential"
	BackoffFixed       = "fixed"
)

// DefaultBackoff is applied when an enqueue passes a zero BackoffSpec.
func DefaultBackoff() BackoffSpec {
	return BackoffSpec{Type: BackoffExponential, Delay: 2 * time.Second}
}

// NextDelay computes the redelivery delay for a 1-based attempt count.
// Exponential backoff doubles the base per prior attempt and adds up to 10%
// jitter; fixed backoff returns the base unchanged. Delays are capped at
// maxDelay when maxDelay > 0.
func (b BackoffSpec) NextDelay(attempt int, maxDelay time.Duration) time.Duration {
	base := b.Delay
	if base <= 0 {
		base = DefaultBackoff().Delay
	}
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	if b.Type != BackoffFixed {
		for i := 1; i < attempt; i++ {
			delay *= 2
			if maxDelay > 0 && delay >= maxDelay {
				delay = maxDelay
				break
			}
		}
		if d := delay / 10; d > 0 {
			delay += time.Duration(rand.Int64N(int64(d)))
		}
	}
	if maxDelay > 0 && delay > maxDelay {
		delay = maxDelay
	}
	return delay
}

// ResolutionDelay is the growing hold delay for outbox rows whose POI
// references have not resolved yet. Attempts are 1-based.
func ResolutionDelay(attempt int) time.Duration {
	d := time.Duration(attempt) * 2 * time.Second
	if d > 30*time.Second {
		d = 30 * time.Second
	}
	return d
}

// RetryAfterError carries an explicit redelivery delay, overriding the
// job's backoff policy. Rate-limit rejections use the bucket refill time;
// circuit rejections use the breaker's remaining reset timeout.
type RetryAfterError struct {
	Err   error
	After time.Duration
}

func (e *RetryAfterError) Error() string {
	return fmt.Sprintf("%v (retry after %s)", e.Err, e.After)
}

func (e *RetryAfterError) Unwrap() error { return e.Err }

// RetryAfter wraps err with an explicit redelivery delay.
func RetryAfter(err error, after time.Duration) error {
	return &RetryAfterError{Err: err, After: after}
}

// DeadLetterEntry is a job moved to a dead-letter queue after exhausting
// its attempts. The original queue name is preserved for requeue tooling.
type DeadLetterEntry struct {
	JobID         string          `json:"jobId"`
	OriginalQueue string          `json:"originalQueue"`
	Payload       json.RawMessage `json:"payload"`
	Error         string          `json:"error"`
	Stack         string          `json:"stack"`
	Attempts      int             `json:"attempts"`
	FailedAt      time.Time       `json:"failedAt"`
}
