package workerpool

import (
	"sync"
	"time"

	"github.com/ChrisRoyse/Cognitive-Triangulation-Pipeline-sub007/internal/domain"
)

// BreakerState is the admission state of a worker type's circuit breaker.
type BreakerState int

const (
	// StateClosed admits all requests.
	StateClosed BreakerState = iota
	// StateOpen rejects all requests until the reset timeout elapses.
	StateOpen
	// StateHalfOpen admits a single trial request.
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// breaker trips after a run of consecutive failures and recovers through a
// single half-open trial. A trial failure re-opens the circuit and restarts
// the reset timer.
type breaker struct {
	mu                  sync.Mutex
	failureThreshold    int
	resetTimeout        time.Duration
	state               BreakerState
	consecutiveFailures int
	openedAt            time.Time
	trialInFlight       bool
}

func newBreaker(failureThreshold int, resetTimeout time.Duration) *breaker {
	return &breaker{
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
		state:            StateClosed,
	}
}

// allow decides admission. It returns trial=true when the caller is the
// half-open trial; the caller must resolve it through record or cancelTrial.
// Rejections carry the remaining reset timeout as an explicit retry delay.
func (b *breaker) allow(now time.Time) (trial bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return false, nil
	case StateOpen:
		remaining := b.resetTimeout - now.Sub(b.openedAt)
		if remaining > 0 {
			return false, domain.RetryAfter(domain.ErrCircuitOpen, remaining)
		}
		b.state = StateHalfOpen
		b.trialInFlight = true
		return true, nil
	case StateHalfOpen:
		if b.trialInFlight {
			return false, domain.RetryAfter(domain.ErrCircuitOpen, b.resetTimeout)
		}
		b.trialInFlight = true
		return true, nil
	default:
		return false, domain.RetryAfter(domain.ErrCircuitOpen, b.resetTimeout)
	}
}

// record applies a request outcome. Trial outcomes settle the half-open
// state; non-trial outcomes only drive the consecutive-failure count while
// closed. Outcomes landing after the circuit opened are ignored.
func (b *breaker) record(success, trial bool, now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if trial {
		b.trialInFlight = false
		if success {
			b.state = StateClosed
			b.consecutiveFailures = 0
		} else {
			b.state = StateOpen
			b.openedAt = now
		}
		return
	}

	if b.state != StateClosed {
		return
	}
	if success {
		b.consecutiveFailures = 0
		return
	}
	b.consecutiveFailures++
	if b.consecutiveFailures >= b.failureThreshold {
		b.state = StateOpen
		b.openedAt = now
	}
}

// cancelTrial returns the half-open trial claim without an outcome, so a
// later request can take it.
func (b *breaker) cancelTrial() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateHalfOpen {
		b.trialInFlight = false
	}
}

func (b *breaker) currentState() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
