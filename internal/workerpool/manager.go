// Package workerpool enforces system-wide resource limits across queue
// consumers: a global concurrency cap, per-worker-type concurrency bounds,
// continuously refilling rate limits, and per-type circuit breakers.
// Rejections carry explicit retry delays so consumer loops can hand jobs
// back to the broker with an accurate redelivery time.
package workerpool

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/ChrisRoyse/Cognitive-Triangulation-Pipeline-sub007/internal/adapter/observability"
	"github.com/ChrisRoyse/Cognitive-Triangulation-Pipeline-sub007/internal/domain"
)

// WorkerConfig bounds one worker type.
type WorkerConfig struct {
	MaxConcurrency int
	MinConcurrency int
	// RateLimitRequests per RateLimitWindow; zero disables rate limiting.
	RateLimitRequests int
	RateLimitWindow   time.Duration
	// FailureThreshold consecutive failures trip the circuit; zero disables
	// the breaker.
	FailureThreshold int
	ResetTimeout     time.Duration
}

// Slot is an admitted unit of work. It must be released exactly once.
type Slot struct {
	mgr        *Manager
	workerType string
	trial      bool
	acquiredAt time.Time
	released   atomic.Bool
}

// WorkerType names the pool the slot was admitted to.
func (s *Slot) WorkerType() string { return s.workerType }

// Release returns the slot, reporting whether the work succeeded.
func (s *Slot) Release(success bool) { s.mgr.ReleaseSlot(s, success) }

type workerState struct {
	cfg      WorkerConfig
	sem      *semaphore.Weighted
	bucket   *tokenBucket
	breaker  *breaker
	inFlight atomic.Int64

	mu   sync.Mutex
	held int64 // concurrency units withheld by adaptive scaling
}

func (w *workerState) effectiveLimit() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cfg.MaxConcurrency - int(w.held)
}

// Manager admits work for registered worker types under a shared global cap.
type Manager struct {
	log       *slog.Logger
	globalCap int64
	global    *semaphore.Weighted
	now       func() time.Time

	mu      sync.RWMutex
	workers map[string]*workerState
}

// NewManager creates a Manager with the given global concurrency cap.
func NewManager(globalCap int, log *slog.Logger) *Manager {
	if globalCap < 1 {
		globalCap = 1
	}
	return &Manager{
		log:       log,
		globalCap: int64(globalCap),
		global:    semaphore.NewWeighted(int64(globalCap)),
		now:       time.Now,
		workers:   make(map[string]*workerState),
	}
}

// Register adds a worker type. Registering the same type twice replaces its
// configuration and resets its limiter and breaker state.
func (m *Manager) Register(workerType string, cfg WorkerConfig) error {
	if workerType == "" {
		return fmt.Errorf("op=workerpool.Register: empty worker type: %w", domain.ErrInvalidArgument)
	}
	if cfg.MaxConcurrency < 1 {
		return fmt.Errorf("op=workerpool.Register: %s: MaxConcurrency must be >= 1: %w", workerType, domain.ErrInvalidArgument)
	}
	if cfg.MinConcurrency < 1 {
		cfg.MinConcurrency = 1
	}
	if cfg.MinConcurrency > cfg.MaxConcurrency {
		return fmt.Errorf("op=workerpool.Register: %s: MinConcurrency exceeds MaxConcurrency: %w", workerType, domain.ErrInvalidArgument)
	}

	st := &workerState{
		cfg:    cfg,
		sem:    semaphore.NewWeighted(int64(cfg.MaxConcurrency)),
		bucket: newTokenBucket(cfg.RateLimitRequests, cfg.RateLimitWindow),
	}
	if cfg.FailureThreshold > 0 {
		timeout := cfg.ResetTimeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		st.breaker = newBreaker(cfg.FailureThreshold, timeout)
	}

	m.mu.Lock()
	m.workers[workerType] = st
	m.mu.Unlock()

	observability.SetWorkerLimit(workerType, cfg.MaxConcurrency)
	m.log.Info("worker type registered",
		slog.String("worker", workerType),
		slog.Int("max_concurrency", cfg.MaxConcurrency),
		slog.Int("min_concurrency", cfg.MinConcurrency))
	return nil
}

func (m *Manager) state(workerType string) (*workerState, error) {
	m.mu.RLock()
	st, ok := m.workers[workerType]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("op=workerpool: worker type %s not registered: %w", workerType, domain.ErrInvalidArgument)
	}
	return st, nil
}

// admit runs the breaker and rate-limit gates. It returns whether the
// admission is the breaker's half-open trial.
func (m *Manager) admit(st *workerState, workerType string) (bool, error) {
	now := m.now()
	trial := false
	if st.breaker != nil {
		var err error
		trial, err = st.breaker.allow(now)
		observability.RecordCircuitState(workerType, int(st.breaker.currentState()))
		if err != nil {
			observability.RecordCircuitRejection(workerType)
			return false, fmt.Errorf("op=workerpool.RequestSlot: worker %s: %w", workerType, err)
		}
	}
	if st.bucket != nil {
		if retryAfter, ok := st.bucket.take(now); !ok {
			if trial {
				st.breaker.cancelTrial()
			}
			observability.RecordRateLimitRejection(workerType)
			return false, fmt.Errorf("op=workerpool.RequestSlot: worker %s: %w",
				workerType, domain.RetryAfter(domain.ErrRateLimited, retryAfter))
		}
	}
	return trial, nil
}

func (m *Manager) newSlot(st *workerState, workerType string, trial bool) *Slot {
	st.inFlight.Add(1)
	observability.AcquireWorkerSlot()
	return &Slot{mgr: m, workerType: workerType, trial: trial, acquiredAt: m.now()}
}

// RequestSlot admits work without blocking. It returns ErrRateLimited or
// ErrCircuitOpen (with retry delays) from the gates, or ErrSlotsExhausted
// when the per-type or global capacity is full.
func (m *Manager) RequestSlot(ctx domain.Context, workerType string) (*Slot, error) {
	st, err := m.state(workerType)
	if err != nil {
		return nil, err
	}
	trial, err := m.admit(st, workerType)
	if err != nil {
		return nil, err
	}
	if !st.sem.TryAcquire(1) {
		if trial {
			st.breaker.cancelTrial()
		}
		return nil, fmt.Errorf("op=workerpool.RequestSlot: worker %s at capacity: %w", workerType, domain.ErrSlotsExhausted)
	}
	if !m.global.TryAcquire(1) {
		st.sem.Release(1)
		if trial {
			st.breaker.cancelTrial()
		}
		return nil, fmt.Errorf("op=workerpool.RequestSlot: global cap reached: %w", domain.ErrSlotsExhausted)
	}
	return m.newSlot(st, workerType, trial), nil
}

// acquireSlot is the blocking admission used by ExecuteWithManagement: the
// gates reject immediately, capacity waits on the context.
func (m *Manager) acquireSlot(ctx domain.Context, workerType string) (*Slot, error) {
	st, err := m.state(workerType)
	if err != nil {
		return nil, err
	}
	trial, err := m.admit(st, workerType)
	if err != nil {
		return nil, err
	}
	if err := st.sem.Acquire(ctx, 1); err != nil {
		if trial {
			st.breaker.cancelTrial()
		}
		return nil, fmt.Errorf("op=workerpool.acquireSlot: worker %s: %w", workerType, err)
	}
	if err := m.global.Acquire(ctx, 1); err != nil {
		st.sem.Release(1)
		if trial {
			st.breaker.cancelTrial()
		}
		return nil, fmt.Errorf("op=workerpool.acquireSlot: worker %s: %w", workerType, err)
	}
	return m.newSlot(st, workerType, trial), nil
}

// ReleaseSlot returns a slot and feeds the outcome to the circuit breaker.
// Releasing twice is a no-op.
func (m *Manager) ReleaseSlot(slot *Slot, success bool) {
	if slot == nil || !slot.released.CompareAndSwap(false, true) {
		return
	}
	st, err := m.state(slot.workerType)
	if err != nil {
		return
	}
	m.global.Release(1)
	st.sem.Release(1)
	st.inFlight.Add(-1)
	observability.ReleaseWorkerSlot()
	if st.breaker != nil {
		st.breaker.record(success, slot.trial, m.now())
		observability.RecordCircuitState(slot.workerType, int(st.breaker.currentState()))
	}
}

// ExecuteWithManagement admits fn under the worker type's limits, waiting
// for capacity if needed, and releases the slot with fn's outcome.
func (m *Manager) ExecuteWithManagement(ctx domain.Context, workerType string, fn func(domain.Context) error) error {
	slot, err := m.acquireSlot(ctx, workerType)
	if err != nil {
		return err
	}
	err = fn(ctx)
	m.ReleaseSlot(slot, err == nil)
	return err
}

// InFlight reports the number of admitted, unreleased slots for a type.
func (m *Manager) InFlight(workerType string) int64 {
	st, err := m.state(workerType)
	if err != nil {
		return 0
	}
	return st.inFlight.Load()
}

// EffectiveLimit reports the current scaled concurrency bound for a type.
func (m *Manager) EffectiveLimit(workerType string) int {
	st, err := m.state(workerType)
	if err != nil {
		return 0
	}
	return st.effectiveLimit()
}

// BreakerState reports the circuit state for a type. Types without a
// breaker always read closed.
func (m *Manager) BreakerState(workerType string) BreakerState {
	st, err := m.state(workerType)
	if err != nil || st.breaker == nil {
		return StateClosed
	}
	return st.breaker.currentState()
}

// WorkerTypes lists registered worker types.
func (m *Manager) WorkerTypes() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	types := make([]string, 0, len(m.workers))
	for t := range m.workers {
		types = append(types, t)
	}
	return types
}

// throttleAll steps every worker type's effective limit down by a quarter
// of its maximum, not below its minimum. Units still in use are withheld
// as they free up on later steps.
func (m *Manager) throttleAll() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for workerType, st := range m.workers {
		st.mu.Lock()
		step := st.cfg.MaxConcurrency / 4
		if step < 1 {
			step = 1
		}
		effective := st.cfg.MaxConcurrency - int(st.held)
		target := effective - step
		if target < st.cfg.MinConcurrency {
			target = st.cfg.MinConcurrency
		}
		for int(st.held) < st.cfg.MaxConcurrency-target {
			if !st.sem.TryAcquire(1) {
				break
			}
			st.held++
		}
		limit := st.cfg.MaxConcurrency - int(st.held)
		st.mu.Unlock()

		observability.SetWorkerLimit(workerType, limit)
		m.log.Info("worker concurrency throttled",
			slog.String("worker", workerType),
			slog.Int("effective_limit", limit))
	}
}

// restoreAll steps every worker type's effective limit back up toward its
// maximum.
func (m *Manager) restoreAll() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for workerType, st := range m.workers {
		st.mu.Lock()
		if st.held == 0 {
			st.mu.Unlock()
			continue
		}
		step := int64(st.cfg.MaxConcurrency / 4)
		if step < 1 {
			step = 1
		}
		if step > st.held {
			step = st.held
		}
		st.sem.Release(step)
		st.held -= step
		limit := st.cfg.MaxConcurrency - int(st.held)
		st.mu.Unlock()

		observability.SetWorkerLimit(workerType, limit)
		m.log.Info("worker concurrency restored",
			slog.String("worker", workerType),
			slog.Int("effective_limit", limit))
	}
}
