package workerpool

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/ChrisRoyse/Cognitive-Triangulation-Pipeline-sub007/internal/domain"
)

func newTestManager(globalCap int) (*Manager, *time.Time) {
	m := NewManager(globalCap, slog.New(slog.NewTextHandler(io.Discard, nil)))
	now := time.Now()
	m.now = func() time.Time { return now }
	return m, &now
}

func TestRegister_Validation(t *testing.T) {
	m, _ := newTestManager(10)

	if err := m.Register("", WorkerConfig{MaxConcurrency: 1}); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("expected invalid argument for empty type, got %v", err)
	}
	if err := m.Register("w", WorkerConfig{MaxConcurrency: 0}); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("expected invalid argument for zero max, got %v", err)
	}
	if err := m.Register("w", WorkerConfig{MaxConcurrency: 2, MinConcurrency: 5}); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("expected invalid argument for min > max, got %v", err)
	}
	if err := m.Register("w", WorkerConfig{MaxConcurrency: 2}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := m.RequestSlot(context.Background(), "unknown"); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("expected invalid argument for unregistered type, got %v", err)
	}
}

func TestRequestSlot_PerTypeCapacity(t *testing.T) {
	m, _ := newTestManager(10)
	ctx := context.Background()
	if err := m.Register("file-analysis", WorkerConfig{MaxConcurrency: 2}); err != nil {
		t.Fatalf("register: %v", err)
	}

	s1, err := m.RequestSlot(ctx, "file-analysis")
	if err != nil {
		t.Fatalf("slot 1: %v", err)
	}
	s2, err := m.RequestSlot(ctx, "file-analysis")
	if err != nil {
		t.Fatalf("slot 2: %v", err)
	}
	if _, err := m.RequestSlot(ctx, "file-analysis"); !errors.Is(err, domain.ErrSlotsExhausted) {
		t.Fatalf("expected slots exhausted, got %v", err)
	}
	if got := m.InFlight("file-analysis"); got != 2 {
		t.Fatalf("expected 2 in flight, got %d", got)
	}

	s1.Release(true)
	s3, err := m.RequestSlot(ctx, "file-analysis")
	if err != nil {
		t.Fatalf("slot after release: %v", err)
	}
	s2.Release(true)
	s3.Release(true)
	if got := m.InFlight("file-analysis"); got != 0 {
		t.Fatalf("expected 0 in flight after releases, got %d", got)
	}
}

func TestRequestSlot_GlobalCap(t *testing.T) {
	m, _ := newTestManager(2)
	ctx := context.Background()
	for _, w := range []string{"a", "b", "c"} {
		if err := m.Register(w, WorkerConfig{MaxConcurrency: 2}); err != nil {
			t.Fatalf("register %s: %v", w, err)
		}
	}

	if _, err := m.RequestSlot(ctx, "a"); err != nil {
		t.Fatalf("slot a: %v", err)
	}
	if _, err := m.RequestSlot(ctx, "b"); err != nil {
		t.Fatalf("slot b: %v", err)
	}
	if _, err := m.RequestSlot(ctx, "c"); !errors.Is(err, domain.ErrSlotsExhausted) {
		t.Fatalf("expected global cap rejection, got %v", err)
	}
}

func TestRequestSlot_RateLimited(t *testing.T) {
	m, _ := newTestManager(10)
	ctx := context.Background()
	err := m.Register("classifier", WorkerConfig{
		MaxConcurrency:    10,
		RateLimitRequests: 2,
		RateLimitWindow:   time.Minute,
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	for i := 0; i < 2; i++ {
		slot, err := m.RequestSlot(ctx, "classifier")
		if err != nil {
			t.Fatalf("slot %d: %v", i, err)
		}
		slot.Release(true)
	}
	_, err = m.RequestSlot(ctx, "classifier")
	if !errors.Is(err, domain.ErrRateLimited) {
		t.Fatalf("expected rate limited, got %v", err)
	}
	var ra *domain.RetryAfterError
	if !errors.As(err, &ra) || ra.After <= 0 {
		t.Fatalf("expected retry-after delay on rate limit, got %v", err)
	}
	// 2 tokens per minute: a whole token takes 30s to refill.
	if ra.After > 30*time.Second {
		t.Fatalf("retry-after exceeds one token interval: %v", ra.After)
	}
}

func TestExecuteWithManagement_CircuitLifecycle(t *testing.T) {
	m, now := newTestManager(10)
	ctx := context.Background()
	err := m.Register("triangulation", WorkerConfig{
		MaxConcurrency:   3,
		FailureThreshold: 2,
		ResetTimeout:     time.Minute,
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	boom := errors.New("agent failed")
	for i := 0; i < 2; i++ {
		if err := m.ExecuteWithManagement(ctx, "triangulation", func(domain.Context) error { return boom }); !errors.Is(err, boom) {
			t.Fatalf("expected handler error, got %v", err)
		}
	}
	if got := m.BreakerState("triangulation"); got != StateOpen {
		t.Fatalf("expected open breaker after threshold, got %s", got)
	}

	err = m.ExecuteWithManagement(ctx, "triangulation", func(domain.Context) error { return nil })
	if !errors.Is(err, domain.ErrCircuitOpen) {
		t.Fatalf("expected circuit-open rejection, got %v", err)
	}
	var ra *domain.RetryAfterError
	if !errors.As(err, &ra) || ra.After <= 0 || ra.After > time.Minute {
		t.Fatalf("expected remaining reset timeout, got %v", err)
	}

	*now = now.Add(61 * time.Second)
	if err := m.ExecuteWithManagement(ctx, "triangulation", func(domain.Context) error { return nil }); err != nil {
		t.Fatalf("expected trial success, got %v", err)
	}
	if got := m.BreakerState("triangulation"); got != StateClosed {
		t.Fatalf("expected closed breaker after trial success, got %s", got)
	}
}

func TestExecuteWithManagement_WaitsForCapacity(t *testing.T) {
	m, _ := newTestManager(10)
	ctx := context.Background()
	if err := m.Register("graph", WorkerConfig{MaxConcurrency: 1}); err != nil {
		t.Fatalf("register: %v", err)
	}

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- m.ExecuteWithManagement(ctx, "graph", func(domain.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	waiterDone := make(chan error, 1)
	go func() {
		waiterDone <- m.ExecuteWithManagement(ctx, "graph", func(domain.Context) error { return nil })
	}()

	select {
	case err := <-waiterDone:
		t.Fatalf("second execution should wait for the slot, returned %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first execution: %v", err)
	}
	if err := <-waiterDone; err != nil {
		t.Fatalf("second execution: %v", err)
	}
}

func TestThrottleAndRestore_StepTowardBounds(t *testing.T) {
	m, _ := newTestManager(100)
	if err := m.Register("file-analysis", WorkerConfig{MaxConcurrency: 8, MinConcurrency: 2}); err != nil {
		t.Fatalf("register: %v", err)
	}

	m.throttleAll()
	if got := m.EffectiveLimit("file-analysis"); got != 6 {
		t.Fatalf("expected limit 6 after one step, got %d", got)
	}
	m.throttleAll()
	m.throttleAll()
	if got := m.EffectiveLimit("file-analysis"); got != 2 {
		t.Fatalf("expected limit at minimum 2, got %d", got)
	}
	// Further throttling never goes below the minimum.
	m.throttleAll()
	if got := m.EffectiveLimit("file-analysis"); got != 2 {
		t.Fatalf("expected limit held at minimum, got %d", got)
	}

	m.restoreAll()
	if got := m.EffectiveLimit("file-analysis"); got != 4 {
		t.Fatalf("expected limit 4 after restore step, got %d", got)
	}
	m.restoreAll()
	m.restoreAll()
	if got := m.EffectiveLimit("file-analysis"); got != 8 {
		t.Fatalf("expected limit restored to maximum, got %d", got)
	}
}

func TestThrottle_ReducesAdmission(t *testing.T) {
	m, _ := newTestManager(100)
	ctx := context.Background()
	if err := m.Register("validation", WorkerConfig{MaxConcurrency: 4, MinConcurrency: 1}); err != nil {
		t.Fatalf("register: %v", err)
	}

	m.throttleAll() // 4 -> 3
	var slots []*Slot
	for i := 0; i < 3; i++ {
		slot, err := m.RequestSlot(ctx, "validation")
		if err != nil {
			t.Fatalf("slot %d: %v", i, err)
		}
		slots = append(slots, slot)
	}
	if _, err := m.RequestSlot(ctx, "validation"); !errors.Is(err, domain.ErrSlotsExhausted) {
		t.Fatalf("expected throttled capacity rejection, got %v", err)
	}
	for _, s := range slots {
		s.Release(true)
	}
}

func TestReleaseSlot_Idempotent(t *testing.T) {
	m, _ := newTestManager(10)
	ctx := context.Background()
	if err := m.Register("w", WorkerConfig{MaxConcurrency: 1}); err != nil {
		t.Fatalf("register: %v", err)
	}
	slot, err := m.RequestSlot(ctx, "w")
	if err != nil {
		t.Fatalf("slot: %v", err)
	}
	slot.Release(true)
	slot.Release(true)
	if got := m.InFlight("w"); got != 0 {
		t.Fatalf("expected 0 in flight, got %d", got)
	}
	// Capacity is intact after the double release.
	s2, err := m.RequestSlot(ctx, "w")
	if err != nil {
		t.Fatalf("slot after double release: %v", err)
	}
	s2.Release(false)
}
