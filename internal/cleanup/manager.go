// Package cleanup sweeps the broker's terminal job sets on a timer and
// recovers jobs stuck in the active state.
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/ChrisRoyse/Cognitive-Triangulation-Pipeline-sub007/internal/adapter/observability"
	"github.com/ChrisRoyse/Cognitive-Triangulation-Pipeline-sub007/internal/config"
	"github.com/ChrisRoyse/Cognitive-Triangulation-Pipeline-sub007/internal/domain"
)

// DrainConfirmation is the literal operators must supply before the manager
// empties every pipeline queue.
const DrainConfirmation = "CONFIRM_EMERGENCY_DRAIN"

// Broker is the queue surface the manager maintains: the pipeline broker
// plus its retention and stall-recovery operations.
type Broker interface {
	domain.Broker
	TrimRetained(ctx domain.Context, queue string, state domain.JobState, keep int64) (int64, error)
	FailStalled(ctx domain.Context, queue string, staleAfter time.Duration) (int64, error)
}

// Manager runs the periodic queue maintenance pass. events may be nil when
// the lifecycle stream is disabled.
type Manager struct {
	broker Broker
	events domain.EventPublisher
	cfg    config.Config
	log    *slog.Logger
}

func NewManager(broker Broker, events domain.EventPublisher, cfg config.Config, log *slog.Logger) *Manager {
	return &Manager{
		broker: broker,
		events: events,
		cfg:    cfg,
		log:    log.With("component", "cleanup"),
	}
}

// Run sweeps once at startup and then on every tick until ctx is canceled.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.CleanupInterval)
	defer ticker.Stop()

	m.log.Info("cleanup manager started",
		slog.Duration("interval", m.cfg.CleanupInterval),
		slog.Duration("max_job_age", m.cfg.MaxJobAge),
		slog.Duration("max_stale_age", m.cfg.MaxStaleAge))

	m.Sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			m.log.Info("cleanup manager stopping")
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep runs one maintenance pass over every pipeline queue. Failures are
// logged per step so one unreachable queue does not starve the rest.
func (m *Manager) Sweep(ctx context.Context) {
	for _, queue := range domain.PipelineQueues() {
		m.sweepQueue(ctx, queue)
	}
}

func (m *Manager) sweepQueue(ctx context.Context, queue string) {
	n, err := m.broker.Clean(ctx, queue, m.cfg.MaxJobAge, domain.StateCompleted)
	m.record(queue, "completed", n, err)

	n, err = m.broker.Clean(ctx, queue, m.cfg.MaxJobAge, domain.StateFailed)
	m.record(queue, "failed", n, err)

	n, err = m.broker.TrimRetained(ctx, queue, domain.StateCompleted, int64(m.cfg.MaxCompletedJobRetention))
	m.record(queue, "completed", n, err)

	n, err = m.broker.TrimRetained(ctx, queue, domain.StateFailed, int64(m.cfg.MaxFailedJobRetention))
	m.record(queue, "failed", n, err)

	stalled, err := m.broker.FailStalled(ctx, queue, m.cfg.MaxStaleAge)
	m.record(queue, "stalled", stalled, err)
	if stalled > 0 {
		m.log.Warn("stalled jobs moved to failed",
			slog.String("queue", queue), slog.Int64("count", stalled))
	}
}

func (m *Manager) record(queue, state string, n int64, err error) {
	if err != nil {
		m.log.Warn("cleanup step failed",
			slog.String("queue", queue), slog.String("state", state), slog.Any("error", err))
		return
	}
	if n > 0 {
		observability.RecordCleanup(state, n)
	}
}

// EmergencyDrain empties the waiting and delayed sets of every pipeline
// queue and its dead-letter queue. The confirmation literal keeps a typo'd
// ops call from wiping live work.
func (m *Manager) EmergencyDrain(ctx context.Context, confirm string) error {
	if confirm != DrainConfirmation {
		return fmt.Errorf("op=cleanup.emergency_drain: confirmation mismatch: %w", domain.ErrInvalidArgument)
	}
	queues := domain.PipelineQueues()
	for _, q := range queues {
		if err := m.broker.Drain(ctx, q); err != nil {
			return fmt.Errorf("op=cleanup.emergency_drain: queue %s: %w", q, err)
		}
		if err := m.broker.Drain(ctx, domain.DeadLetterQueue(q)); err != nil {
			return fmt.Errorf("op=cleanup.emergency_drain: queue %s: %w", domain.DeadLetterQueue(q), err)
		}
	}
	m.log.Warn("emergency drain executed", slog.Int("queues", len(queues)))
	if m.events != nil {
		_ = m.events.Publish(ctx, domain.PipelineEvent{
			Kind: domain.EventKindEmergencyDrain,
			At:   time.Now(),
			Detail: map[string]string{
				"queues": strconv.Itoa(len(queues)),
			},
		})
	}
	return nil
}
