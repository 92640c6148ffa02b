package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ChrisRoyse/Cognitive-Triangulation-Pipeline-sub007/internal/adapter/observability"
	"github.com/ChrisRoyse/Cognitive-Triangulation-Pipeline-sub007/internal/analysis"
	"github.com/ChrisRoyse/Cognitive-Triangulation-Pipeline-sub007/internal/cleanup"
	"github.com/ChrisRoyse/Cognitive-Triangulation-Pipeline-sub007/internal/config"
	"github.com/ChrisRoyse/Cognitive-Triangulation-Pipeline-sub007/internal/domain"
	"github.com/ChrisRoyse/Cognitive-Triangulation-Pipeline-sub007/internal/ingest"
	"github.com/ChrisRoyse/Cognitive-Triangulation-Pipeline-sub007/internal/outbox"
	"github.com/ChrisRoyse/Cognitive-Triangulation-Pipeline-sub007/internal/reconcile"
	"github.com/ChrisRoyse/Cognitive-Triangulation-Pipeline-sub007/internal/triangulation"
	"github.com/ChrisRoyse/Cognitive-Triangulation-Pipeline-sub007/internal/workerpool"
)

// ErrShutdownTimeout reports that consumers were still mid-job when the
// grace period lapsed.
var ErrShutdownTimeout = errors.New("graceful shutdown timed out")

// idlePoll backs a consumer off after its queue came up empty or paused.
const idlePoll = 250 * time.Millisecond

// Consumer worker types share one breaker tuning; the per-call classifier
// budget lives in the classifier client, not here.
const (
	consumerFailureThreshold = 5
	consumerResetTimeout     = 30 * time.Second
)

// handlerFunc processes one reserved job.
type handlerFunc func(ctx domain.Context, job *domain.QueueJob) error

// consumer binds one queue to its handler.
type consumer struct {
	queue  string
	handle handlerFunc
}

// Services collects the stage services the consumer loops dispatch into.
// All four are required.
type Services struct {
	Analysis      *analysis.Service
	Reconcile     *reconcile.Service
	Triangulation *triangulation.Service
	Ingest        *ingest.Service
}

// Background collects optional supporting loops Run supervises alongside
// the consumers. Nil fields are skipped.
type Background struct {
	Outbox  *outbox.Publisher
	Cleanup *cleanup.Manager
	Scaler  *workerpool.Scaler
}

// App runs one consumer loop per configured worker slot plus the
// supporting loops: outbox poller, analysis batch flusher, cleanup
// ticker, and the adaptive scaler.
type App struct {
	cfg    config.Config
	log    *slog.Logger
	broker domain.Broker
	pool   *workerpool.Manager

	consumers []consumer
	flusher   func(ctx context.Context)
	bg        Background
}

// New wires the consumer table and registers one worker type per
// pipeline queue with the pool.
func New(cfg config.Config, log *slog.Logger, broker domain.Broker, pool *workerpool.Manager, svcs Services, bg Background) (*App, error) {
	if svcs.Analysis == nil || svcs.Reconcile == nil || svcs.Triangulation == nil || svcs.Ingest == nil {
		return nil, fmt.Errorf("op=app.New: all stage services are required: %w", domain.ErrInvalidArgument)
	}
	a := &App{
		cfg:     cfg,
		log:     log.With(slog.String("component", "app")),
		broker:  broker,
		pool:    pool,
		flusher: svcs.Analysis.RunBatchFlusher,
		bg:      bg,
	}
	a.consumers = []consumer{
		{domain.QueueFileAnalysis, decode(svcs.Analysis.HandleFileAnalysis)},
		{domain.QueueDirectoryAggregation, decode(svcs.Analysis.HandleDirectoryAggregation)},
		{domain.QueueDirectoryResolution, decode(svcs.Analysis.HandleDirectoryResolution)},
		{domain.QueueRelationshipResolution, decode(svcs.Analysis.HandleRelationshipResolution)},
		{domain.QueueValidation, decode(svcs.Reconcile.HandleValidation)},
		{domain.QueueReconciliation, decode(svcs.Reconcile.HandleReconciliation)},
		{domain.QueueGlobalResolution, decode(svcs.Analysis.HandleGlobalResolution)},
		{domain.QueueTriangulatedAnalysis, decode(svcs.Triangulation.HandleTriangulation)},
		{domain.QueueGraphIngestion, decode(svcs.Ingest.HandleGraphIngestion)},
	}
	for _, c := range a.consumers {
		err := pool.Register(c.queue, workerpool.WorkerConfig{
			MaxConcurrency:   a.loopsFor(c.queue),
			FailureThreshold: consumerFailureThreshold,
			ResetTimeout:     consumerResetTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("op=app.New: queue %s: %w", c.queue, err)
		}
	}
	return a, nil
}

// loopsFor floors per-queue concurrency at one; a zero or negative
// setting must not silently wedge a stage.
func (a *App) loopsFor(queue string) int {
	if n := a.cfg.ConcurrencyFor(queue); n > 0 {
		return n
	}
	return 1
}

// decode adapts a typed stage handler to the queue's raw payload: the
// payload is unmarshalled, validated against its tagged schema, then
// dispatched. Malformed payloads are permanent failures.
func decode[T any](fn func(domain.Context, T) error) handlerFunc {
	return func(ctx domain.Context, job *domain.QueueJob) error {
		var payload T
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return fmt.Errorf("%w: %v", domain.ErrSchemaInvalid, err)
		}
		if err := domain.ValidateJob(payload); err != nil {
			return err
		}
		return fn(ctx, payload)
	}
}

// Run starts the supporting loops and the consumer loops, then blocks
// until ctx is cancelled. Shutdown stops reservations immediately, waits
// up to the grace period for in-flight jobs, and returns any stragglers
// to the waiting state.
func (a *App) Run(ctx context.Context) error {
	var loops sync.WaitGroup

	start := func(fn func(context.Context)) {
		loops.Add(1)
		go func() {
			defer loops.Done()
			fn(ctx)
		}()
	}
	if a.flusher != nil {
		start(a.flusher)
	}
	if a.bg.Outbox != nil {
		start(a.bg.Outbox.Run)
	}
	if a.bg.Cleanup != nil {
		start(a.bg.Cleanup.Run)
	}
	if a.bg.Scaler != nil {
		start(a.bg.Scaler.Run)
	}

	total := 0
	for _, c := range a.consumers {
		n := a.loopsFor(c.queue)
		for i := 0; i < n; i++ {
			loops.Add(1)
			go func(c consumer) {
				defer loops.Done()
				a.consume(ctx, c)
			}(c)
		}
		total += n
	}
	a.log.Info("pipeline consumers started",
		slog.Int("queues", len(a.consumers)),
		slog.Int("loops", total))

	<-ctx.Done()
	a.log.Info("shutdown requested, draining in-flight jobs",
		slog.Duration("grace", a.cfg.ShutdownGracePeriod))

	done := make(chan struct{})
	go func() {
		loops.Wait()
		close(done)
	}()

	var timedOut bool
	select {
	case <-done:
	case <-time.After(a.cfg.ShutdownGracePeriod):
		timedOut = true
	}

	a.requeueStragglers()

	if timedOut {
		return fmt.Errorf("op=app.Run: %w", ErrShutdownTimeout)
	}
	a.log.Info("pipeline stopped")
	return nil
}

// consume reserves and processes jobs until ctx ends. Reservation is
// non-blocking; empty and paused queues back the loop off by idlePoll.
func (a *App) consume(ctx context.Context, c consumer) {
	for {
		if ctx.Err() != nil {
			return
		}
		job, err := a.broker.Reserve(ctx, c.queue)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			a.log.Warn("reserve failed",
				slog.String("queue", c.queue), slog.Any("error", err))
			a.pause(ctx, idlePoll)
			continue
		}
		if job == nil {
			a.pause(ctx, idlePoll)
			continue
		}
		a.process(ctx, c, job)
	}
}

func (a *App) pause(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// process runs one job through the pool. Success acks; failure routes
// through the broker's retry and dead-letter policy; a shutdown mid-job
// leaves the job active so the stalled requeue returns it without
// burning an attempt.
func (a *App) process(ctx context.Context, c consumer, job *domain.QueueJob) {
	start := time.Now()
	observability.StartProcessingJob(c.queue)

	err := a.pool.ExecuteWithManagement(ctx, c.queue, func(ctx domain.Context) error {
		return c.handle(ctx, job)
	})

	// Completion bookkeeping must survive shutdown; the work is done
	// either way.
	ackCtx := context.WithoutCancel(ctx)

	if err == nil {
		observability.CompleteJob(c.queue, time.Since(start))
		if ackErr := a.broker.Ack(ackCtx, job); ackErr != nil {
			a.log.Warn("ack failed",
				slog.String("queue", c.queue),
				slog.String("job_id", job.ID),
				slog.Any("error", ackErr))
		}
		return
	}

	if ctx.Err() != nil {
		a.log.Info("job interrupted by shutdown",
			slog.String("queue", c.queue), slog.String("job_id", job.ID))
		return
	}

	observability.FailJob(c.queue)
	a.log.Warn("job failed",
		slog.String("queue", c.queue),
		slog.String("job_id", job.ID),
		slog.Int("attempt", job.Attempt),
		slog.Any("error", err))
	if failErr := a.broker.Fail(ackCtx, job, err, retriable(err)); failErr != nil {
		a.log.Error("fail routing failed",
			slog.String("queue", c.queue),
			slog.String("job_id", job.ID),
			slog.Any("error", failErr))
	}
}

// retriable classifies handler errors for the broker's retry policy.
// Contract violations never heal on retry; everything else might,
// including not-found lookups that a later stage can backfill.
func retriable(err error) bool {
	if errors.Is(err, domain.ErrSchemaInvalid) || errors.Is(err, domain.ErrInvalidArgument) {
		return false
	}
	return true
}

// requeueStragglers returns jobs still reserved at shutdown to the
// waiting state. It runs on a fresh context; the run context is already
// dead. In a multi-process deployment this can return a peer's healthy
// active jobs too; handlers are idempotent, so the overlap re-processes
// rather than corrupts.
func (a *App) requeueStragglers() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, c := range a.consumers {
		n, err := a.broker.RequeueStalled(ctx, c.queue, 0)
		if err != nil {
			a.log.Warn("stalled requeue failed",
				slog.String("queue", c.queue), slog.Any("error", err))
			continue
		}
		if n > 0 {
			a.log.Info("returned stalled jobs",
				slog.String("queue", c.queue), slog.Int64("requeued", n))
		}
	}
}
