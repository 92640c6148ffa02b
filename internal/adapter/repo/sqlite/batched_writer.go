package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/ChrisRoyse/Cognitive-Triangulation-Pipeline-sub007/internal/adapter/observability"
	"github.com/ChrisRoyse/Cognitive-Triangulation-Pipeline-sub007/internal/domain"
)

const (
	defaultFlushBatchSize = 100
	defaultFlushInterval  = time.Second
	defaultFlushRetries   = 3
	defaultFlushRetryWait = 100 * time.Millisecond
)

// WriteOp is one staged mutation executed inside a flush transaction.
type WriteOp func(ctx domain.Context, tx *sql.Tx) error

type pendingOp struct {
	op   WriteOp
	done chan error
}

// BatchedWriterOptions tunes flush behavior. Zero values take defaults.
type BatchedWriterOptions struct {
	BatchSize     int
	FlushInterval time.Duration
	MaxRetries    int
	RetryWait     time.Duration
}

// BatchedWriter coalesces single-row writes from many workers into one
// transaction per flush. A flush happens when the pending batch reaches
// BatchSize or when FlushInterval elapses, whichever comes first.
//
// Submit returns a completion channel so callers can hold their queue
// job un-acked until the write is durably committed.
type BatchedWriter struct {
	store *Store
	log   *slog.Logger

	batchSize  int
	interval   time.Duration
	maxRetries int
	retryWait  time.Duration

	submissions chan pendingOp
}

// NewBatchedWriter builds a writer around the store. Call Run to start
// the flush loop.
func NewBatchedWriter(store *Store, log *slog.Logger, opts BatchedWriterOptions) *BatchedWriter {
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultFlushBatchSize
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = defaultFlushInterval
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = defaultFlushRetries
	}
	if opts.RetryWait <= 0 {
		opts.RetryWait = defaultFlushRetryWait
	}
	return &BatchedWriter{
		store:       store,
		log:         log,
		batchSize:   opts.BatchSize,
		interval:    opts.FlushInterval,
		maxRetries:  opts.MaxRetries,
		retryWait:   opts.RetryWait,
		submissions: make(chan pendingOp, opts.BatchSize*2),
	}
}

// Submit queues one write. The returned channel receives exactly one
// value: nil once the op's batch has committed, or the flush error after
// retries are exhausted.
func (w *BatchedWriter) Submit(ctx domain.Context, op WriteOp) <-chan error {
	done := make(chan error, 1)
	select {
	case w.submissions <- pendingOp{op: op, done: done}:
	case <-ctx.Done():
		done <- fmt.Errorf("op=sqlite.Submit: %w", ctx.Err())
	}
	return done
}

// Run owns the flush loop until ctx is canceled. On shutdown it flushes
// whatever is still queued so acknowledged work is not lost.
func (w *BatchedWriter) Run(ctx domain.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	var batch []pendingOp
	for {
		select {
		case <-ctx.Done():
			batch = append(batch, w.drainQueued()...)
			if len(batch) > 0 {
				flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				w.flush(flushCtx, batch)
				cancel()
			}
			return
		case p := <-w.submissions:
			batch = append(batch, p)
			if len(batch) >= w.batchSize {
				w.flush(ctx, batch)
				batch = nil
			}
		case <-ticker.C:
			if len(batch) > 0 {
				w.flush(ctx, batch)
				batch = nil
			}
		}
	}
}

func (w *BatchedWriter) drainQueued() []pendingOp {
	var out []pendingOp
	for {
		select {
		case p := <-w.submissions:
			out = append(out, p)
		default:
			return out
		}
	}
}

func (w *BatchedWriter) flush(ctx domain.Context, batch []pendingOp) {
	start := time.Now()
	var err error
	for attempt := 1; ; attempt++ {
		err = w.store.Transaction(ctx, func(tx *sql.Tx) error {
			for _, p := range batch {
				if opErr := p.op(ctx, tx); opErr != nil {
					return opErr
				}
			}
			return nil
		})
		if err == nil {
			break
		}
		if attempt >= w.maxRetries || ctx.Err() != nil {
			break
		}
		w.log.Warn("staging flush failed, retrying",
			slog.Int("attempt", attempt),
			slog.Int("ops", len(batch)),
			slog.Any("error", err))
		select {
		case <-ctx.Done():
		case <-time.After(w.retryWait):
		}
	}
	if err != nil {
		w.log.Error("staging flush gave up",
			slog.Int("ops", len(batch)),
			slog.Any("error", err))
		for _, p := range batch {
			p.done <- err
		}
		return
	}
	observability.ObserveStagingFlush(time.Since(start), len(batch))
	for _, p := range batch {
		p.done <- nil
	}
}
