package analysis

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/ChrisRoyse/Cognitive-Triangulation-Pipeline-sub007/internal/adapter/ai"
	"github.com/ChrisRoyse/Cognitive-Triangulation-Pipeline-sub007/internal/adapter/observability"
	"github.com/ChrisRoyse/Cognitive-Triangulation-Pipeline-sub007/internal/config"
	"github.com/ChrisRoyse/Cognitive-Triangulation-Pipeline-sub007/internal/domain"
)

// pendingFile is a parked file-analysis job waiting for its batch flush.
// done receives exactly one result; the worker holds the job un-acked
// until it arrives, so a crash before the flush lands redelivers the job.
type pendingFile struct {
	job     domain.FileAnalysisJob
	hash    string
	content string
	done    chan error
}

// runBatch accumulates small files of one run. Batches never mix runs, so
// a flush stages findings for a single run's accounting.
type runBatch struct {
	runID string
	files []pendingFile
	chars int
}

type batcher struct {
	svc *Service
	log *slog.Logger

	smallThreshold int
	maxFiles       int
	maxChars       int
	flushInterval  time.Duration

	mu   sync.Mutex
	runs map[string]*runBatch
}

func newBatcher(svc *Service, cfg config.Config) *batcher {
	return &batcher{
		svc:            svc,
		log:            svc.log,
		smallThreshold: cfg.SmallFileThreshold,
		maxFiles:       cfg.MaxFilesPerBatch,
		maxChars:       cfg.MaxBatchChars,
		flushInterval:  cfg.BatchFlushInterval,
		runs:           make(map[string]*runBatch),
	}
}

// tryAdd parks pf in its run's pending batch and returns the completion
// channel. It returns false when the file is too large to batch; the
// caller then takes the single-file path. A batch that fills up is
// flushed inline on the caller's context.
func (b *batcher) tryAdd(ctx context.Context, pf pendingFile) (<-chan error, bool) {
	if len(pf.content) > b.smallThreshold {
		return nil, false
	}
	pf.done = make(chan error, 1)

	b.mu.Lock()
	rb := b.runs[pf.job.RunID]
	if rb == nil {
		rb = &runBatch{runID: pf.job.RunID}
		b.runs[pf.job.RunID] = rb
	}

	// A file that would blow the character budget closes out the current
	// batch first and starts a fresh one.
	var early *runBatch
	if len(rb.files) > 0 && rb.chars+len(pf.content) > b.maxChars {
		early = rb
		rb = &runBatch{runID: pf.job.RunID}
		b.runs[pf.job.RunID] = rb
	}

	rb.files = append(rb.files, pf)
	rb.chars += len(pf.content)

	var full *runBatch
	if len(rb.files) >= b.maxFiles {
		full = rb
		delete(b.runs, pf.job.RunID)
	}
	b.mu.Unlock()

	if early != nil {
		b.flush(ctx, early)
	}
	if full != nil {
		b.flush(ctx, full)
	}
	return pf.done, true
}

// run flushes pending batches on a ticker until ctx is canceled. On
// shutdown every parked job is failed so its worker can release it for
// redelivery.
func (b *batcher) run(ctx context.Context) {
	ticker := time.NewTicker(b.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			b.failAll(ctx.Err())
			return
		case <-ticker.C:
			for _, rb := range b.detachAll() {
				b.flush(ctx, rb)
			}
		}
	}
}

func (b *batcher) detachAll() []*runBatch {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*runBatch, 0, len(b.runs))
	for runID, rb := range b.runs {
		if len(rb.files) > 0 {
			out = append(out, rb)
		}
		delete(b.runs, runID)
	}
	return out
}

func (b *batcher) failAll(err error) {
	for _, rb := range b.detachAll() {
		deliverAll(rb, err)
	}
}

// flush classifies one batch. Transport failures fail every parked job so
// each retries individually through the queue. A malformed response falls
// back to single-file calls instead, since re-sending the same batch would
// likely malform again.
func (b *batcher) flush(ctx context.Context, rb *runBatch) {
	out, err := b.svc.classifier.ChatJSON(ctx, batchAnalysisSystemPrompt, buildBatchPrompt(rb.files), analysisMaxTokens)
	if err != nil {
		b.log.Warn("batch classification failed, jobs retry individually",
			slog.String("run_id", rb.runID),
			slog.Int("files", len(rb.files)),
			slog.Any("error", err))
		deliverAll(rb, err)
		return
	}

	var batch ai.BatchFindings
	if err := ai.DecodeValidated(out, ai.BatchAnalysisSchema, &batch); err != nil {
		b.fallback(ctx, rb, err)
		return
	}

	byPath := make(map[string][]ai.POIFinding, len(batch.Files))
	for _, f := range batch.Files {
		byPath[f.FilePath] = f.POIs
	}
	for _, pf := range rb.files {
		pois, ok := byPath[pf.job.FilePath]
		if !ok {
			b.log.Debug("file missing from batch response, analyzing alone",
				slog.String("file_path", pf.job.FilePath))
			pf.done <- b.svc.analyzeSingle(ctx, pf, "fallback")
			continue
		}
		observability.RecordAnalysis("batched")
		pf.done <- b.svc.stageFinding(ctx, pf.job.RunID, pf.job.FilePath, pf.hash, poiPayloads(pois))
	}
}

// fallback re-analyzes every file of a malformed batch one by one.
func (b *batcher) fallback(ctx context.Context, rb *runBatch, cause error) {
	b.log.Warn("batch response malformed, falling back to single-file analysis",
		slog.String("run_id", rb.runID),
		slog.Int("files", len(rb.files)),
		slog.Any("error", cause))
	if b.svc.events != nil {
		_ = b.svc.events.Publish(ctx, domain.PipelineEvent{
			Kind:  domain.EventKindBatchFallback,
			RunID: rb.runID,
			At:    time.Now(),
			Detail: map[string]string{
				"files": strconv.Itoa(len(rb.files)),
			},
		})
	}
	for _, pf := range rb.files {
		pf.done <- b.svc.analyzeSingle(ctx, pf, "fallback")
	}
}

func deliverAll(rb *runBatch, err error) {
	for _, pf := range rb.files {
		pf.done <- err
	}
}
