// Package analysis implements the file analysis stage: batching files into
// classifier calls, staging finding events through the outbox, and the
// deterministic directory and run-wide relationship passes that follow.
package analysis

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/redis/go-redis/v9"

	"github.com/ChrisRoyse/Cognitive-Triangulation-Pipeline-sub007/internal/adapter/ai"
	"github.com/ChrisRoyse/Cognitive-Triangulation-Pipeline-sub007/internal/adapter/observability"
	"github.com/ChrisRoyse/Cognitive-Triangulation-Pipeline-sub007/internal/adapter/repo/sqlite"
	"github.com/ChrisRoyse/Cognitive-Triangulation-Pipeline-sub007/internal/config"
	"github.com/ChrisRoyse/Cognitive-Triangulation-Pipeline-sub007/internal/domain"
)

// Service hosts the analysis-side queue handlers. All staging writes go
// through the batched writer, so a handler returning nil means its rows
// are durably committed.
type Service struct {
	store      *sqlite.Store
	writer     *sqlite.BatchedWriter
	broker     domain.Broker
	classifier domain.Classifier
	events     domain.EventPublisher
	rdb        *redis.Client
	cfg        config.Config
	log        *slog.Logger
	batcher    *batcher
}

// NewService wires the analysis handlers. events may be nil when the
// lifecycle stream is disabled.
func NewService(
	store *sqlite.Store,
	writer *sqlite.BatchedWriter,
	broker domain.Broker,
	classifier domain.Classifier,
	events domain.EventPublisher,
	rdb *redis.Client,
	cfg config.Config,
	log *slog.Logger,
) *Service {
	s := &Service{
		store:      store,
		writer:     writer,
		broker:     broker,
		classifier: classifier,
		events:     events,
		rdb:        rdb,
		cfg:        cfg,
		log:        log,
	}
	s.batcher = newBatcher(s, cfg)
	return s
}

// RunBatchFlusher drains pending batches until ctx is canceled. Exactly
// one flusher runs per process.
func (s *Service) RunBatchFlusher(ctx context.Context) {
	s.batcher.run(ctx)
}

// HandleFileAnalysis classifies one file. Small files park in the run's
// pending batch until a flush; large and overflow files go straight to the
// classifier. Either way the job is done only once the finding event is
// durably staged.
func (s *Service) HandleFileAnalysis(ctx context.Context, job domain.FileAnalysisJob) error {
	s.markRunStarted(ctx, job.RunID)

	content, err := os.ReadFile(job.FilePath)
	if err != nil {
		return s.recordUnreadable(ctx, job, err)
	}

	sum := sha256.Sum256(content)
	fileHash := hex.EncodeToString(sum[:])
	if _, err := s.store.RecordFile(ctx, domain.File{
		RunID: job.RunID, FilePath: job.FilePath, Hash: fileHash,
	}); err != nil {
		return err
	}

	if isBinary(content) {
		// Binary content produces an empty finding without a classifier
		// call, so the run's file accounting still closes.
		return s.stageFinding(ctx, job.RunID, job.FilePath, fileHash, nil)
	}

	pf := pendingFile{job: job, hash: fileHash, content: string(content)}
	if done, ok := s.batcher.tryAdd(ctx, pf); ok {
		select {
		case err := <-done:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return s.analyzeSingle(ctx, pf, "single")
}

// recordUnreadable marks a vanished or unreadable file permanently failed.
func (s *Service) recordUnreadable(ctx context.Context, job domain.FileAnalysisJob, cause error) error {
	if _, err := s.store.RecordFile(ctx, domain.File{RunID: job.RunID, FilePath: job.FilePath}); err != nil {
		return err
	}
	if err := s.store.UpdateFileStatus(ctx, job.RunID, job.FilePath, domain.FileFailed); err != nil {
		return err
	}
	observability.RecordFileProcessed(string(domain.FileFailed))
	s.log.Warn("file unreadable, recorded as failed",
		slog.String("run_id", job.RunID),
		slog.String("file_path", job.FilePath),
		slog.Any("error", cause))
	return fmt.Errorf("op=analysis.file: %w: read %s: %v", domain.ErrInvalidArgument, job.FilePath, cause)
}

// analyzeSingle runs the single-file classifier path and stages the result.
func (s *Service) analyzeSingle(ctx context.Context, pf pendingFile, mode string) error {
	pois, err := s.classifyFile(ctx, pf.job.FilePath, pf.content)
	if err != nil {
		return err
	}
	observability.RecordAnalysis(mode)
	return s.stageFinding(ctx, pf.job.RunID, pf.job.FilePath, pf.hash, pois)
}

func (s *Service) classifyFile(ctx context.Context, filePath, content string) ([]domain.POIPayload, error) {
	text := truncateMiddle(content, s.cfg.MaxInputChars)
	s.log.Debug("classifying file",
		slog.String("file_path", filePath),
		slog.Int("chars", len(text)),
		slog.Int("tokens_estimate", estimateTokens(text)))

	out, err := s.classifier.ChatJSON(ctx, fileAnalysisSystemPrompt, buildFilePrompt(filePath, text), analysisMaxTokens)
	if err != nil {
		return nil, fmt.Errorf("op=analysis.classify_file: %w", err)
	}
	var findings ai.FileFindings
	if err := ai.DecodeValidated(out, ai.FileAnalysisSchema, &findings); err != nil {
		return nil, fmt.Errorf("op=analysis.classify_file: %w", err)
	}
	return poiPayloads(findings.POIs), nil
}

// stageFinding writes the finding event and the file's processed status in
// one flush, then notifies directory aggregation. The event id is derived
// from (run, file) so a redelivered job cannot stage a duplicate.
func (s *Service) stageFinding(ctx context.Context, runID, filePath, fileHash string, pois []domain.POIPayload) error {
	finding := domain.FileAnalysisFinding{RunID: runID, FilePath: filePath, FileHash: fileHash, POIs: pois}
	payload, err := json.Marshal(finding)
	if err != nil {
		return fmt.Errorf("op=analysis.stage_finding: %w: %v", domain.ErrInternal, err)
	}

	eventID := domain.EnqueueKey(runID, "file-finding", filePath)
	done := s.writer.Submit(ctx, func(opCtx domain.Context, tx *sql.Tx) error {
		err := s.store.InsertOutboxEventTx(opCtx, tx, domain.OutboxEvent{
			RunID:     runID,
			EventID:   eventID,
			EventType: domain.EventFileAnalysisFinding,
			Payload:   payload,
		})
		if err != nil {
			return err
		}
		return s.store.UpdateFileStatusTx(opCtx, tx, runID, filePath, domain.FileProcessed)
	})
	select {
	case err := <-done:
		if err != nil {
			return err
		}
	case <-ctx.Done():
		return ctx.Err()
	}
	observability.RecordFileProcessed(string(domain.FileProcessed))

	agg := domain.DirectoryAggregationJob{
		RunID:         runID,
		DirectoryPath: path.Dir(filePath),
		FilePath:      filePath,
	}
	_, err = s.broker.Enqueue(ctx, domain.QueueDirectoryAggregation, agg, domain.EnqueueOptions{
		IdempotencyKey: domain.EnqueueKey(runID, "dir-agg", filePath),
	})
	if err != nil && !errors.Is(err, domain.ErrConflict) {
		return fmt.Errorf("op=analysis.stage_finding: %w", err)
	}
	return nil
}

// stageRelationships writes one relationship-creation event through the
// batched writer. origin names the analysis pass so downstream validation
// credits file-level findings and cross-file corroboration separately.
func (s *Service) stageRelationships(ctx context.Context, runID, filePath, eventID, origin string, rels []domain.CandidateRelationship) error {
	payload, err := json.Marshal(domain.RelationshipCreation{
		RunID: runID, FilePath: filePath, Origin: origin, Relationships: rels,
	})
	if err != nil {
		return fmt.Errorf("op=analysis.stage_relationships: %w: %v", domain.ErrInternal, err)
	}
	done := s.writer.Submit(ctx, func(opCtx domain.Context, tx *sql.Tx) error {
		return s.store.InsertOutboxEventTx(opCtx, tx, domain.OutboxEvent{
			RunID:     runID,
			EventID:   eventID,
			EventType: domain.EventRelationshipCreation,
			Payload:   payload,
		})
	})
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// markRunStarted emits the run-started lifecycle record exactly once per
// run, guarded by a Redis key.
func (s *Service) markRunStarted(ctx context.Context, runID string) {
	if s.events == nil || s.rdb == nil {
		return
	}
	ok, err := s.rdb.SetNX(ctx, "run:"+runID+":started", 1, 7*24*time.Hour).Result()
	if err != nil || !ok {
		return
	}
	_ = s.events.Publish(ctx, domain.PipelineEvent{
		Kind: domain.EventKindRunStarted, RunID: runID, At: time.Now(),
	})
}

// isBinary reports whether content is non-textual. The mimetype tree roots
// all text formats at text/plain.
func isBinary(content []byte) bool {
	for m := mimetype.Detect(content); m != nil; m = m.Parent() {
		if m.Is("text/plain") {
			return false
		}
	}
	return true
}

func poiPayloads(findings []ai.POIFinding) []domain.POIPayload {
	if len(findings) == 0 {
		return nil
	}
	out := make([]domain.POIPayload, 0, len(findings))
	for _, f := range findings {
		out = append(out, domain.POIPayload{
			Name:        f.Name,
			Type:        domain.POIType(f.Type),
			StartLine:   f.StartLine,
			EndLine:     f.EndLine,
			IsExported:  f.IsExported,
			SemanticID:  f.SemanticID,
			Description: f.Description,
		})
	}
	return out
}
