// Package ingest drains a run's finalized staging records into the graph
// store and emits the run-completed lifecycle event once the run settles.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ChrisRoyse/Cognitive-Triangulation-Pipeline-sub007/internal/adapter/observability"
	"github.com/ChrisRoyse/Cognitive-Triangulation-Pipeline-sub007/internal/adapter/repo/sqlite"
	"github.com/ChrisRoyse/Cognitive-Triangulation-Pipeline-sub007/internal/domain"
)

// Service hosts the graph ingestion handler. The graph store merges nodes
// and edges by run and hash, so a redelivered job re-commits the same graph.
type Service struct {
	store  *sqlite.Store
	graph  domain.GraphStore
	broker domain.Broker
	events domain.EventPublisher
	rdb    *redis.Client
	log    *slog.Logger
}

// NewService wires the ingestion handler. events and rdb may be nil when
// the lifecycle stream is disabled.
func NewService(
	store *sqlite.Store,
	graph domain.GraphStore,
	broker domain.Broker,
	events domain.EventPublisher,
	rdb *redis.Client,
	log *slog.Logger,
) *Service {
	return &Service{
		store:  store,
		graph:  graph,
		broker: broker,
		events: events,
		rdb:    rdb,
		log:    log.With("component", "ingest"),
	}
}

// HandleGraphIngestion pushes the run's POIs and reconciled relationships
// into the graph store, then checks whether the run has fully settled.
func (s *Service) HandleGraphIngestion(ctx context.Context, job domain.GraphIngestionJob) error {
	pois, err := s.store.POIsByRun(ctx, job.RunID)
	if err != nil {
		return fmt.Errorf("op=ingest.pois: %w", err)
	}
	if err := s.graph.UpsertPOIs(ctx, job.RunID, pois); err != nil {
		return err
	}
	observability.RecordGraphUpserts("pois", len(pois))

	edges, err := s.store.ReconciledEdges(ctx, job.RunID)
	if err != nil {
		return fmt.Errorf("op=ingest.edges: %w", err)
	}
	if err := s.graph.UpsertRelationships(ctx, job.RunID, edges); err != nil {
		return err
	}
	observability.RecordGraphUpserts("edges", len(edges))

	s.log.Info("graph ingestion committed",
		"run_id", job.RunID, "pois", len(pois), "edges", len(edges))

	s.markRunCompleted(ctx, job.RunID)
	return nil
}

// markRunCompleted emits the run-completed lifecycle record exactly once
// per run, guarded by a Redis key. Staging settledness is a point-in-time
// read and queued jobs may not have staging rows yet, so completion also
// requires every upstream queue to be idle.
func (s *Service) markRunCompleted(ctx context.Context, runID string) {
	if s.events == nil || s.rdb == nil || s.broker == nil {
		return
	}
	settled, err := s.store.RunSettled(ctx, runID)
	if err != nil || !settled {
		return
	}
	for _, q := range domain.PipelineQueues() {
		if q == domain.QueueGraphIngestion {
			continue
		}
		counts, err := s.broker.Counts(ctx, q)
		if err != nil || counts.Waiting+counts.Active+counts.Delayed > 0 {
			return
		}
	}
	ok, err := s.rdb.SetNX(ctx, "run:"+runID+":completed", 1, 7*24*time.Hour).Result()
	if err != nil || !ok {
		return
	}
	_ = s.events.Publish(ctx, domain.PipelineEvent{
		Kind: domain.EventKindRunCompleted, RunID: runID, At: time.Now(),
	})
	s.log.Info("run completed", "run_id", runID)
}
