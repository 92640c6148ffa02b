// Package reconcile ingests relationship evidence, rescores each claim from
// its accumulated trail, and finalizes relationships once the trail is
// complete. Doubtful claims are escalated into triangulation sessions
// instead of being decided here.
package reconcile

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ChrisRoyse/Cognitive-Triangulation-Pipeline-sub007/internal/adapter/observability"
	"github.com/ChrisRoyse/Cognitive-Triangulation-Pipeline-sub007/internal/adapter/repo/sqlite"
	"github.com/ChrisRoyse/Cognitive-Triangulation-Pipeline-sub007/internal/confidence"
	"github.com/ChrisRoyse/Cognitive-Triangulation-Pipeline-sub007/internal/config"
	"github.com/ChrisRoyse/Cognitive-Triangulation-Pipeline-sub007/internal/domain"
)

// triangulationEvidenceTarget is the evidence count an escalated claim must
// reach before reconciliation: the staging pass plus three agent verdicts.
const triangulationEvidenceTarget = 4

// Service hosts the validation and reconciliation queue handlers. A whole
// validation batch commits in one transaction, so a crash mid-batch
// redelivers the job and every write replays idempotently.
type Service struct {
	store  *sqlite.Store
	broker domain.Broker
	scorer *confidence.Scorer
	cfg    config.Config
	log    *slog.Logger
}

// NewService wires the evidence handlers.
func NewService(
	store *sqlite.Store,
	broker domain.Broker,
	cfg config.Config,
	weights config.Weights,
	log *slog.Logger,
) *Service {
	return &Service{
		store:  store,
		broker: broker,
		scorer: confidence.NewScorer(weights, cfg.ConfidenceEscalationThreshold),
		cfg:    cfg,
		log:    log.With("component", "reconcile"),
	}
}

// HandleValidation records a batch of evidence observations and rescopes
// each touched relationship. Per item: the relationship row is found or
// created, the evidence lands (deduped per source), the full trail is
// rescored, and the row either validates, escalates to triangulation, or
// waits. A trail that reaches its expected count enqueues reconciliation
// inside the same transaction.
func (s *Service) HandleValidation(ctx domain.Context, job domain.ValidationJob) error {
	var (
		added     []string
		completed int
		escalated int
	)
	err := s.store.Transaction(ctx, func(tx *sql.Tx) error {
		added = added[:0]
		completed, escalated = 0, 0

		for i := range job.Items {
			item := job.Items[i]

			rel, err := s.resolveRelationship(ctx, tx, job.RunID, item)
			if errors.Is(err, domain.ErrNotFound) {
				// Evidence for a hash nobody staged cannot be scored;
				// retrying would not change that.
				s.log.Warn("dropping evidence for unknown relationship",
					"run_id", job.RunID,
					"relationship_hash", item.RelationshipHash,
					"source", item.Source)
				continue
			}
			if err != nil {
				return err
			}

			if err := s.store.UpsertTrackingTx(ctx, tx, job.RunID, item.RelationshipHash, 1); err != nil {
				return err
			}
			payload, err := json.Marshal(item)
			if err != nil {
				return err
			}
			wasAdded, err := s.store.AddEvidenceTx(ctx, tx, domain.Evidence{
				RunID:            job.RunID,
				RelationshipHash: item.RelationshipHash,
				Source:           item.Source,
				Confidence:       item.Confidence,
				Payload:          payload,
			})
			if err != nil {
				return err
			}
			if wasAdded {
				added = append(added, item.Source)
			}

			evidence, err := s.store.EvidenceForHashTx(ctx, tx, job.RunID, item.RelationshipHash)
			if err != nil {
				return err
			}
			res := s.scorer.Score(rel, evidence)

			switch {
			case rel.EscalatedToHuman:
				// Humans own the verdict; further evidence is recorded
				// but never auto-resolves the row.
			case res.EscalationNeeded && rel.Status == domain.RelationshipPending:
				if err := s.escalate(ctx, tx, job.RunID, rel, item, res.FinalConfidence); err != nil {
					return err
				}
				escalated++
			default:
				// Covers PENDING above the bar and re-scored VALIDATED
				// rows. Confidence only merges upward, so a validated
				// row is never dragged back down by a weak late source.
				if err := s.store.ValidateRelationshipTx(ctx, tx, rel.ID, res.FinalConfidence); err != nil {
					return err
				}
			}

			done, err := s.store.CompleteTrackingTx(ctx, tx, job.RunID, item.RelationshipHash)
			if err != nil {
				return err
			}
			if done {
				completed++
				_, err = s.broker.Enqueue(ctx, domain.QueueReconciliation,
					domain.ReconciliationJob{RunID: job.RunID, Hashes: []string{item.RelationshipHash}},
					domain.EnqueueOptions{IdempotencyKey: domain.EnqueueKey(job.RunID, "reconcile", item.RelationshipHash)})
				if err != nil && !errors.Is(err, domain.ErrConflict) {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("op=reconcile.validation: %w", err)
	}

	for _, source := range added {
		observability.RecordEvidenceItem(source)
	}
	s.log.Info("validation batch ingested",
		"run_id", job.RunID,
		"items", len(job.Items),
		"evidence_added", len(added),
		"escalated", escalated,
		"trails_completed", completed)
	return nil
}

// resolveRelationship finds or creates the row behind an evidence item.
// Items carrying a resolved candidate may arrive in any order, so the
// first one to land creates the row.
func (s *Service) resolveRelationship(ctx domain.Context, tx *sql.Tx, runID string, item domain.ValidationItem) (domain.Relationship, error) {
	if item.Candidate == nil {
		return s.store.RelationshipByHashTx(ctx, tx, runID, item.RelationshipHash)
	}
	c := item.Candidate
	id, err := s.store.EnsureRelationshipTx(ctx, tx, domain.Relationship{
		SourcePOIID: c.SourcePOIID,
		TargetPOIID: c.TargetPOIID,
		Type:        c.Type,
		FilePath:    c.FilePath,
		Confidence:  c.Confidence,
		Reason:      c.Reason,
		RunID:       runID,
		Evidence:    c.Evidence,
		Hash:        item.RelationshipHash,
	})
	if err != nil {
		return domain.Relationship{}, err
	}
	return s.store.RelationshipByIDTx(ctx, tx, id)
}

// escalate opens a triangulation session for a doubtful claim. The session
// id and idempotency keys derive from the hash, so a second doubtful item
// for the same claim converges on the one session. Raising the expected
// evidence count before the trail can complete keeps reconciliation waiting
// for the agent verdicts.
func (s *Service) escalate(ctx domain.Context, tx *sql.Tx, runID string, rel domain.Relationship, item domain.ValidationItem, score float64) error {
	sessionID := domain.EnqueueKey(runID, "session", rel.Hash)
	err := s.store.CreateSessionTx(ctx, tx, domain.TriangulationSession{
		SessionID:         sessionID,
		RelationshipID:    rel.ID,
		RelationshipHash:  rel.Hash,
		RunID:             runID,
		InitialConfidence: score,
	})
	if err != nil {
		return err
	}
	if err := s.store.UpsertTrackingTx(ctx, tx, runID, rel.Hash, triangulationEvidenceTarget); err != nil {
		return err
	}

	var source, target string
	if item.Candidate != nil {
		source, target = item.Candidate.SourceName, item.Candidate.TargetName
	} else {
		source, target, err = s.store.EndpointNamesTx(ctx, tx, rel.SourcePOIID, rel.TargetPOIID)
		if err != nil {
			return err
		}
	}

	_, err = s.broker.Enqueue(ctx, domain.QueueTriangulatedAnalysis, domain.TriangulationJob{
		RunID:            runID,
		SessionID:        sessionID,
		RelationshipID:   rel.ID,
		RelationshipHash: rel.Hash,
		SourceName:       source,
		TargetName:       target,
		Type:             rel.Type,
		FilePath:         rel.FilePath,
		InitialScore:     score,
	}, domain.EnqueueOptions{IdempotencyKey: domain.EnqueueKey(runID, "triangulate", rel.Hash)})
	if err != nil && !errors.Is(err, domain.ErrConflict) {
		return err
	}
	return nil
}

// HandleReconciliation finalizes the relationships behind completed
// evidence trails, then nudges graph ingestion. Rejections here are claims
// whose full trail never lifted them over the threshold.
func (s *Service) HandleReconciliation(ctx domain.Context, job domain.ReconciliationJob) error {
	reconciled, rejected, err := s.store.ReconcileHashes(ctx, job.RunID, job.Hashes, s.cfg.ConfidenceEscalationThreshold)
	if err != nil {
		return fmt.Errorf("op=reconcile.finalize: %w", err)
	}
	observability.RecordFinalized("reconciled", reconciled)
	observability.RecordFinalized("rejected", rejected)

	_, err = s.broker.Enqueue(ctx, domain.QueueGraphIngestion,
		domain.GraphIngestionJob{RunID: job.RunID},
		domain.EnqueueOptions{IdempotencyKey: domain.EnqueueKey(job.RunID, append([]string{"ingest"}, job.Hashes...)...)})
	if err != nil && !errors.Is(err, domain.ErrConflict) {
		return fmt.Errorf("op=reconcile.finalize: %w", err)
	}

	s.log.Info("evidence trails finalized",
		"run_id", job.RunID,
		"hashes", len(job.Hashes),
		"reconciled", reconciled,
		"rejected", rejected)
	return nil
}
