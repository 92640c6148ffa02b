// Package triangulation re-analyzes low-confidence relationships through
// three specialized agent roles and settles each one by weighted consensus:
// ACCEPT, REJECT, or ESCALATE to a human.
package triangulation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ChrisRoyse/Cognitive-Triangulation-Pipeline-sub007/internal/adapter/observability"
	"github.com/ChrisRoyse/Cognitive-Triangulation-Pipeline-sub007/internal/adapter/repo/sqlite"
	"github.com/ChrisRoyse/Cognitive-Triangulation-Pipeline-sub007/internal/config"
	"github.com/ChrisRoyse/Cognitive-Triangulation-Pipeline-sub007/internal/domain"
)

const modeSequential = "sequential"

// Service hosts the triangulation queue handler. Each session commits in a
// single transaction: agent verdicts, the consensus decision, the session
// row, the relationship update, and the agents' evidence all land together.
type Service struct {
	store      *sqlite.Store
	broker     domain.Broker
	classifier domain.Classifier
	events     domain.EventPublisher
	cfg        config.Config
	weights    config.AgentWeights
	log        *slog.Logger
}

// NewService wires the triangulation handler. events may be nil when the
// lifecycle stream is disabled.
func NewService(
	store *sqlite.Store,
	broker domain.Broker,
	classifier domain.Classifier,
	events domain.EventPublisher,
	cfg config.Config,
	weights config.Weights,
	log *slog.Logger,
) *Service {
	return &Service{
		store:      store,
		broker:     broker,
		classifier: classifier,
		events:     events,
		cfg:        cfg,
		weights:    weights.Agents,
		log:        log.With("component", "triangulation"),
	}
}

// HandleTriangulation runs one session end to end. The PENDING→IN_PROGRESS
// claim makes ordinary redeliveries no-ops; a session found already
// IN_PROGRESS is re-run, since the broker only redelivers after the
// previous worker went stale. Completed and failed sessions are terminal.
func (s *Service) HandleTriangulation(ctx domain.Context, job domain.TriangulationJob) error {
	if err := s.ensureSession(ctx, job); err != nil {
		return err
	}

	claimed, err := s.store.ClaimSession(ctx, job.SessionID)
	if err != nil {
		return fmt.Errorf("op=triangulation.session: %w", err)
	}
	if !claimed {
		sess, err := s.store.SessionByID(ctx, job.SessionID)
		if err != nil {
			return fmt.Errorf("op=triangulation.session: %w", err)
		}
		if sess.Status != domain.SessionInProgress {
			s.log.Debug("session already settled",
				"session_id", job.SessionID, "status", string(sess.Status))
			return nil
		}
		s.log.Warn("re-running stalled session", "session_id", job.SessionID)
	}

	sctx, cancel := context.WithTimeout(ctx, s.cfg.SessionTimeout)
	defer cancel()

	started := time.Now()
	defer func() { observability.ObserveTriangulationSession(time.Since(started)) }()

	analyses, err := s.runAgents(sctx, job, fileExcerpt(job.FilePath))
	if err != nil {
		if ctx.Err() != nil {
			// Shutdown, not an agent failure: leave the session
			// IN_PROGRESS so the stalled-requeue path re-runs it.
			return fmt.Errorf("op=triangulation.session: %w", ctx.Err())
		}
		return s.failSession(ctx, job, err)
	}

	out := s.decide(analyses)
	return s.complete(ctx, job, analyses, out)
}

// ensureSession registers the session row in PENDING if the escalation
// path's insert was lost. INSERT OR IGNORE keeps the common case free.
func (s *Service) ensureSession(ctx domain.Context, job domain.TriangulationJob) error {
	err := s.store.Transaction(ctx, func(tx *sql.Tx) error {
		return s.store.CreateSessionTx(ctx, tx, domain.TriangulationSession{
			SessionID:         job.SessionID,
			RelationshipID:    job.RelationshipID,
			RelationshipHash:  job.RelationshipHash,
			RunID:             job.RunID,
			InitialConfidence: job.InitialScore,
		})
	})
	if err != nil {
		return fmt.Errorf("op=triangulation.session: %w", err)
	}
	return nil
}

// failSession marks the session FAILED and consumes the job. The
// relationship keeps its pre-triangulation state.
func (s *Service) failSession(ctx domain.Context, job domain.TriangulationJob, cause error) error {
	if err := s.store.FailSession(ctx, job.SessionID); err != nil {
		return fmt.Errorf("op=triangulation.session: %w", err)
	}
	observability.RecordTriangulationDecision("failed")
	s.log.Warn("triangulation session failed",
		"session_id", job.SessionID,
		"relationship_hash", job.RelationshipHash,
		"error", cause)
	return nil
}

// complete commits the session outcome atomically. The reconciliation
// enqueue runs inside the transaction so a completed tracking row can never
// exist without its follow-up job; the idempotency key absorbs the enqueue
// surviving a rolled-back commit.
func (s *Service) complete(ctx domain.Context, job domain.TriangulationJob, analyses []domain.AgentAnalysis, out outcome) error {
	final := out.Consensus
	if out.Decision == domain.DecisionEscalate {
		final = job.InitialScore
	}

	err := s.store.Transaction(ctx, func(tx *sql.Tx) error {
		for _, a := range analyses {
			if err := s.store.InsertAgentAnalysisTx(ctx, tx, a); err != nil {
				return err
			}
			payload, err := json.Marshal(a)
			if err != nil {
				return err
			}
			_, err = s.store.AddEvidenceTx(ctx, tx, domain.Evidence{
				RunID:            job.RunID,
				RelationshipHash: job.RelationshipHash,
				Source:           domain.AgentSource(a.AgentType),
				Confidence:       a.ConfidenceScore,
				Payload:          payload,
			})
			if err != nil {
				return err
			}
		}

		err := s.store.InsertConsensusDecisionTx(ctx, tx, domain.ConsensusDecision{
			SessionID:           job.SessionID,
			WeightedConsensus:   out.Consensus,
			AgreementLevel:      out.Agreement,
			FinalDecision:       out.Decision,
			RequiresHumanReview: out.Decision == domain.DecisionEscalate,
		})
		if err != nil {
			return err
		}

		err = s.store.CompleteSessionTx(ctx, tx, job.SessionID,
			final, out.Consensus, out.Decision == domain.DecisionEscalate)
		if err != nil {
			return err
		}

		switch out.Decision {
		case domain.DecisionAccept:
			err = s.store.AcceptRelationshipTx(ctx, tx, job.RelationshipID, out.Consensus)
		case domain.DecisionReject:
			err = s.store.RejectRelationshipTx(ctx, tx, job.RelationshipID,
				fmt.Sprintf("triangulation consensus %.3f below reject threshold", out.Consensus))
		case domain.DecisionEscalate:
			err = s.store.EscalateRelationshipTx(ctx, tx, job.RelationshipID)
		}
		if err != nil {
			return err
		}

		done, err := s.store.CompleteTrackingTx(ctx, tx, job.RunID, job.RelationshipHash)
		if err != nil {
			return err
		}
		if done {
			_, err = s.broker.Enqueue(ctx, domain.QueueReconciliation,
				domain.ReconciliationJob{RunID: job.RunID, Hashes: []string{job.RelationshipHash}},
				domain.EnqueueOptions{IdempotencyKey: domain.EnqueueKey(job.RunID, "reconcile", job.RelationshipHash)})
			if err != nil && !errors.Is(err, domain.ErrConflict) {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("op=triangulation.complete: %w", err)
	}

	observability.RecordTriangulationDecision(strings.ToLower(string(out.Decision)))
	if out.Decision == domain.DecisionEscalate && s.events != nil {
		_ = s.events.Publish(ctx, domain.PipelineEvent{
			Kind: domain.EventKindEscalation, RunID: job.RunID, At: time.Now(),
			Detail: map[string]string{
				"sessionId":        job.SessionID,
				"relationshipHash": job.RelationshipHash,
				"consensus":        fmt.Sprintf("%.3f", out.Consensus),
				"agreement":        fmt.Sprintf("%.3f", out.Agreement),
			},
		})
	}
	s.log.Info("session settled",
		"session_id", job.SessionID,
		"decision", string(out.Decision),
		"consensus", out.Consensus,
		"agreement", out.Agreement)
	return nil
}

// fileExcerpt loads a bounded slice of the relationship's file for the
// agent prompts. Missing or non-text files yield no excerpt; agents then
// judge from the relationship fields alone.
func fileExcerpt(path string) string {
	if path == "" {
		return ""
	}
	data, err := os.ReadFile(path)
	if err != nil || !utf8.Valid(data) {
		return ""
	}
	const maxExcerpt = 6000
	if len(data) > maxExcerpt {
		return string(data[:maxExcerpt]) + "\n[... truncated ...]"
	}
	return string(data)
}
