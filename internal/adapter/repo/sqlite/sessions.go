package sqlite

import (
	"database/sql"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"

	"github.com/ChrisRoyse/Cognitive-Triangulation-Pipeline-sub007/internal/domain"
)

// CreateSessionTx registers a triangulation session in PENDING state.
// Re-running the escalation path for the same session ID is a no-op.
func (s *Store) CreateSessionTx(ctx domain.Context, tx *sql.Tx, sess domain.TriangulationSession) error {
	_, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO triangulated_analysis_sessions
		 (session_id, relationship_id, relationship_hash, run_id, status, initial_confidence)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		sess.SessionID, sess.RelationshipID, sess.RelationshipHash, sess.RunID,
		domain.SessionPending, sess.InitialConfidence)
	if err != nil {
		return fmt.Errorf("op=sessions.create: %w", err)
	}
	return nil
}

// ClaimSession moves a session from PENDING to IN_PROGRESS. It reports
// false when another worker already claimed it, so redelivered jobs do
// not re-run a session.
func (s *Store) ClaimSession(ctx domain.Context, sessionID string) (bool, error) {
	tracer := otel.Tracer("repo.sessions")
	ctx, span := tracer.Start(ctx, "sessions.Claim")
	defer span.End()

	res, err := s.db.ExecContext(ctx,
		`UPDATE triangulated_analysis_sessions SET status = ?
		 WHERE session_id = ? AND status = ?`,
		domain.SessionInProgress, sessionID, domain.SessionPending)
	if err != nil {
		return false, fmt.Errorf("op=sessions.claim: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("op=sessions.claim: %w", err)
	}
	return n == 1, nil
}

// CompleteSessionTx finalizes an IN_PROGRESS session with its consensus
// outcome.
func (s *Store) CompleteSessionTx(ctx domain.Context, tx *sql.Tx, sessionID string, finalConfidence, consensusScore float64, escalated bool) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE triangulated_analysis_sessions
		 SET status = ?, final_confidence = ?, consensus_score = ?, escalated_to_human = ?, completed_at = CURRENT_TIMESTAMP
		 WHERE session_id = ? AND status = ?`,
		domain.SessionCompleted, finalConfidence, consensusScore, boolToInt(escalated),
		sessionID, domain.SessionInProgress)
	if err != nil {
		return fmt.Errorf("op=sessions.complete: %w", err)
	}
	return nil
}

// FailSession marks an IN_PROGRESS session FAILED. The relationship it
// was examining keeps its previous status.
func (s *Store) FailSession(ctx domain.Context, sessionID string) error {
	tracer := otel.Tracer("repo.sessions")
	ctx, span := tracer.Start(ctx, "sessions.Fail")
	defer span.End()

	_, err := s.db.ExecContext(ctx,
		`UPDATE triangulated_analysis_sessions SET status = ?, completed_at = CURRENT_TIMESTAMP
		 WHERE session_id = ? AND status = ?`,
		domain.SessionFailed, sessionID, domain.SessionInProgress)
	if err != nil {
		return fmt.Errorf("op=sessions.fail: %w", err)
	}
	return nil
}

// InsertAgentAnalysisTx stores one agent's verdict, replacing any earlier
// attempt by the same agent within the session.
func (s *Store) InsertAgentAnalysisTx(ctx domain.Context, tx *sql.Tx, a domain.AgentAnalysis) error {
	_, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO agent_analyses (session_id, agent_type, confidence_score, evidence_strength, reasoning)
		 VALUES (?, ?, ?, ?, ?)`,
		a.SessionID, a.AgentType, a.ConfidenceScore, a.EvidenceStrength, a.Reasoning)
	if err != nil {
		return fmt.Errorf("op=sessions.insert_agent_analysis: %w", err)
	}
	return nil
}

// InsertConsensusDecisionTx stores the session's consensus outcome.
func (s *Store) InsertConsensusDecisionTx(ctx domain.Context, tx *sql.Tx, d domain.ConsensusDecision) error {
	_, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO consensus_decisions (session_id, weighted_consensus, agreement_level, final_decision, requires_human_review)
		 VALUES (?, ?, ?, ?, ?)`,
		d.SessionID, d.WeightedConsensus, d.AgreementLevel, d.FinalDecision, boolToInt(d.RequiresHumanReview))
	if err != nil {
		return fmt.Errorf("op=sessions.insert_consensus: %w", err)
	}
	return nil
}

// SessionByID loads one session.
func (s *Store) SessionByID(ctx domain.Context, sessionID string) (domain.TriangulationSession, error) {
	tracer := otel.Tracer("repo.sessions")
	ctx, span := tracer.Start(ctx, "sessions.ByID")
	defer span.End()

	var sess domain.TriangulationSession
	var escalated int
	var completedAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT session_id, relationship_id, relationship_hash, run_id, status,
		        initial_confidence, final_confidence, consensus_score, escalated_to_human, created_at, completed_at
		 FROM triangulated_analysis_sessions WHERE session_id = ?`,
		sessionID).
		Scan(&sess.SessionID, &sess.RelationshipID, &sess.RelationshipHash, &sess.RunID, &sess.Status,
			&sess.InitialConfidence, &sess.FinalConfidence, &sess.ConsensusScore, &escalated,
			&sess.CreatedAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.TriangulationSession{}, fmt.Errorf("op=sessions.by_id: %w", domain.ErrNotFound)
	}
	if err != nil {
		return domain.TriangulationSession{}, fmt.Errorf("op=sessions.by_id: %w", err)
	}
	sess.EscalatedToHuman = escalated == 1
	if completedAt.Valid {
		t := completedAt.Time
		sess.CompletedAt = &t
	}
	return sess, nil
}

// AgentAnalysesBySession lists the stored agent verdicts for a session.
func (s *Store) AgentAnalysesBySession(ctx domain.Context, sessionID string) ([]domain.AgentAnalysis, error) {
	tracer := otel.Tracer("repo.sessions")
	ctx, span := tracer.Start(ctx, "sessions.AgentAnalyses")
	defer span.End()

	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, agent_type, confidence_score, evidence_strength, reasoning
		 FROM agent_analyses WHERE session_id = ? ORDER BY agent_type`,
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("op=sessions.agent_analyses: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []domain.AgentAnalysis
	for rows.Next() {
		var a domain.AgentAnalysis
		if err := rows.Scan(&a.SessionID, &a.AgentType, &a.ConfidenceScore, &a.EvidenceStrength, &a.Reasoning); err != nil {
			return nil, fmt.Errorf("op=sessions.agent_analyses: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=sessions.agent_analyses: %w", err)
	}
	return out, nil
}
