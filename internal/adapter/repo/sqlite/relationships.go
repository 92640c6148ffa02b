package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"

	"github.com/ChrisRoyse/Cognitive-Triangulation-Pipeline-sub007/internal/domain"
)

// EnsureRelationshipTx inserts a relationship if its (run, source, target,
// type) key is new, merges confidence upward otherwise, and returns the row
// id. The unique key makes redelivered validation work idempotent.
func (s *Store) EnsureRelationshipTx(ctx domain.Context, tx *sql.Tx, r domain.Relationship) (int64, error) {
	_, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO relationships
		 (source_poi_id, target_poi_id, type, file_path, status, confidence, reason, run_id, evidence, hash, escalated_to_human)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.SourcePOIID, r.TargetPOIID, r.Type, r.FilePath, domain.RelationshipPending,
		r.Confidence, r.Reason, r.RunID, r.Evidence, r.Hash, boolToInt(r.EscalatedToHuman))
	if err != nil {
		return 0, fmt.Errorf("op=relationships.ensure: %w", err)
	}
	var id int64
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM relationships WHERE run_id = ? AND source_poi_id = ? AND target_poi_id = ? AND type = ?`,
		r.RunID, r.SourcePOIID, r.TargetPOIID, r.Type).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("op=relationships.ensure: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE relationships SET confidence = MAX(confidence, ?) WHERE id = ?`, r.Confidence, id)
	if err != nil {
		return 0, fmt.Errorf("op=relationships.ensure: %w", err)
	}
	return id, nil
}

// ValidateRelationshipTx moves a pending relationship to VALIDATED with the
// scored confidence merged upward. Re-validation after new evidence only
// merges the confidence; terminal rows are left alone.
func (s *Store) ValidateRelationshipTx(ctx domain.Context, tx *sql.Tx, id int64, confidence float64) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE relationships SET status = ?, confidence = MAX(confidence, ?) WHERE id = ? AND status IN (?, ?)`,
		domain.RelationshipValidated, confidence, id, domain.RelationshipPending, domain.RelationshipValidated)
	if err != nil {
		return fmt.Errorf("op=relationships.validate: %w", err)
	}
	return nil
}

// AcceptRelationshipTx applies a consensus ACCEPT: confidence is merged
// upward (never decreased) and the row becomes VALIDATED.
func (s *Store) AcceptRelationshipTx(ctx domain.Context, tx *sql.Tx, id int64, confidence float64) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE relationships SET status = ?, confidence = MAX(confidence, ?), escalated_to_human = 0
		 WHERE id = ? AND status IN (?, ?)`,
		domain.RelationshipValidated, confidence, id, domain.RelationshipPending, domain.RelationshipValidated)
	if err != nil {
		return fmt.Errorf("op=relationships.accept: %w", err)
	}
	return nil
}

// RejectRelationshipTx applies a consensus REJECT.
func (s *Store) RejectRelationshipTx(ctx domain.Context, tx *sql.Tx, id int64, reason string) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE relationships SET status = ?, reason = ? WHERE id = ? AND status IN (?, ?)`,
		domain.RelationshipRejected, reason, id, domain.RelationshipPending, domain.RelationshipValidated)
	if err != nil {
		return fmt.Errorf("op=relationships.reject: %w", err)
	}
	return nil
}

// EscalateRelationshipTx flags a relationship for human review. The row
// stays PENDING so a later resolution can still settle it.
func (s *Store) EscalateRelationshipTx(ctx domain.Context, tx *sql.Tx, id int64) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE relationships SET escalated_to_human = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("op=relationships.escalate: %w", err)
	}
	return nil
}

const relationshipSelect = `SELECT id, source_poi_id, target_poi_id, type, file_path, status,
	confidence, reason, run_id, evidence, hash, escalated_to_human FROM relationships`

func scanRelationship(row *sql.Row) (domain.Relationship, error) {
	var r domain.Relationship
	var escalated int
	err := row.Scan(&r.ID, &r.SourcePOIID, &r.TargetPOIID, &r.Type, &r.FilePath, &r.Status,
		&r.Confidence, &r.Reason, &r.RunID, &r.Evidence, &r.Hash, &escalated)
	if err != nil {
		return domain.Relationship{}, err
	}
	r.EscalatedToHuman = escalated != 0
	return r, nil
}

// RelationshipByID loads one relationship.
func (s *Store) RelationshipByID(ctx domain.Context, id int64) (domain.Relationship, error) {
	tracer := otel.Tracer("repo.relationships")
	ctx, span := tracer.Start(ctx, "relationships.ByID")
	defer span.End()

	return relationshipByID(ctx, s.db, id)
}

// RelationshipByIDTx is RelationshipByID inside an open transaction.
func (s *Store) RelationshipByIDTx(ctx domain.Context, tx *sql.Tx, id int64) (domain.Relationship, error) {
	return relationshipByID(ctx, tx, id)
}

func relationshipByID(ctx domain.Context, q queryer, id int64) (domain.Relationship, error) {
	r, err := scanRelationship(q.QueryRowContext(ctx, relationshipSelect+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Relationship{}, fmt.Errorf("op=relationships.by_id: %w", domain.ErrNotFound)
	}
	if err != nil {
		return domain.Relationship{}, fmt.Errorf("op=relationships.by_id: %w", err)
	}
	return r, nil
}

// RelationshipByHash loads the relationship carrying a symbolic hash within
// a run.
func (s *Store) RelationshipByHash(ctx domain.Context, runID, hash string) (domain.Relationship, error) {
	tracer := otel.Tracer("repo.relationships")
	ctx, span := tracer.Start(ctx, "relationships.ByHash")
	defer span.End()

	return relationshipByHash(ctx, s.db, runID, hash)
}

// RelationshipByHashTx is RelationshipByHash inside an open transaction.
func (s *Store) RelationshipByHashTx(ctx domain.Context, tx *sql.Tx, runID, hash string) (domain.Relationship, error) {
	return relationshipByHash(ctx, tx, runID, hash)
}

func relationshipByHash(ctx domain.Context, q queryer, runID, hash string) (domain.Relationship, error) {
	r, err := scanRelationship(q.QueryRowContext(ctx,
		relationshipSelect+` WHERE run_id = ? AND hash = ? ORDER BY id LIMIT 1`, runID, hash))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Relationship{}, fmt.Errorf("op=relationships.by_hash: %w", domain.ErrNotFound)
	}
	if err != nil {
		return domain.Relationship{}, fmt.Errorf("op=relationships.by_hash: %w", err)
	}
	return r, nil
}

// EndpointNamesTx resolves the POI names behind a relationship's endpoints,
// for building agent prompts when the job payload does not carry them.
func (s *Store) EndpointNamesTx(ctx domain.Context, tx *sql.Tx, sourceID, targetID int64) (string, string, error) {
	var source, target string
	err := tx.QueryRowContext(ctx, `SELECT name FROM pois WHERE id = ?`, sourceID).Scan(&source)
	if err != nil {
		return "", "", fmt.Errorf("op=relationships.endpoint_names: %w", err)
	}
	err = tx.QueryRowContext(ctx, `SELECT name FROM pois WHERE id = ?`, targetID).Scan(&target)
	if err != nil {
		return "", "", fmt.Errorf("op=relationships.endpoint_names: %w", err)
	}
	return source, target, nil
}

// ReconcileHashes finalizes the relationships behind a batch of evidence
// hashes: VALIDATED rows at or above the threshold become RECONCILED, rows
// below it are REJECTED. Rows escalated to a human are left for manual
// review. Hashes still mid-validation elsewhere in the run are untouched,
// which is why reconciliation is per-hash rather than run-wide.
func (s *Store) ReconcileHashes(ctx domain.Context, runID string, hashes []string, threshold float64) (reconciled, rejected int64, err error) {
	tracer := otel.Tracer("repo.relationships")
	ctx, span := tracer.Start(ctx, "relationships.ReconcileHashes")
	defer span.End()

	if len(hashes) == 0 {
		return 0, 0, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(hashes)), ", ")
	hashArgs := make([]any, 0, len(hashes))
	for _, h := range hashes {
		hashArgs = append(hashArgs, h)
	}

	err = s.Transaction(ctx, func(tx *sql.Tx) error {
		reconciled, rejected = 0, 0

		args := append([]any{domain.RelationshipReconciled, runID}, hashArgs...)
		args = append(args, domain.RelationshipValidated, threshold)
		res, err := tx.ExecContext(ctx,
			`UPDATE relationships SET status = ?
			 WHERE run_id = ? AND hash IN (`+placeholders+`) AND status = ? AND confidence >= ?`,
			args...)
		if err != nil {
			return fmt.Errorf("op=relationships.reconcile: %w", err)
		}
		reconciled, _ = res.RowsAffected()

		args = append([]any{domain.RelationshipRejected, runID}, hashArgs...)
		args = append(args, domain.RelationshipPending, domain.RelationshipValidated, threshold)
		res, err = tx.ExecContext(ctx,
			`UPDATE relationships SET status = ?, reason = 'confidence below reconciliation threshold'
			 WHERE run_id = ? AND hash IN (`+placeholders+`) AND status IN (?, ?) AND confidence < ? AND escalated_to_human = 0`,
			args...)
		if err != nil {
			return fmt.Errorf("op=relationships.reconcile: %w", err)
		}
		rejected, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	return reconciled, rejected, nil
}

// ReconciledEdges lists a run's finalized edges with endpoint hashes for
// graph ingestion.
func (s *Store) ReconciledEdges(ctx domain.Context, runID string) ([]domain.GraphEdge, error) {
	tracer := otel.Tracer("repo.relationships")
	ctx, span := tracer.Start(ctx, "relationships.ReconciledEdges")
	defer span.End()

	rows, err := s.db.QueryContext(ctx,
		`SELECT r.source_poi_id, r.target_poi_id, sp.hash, tp.hash, r.type, r.confidence, r.file_path
		 FROM relationships r
		 JOIN pois sp ON sp.id = r.source_poi_id
		 JOIN pois tp ON tp.id = r.target_poi_id
		 WHERE r.run_id = ? AND r.status = ?
		 ORDER BY r.id`,
		runID, domain.RelationshipReconciled)
	if err != nil {
		return nil, fmt.Errorf("op=relationships.reconciled_edges: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []domain.GraphEdge
	for rows.Next() {
		var e domain.GraphEdge
		err := rows.Scan(&e.SourcePOIID, &e.TargetPOIID, &e.SourceHash, &e.TargetHash,
			&e.Type, &e.Confidence, &e.FilePath)
		if err != nil {
			return nil, fmt.Errorf("op=relationships.reconciled_edges: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=relationships.reconciled_edges: %w", err)
	}
	return out, nil
}

// RelationshipStatusCounts reports per-status relationship counts for a run.
func (s *Store) RelationshipStatusCounts(ctx domain.Context, runID string) (map[domain.RelationshipStatus]int64, error) {
	tracer := otel.Tracer("repo.relationships")
	ctx, span := tracer.Start(ctx, "relationships.StatusCounts")
	defer span.End()

	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM relationships WHERE run_id = ? GROUP BY status`, runID)
	if err != nil {
		return nil, fmt.Errorf("op=relationships.status_counts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[domain.RelationshipStatus]int64)
	for rows.Next() {
		var status domain.RelationshipStatus
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("op=relationships.status_counts: %w", err)
		}
		counts[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=relationships.status_counts: %w", err)
	}
	return counts, nil
}

// EscalatedCount reports how many of a run's relationships await human
// review.
func (s *Store) EscalatedCount(ctx domain.Context, runID string) (int64, error) {
	tracer := otel.Tracer("repo.relationships")
	ctx, span := tracer.Start(ctx, "relationships.EscalatedCount")
	defer span.End()

	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM relationships WHERE run_id = ? AND escalated_to_human = 1`, runID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("op=relationships.escalated_count: %w", err)
	}
	return n, nil
}
