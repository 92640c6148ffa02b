package sqlite

import (
	"database/sql"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"

	"github.com/ChrisRoyse/Cognitive-Triangulation-Pipeline-sub007/internal/domain"
)

// UpsertTrackingTx ensures an evidence-tracking row exists for a
// relationship hash with at least the given expected count.
func (s *Store) UpsertTrackingTx(ctx domain.Context, tx *sql.Tx, runID, hash string, expectedCount int) error {
	_, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO relationship_evidence_tracking (run_id, relationship_hash, expected_count, status)
		 VALUES (?, ?, ?, ?)`,
		runID, hash, expectedCount, domain.EvidencePending)
	if err != nil {
		return fmt.Errorf("op=evidence.upsert_tracking: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE relationship_evidence_tracking SET expected_count = MAX(expected_count, ?)
		 WHERE run_id = ? AND relationship_hash = ? AND status = ?`,
		expectedCount, runID, hash, domain.EvidencePending)
	if err != nil {
		return fmt.Errorf("op=evidence.upsert_tracking: %w", err)
	}
	return nil
}

// AddEvidenceTx records one evidence item. A duplicate source for the same
// relationship is ignored and does not advance the tracking counts.
func (s *Store) AddEvidenceTx(ctx domain.Context, tx *sql.Tx, ev domain.Evidence) (bool, error) {
	res, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO relationship_evidence (run_id, relationship_hash, source, confidence, payload)
		 VALUES (?, ?, ?, ?, ?)`,
		ev.RunID, ev.RelationshipHash, ev.Source, ev.Confidence, string(ev.Payload))
	if err != nil {
		return false, fmt.Errorf("op=evidence.add: %w", err)
	}
	added, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("op=evidence.add: %w", err)
	}
	if added == 0 {
		return false, nil
	}
	// The count never passes expected_count; late extra sources only add
	// detail rows.
	_, err = tx.ExecContext(ctx,
		`UPDATE relationship_evidence_tracking
		 SET evidence_count = evidence_count + 1, total_confidence = total_confidence + ?
		 WHERE run_id = ? AND relationship_hash = ? AND status = ? AND evidence_count < expected_count`,
		ev.Confidence, ev.RunID, ev.RelationshipHash, domain.EvidencePending)
	if err != nil {
		return false, fmt.Errorf("op=evidence.add: %w", err)
	}
	return true, nil
}

// CompleteTrackingTx transitions a tracking row to COMPLETED once its
// evidence count has reached the expected count, computing the average
// confidence. It reports whether this call performed the transition.
func (s *Store) CompleteTrackingTx(ctx domain.Context, tx *sql.Tx, runID, hash string) (bool, error) {
	res, err := tx.ExecContext(ctx,
		`UPDATE relationship_evidence_tracking
		 SET status = ?, avg_confidence = total_confidence / evidence_count
		 WHERE run_id = ? AND relationship_hash = ? AND status = ? AND evidence_count >= expected_count AND evidence_count > 0`,
		domain.EvidenceCompleted, runID, hash, domain.EvidencePending)
	if err != nil {
		return false, fmt.Errorf("op=evidence.complete_tracking: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("op=evidence.complete_tracking: %w", err)
	}
	return n == 1, nil
}

// TrackingByHash loads one tracking row.
func (s *Store) TrackingByHash(ctx domain.Context, runID, hash string) (domain.EvidenceTracking, error) {
	tracer := otel.Tracer("repo.evidence")
	ctx, span := tracer.Start(ctx, "evidence.TrackingByHash")
	defer span.End()

	var t domain.EvidenceTracking
	err := s.db.QueryRowContext(ctx,
		`SELECT run_id, relationship_hash, evidence_count, expected_count, total_confidence, avg_confidence, status
		 FROM relationship_evidence_tracking WHERE run_id = ? AND relationship_hash = ?`,
		runID, hash).
		Scan(&t.RunID, &t.RelationshipHash, &t.EvidenceCount, &t.ExpectedCount,
			&t.TotalConfidence, &t.AvgConfidence, &t.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.EvidenceTracking{}, fmt.Errorf("op=evidence.tracking_by_hash: %w", domain.ErrNotFound)
	}
	if err != nil {
		return domain.EvidenceTracking{}, fmt.Errorf("op=evidence.tracking_by_hash: %w", err)
	}
	return t, nil
}

// EvidenceForHash lists a relationship's recorded evidence items.
func (s *Store) EvidenceForHash(ctx domain.Context, runID, hash string) ([]domain.Evidence, error) {
	tracer := otel.Tracer("repo.evidence")
	ctx, span := tracer.Start(ctx, "evidence.ForHash")
	defer span.End()

	return evidenceForHash(ctx, s.db, runID, hash)
}

// EvidenceForHashTx is EvidenceForHash inside an open transaction.
func (s *Store) EvidenceForHashTx(ctx domain.Context, tx *sql.Tx, runID, hash string) ([]domain.Evidence, error) {
	return evidenceForHash(ctx, tx, runID, hash)
}

func evidenceForHash(ctx domain.Context, q queryer, runID, hash string) ([]domain.Evidence, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT id, run_id, relationship_hash, source, confidence, payload
		 FROM relationship_evidence WHERE run_id = ? AND relationship_hash = ? ORDER BY id`,
		runID, hash)
	if err != nil {
		return nil, fmt.Errorf("op=evidence.for_hash: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []domain.Evidence
	for rows.Next() {
		var ev domain.Evidence
		var payload string
		if err := rows.Scan(&ev.ID, &ev.RunID, &ev.RelationshipHash, &ev.Source, &ev.Confidence, &payload); err != nil {
			return nil, fmt.Errorf("op=evidence.for_hash: %w", err)
		}
		ev.Payload = []byte(payload)
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=evidence.for_hash: %w", err)
	}
	return out, nil
}
