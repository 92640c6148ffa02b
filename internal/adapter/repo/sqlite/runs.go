package sqlite

import (
	"fmt"

	"go.opentelemetry.io/otel"

	"github.com/ChrisRoyse/Cognitive-Triangulation-Pipeline-sub007/internal/domain"
)

// RunSettled reports whether a run has no staged work left: every discovered
// file analyzed, every outbox event published, every evidence trail complete,
// and every triangulation session settled. It is a point-in-time read; the
// caller pairs it with a completion marker so the run-completed event fires
// once.
func (s *Store) RunSettled(ctx domain.Context, runID string) (bool, error) {
	tracer := otel.Tracer("repo.runs")
	ctx, span := tracer.Start(ctx, "runs.Settled")
	defer span.End()

	var open int64
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM files WHERE run_id = ? AND status = ?) +
			(SELECT COUNT(*) FROM outbox WHERE run_id = ? AND status = ?) +
			(SELECT COUNT(*) FROM relationship_evidence_tracking WHERE run_id = ? AND status = ?) +
			(SELECT COUNT(*) FROM triangulated_analysis_sessions WHERE run_id = ? AND status IN (?, ?))`,
		runID, domain.FileDiscovered,
		runID, domain.OutboxPending,
		runID, domain.EvidencePending,
		runID, domain.SessionPending, domain.SessionInProgress).Scan(&open)
	if err != nil {
		return false, fmt.Errorf("op=runs.settled: %w", err)
	}
	return open == 0, nil
}
