package sqlite

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/ChrisRoyse/Cognitive-Triangulation-Pipeline-sub007/internal/domain"
)

// InsertOutboxEventTx appends an outbox row inside the caller's transaction
// so the event commits or rolls back with the mutation it describes.
// Duplicate event ids are ignored (at-least-once writers).
func (s *Store) InsertOutboxEventTx(ctx domain.Context, tx *sql.Tx, ev domain.OutboxEvent) error {
	_, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO outbox (run_id, event_id, event_type, payload, status, next_attempt_at)
		 VALUES (?, ?, ?, ?, ?, 0)`,
		ev.RunID, ev.EventID, ev.EventType, string(ev.Payload), domain.OutboxPending)
	if err != nil {
		return fmt.Errorf("op=outbox.insert: %w", err)
	}
	return nil
}

// ReservePendingOutbox returns up to limit PENDING rows whose next attempt
// is due, in ascending id order. The single-poller design means reservation
// is a plain read.
func (s *Store) ReservePendingOutbox(ctx domain.Context, now time.Time, limit int) ([]domain.OutboxEvent, error) {
	tracer := otel.Tracer("repo.outbox")
	ctx, span := tracer.Start(ctx, "outbox.ReservePending")
	defer span.End()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, event_id, event_type, payload, status, resolution_attempts, next_attempt_at, last_error, created_at
		 FROM outbox
		 WHERE status = ? AND next_attempt_at <= ?
		 ORDER BY id ASC
		 LIMIT ?`,
		domain.OutboxPending, now.UnixMilli(), limit)
	if err != nil {
		return nil, fmt.Errorf("op=outbox.reserve_pending: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []domain.OutboxEvent
	for rows.Next() {
		var ev domain.OutboxEvent
		var payload string
		var nextAttemptMs int64
		err := rows.Scan(&ev.ID, &ev.RunID, &ev.EventID, &ev.EventType, &payload, &ev.Status,
			&ev.ResolutionAttempts, &nextAttemptMs, &ev.LastError, &ev.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("op=outbox.reserve_pending: %w", err)
		}
		ev.Payload = []byte(payload)
		ev.NextAttemptAt = time.UnixMilli(nextAttemptMs)
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=outbox.reserve_pending: %w", err)
	}
	return out, nil
}

// MarkOutboxPublishedTx terminally marks rows PUBLISHED inside the caller's
// transaction.
func (s *Store) MarkOutboxPublishedTx(ctx domain.Context, tx *sql.Tx, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, 0, len(ids)+1)
	args = append(args, domain.OutboxPublished)
	for _, id := range ids {
		args = append(args, id)
	}
	q := fmt.Sprintf(`UPDATE outbox SET status = ? WHERE id IN (%s) AND status = 'PENDING'`, placeholders)
	if _, err := tx.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("op=outbox.mark_published: %w", err)
	}
	return nil
}

// HoldOutboxEvent keeps a row PENDING with an incremented resolution
// attempt and a future next-attempt time.
func (s *Store) HoldOutboxEvent(ctx domain.Context, id int64, lastError string, nextAttempt time.Time) error {
	tracer := otel.Tracer("repo.outbox")
	ctx, span := tracer.Start(ctx, "outbox.Hold")
	defer span.End()

	_, err := s.db.ExecContext(ctx,
		`UPDATE outbox SET resolution_attempts = resolution_attempts + 1, last_error = ?, next_attempt_at = ?
		 WHERE id = ? AND status = 'PENDING'`,
		lastError, nextAttempt.UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("op=outbox.hold: %w", err)
	}
	return nil
}

// FailOutboxEvent terminally fails a row with a diagnostic reason.
func (s *Store) FailOutboxEvent(ctx domain.Context, id int64, diagnostic string) error {
	tracer := otel.Tracer("repo.outbox")
	ctx, span := tracer.Start(ctx, "outbox.Fail")
	defer span.End()

	_, err := s.db.ExecContext(ctx,
		`UPDATE outbox SET status = ?, last_error = ? WHERE id = ? AND status = 'PENDING'`,
		domain.OutboxFailed, diagnostic, id)
	if err != nil {
		return fmt.Errorf("op=outbox.fail: %w", err)
	}
	return nil
}

// PendingOutboxCount reports how many rows still await publishing.
func (s *Store) PendingOutboxCount(ctx domain.Context) (int64, error) {
	tracer := otel.Tracer("repo.outbox")
	ctx, span := tracer.Start(ctx, "outbox.PendingCount")
	defer span.End()

	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM outbox WHERE status = ?`, domain.OutboxPending).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("op=outbox.pending_count: %w", err)
	}
	return n, nil
}

// OutboxEventByEventID loads one row by its event id.
func (s *Store) OutboxEventByEventID(ctx domain.Context, eventID string) (domain.OutboxEvent, error) {
	tracer := otel.Tracer("repo.outbox")
	ctx, span := tracer.Start(ctx, "outbox.ByEventID")
	defer span.End()

	var ev domain.OutboxEvent
	var payload string
	var nextAttemptMs int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, run_id, event_id, event_type, payload, status, resolution_attempts, next_attempt_at, last_error, created_at
		 FROM outbox WHERE event_id = ?`, eventID).
		Scan(&ev.ID, &ev.RunID, &ev.EventID, &ev.EventType, &payload, &ev.Status,
			&ev.ResolutionAttempts, &nextAttemptMs, &ev.LastError, &ev.CreatedAt)
	if err == sql.ErrNoRows {
		return domain.OutboxEvent{}, fmt.Errorf("op=outbox.by_event_id: %w", domain.ErrNotFound)
	}
	if err != nil {
		return domain.OutboxEvent{}, fmt.Errorf("op=outbox.by_event_id: %w", err)
	}
	ev.Payload = []byte(payload)
	ev.NextAttemptAt = time.UnixMilli(nextAttemptMs)
	return ev, nil
}
