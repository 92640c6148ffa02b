package sqlite

import (
	"database/sql"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"

	"github.com/ChrisRoyse/Cognitive-Triangulation-Pipeline-sub007/internal/domain"
)

// RecordFile registers a discovered file, returning its row id. Re-recording
// the same path within a run returns the existing row.
func (s *Store) RecordFile(ctx domain.Context, f domain.File) (int64, error) {
	tracer := otel.Tracer("repo.files")
	ctx, span := tracer.Start(ctx, "files.Record")
	defer span.End()

	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO files (file_path, hash, status, run_id) VALUES (?, ?, ?, ?)`,
		f.FilePath, f.Hash, domain.FileDiscovered, f.RunID)
	if err != nil {
		return 0, fmt.Errorf("op=files.record: %w", err)
	}
	var id int64
	err = s.db.QueryRowContext(ctx,
		`SELECT id FROM files WHERE run_id = ? AND file_path = ?`, f.RunID, f.FilePath).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("op=files.record: %w", err)
	}
	return id, nil
}

// UpdateFileStatus transitions a file out of discovered. Status is
// monotonic: terminal rows are left untouched.
func (s *Store) UpdateFileStatus(ctx domain.Context, runID, filePath string, status domain.FileStatus) error {
	tracer := otel.Tracer("repo.files")
	ctx, span := tracer.Start(ctx, "files.UpdateStatus")
	defer span.End()

	_, err := s.db.ExecContext(ctx,
		`UPDATE files SET status = ? WHERE run_id = ? AND file_path = ? AND status = ?`,
		status, runID, filePath, domain.FileDiscovered)
	if err != nil {
		return fmt.Errorf("op=files.update_status: %w", err)
	}
	return nil
}

// UpdateFileStatusTx is UpdateFileStatus inside the caller's transaction,
// so a finding event and its file's status land atomically.
func (s *Store) UpdateFileStatusTx(ctx domain.Context, tx *sql.Tx, runID, filePath string, status domain.FileStatus) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE files SET status = ? WHERE run_id = ? AND file_path = ? AND status = ?`,
		status, runID, filePath, domain.FileDiscovered)
	if err != nil {
		return fmt.Errorf("op=files.update_status: %w", err)
	}
	return nil
}

// ProcessedFilePaths lists a run's processed file paths. Directory
// resolution filters these when its pending set was lost.
func (s *Store) ProcessedFilePaths(ctx domain.Context, runID string) ([]string, error) {
	tracer := otel.Tracer("repo.files")
	ctx, span := tracer.Start(ctx, "files.ProcessedPaths")
	defer span.End()

	rows, err := s.db.QueryContext(ctx,
		`SELECT file_path FROM files WHERE run_id = ? AND status = ? ORDER BY file_path`,
		runID, domain.FileProcessed)
	if err != nil {
		return nil, fmt.Errorf("op=files.processed_paths: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("op=files.processed_paths: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=files.processed_paths: %w", err)
	}
	return out, nil
}

// FileByPath loads one file row.
func (s *Store) FileByPath(ctx domain.Context, runID, filePath string) (domain.File, error) {
	tracer := otel.Tracer("repo.files")
	ctx, span := tracer.Start(ctx, "files.ByPath")
	defer span.End()

	var f domain.File
	err := s.db.QueryRowContext(ctx,
		`SELECT id, file_path, hash, status, run_id FROM files WHERE run_id = ? AND file_path = ?`,
		runID, filePath).Scan(&f.ID, &f.FilePath, &f.Hash, &f.Status, &f.RunID)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.File{}, fmt.Errorf("op=files.by_path: %w", domain.ErrNotFound)
	}
	if err != nil {
		return domain.File{}, fmt.Errorf("op=files.by_path: %w", err)
	}
	return f, nil
}

// FileStatusCounts reports per-status file counts for a run.
func (s *Store) FileStatusCounts(ctx domain.Context, runID string) (map[domain.FileStatus]int64, error) {
	tracer := otel.Tracer("repo.files")
	ctx, span := tracer.Start(ctx, "files.StatusCounts")
	defer span.End()

	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM files WHERE run_id = ? GROUP BY status`, runID)
	if err != nil {
		return nil, fmt.Errorf("op=files.status_counts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[domain.FileStatus]int64)
	for rows.Next() {
		var status domain.FileStatus
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("op=files.status_counts: %w", err)
		}
		counts[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=files.status_counts: %w", err)
	}
	return counts, nil
}
