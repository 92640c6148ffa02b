package sqlite

import (
	"database/sql"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"

	"github.com/ChrisRoyse/Cognitive-Triangulation-Pipeline-sub007/internal/domain"
)

var poiColumns = []string{
	"file_id", "file_path", "name", "type", "start_line", "end_line",
	"is_exported", "semantic_id", "hash", "run_id", "llm_output",
}

// InsertPOIsTx persists POIs inside an existing transaction, deduplicating
// by hash.
func (s *Store) InsertPOIsTx(ctx domain.Context, tx *sql.Tx, pois []domain.POI, batchSize int) error {
	rows := make([][]any, 0, len(pois))
	for _, p := range pois {
		rows = append(rows, []any{
			p.FileID, p.FilePath, p.Name, p.Type, p.StartLine, p.EndLine,
			boolToInt(p.IsExported), p.SemanticID, p.Hash, p.RunID, p.LLMOutput,
		})
	}
	return s.BatchInsert(ctx, tx, "pois", poiColumns, rows, batchSize)
}

// UpsertPOIs persists POIs in their own transaction.
func (s *Store) UpsertPOIs(ctx domain.Context, pois []domain.POI, batchSize int) error {
	tracer := otel.Tracer("repo.pois")
	ctx, span := tracer.Start(ctx, "pois.Upsert")
	defer span.End()

	return s.Transaction(ctx, func(tx *sql.Tx) error {
		return s.InsertPOIsTx(ctx, tx, pois, batchSize)
	})
}

// ResolvePOIIDsTx maps names and semantic ids to POI row ids within a run.
// Both keys of each POI land in the returned map. Lookups run inside the
// caller's transaction so resolution and publishing stay atomic.
func (s *Store) ResolvePOIIDsTx(ctx domain.Context, tx *sql.Tx, runID string, keys []string) (map[string]int64, error) {
	resolved := make(map[string]int64, len(keys))
	if len(keys) == 0 {
		return resolved, nil
	}

	const chunk = 400
	for start := 0; start < len(keys); start += chunk {
		end := start + chunk
		if end > len(keys) {
			end = len(keys)
		}
		batch := keys[start:end]

		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(batch)), ",")
		args := make([]any, 0, len(batch)*2+1)
		args = append(args, runID)
		for _, k := range batch {
			args = append(args, k)
		}
		for _, k := range batch {
			args = append(args, k)
		}

		q := fmt.Sprintf(
			`SELECT id, name, semantic_id FROM pois WHERE run_id = ? AND (name IN (%s) OR semantic_id IN (%s))`,
			placeholders, placeholders)
		rows, err := tx.QueryContext(ctx, q, args...)
		if err != nil {
			return nil, fmt.Errorf("op=pois.resolve_ids: %w", err)
		}
		for rows.Next() {
			var id int64
			var name, semanticID string
			if err := rows.Scan(&id, &name, &semanticID); err != nil {
				_ = rows.Close()
				return nil, fmt.Errorf("op=pois.resolve_ids: %w", err)
			}
			// First writer wins; POIs are append-only so ids are stable.
			if _, ok := resolved[name]; !ok {
				resolved[name] = id
			}
			if semanticID != "" {
				if _, ok := resolved[semanticID]; !ok {
					resolved[semanticID] = id
				}
			}
		}
		if err := rows.Err(); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("op=pois.resolve_ids: %w", err)
		}
		_ = rows.Close()
	}
	return resolved, nil
}

func (s *Store) scanPOIs(rows *sql.Rows) ([]domain.POI, error) {
	var out []domain.POI
	for rows.Next() {
		var p domain.POI
		var exported int
		err := rows.Scan(&p.ID, &p.FileID, &p.FilePath, &p.Name, &p.Type,
			&p.StartLine, &p.EndLine, &exported, &p.SemanticID, &p.Hash, &p.RunID, &p.LLMOutput)
		if err != nil {
			return nil, err
		}
		p.IsExported = exported != 0
		out = append(out, p)
	}
	return out, rows.Err()
}

const poiSelect = `SELECT id, file_id, file_path, name, type, start_line, end_line,
	is_exported, semantic_id, hash, run_id, llm_output FROM pois`

// POIsByFile lists a file's POIs within a run, ordered by start line.
func (s *Store) POIsByFile(ctx domain.Context, runID, filePath string) ([]domain.POI, error) {
	tracer := otel.Tracer("repo.pois")
	ctx, span := tracer.Start(ctx, "pois.ByFile")
	defer span.End()

	rows, err := s.db.QueryContext(ctx,
		poiSelect+` WHERE run_id = ? AND file_path = ? ORDER BY start_line`, runID, filePath)
	if err != nil {
		return nil, fmt.Errorf("op=pois.by_file: %w", err)
	}
	defer func() { _ = rows.Close() }()
	out, err := s.scanPOIs(rows)
	if err != nil {
		return nil, fmt.Errorf("op=pois.by_file: %w", err)
	}
	return out, nil
}

// POIsByFileTx is POIsByFile inside the caller's transaction, so freshly
// inserted rows are visible before commit.
func (s *Store) POIsByFileTx(ctx domain.Context, tx *sql.Tx, runID, filePath string) ([]domain.POI, error) {
	rows, err := tx.QueryContext(ctx,
		poiSelect+` WHERE run_id = ? AND file_path = ? ORDER BY start_line`, runID, filePath)
	if err != nil {
		return nil, fmt.Errorf("op=pois.by_file: %w", err)
	}
	defer func() { _ = rows.Close() }()
	out, err := s.scanPOIs(rows)
	if err != nil {
		return nil, fmt.Errorf("op=pois.by_file: %w", err)
	}
	return out, nil
}

// POIsByFiles lists POIs across several files of a run.
func (s *Store) POIsByFiles(ctx domain.Context, runID string, filePaths []string) ([]domain.POI, error) {
	tracer := otel.Tracer("repo.pois")
	ctx, span := tracer.Start(ctx, "pois.ByFiles")
	defer span.End()

	if len(filePaths) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(filePaths)), ",")
	args := make([]any, 0, len(filePaths)+1)
	args = append(args, runID)
	for _, p := range filePaths {
		args = append(args, p)
	}
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(poiSelect+` WHERE run_id = ? AND file_path IN (%s) ORDER BY file_path, start_line`, placeholders),
		args...)
	if err != nil {
		return nil, fmt.Errorf("op=pois.by_files: %w", err)
	}
	defer func() { _ = rows.Close() }()
	out, err := s.scanPOIs(rows)
	if err != nil {
		return nil, fmt.Errorf("op=pois.by_files: %w", err)
	}
	return out, nil
}

// ExportedPOIs lists a run's exported POIs for cross-directory resolution.
func (s *Store) ExportedPOIs(ctx domain.Context, runID string) ([]domain.POI, error) {
	tracer := otel.Tracer("repo.pois")
	ctx, span := tracer.Start(ctx, "pois.Exported")
	defer span.End()

	rows, err := s.db.QueryContext(ctx,
		poiSelect+` WHERE run_id = ? AND is_exported = 1 ORDER BY file_path, start_line`, runID)
	if err != nil {
		return nil, fmt.Errorf("op=pois.exported: %w", err)
	}
	defer func() { _ = rows.Close() }()
	out, err := s.scanPOIs(rows)
	if err != nil {
		return nil, fmt.Errorf("op=pois.exported: %w", err)
	}
	return out, nil
}

// POIsByRun lists every POI of a run for graph ingestion.
func (s *Store) POIsByRun(ctx domain.Context, runID string) ([]domain.POI, error) {
	tracer := otel.Tracer("repo.pois")
	ctx, span := tracer.Start(ctx, "pois.ByRun")
	defer span.End()

	rows, err := s.db.QueryContext(ctx, poiSelect+` WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("op=pois.by_run: %w", err)
	}
	defer func() { _ = rows.Close() }()
	out, err := s.scanPOIs(rows)
	if err != nil {
		return nil, fmt.Errorf("op=pois.by_run: %w", err)
	}
	return out, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
