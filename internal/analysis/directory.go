package analysis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/ChrisRoyse/Cognitive-Triangulation-Pipeline-sub007/internal/domain"
)

const (
	// debounceSlack keeps the armed marker alive slightly past the delayed
	// resolution job so a slow dequeue cannot re-arm early.
	debounceSlack = 2 * time.Second

	// globalResolutionDelay spaces run-wide passes out behind the
	// per-directory ones.
	globalResolutionDelay = 30 * time.Second

	// pendingSetTTL bounds leftover aggregation state for abandoned runs.
	pendingSetTTL = 24 * time.Hour
)

func dirPendingKey(runID, dir string) string {
	return "diragg:" + runID + ":" + dir + ":pending"
}

func dirArmedKey(runID, dir string) string {
	return "diragg:" + runID + ":" + dir + ":armed"
}

func globalArmedKey(runID string) string {
	return "globalres:" + runID + ":armed"
}

// HandleDirectoryAggregation records one processed file against its
// directory and arms a delayed resolution pass. The armed marker debounces:
// however many files land in the window, one resolution job fires.
func (s *Service) HandleDirectoryAggregation(ctx context.Context, job domain.DirectoryAggregationJob) error {
	pendingKey := dirPendingKey(job.RunID, job.DirectoryPath)
	pipe := s.rdb.TxPipeline()
	pipe.SAdd(ctx, pendingKey, job.FilePath)
	pipe.Expire(ctx, pendingKey, pendingSetTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("op=analysis.dir_aggregation: %w: %v", domain.ErrInternal, err)
	}

	armedKey := dirArmedKey(job.RunID, job.DirectoryPath)
	armed, err := s.rdb.SetNX(ctx, armedKey, 1, s.cfg.DirectoryDebounce+debounceSlack).Result()
	if err != nil {
		return fmt.Errorf("op=analysis.dir_aggregation: %w: %v", domain.ErrInternal, err)
	}
	if !armed {
		return nil
	}

	_, err = s.broker.Enqueue(ctx, domain.QueueDirectoryResolution, domain.DirectoryResolutionJob{
		RunID:         job.RunID,
		DirectoryPath: job.DirectoryPath,
	}, domain.EnqueueOptions{Delay: s.cfg.DirectoryDebounce})
	if err != nil && !errors.Is(err, domain.ErrConflict) {
		// Disarm so the next file arriving for this directory can try again.
		s.rdb.Del(ctx, armedKey)
		return fmt.Errorf("op=analysis.dir_aggregation: %w", err)
	}
	s.log.Debug("directory resolution armed",
		slog.String("run_id", job.RunID),
		slog.String("directory", job.DirectoryPath))
	return nil
}

// HandleDirectoryResolution runs the deterministic import/export pass over
// every processed file in one directory. The pass always covers the whole
// directory; the pending set only exists to debounce, so losing it costs
// nothing but an extra full pass.
func (s *Service) HandleDirectoryResolution(ctx context.Context, job domain.DirectoryResolutionJob) error {
	// Disarm first: files landing from here on trigger a fresh cycle.
	if err := s.rdb.Del(ctx, dirArmedKey(job.RunID, job.DirectoryPath)).Err(); err != nil {
		return fmt.Errorf("op=analysis.dir_resolution: %w: %v", domain.ErrInternal, err)
	}
	if err := s.rdb.Del(ctx, dirPendingKey(job.RunID, job.DirectoryPath)).Err(); err != nil {
		return fmt.Errorf("op=analysis.dir_resolution: %w: %v", domain.ErrInternal, err)
	}

	files, err := s.dirFiles(ctx, job.RunID, job.DirectoryPath)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return s.armGlobal(ctx, job.RunID)
	}

	pois, err := s.store.POIsByFiles(ctx, job.RunID, files)
	if err != nil {
		return fmt.Errorf("op=analysis.dir_resolution: %w", err)
	}
	cands := matchImportsToExports(pois, pois, false)
	s.log.Info("directory resolution pass",
		slog.String("run_id", job.RunID),
		slog.String("directory", job.DirectoryPath),
		slog.Int("files", len(files)),
		slog.Int("pois", len(pois)),
		slog.Int("candidates", len(cands)))

	if len(cands) > 0 {
		// The event id covers the candidate set, so repeating the same pass
		// stages nothing new while a grown set stages a fresh event.
		eventID := domain.EnqueueKey(job.RunID, "dir-res", job.DirectoryPath, contentHash(cands))
		if err := s.stageRelationships(ctx, job.RunID, job.DirectoryPath, eventID, domain.SourceCrossFile, cands); err != nil {
			return err
		}
	}
	return s.armGlobal(ctx, job.RunID)
}

// HandleGlobalResolution matches import statements across directory
// boundaries against the run's exported POIs.
func (s *Service) HandleGlobalResolution(ctx context.Context, job domain.GlobalResolutionJob) error {
	if err := s.rdb.Del(ctx, globalArmedKey(job.RunID)).Err(); err != nil {
		return fmt.Errorf("op=analysis.global_resolution: %w: %v", domain.ErrInternal, err)
	}

	exported, err := s.store.ExportedPOIs(ctx, job.RunID)
	if err != nil {
		return fmt.Errorf("op=analysis.global_resolution: %w", err)
	}
	all, err := s.store.POIsByRun(ctx, job.RunID)
	if err != nil {
		return fmt.Errorf("op=analysis.global_resolution: %w", err)
	}
	cands := matchImportsToExports(all, exported, true)
	s.log.Info("global resolution pass",
		slog.String("run_id", job.RunID),
		slog.Int("exported", len(exported)),
		slog.Int("candidates", len(cands)))
	if len(cands) == 0 {
		return nil
	}
	eventID := domain.EnqueueKey(job.RunID, "global-res", contentHash(cands))
	return s.stageRelationships(ctx, job.RunID, "", eventID, domain.SourceCrossFile, cands)
}

// dirFiles lists the run's processed files directly inside dir.
func (s *Service) dirFiles(ctx context.Context, runID, dir string) ([]string, error) {
	all, err := s.store.ProcessedFilePaths(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("op=analysis.dir_resolution: %w", err)
	}
	files := all[:0:0]
	for _, p := range all {
		if path.Dir(p) == dir {
			files = append(files, p)
		}
	}
	return files, nil
}

// armGlobal schedules one run-wide pass unless one is already pending.
func (s *Service) armGlobal(ctx context.Context, runID string) error {
	armed, err := s.rdb.SetNX(ctx, globalArmedKey(runID), 1, globalResolutionDelay+debounceSlack).Result()
	if err != nil {
		return fmt.Errorf("op=analysis.global_resolution: %w: %v", domain.ErrInternal, err)
	}
	if !armed {
		return nil
	}
	_, err = s.broker.Enqueue(ctx, domain.QueueGlobalResolution, domain.GlobalResolutionJob{RunID: runID},
		domain.EnqueueOptions{Delay: globalResolutionDelay})
	if err != nil && !errors.Is(err, domain.ErrConflict) {
		s.rdb.Del(ctx, globalArmedKey(runID))
		return fmt.Errorf("op=analysis.global_resolution: %w", err)
	}
	return nil
}

// poiKey names a POI the way relationship endpoints reference it. Semantic
// ids disambiguate same-named POIs across files.
func poiKey(p domain.POI) string {
	if p.SemanticID != "" {
		return p.SemanticID
	}
	return p.Name
}

// matchImportsToExports pairs import-statement POIs with same-named
// exported definitions. With crossDirOnly the pass skips intra-directory
// pairs, which the per-directory cycle already covered.
func matchImportsToExports(imports, exports []domain.POI, crossDirOnly bool) []domain.CandidateRelationship {
	byName := make(map[string]domain.POI, len(exports))
	for _, p := range exports {
		if !p.IsExported || p.Type == domain.POIImportStatement {
			continue
		}
		if _, seen := byName[p.Name]; !seen {
			byName[p.Name] = p
		}
	}

	var out []domain.CandidateRelationship
	for _, imp := range imports {
		if imp.Type != domain.POIImportStatement {
			continue
		}
		exp, ok := byName[imp.Name]
		if !ok || exp.FilePath == imp.FilePath {
			continue
		}
		if crossDirOnly && path.Dir(exp.FilePath) == path.Dir(imp.FilePath) {
			continue
		}
		if poiKey(imp) == poiKey(exp) {
			continue
		}
		out = append(out, domain.CandidateRelationship{
			From:       poiKey(imp),
			To:         poiKey(exp),
			Type:       "IMPORTS",
			FilePath:   imp.FilePath,
			Confidence: 0.9,
			Reason:     fmt.Sprintf("%s imports %s defined in %s", imp.FilePath, imp.Name, exp.FilePath),
		})
	}
	return out
}

// contentHash folds a candidate set into one stable token for event ids.
func contentHash(cands []domain.CandidateRelationship) string {
	keys := make([]string, 0, len(cands))
	for _, c := range cands {
		keys = append(keys, c.From+"|"+c.To+"|"+c.Type)
	}
	sort.Strings(keys)
	return domain.EnqueueKey("candidates", strings.Join(keys, "\n"))
}
