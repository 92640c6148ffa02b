package analysis

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/ChrisRoyse/Cognitive-Triangulation-Pipeline-sub007/internal/adapter/ai"
	"github.com/ChrisRoyse/Cognitive-Triangulation-Pipeline-sub007/internal/domain"
)

// HandleRelationshipResolution runs the within-file relationship pass over
// a file's persisted POIs. The source text is best effort: a file that
// vanished since analysis still resolves from the POI list alone.
func (s *Service) HandleRelationshipResolution(ctx context.Context, job domain.RelationshipResolutionJob) error {
	content := ""
	if raw, err := os.ReadFile(job.FilePath); err == nil && !isBinary(raw) {
		content = truncateMiddle(string(raw), s.cfg.MaxInputChars)
	}

	out, err := s.classifier.ChatJSON(ctx, relationshipSystemPrompt,
		buildRelationshipPrompt(job.FilePath, content, job.POIs), analysisMaxTokens)
	if err != nil {
		return fmt.Errorf("op=analysis.relationships: %w", err)
	}
	var found ai.RelationshipFindings
	if err := ai.DecodeValidated(out, ai.RelationshipSchema, &found); err != nil {
		return fmt.Errorf("op=analysis.relationships: %w", err)
	}
	if len(found.Relationships) == 0 {
		s.log.Debug("no relationships found",
			slog.String("run_id", job.RunID),
			slog.String("file_path", job.FilePath))
		return nil
	}

	rels := make([]domain.CandidateRelationship, 0, len(found.Relationships))
	for _, r := range found.Relationships {
		rels = append(rels, domain.CandidateRelationship{
			From:       r.From,
			To:         r.To,
			Type:       r.Type,
			FilePath:   job.FilePath,
			Confidence: r.Confidence,
			Reason:     r.Reason,
			Evidence:   r.Evidence,
		})
	}
	eventID := domain.EnqueueKey(job.RunID, "rel-pass", job.FilePath)
	return s.stageRelationships(ctx, job.RunID, job.FilePath, eventID, domain.SourceInitialAnalysis, rels)
}
