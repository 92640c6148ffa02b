package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/ChrisRoyse/Cognitive-Triangulation-Pipeline-sub007/internal/domain"
)

func resolutionJob(filePath string) domain.RelationshipResolutionJob {
	return domain.RelationshipResolutionJob{
		RunID:    "run-1",
		FilePath: filePath,
		POIs: []domain.POIRef{
			{ID: 1, Name: "login", Type: "FunctionDefinition", SemanticID: "auth_func_login", FilePath: filePath, StartLine: 3, EndLine: 9, IsExported: true},
			{ID: 2, Name: "query", Type: "FunctionDefinition", SemanticID: "db_func_query", FilePath: filePath, StartLine: 12, EndLine: 20},
		},
	}
}

func TestHandleRelationshipResolution_StagesCreation(t *testing.T) {
	ctx := context.Background()
	env := newTestService(t, testAnalysisConfig())

	path := env.writeFile(t, "auth.js", "function login() { return query() }\n")
	env.classifier.reply = func(system, user string) (string, error) {
		if !strings.Contains(system, "relationships") {
			t.Errorf("unexpected system prompt: %q", system)
		}
		if !strings.Contains(user, "auth_func_login") || !strings.Contains(user, "function login()") {
			t.Errorf("prompt missing POI list or source: %q", user)
		}
		return `{"relationships":[{"from":"auth_func_login","to":"db_func_query","type":"CALLS","confidence":0.85,"reason":"login calls query","evidence":"return query()"}]}`, nil
	}

	if err := env.svc.HandleRelationshipResolution(ctx, resolutionJob(path)); err != nil {
		t.Fatalf("HandleRelationshipResolution: %v", err)
	}

	ev := env.outboxEvent(t, domain.EnqueueKey("run-1", "rel-pass", path))
	if ev.EventType != domain.EventRelationshipCreation {
		t.Fatalf("event type = %s", ev.EventType)
	}
	var creation domain.RelationshipCreation
	if err := json.Unmarshal(ev.Payload, &creation); err != nil {
		t.Fatalf("decode creation: %v", err)
	}
	if len(creation.Relationships) != 1 {
		t.Fatalf("relationships = %d, want 1", len(creation.Relationships))
	}
	rel := creation.Relationships[0]
	if rel.From != "auth_func_login" || rel.To != "db_func_query" || rel.Type != "CALLS" {
		t.Fatalf("unexpected relationship: %+v", rel)
	}
	if rel.Confidence != 0.85 || rel.FilePath != path {
		t.Fatalf("confidence/path not carried: %+v", rel)
	}
	if creation.Origin != domain.SourceInitialAnalysis {
		t.Fatalf("file-level pass origin = %q", creation.Origin)
	}
}

func TestHandleRelationshipResolution_MissingFileStillResolves(t *testing.T) {
	ctx := context.Background()
	env := newTestService(t, testAnalysisConfig())

	path := env.dir + "/vanished.js"
	env.classifier.reply = func(_, user string) (string, error) {
		if strings.Contains(user, "Source:") {
			t.Errorf("prompt includes source for a vanished file")
		}
		return `{"relationships":[]}`, nil
	}

	if err := env.svc.HandleRelationshipResolution(ctx, resolutionJob(path)); err != nil {
		t.Fatalf("HandleRelationshipResolution: %v", err)
	}
	if got := env.classifier.callCount(); got != 1 {
		t.Fatalf("classifier calls = %d, want 1", got)
	}
}

func TestHandleRelationshipResolution_EmptyResultStagesNothing(t *testing.T) {
	ctx := context.Background()
	env := newTestService(t, testAnalysisConfig())

	path := env.writeFile(t, "plain.js", "// nothing here\n")
	env.classifier.reply = func(_, _ string) (string, error) {
		return `{"relationships":[]}`, nil
	}

	if err := env.svc.HandleRelationshipResolution(ctx, resolutionJob(path)); err != nil {
		t.Fatalf("HandleRelationshipResolution: %v", err)
	}
	_, err := env.store.OutboxEventByEventID(ctx, domain.EnqueueKey("run-1", "rel-pass", path))
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected no staged event, got %v", err)
	}
}

func TestHandleRelationshipResolution_MalformedReplyErrors(t *testing.T) {
	ctx := context.Background()
	env := newTestService(t, testAnalysisConfig())

	path := env.writeFile(t, "auth.js", "function login() {}\n")
	env.classifier.reply = func(_, _ string) (string, error) {
		return `{"relationships": "oops"}`, nil
	}

	err := env.svc.HandleRelationshipResolution(ctx, resolutionJob(path))
	if !errors.Is(err, domain.ErrSchemaInvalid) {
		t.Fatalf("expected ErrSchemaInvalid, got %v", err)
	}
}
