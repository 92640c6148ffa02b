package triangulation

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChrisRoyse/Cognitive-Triangulation-Pipeline-sub007/internal/adapter/queue/redisq"
	"github.com/ChrisRoyse/Cognitive-Triangulation-Pipeline-sub007/internal/adapter/repo/sqlite"
	"github.com/ChrisRoyse/Cognitive-Triangulation-Pipeline-sub007/internal/config"
	"github.com/ChrisRoyse/Cognitive-Triangulation-Pipeline-sub007/internal/domain"
)

type classifierCall struct {
	system    string
	user      string
	maxTokens int
}

type fakeClassifier struct {
	mu    sync.Mutex
	calls []classifierCall
	reply func(system, user string) (string, error)
}

func (f *fakeClassifier) ChatJSON(_ domain.Context, system, user string, maxTokens int) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, classifierCall{system: system, user: user, maxTokens: maxTokens})
	fn := f.reply
	f.mu.Unlock()
	if fn == nil {
		return verdict(0.5, 0.5, "no opinion"), nil
	}
	return fn(system, user)
}

func (f *fakeClassifier) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// callBySystem returns the first recorded call whose system prompt contains
// the marker. Parallel dispatch makes call order nondeterministic.
func (f *fakeClassifier) callBySystem(t *testing.T, marker string) classifierCall {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if strings.Contains(c.system, marker) {
			return c
		}
	}
	t.Fatalf("no classifier call with system prompt containing %q", marker)
	return classifierCall{}
}

// hangingClassifier blocks until the caller's context dies, standing in for
// an upstream that never answers.
type hangingClassifier struct{}

func (hangingClassifier) ChatJSON(ctx domain.Context, _, _ string, _ int) (string, error) {
	<-ctx.Done()
	return "", fmt.Errorf("op=ai.chat: %w: %v", domain.ErrUpstreamTimeout, ctx.Err())
}

type fakeEvents struct {
	mu     sync.Mutex
	events []domain.PipelineEvent
}

func (f *fakeEvents) Publish(_ domain.Context, ev domain.PipelineEvent) error {
	f.mu.Lock()
	f.events = append(f.events, ev)
	f.mu.Unlock()
	return nil
}

func (f *fakeEvents) Close() {}

func (f *fakeEvents) kinds() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.events))
	for _, ev := range f.events {
		out = append(out, ev.Kind)
	}
	return out
}

func testTriangulationConfig() config.Config {
	return config.Config{
		ConsensusAccept:   0.65,
		ConsensusReject:   0.35,
		AgreementMin:      0.67,
		TriangulationMode: "parallel",
		MaxParallelAgents: 3,
		AgentTimeout:      5 * time.Second,
		SessionTimeout:    10 * time.Second,
	}
}

type testEnv struct {
	svc        *Service
	classifier *fakeClassifier
	events     *fakeEvents
	store      *sqlite.Store
	broker     domain.Broker
}

func newTestService(t *testing.T, cfg config.Config) *testEnv {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	broker := redisq.New(rdb)

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := sqlite.Open(context.Background(), sqlite.Options{Path: ":memory:"}, log)
	require.NoError(t, err)

	classifier := &fakeClassifier{}
	events := &fakeEvents{}
	svc := NewService(store, broker, classifier, events, cfg, config.DefaultWeights(), log)

	t.Cleanup(func() {
		_ = store.Close()
		_ = rdb.Close()
		mr.Close()
	})
	return &testEnv{svc: svc, classifier: classifier, events: events, store: store, broker: broker}
}

// seedRelationship stores a pending CALLS relationship between two POIs and
// returns a triangulation job wired to it.
func seedRelationship(t *testing.T, store *sqlite.Store, confidence float64) domain.TriangulationJob {
	t.Helper()
	ctx := context.Background()

	fileID, err := store.RecordFile(ctx, domain.File{FilePath: "src/auth.js", RunID: "run-1"})
	require.NoError(t, err)

	pois := []domain.POI{
		{
			FileID: fileID, FilePath: "src/auth.js", Name: "login",
			Type: domain.POIFunctionDefinition, StartLine: 10, EndLine: 42,
			IsExported: true, SemanticID: "auth_func_login",
			Hash:  domain.POIHash("login", domain.POIFunctionDefinition, "src/auth.js", 10),
			RunID: "run-1",
		},
		{
			FileID: fileID, FilePath: "src/auth.js", Name: "Session",
			Type: domain.POIClassDefinition, StartLine: 50, EndLine: 80,
			SemanticID: "auth_class_session",
			Hash:       domain.POIHash("Session", domain.POIClassDefinition, "src/auth.js", 50),
			RunID:      "run-1",
		},
	}
	require.NoError(t, store.UpsertPOIs(ctx, pois, 50))
	got, err := store.POIsByFile(ctx, "run-1", "src/auth.js")
	require.NoError(t, err)
	require.Len(t, got, 2)

	hash := domain.RelationshipHash("login", "Session", "CALLS")
	var relID int64
	require.NoError(t, store.Transaction(ctx, func(tx *sql.Tx) error {
		var err error
		relID, err = store.EnsureRelationshipTx(ctx, tx, domain.Relationship{
			SourcePOIID: got[0].ID, TargetPOIID: got[1].ID, Type: "CALLS",
			FilePath: "src/auth.js", Confidence: confidence,
			Reason: "call site in login body", RunID: "run-1", Hash: hash,
		})
		return err
	}))

	return domain.TriangulationJob{
		RunID:            "run-1",
		SessionID:        "sess-1",
		RelationshipID:   relID,
		RelationshipHash: hash,
		SourceName:       "login",
		TargetName:       "Session",
		Type:             "CALLS",
		FilePath:         "src/auth.js",
		InitialScore:     confidence,
	}
}

// seedTracking mirrors the validation worker's escalation bookkeeping: the
// initial evidence item is in, and three agent items are still expected.
func seedTracking(t *testing.T, store *sqlite.Store, job domain.TriangulationJob) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.Transaction(ctx, func(tx *sql.Tx) error {
		if err := store.UpsertTrackingTx(ctx, tx, job.RunID, job.RelationshipHash, 4); err != nil {
			return err
		}
		_, err := store.AddEvidenceTx(ctx, tx, domain.Evidence{
			RunID:            job.RunID,
			RelationshipHash: job.RelationshipHash,
			Source:           domain.SourceInitialAnalysis,
			Confidence:       job.InitialScore,
		})
		return err
	}))
}

func verdict(conf, strength float64, reasoning string) string {
	return fmt.Sprintf(`{"confidence":%g,"evidenceStrength":%g,"reasoning":%q}`, conf, strength, reasoning)
}

// verdictsByRole scripts one reply per agent role, matched on the system
// prompt.
func verdictsByRole(m map[domain.AgentType]string) func(system, user string) (string, error) {
	return func(system, user string) (string, error) {
		switch {
		case strings.Contains(system, "syntactic code analyst"):
			return m[domain.AgentSyntactic], nil
		case strings.Contains(system, "semantic code analyst"):
			return m[domain.AgentSemantic], nil
		case strings.Contains(system, "contextual code analyst"):
			return m[domain.AgentContextual], nil
		}
		return "", fmt.Errorf("unmatched system prompt: %s", system)
	}
}

func TestHandleTriangulation_ConsensusAccepts(t *testing.T) {
	ctx := context.Background()
	env := newTestService(t, testTriangulationConfig())
	job := seedRelationship(t, env.store, 0.40)
	seedTracking(t, env.store, job)

	env.classifier.reply = verdictsByRole(map[domain.AgentType]string{
		domain.AgentSyntactic:  verdict(0.85, 0.90, "direct call site on line 14"),
		domain.AgentSemantic:   verdict(0.90, 0.95, "login clearly constructs a session"),
		domain.AgentContextual: verdict(0.80, 0.85, "both live in the auth module"),
	})

	require.NoError(t, env.svc.HandleTriangulation(ctx, job))
	assert.Equal(t, 3, env.classifier.callCount())

	sess, err := env.store.SessionByID(ctx, job.SessionID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionCompleted, sess.Status)
	assert.InDelta(t, 0.77975, sess.ConsensusScore, 1e-9)
	assert.InDelta(t, 0.77975, sess.FinalConfidence, 1e-9)
	assert.False(t, sess.EscalatedToHuman)
	require.NotNil(t, sess.CompletedAt)

	rel, err := env.store.RelationshipByID(ctx, job.RelationshipID)
	require.NoError(t, err)
	assert.Equal(t, domain.RelationshipValidated, rel.Status)
	assert.InDelta(t, 0.77975, rel.Confidence, 1e-9)
	assert.False(t, rel.EscalatedToHuman)

	analyses, err := env.store.AgentAnalysesBySession(ctx, job.SessionID)
	require.NoError(t, err)
	require.Len(t, analyses, 3)
	for _, a := range analyses {
		assert.Equal(t, job.SessionID, a.SessionID)
		assert.NotEmpty(t, a.Reasoning)
		assert.Greater(t, a.EvidenceStrength, 0.0)
	}

	// Three agent evidence items on top of the initial one complete the
	// tracking row and hand the hash to reconciliation.
	tracking, err := env.store.TrackingByHash(ctx, job.RunID, job.RelationshipHash)
	require.NoError(t, err)
	assert.Equal(t, domain.EvidenceCompleted, tracking.Status)
	assert.Equal(t, 4, tracking.EvidenceCount)
	assert.InDelta(t, (0.40+0.85+0.90+0.80)/4, tracking.AvgConfidence, 1e-9)

	items, err := env.store.EvidenceForHash(ctx, job.RunID, job.RelationshipHash)
	require.NoError(t, err)
	require.Len(t, items, 4)
	sources := make(map[string]bool, len(items))
	for _, it := range items {
		sources[it.Source] = true
	}
	assert.True(t, sources[domain.SourceInitialAnalysis])
	assert.True(t, sources[domain.AgentSource(domain.AgentSyntactic)])
	assert.True(t, sources[domain.AgentSource(domain.AgentSemantic)])
	assert.True(t, sources[domain.AgentSource(domain.AgentContextual)])

	counts, err := env.broker.Counts(ctx, domain.QueueReconciliation)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.Waiting)

	assert.Empty(t, env.events.kinds())
}

func TestHandleTriangulation_ConsensusRejects(t *testing.T) {
	ctx := context.Background()
	env := newTestService(t, testTriangulationConfig())
	job := seedRelationship(t, env.store, 0.30)

	env.classifier.reply = verdictsByRole(map[domain.AgentType]string{
		domain.AgentSyntactic:  verdict(0.20, 0.90, "no call site anywhere in the file"),
		domain.AgentSemantic:   verdict(0.25, 0.85, "login never touches session state"),
		domain.AgentContextual: verdict(0.20, 0.90, "entities are unrelated in this module"),
	})

	require.NoError(t, env.svc.HandleTriangulation(ctx, job))

	sess, err := env.store.SessionByID(ctx, job.SessionID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionCompleted, sess.Status)
	assert.InDelta(t, 0.193, sess.ConsensusScore, 1e-9)
	assert.False(t, sess.EscalatedToHuman)

	rel, err := env.store.RelationshipByID(ctx, job.RelationshipID)
	require.NoError(t, err)
	assert.Equal(t, domain.RelationshipRejected, rel.Status)
	assert.Contains(t, rel.Reason, "below reject threshold")
}

// Agents that agree the relationship is middling real land between the
// reject and accept thresholds, which is exactly what a human should see.
func TestHandleTriangulation_BorderlineConsensusEscalates(t *testing.T) {
	ctx := context.Background()
	env := newTestService(t, testTriangulationConfig())
	job := seedRelationship(t, env.store, 0.35)

	env.classifier.reply = verdictsByRole(map[domain.AgentType]string{
		domain.AgentSyntactic:  verdict(0.72, 0.8, "indirect reference through a helper"),
		domain.AgentSemantic:   verdict(0.78, 0.9, "behavior suggests a real dependency"),
		domain.AgentContextual: verdict(0.69, 0.7, "plausible given the module layout"),
	})

	require.NoError(t, env.svc.HandleTriangulation(ctx, job))

	sess, err := env.store.SessionByID(ctx, job.SessionID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionCompleted, sess.Status)
	assert.InDelta(t, 0.60315, sess.ConsensusScore, 1e-9)
	assert.True(t, sess.EscalatedToHuman)
	// The relationship keeps its pre-session confidence on escalation.
	assert.InDelta(t, job.InitialScore, sess.FinalConfidence, 1e-9)

	rel, err := env.store.RelationshipByID(ctx, job.RelationshipID)
	require.NoError(t, err)
	assert.Equal(t, domain.RelationshipPending, rel.Status)
	assert.True(t, rel.EscalatedToHuman)
	assert.InDelta(t, 0.35, rel.Confidence, 1e-9)

	require.Equal(t, []string{domain.EventKindEscalation}, env.events.kinds())
	ev := env.events.events[0]
	assert.Equal(t, job.SessionID, ev.Detail["sessionId"])
	assert.Equal(t, job.RelationshipHash, ev.Detail["relationshipHash"])
}

func TestHandleTriangulation_DisagreementEscalates(t *testing.T) {
	ctx := context.Background()
	env := newTestService(t, testTriangulationConfig())
	job := seedRelationship(t, env.store, 0.35)

	env.classifier.reply = verdictsByRole(map[domain.AgentType]string{
		domain.AgentSyntactic:  verdict(0.30, 0.8, "structure does not show it"),
		domain.AgentSemantic:   verdict(0.85, 0.8, "the data flow strongly implies it"),
		domain.AgentContextual: verdict(0.40, 0.8, "layout makes it unlikely"),
	})

	require.NoError(t, env.svc.HandleTriangulation(ctx, job))

	sess, err := env.store.SessionByID(ctx, job.SessionID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionCompleted, sess.Status)
	assert.True(t, sess.EscalatedToHuman)

	rel, err := env.store.RelationshipByID(ctx, job.RelationshipID)
	require.NoError(t, err)
	assert.Equal(t, domain.RelationshipPending, rel.Status)
	assert.True(t, rel.EscalatedToHuman)
}

func TestHandleTriangulation_RedeliveryIsNoOp(t *testing.T) {
	ctx := context.Background()
	env := newTestService(t, testTriangulationConfig())
	job := seedRelationship(t, env.store, 0.40)

	env.classifier.reply = verdictsByRole(map[domain.AgentType]string{
		domain.AgentSyntactic:  verdict(0.85, 0.90, "direct call site"),
		domain.AgentSemantic:   verdict(0.90, 0.95, "clear dependency"),
		domain.AgentContextual: verdict(0.80, 0.85, "same module"),
	})

	require.NoError(t, env.svc.HandleTriangulation(ctx, job))
	require.Equal(t, 3, env.classifier.callCount())

	// A redelivered job finds the session COMPLETED and does nothing.
	require.NoError(t, env.svc.HandleTriangulation(ctx, job))
	assert.Equal(t, 3, env.classifier.callCount())

	analyses, err := env.store.AgentAnalysesBySession(ctx, job.SessionID)
	require.NoError(t, err)
	assert.Len(t, analyses, 3)
}

func TestHandleTriangulation_StalledSessionReruns(t *testing.T) {
	ctx := context.Background()
	env := newTestService(t, testTriangulationConfig())
	job := seedRelationship(t, env.store, 0.40)

	// Simulate a worker that claimed the session and died.
	require.NoError(t, env.svc.ensureSession(ctx, job))
	claimed, err := env.store.ClaimSession(ctx, job.SessionID)
	require.NoError(t, err)
	require.True(t, claimed)

	env.classifier.reply = verdictsByRole(map[domain.AgentType]string{
		domain.AgentSyntactic:  verdict(0.85, 0.90, "direct call site"),
		domain.AgentSemantic:   verdict(0.90, 0.95, "clear dependency"),
		domain.AgentContextual: verdict(0.80, 0.85, "same module"),
	})

	require.NoError(t, env.svc.HandleTriangulation(ctx, job))
	assert.Equal(t, 3, env.classifier.callCount())

	sess, err := env.store.SessionByID(ctx, job.SessionID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionCompleted, sess.Status)
}

func TestHandleTriangulation_AgentFailureFailsSession(t *testing.T) {
	ctx := context.Background()
	env := newTestService(t, testTriangulationConfig())
	job := seedRelationship(t, env.store, 0.35)

	env.classifier.reply = func(system, user string) (string, error) {
		if strings.Contains(system, "semantic code analyst") {
			return "", fmt.Errorf("op=ai.chat: %w", domain.ErrUpstreamRateLimit)
		}
		return verdict(0.8, 0.8, "fine"), nil
	}

	require.NoError(t, env.svc.HandleTriangulation(ctx, job))

	sess, err := env.store.SessionByID(ctx, job.SessionID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionFailed, sess.Status)

	// The relationship keeps its pre-triangulation state.
	rel, err := env.store.RelationshipByID(ctx, job.RelationshipID)
	require.NoError(t, err)
	assert.Equal(t, domain.RelationshipPending, rel.Status)
	assert.InDelta(t, 0.35, rel.Confidence, 1e-9)
	assert.False(t, rel.EscalatedToHuman)

	analyses, err := env.store.AgentAnalysesBySession(ctx, job.SessionID)
	require.NoError(t, err)
	assert.Empty(t, analyses)
	assert.Empty(t, env.events.kinds())
}

func TestHandleTriangulation_MalformedVerdictFailsSession(t *testing.T) {
	ctx := context.Background()
	env := newTestService(t, testTriangulationConfig())
	job := seedRelationship(t, env.store, 0.35)

	env.classifier.reply = func(system, user string) (string, error) {
		if strings.Contains(system, "contextual code analyst") {
			return "definitely not json", nil
		}
		return verdict(0.8, 0.8, "fine"), nil
	}

	require.NoError(t, env.svc.HandleTriangulation(ctx, job))

	sess, err := env.store.SessionByID(ctx, job.SessionID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionFailed, sess.Status)
}

func TestHandleTriangulation_SessionTimeoutFailsSession(t *testing.T) {
	ctx := context.Background()
	cfg := testTriangulationConfig()
	cfg.SessionTimeout = 30 * time.Millisecond
	env := newTestService(t, cfg)
	job := seedRelationship(t, env.store, 0.35)
	env.svc.classifier = hangingClassifier{}

	require.NoError(t, env.svc.HandleTriangulation(ctx, job))

	sess, err := env.store.SessionByID(ctx, job.SessionID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionFailed, sess.Status)

	rel, err := env.store.RelationshipByID(ctx, job.RelationshipID)
	require.NoError(t, err)
	assert.Equal(t, domain.RelationshipPending, rel.Status)
}

func TestHandleTriangulation_SequentialPassesReasoningForward(t *testing.T) {
	ctx := context.Background()
	cfg := testTriangulationConfig()
	cfg.TriangulationMode = "sequential"
	env := newTestService(t, cfg)
	job := seedRelationship(t, env.store, 0.40)

	env.classifier.reply = verdictsByRole(map[domain.AgentType]string{
		domain.AgentSyntactic:  verdict(0.85, 0.90, "call site found on line 14"),
		domain.AgentSemantic:   verdict(0.90, 0.95, "session construction confirms it"),
		domain.AgentContextual: verdict(0.80, 0.85, "auth module keeps these together"),
	})

	require.NoError(t, env.svc.HandleTriangulation(ctx, job))
	require.Equal(t, 3, env.classifier.callCount())

	first := env.classifier.calls[0]
	assert.Contains(t, first.system, "syntactic code analyst")
	assert.NotContains(t, first.user, "Earlier agent verdicts")

	second := env.classifier.calls[1]
	assert.Contains(t, second.system, "semantic code analyst")
	assert.Contains(t, second.user, "call site found on line 14")

	third := env.classifier.calls[2]
	assert.Contains(t, third.system, "contextual code analyst")
	assert.Contains(t, third.user, "call site found on line 14")
	assert.Contains(t, third.user, "session construction confirms it")

	sess, err := env.store.SessionByID(ctx, job.SessionID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionCompleted, sess.Status)
}

func TestHandleTriangulation_PromptsCarryRelationshipAndExcerpt(t *testing.T) {
	ctx := context.Background()
	env := newTestService(t, testTriangulationConfig())
	job := seedRelationship(t, env.store, 0.40)

	dir := t.TempDir()
	path := filepath.Join(dir, "auth.js")
	require.NoError(t, os.WriteFile(path, []byte("function login() { return new Session(); }\n"), 0o644))
	job.FilePath = path

	require.NoError(t, env.svc.HandleTriangulation(ctx, job))

	for _, role := range []string{"syntactic", "semantic", "contextual"} {
		call := env.classifier.callBySystem(t, role+" code analyst")
		assert.Contains(t, call.user, "source: login")
		assert.Contains(t, call.user, "target: Session")
		assert.Contains(t, call.user, "type: CALLS")
		assert.Contains(t, call.user, "initial confidence: 0.40")
		assert.Contains(t, call.user, "return new Session()")
		assert.Equal(t, agentMaxTokens, call.maxTokens)
	}
}
