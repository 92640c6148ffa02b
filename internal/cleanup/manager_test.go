package cleanup

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChrisRoyse/Cognitive-Triangulation-Pipeline-sub007/internal/adapter/queue/redisq"
	"github.com/ChrisRoyse/Cognitive-Triangulation-Pipeline-sub007/internal/config"
	"github.com/ChrisRoyse/Cognitive-Triangulation-Pipeline-sub007/internal/domain"
)

type fakeEvents struct {
	mu     sync.Mutex
	events []domain.PipelineEvent
}

func (f *fakeEvents) Publish(_ domain.Context, ev domain.PipelineEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeEvents) Close() {}

func (f *fakeEvents) all() []domain.PipelineEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.PipelineEvent(nil), f.events...)
}

func testCleanupConfig() config.Config {
	return config.Config{
		MaxJobAge:                24 * time.Hour,
		MaxStaleAge:              time.Hour,
		MaxCompletedJobRetention: 100,
		MaxFailedJobRetention:    100,
		CleanupInterval:          time.Minute,
	}
}

type testEnv struct {
	mgr    *Manager
	broker *redisq.Broker
	events *fakeEvents
}

func newTestManager(t *testing.T, cfg config.Config) *testEnv {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	broker := redisq.New(rdb)

	events := &fakeEvents{}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	mgr := NewManager(broker, events, cfg, log)

	t.Cleanup(func() {
		_ = rdb.Close()
		mr.Close()
	})
	return &testEnv{mgr: mgr, broker: broker, events: events}
}

func enqueue(t *testing.T, broker domain.Broker, queue string) {
	t.Helper()
	_, err := broker.Enqueue(context.Background(), queue,
		domain.CleanupJob{RunID: "run-1"}, domain.EnqueueOptions{})
	require.NoError(t, err)
}

func reserve(t *testing.T, broker domain.Broker, queue string) *domain.QueueJob {
	t.Helper()
	job, err := broker.Reserve(context.Background(), queue)
	require.NoError(t, err)
	require.NotNil(t, job)
	return job
}

func counts(t *testing.T, broker domain.Broker, queue string) domain.QueueCounts {
	t.Helper()
	c, err := broker.Counts(context.Background(), queue)
	require.NoError(t, err)
	return c
}

func TestSweep_RemovesAgedTerminalJobs(t *testing.T) {
	cfg := testCleanupConfig()
	cfg.MaxJobAge = 0 // everything in a terminal state is already too old
	env := newTestManager(t, cfg)
	ctx := context.Background()

	enqueue(t, env.broker, domain.QueueValidation)
	enqueue(t, env.broker, domain.QueueValidation)
	require.NoError(t, env.broker.Ack(ctx, reserve(t, env.broker, domain.QueueValidation)))
	require.NoError(t, env.broker.Fail(ctx, reserve(t, env.broker, domain.QueueValidation),
		errors.New("schema mismatch"), false))

	before := counts(t, env.broker, domain.QueueValidation)
	require.Equal(t, int64(1), before.Completed)
	require.Equal(t, int64(1), before.Failed)

	env.mgr.Sweep(ctx)

	after := counts(t, env.broker, domain.QueueValidation)
	assert.Zero(t, after.Completed)
	assert.Zero(t, after.Failed)
	// Dead letters are an audit trail, not garbage; the sweep leaves them.
	dlq := counts(t, env.broker, domain.DeadLetterQueue(domain.QueueValidation))
	assert.Equal(t, int64(1), dlq.Waiting)
}

func TestSweep_EnforcesRetentionCaps(t *testing.T) {
	cfg := testCleanupConfig()
	cfg.MaxCompletedJobRetention = 1
	env := newTestManager(t, cfg)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		enqueue(t, env.broker, domain.QueueFileAnalysis)
		require.NoError(t, env.broker.Ack(ctx, reserve(t, env.broker, domain.QueueFileAnalysis)))
	}
	require.Equal(t, int64(3), counts(t, env.broker, domain.QueueFileAnalysis).Completed)

	env.mgr.Sweep(ctx)

	assert.Equal(t, int64(1), counts(t, env.broker, domain.QueueFileAnalysis).Completed)
}

func TestSweep_FailsStalledJobs(t *testing.T) {
	cfg := testCleanupConfig()
	cfg.MaxStaleAge = 0
	env := newTestManager(t, cfg)
	ctx := context.Background()

	enqueue(t, env.broker, domain.QueueReconciliation)
	reserve(t, env.broker, domain.QueueReconciliation) // held past the stale cutoff, never acked

	env.mgr.Sweep(ctx)

	c := counts(t, env.broker, domain.QueueReconciliation)
	assert.Zero(t, c.Active)
	assert.Equal(t, int64(1), c.Failed)
}

func TestEmergencyDrain_RequiresConfirmation(t *testing.T) {
	env := newTestManager(t, testCleanupConfig())
	ctx := context.Background()
	enqueue(t, env.broker, domain.QueueFileAnalysis)

	err := env.mgr.EmergencyDrain(ctx, "yes really")
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
	assert.Equal(t, int64(1), counts(t, env.broker, domain.QueueFileAnalysis).Waiting)
	assert.Empty(t, env.events.all())
}

func TestEmergencyDrain_EmptiesQueuesAndEmitsEvent(t *testing.T) {
	env := newTestManager(t, testCleanupConfig())
	ctx := context.Background()
	enqueue(t, env.broker, domain.QueueFileAnalysis)
	enqueue(t, env.broker, domain.QueueFileAnalysis)
	enqueue(t, env.broker, domain.QueueValidation)

	require.NoError(t, env.mgr.EmergencyDrain(ctx, DrainConfirmation))

	assert.Zero(t, counts(t, env.broker, domain.QueueFileAnalysis).Waiting)
	assert.Zero(t, counts(t, env.broker, domain.QueueValidation).Waiting)
	events := env.events.all()
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventKindEmergencyDrain, events[0].Kind)
}

func TestEmergencyDrain_NilEventStreamTolerated(t *testing.T) {
	env := newTestManager(t, testCleanupConfig())
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	mgr := NewManager(env.broker, nil, testCleanupConfig(), log)

	enqueue(t, env.broker, domain.QueueValidation)
	require.NoError(t, mgr.EmergencyDrain(context.Background(), DrainConfirmation))
	assert.Zero(t, counts(t, env.broker, domain.QueueValidation).Waiting)
}

func TestRun_SweepsOnStartup(t *testing.T) {
	cfg := testCleanupConfig()
	cfg.MaxJobAge = 0
	cfg.CleanupInterval = 50 * time.Millisecond
	env := newTestManager(t, cfg)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	enqueue(t, env.broker, domain.QueueValidation)
	require.NoError(t, env.broker.Ack(ctx, reserve(t, env.broker, domain.QueueValidation)))

	done := make(chan struct{})
	go func() {
		defer close(done)
		env.mgr.Run(ctx)
	}()

	assert.Eventually(t, func() bool {
		return counts(t, env.broker, domain.QueueValidation).Completed == 0
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("run loop did not stop on cancel")
	}
}
