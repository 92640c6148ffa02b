package redisq

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/ChrisRoyse/Cognitive-Triangulation-Pipeline-sub007/internal/domain"
)

func newTestBroker(t *testing.T) (*Broker, *time.Time, func()) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	b := New(rdb)
	now := time.Now()
	b.now = func() time.Time { return now }

	cleanup := func() {
		_ = rdb.Close()
		mr.Close()
	}
	return b, &now, cleanup
}

func TestEnqueueReserveAck_FIFO(t *testing.T) {
	ctx := context.Background()
	b, _, cleanup := newTestBroker(t)
	defer cleanup()

	id1, err := b.Enqueue(ctx, "file-analysis", map[string]string{"file": "a.go"}, domain.EnqueueOptions{})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	id2, err := b.Enqueue(ctx, "file-analysis", map[string]string{"file": "b.go"}, domain.EnqueueOptions{})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if id1 == id2 {
		t.Fatalf("expected distinct job ids")
	}

	job, err := b.Reserve(ctx, "file-analysis")
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if job == nil || job.ID != id1 {
		t.Fatalf("expected first enqueued job, got %+v", job)
	}
	if job.Attempt != 1 {
		t.Fatalf("expected attempt 1, got %d", job.Attempt)
	}
	if job.MaxAttempts != 3 {
		t.Fatalf("expected default max attempts 3, got %d", job.MaxAttempts)
	}
	var payload map[string]string
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		t.Fatalf("payload unmarshal: %v", err)
	}
	if payload["file"] != "a.go" {
		t.Fatalf("unexpected payload %v", payload)
	}

	if err := b.Ack(ctx, job); err != nil {
		t.Fatalf("ack: %v", err)
	}

	job, err = b.Reserve(ctx, "file-analysis")
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if job == nil || job.ID != id2 {
		t.Fatalf("expected second job next, got %+v", job)
	}
}

func TestReserve_EmptyQueue(t *testing.T) {
	ctx := context.Background()
	b, _, cleanup := newTestBroker(t)
	defer cleanup()

	job, err := b.Reserve(ctx, "validation")
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if job != nil {
		t.Fatalf("expected nil job on empty queue, got %+v", job)
	}
}

func TestEnqueue_DelayedPromotion(t *testing.T) {
	ctx := context.Background()
	b, now, cleanup := newTestBroker(t)
	defer cleanup()

	if _, err := b.Enqueue(ctx, "reconciliation", "x", domain.EnqueueOptions{Delay: 5 * time.Second}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	job, err := b.Reserve(ctx, "reconciliation")
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if job != nil {
		t.Fatalf("job should still be delayed, got %+v", job)
	}

	*now = now.Add(6 * time.Second)
	job, err = b.Reserve(ctx, "reconciliation")
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if job == nil {
		t.Fatalf("expected job after delay elapsed")
	}
}

func TestEnqueue_PriorityJumpsQueue(t *testing.T) {
	ctx := context.Background()
	b, _, cleanup := newTestBroker(t)
	defer cleanup()

	if _, err := b.Enqueue(ctx, "graph-ingestion", "normal", domain.EnqueueOptions{}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	urgent, err := b.Enqueue(ctx, "graph-ingestion", "urgent", domain.EnqueueOptions{Priority: 1})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	job, err := b.Reserve(ctx, "graph-ingestion")
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if job == nil || job.ID != urgent {
		t.Fatalf("expected priority job first, got %+v", job)
	}
}

func TestEnqueue_IdempotencyKeyConflict(t *testing.T) {
	ctx := context.Background()
	b, _, cleanup := newTestBroker(t)
	defer cleanup()

	opts := domain.EnqueueOptions{IdempotencyKey: "run-1:file-a"}
	if _, err := b.Enqueue(ctx, "file-analysis", "x", opts); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	_, err := b.Enqueue(ctx, "file-analysis", "x", opts)
	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected ErrConflict on duplicate idempotency key, got %v", err)
	}
}

func TestFail_RetriesWithBackoffThenDeadLetters(t *testing.T) {
	ctx := context.Background()
	b, now, cleanup := newTestBroker(t)
	defer cleanup()

	if _, err := b.Enqueue(ctx, "file-analysis", map[string]string{"file": "broken.go"}, domain.EnqueueOptions{}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	cause := errors.New("classifier unavailable")
	for attempt := 1; attempt <= 3; attempt++ {
		job, err := b.Reserve(ctx, "file-analysis")
		if err != nil {
			t.Fatalf("reserve attempt %d: %v", attempt, err)
		}
		if job == nil {
			t.Fatalf("expected job on attempt %d", attempt)
		}
		if job.Attempt != attempt {
			t.Fatalf("expected attempt %d, got %d", attempt, job.Attempt)
		}
		if err := b.Fail(ctx, job, cause, true); err != nil {
			t.Fatalf("fail attempt %d: %v", attempt, err)
		}
		// Past the max exponential backoff plus jitter for this round.
		*now = now.Add(time.Duration(attempt) * 10 * time.Second)
	}

	// Attempts exhausted: nothing left to reserve, one dead-letter entry.
	job, err := b.Reserve(ctx, "file-analysis")
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if job != nil {
		t.Fatalf("expected exhausted job to stop retrying, got %+v", job)
	}

	counts, err := b.Counts(ctx, "file-analysis")
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts.Failed != 1 {
		t.Fatalf("expected 1 retained failed job, got %+v", counts)
	}

	dlq, err := b.Reserve(ctx, domain.DeadLetterQueue("file-analysis"))
	if err != nil {
		t.Fatalf("reserve dlq: %v", err)
	}
	if dlq == nil {
		t.Fatalf("expected dead-letter entry")
	}
	var entry domain.DeadLetterEntry
	if err := json.Unmarshal(dlq.Payload, &entry); err != nil {
		t.Fatalf("dead-letter unmarshal: %v", err)
	}
	if entry.OriginalQueue != "file-analysis" {
		t.Fatalf("expected original queue preserved, got %q", entry.OriginalQueue)
	}
	if entry.Error != "classifier unavailable" {
		t.Fatalf("expected error preserved, got %q", entry.Error)
	}
	if entry.Stack == "" {
		t.Fatalf("expected stack captured")
	}
	if entry.Attempts != 3 {
		t.Fatalf("expected 3 attempts recorded, got %d", entry.Attempts)
	}
}

func TestFail_NonRetriableDeadLettersImmediately(t *testing.T) {
	ctx := context.Background()
	b, _, cleanup := newTestBroker(t)
	defer cleanup()

	if _, err := b.Enqueue(ctx, "validation", "x", domain.EnqueueOptions{}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	job, err := b.Reserve(ctx, "validation")
	if err != nil || job == nil {
		t.Fatalf("reserve: job=%+v err=%v", job, err)
	}
	if err := b.Fail(ctx, job, domain.ErrSchemaInvalid, false); err != nil {
		t.Fatalf("fail: %v", err)
	}

	dlqCounts, err := b.Counts(ctx, domain.DeadLetterQueue("validation"))
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if dlqCounts.Waiting != 1 {
		t.Fatalf("expected 1 dead-letter entry on first failure, got %+v", dlqCounts)
	}
}

func TestFail_RetryAfterOverridesBackoff(t *testing.T) {
	ctx := context.Background()
	b, now, cleanup := newTestBroker(t)
	defer cleanup()

	if _, err := b.Enqueue(ctx, "triangulated-analysis", "x", domain.EnqueueOptions{}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	job, err := b.Reserve(ctx, "triangulated-analysis")
	if err != nil || job == nil {
		t.Fatalf("reserve: job=%+v err=%v", job, err)
	}

	cause := domain.RetryAfter(domain.ErrRateLimited, 90*time.Second)
	if err := b.Fail(ctx, job, cause, true); err != nil {
		t.Fatalf("fail: %v", err)
	}

	// Default exponential backoff would redeliver within seconds; the
	// explicit delay must win.
	*now = now.Add(60 * time.Second)
	job, err = b.Reserve(ctx, "triangulated-analysis")
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if job != nil {
		t.Fatalf("job redelivered before retry-after elapsed")
	}

	*now = now.Add(31 * time.Second)
	job, err = b.Reserve(ctx, "triangulated-analysis")
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if job == nil {
		t.Fatalf("expected redelivery after retry-after elapsed")
	}
	if job.Attempt != 2 {
		t.Fatalf("expected attempt 2 on redelivery, got %d", job.Attempt)
	}
}

func TestPauseResume(t *testing.T) {
	ctx := context.Background()
	b, _, cleanup := newTestBroker(t)
	defer cleanup()

	if _, err := b.Enqueue(ctx, "directory-resolution", "x", domain.EnqueueOptions{}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := b.Pause(ctx, "directory-resolution"); err != nil {
		t.Fatalf("pause: %v", err)
	}

	job, err := b.Reserve(ctx, "directory-resolution")
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if job != nil {
		t.Fatalf("paused queue must not hand out jobs")
	}
	counts, err := b.Counts(ctx, "directory-resolution")
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if !counts.Paused || counts.Waiting != 1 {
		t.Fatalf("expected paused queue with 1 waiting, got %+v", counts)
	}

	if err := b.Resume(ctx, "directory-resolution"); err != nil {
		t.Fatalf("resume: %v", err)
	}
	job, err = b.Reserve(ctx, "directory-resolution")
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if job == nil {
		t.Fatalf("expected job after resume")
	}
}

func TestCounts(t *testing.T) {
	ctx := context.Background()
	b, _, cleanup := newTestBroker(t)
	defer cleanup()

	for i := 0; i < 3; i++ {
		if _, err := b.Enqueue(ctx, "relationship-resolution", i, domain.EnqueueOptions{}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	if _, err := b.Enqueue(ctx, "relationship-resolution", "later", domain.EnqueueOptions{Delay: time.Hour}); err != nil {
		t.Fatalf("enqueue delayed: %v", err)
	}
	job, err := b.Reserve(ctx, "relationship-resolution")
	if err != nil || job == nil {
		t.Fatalf("reserve: job=%+v err=%v", job, err)
	}

	counts, err := b.Counts(ctx, "relationship-resolution")
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts.Waiting != 2 || counts.Active != 1 || counts.Delayed != 1 {
		t.Fatalf("unexpected counts %+v", counts)
	}
}

func TestDrain_DiscardsWaitingAndDelayed(t *testing.T) {
	ctx := context.Background()
	b, _, cleanup := newTestBroker(t)
	defer cleanup()

	if _, err := b.Enqueue(ctx, "global-resolution", "a", domain.EnqueueOptions{}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := b.Enqueue(ctx, "global-resolution", "b", domain.EnqueueOptions{Delay: time.Minute}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	active, err := b.Reserve(ctx, "global-resolution")
	if err != nil || active == nil {
		t.Fatalf("reserve: job=%+v err=%v", active, err)
	}
	if _, err := b.Enqueue(ctx, "global-resolution", "c", domain.EnqueueOptions{}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if err := b.Drain(ctx, "global-resolution"); err != nil {
		t.Fatalf("drain: %v", err)
	}

	counts, err := b.Counts(ctx, "global-resolution")
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts.Waiting != 0 || counts.Delayed != 0 {
		t.Fatalf("expected waiting and delayed drained, got %+v", counts)
	}
	if counts.Active != 1 {
		t.Fatalf("drain must not touch active jobs, got %+v", counts)
	}
}

func TestClean_RemovesOldTerminalJobs(t *testing.T) {
	ctx := context.Background()
	b, now, cleanup := newTestBroker(t)
	defer cleanup()

	if _, err := b.Enqueue(ctx, "file-analysis", "old", domain.EnqueueOptions{}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	job, err := b.Reserve(ctx, "file-analysis")
	if err != nil || job == nil {
		t.Fatalf("reserve: job=%+v err=%v", job, err)
	}
	if err := b.Ack(ctx, job); err != nil {
		t.Fatalf("ack: %v", err)
	}

	*now = now.Add(25 * time.Hour)
	if _, err := b.Enqueue(ctx, "file-analysis", "fresh", domain.EnqueueOptions{}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	job, err = b.Reserve(ctx, "file-analysis")
	if err != nil || job == nil {
		t.Fatalf("reserve: job=%+v err=%v", job, err)
	}
	if err := b.Ack(ctx, job); err != nil {
		t.Fatalf("ack: %v", err)
	}

	removed, err := b.Clean(ctx, "file-analysis", 24*time.Hour, domain.StateCompleted)
	if err != nil {
		t.Fatalf("clean: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}
	counts, err := b.Counts(ctx, "file-analysis")
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts.Completed != 1 {
		t.Fatalf("expected fresh completed job retained, got %+v", counts)
	}

	if _, err := b.Clean(ctx, "file-analysis", time.Hour, domain.StateWaiting); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for non-terminal state, got %v", err)
	}
}

func TestTrimRetained_KeepsNewest(t *testing.T) {
	ctx := context.Background()
	b, now, cleanup := newTestBroker(t)
	defer cleanup()

	for i := 0; i < 5; i++ {
		if _, err := b.Enqueue(ctx, "validation", i, domain.EnqueueOptions{}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		job, err := b.Reserve(ctx, "validation")
		if err != nil || job == nil {
			t.Fatalf("reserve: job=%+v err=%v", job, err)
		}
		if err := b.Ack(ctx, job); err != nil {
			t.Fatalf("ack: %v", err)
		}
		*now = now.Add(time.Second)
	}

	removed, err := b.TrimRetained(ctx, "validation", domain.StateCompleted, 2)
	if err != nil {
		t.Fatalf("trim: %v", err)
	}
	if removed != 3 {
		t.Fatalf("expected 3 trimmed, got %d", removed)
	}
	counts, err := b.Counts(ctx, "validation")
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts.Completed != 2 {
		t.Fatalf("expected 2 retained, got %+v", counts)
	}
}

func TestRequeueStalled(t *testing.T) {
	ctx := context.Background()
	b, now, cleanup := newTestBroker(t)
	defer cleanup()

	if _, err := b.Enqueue(ctx, "file-analysis", "x", domain.EnqueueOptions{}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	job, err := b.Reserve(ctx, "file-analysis")
	if err != nil || job == nil {
		t.Fatalf("reserve: job=%+v err=%v", job, err)
	}

	// Too fresh to count as stalled.
	moved, err := b.RequeueStalled(ctx, "file-analysis", 30*time.Minute)
	if err != nil {
		t.Fatalf("requeue stalled: %v", err)
	}
	if moved != 0 {
		t.Fatalf("expected no stalled jobs yet, moved %d", moved)
	}

	*now = now.Add(31 * time.Minute)
	moved, err = b.RequeueStalled(ctx, "file-analysis", 30*time.Minute)
	if err != nil {
		t.Fatalf("requeue stalled: %v", err)
	}
	if moved != 1 {
		t.Fatalf("expected 1 stalled job requeued, moved %d", moved)
	}

	redelivered, err := b.Reserve(ctx, "file-analysis")
	if err != nil || redelivered == nil {
		t.Fatalf("reserve: job=%+v err=%v", redelivered, err)
	}
	if redelivered.ID != job.ID {
		t.Fatalf("expected same job back, got %s want %s", redelivered.ID, job.ID)
	}
	if redelivered.Attempt != 2 {
		t.Fatalf("expected attempt incremented on redelivery, got %d", redelivered.Attempt)
	}
}

func TestFailStalled_MovesToFailed(t *testing.T) {
	ctx := context.Background()
	b, now, cleanup := newTestBroker(t)
	defer cleanup()

	if _, err := b.Enqueue(ctx, "graph-ingestion", "x", domain.EnqueueOptions{}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	job, err := b.Reserve(ctx, "graph-ingestion")
	if err != nil || job == nil {
		t.Fatalf("reserve: job=%+v err=%v", job, err)
	}

	*now = now.Add(time.Hour)
	moved, err := b.FailStalled(ctx, "graph-ingestion", 30*time.Minute)
	if err != nil {
		t.Fatalf("fail stalled: %v", err)
	}
	if moved != 1 {
		t.Fatalf("expected 1 job failed, moved %d", moved)
	}
	counts, err := b.Counts(ctx, "graph-ingestion")
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts.Active != 0 || counts.Failed != 1 {
		t.Fatalf("expected job in failed set, got %+v", counts)
	}
}

func TestAck_RemoveOnComplete(t *testing.T) {
	ctx := context.Background()
	b, _, cleanup := newTestBroker(t)
	defer cleanup()

	if _, err := b.Enqueue(ctx, "cleanup", "x", domain.EnqueueOptions{RemoveOnComplete: true}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	job, err := b.Reserve(ctx, "cleanup")
	if err != nil || job == nil {
		t.Fatalf("reserve: job=%+v err=%v", job, err)
	}
	if err := b.Ack(ctx, job); err != nil {
		t.Fatalf("ack: %v", err)
	}

	counts, err := b.Counts(ctx, "cleanup")
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts.Completed != 0 {
		t.Fatalf("expected no retained completed job, got %+v", counts)
	}
}
