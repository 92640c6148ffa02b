// Package redisq implements the durable queue broker on Redis lists and
// sorted sets: a waiting list, a delayed set scored by promote-at time, an
// active set scored by reservation time, and retained terminal sets. Job
// metadata lives in a per-job hash. Delivery is at-least-once.
package redisq

import (
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"

	"github.com/ChrisRoyse/Cognitive-Triangulation-Pipeline-sub007/internal/adapter/observability"
	"github.com/ChrisRoyse/Cognitive-Triangulation-Pipeline-sub007/internal/domain"
)

const (
	defaultAttempts = 3
	maxBackoffDelay = 5 * time.Minute
	idemRetention   = 24 * time.Hour
	promoteChunk    = 128
)

// reserveScript promotes due delayed jobs into the waiting list, then pops
// one job id and marks it active. ARGV[1] is now in unix ms.
var reserveScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1], 'LIMIT', 0, ` + strconv.Itoa(promoteChunk) + `)
for i, id in ipairs(due) do
  redis.call('RPUSH', KEYS[1], id)
  redis.call('ZREM', KEYS[2], id)
end
local id = redis.call('LPOP', KEYS[1])
if id then
  redis.call('ZADD', KEYS[3], ARGV[1], id)
end
return id
`)

// Broker is the Redis-backed queue adapter.
type Broker struct {
	rdb *redis.Client
	now func() time.Time
}

// New constructs a Broker over an established Redis client.
func New(rdb *redis.Client) *Broker {
	return &Broker{rdb: rdb, now: time.Now}
}

var _ domain.Broker = (*Broker)(nil)

type keys struct{ queue string }

func (k keys) wait() string      { return "q:" + k.queue + ":wait" }
func (k keys) delayed() string   { return "q:" + k.queue + ":delayed" }
func (k keys) active() string    { return "q:" + k.queue + ":active" }
func (k keys) completed() string { return "q:" + k.queue + ":completed" }
func (k keys) failed() string    { return "q:" + k.queue + ":failed" }
func (k keys) paused() string    { return "q:" + k.queue + ":paused" }
func (k keys) job(id string) string  { return "q:" + k.queue + ":job:" + id }
func (k keys) idem(key string) string { return "q:" + k.queue + ":idem:" + key }

// Enqueue adds a job. Zero option fields take broker defaults
// (attempts=3, exponential backoff). A duplicate idempotency key within the
// retention window returns ErrConflict.
func (b *Broker) Enqueue(ctx domain.Context, queue string, payload any, opts domain.EnqueueOptions) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("op=redisq.Enqueue: %w: %v", domain.ErrInvalidArgument, err)
	}
	if opts.Attempts <= 0 {
		opts.Attempts = defaultAttempts
	}
	if opts.Backoff.Delay <= 0 {
		opts.Backoff = domain.DefaultBackoff()
	}

	k := keys{queue}
	if opts.IdempotencyKey != "" {
		ok, err := b.rdb.SetNX(ctx, k.idem(opts.IdempotencyKey), 1, idemRetention).Result()
		if err != nil {
			return "", fmt.Errorf("op=redisq.Enqueue: %w", err)
		}
		if !ok {
			return "", fmt.Errorf("op=redisq.Enqueue: duplicate idempotency key %s: %w", opts.IdempotencyKey, domain.ErrConflict)
		}
	}

	id := ulid.Make().String()
	now := b.now()
	fields := map[string]any{
		"payload":          string(raw),
		"attempts":         0,
		"maxAttempts":      opts.Attempts,
		"backoffType":      opts.Backoff.Type,
		"backoffDelayMs":   opts.Backoff.Delay.Milliseconds(),
		"idempotencyKey":   opts.IdempotencyKey,
		"enqueuedAtMs":     now.UnixMilli(),
		"removeOnComplete": boolField(opts.RemoveOnComplete),
		"removeOnFail":     boolField(opts.RemoveOnFail),
		"priority":         opts.Priority,
	}
	_, err = b.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, k.job(id), fields)
		switch {
		case opts.Delay > 0:
			pipe.ZAdd(ctx, k.delayed(), redis.Z{Score: float64(now.Add(opts.Delay).UnixMilli()), Member: id})
		case opts.Priority > 0:
			pipe.LPush(ctx, k.wait(), id)
		default:
			pipe.RPush(ctx, k.wait(), id)
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("op=redisq.Enqueue: %w", err)
	}
	observability.EnqueueJob(queue)
	return id, nil
}

// Reserve promotes due delayed jobs and pops the next waiting job, or
// returns (nil, nil) when the queue is empty or paused.
func (b *Broker) Reserve(ctx domain.Context, queue string) (*domain.QueueJob, error) {
	k := keys{queue}
	paused, err := b.rdb.Exists(ctx, k.paused()).Result()
	if err != nil {
		return nil, fmt.Errorf("op=redisq.Reserve: %w", err)
	}
	if paused > 0 {
		return nil, nil
	}

	now := b.now()
	res, err := reserveScript.Run(ctx, b.rdb,
		[]string{k.wait(), k.delayed(), k.active()},
		now.UnixMilli(),
	).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("op=redisq.Reserve: %w", err)
	}
	id, _ := res.(string)
	if id == "" {
		return nil, nil
	}

	attempt, err := b.rdb.HIncrBy(ctx, k.job(id), "attempts", 1).Result()
	if err != nil {
		return nil, fmt.Errorf("op=redisq.Reserve: %w", err)
	}
	fields, err := b.rdb.HGetAll(ctx, k.job(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("op=redisq.Reserve: %w", err)
	}
	return jobFromFields(queue, id, int(attempt), now, fields), nil
}

func jobFromFields(queue, id string, attempt int, reservedAt time.Time, fields map[string]string) *domain.QueueJob {
	maxAttempts, _ := strconv.Atoi(fields["maxAttempts"])
	if maxAttempts <= 0 {
		maxAttempts = defaultAttempts
	}
	backoffMs, _ := strconv.ParseInt(fields["backoffDelayMs"], 10, 64)
	enqueuedMs, _ := strconv.ParseInt(fields["enqueuedAtMs"], 10, 64)
	return &domain.QueueJob{
		ID:             id,
		Queue:          queue,
		Payload:        json.RawMessage(fields["payload"]),
		Attempt:        attempt,
		MaxAttempts:    maxAttempts,
		Backoff:        domain.BackoffSpec{Type: fields["backoffType"], Delay: time.Duration(backoffMs) * time.Millisecond},
		IdempotencyKey: fields["idempotencyKey"],
		EnqueuedAt:     time.UnixMilli(enqueuedMs),
		ReservedAt:     reservedAt,
	}
}

// Ack completes a job. Jobs enqueued with RemoveOnComplete are dropped;
// others are retained in the completed set for cleanup-managed retention.
func (b *Broker) Ack(ctx domain.Context, job *domain.QueueJob) error {
	k := keys{job.Queue}
	remove, err := b.rdb.HGet(ctx, k.job(job.ID), "removeOnComplete").Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("op=redisq.Ack: %w", err)
	}
	_, err = b.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, k.active(), job.ID)
		if remove == "1" {
			pipe.Del(ctx, k.job(job.ID))
		} else {
			pipe.ZAdd(ctx, k.completed(), redis.Z{Score: float64(b.now().UnixMilli()), Member: job.ID})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("op=redisq.Ack: %w", err)
	}
	return nil
}

// Fail handles a job failure. Retriable failures with attempts remaining
// are rescheduled with backoff (or the explicit RetryAfter delay); anything
// else moves atomically to the dead-letter queue with the original queue
// name, error, and stack preserved.
func (b *Broker) Fail(ctx domain.Context, job *domain.QueueJob, cause error, retriable bool) error {
	k := keys{job.Queue}
	causeStr := ""
	if cause != nil {
		causeStr = cause.Error()
	}

	if retriable && job.Attempt < job.MaxAttempts {
		delay := job.Backoff.NextDelay(job.Attempt, maxBackoffDelay)
		var ra *domain.RetryAfterError
		if errors.As(cause, &ra) && ra.After > 0 {
			delay = ra.After
		}
		_, err := b.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.ZRem(ctx, k.active(), job.ID)
			pipe.HSet(ctx, k.job(job.ID), "lastError", causeStr)
			pipe.ZAdd(ctx, k.delayed(), redis.Z{Score: float64(b.now().Add(delay).UnixMilli()), Member: job.ID})
			return nil
		})
		if err != nil {
			return fmt.Errorf("op=redisq.Fail: %w", err)
		}
		return nil
	}

	entry := domain.DeadLetterEntry{
		JobID:         job.ID,
		OriginalQueue: job.Queue,
		Payload:       job.Payload,
		Error:         causeStr,
		Stack:         string(debug.Stack()),
		Attempts:      job.Attempt,
		FailedAt:      b.now(),
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("op=redisq.Fail: %w", err)
	}
	dlq := keys{domain.DeadLetterQueue(job.Queue)}
	dlqID := ulid.Make().String()
	removeOnFail, err := b.rdb.HGet(ctx, k.job(job.ID), "removeOnFail").Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("op=redisq.Fail: %w", err)
	}
	_, err = b.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, k.active(), job.ID)
		pipe.HSet(ctx, dlq.job(dlqID), map[string]any{
			"payload":      string(raw),
			"attempts":     0,
			"maxAttempts":  1,
			"enqueuedAtMs": b.now().UnixMilli(),
		})
		pipe.RPush(ctx, dlq.wait(), dlqID)
		if removeOnFail == "1" {
			pipe.Del(ctx, k.job(job.ID))
		} else {
			pipe.HSet(ctx, k.job(job.ID), "lastError", causeStr)
			pipe.ZAdd(ctx, k.failed(), redis.Z{Score: float64(b.now().UnixMilli()), Member: job.ID})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("op=redisq.Fail: %w", err)
	}
	observability.DeadLetterJob(job.Queue)
	return nil
}

// Counts reports per-state job counts for a queue.
func (b *Broker) Counts(ctx domain.Context, queue string) (domain.QueueCounts, error) {
	k := keys{queue}
	var (
		waiting, active, delayed, completed, failed *redis.IntCmd
		paused                                      *redis.IntCmd
	)
	_, err := b.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		waiting = pipe.LLen(ctx, k.wait())
		active = pipe.ZCard(ctx, k.active())
		delayed = pipe.ZCard(ctx, k.delayed())
		completed = pipe.ZCard(ctx, k.completed())
		failed = pipe.ZCard(ctx, k.failed())
		paused = pipe.Exists(ctx, k.paused())
		return nil
	})
	if err != nil {
		return domain.QueueCounts{}, fmt.Errorf("op=redisq.Counts: %w", err)
	}
	return domain.QueueCounts{
		Waiting:   waiting.Val(),
		Active:    active.Val(),
		Delayed:   delayed.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
		Paused:    paused.Val() > 0,
	}, nil
}

// Drain discards all waiting and delayed jobs. Active jobs are untouched.
func (b *Broker) Drain(ctx domain.Context, queue string) error {
	k := keys{queue}
	ids, err := b.rdb.LRange(ctx, k.wait(), 0, -1).Result()
	if err != nil {
		return fmt.Errorf("op=redisq.Drain: %w", err)
	}
	delayedIDs, err := b.rdb.ZRange(ctx, k.delayed(), 0, -1).Result()
	if err != nil {
		return fmt.Errorf("op=redisq.Drain: %w", err)
	}
	_, err = b.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, id := range append(ids, delayedIDs...) {
			pipe.Del(ctx, k.job(id))
		}
		pipe.Del(ctx, k.wait(), k.delayed())
		return nil
	})
	if err != nil {
		return fmt.Errorf("op=redisq.Drain: %w", err)
	}
	return nil
}

// Clean removes retained completed or failed jobs older than age and
// returns how many were removed.
func (b *Broker) Clean(ctx domain.Context, queue string, age time.Duration, state domain.JobState) (int64, error) {
	k := keys{queue}
	var set string
	switch state {
	case domain.StateCompleted:
		set = k.completed()
	case domain.StateFailed:
		set = k.failed()
	default:
		return 0, fmt.Errorf("op=redisq.Clean: state %s not cleanable: %w", state, domain.ErrInvalidArgument)
	}
	cutoff := strconv.FormatInt(b.now().Add(-age).UnixMilli(), 10)
	ids, err := b.rdb.ZRangeByScore(ctx, set, &redis.ZRangeBy{Min: "-inf", Max: cutoff}).Result()
	if err != nil {
		return 0, fmt.Errorf("op=redisq.Clean: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	_, err = b.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, id := range ids {
			pipe.Del(ctx, k.job(id))
			pipe.ZRem(ctx, set, id)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("op=redisq.Clean: %w", err)
	}
	return int64(len(ids)), nil
}

// TrimRetained keeps the newest keep jobs in a terminal set, removing the
// rest regardless of age.
func (b *Broker) TrimRetained(ctx domain.Context, queue string, state domain.JobState, keep int64) (int64, error) {
	k := keys{queue}
	var set string
	switch state {
	case domain.StateCompleted:
		set = k.completed()
	case domain.StateFailed:
		set = k.failed()
	default:
		return 0, fmt.Errorf("op=redisq.TrimRetained: state %s not trimmable: %w", state, domain.ErrInvalidArgument)
	}
	total, err := b.rdb.ZCard(ctx, set).Result()
	if err != nil {
		return 0, fmt.Errorf("op=redisq.TrimRetained: %w", err)
	}
	excess := total - keep
	if excess <= 0 {
		return 0, nil
	}
	ids, err := b.rdb.ZRange(ctx, set, 0, excess-1).Result()
	if err != nil {
		return 0, fmt.Errorf("op=redisq.TrimRetained: %w", err)
	}
	_, err = b.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, id := range ids {
			pipe.Del(ctx, k.job(id))
		}
		pipe.ZRemRangeByRank(ctx, set, 0, excess-1)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("op=redisq.TrimRetained: %w", err)
	}
	return excess, nil
}

// Pause stops Reserve from returning jobs until Resume.
func (b *Broker) Pause(ctx domain.Context, queue string) error {
	if err := b.rdb.Set(ctx, keys{queue}.paused(), 1, 0).Err(); err != nil {
		return fmt.Errorf("op=redisq.Pause: %w", err)
	}
	return nil
}

// Resume re-enables Reserve for a paused queue.
func (b *Broker) Resume(ctx domain.Context, queue string) error {
	if err := b.rdb.Del(ctx, keys{queue}.paused()).Err(); err != nil {
		return fmt.Errorf("op=redisq.Resume: %w", err)
	}
	return nil
}

// RequeueStalled returns active jobs reserved longer than staleAfter to the
// waiting list. Reserve will increment their attempt count on redelivery.
func (b *Broker) RequeueStalled(ctx domain.Context, queue string, staleAfter time.Duration) (int64, error) {
	k := keys{queue}
	cutoff := strconv.FormatInt(b.now().Add(-staleAfter).UnixMilli(), 10)
	ids, err := b.rdb.ZRangeByScore(ctx, k.active(), &redis.ZRangeBy{Min: "-inf", Max: cutoff}).Result()
	if err != nil {
		return 0, fmt.Errorf("op=redisq.RequeueStalled: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	_, err = b.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, id := range ids {
			pipe.ZRem(ctx, k.active(), id)
			pipe.RPush(ctx, k.wait(), id)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("op=redisq.RequeueStalled: %w", err)
	}
	return int64(len(ids)), nil
}

// FailStalled moves active jobs reserved longer than staleAfter to the
// failed set with a timeout reason, and returns how many moved.
func (b *Broker) FailStalled(ctx domain.Context, queue string, staleAfter time.Duration) (int64, error) {
	k := keys{queue}
	cutoff := strconv.FormatInt(b.now().Add(-staleAfter).UnixMilli(), 10)
	ids, err := b.rdb.ZRangeByScore(ctx, k.active(), &redis.ZRangeBy{Min: "-inf", Max: cutoff}).Result()
	if err != nil {
		return 0, fmt.Errorf("op=redisq.FailStalled: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	nowMs := float64(b.now().UnixMilli())
	_, err = b.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, id := range ids {
			pipe.ZRem(ctx, k.active(), id)
			pipe.HSet(ctx, k.job(id), "lastError", "stalled beyond max stale age")
			pipe.ZAdd(ctx, k.failed(), redis.Z{Score: nowMs, Member: id})
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("op=redisq.FailStalled: %w", err)
	}
	return int64(len(ids)), nil
}

// Ping reports broker reachability.
func (b *Broker) Ping(ctx domain.Context) error {
	if err := b.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("op=redisq.Ping: %w", err)
	}
	return nil
}

func boolField(v bool) string {
	if v {
		return "1"
	}
	return "0"
}
