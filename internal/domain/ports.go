package domain

import (
	"encoding/json"
	"time"
)

// JobState enumerates broker-side job states.
type JobState string

const (
	StateWaiting   JobState = "waiting"
	StateActive    JobState = "active"
	StateCompleted JobState = "completed"
	StateFailed    JobState = "failed"
	StateDelayed   JobState = "delayed"
	StatePaused    JobState = "paused"
)

// BackoffSpec shapes retry delays for a job.
type BackoffSpec struct {
	Type  string        `json:"type"` // "exponential" or "fixed"
	Delay time.Duration `json:"delay"`
}

// EnqueueOptions mirror the broker's per-job options object.
type EnqueueOptions struct {
	Attempts         int           `json:"attempts"`
	Backoff          BackoffSpec   `json:"backoff"`
	Delay            time.Duration `json:"delay"`
	Priority         int           `json:"priority"`
	RemoveOnComplete bool          `json:"removeOnComplete"`
	RemoveOnFail     bool          `json:"removeOnFail"`
	// IdempotencyKey dedupes enqueues: a second job with the same key is
	// rejected with ErrConflict while the first is still tracked.
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}

// QueueJob is a reserved job. Payload stays opaque to the broker.
type QueueJob struct {
	ID             string          `json:"id"`
	Queue          string          `json:"queue"`
	Payload        json.RawMessage `json:"payload"`
	Attempt        int             `json:"attempt"`
	MaxAttempts    int             `json:"maxAttempts"`
	Backoff        BackoffSpec     `json:"backoff"`
	IdempotencyKey string          `json:"idempotencyKey,omitempty"`
	EnqueuedAt     time.Time       `json:"enqueuedAt"`
	ReservedAt     time.Time       `json:"reservedAt"`
}

// QueueCounts reports jobs per state for one queue.
type QueueCounts struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Delayed   int64 `json:"delayed"`
	Paused    bool  `json:"paused"`
}

// Broker (port) is the durable queue abstraction. Delivery is
// at-least-once; consumers must be idempotent.
type Broker interface {
	Enqueue(ctx Context, queue string, payload any, opts EnqueueOptions) (string, error)
	Reserve(ctx Context, queue string) (*QueueJob, error)
	Ack(ctx Context, job *QueueJob) error
	// Fail retries retriable failures with backoff until attempts are
	// exhausted, then moves the job to the queue's dead-letter queue.
	Fail(ctx Context, job *QueueJob, cause error, retriable bool) error
	Counts(ctx Context, queue string) (QueueCounts, error)
	Drain(ctx Context, queue string) error
	Clean(ctx Context, queue string, age time.Duration, state JobState) (int64, error)
	Pause(ctx Context, queue string) error
	Resume(ctx Context, queue string) error
	// RequeueStalled returns active jobs reserved longer than staleAfter
	// to the waiting state.
	RequeueStalled(ctx Context, queue string, staleAfter time.Duration) (int64, error)
	Ping(ctx Context) error
}

// Classifier (port) is the external text-generation service.
type Classifier interface {
	// ChatJSON returns raw model output expected to contain a JSON document.
	ChatJSON(ctx Context, systemPrompt, userPrompt string, maxTokens int) (string, error)
}

// GraphEdge is a finalized relationship ready for graph upsert, keyed by
// (run, source, target, type). Endpoint hashes locate the already-upserted
// POI nodes.
type GraphEdge struct {
	SourcePOIID int64
	TargetPOIID int64
	SourceHash  string
	TargetHash  string
	Type        string
	Confidence  float64
	FilePath    string
}

// GraphStore (port) upserts derived nodes and edges, idempotently per run.
type GraphStore interface {
	UpsertPOIs(ctx Context, runID string, pois []POI) error
	UpsertRelationships(ctx Context, runID string, edges []GraphEdge) error
	Ping(ctx Context) error
}

// PipelineEvent is a lifecycle record for the optional event stream.
type PipelineEvent struct {
	Kind   string            `json:"kind"`
	RunID  string            `json:"runId"`
	At     time.Time         `json:"at"`
	Detail map[string]string `json:"detail,omitempty"`
}

// Pipeline event kinds.
const (
	EventKindRunStarted     = "run-started"
	EventKindRunCompleted   = "run-completed"
	EventKindBatchFallback  = "batch-fallback"
	EventKindEscalation     = "triangulation-escalation"
	EventKindEmergencyDrain = "emergency-drain"
)

// EventPublisher (port) emits lifecycle records. Implementations must
// tolerate being nil-checked out of the hot path; publishing is best-effort
// and never blocks pipeline progress on broker unavailability.
type EventPublisher interface {
	Publish(ctx Context, ev PipelineEvent) error
	Close()
}
