package domain

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrRateLimited       = errors.New("rate limited")
	ErrCircuitOpen       = errors.New("circuit open")
	ErrSlotsExhausted    = errors.New("slots exhausted")
	ErrUpstreamTimeout   = errors.New("upstream timeout")
	ErrUpstreamRateLimit = errors.New("upstream rate limit")
	ErrSchemaInvalid     = errors.New("schema invalid")
	ErrInternal          = errors.New("internal error")
)

// IsRetriable reports whether an error should be handed back to the broker
// for a delayed retry rather than recorded as a permanent failure.
func IsRetriable(err error) bool {
	switch {
	case errors.Is(err, ErrRateLimited),
		errors.Is(err, ErrCircuitOpen),
		errors.Is(err, ErrSlotsExhausted),
		errors.Is(err, ErrUpstreamTimeout),
		errors.Is(err, ErrUpstreamRateLimit),
		errors.Is(err, ErrConflict):
		return true
	case errors.Is(err, ErrSchemaInvalid),
		errors.Is(err, ErrInvalidArgument),
		errors.Is(err, ErrNotFound):
		return false
	}
	// Unknown errors default to retriable; the broker's attempt cap bounds them.
	return true
}

// FileStatus tracks a file through the pipeline. Status only moves forward.
type FileStatus string

const (
	FileDiscovered FileStatus = "discovered"
	FileProcessed  FileStatus = "processed"
	FileFailed     FileStatus = "failed"
)

// File is one source file within a run.
type File struct {
	ID       int64
	FilePath string
	Hash     string
	Status   FileStatus
	RunID    string
}

// POIType enumerates the classifier's entity kinds. The set is open; these
// are the kinds the pipeline gives special treatment.
type POIType string

const (
	POIClassDefinition     POIType = "ClassDefinition"
	POIFunctionDefinition  POIType = "FunctionDefinition"
	POIVariableDeclaration POIType = "VariableDeclaration"
	POIImportStatement     POIType = "ImportStatement"
)

// POI is a Point of Interest: a named code entity extracted by the
// classifier. POIs are append-only within a run.
// Invariant: SemanticID is unique within (RunID, FileID); Hash is unique.
type POI struct {
	ID         int64
	FileID     int64
	FilePath   string
	Name       string
	Type       POIType
	StartLine  int
	EndLine    int
	IsExported bool
	SemanticID string
	Hash       string
	RunID      string
	LLMOutput  string
}

// POIHash derives the stable dedupe key for a POI.
func POIHash(name string, typ POIType, filePath string, startLine int) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%s:%s:%d", name, typ, filePath, startLine)))
	return hex.EncodeToString(sum[:])
}

// RelationshipStatus moves monotonically toward RECONCILED or REJECTED.
type RelationshipStatus string

const (
	RelationshipPending    RelationshipStatus = "PENDING"
	RelationshipValidated  RelationshipStatus = "VALIDATED"
	RelationshipReconciled RelationshipStatus = "RECONCILED"
	RelationshipRejected   RelationshipStatus = "REJECTED"
)

// Relationship is a scored edge between two POIs of the same run.
// Invariant: Confidence never decreases once a consensus ACCEPT lands.
type Relationship struct {
	ID               int64
	SourcePOIID      int64
	TargetPOIID      int64
	Type             string
	FilePath         string
	Status           RelationshipStatus
	Confidence       float64
	Reason           string
	RunID            string
	Evidence         string
	Hash             string
	EscalatedToHuman bool
}

// RelationshipHash keys evidence tracking before database identifiers
// exist: it is derived from the symbolic endpoints, not row ids, so the
// initial analysis pass and later triangulation agents land on the same key.
func RelationshipHash(from, to, relType string) string {
	sum := sha256.Sum256([]byte(from + "|" + to + "|" + relType))
	return hex.EncodeToString(sum[:])
}

// EnqueueKey derives the broker idempotency key for a job published from
// outbox events, so a tick that crashed between enqueue and the PUBLISHED
// update cannot double-dispatch on retry. Jobs coalescing several events
// pass every covered event id.
func EnqueueKey(runID string, eventIDs ...string) string {
	h := sha256.New()
	h.Write([]byte(runID))
	for _, id := range eventIDs {
		h.Write([]byte{'|'})
		h.Write([]byte(id))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// OutboxStatus: PENDING rows are retried, PUBLISHED is terminal, FAILED
// rows carry a diagnostic reason.
type OutboxStatus string

const (
	OutboxPending   OutboxStatus = "PENDING"
	OutboxPublished OutboxStatus = "PUBLISHED"
	OutboxFailed    OutboxStatus = "FAILED"
)

// Outbox event types.
const (
	EventFileAnalysisFinding  = "file-analysis-finding"
	EventRelationshipCreation = "relationship-creation"
)

// OutboxEvent couples a staging-store mutation with downstream dispatch.
// Rows are published in ascending ID order per run per event type.
type OutboxEvent struct {
	ID                 int64
	RunID              string
	EventID            string
	EventType          string
	Payload            []byte
	Status             OutboxStatus
	ResolutionAttempts int
	NextAttemptAt      time.Time
	LastError          string
	CreatedAt          time.Time
}

// EvidenceStatus for relationship evidence tracking.
type EvidenceStatus string

const (
	EvidencePending   EvidenceStatus = "PENDING"
	EvidenceCompleted EvidenceStatus = "COMPLETED"
)

// EvidenceTracking aggregates per-relationship evidence counts.
// Invariant: EvidenceCount <= ExpectedCount until COMPLETED.
type EvidenceTracking struct {
	RunID            string
	RelationshipHash string
	EvidenceCount    int
	ExpectedCount    int
	TotalConfidence  float64
	AvgConfidence    float64
	Status           EvidenceStatus
}

// Evidence is one recorded observation of a relationship from a distinct
// source: the initial analysis pass, a triangulation agent, or cross-file
// corroboration.
type Evidence struct {
	ID               int64
	RunID            string
	RelationshipHash string
	Source           string
	Confidence       float64
	Payload          []byte
}

// Evidence sources. Tracking keeps one row per (run, hash, source), so
// these names are the dedupe axis for repeated deliveries.
const (
	SourceInitialAnalysis = "initial-analysis"
	SourceCrossFile       = "cross-file-corroboration"
)

// AgentSource names the evidence source for one triangulation agent.
func AgentSource(agent AgentType) string { return "agent-" + string(agent) }

// TriangulationStatus: PENDING -> IN_PROGRESS -> {COMPLETED, FAILED}.
type TriangulationStatus string

const (
	SessionPending    TriangulationStatus = "PENDING"
	SessionInProgress TriangulationStatus = "IN_PROGRESS"
	SessionCompleted  TriangulationStatus = "COMPLETED"
	SessionFailed     TriangulationStatus = "FAILED"
)

// TriangulationSession re-analyzes one low-confidence relationship.
type TriangulationSession struct {
	SessionID         string
	RelationshipID    int64
	RelationshipHash  string
	RunID             string
	Status            TriangulationStatus
	InitialConfidence float64
	FinalConfidence   float64
	ConsensusScore    float64
	EscalatedToHuman  bool
	CreatedAt         time.Time
	CompletedAt       *time.Time
}

// AgentType enumerates triangulation agent roles.
type AgentType string

const (
	AgentSyntactic  AgentType = "syntactic"
	AgentSemantic   AgentType = "semantic"
	AgentContextual AgentType = "contextual"
)

// AgentAnalysis is one agent's verdict within a session.
// Exactly one row per (SessionID, AgentType) once the session completes.
type AgentAnalysis struct {
	SessionID        string
	AgentType        AgentType
	ConfidenceScore  float64
	EvidenceStrength float64
	Reasoning        string
}

// Decision is the consensus outcome of a triangulation session.
type Decision string

const (
	DecisionAccept   Decision = "ACCEPT"
	DecisionReject   Decision = "REJECT"
	DecisionEscalate Decision = "ESCALATE"
)

// ConsensusDecision records the weighted consensus for a session.
type ConsensusDecision struct {
	SessionID           string
	WeightedConsensus   float64
	AgreementLevel      float64
	FinalDecision       Decision
	RequiresHumanReview bool
}

// Context is an alias so domain signatures stay decoupled from the std
// context package at call sites; adapters pass context.Context through.
type Context = context.Context
