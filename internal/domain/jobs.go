// Package domain: queue names, job payloads, and outbox event payloads.
// Job payloads are tagged variants, one type per job kind, validated at the
// queue boundary before a handler runs.
package domain

import (
	"fmt"
	"sync"

	"github.com/go-playground/validator/v10"
)

// Pipeline queue names. This list is authoritative: every queue a process
// touches must be registered with the worker pool and the cleanup manager.
const (
	QueueFileAnalysis           = "file-analysis"
	QueueDirectoryAggregation   = "directory-aggregation"
	QueueDirectoryResolution    = "directory-resolution"
	QueueRelationshipResolution = "relationship-resolution"
	QueueValidation             = "validation"
	QueueReconciliation         = "reconciliation"
	QueueGlobalResolution       = "global-resolution"
	QueueTriangulatedAnalysis   = "triangulated-analysis"
	QueueGraphIngestion         = "graph-ingestion"
)

// PipelineQueues returns the authoritative queue set in dispatch order.
func PipelineQueues() []string {
	return []string{
		QueueFileAnalysis,
		QueueDirectoryAggregation,
		QueueDirectoryResolution,
		QueueRelationshipResolution,
		QueueValidation,
		QueueReconciliation,
		QueueGlobalResolution,
		QueueTriangulatedAnalysis,
		QueueGraphIngestion,
	}
}

// DeadLetterQueue names the DLQ automatically provisioned for a queue.
func DeadLetterQueue(queue string) string { return queue + "-dead-letter" }

// FileAnalysisJob asks for one file to be classified.
type FileAnalysisJob struct {
	FilePath string `json:"filePath" validate:"required"`
	RunID    string `json:"runId" validate:"required"`
	JobID    string `json:"jobId" validate:"required"`
}

// DirectoryAggregationJob notifies aggregation that a file finished analysis.
type DirectoryAggregationJob struct {
	RunID         string `json:"runId" validate:"required"`
	DirectoryPath string `json:"directoryPath" validate:"required"`
	FilePath      string `json:"filePath" validate:"required"`
}

// DirectoryResolutionJob asks for relationship discovery across a
// directory's processed files. The worker drains the directory's pending
// file set at execution time, so the payload carries no file list.
type DirectoryResolutionJob struct {
	RunID         string `json:"runId" validate:"required"`
	DirectoryPath string `json:"directoryPath" validate:"required"`
}

// POIRef is a persisted POI carried inside downstream job payloads.
type POIRef struct {
	ID         int64   `json:"id" validate:"required"`
	Name       string  `json:"name" validate:"required"`
	Type       POIType `json:"type" validate:"required"`
	SemanticID string  `json:"semanticId"`
	FilePath   string  `json:"filePath"`
	StartLine  int     `json:"startLine"`
	EndLine    int     `json:"endLine"`
	IsExported bool    `json:"isExported"`
}

// RelationshipResolutionJob carries a file's persisted POIs into the
// relationship analysis pass.
type RelationshipResolutionJob struct {
	RunID    string   `json:"runId" validate:"required"`
	FilePath string   `json:"filePath" validate:"required"`
	POIs     []POIRef `json:"pois" validate:"required,min=1,dive"`
}

// GlobalResolutionJob asks for one cross-directory relationship pass over a
// run's exported POIs.
type GlobalResolutionJob struct {
	RunID string `json:"runId" validate:"required"`
}

// ResolvedCandidate is a relationship whose symbolic endpoints have been
// resolved to POI row ids by the outbox publisher.
type ResolvedCandidate struct {
	SourcePOIID int64   `json:"sourcePoiId" validate:"required"`
	TargetPOIID int64   `json:"targetPoiId" validate:"required"`
	SourceName  string  `json:"sourceName" validate:"required"`
	TargetName  string  `json:"targetName" validate:"required"`
	Type        string  `json:"type" validate:"required"`
	FilePath    string  `json:"filePath"`
	Confidence  float64 `json:"confidence" validate:"gte=0,lte=1"`
	Reason      string  `json:"reason"`
	Evidence    string  `json:"evidence"`
}

// Hash returns the evidence-tracking key for the candidate.
func (c ResolvedCandidate) Hash() string {
	return RelationshipHash(c.SourceName, c.TargetName, c.Type)
}

// ValidationItem is one evidence observation to ingest. Source names the
// analysis pass that produced it; items from the same pass for the same
// hash dedupe. Candidate carries the resolved endpoints so validation can
// create the relationship row if this item arrives first.
type ValidationItem struct {
	RelationshipHash string             `json:"relationshipHash" validate:"required"`
	Source           string             `json:"source" validate:"required"`
	Confidence       float64            `json:"confidence" validate:"gte=0,lte=1"`
	EvidenceStrength float64            `json:"evidenceStrength,omitempty"`
	Candidate        *ResolvedCandidate `json:"candidate,omitempty"`
}

// ValidationJob carries evidence items for one run.
type ValidationJob struct {
	RunID string           `json:"runId" validate:"required"`
	Items []ValidationItem `json:"items" validate:"required,min=1,dive"`
}

// ReconciliationJob finalizes a set of completed relationship hashes.
type ReconciliationJob struct {
	RunID  string   `json:"runId" validate:"required"`
	Hashes []string `json:"hashes" validate:"required,min=1"`
}

// TriangulationJob re-analyzes one low-confidence relationship.
type TriangulationJob struct {
	RunID            string  `json:"runId" validate:"required"`
	SessionID        string  `json:"sessionId" validate:"required"`
	RelationshipID   int64   `json:"relationshipId" validate:"required"`
	RelationshipHash string  `json:"relationshipHash" validate:"required"`
	SourceName       string  `json:"sourceName" validate:"required"`
	TargetName       string  `json:"targetName" validate:"required"`
	Type             string  `json:"type" validate:"required"`
	FilePath         string  `json:"filePath"`
	InitialScore     float64 `json:"initialScore" validate:"gte=0,lte=1"`
}

// GraphIngestionJob drains a run's finalized records into the graph store.
type GraphIngestionJob struct {
	RunID string `json:"runId" validate:"required"`
}

// CleanupJob is the periodic cleanup tick payload.
type CleanupJob struct {
	RunID string `json:"runId,omitempty"`
}

// Outbox event payloads.

// POIPayload is a classifier-extracted POI before persistence.
type POIPayload struct {
	Name        string  `json:"name" validate:"required"`
	Type        POIType `json:"type" validate:"required"`
	StartLine   int     `json:"start_line" validate:"gte=0"`
	EndLine     int     `json:"end_line" validate:"gte=0"`
	IsExported  bool    `json:"is_exported"`
	SemanticID  string  `json:"semantic_id"`
	Description string  `json:"description,omitempty"`
}

// FileAnalysisFinding is the payload of a file-analysis-finding event.
// POIs may be empty: an empty finding still marks the file processed.
type FileAnalysisFinding struct {
	RunID    string       `json:"runId" validate:"required"`
	FilePath string       `json:"filePath" validate:"required"`
	FileHash string       `json:"fileHash"`
	POIs     []POIPayload `json:"pois" validate:"dive"`
}

// CandidateRelationship references endpoints by POI name or semantic id,
// never by database identifier; resolution happens in the outbox publisher.
type CandidateRelationship struct {
	From       string  `json:"from" validate:"required"`
	To         string  `json:"to" validate:"required"`
	Type       string  `json:"type" validate:"required"`
	FilePath   string  `json:"filePath"`
	Confidence float64 `json:"confidence" validate:"gte=0,lte=1"`
	Reason     string  `json:"reason"`
	Evidence   string  `json:"evidence"`
}

// RelationshipCreation is the payload of a relationship-creation event.
// Origin labels the analysis pass that staged it (an evidence source
// constant) so validation credits each pass as a distinct evidence item.
type RelationshipCreation struct {
	RunID         string                  `json:"runId" validate:"required"`
	FilePath      string                  `json:"filePath"`
	Origin        string                  `json:"origin,omitempty"`
	Relationships []CandidateRelationship `json:"relationships" validate:"required,min=1,dive"`
}

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

// ValidateJob checks a decoded payload against its struct tags. Failures
// are permanent: a payload that cannot validate will not validate on retry.
func ValidateJob(payload any) error {
	if err := getValidator().Struct(payload); err != nil {
		return fmt.Errorf("op=domain.validate_job: %w: %v", ErrSchemaInvalid, err)
	}
	return nil
}
