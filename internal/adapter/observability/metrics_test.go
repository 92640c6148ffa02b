package observability_test

import (
	"testing"
	"time"

	"github.com/ChrisRoyse/Cognitive-Triangulation-Pipeline-sub007/internal/adapter/observability"
)

// Helpers must be callable without a registered registry (collectors are
// package vars); this guards against label-cardinality typos panicking.
func TestMetricHelpers_NoPanic(t *testing.T) {
	t.Parallel()
	observability.EnqueueJob("file-analysis")
	observability.StartProcessingJob("file-analysis")
	observability.CompleteJob("file-analysis", 120*time.Millisecond)
	observability.StartProcessingJob("validation")
	observability.FailJob("validation")
	observability.DeadLetterJob("validation")
	observability.RecordRateLimitRejection("file-analysis")
	observability.RecordCircuitRejection("file-analysis")
	observability.RecordCircuitState("file-analysis", 1)
	observability.SetWorkerLimit("file-analysis", 10)
	observability.RecordClassifierRequest("file_analysis", "ok", time.Second)
	observability.RecordOutboxPublished("file-analysis-finding", 3)
	observability.RecordOutboxHeld()
	observability.RecordOutboxFailed("relationship-creation")
	observability.RecordAnalysis("batched")
	observability.RecordFileProcessed("processed")
	observability.RecordTriangulationDecision("ACCEPT")
	observability.ObserveStagingFlush(5*time.Millisecond, 100)
	observability.RecordGraphUpserts("nodes", 42)
	observability.RecordCleanup("completed", 7)
}
