package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	JobsEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_jobs_enqueued_total",
			Help: "Total number of jobs enqueued per queue",
		},
		[]string{"queue"},
	)
	JobsProcessing = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pipeline_jobs_processing",
			Help: "Number of jobs currently processing per queue",
		},
		[]string{"queue"},
	)
	JobsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_jobs_completed_total",
			Help: "Total number of jobs completed per queue",
		},
		[]string{"queue"},
	)
	JobsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_jobs_failed_total",
			Help: "Total number of jobs failed per queue",
		},
		[]string{"queue"},
	)
	JobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pipeline_job_duration_seconds",
			Help:    "Job handler duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"queue"},
	)
	JobsDeadLetteredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_jobs_dead_lettered_total",
			Help: "Total number of jobs moved to a dead-letter queue",
		},
		[]string{"queue"},
	)

	RateLimitRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_rate_limit_rejections_total",
			Help: "Slot requests rejected by the per-worker token bucket",
		},
		[]string{"worker"},
	)
	CircuitRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_circuit_rejections_total",
			Help: "Slot requests rejected by an open circuit breaker",
		},
		[]string{"worker"},
	)
	CircuitState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pipeline_circuit_state",
			Help: "Circuit breaker state per worker (0=closed, 1=open, 2=half-open)",
		},
		[]string{"worker"},
	)
	WorkerSlotsInUse = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pipeline_worker_slots_in_use",
			Help: "Global in-flight slot count",
		},
	)
	WorkerEffectiveLimit = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pipeline_worker_effective_limit",
			Help: "Adaptive per-worker concurrency limit",
		},
		[]string{"worker"},
	)

	ClassifierRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_classifier_requests_total",
			Help: "Classifier requests by operation and outcome",
		},
		[]string{"operation", "outcome"},
	)
	ClassifierRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pipeline_classifier_request_duration_seconds",
			Help:    "Classifier request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"operation"},
	)

	OutboxPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_outbox_published_total",
			Help: "Outbox events marked PUBLISHED by event type",
		},
		[]string{"event_type"},
	)
	OutboxHeldTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pipeline_outbox_held_total",
			Help: "Outbox events held for unresolved POI references",
		},
	)
	OutboxFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_outbox_failed_total",
			Help: "Outbox events marked FAILED by event type",
		},
		[]string{"event_type"},
	)
	OutboxPollDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pipeline_outbox_poll_duration_seconds",
			Help:    "Duration of one outbox poll cycle",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2},
		},
	)

	AnalysisTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_analysis_total",
			Help: "File analyses by mode (batched, single, fallback)",
		},
		[]string{"mode"},
	)
	FilesProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_files_processed_total",
			Help: "Files finished by terminal status",
		},
		[]string{"status"},
	)

	TriangulationDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_triangulation_decisions_total",
			Help: "Consensus decisions by outcome",
		},
		[]string{"decision"},
	)
	TriangulationSessionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pipeline_triangulation_session_duration_seconds",
			Help:    "Triangulation session duration in seconds",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
		},
	)

	EvidenceItemsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_evidence_items_total",
			Help: "Evidence items ingested by source",
		},
		[]string{"source"},
	)
	RelationshipsFinalizedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_relationships_finalized_total",
			Help: "Relationships finalized by reconciliation outcome",
		},
		[]string{"outcome"},
	)

	StagingFlushDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pipeline_staging_flush_duration_seconds",
			Help:    "Batched writer flush duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1},
		},
	)
	StagingFlushRows = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pipeline_staging_flush_rows",
			Help:    "Rows written per batched writer flush",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		},
	)

	GraphUpsertsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_graph_upserts_total",
			Help: "Graph store upserts by kind (nodes, edges)",
		},
		[]string{"kind"},
	)

	CleanupRemovedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_cleanup_removed_total",
			Help: "Jobs removed or requeued by the cleanup manager",
		},
		[]string{"state"},
	)

	LifecycleEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_lifecycle_events_total",
			Help: "Lifecycle events published by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)
)

func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(JobsEnqueuedTotal)
	prometheus.MustRegister(JobsProcessing)
	prometheus.MustRegister(JobsCompletedTotal)
	prometheus.MustRegister(JobsFailedTotal)
	prometheus.MustRegister(JobDuration)
	prometheus.MustRegister(JobsDeadLetteredTotal)
	prometheus.MustRegister(RateLimitRejectionsTotal)
	prometheus.MustRegister(CircuitRejectionsTotal)
	prometheus.MustRegister(CircuitState)
	prometheus.MustRegister(WorkerSlotsInUse)
	prometheus.MustRegister(WorkerEffectiveLimit)
	prometheus.MustRegister(ClassifierRequestsTotal)
	prometheus.MustRegister(ClassifierRequestDuration)
	prometheus.MustRegister(OutboxPublishedTotal)
	prometheus.MustRegister(OutboxHeldTotal)
	prometheus.MustRegister(OutboxFailedTotal)
	prometheus.MustRegister(OutboxPollDuration)
	prometheus.MustRegister(AnalysisTotal)
	prometheus.MustRegister(FilesProcessedTotal)
	prometheus.MustRegister(TriangulationDecisionsTotal)
	prometheus.MustRegister(TriangulationSessionDuration)
	prometheus.MustRegister(EvidenceItemsTotal)
	prometheus.MustRegister(RelationshipsFinalizedTotal)
	prometheus.MustRegister(StagingFlushDuration)
	prometheus.MustRegister(StagingFlushRows)
	prometheus.MustRegister(GraphUpsertsTotal)
	prometheus.MustRegister(CleanupRemovedTotal)
	prometheus.MustRegister(LifecycleEventsTotal)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside chi router; guard nil
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			route = r.URL.Path
		}
		method := r.Method
		status := ww.Status()
		HTTPRequestsTotal.WithLabelValues(route, method, http.StatusText(status)).Inc()
		HTTPRequestDuration.WithLabelValues(route, method).Observe(dur)
	})
}

func EnqueueJob(queue string) {
	JobsEnqueuedTotal.WithLabelValues(queue).Inc()
}

func StartProcessingJob(queue string) {
	JobsProcessing.WithLabelValues(queue).Inc()
}

func CompleteJob(queue string, d time.Duration) {
	JobsProcessing.WithLabelValues(queue).Dec()
	JobsCompletedTotal.WithLabelValues(queue).Inc()
	JobDuration.WithLabelValues(queue).Observe(d.Seconds())
}

func FailJob(queue string) {
	JobsProcessing.WithLabelValues(queue).Dec()
	JobsFailedTotal.WithLabelValues(queue).Inc()
}

func DeadLetterJob(queue string) {
	JobsDeadLetteredTotal.WithLabelValues(queue).Inc()
}

func RecordRateLimitRejection(worker string) {
	RateLimitRejectionsTotal.WithLabelValues(worker).Inc()
}

func RecordCircuitRejection(worker string) {
	CircuitRejectionsTotal.WithLabelValues(worker).Inc()
}

func RecordCircuitState(worker string, state int) {
	CircuitState.WithLabelValues(worker).Set(float64(state))
}

func SetWorkerLimit(worker string, limit int) {
	WorkerEffectiveLimit.WithLabelValues(worker).Set(float64(limit))
}

func AcquireWorkerSlot() {
	WorkerSlotsInUse.Inc()
}

func ReleaseWorkerSlot() {
	WorkerSlotsInUse.Dec()
}

func RecordClassifierRequest(operation, outcome string, d time.Duration) {
	ClassifierRequestsTotal.WithLabelValues(operation, outcome).Inc()
	ClassifierRequestDuration.WithLabelValues(operation).Observe(d.Seconds())
}

func RecordOutboxPublished(eventType string, n int) {
	OutboxPublishedTotal.WithLabelValues(eventType).Add(float64(n))
}

func RecordOutboxHeld() {
	OutboxHeldTotal.Inc()
}

func RecordOutboxFailed(eventType string) {
	OutboxFailedTotal.WithLabelValues(eventType).Inc()
}

func RecordAnalysis(mode string) {
	AnalysisTotal.WithLabelValues(mode).Inc()
}

func RecordFileProcessed(status string) {
	FilesProcessedTotal.WithLabelValues(status).Inc()
}

func RecordTriangulationDecision(decision string) {
	TriangulationDecisionsTotal.WithLabelValues(decision).Inc()
}

func ObserveTriangulationSession(d time.Duration) {
	TriangulationSessionDuration.Observe(d.Seconds())
}

func RecordEvidenceItem(source string) {
	EvidenceItemsTotal.WithLabelValues(source).Inc()
}

func RecordFinalized(outcome string, n int64) {
	RelationshipsFinalizedTotal.WithLabelValues(outcome).Add(float64(n))
}

func ObserveStagingFlush(d time.Duration, rows int) {
	StagingFlushDuration.Observe(d.Seconds())
	StagingFlushRows.Observe(float64(rows))
}

func RecordGraphUpserts(kind string, n int) {
	GraphUpsertsTotal.WithLabelValues(kind).Add(float64(n))
}

func RecordLifecycleEvent(kind, outcome string) {
	LifecycleEventsTotal.WithLabelValues(kind, outcome).Inc()
}

func RecordCleanup(state string, n int64) {
	CleanupRemovedTotal.WithLabelValues(state).Add(float64(n))
}
