// Package config defines configuration parsing and helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"

	"github.com/ChrisRoyse/Cognitive-Triangulation-Pipeline-sub007/internal/domain"
)

// Config holds all pipeline configuration parsed from environment variables.
type Config struct {
	AppEnv string `env:"APP_ENV" envDefault:"dev"`
	Port   int    `env:"PIPELINE_PORT" envDefault:"8080"`

	// Queue broker.
	RedisURL string `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`

	// Staging store.
	SQLitePath        string        `env:"SQLITE_PATH" envDefault:"./data/pipeline.db"`
	SQLiteBusyTimeout time.Duration `env:"SQLITE_BUSY_TIMEOUT" envDefault:"5s"`
	// SQLiteWALCeilingPages: health reports degraded when the WAL grows past
	// this many pages between checkpoints.
	SQLiteWALCeilingPages int           `env:"SQLITE_WAL_CEILING_PAGES" envDefault:"10000"`
	SQLiteMaintenance     time.Duration `env:"SQLITE_MAINTENANCE_INTERVAL" envDefault:"30m"`

	// Graph store.
	Neo4jHTTPURL  string `env:"NEO4J_HTTP_URL" envDefault:"http://localhost:7474"`
	Neo4jUsername string `env:"NEO4J_USERNAME" envDefault:"neo4j"`
	Neo4jPassword string `env:"NEO4J_PASSWORD"`
	Neo4jDatabase string `env:"NEO4J_DATABASE" envDefault:"neo4j"`

	// External classifier.
	LLMBaseURL        string `env:"LLM_BASE_URL" envDefault:"https://api.deepseek.com/v1"`
	LLMAPIKey         string `env:"LLM_API_KEY"`
	LLMModel          string `env:"LLM_MODEL" envDefault:"deepseek-chat"`
	LLMMaxConcurrency int    `env:"LLM_MAX_CONCURRENCY" envDefault:"10"`
	LLMTimeoutMS      int    `env:"LLM_TIMEOUT_MS" envDefault:"30000"`
	LLMMaxRetries     int    `env:"LLM_MAX_RETRIES" envDefault:"3"`
	LLMRetryDelayMS   int    `env:"LLM_RETRY_DELAY_MS" envDefault:"1000"`
	// APIRateLimit is the global classifier budget in requests per second,
	// shared across processes.
	APIRateLimit int `env:"API_RATE_LIMIT" envDefault:"25"`

	// Worker concurrency.
	TotalWorkerConcurrency            int `env:"TOTAL_WORKER_CONCURRENCY" envDefault:"100"`
	FileAnalysisConcurrency           int `env:"FILE_ANALYSIS_CONCURRENCY" envDefault:"15"`
	DirectoryAggregationConcurrency   int `env:"DIRECTORY_AGGREGATION_CONCURRENCY" envDefault:"10"`
	DirectoryResolutionConcurrency    int `env:"DIRECTORY_RESOLUTION_CONCURRENCY" envDefault:"5"`
	RelationshipResolutionConcurrency int `env:"RELATIONSHIP_RESOLUTION_CONCURRENCY" envDefault:"10"`
	ValidationConcurrency             int `env:"VALIDATION_CONCURRENCY" envDefault:"15"`
	ReconciliationConcurrency         int `env:"RECONCILIATION_CONCURRENCY" envDefault:"10"`
	GlobalResolutionConcurrency       int `env:"GLOBAL_RESOLUTION_CONCURRENCY" envDefault:"1"`
	TriangulationConcurrency          int `env:"TRIANGULATION_CONCURRENCY" envDefault:"2"`
	GraphIngestionConcurrency         int `env:"GRAPH_INGESTION_CONCURRENCY" envDefault:"5"`
	CleanupConcurrency                int `env:"CLEANUP_CONCURRENCY" envDefault:"1"`

	// Staging batched writer.
	DBBatchSize     int           `env:"DB_BATCH_SIZE" envDefault:"100"`
	DBFlushInterval time.Duration `env:"DB_FLUSH_INTERVAL" envDefault:"1s"`

	// Outbox publisher.
	OutboxPollingInterval       time.Duration `env:"OUTBOX_POLLING_INTERVAL" envDefault:"1s"`
	OutboxBatchSize             int           `env:"OUTBOX_BATCH_SIZE" envDefault:"200"`
	OutboxSuperBatchSize        int           `env:"OUTBOX_SUPER_BATCH_SIZE" envDefault:"1000"`
	OutboxMaxResolutionAttempts int           `env:"OUTBOX_MAX_RESOLUTION_ATTEMPTS" envDefault:"5"`

	// File batching.
	SmallFileThreshold int           `env:"SMALL_FILE_THRESHOLD" envDefault:"10240"`
	MaxFilesPerBatch   int           `env:"MAX_FILES_PER_BATCH" envDefault:"20"`
	MaxBatchChars      int           `env:"MAX_BATCH_CHARS" envDefault:"60000"`
	MaxInputChars      int           `env:"MAX_INPUT_CHARS" envDefault:"60000"`
	BatchFlushInterval time.Duration `env:"BATCH_FLUSH_INTERVAL" envDefault:"4s"`
	// DirectoryDebounce: a directory counts as complete once no new finding
	// has arrived for this long.
	DirectoryDebounce time.Duration `env:"DIRECTORY_DEBOUNCE" envDefault:"10s"`

	// Confidence and consensus thresholds.
	ConfidenceEscalationThreshold float64 `env:"CONFIDENCE_ESCALATION_THRESHOLD" envDefault:"0.45"`
	ConsensusAccept               float64 `env:"CONSENSUS_ACCEPT" envDefault:"0.65"`
	ConsensusReject               float64 `env:"CONSENSUS_REJECT" envDefault:"0.35"`
	AgreementMin                  float64 `env:"AGREEMENT_MIN" envDefault:"0.67"`

	// Triangulation.
	TriangulationMode string        `env:"TRIANGULATION_MODE" envDefault:"parallel"`
	MaxParallelAgents int           `env:"MAX_PARALLEL_AGENTS" envDefault:"3"`
	AgentTimeout      time.Duration `env:"AGENT_TIMEOUT" envDefault:"30s"`
	SessionTimeout    time.Duration `env:"SESSION_TIMEOUT" envDefault:"2m"`

	// Optional scorer/agent weights file (YAML).
	WeightsConfigPath string `env:"WEIGHTS_CONFIG_PATH"`

	// Cleanup.
	MaxJobAge                time.Duration `env:"MAX_JOB_AGE" envDefault:"24h"`
	MaxStaleAge              time.Duration `env:"MAX_STALE_AGE" envDefault:"30m"`
	MaxFailedJobRetention    int           `env:"MAX_FAILED_JOB_RETENTION" envDefault:"5000"`
	MaxCompletedJobRetention int           `env:"MAX_COMPLETED_JOB_RETENTION" envDefault:"1000"`
	CleanupInterval          time.Duration `env:"CLEANUP_INTERVAL" envDefault:"5m"`

	// Adaptive scaling.
	ScaleCPUThreshold  float64       `env:"SCALE_CPU_THRESHOLD" envDefault:"0.85"`
	ScaleHeapThreshold float64       `env:"SCALE_HEAP_THRESHOLD" envDefault:"0.80"`
	ScaleSampleCount   int           `env:"SCALE_SAMPLE_COUNT" envDefault:"3"`
	ScaleInterval      time.Duration `env:"SCALE_SAMPLE_INTERVAL" envDefault:"5s"`

	// Shutdown.
	ShutdownGracePeriod time.Duration `env:"SHUTDOWN_GRACE_PERIOD" envDefault:"30s"`

	// Optional pipeline event stream; disabled when no brokers are set.
	KafkaBrokers             string `env:"KAFKA_BROKERS"`
	KafkaTopicPipelineEvents string `env:"KAFKA_TOPIC_PIPELINE_EVENTS" envDefault:"pipeline.lifecycle.events"`

	// Observability.
	OTLPEndpoint     string  `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTELServiceName  string  `env:"OTEL_SERVICE_NAME" envDefault:"cognitive-triangulation-pipeline"`
	OTLPInsecure     bool    `env:"OTLP_INSECURE" envDefault:"true"`
	TraceSampleRatio float64 `env:"TRACE_SAMPLE_RATIO" envDefault:"1.0"`

	// Ops HTTP server.
	CORSAllowOrigins      string        `env:"CORS_ALLOW_ORIGINS" envDefault:"*"`
	RateLimitPerMin       int           `env:"RATE_LIMIT_PER_MIN" envDefault:"120"`
	HTTPReadTimeout       time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"15s"`
	HTTPWriteTimeout      time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
	HTTPIdleTimeout       time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"60s"`
	ServerShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" envDefault:"30s"`
}

// Load parses environment variables into a Config.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("op=config.Load: %w", err)
	}
	return cfg, nil
}

// Validate rejects configurations that cannot drive the pipeline.
func (c Config) Validate() error {
	if c.TotalWorkerConcurrency < 1 {
		return fmt.Errorf("op=config.Validate: TOTAL_WORKER_CONCURRENCY must be >= 1: %w", domain.ErrInvalidArgument)
	}
	for _, v := range []struct {
		name string
		val  float64
	}{
		{"CONFIDENCE_ESCALATION_THRESHOLD", c.ConfidenceEscalationThreshold},
		{"CONSENSUS_ACCEPT", c.ConsensusAccept},
		{"CONSENSUS_REJECT", c.ConsensusReject},
		{"AGREEMENT_MIN", c.AgreementMin},
	} {
		if v.val < 0 || v.val > 1 {
			return fmt.Errorf("op=config.Validate: %s=%v outside [0,1]: %w", v.name, v.val, domain.ErrInvalidArgument)
		}
	}
	if c.ConsensusReject >= c.ConsensusAccept {
		return fmt.Errorf("op=config.Validate: CONSENSUS_REJECT must be below CONSENSUS_ACCEPT: %w", domain.ErrInvalidArgument)
	}
	if c.OutboxBatchSize < 1 || c.OutboxSuperBatchSize < 1 || c.DBBatchSize < 1 {
		return fmt.Errorf("op=config.Validate: batch sizes must be >= 1: %w", domain.ErrInvalidArgument)
	}
	if c.MaxFilesPerBatch < 1 || c.MaxBatchChars < 1 || c.MaxInputChars < 1 {
		return fmt.Errorf("op=config.Validate: batching limits must be >= 1: %w", domain.ErrInvalidArgument)
	}
	if mode := strings.ToLower(c.TriangulationMode); mode != "parallel" && mode != "sequential" {
		return fmt.Errorf("op=config.Validate: TRIANGULATION_MODE must be parallel or sequential: %w", domain.ErrInvalidArgument)
	}
	return nil
}

// IsDev reports whether the app is running in development mode.
func (c Config) IsDev() bool { return strings.ToLower(c.AppEnv) == "dev" }

// IsProd reports whether the app is running in production mode.
func (c Config) IsProd() bool { return strings.ToLower(c.AppEnv) == "prod" }

// IsTest reports whether the app is running in test mode.
func (c Config) IsTest() bool { return strings.ToLower(c.AppEnv) == "test" }

// LLMTimeout returns the per-call classifier timeout.
func (c Config) LLMTimeout() time.Duration {
	return time.Duration(c.LLMTimeoutMS) * time.Millisecond
}

// LLMRetryDelay returns the base delay between classifier retries.
func (c Config) LLMRetryDelay() time.Duration {
	return time.Duration(c.LLMRetryDelayMS) * time.Millisecond
}

// ClassifierBackoff returns backoff settings appropriate for the current
// environment. Test environments use much shorter intervals for fast runs.
func (c Config) ClassifierBackoff() (initialInterval, maxInterval, maxElapsed time.Duration) {
	if c.IsTest() {
		return 50 * time.Millisecond, 500 * time.Millisecond, 3 * time.Second
	}
	initial := c.LLMRetryDelay()
	if initial <= 0 {
		initial = time.Second
	}
	return initial, 20 * time.Second, time.Duration(c.LLMMaxRetries+1) * c.LLMTimeout()
}

// GraphBackoff returns backoff settings for graph store writes.
func (c Config) GraphBackoff() (initialInterval, maxInterval, maxElapsed time.Duration) {
	if c.IsTest() {
		return 10 * time.Millisecond, 100 * time.Millisecond, 2 * time.Second
	}
	return 500 * time.Millisecond, 5 * time.Second, 30 * time.Second
}

// EventStreamEnabled reports whether the Kafka lifecycle stream is on.
func (c Config) EventStreamEnabled() bool { return strings.TrimSpace(c.KafkaBrokers) != "" }

// KafkaBrokerList splits KAFKA_BROKERS into broker addresses.
func (c Config) KafkaBrokerList() []string {
	if !c.EventStreamEnabled() {
		return nil
	}
	parts := strings.Split(c.KafkaBrokers, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// ConcurrencyFor returns the configured per-queue concurrency cap.
func (c Config) ConcurrencyFor(queue string) int {
	switch queue {
	case domain.QueueFileAnalysis:
		return c.FileAnalysisConcurrency
	case domain.QueueDirectoryAggregation:
		return c.DirectoryAggregationConcurrency
	case domain.QueueDirectoryResolution:
		return c.DirectoryResolutionConcurrency
	case domain.QueueRelationshipResolution:
		return c.RelationshipResolutionConcurrency
	case domain.QueueValidation:
		return c.ValidationConcurrency
	case domain.QueueReconciliation:
		return c.ReconciliationConcurrency
	case domain.QueueGlobalResolution:
		return c.GlobalResolutionConcurrency
	case domain.QueueTriangulatedAnalysis:
		return c.TriangulationConcurrency
	case domain.QueueGraphIngestion:
		return c.GraphIngestionConcurrency
	default:
		return 1
	}
}
