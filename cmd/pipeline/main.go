// Command pipeline runs the cognitive triangulation pipeline: one
// consumer loop per queue stage, the supporting background loops, and
// the ops HTTP server, all in a single process.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	ai "github.com/ChrisRoyse/Cognitive-Triangulation-Pipeline-sub007/internal/adapter/ai"
	"github.com/ChrisRoyse/Cognitive-Triangulation-Pipeline-sub007/internal/adapter/events"
	neo4j "github.com/ChrisRoyse/Cognitive-Triangulation-Pipeline-sub007/internal/adapter/graph/neo4j"
	httpserver "github.com/ChrisRoyse/Cognitive-Triangulation-Pipeline-sub007/internal/adapter/httpserver"
	"github.com/ChrisRoyse/Cognitive-Triangulation-Pipeline-sub007/internal/adapter/observability"
	"github.com/ChrisRoyse/Cognitive-Triangulation-Pipeline-sub007/internal/adapter/queue/redisq"
	"github.com/ChrisRoyse/Cognitive-Triangulation-Pipeline-sub007/internal/adapter/repo/sqlite"
	"github.com/ChrisRoyse/Cognitive-Triangulation-Pipeline-sub007/internal/analysis"
	"github.com/ChrisRoyse/Cognitive-Triangulation-Pipeline-sub007/internal/app"
	"github.com/ChrisRoyse/Cognitive-Triangulation-Pipeline-sub007/internal/cleanup"
	"github.com/ChrisRoyse/Cognitive-Triangulation-Pipeline-sub007/internal/config"
	"github.com/ChrisRoyse/Cognitive-Triangulation-Pipeline-sub007/internal/domain"
	"github.com/ChrisRoyse/Cognitive-Triangulation-Pipeline-sub007/internal/ingest"
	"github.com/ChrisRoyse/Cognitive-Triangulation-Pipeline-sub007/internal/outbox"
	"github.com/ChrisRoyse/Cognitive-Triangulation-Pipeline-sub007/internal/reconcile"
	"github.com/ChrisRoyse/Cognitive-Triangulation-Pipeline-sub007/internal/service/ratelimiter"
	"github.com/ChrisRoyse/Cognitive-Triangulation-Pipeline-sub007/internal/triangulation"
	"github.com/ChrisRoyse/Cognitive-Triangulation-Pipeline-sub007/internal/workerpool"
)

// Exit codes: 1 config or flag validation, 2 fatal dependency,
// 3 graceful-shutdown timeout.
const (
	exitConfig     = 1
	exitDependency = 2
	exitShutdown   = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		return exitConfig
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	weights, err := config.LoadWeights(cfg.WeightsConfigPath)
	if err != nil {
		slog.Error("weights config invalid", slog.Any("error", err))
		return exitConfig
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Staging store.
	store, err := sqlite.Open(ctx, sqlite.Options{
		Path:           cfg.SQLitePath,
		BusyTimeout:    cfg.SQLiteBusyTimeout,
		WALPageCeiling: int64(cfg.SQLiteWALCeilingPages),
	}, logger)
	if err != nil {
		slog.Error("staging store open failed", slog.Any("error", err))
		return exitDependency
	}
	defer func() { _ = store.Close() }()

	// Queue broker.
	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("redis url invalid", slog.Any("error", err))
		return exitConfig
	}
	rdb := redis.NewClient(redisOpts)
	defer func() { _ = rdb.Close() }()
	if err := rdb.Ping(ctx).Err(); err != nil {
		slog.Error("redis unreachable", slog.Any("error", err))
		return exitDependency
	}
	broker := redisq.New(rdb)

	// Graph store.
	graph := neo4j.New(cfg)

	// Classifier, throttled by the cross-process budget.
	limiter := ratelimiter.NewRedisLuaLimiter(rdb, map[string]ratelimiter.BucketConfig{
		ai.BudgetKey: ratelimiter.NewBucketConfigPerSecond(cfg.APIRateLimit),
	})
	classifier := ai.New(cfg, limiter)

	// Optional lifecycle event stream. The untyped nil matters: services
	// skip publishing only when the interface itself is nil.
	var publisher domain.EventPublisher
	if cfg.EventStreamEnabled() {
		kafkaPub, err := events.New(cfg, logger)
		if err != nil {
			slog.Error("event stream init failed", slog.Any("error", err))
			return exitDependency
		}
		defer kafkaPub.Close()
		publisher = kafkaPub
	}

	// Stage services.
	writer := sqlite.NewBatchedWriter(store, logger, sqlite.BatchedWriterOptions{
		BatchSize:     cfg.DBBatchSize,
		FlushInterval: cfg.DBFlushInterval,
	})
	analysisSvc := analysis.NewService(store, writer, broker, classifier, publisher, rdb, cfg, logger)
	reconcileSvc := reconcile.NewService(store, broker, cfg, weights, logger)
	triangulationSvc := triangulation.NewService(store, broker, classifier, publisher, cfg, weights, logger)
	ingestSvc := ingest.NewService(store, graph, broker, publisher, rdb, logger)

	// Worker pool and its supporting loops.
	pool := workerpool.NewManager(cfg.TotalWorkerConcurrency, logger)
	scaler := workerpool.NewScaler(pool, workerpool.ScalerConfig{
		CPUThreshold:  cfg.ScaleCPUThreshold,
		HeapThreshold: cfg.ScaleHeapThreshold,
		SampleCount:   cfg.ScaleSampleCount,
		Interval:      cfg.ScaleInterval,
	}, logger)
	outboxPub := outbox.NewPublisher(store, broker, cfg, logger)
	cleanupMgr := cleanup.NewManager(broker, publisher, cfg, logger)

	application, err := app.New(cfg, logger, broker, pool, app.Services{
		Analysis:      analysisSvc,
		Reconcile:     reconcileSvc,
		Triangulation: triangulationSvc,
		Ingest:        ingestSvc,
	}, app.Background{
		Outbox:  outboxPub,
		Cleanup: cleanupMgr,
		Scaler:  scaler,
	})
	if err != nil {
		slog.Error("app wiring failed", slog.Any("error", err))
		return exitConfig
	}

	// Ops HTTP server.
	health := app.BuildHealthTracker(store, broker, graph, classifier, pool)
	srv := httpserver.NewServer(cfg, broker, store, cleanupMgr, health)
	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           app.BuildRouter(cfg, srv),
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	var httpFailed atomic.Bool
	go func() {
		slog.Info("ops server starting", slog.Int("port", cfg.Port))
		if err := srvHTTP.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("ops server failed", slog.Any("error", err))
			httpFailed.Store(true)
			stop()
		}
	}()

	go writer.Run(ctx)
	go store.RunMaintenance(ctx, cfg.SQLiteMaintenance)

	slog.Info("pipeline starting", slog.String("env", cfg.AppEnv))
	runErr := application.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)

	switch {
	case httpFailed.Load():
		return exitDependency
	case errors.Is(runErr, app.ErrShutdownTimeout):
		slog.Error("graceful shutdown timed out; stragglers were requeued")
		return exitShutdown
	}
	slog.Info("pipeline stopped cleanly")
	return 0
}
