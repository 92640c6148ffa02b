// Package observability holds the pipeline's logging, metrics, and
// tracing plumbing: slog setup, Prometheus collectors for queue and
// analysis throughput, and the OpenTelemetry tracer provider.
package observability

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"

	"github.com/ChrisRoyse/Cognitive-Triangulation-Pipeline-sub007/internal/config"
)

// SetupTracing wires the global tracer provider against the configured
// OTLP collector. With no endpoint configured it is a no-op and returns
// a nil shutdown func.
func SetupTracing(cfg config.Config) (func(context.Context) error, error) {
	if cfg.OTLPEndpoint == "" {
		slog.Info("OTLP endpoint not set; tracing disabled")
		return nil, nil
	}

	ctx := context.Background()
	exporter, err := newTraceExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("otlp exporter: %w", err)
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String(cfg.OTELServiceName)))
	if err != nil {
		return nil, fmt.Errorf("otel resource: %w", err)
	}

	ratio := sampleRatio(cfg)
	tp := trace.NewTracerProvider(
		trace.WithBatcher(exporter),
		trace.WithResource(res),
		trace.WithSampler(trace.ParentBased(trace.TraceIDRatioBased(ratio))),
	)
	otel.SetTracerProvider(tp)
	slog.Info("tracing configured",
		slog.String("endpoint", cfg.OTLPEndpoint),
		slog.Float64("sampling_ratio", ratio))
	return tp.Shutdown, nil
}

func newTraceExporter(ctx context.Context, cfg config.Config) (trace.SpanExporter, error) {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.OTLPInsecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	return otlptracegrpc.New(ctx, opts...)
}

// sampleRatio clamps the configured ratio into (0, 1]. Production runs
// sample 10% unless the ratio was set away from the 1.0 default.
func sampleRatio(cfg config.Config) float64 {
	r := cfg.TraceSampleRatio
	if r <= 0 || r > 1 {
		r = 1.0
	}
	if cfg.IsProd() && cfg.TraceSampleRatio == 1.0 {
		r = 0.1
	}
	return r
}
