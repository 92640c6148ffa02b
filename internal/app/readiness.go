package app

import (
	"context"
	"fmt"
	"strings"

	httpserver "github.com/ChrisRoyse/Cognitive-Triangulation-Pipeline-sub007/internal/adapter/httpserver"
	"github.com/ChrisRoyse/Cognitive-Triangulation-Pipeline-sub007/internal/workerpool"
)

// Pinger is any dependency exposing a context-aware liveness probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// StagingChecker is the staging store's probe; it verifies queries answer
// and the WAL stays under its page ceiling.
type StagingChecker interface {
	Health(ctx context.Context) error
}

// BuildHealthTracker registers the pipeline's five dependencies with a
// shared consecutive-failure tracker: staging store, queue broker, graph
// store, classifier, and the worker pool itself.
func BuildHealthTracker(staging StagingChecker, broker, graph, classifier Pinger, pool *workerpool.Manager) *httpserver.HealthTracker {
	t := httpserver.NewHealthTracker(0)
	t.Register("staging", func(ctx context.Context) error {
		if staging == nil {
			return fmt.Errorf("staging store not configured")
		}
		return staging.Health(ctx)
	})
	t.Register("broker", pingProbe(broker, "broker"))
	t.Register("graph", pingProbe(graph, "graph store"))
	t.Register("classifier", pingProbe(classifier, "classifier"))
	t.Register("workers", func(context.Context) error {
		if pool == nil {
			return fmt.Errorf("worker pool not configured")
		}
		var open []string
		for _, wt := range pool.WorkerTypes() {
			if pool.BreakerState(wt) == workerpool.StateOpen {
				open = append(open, wt)
			}
		}
		if len(open) > 0 {
			return fmt.Errorf("open circuit breakers: %s", strings.Join(open, ", "))
		}
		return nil
	})
	return t
}

func pingProbe(p Pinger, name string) httpserver.Probe {
	return func(ctx context.Context) error {
		if p == nil {
			return fmt.Errorf("%s not configured", name)
		}
		return p.Ping(ctx)
	}
}
