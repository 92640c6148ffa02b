// Package app assembles the running pipeline: consumer loops over the
// queue broker, the supporting background loops, and the ops HTTP
// surface.
package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	httpserver "github.com/ChrisRoyse/Cognitive-Triangulation-Pipeline-sub007/internal/adapter/httpserver"
	"github.com/ChrisRoyse/Cognitive-Triangulation-Pipeline-sub007/internal/adapter/observability"
	"github.com/ChrisRoyse/Cognitive-Triangulation-Pipeline-sub007/internal/config"
)

// ParseOrigins splits a comma-separated origin list, dropping blanks.
// An empty list falls back to "*"; the ops API is meant to sit on an
// internal network.
func ParseOrigins(s string) []string {
	wildcard := []string{"*"}
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return wildcard
	}
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return wildcard
	}
	return out
}

// BuildRouter constructs the ops HTTP handler: middleware stack, queue
// inspection and control, run status, readiness, and metrics.
func BuildRouter(cfg config.Config, srv *httpserver.Server) http.Handler {
	r := chi.NewRouter()
	r.Use(
		httpserver.Recoverer(),
		httpserver.RequestID(),
		httpserver.TimeoutMiddleware(30*time.Second),
		httpserver.AccessLog(),
		observability.HTTPMetricsMiddleware,
		corsPolicy(cfg),
	)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Get("/readyz", srv.ReadyzHandler())
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(v1 chi.Router) {
		v1.Get("/queues", srv.QueuesHandler())
		v1.Get("/runs/{runID}/status", srv.RunStatusHandler())

		// Queue controls mutate broker state; rate limit them per client IP.
		v1.Group(func(ctl chi.Router) {
			ctl.Use(httprate.LimitByIP(cfg.RateLimitPerMin, time.Minute))
			ctl.Post("/queues/{queue}/pause", srv.PauseQueueHandler())
			ctl.Post("/queues/{queue}/resume", srv.ResumeQueueHandler())
			ctl.Post("/queues/drain", srv.DrainHandler())
		})
	})

	// The span must open before RequestID runs so the request logger can
	// carry the trace id.
	return httpserver.SecurityHeaders(otelhttp.NewHandler(r, "ops-http"))
}

func corsPolicy(cfg config.Config) func(http.Handler) http.Handler {
	return cors.Handler(cors.Options{
		AllowedOrigins: ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"*"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	})
}
