package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ChrisRoyse/Cognitive-Triangulation-Pipeline-sub007/internal/config"
	"github.com/ChrisRoyse/Cognitive-Triangulation-Pipeline-sub007/internal/domain"
)

// QueueController is the slice of the broker the ops API drives.
type QueueController interface {
	Counts(ctx domain.Context, queue string) (domain.QueueCounts, error)
	Pause(ctx domain.Context, queue string) error
	Resume(ctx domain.Context, queue string) error
}

// RunStatusStore reads one run's staging progress.
type RunStatusStore interface {
	FileStatusCounts(ctx domain.Context, runID string) (map[domain.FileStatus]int64, error)
	RelationshipStatusCounts(ctx domain.Context, runID string) (map[domain.RelationshipStatus]int64, error)
	EscalatedCount(ctx domain.Context, runID string) (int64, error)
	RunSettled(ctx domain.Context, runID string) (bool, error)
}

// Drainer empties pipeline queues after an explicit confirmation phrase.
type Drainer interface {
	EmergencyDrain(ctx domain.Context, confirmation string) error
}

// Server aggregates the ops handlers' dependencies.
type Server struct {
	Cfg     config.Config
	Queues  QueueController
	Staging RunStatusStore
	Drainer Drainer
	Health  *HealthTracker
}

// NewServer wires the ops handlers.
func NewServer(cfg config.Config, queues QueueController, staging RunStatusStore, drainer Drainer, health *HealthTracker) *Server {
	return &Server{Cfg: cfg, Queues: queues, Staging: staging, Drainer: drainer, Health: health}
}

var pipelineQueueSet = func() map[string]struct{} {
	set := make(map[string]struct{}, len(domain.PipelineQueues()))
	for _, q := range domain.PipelineQueues() {
		set[q] = struct{}{}
	}
	return set
}()

// QueuesHandler reports per-state counts for every pipeline queue, in
// pipeline order.
func (s *Server) QueuesHandler() http.HandlerFunc {
	type queueStatus struct {
		Name string `json:"name"`
		domain.QueueCounts
	}
	return func(w http.ResponseWriter, r *http.Request) {
		queues := domain.PipelineQueues()
		out := make([]queueStatus, 0, len(queues))
		for _, q := range queues {
			counts, err := s.Queues.Counts(r.Context(), q)
			if err != nil {
				writeError(w, err)
				return
			}
			out = append(out, queueStatus{Name: q, QueueCounts: counts})
		}
		writeJSON(w, http.StatusOK, map[string]any{"queues": out})
	}
}

// PauseQueueHandler stops reservations on one queue. Enqueues still land.
func (s *Server) PauseQueueHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := chi.URLParam(r, "queue")
		if _, ok := pipelineQueueSet[q]; !ok {
			writeError(w, fmt.Errorf("%w: unknown queue %q", domain.ErrNotFound, q))
			return
		}
		if err := s.Queues.Pause(r.Context(), q); err != nil {
			writeError(w, err)
			return
		}
		LoggerFrom(r).Info("queue paused", slog.String("queue", q))
		writeJSON(w, http.StatusOK, map[string]string{"queue": q, "state": "paused"})
	}
}

// ResumeQueueHandler lifts a pause.
func (s *Server) ResumeQueueHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := chi.URLParam(r, "queue")
		if _, ok := pipelineQueueSet[q]; !ok {
			writeError(w, fmt.Errorf("%w: unknown queue %q", domain.ErrNotFound, q))
			return
		}
		if err := s.Queues.Resume(r.Context(), q); err != nil {
			writeError(w, err)
			return
		}
		LoggerFrom(r).Info("queue resumed", slog.String("queue", q))
		writeJSON(w, http.StatusOK, map[string]string{"queue": q, "state": "resumed"})
	}
}

// DrainHandler empties every pipeline queue and its dead-letter queue.
// The body must carry the exact confirmation phrase; anything else is
// rejected before a single job is touched.
func (s *Server) DrainHandler() http.HandlerFunc {
	type drainRequest struct {
		Confirmation string `json:"confirmation"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req drainRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
			writeError(w, fmt.Errorf("%w: malformed drain request: %v", domain.ErrInvalidArgument, err))
			return
		}
		if err := s.Drainer.EmergencyDrain(r.Context(), req.Confirmation); err != nil {
			writeError(w, err)
			return
		}
		LoggerFrom(r).Warn("emergency drain requested")
		writeJSON(w, http.StatusOK, map[string]string{"state": "drained"})
	}
}

// RunStatusHandler reports a run's staging progress: file and
// relationship status counts, escalated session count, and whether the
// staged work has settled.
func (s *Server) RunStatusHandler() http.HandlerFunc {
	type runStatus struct {
		RunID         string           `json:"run_id"`
		Settled       bool             `json:"settled"`
		Files         map[string]int64 `json:"files"`
		Relationships map[string]int64 `json:"relationships"`
		Escalated     int64            `json:"escalated_sessions"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		runID := chi.URLParam(r, "runID")
		ctx := r.Context()

		files, err := s.Staging.FileStatusCounts(ctx, runID)
		if err != nil {
			writeError(w, err)
			return
		}
		rels, err := s.Staging.RelationshipStatusCounts(ctx, runID)
		if err != nil {
			writeError(w, err)
			return
		}
		if len(files) == 0 && len(rels) == 0 {
			writeError(w, fmt.Errorf("%w: run %q has no staged work", domain.ErrNotFound, runID))
			return
		}
		escalated, err := s.Staging.EscalatedCount(ctx, runID)
		if err != nil {
			writeError(w, err)
			return
		}
		settled, err := s.Staging.RunSettled(ctx, runID)
		if err != nil {
			writeError(w, err)
			return
		}

		st := runStatus{
			RunID:         runID,
			Settled:       settled,
			Files:         make(map[string]int64, len(files)),
			Relationships: make(map[string]int64, len(rels)),
			Escalated:     escalated,
		}
		for k, v := range files {
			st.Files[string(k)] = v
		}
		for k, v := range rels {
			st.Relationships[string(k)] = v
		}
		writeJSON(w, http.StatusOK, st)
	}
}

// ReadyzHandler probes every registered dependency and answers 503 until
// all of them are under the consecutive-failure threshold.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		report := s.Health.Check(ctx)
		st := http.StatusOK
		if !report.Overall {
			st = http.StatusServiceUnavailable
		}
		writeJSON(w, st, report)
	}
}
