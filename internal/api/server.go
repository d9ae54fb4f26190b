package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/dunamismax/actflow/internal/orchestrator"
	"github.com/dunamismax/actflow/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// batchController is the slice of the orchestrator the status server
// needs: observe and steer, never mutate jobs directly.
type batchController interface {
	Status(ctx context.Context) (orchestrator.Snapshot, error)
	Pause()
	Resume()
}

// Server exposes read-only batch observability plus pause/resume over
// HTTP, for watching a long overnight batch without tailing logs.
type Server struct {
	logger     *log.Logger
	controller batchController
	jobStore   store.JobStore
	metrics    http.Handler
	router     chi.Router
}

func NewServer(logger *log.Logger, controller batchController, jobStore store.JobStore, metrics http.Handler) *Server {
	s := &Server{
		logger:     logger,
		controller: controller,
		jobStore:   jobStore,
		metrics:    metrics,
		router:     chi.NewRouter(),
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(30 * time.Second))

	s.router.Get("/healthz", s.handleHealthz)
	s.router.Get("/v1/status", s.handleStatus)
	s.router.Get("/v1/jobs", s.handleListJobs)
	s.router.Get("/v1/jobs/{jobID}", s.handleGetJob)
	s.router.Post("/v1/pause", s.handlePause)
	s.router.Post("/v1/resume", s.handleResume)
	if s.metrics != nil {
		s.router.Method(http.MethodGet, "/metrics", s.metrics)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := s.controller.Status(r.Context())
	if err != nil {
		s.logger.Printf("status query failed err=%v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to load status"})
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	var states []string
	if state := r.URL.Query().Get("state"); state != "" {
		states = append(states, state)
	}

	jobs, err := s.jobStore.ListByState(r.Context(), states...)
	if err != nil {
		s.logger.Printf("job listing failed err=%v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to list jobs"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":  jobs,
		"count": len(jobs),
	})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	job, ok, err := s.jobStore.Get(r.Context(), jobID)
	if err != nil {
		s.logger.Printf("job load failed job_id=%s err=%v", jobID, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to load job"})
		return
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "job not found"})
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handlePause(w http.ResponseWriter, _ *http.Request) {
	s.controller.Pause()
	writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

func (s *Server) handleResume(w http.ResponseWriter, _ *http.Request) {
	s.controller.Resume()
	writeJSON(w, http.StatusOK, map[string]string{"status": "running"})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
