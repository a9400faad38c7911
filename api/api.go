// Package api is the operations HTTP surface: liveness, Prometheus
// metrics, and read access to runs, health, queue and alerts, plus the
// operator command queue.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"vessel_ingest/models"
	"vessel_ingest/services"
	"vessel_ingest/storage"
)

// Status reports whether the daemon is currently paused.
type Status interface {
	IsPaused() bool
}

type Config struct {
	Store  storage.Store
	Queue  *services.DetailQueue
	Status Status
	Logger *zap.Logger
}

type server struct {
	store  storage.Store
	queue  *services.DetailQueue
	status Status
	logger *zap.Logger
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// New returns the router for the ops API.
func New(cfg Config) http.Handler {
	s := &server{store: cfg.Store, queue: cfg.Queue, status: cfg.Status, logger: cfg.Logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", s.healthz)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/runs", s.listRuns)
		r.Get("/runs/{id}", s.getRun)
		r.Get("/sources/health", s.sourceHealth)
		r.Get("/queue/{source}", s.queueStats)
		r.Get("/queue/{source}/dead", s.deadJobs)
		r.Post("/queue/jobs/{id}/requeue", s.requeueJob)
		r.Get("/outbox", s.outboxStats)
		r.Get("/alerts", s.listAlerts)
		r.Post("/commands", s.createCommand)
	})
	return r
}

func (s *server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (s *server) healthz(w http.ResponseWriter, r *http.Request) {
	paused := false
	if s.status != nil {
		paused = s.status.IsPaused()
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "paused": paused})
}

func (s *server) listRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	runType := models.RunType(q.Get("run_type"))
	if runType != "" && !runType.Valid() {
		writeError(w, http.StatusBadRequest, "bad_request", "unknown run_type")
		return
	}
	runs, err := s.store.RecentRuns(r.Context(), storage.RunFilter{
		Source:  q.Get("source"),
		RunType: runType,
		Limit:   limitParam(r, 50),
	})
	if err != nil {
		s.internal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(runs))
}

func (s *server) getRun(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid run id")
		return
	}
	run, err := s.store.GetRun(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "run not found")
		return
	}
	if err != nil {
		s.internal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *server) sourceHealth(w http.ResponseWriter, r *http.Request) {
	health, err := s.store.ListSourceHealth(r.Context())
	if err != nil {
		s.internal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(health))
}

func (s *server) queueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.queue.Stats(r.Context(), chi.URLParam(r, "source"))
	if err != nil {
		s.internal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *server) deadJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.queue.Dead(r.Context(), chi.URLParam(r, "source"), limitParam(r, 100))
	if err != nil {
		s.internal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(jobs))
}

func (s *server) requeueJob(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid job id")
		return
	}
	err = s.queue.Requeue(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "no dead job with that id")
		return
	}
	if err != nil {
		s.internal(w, err)
		return
	}
	s.logger.Info("dead job requeued", zap.String("job_id", id.String()))
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) outboxStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.OutboxStats(r.Context(), r.URL.Query().Get("source"))
	if err != nil {
		s.internal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *server) listAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	alerts, err := s.store.ListAlerts(r.Context(), storage.AlertFilter{
		Source: q.Get("source"),
		Status: models.AlertStatus(q.Get("status")),
		Limit:  limitParam(r, 100),
	})
	if err != nil {
		s.internal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(alerts))
}

type commandRequest struct {
	Command models.CommandType   `json:"command"`
	Params  models.CommandParams `json:"params"`
}

func (s *server) createCommand(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	switch req.Command {
	case models.CmdRun:
		if req.Params.RunType != "" && !req.Params.RunType.Valid() {
			writeError(w, http.StatusBadRequest, "bad_request", "unknown run_type")
			return
		}
		if req.Params.Mode != "" && !req.Params.Mode.Valid() {
			writeError(w, http.StatusBadRequest, "bad_request", "unknown mode")
			return
		}
	case models.CmdPause, models.CmdResume:
	default:
		writeError(w, http.StatusBadRequest, "bad_request", "unknown command")
		return
	}

	params, err := json.Marshal(req.Params)
	if err != nil {
		s.internal(w, err)
		return
	}
	cmd := &models.Command{Command: req.Command, Params: params, CreatedAt: time.Now()}
	if err := s.store.CreateCommand(r.Context(), cmd); err != nil {
		s.internal(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, cmd)
}

func (s *server) internal(w http.ResponseWriter, err error) {
	s.logger.Error("api request failed", zap.Error(err))
	writeError(w, http.StatusInternalServerError, "internal", "internal error")
}

func limitParam(r *http.Request, def int) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 {
		return def
	}
	if n > 1000 {
		return 1000
	}
	return n
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]errorBody{"error": {Code: code, Message: message}})
}
