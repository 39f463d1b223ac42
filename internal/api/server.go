// Package api provides the HTTP server for appgrader: the task intake
// endpoint, the evaluation callback receiver, health and metrics.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tutu-network/appgrader/internal/app/intake"
	"github.com/tutu-network/appgrader/internal/domain"
	"github.com/tutu-network/appgrader/internal/health"
)

// maxBodyBytes bounds request bodies; attachments arrive inline.
const maxBodyBytes = 32 << 20

// Intake runs the task pipeline for one request.
type Intake interface {
	Run(ctx context.Context, req domain.TaskRequest) (intake.Outcome, error)
}

// RepoRecorder stores evaluation callbacks.
type RepoRecorder interface {
	RecordRepo(ctx context.Context, r *domain.Repo) (bool, error)
}

// Server is the appgrader HTTP API server.
type Server struct {
	intake         Intake
	repos          RepoRecorder
	health         *health.Checker
	metricsEnabled bool
	log            *slog.Logger
}

// NewServer creates a new API server.
func NewServer(in Intake, repos RepoRecorder, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{intake: in, repos: repos, log: log.With("component", "api")}
}

// EnableMetrics enables the /metrics Prometheus endpoint.
func (s *Server) EnableMetrics() { s.metricsEnabled = true }

// SetHealth sets the checker whose statuses are served at /health.
func (s *Server) SetHealth(h *health.Checker) { s.health = h }

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.accessLog)
	r.Use(s.recoverer)

	r.Get("/health", s.handleHealth)
	r.Post("/api-endpoint", s.handleIntake)
	r.Post("/evaluation-callback", s.handleCallback)

	if s.metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	status, code := "ok", http.StatusOK
	if !s.health.IsHealthy() {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{"status": status, "checks": s.health.Statuses()})
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeDetail writes the {"detail": msg} error shape.
func writeDetail(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"detail": msg})
}

// recoverer turns a panic into the generic 500 body.
func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				s.log.Error("panic in handler", "path", r.URL.Path, "panic", rec,
					"request_id", middleware.GetReqID(r.Context()))
				writeDetail(w, http.StatusInternalServerError, msgInternal)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// accessLog logs one line per request.
func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
