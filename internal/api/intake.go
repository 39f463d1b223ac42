package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/tutu-network/appgrader/internal/domain"
)

// Response bodies are limited to three shapes: success, 403 and 500.
const (
	msgInvalidSecret   = "Invalid secret"
	msgInternal        = "Internal Server Error"
	msgSynthesisFailed = "App generation failed"
)

type intakeResponse struct {
	Status    string `json:"status"`
	RepoURL   string `json:"repo_url"`
	PagesURL  string `json:"pages_url"`
	CommitSHA string `json:"commit_sha"`
}

// handleIntake handles POST /api-endpoint.
func (s *Server) handleIntake(w http.ResponseWriter, r *http.Request) {
	reqID := middleware.GetReqID(r.Context())

	var req domain.TaskRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		s.log.Warn("intake body rejected", "error", err, "request_id", reqID)
		writeDetail(w, http.StatusInternalServerError, msgInternal)
		return
	}

	// A disconnect must not abandon a published repo without its task row;
	// each outbound call carries its own timeout.
	out, err := s.intake.Run(context.WithoutCancel(r.Context()), req)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, intakeResponse{
			Status:    "success",
			RepoURL:   out.Publication.RepoURL,
			PagesURL:  out.Publication.PagesURL,
			CommitSHA: out.Publication.CommitSHA,
		})
	case errors.Is(err, domain.ErrInvalidSecret):
		writeDetail(w, http.StatusForbidden, msgInvalidSecret)
	case errors.Is(err, domain.ErrSynthesis):
		s.log.Error("intake failed", "error", err, "request_id", reqID)
		writeDetail(w, http.StatusInternalServerError, msgSynthesisFailed)
	default:
		s.log.Error("intake failed", "error", err, "request_id", reqID)
		writeDetail(w, http.StatusInternalServerError, msgInternal)
	}
}

// handleCallback handles POST /evaluation-callback and records the repo for
// the evaluator.
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	reqID := middleware.GetReqID(r.Context())

	var cb domain.EvaluationCallback
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&cb); err != nil {
		s.log.Warn("callback body rejected", "error", err, "request_id", reqID)
		writeDetail(w, http.StatusInternalServerError, msgInternal)
		return
	}
	if err := cb.Validate(); err != nil {
		s.log.Warn("callback rejected", "error", err, "request_id", reqID)
		writeDetail(w, http.StatusInternalServerError, msgInternal)
		return
	}

	created, err := s.repos.RecordRepo(r.Context(), &domain.Repo{
		Email:     cb.Email,
		Task:      cb.Task,
		Round:     cb.Round,
		RepoURL:   cb.RepoURL,
		CommitSHA: cb.CommitSHA,
		PagesURL:  cb.PagesURL,
	})
	if err != nil {
		s.log.Error("record repo failed", "error", err, "request_id", reqID)
		writeDetail(w, http.StatusInternalServerError, msgInternal)
		return
	}
	s.log.Info("repo reported", "email", cb.Email, "task", cb.Task, "round", cb.Round, "new", created)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
