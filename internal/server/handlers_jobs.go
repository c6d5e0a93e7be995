package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/user/translateq/internal/job"
	"github.com/user/translateq/internal/scheduler"
)

// SubmitRequest is the body of POST /api/v1/translate/{kind}.
type SubmitRequest struct {
	Priority string          `json:"priority,omitempty"`
	Payload  json.RawMessage `json:"payload"`
}

// SubmitResponse acknowledges an accepted job.
type SubmitResponse struct {
	JobID              string     `json:"jobId"`
	Status             job.Status `json:"status"`
	QueuePosition      *int       `json:"queuePosition,omitempty"`
	EstimatedStartTime *time.Time `json:"estimatedStartTime,omitempty"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	kind, err := job.ParseKind(chi.URLParam(r, "kind"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "VALIDATION_ERROR")
		return
	}
	var req SubmitRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error(), "PARSE_ERROR")
		return
	}
	priority, err := job.ParsePriority(req.Priority)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "VALIDATION_ERROR")
		return
	}

	id, err := s.queue.Submit(kind, req.Payload, priority)
	if err != nil {
		if job.IsValidationError(err) {
			writeError(w, http.StatusBadRequest, err.Error(), "VALIDATION_ERROR")
			return
		}
		if errors.Is(err, scheduler.ErrStopped) {
			writeError(w, http.StatusServiceUnavailable, err.Error(), "SHUTTING_DOWN")
			return
		}
		slog.Error("submit failed", "kind", kind, "error", err)
		writeError(w, http.StatusInternalServerError, err.Error(), "INTERNAL_ERROR")
		return
	}

	resp := SubmitResponse{JobID: id, Status: job.StatusQueued}
	if snap, err := s.queue.GetStatus(id); err == nil {
		resp.Status = snap.Status
		resp.QueuePosition = snap.QueuePosition
		resp.EstimatedStartTime = snap.EstimatedStartTime
	}
	writeJSON(w, http.StatusAccepted, resp)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	snap, err := s.queue.GetStatus(id)
	if err != nil {
		writeQueueError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.queue.Cancel(id); err != nil {
		writeQueueError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(job.StatusCancelled)})
}

func (s *Server) handleListQueue(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.queue.ListQueue())
}

func (s *Server) handleRateLimit(w http.ResponseWriter, r *http.Request) {
	if s.ctrl == nil {
		writeError(w, http.StatusNotFound, "rate-limit controller not configured", "NOT_FOUND")
		return
	}
	writeJSON(w, http.StatusOK, s.ctrl.Snapshot())
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	stats := s.queue.ListQueue().Stats
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"pending":    stats.Pending,
		"processing": stats.Processing,
	})
}

func writeQueueError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, scheduler.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error(), "NOT_FOUND")
	case errors.Is(err, scheduler.ErrCannotCancel):
		writeError(w, http.StatusConflict, err.Error(), "CANNOT_CANCEL")
	default:
		writeError(w, http.StatusInternalServerError, err.Error(), "INTERNAL_ERROR")
	}
}
