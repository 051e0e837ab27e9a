package http

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/fedutinova/mockinterview/internal/common"
	"github.com/fedutinova/mockinterview/internal/job"
	"github.com/fedutinova/mockinterview/internal/metrics"
	"github.com/fedutinova/mockinterview/internal/queue"
	"github.com/fedutinova/mockinterview/internal/validation"
	"github.com/go-chi/chi/v5"
)

const defaultFailedLimit = 20

type statsResponse struct {
	job.Stats
	Workers int64 `json:"workers"`
}

func (h *Handlers) queueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.Q.Stats(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	workers, err := h.Q.LiveWorkers(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	metrics.SetQueueStats(stats)
	writeJSON(w, http.StatusOK, statsResponse{Stats: stats, Workers: workers})
}

type failedQuery struct {
	Offset int `json:"offset" validate:"gte=0"`
	Limit  int `json:"limit" validate:"gte=1,lte=100"`
}

func intParam(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, common.ValidationError{Field: name, Message: "must be an integer"}
	}
	return n, nil
}

func (h *Handlers) listFailed(w http.ResponseWriter, r *http.Request) {
	var q failedQuery
	var err error
	if q.Offset, err = intParam(r, "offset", 0); err != nil {
		writeError(w, r, err)
		return
	}
	if q.Limit, err = intParam(r, "limit", defaultFailedLimit); err != nil {
		writeError(w, r, err)
		return
	}
	if err := validation.Struct(&q); err != nil {
		writeError(w, r, err)
		return
	}

	jobs, err := h.Q.ListFailed(r.Context(), q.Offset, q.Limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []*job.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":   jobs,
		"offset": q.Offset,
		"limit":  q.Limit,
	})
}

func (h *Handlers) retryJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobId")
	j, err := h.Q.Retry(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	metrics.JobsRetriedTotal.WithLabelValues(string(j.Type)).Inc()
	slog.Info("failed job retried", "job_id", j.ID, "interview_id", j.Payload.InterviewID, "actor", actor(r).UserID)
	writeJSON(w, http.StatusOK, map[string]any{"jobId": j.ID, "state": j.State})
}

type cleanRequest struct {
	OlderThan string    `json:"olderThan"`
	Limit     int       `json:"limit" validate:"gte=0,lte=10000"`
	State     job.State `json:"state" validate:"omitempty,oneof=completed failed"`
}

func (h *Handlers) cleanQueue(w http.ResponseWriter, r *http.Request) {
	var req cleanRequest
	if err := validation.DecodeJSON(r.Body, &req); err != nil {
		writeError(w, r, err)
		return
	}

	var olderThan time.Duration
	if req.OlderThan != "" {
		d, err := time.ParseDuration(req.OlderThan)
		if err != nil || d < 0 {
			writeError(w, r, common.ValidationError{Field: "olderThan", Message: "must be a non-negative duration such as 24h"})
			return
		}
		olderThan = d
	}
	if req.Limit == 0 {
		req.Limit = queue.DefaultCleanLimit
	}
	if req.State == "" {
		req.State = job.StateCompleted
	}

	removed, err := h.Q.Clean(r.Context(), olderThan, req.Limit, req.State)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if removed == nil {
		removed = []string{}
	}
	slog.Info("queue cleaned", "state", req.State, "older_than", olderThan, "removed", len(removed))
	writeJSON(w, http.StatusOK, map[string]any{
		"state":   req.State,
		"removed": len(removed),
		"jobIds":  removed,
	})
}

func (h *Handlers) pauseQueue(w http.ResponseWriter, r *http.Request) {
	if err := h.Q.Pause(r.Context()); err != nil {
		writeError(w, r, err)
		return
	}
	slog.Info("queue paused", "actor", actor(r).UserID)
	writeJSON(w, http.StatusOK, map[string]bool{"paused": true})
}

func (h *Handlers) resumeQueue(w http.ResponseWriter, r *http.Request) {
	if err := h.Q.Resume(r.Context()); err != nil {
		writeError(w, r, err)
		return
	}
	slog.Info("queue resumed", "actor", actor(r).UserID)
	writeJSON(w, http.StatusOK, map[string]bool{"paused": false})
}
