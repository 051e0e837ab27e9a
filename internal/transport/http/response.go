package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/fedutinova/mockinterview/internal/common"
)

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	StatusCode int    `json:"statusCode"`
	Message    string `json:"message"`
	JobID      string `json:"jobId,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("encode response", "error", err)
	}
}

// writeError maps err onto a status code. Unclassified errors get a generic
// message so internals never reach the client.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	resp := ErrorResponse{Message: err.Error()}

	var conflict common.ConflictError
	switch {
	case errors.As(err, &conflict):
		resp.StatusCode = http.StatusConflict
		resp.JobID = conflict.JobID
	case errors.Is(err, common.ErrWorkerNotRunning):
		resp.StatusCode = http.StatusServiceUnavailable
		resp.Message = common.ErrWorkerNotRunning.Error()
	case common.IsNotFound(err):
		resp.StatusCode = http.StatusNotFound
	case common.IsValidation(err), common.IsPrecondition(err), errors.Is(err, common.ErrBadRequest):
		resp.StatusCode = http.StatusBadRequest
	case common.IsInvalidState(err):
		resp.StatusCode = http.StatusBadRequest
	case common.IsConflict(err):
		resp.StatusCode = http.StatusConflict
	case common.IsForbidden(err):
		resp.StatusCode = http.StatusForbidden
		resp.Message = "forbidden"
	case common.IsUnauthorized(err):
		resp.StatusCode = http.StatusUnauthorized
		resp.Message = "unauthorized"
	case common.IsUnavailable(err):
		resp.StatusCode = http.StatusServiceUnavailable
		resp.Message = "service temporarily unavailable"
	default:
		resp.StatusCode = http.StatusInternalServerError
		resp.Message = "internal server error"
	}

	if resp.StatusCode >= http.StatusInternalServerError {
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "status", resp.StatusCode, "error", err)
	} else {
		slog.Debug("request rejected", "method", r.Method, "path", r.URL.Path, "status", resp.StatusCode, "error", err)
	}
	writeJSON(w, resp.StatusCode, resp)
}
