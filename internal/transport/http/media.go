package http

import (
	"net/http"

	"github.com/fedutinova/mockinterview/internal/analysis"
	"github.com/fedutinova/mockinterview/internal/models"
	"github.com/fedutinova/mockinterview/internal/validation"
	"github.com/go-chi/chi/v5"
)

type analyzeRequest struct {
	MediaType models.MediaKind `json:"mediaType" validate:"omitempty,oneof=video audio"`
}

type mediaQuery struct {
	MediaType models.MediaKind `json:"mediaType" validate:"omitempty,oneof=video audio"`
}

func mediaTypeParam(r *http.Request) (models.MediaKind, error) {
	q := mediaQuery{MediaType: models.MediaKind(r.URL.Query().Get("mediaType"))}
	if err := validation.Struct(&q); err != nil {
		return "", err
	}
	return q.MediaType, nil
}

func (h *Handlers) analyze(w http.ResponseWriter, r *http.Request) {
	interviewID := chi.URLParam(r, "interviewId")

	var req analyzeRequest
	if err := validation.DecodeJSON(r.Body, &req); err != nil {
		writeError(w, r, err)
		return
	}

	res, err := h.Analysis.Trigger(r.Context(), actor(r), interviewID, req.MediaType)
	if err != nil {
		writeError(w, r, err)
		return
	}

	status := http.StatusCreated
	if res.Status == analysis.StatusCompleted {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}

func (h *Handlers) status(w http.ResponseWriter, r *http.Request) {
	kind, err := mediaTypeParam(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	view, err := h.Analysis.Status(r.Context(), actor(r), chi.URLParam(r, "interviewId"), kind)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *Handlers) result(w http.ResponseWriter, r *http.Request) {
	kind, err := mediaTypeParam(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	res, err := h.Analysis.Result(r.Context(), actor(r), chi.URLParam(r, "interviewId"), kind)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
