package http

import (
	"context"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/fedutinova/mockinterview/internal/analysis"
	"github.com/fedutinova/mockinterview/internal/auth"
	"github.com/fedutinova/mockinterview/internal/config"
	"github.com/fedutinova/mockinterview/internal/queue"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
)

// Pinger is a dependency checked by the readiness probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Handlers struct {
	Analysis *analysis.Service
	Q        queue.Queue
	DB       Pinger // optional
	Redis    Pinger // optional
	Config   config.Config
}

func (h *Handlers) Routers(r chi.Router) {
	r.Get("/healthz", h.Health)
	r.Get("/readyz", h.Ready)
	r.Get("/queue/health", h.queueHealth)

	// for static file serving for local storage
	if h.Config.StorageMode == "local" || h.Config.StorageMode == "filesystem" {
		r.Get("/files/*", h.serveFiles)
	}

	r.Group(func(r chi.Router) {
		r.Use(auth.JWTMiddleware(h.Config.JWTSecret, h.Config.JWTIssuer))

		r.Route("/media-analysis/{interviewId}", func(r chi.Router) {
			submit := r.With(auth.RequirePerm(auth.PermAnalysisSubmit))
			if h.Config.AnalyzeRateLimit > 0 {
				submit = submit.With(httprate.LimitByIP(h.Config.AnalyzeRateLimit, time.Minute))
			}
			submit.Post("/analyze", h.analyze)

			r.With(auth.RequirePerm(auth.PermAnalysisReadOwn)).Get("/status", h.status)
			r.With(auth.RequirePerm(auth.PermAnalysisReadOwn)).Get("/result", h.result)
		})

		r.Route("/queue", func(r chi.Router) {
			r.Use(auth.RequirePerm(auth.PermQueueAdmin))
			r.Get("/stats", h.queueStats)
			r.Get("/failed", h.listFailed)
			r.Post("/retry/{jobId}", h.retryJob)
			r.Post("/clean", h.cleanQueue)
			r.Post("/pause", h.pauseQueue)
			r.Post("/resume", h.resumeQueue)
		})
	})
}

func (h *Handlers) serveFiles(w http.ResponseWriter, r *http.Request) {
	filePath := strings.TrimPrefix(r.URL.Path, "/files/")
	if filePath == "" {
		http.Error(w, "file path required", http.StatusBadRequest)
		return
	}

	if strings.Contains(filePath, "..") {
		http.Error(w, "invalid file path", http.StatusBadRequest)
		return
	}

	fullPath := filepath.Join(h.Config.LocalStorageDir, filePath)
	http.ServeFile(w, r, fullPath)
}

// actor builds the caller identity from the JWT claims set by the middleware.
func actor(r *http.Request) analysis.Actor {
	cl, ok := auth.FromContext(r.Context())
	if !ok {
		return analysis.Actor{}
	}
	id := cl.UserID
	if id == "" {
		id = cl.Sub
	}
	return analysis.Actor{UserID: id, Admin: cl.IsAdmin()}
}
