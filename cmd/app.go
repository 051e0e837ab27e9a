package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/fedutinova/mockinterview/internal/analysis"
	"github.com/fedutinova/mockinterview/internal/auth"
	appconfig "github.com/fedutinova/mockinterview/internal/config"
	"github.com/fedutinova/mockinterview/internal/database"
	"github.com/fedutinova/mockinterview/internal/gpt"
	"github.com/fedutinova/mockinterview/internal/memq"
	"github.com/fedutinova/mockinterview/internal/metrics"
	"github.com/fedutinova/mockinterview/internal/notify"
	"github.com/fedutinova/mockinterview/internal/queue"
	"github.com/fedutinova/mockinterview/internal/redis"
	"github.com/fedutinova/mockinterview/internal/repository"
	"github.com/fedutinova/mockinterview/internal/server"
	"github.com/fedutinova/mockinterview/internal/storage"
	httpapi "github.com/fedutinova/mockinterview/internal/transport/http"
	"github.com/fedutinova/mockinterview/internal/workers"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
)

const metricsPollInterval = 15 * time.Second

// app holds the shared infrastructure of both the serve and worker commands.
type app struct {
	cfg   appconfig.Config
	db    *database.DB
	redis *redis.Service // nil with the memory backend when Redis is unreachable
	queue queue.Queue
	repo  *repository.Repository
	hub   *notify.Hub
}

func newApp(ctx context.Context, cfg appconfig.Config) (*app, error) {
	a := &app{cfg: cfg}

	db, err := database.NewDB(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	a.db = db
	a.repo = repository.New(db.Pool())

	rs, err := redis.New(ctx, cfg.RedisURL)
	switch {
	case err == nil:
		a.redis = rs
	case cfg.QueueBackend == "memory":
		slog.Warn("redis unavailable, notifications stay in-process", "error", err)
	default:
		a.close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}

	if cfg.QueueBackend == "memory" {
		a.queue = memq.NewMemoryQueue(cfg.QueueName, cfg.StalledInterval, cfg.JobOptions())
		slog.Warn("using in-memory queue; jobs are lost on restart")
	} else {
		a.queue = queue.NewRedisQueue(rs.Client(), queue.RedisQueueConfig{
			Name:            cfg.QueueName,
			StalledInterval: cfg.StalledInterval,
			LockTTL:         cfg.InterviewLockTTL,
			Defaults:        cfg.JobOptions(),
		})
	}

	var rdb *goredis.Client
	if a.redis != nil {
		rdb = a.redis.Client()
	}
	a.hub = notify.NewHub(rdb, notify.HubConfig{
		AllowedOrigins: cfg.CORSOrigins,
		Authenticate: func(token string) (string, error) {
			cl, err := auth.ParseToken(cfg.JWTSecret, cfg.JWTIssuer, token)
			if err != nil {
				return "", err
			}
			if cl.UserID != "" {
				return cl.UserID, nil
			}
			return cl.Sub, nil
		},
	})
	if err := a.hub.Initialize(ctx); err != nil {
		// jobs still run; Emit reports false until the broadcaster is up
		slog.Error("notification broadcaster not initialized", "error", err)
	}
	return a, nil
}

func (a *app) newPool(ctx context.Context) (*workers.Pool, error) {
	cfg := a.cfg
	store, err := storage.NewStorage(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("initialize storage: %w", err)
	}
	slog.Info("storage initialized", "type", storage.GetStorageType(cfg))

	if cfg.OpenAIAPIKey == "" {
		slog.Warn("OPENAI_API_KEY is empty; analysis requests will be rejected upstream")
	}
	ai := gpt.NewClient(gpt.Options{
		APIKey:            cfg.OpenAIAPIKey,
		Model:             cfg.OpenAIModel,
		RequestsPerMinute: cfg.AIRequestsPerMinute,
	})

	handler := workers.NewMediaHandler(workers.MediaHandlerDeps{
		Interviews: a.repo,
		Reports:    a.repo,
		Fetcher:    workers.NewFetcher(cfg.FetchTimeout, cfg.MaxMediaBytes),
		AI:         ai,
		Storage:    store,
		Notifier:   a.hub,
	}, workers.PipelineConfig{
		PollInterval:     cfg.PollInterval,
		PollMaxAttempts:  cfg.PollMaxAttempts,
		PollDeadline:     cfg.PollDeadline,
		PresignTTL:       time.Hour,
		ArchiveResponses: cfg.ArchiveResponses,
	})

	return workers.NewPool(a.queue, handler.Handle, workers.PoolConfig{
		Concurrency:     cfg.WorkerConcurrency,
		StalledInterval: cfg.StalledInterval,
		MaxStalledCount: cfg.MaxStalledCount,
		JobTimeout:      cfg.JobTimeout,
	}), nil
}

// shutdown stops the pool, then the broadcaster, then the clients.
func (a *app) shutdown(pool *workers.Pool) {
	if pool != nil {
		if err := pool.Shutdown(a.cfg.ShutdownGrace); err != nil {
			slog.Warn("worker pool shutdown", "error", err)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.hub.Shutdown(ctx); err != nil {
		slog.Warn("broadcaster shutdown", "error", err)
	}
	a.close()
}

func (a *app) close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			slog.Warn("close redis", "error", err)
		}
	}
	if a.db != nil {
		a.db.Close()
	}
}

func serve(ctx context.Context, cfg appconfig.Config, withWorker bool) error {
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}

	var pool *workers.Pool
	if withWorker {
		if pool, err = a.newPool(ctx); err != nil {
			a.shutdown(nil)
			return err
		}
		if err := pool.Start(ctx); err != nil {
			a.shutdown(nil)
			return err
		}
	}
	go metrics.PollQueue(ctx, a.queue, metricsPollInterval)

	var dbPinger, redisPinger httpapi.Pinger = a.db, nil
	if a.redis != nil {
		redisPinger = a.redis
	}
	handlers := &httpapi.Handlers{
		Analysis: analysis.NewService(a.repo, a.repo, a.queue, cfg.JobOptions()),
		Q:        a.queue,
		DB:       dbPinger,
		Redis:    redisPinger,
		Config:   cfg,
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.NewRouter(handlers, a.hub),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       90 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("starting mockinterview", "addr", cfg.HTTPAddr, "with_worker", withWorker, "queue_backend", cfg.QueueBackend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}
	slog.Info("shutting down")

	shCtx, shCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shCancel()
	if err := srv.Shutdown(shCtx); err != nil {
		slog.Warn("http server shutdown", "error", err)
	}
	a.shutdown(pool)
	return serveErr
}

func runWorker(ctx context.Context, cfg appconfig.Config, metricsAddr string) error {
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	pool, err := a.newPool(ctx)
	if err != nil {
		a.shutdown(nil)
		return err
	}
	if err := pool.Start(ctx); err != nil {
		a.shutdown(nil)
		return err
	}
	go metrics.PollQueue(ctx, a.queue, metricsPollInterval)

	var srv *http.Server
	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			if !pool.IsRunning() {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusOK)
		})
		srv = &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics server error", "error", err)
			}
		}()
	}

	<-ctx.Done()
	slog.Info("shutting down worker")
	if srv != nil {
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shCtx)
	}
	a.shutdown(pool)
	return nil
}
