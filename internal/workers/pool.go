package workers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fedutinova/mockinterview/internal/common"
	"github.com/fedutinova/mockinterview/internal/job"
	"github.com/fedutinova/mockinterview/internal/metrics"
	"github.com/fedutinova/mockinterview/internal/queue"
	"github.com/google/uuid"
)

// JobHandler runs one attempt of a job. progress is advisory.
type JobHandler func(ctx context.Context, j *job.Job, progress func(pct int)) (json.RawMessage, error)

type PoolConfig struct {
	Concurrency     int
	StalledInterval time.Duration
	MaxStalledCount int
	JobTimeout      time.Duration
	IdleWait        time.Duration // pause between empty reserves
}

func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		Concurrency:     2,
		StalledInterval: 30 * time.Second,
		MaxStalledCount: 1,
		JobTimeout:      30 * time.Minute,
		IdleWait:        time.Second,
	}
}

var ErrPoolRunning = errors.New("worker pool already running")

// Causes of a job context cancelled by the pool. The job outcome is left to
// the queue: stalled recovery or the worker that now owns the job.
var (
	ErrJobLost      = errors.New("job taken over by another worker")
	ErrPoolStopping = errors.New("worker pool stopping")
)

// Interrupted reports whether ctx was cancelled by the pool rather than by the job itself.
func Interrupted(ctx context.Context) bool {
	cause := context.Cause(ctx)
	return errors.Is(cause, ErrJobLost) || errors.Is(cause, ErrPoolStopping)
}

// Pool runs Concurrency workers against a queue plus one maintenance loop that
// promotes delayed jobs, recovers stalled ones and keeps the worker registry fresh.
type Pool struct {
	queue   queue.Queue
	handler JobHandler
	cfg     PoolConfig
	id      string

	mu      sync.Mutex
	running atomic.Bool
	forced  atomic.Bool
	quit    chan struct{}
	jobCtx  context.Context
	kill    context.CancelCauseFunc
	wg      sync.WaitGroup
	workers []string
}

func NewPool(q queue.Queue, handler JobHandler, cfg PoolConfig) *Pool {
	def := DefaultPoolConfig()
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.StalledInterval <= 0 {
		cfg.StalledInterval = def.StalledInterval
	}
	if cfg.MaxStalledCount < 0 {
		cfg.MaxStalledCount = 0
	}
	if cfg.IdleWait <= 0 {
		cfg.IdleWait = def.IdleWait
	}
	host, _ := os.Hostname()
	if host == "" {
		host = "worker"
	}
	return &Pool{
		queue:   q,
		handler: handler,
		cfg:     cfg,
		id:      fmt.Sprintf("%s-%s", host, uuid.New().String()[:8]),
	}
}

func (p *Pool) IsRunning() bool {
	return p.running.Load()
}

// Start refuses to run when the queue store is unreachable.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running.Load() {
		return ErrPoolRunning
	}

	if err := p.queue.Ping(ctx); err != nil {
		return fmt.Errorf("worker pool cannot start, queue store unreachable: %w", err)
	}

	p.workers = make([]string, p.cfg.Concurrency)
	for i := range p.workers {
		p.workers[i] = fmt.Sprintf("%s-%d", p.id, i+1)
		if err := p.queue.RegisterWorker(ctx, p.workers[i]); err != nil {
			return fmt.Errorf("register worker: %w", err)
		}
	}

	p.quit = make(chan struct{})
	p.jobCtx, p.kill = context.WithCancelCause(context.WithoutCancel(ctx))
	p.forced.Store(false)
	p.running.Store(true)

	p.wg.Add(1)
	go p.maintain()
	for _, id := range p.workers {
		p.wg.Add(1)
		go p.work(id)
	}

	slog.Info("worker pool started",
		"pool_id", p.id,
		"concurrency", p.cfg.Concurrency,
		"stalled_interval", p.cfg.StalledInterval,
		"max_stalled_count", p.cfg.MaxStalledCount)
	return nil
}

// Shutdown stops taking jobs and waits up to grace for in-flight ones, then
// cancels them. Cancelled jobs stay active and are recovered by the stalled check.
func (p *Pool) Shutdown(grace time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running.Load() {
		return nil
	}
	close(p.quit)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-time.After(grace):
		p.forced.Store(true)
		p.kill(ErrPoolStopping)
		<-done
		err = fmt.Errorf("worker pool shutdown: grace period %s exceeded, in-flight jobs cancelled", grace)
	}
	p.kill(ErrPoolStopping)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, id := range p.workers {
		if uerr := p.queue.UnregisterWorker(ctx, id); uerr != nil {
			slog.Warn("failed to unregister worker", "worker_id", id, "error", uerr)
		}
	}

	p.running.Store(false)
	slog.Info("worker pool stopped", "pool_id", p.id, "forced", p.forced.Load())
	return err
}

// sleep waits d or until shutdown; it reports false on shutdown.
func (p *Pool) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-p.quit:
		return false
	case <-t.C:
		return true
	}
}

func (p *Pool) work(workerID string) {
	defer p.wg.Done()
	for {
		select {
		case <-p.quit:
			return
		default:
		}

		j, err := p.queue.Reserve(p.jobCtx, workerID)
		if err != nil {
			slog.Warn("failed to reserve job", "worker_id", workerID, "error", err)
			if !p.sleep(p.cfg.IdleWait) {
				return
			}
			continue
		}
		if j == nil {
			if !p.sleep(p.cfg.IdleWait) {
				return
			}
			continue
		}
		p.process(workerID, j)
	}
}

func (p *Pool) process(workerID string, j *job.Job) {
	log := slog.With("job_id", j.ID, "interview_id", j.Payload.InterviewID, "worker_id", workerID, "type", j.Type)
	log.Info("job started", "attempt", j.AttemptsMade+1, "max_attempts", j.MaxAttempts)

	ctx, cancel := p.jobContext()
	hbDone := make(chan struct{})
	go p.heartbeat(ctx, cancel, j, hbDone)

	progress := func(pct int) {
		if err := p.queue.UpdateProgress(ctx, j.ID, pct); err != nil {
			log.Debug("progress update dropped", "progress", pct, "error", err)
		}
	}

	start := time.Now()
	result, err := p.run(ctx, j, progress)
	interrupted := Interrupted(ctx)
	lost := errors.Is(context.Cause(ctx), ErrJobLost)
	cancel(nil)
	<-hbDone
	metrics.JobDurationSeconds.WithLabelValues(string(j.Type)).Observe(time.Since(start).Seconds())

	switch {
	case lost:
		log.Warn("job lost by worker, leaving its outcome to the new owner", "error", err)
		return
	case err != nil && (interrupted || p.forced.Load()):
		log.Warn("job interrupted by shutdown, leaving it for stalled recovery", "error", err)
		return
	}

	sctx, scancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer scancel()

	if err == nil {
		if _, cerr := p.queue.Complete(sctx, j, result); cerr != nil {
			log.Error("failed to mark job completed", "error", cerr)
			return
		}
		metrics.JobsCompletedTotal.WithLabelValues(string(j.Type)).Inc()
		log.Info("job completed", "duration_ms", time.Since(start).Milliseconds())
		return
	}

	class := common.Classify(err)
	metrics.JobsFailedTotal.WithLabelValues(string(j.Type), string(class)).Inc()
	failed, ferr := p.queue.Fail(sctx, j, err)
	if ferr != nil {
		log.Error("failed to record job failure", "error", ferr, "cause", err)
		return
	}
	log.Warn("job attempt failed",
		"error", err,
		"class", class,
		"attempts_made", failed.AttemptsMade,
		"state", failed.State,
		"available_at", failed.AvailableAt)
}

func (p *Pool) jobContext() (context.Context, context.CancelCauseFunc) {
	ctx, cancel := context.WithCancelCause(p.jobCtx)
	if p.cfg.JobTimeout <= 0 {
		return ctx, cancel
	}
	tctx, stop := context.WithTimeout(ctx, p.cfg.JobTimeout)
	// cancel first so the timeout context inherits the cause
	return tctx, func(cause error) {
		cancel(cause)
		stop()
	}
}

// run calls the handler, converting a panic into a job failure.
func (p *Pool) run(ctx context.Context, j *job.Job, progress func(int)) (result json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job handler panic: %v", r)
		}
	}()
	return p.handler(ctx, j, progress)
}

// heartbeat keeps the job alive and cancels it once another party took it over.
func (p *Pool) heartbeat(ctx context.Context, cancel context.CancelCauseFunc, j *job.Job, done chan<- struct{}) {
	defer close(done)
	every := p.cfg.StalledInterval / 3
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		err := p.queue.Heartbeat(ctx, j)
		switch {
		case err == nil:
		case common.IsInvalidState(err):
			slog.Warn("job lost by worker, cancelling", "job_id", j.ID, "interview_id", j.Payload.InterviewID, "error", err)
			cancel(ErrJobLost)
			return
		case ctx.Err() != nil:
			return
		default:
			slog.Warn("heartbeat failed", "job_id", j.ID, "error", err)
		}
	}
}

func (p *Pool) maintain() {
	defer p.wg.Done()
	ctx := p.jobCtx
	tick := min(time.Second, p.cfg.StalledInterval/4)
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	var lastStalled, lastRegister time.Time
	for {
		select {
		case <-p.quit:
			return
		case <-ticker.C:
		}

		if n, err := p.queue.PromoteDelayed(ctx); err != nil {
			slog.Warn("failed to promote delayed jobs", "error", err)
		} else if n > 0 {
			slog.Debug("delayed jobs promoted", "count", n)
		}

		now := time.Now()
		if now.Sub(lastRegister) >= p.cfg.StalledInterval/2 {
			lastRegister = now
			for _, id := range p.workers {
				if err := p.queue.RegisterWorker(ctx, id); err != nil {
					slog.Warn("failed to refresh worker registration", "worker_id", id, "error", err)
					break
				}
			}
		}
		if now.Sub(lastStalled) >= p.cfg.StalledInterval {
			lastStalled = now
			res, err := p.queue.CheckStalled(ctx, p.cfg.MaxStalledCount)
			if err != nil {
				slog.Warn("stalled check failed", "error", err)
				continue
			}
			if n := len(res.Requeued) + len(res.Failed); n > 0 {
				metrics.JobsStalledTotal.Add(float64(n))
				slog.Warn("stalled jobs recovered", "requeued", res.Requeued, "failed", res.Failed)
			}
		}
	}
}
