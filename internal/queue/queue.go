package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/fedutinova/mockinterview/internal/job"
)

// Queue is the durable job store shared by the HTTP API and the worker pool.
//
// Operations that hit the backing store return errors wrapping
// common.ErrUnavailable when it cannot be reached.
type Queue interface {
	Enqueue(ctx context.Context, t job.Type, p job.Payload, opts job.Options) (*job.Job, error)
	Get(ctx context.Context, id string) (*job.Job, error)
	ActiveForInterview(ctx context.Context, interviewID string) (*job.Job, error)
	Stats(ctx context.Context) (job.Stats, error)
	ListFailed(ctx context.Context, offset, limit int) ([]*job.Job, error)
	Retry(ctx context.Context, id string) (*job.Job, error)
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Clean(ctx context.Context, olderThan time.Duration, limit int, state job.State) ([]string, error)
	Ping(ctx context.Context) error
	LiveWorkers(ctx context.Context) (int64, error)

	// Worker side. Reserve returns (nil, nil) when nothing is due or the queue is paused.
	Reserve(ctx context.Context, workerID string) (*job.Job, error)
	Heartbeat(ctx context.Context, j *job.Job) error
	UpdateProgress(ctx context.Context, id string, pct int) error
	Complete(ctx context.Context, j *job.Job, result json.RawMessage) (*job.Job, error)
	Fail(ctx context.Context, j *job.Job, cause error) (*job.Job, error)
	PromoteDelayed(ctx context.Context) (int, error)
	CheckStalled(ctx context.Context, maxStalledCount int) (job.Maintenance, error)
	RegisterWorker(ctx context.Context, workerID string) error
	UnregisterWorker(ctx context.Context, workerID string) error
}

// StalledReason is recorded on jobs that exceeded the stalled limit.
const StalledReason = "job stalled more than allowable limit"

// DefaultCleanLimit bounds a single clean call when the caller passes no limit.
const DefaultCleanLimit = 1000

// ClampPct keeps progress values within 0-100.
func ClampPct(pct int) int {
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}
