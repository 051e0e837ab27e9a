package memq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/fedutinova/mockinterview/internal/common"
	"github.com/fedutinova/mockinterview/internal/job"
	"github.com/fedutinova/mockinterview/internal/queue"
)

var _ queue.Queue = (*MemoryQueue)(nil)

type entry struct {
	job   *job.Job
	score time.Time // enqueue/available/start/finish time, depending on state
	hb    time.Time
}

// MemoryQueue is a process-local queue.Queue for tests and single-process development.
// Nothing survives a restart.
type MemoryQueue struct {
	name            string
	stalledInterval time.Duration
	defaults        job.Options
	now             func() time.Time

	mu      sync.Mutex
	jobs    map[string]*entry
	locks   map[string]string
	workers map[string]time.Time
	paused  bool
	down    error
}

func NewMemoryQueue(name string, stalledInterval time.Duration, defaults job.Options) *MemoryQueue {
	if stalledInterval <= 0 {
		stalledInterval = 30 * time.Second
	}
	if defaults.Attempts <= 0 {
		defaults = job.DefaultOptions()
	}
	return &MemoryQueue{
		name:            name,
		stalledInterval: stalledInterval,
		defaults:        defaults,
		now:             time.Now,
		jobs:            make(map[string]*entry),
		locks:           make(map[string]string),
		workers:         make(map[string]time.Time),
	}
}

// SetClock replaces the time source.
func (q *MemoryQueue) SetClock(now func() time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.now = now
}

// SetUnavailable makes every operation fail as if the store were unreachable. nil restores it.
func (q *MemoryQueue) SetUnavailable(err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err != nil {
		err = common.WrapUnavailable("memory queue", err)
	}
	q.down = err
}

func clone(j *job.Job) *job.Job {
	c := *j
	return &c
}

func (q *MemoryQueue) Ping(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.down
}

func (q *MemoryQueue) Enqueue(ctx context.Context, t job.Type, p job.Payload, opts job.Options) (*job.Job, error) {
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrValidation, err)
	}
	if opts.Attempts <= 0 {
		opts = q.defaults
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.down != nil {
		return nil, q.down
	}

	if holder, ok := q.locks[p.InterviewID]; ok {
		if e, live := q.jobs[holder]; live && !e.job.State.Terminal() {
			return nil, common.ConflictError{InterviewID: p.InterviewID, JobID: holder}
		}
	}

	now := q.now()
	j := job.New(q.name, t, p, opts, now)
	// ids are millisecond based; keep them unique within one process
	for q.jobs[j.ID] != nil {
		now = now.Add(time.Millisecond)
		j.ID = job.NewID(t, p.InterviewID, now)
	}
	q.jobs[j.ID] = &entry{job: j, score: j.AvailableAt}
	q.locks[p.InterviewID] = j.ID

	slog.Debug("job enqueued", "job_id", j.ID, "type", j.Type, "interview_id", p.InterviewID, "state", j.State)
	return clone(j), nil
}

func (q *MemoryQueue) Get(ctx context.Context, id string) (*job.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.down != nil {
		return nil, q.down
	}
	e, ok := q.jobs[id]
	if !ok {
		return nil, common.ErrJobNotFound
	}
	return clone(e.job), nil
}

func (q *MemoryQueue) ActiveForInterview(ctx context.Context, interviewID string) (*job.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.down != nil {
		return nil, q.down
	}
	holder, ok := q.locks[interviewID]
	if !ok {
		return nil, common.ErrJobNotFound
	}
	e, ok := q.jobs[holder]
	if !ok || e.job.State.Terminal() {
		return nil, common.ErrJobNotFound
	}
	return clone(e.job), nil
}

func (q *MemoryQueue) Stats(ctx context.Context) (job.Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.down != nil {
		return job.Stats{}, q.down
	}
	s := job.Stats{Paused: q.paused}
	for _, e := range q.jobs {
		switch e.job.State {
		case job.StateWaiting:
			s.Waiting++
		case job.StateActive:
			s.Active++
		case job.StateCompleted:
			s.Completed++
		case job.StateFailed:
			s.Failed++
		case job.StateDelayed:
			s.Delayed++
		}
	}
	return s, nil
}

// inState returns entries in the given state ordered by score, oldest first.
func (q *MemoryQueue) inState(s job.State) []*entry {
	var out []*entry
	for _, e := range q.jobs {
		if e.job.State == s {
			out = append(out, e)
		}
	}
	slices.SortFunc(out, func(a, b *entry) int {
		if c := a.score.Compare(b.score); c != 0 {
			return c
		}
		return compareIDs(a.job.ID, b.job.ID)
	})
	return out
}

func compareIDs(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func (q *MemoryQueue) ListFailed(ctx context.Context, offset, limit int) ([]*job.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.down != nil {
		return nil, q.down
	}
	failed := q.inState(job.StateFailed)
	slices.Reverse(failed)

	out := []*job.Job{}
	if offset < 0 {
		offset = 0
	}
	for i := offset; i < len(failed) && len(out) < limit; i++ {
		out = append(out, clone(failed[i].job))
	}
	return out, nil
}

func (q *MemoryQueue) Retry(ctx context.Context, id string) (*job.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.down != nil {
		return nil, q.down
	}
	e, ok := q.jobs[id]
	if !ok {
		return nil, common.ErrJobNotFound
	}
	j := e.job
	if j.State != job.StateFailed {
		return nil, fmt.Errorf("job %s is %s, not failed: %w", id, j.State, common.ErrInvalidState)
	}
	if holder, ok := q.locks[j.Payload.InterviewID]; ok && holder != id {
		if other, live := q.jobs[holder]; live && !other.job.State.Terminal() {
			return nil, common.ConflictError{InterviewID: j.Payload.InterviewID, JobID: holder}
		}
	}

	now := q.now()
	j.State = job.StateWaiting
	j.MaxAttempts = j.AttemptsMade + 1
	j.StalledCount = 0
	j.Progress = 0
	j.FailedReason = ""
	j.FailedClass = ""
	j.WorkerID = ""
	j.FinishedAt = nil
	j.AvailableAt = now
	e.score = now
	q.locks[j.Payload.InterviewID] = id
	return clone(j), nil
}

func (q *MemoryQueue) Pause(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.down != nil {
		return q.down
	}
	q.paused = true
	return nil
}

func (q *MemoryQueue) Resume(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.down != nil {
		return q.down
	}
	q.paused = false
	return nil
}

func (q *MemoryQueue) Clean(ctx context.Context, olderThan time.Duration, limit int, state job.State) ([]string, error) {
	if !state.Terminal() {
		return nil, common.ValidationError{Field: "state", Message: "only completed or failed jobs can be cleaned"}
	}
	if limit <= 0 {
		limit = queue.DefaultCleanLimit
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.down != nil {
		return nil, q.down
	}
	cutoff := q.now().Add(-olderThan)
	removed := []string{}
	for _, e := range q.inState(state) {
		if len(removed) >= limit || e.score.After(cutoff) {
			break
		}
		delete(q.jobs, e.job.ID)
		removed = append(removed, e.job.ID)
	}
	return removed, nil
}

func (q *MemoryQueue) trim(state job.State, keep int) {
	if keep <= 0 {
		return
	}
	entries := q.inState(state)
	for i := 0; i < len(entries)-keep; i++ {
		delete(q.jobs, entries[i].job.ID)
	}
}

func (q *MemoryQueue) release(j *job.Job) {
	if q.locks[j.Payload.InterviewID] == j.ID {
		delete(q.locks, j.Payload.InterviewID)
	}
}

func (q *MemoryQueue) Reserve(ctx context.Context, workerID string) (*job.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.down != nil {
		return nil, q.down
	}
	if q.paused {
		return nil, nil
	}
	waiting := q.inState(job.StateWaiting)
	if len(waiting) == 0 {
		return nil, nil
	}

	now := q.now()
	e := waiting[0]
	e.job.State = job.StateActive
	e.job.WorkerID = workerID
	e.job.ProcessedAt = &now
	e.job.Progress = 0
	e.score = now
	e.hb = now
	return clone(e.job), nil
}

func (q *MemoryQueue) active(held *job.Job) (*entry, error) {
	e, ok := q.jobs[held.ID]
	if !ok {
		return nil, common.ErrJobNotFound
	}
	if e.job.State != job.StateActive || e.job.WorkerID != held.WorkerID {
		return nil, fmt.Errorf("job %s is %s on worker %q: %w", held.ID, e.job.State, e.job.WorkerID, common.ErrInvalidState)
	}
	return e, nil
}

func (q *MemoryQueue) Heartbeat(ctx context.Context, held *job.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.down != nil {
		return q.down
	}
	e, err := q.active(held)
	if err != nil {
		return err
	}
	e.hb = q.now()
	return nil
}

func (q *MemoryQueue) UpdateProgress(ctx context.Context, id string, pct int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.down != nil {
		return q.down
	}
	if e, ok := q.jobs[id]; ok && e.job.State == job.StateActive {
		e.job.Progress = queue.ClampPct(pct)
	}
	return nil
}

func (q *MemoryQueue) Complete(ctx context.Context, held *job.Job, result json.RawMessage) (*job.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.down != nil {
		return nil, q.down
	}
	e, err := q.active(held)
	if err != nil {
		return nil, err
	}
	now := q.now()
	j := e.job
	j.State = job.StateCompleted
	j.Progress = 100
	j.Result = result
	j.FinishedAt = &now
	e.score = now
	q.release(j)
	out := clone(j)
	q.trim(job.StateCompleted, j.KeepCompleted)
	return out, nil
}

func (q *MemoryQueue) Fail(ctx context.Context, held *job.Job, cause error) (*job.Job, error) {
	if cause == nil {
		cause = errors.New("job failed")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.down != nil {
		return nil, q.down
	}
	e, err := q.active(held)
	if err != nil {
		return nil, err
	}
	now := q.now()
	j := e.job
	j.AttemptsMade++
	j.FailedReason = cause.Error()
	j.FailedClass = string(common.Classify(cause))

	if common.Retryable(cause) && j.AttemptsLeft() {
		j.State = job.StateDelayed
		j.WorkerID = ""
		j.AvailableAt = now.Add(j.Backoff.Next(j.AttemptsMade))
		e.score = j.AvailableAt
		return clone(j), nil
	}

	j.State = job.StateFailed
	j.FinishedAt = &now
	e.score = now
	q.release(j)
	out := clone(j)
	q.trim(job.StateFailed, j.KeepFailed)
	return out, nil
}

func (q *MemoryQueue) PromoteDelayed(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.down != nil {
		return 0, q.down
	}
	now := q.now()
	n := 0
	for _, e := range q.inState(job.StateDelayed) {
		if e.score.After(now) {
			break
		}
		e.job.State = job.StateWaiting
		e.score = now
		n++
	}
	return n, nil
}

func (q *MemoryQueue) CheckStalled(ctx context.Context, maxStalledCount int) (job.Maintenance, error) {
	var res job.Maintenance
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.down != nil {
		return res, q.down
	}
	now := q.now()
	for _, e := range q.inState(job.StateActive) {
		if now.Sub(e.hb) < q.stalledInterval {
			continue
		}
		j := e.job
		j.StalledCount++
		j.WorkerID = ""
		if j.StalledCount > maxStalledCount {
			j.State = job.StateFailed
			j.FailedReason = queue.StalledReason
			j.FailedClass = string(common.ClassTransient)
			j.FinishedAt = &now
			e.score = now
			q.release(j)
			res.Failed = append(res.Failed, j.ID)
			continue
		}
		j.State = job.StateWaiting
		e.score = now
		res.Requeued = append(res.Requeued, j.ID)
	}
	return res, nil
}

func (q *MemoryQueue) RegisterWorker(ctx context.Context, workerID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.down != nil {
		return q.down
	}
	q.workers[workerID] = q.now()
	return nil
}

func (q *MemoryQueue) UnregisterWorker(ctx context.Context, workerID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.workers, workerID)
	return nil
}

func (q *MemoryQueue) LiveWorkers(ctx context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.down != nil {
		return 0, q.down
	}
	var n int64
	now := q.now()
	for _, seen := range q.workers {
		if now.Sub(seen) < q.stalledInterval {
			n++
		}
	}
	return n, nil
}

// Len reports jobs still waiting for a worker.
func (q *MemoryQueue) Len() int {
	s, _ := q.Stats(context.Background())
	return int(s.Pending())
}
