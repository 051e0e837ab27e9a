package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/fedutinova/mockinterview/internal/common"
	"github.com/fedutinova/mockinterview/internal/job"
	"github.com/redis/go-redis/v9"
)

const maxTxRetries = 5

// errSkip aborts a transition without touching the job.
var errSkip = errors.New("skip transition")

// reserveScript pops the oldest waiting job into the active set unless the queue is paused.
var reserveScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[3]) == 1 then
  return false
end
local popped = redis.call("ZPOPMIN", KEYS[1])
if #popped == 0 then
  return false
end
redis.call("ZADD", KEYS[2], ARGV[1], popped[1])
return popped[1]
`)

// enqueueScript writes the job and takes the interview lock in one step.
// It returns the current holder when the lock is taken.
var enqueueScript = redis.NewScript(`
local holder = redis.call("GET", KEYS[1])
if holder then
  return holder
end
redis.call("SET", KEYS[2], ARGV[2])
redis.call("ZADD", KEYS[3], ARGV[3], ARGV[1])
redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[4])
return false
`)

// releaseLockScript deletes the interview lock only while it still points at the job.
var releaseLockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisQueue keeps jobs in sorted sets per state, with one JSON document per job.
//
//	<name>:waiting|delayed|active|completed|failed  zset of job ids
//	<name>:job:<id>                                 job JSON
//	<name>:hb:<id>                                  worker heartbeat, TTL = stalled interval
//	<name>:lock:<interviewId>                       id of the live job for an interview
//	<name>:paused                                   pause flag
//	<name>:workers                                  zset of worker ids by last seen
type RedisQueue struct {
	client          *redis.Client
	name            string
	stalledInterval time.Duration
	lockTTL         time.Duration
	defaults        job.Options
	now             func() time.Time
}

// RedisQueueConfig holds configuration for RedisQueue
type RedisQueueConfig struct {
	Name            string
	StalledInterval time.Duration
	LockTTL         time.Duration
	Defaults        job.Options
}

// DefaultConfig returns default queue configuration
func DefaultConfig() RedisQueueConfig {
	return RedisQueueConfig{
		Name:            "media-analysis",
		StalledInterval: 30 * time.Second,
		LockTTL:         time.Hour,
		Defaults:        job.DefaultOptions(),
	}
}

func NewRedisQueue(client *redis.Client, cfg RedisQueueConfig) *RedisQueue {
	def := DefaultConfig()
	if cfg.Name == "" {
		cfg.Name = def.Name
	}
	if cfg.StalledInterval <= 0 {
		cfg.StalledInterval = def.StalledInterval
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = def.LockTTL
	}
	if cfg.Defaults.Attempts <= 0 {
		cfg.Defaults = def.Defaults
	}

	slog.Info("redis queue initialized",
		"queue", cfg.Name,
		"stalled_interval", cfg.StalledInterval,
		"attempts", cfg.Defaults.Attempts,
		"backoff", cfg.Defaults.Backoff.Delay)

	return &RedisQueue{
		client:          client,
		name:            cfg.Name,
		stalledInterval: cfg.StalledInterval,
		lockTTL:         cfg.LockTTL,
		defaults:        cfg.Defaults,
		now:             time.Now,
	}
}

func (q *RedisQueue) key(parts ...string) string {
	k := q.name
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

func (q *RedisQueue) stateKey(s job.State) string { return q.key(string(s)) }
func (q *RedisQueue) jobKey(id string) string     { return q.key("job", id) }
func (q *RedisQueue) hbKey(id string) string      { return q.key("hb", id) }
func (q *RedisQueue) lockKey(interviewID string) string {
	return q.key("lock", interviewID)
}

func score(t time.Time) float64 {
	return float64(t.UnixMilli())
}

// storeErr passes domain errors through and marks everything else as transient.
func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, common.ErrNotFound) || errors.Is(err, common.ErrInvalidState) ||
		errors.Is(err, common.ErrConflict) || errors.Is(err, common.ErrValidation) {
		return err
	}
	return common.WrapUnavailable(op, err)
}

func (q *RedisQueue) Ping(ctx context.Context) error {
	return storeErr("ping queue store", q.client.Ping(ctx).Err())
}

// Enqueue stores a new job and takes the interview lock.
// A second job for an interview that already has a live one fails with common.ConflictError.
func (q *RedisQueue) Enqueue(ctx context.Context, t job.Type, p job.Payload, opts job.Options) (*job.Job, error) {
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrValidation, err)
	}
	if opts.Attempts <= 0 {
		opts = q.defaults
	}

	j := job.New(q.name, t, p, opts, q.now())
	data, err := json.Marshal(j)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job: %w", err)
	}

	setKey, at := q.stateKey(job.StateWaiting), j.CreatedAt
	if j.State == job.StateDelayed {
		setKey, at = q.stateKey(job.StateDelayed), j.AvailableAt
	}
	keys := []string{q.lockKey(p.InterviewID), q.jobKey(j.ID), setKey}

	for i := 0; i < 2; i++ {
		holder, err := enqueueScript.Run(ctx, q.client, keys, j.ID, data, at.UnixMilli(), q.lockTTL.Milliseconds()).Text()
		if errors.Is(err, redis.Nil) {
			slog.Debug("job enqueued", "job_id", j.ID, "type", j.Type, "interview_id", p.InterviewID, "state", j.State)
			return j, nil
		}
		if err != nil {
			return nil, storeErr("enqueue job", err)
		}

		stale, err := q.staleLock(ctx, p.InterviewID, holder)
		if err != nil {
			return nil, err
		}
		if !stale {
			return nil, common.ConflictError{InterviewID: p.InterviewID, JobID: holder}
		}
		slog.Warn("clearing stale interview lock", "interview_id", p.InterviewID, "job_id", holder)
		q.releaseLock(ctx, p.InterviewID, holder)
	}
	return nil, common.ConflictError{InterviewID: p.InterviewID}
}

// staleLock reports whether the interview lock held by holder may be cleared.
// A terminal holder is stale at once. A holder without a job document is only
// stale once the lock has gone unrefreshed for a stalled interval.
func (q *RedisQueue) staleLock(ctx context.Context, interviewID, holder string) (bool, error) {
	existing, err := q.Get(ctx, holder)
	if err == nil {
		return existing.State.Terminal(), nil
	}
	if !common.IsNotFound(err) {
		return false, err
	}

	key := q.lockKey(interviewID)
	left, err := q.client.PTTL(ctx, key).Result()
	if err != nil {
		return false, storeErr("read interview lock", err)
	}
	switch {
	case left == -1:
		// no expiry: start the clock now so the lock ages out
		if err := q.client.Expire(ctx, key, q.lockTTL).Err(); err != nil {
			return false, storeErr("read interview lock", err)
		}
		return false, nil
	case left < 0:
		return true, nil
	}
	return q.lockTTL-left >= q.stalledInterval, nil
}

func (q *RedisQueue) releaseLock(ctx context.Context, interviewID, jobID string) {
	if err := releaseLockScript.Run(ctx, q.client, []string{q.lockKey(interviewID)}, jobID).Err(); err != nil {
		slog.Warn("failed to release interview lock", "interview_id", interviewID, "job_id", jobID, "error", err)
	}
}

func (q *RedisQueue) Get(ctx context.Context, id string) (*job.Job, error) {
	raw, err := q.client.Get(ctx, q.jobKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, common.ErrJobNotFound
	}
	if err != nil {
		return nil, storeErr("get job", err)
	}
	return decodeJob(id, raw)
}

func decodeJob(id string, raw []byte) (*job.Job, error) {
	var j job.Job
	if err := json.Unmarshal(raw, &j); err != nil {
		return nil, fmt.Errorf("failed to decode job %s: %w", id, err)
	}
	return &j, nil
}

// ActiveForInterview returns the live job holding the interview lock.
func (q *RedisQueue) ActiveForInterview(ctx context.Context, interviewID string) (*job.Job, error) {
	holder, err := q.client.Get(ctx, q.lockKey(interviewID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, common.ErrJobNotFound
	}
	if err != nil {
		return nil, storeErr("read interview lock", err)
	}
	j, err := q.Get(ctx, holder)
	if err != nil {
		return nil, err
	}
	if j.State.Terminal() {
		return nil, common.ErrJobNotFound
	}
	return j, nil
}

func (q *RedisQueue) Stats(ctx context.Context) (job.Stats, error) {
	var (
		waiting, active, completed, failed, delayed *redis.IntCmd
		paused                                      *redis.IntCmd
	)
	_, err := q.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		waiting = pipe.ZCard(ctx, q.stateKey(job.StateWaiting))
		active = pipe.ZCard(ctx, q.stateKey(job.StateActive))
		completed = pipe.ZCard(ctx, q.stateKey(job.StateCompleted))
		failed = pipe.ZCard(ctx, q.stateKey(job.StateFailed))
		delayed = pipe.ZCard(ctx, q.stateKey(job.StateDelayed))
		paused = pipe.Exists(ctx, q.key("paused"))
		return nil
	})
	if err != nil {
		return job.Stats{}, storeErr("queue stats", err)
	}
	return job.Stats{
		Waiting:   waiting.Val(),
		Active:    active.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
		Delayed:   delayed.Val(),
		Paused:    paused.Val() > 0,
	}, nil
}

// ListFailed returns failed jobs, most recent first.
func (q *RedisQueue) ListFailed(ctx context.Context, offset, limit int) ([]*job.Job, error) {
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 {
		return []*job.Job{}, nil
	}
	ids, err := q.client.ZRevRange(ctx, q.stateKey(job.StateFailed), int64(offset), int64(offset+limit-1)).Result()
	if err != nil {
		return nil, storeErr("list failed jobs", err)
	}
	return q.loadMany(ctx, ids)
}

func (q *RedisQueue) loadMany(ctx context.Context, ids []string) ([]*job.Job, error) {
	jobs := make([]*job.Job, 0, len(ids))
	if len(ids) == 0 {
		return jobs, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = q.jobKey(id)
	}
	vals, err := q.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, storeErr("load jobs", err)
	}
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		j, err := decodeJob(ids[i], []byte(s))
		if err != nil {
			slog.Warn("skipping undecodable job", "job_id", ids[i], "error", err)
			continue
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

// update runs fn against the current job under WATCH and writes the job back together
// with whatever fn queued on the pipeline.
func (q *RedisQueue) update(ctx context.Context, id string, fn func(j *job.Job, pipe redis.Pipeliner) error) (*job.Job, error) {
	key := q.jobKey(id)
	var out *job.Job

	txf := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return common.ErrJobNotFound
		}
		if err != nil {
			return err
		}
		j, err := decodeJob(id, raw)
		if err != nil {
			return err
		}

		pipe := tx.TxPipeline()
		if err := fn(j, pipe); err != nil {
			pipe.Discard()
			return err
		}
		data, err := json.Marshal(j)
		if err != nil {
			pipe.Discard()
			return fmt.Errorf("failed to marshal job: %w", err)
		}
		pipe.Set(ctx, key, data, 0)
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
		out = j
		return nil
	}

	for i := 0; i < maxTxRetries; i++ {
		err := q.client.Watch(ctx, txf, key)
		if err == nil {
			return out, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return nil, err
	}
	return nil, fmt.Errorf("job %s: too much contention", id)
}

// Retry moves a failed job back to waiting and grants it one more attempt.
func (q *RedisQueue) Retry(ctx context.Context, id string) (*job.Job, error) {
	current, err := q.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.State != job.StateFailed {
		return nil, fmt.Errorf("job %s is %s, not failed: %w", id, current.State, common.ErrInvalidState)
	}
	interviewID := current.Payload.InterviewID
	lockKey, key := q.lockKey(interviewID), q.jobKey(id)

	// the job document and the lock change in one transaction
	var out *job.Job
	txf := func(tx *redis.Tx) error {
		holder, err := tx.Get(ctx, lockKey).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if holder != "" && holder != id {
			stale, err := q.staleLock(ctx, interviewID, holder)
			if err != nil {
				return err
			}
			if !stale {
				return common.ConflictError{InterviewID: interviewID, JobID: holder}
			}
			slog.Warn("clearing stale interview lock", "interview_id", interviewID, "job_id", holder)
		}

		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return common.ErrJobNotFound
		}
		if err != nil {
			return err
		}
		j, err := decodeJob(id, raw)
		if err != nil {
			return err
		}
		if j.State != job.StateFailed {
			return fmt.Errorf("job %s is %s, not failed: %w", id, j.State, common.ErrInvalidState)
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
		data, err := json.Marshal(j)
		if err != nil {
			return fmt.Errorf("failed to marshal job: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			pipe.Set(ctx, lockKey, id, q.lockTTL)
			pipe.ZRem(ctx, q.stateKey(job.StateFailed), id)
			pipe.ZAdd(ctx, q.stateKey(job.StateWaiting), redis.Z{Score: score(now), Member: id})
			return nil
		})
		if err != nil {
			return err
		}
		out = j
		return nil
	}

	for i := 0; i < maxTxRetries; i++ {
		err = q.client.Watch(ctx, txf, key, lockKey)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, storeErr("retry job", err)
		}
		slog.Info("job retried", "job_id", id, "interview_id", interviewID, "attempts_made", out.AttemptsMade)
		return out, nil
	}
	return nil, fmt.Errorf("job %s: too much contention", id)
}

func (q *RedisQueue) Pause(ctx context.Context) error {
	return storeErr("pause queue", q.client.Set(ctx, q.key("paused"), "1", 0).Err())
}

func (q *RedisQueue) Resume(ctx context.Context) error {
	return storeErr("resume queue", q.client.Del(ctx, q.key("paused")).Err())
}

// Clean hard-deletes up to limit terminal jobs that finished before now-olderThan.
func (q *RedisQueue) Clean(ctx context.Context, olderThan time.Duration, limit int, state job.State) ([]string, error) {
	if !state.Terminal() {
		return nil, common.ValidationError{Field: "state", Message: "only completed or failed jobs can be cleaned"}
	}
	if limit <= 0 {
		limit = DefaultCleanLimit
	}
	cutoff := q.now().Add(-olderThan)
	setKey := q.stateKey(state)

	ids, err := q.client.ZRangeByScore(ctx, setKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(cutoff.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, storeErr("clean jobs", err)
	}
	if err := q.remove(ctx, setKey, ids); err != nil {
		return nil, storeErr("clean jobs", err)
	}

	slog.Info("queue cleaned", "state", state, "older_than", olderThan, "removed", len(ids))
	return ids, nil
}

func (q *RedisQueue) remove(ctx context.Context, setKey string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	members := make([]any, len(ids))
	keys := make([]string, len(ids))
	for i, id := range ids {
		members[i] = id
		keys[i] = q.jobKey(id)
	}
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, setKey, members...)
		pipe.Del(ctx, keys...)
		return nil
	})
	return err
}

// trim keeps only the newest keep entries of a terminal set. keep <= 0 keeps everything.
func (q *RedisQueue) trim(ctx context.Context, state job.State, keep int) {
	if keep <= 0 {
		return
	}
	setKey := q.stateKey(state)
	ids, err := q.client.ZRange(ctx, setKey, 0, int64(-(keep + 1))).Result()
	if err == nil {
		err = q.remove(ctx, setKey, ids)
	}
	if err != nil {
		slog.Warn("failed to apply retention", "state", state, "keep", keep, "error", err)
	}
}

func (q *RedisQueue) Reserve(ctx context.Context, workerID string) (*job.Job, error) {
	now := q.now()
	keys := []string{q.stateKey(job.StateWaiting), q.stateKey(job.StateActive), q.key("paused")}
	id, err := reserveScript.Run(ctx, q.client, keys, now.UnixMilli()).Text()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("reserve job", err)
	}

	j, err := q.update(ctx, id, func(j *job.Job, pipe redis.Pipeliner) error {
		j.State = job.StateActive
		j.WorkerID = workerID
		j.ProcessedAt = &now
		j.Progress = 0
		pipe.Set(ctx, q.hbKey(id), workerID, q.stalledInterval)
		return nil
	})
	if common.IsNotFound(err) {
		// cleaned between pop and load
		q.client.ZRem(ctx, q.stateKey(job.StateActive), id)
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("reserve job", err)
	}
	return j, nil
}

// Heartbeat refreshes the job's liveness key and interview lock.
// It fails with common.ErrInvalidState once the job no longer belongs to the worker.
func (q *RedisQueue) Heartbeat(ctx context.Context, j *job.Job) error {
	if err := q.client.ZScore(ctx, q.stateKey(job.StateActive), j.ID).Err(); err != nil {
		if errors.Is(err, redis.Nil) {
			return fmt.Errorf("job %s is no longer active: %w", j.ID, common.ErrInvalidState)
		}
		return storeErr("heartbeat", err)
	}
	_, err := q.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, q.hbKey(j.ID), j.WorkerID, q.stalledInterval)
		pipe.Expire(ctx, q.lockKey(j.Payload.InterviewID), q.lockTTL)
		return nil
	})
	return storeErr("heartbeat", err)
}

func (q *RedisQueue) UpdateProgress(ctx context.Context, id string, pct int) error {
	_, err := q.update(ctx, id, func(j *job.Job, _ redis.Pipeliner) error {
		if j.State != job.StateActive {
			return errSkip
		}
		j.Progress = ClampPct(pct)
		return nil
	})
	if errors.Is(err, errSkip) {
		return nil
	}
	return storeErr("update progress", err)
}

// owned rejects transitions from a worker that lost the job to stalled recovery or an operator.
func owned(current, held *job.Job) error {
	if current.State != job.StateActive || current.WorkerID != held.WorkerID {
		return fmt.Errorf("job %s is %s on worker %q: %w", current.ID, current.State, current.WorkerID, common.ErrInvalidState)
	}
	return nil
}

func (q *RedisQueue) Complete(ctx context.Context, held *job.Job, result json.RawMessage) (*job.Job, error) {
	now := q.now()
	j, err := q.update(ctx, held.ID, func(j *job.Job, pipe redis.Pipeliner) error {
		if err := owned(j, held); err != nil {
			return err
		}
		j.State = job.StateCompleted
		j.Progress = 100
		j.Result = result
		j.FinishedAt = &now
		pipe.ZRem(ctx, q.stateKey(job.StateActive), j.ID)
		pipe.ZAdd(ctx, q.stateKey(job.StateCompleted), redis.Z{Score: score(now), Member: j.ID})
		pipe.Del(ctx, q.hbKey(j.ID))
		return nil
	})
	if err != nil {
		return nil, storeErr("complete job", err)
	}
	q.releaseLock(ctx, j.Payload.InterviewID, j.ID)
	q.trim(ctx, job.StateCompleted, j.KeepCompleted)
	return j, nil
}

// Fail records a failed attempt. Retryable causes go to delayed with backoff while
// attempts remain, everything else lands in failed.
func (q *RedisQueue) Fail(ctx context.Context, held *job.Job, cause error) (*job.Job, error) {
	if cause == nil {
		cause = errors.New("job failed")
	}
	now := q.now()
	j, err := q.update(ctx, held.ID, func(j *job.Job, pipe redis.Pipeliner) error {
		if err := owned(j, held); err != nil {
			return err
		}
		j.AttemptsMade++
		j.FailedReason = cause.Error()
		j.FailedClass = string(common.Classify(cause))
		pipe.ZRem(ctx, q.stateKey(job.StateActive), j.ID)
		pipe.Del(ctx, q.hbKey(j.ID))

		if common.Retryable(cause) && j.AttemptsLeft() {
			j.State = job.StateDelayed
			j.WorkerID = ""
			j.AvailableAt = now.Add(j.Backoff.Next(j.AttemptsMade))
			pipe.ZAdd(ctx, q.stateKey(job.StateDelayed), redis.Z{Score: score(j.AvailableAt), Member: j.ID})
			return nil
		}
		j.State = job.StateFailed
		j.FinishedAt = &now
		pipe.ZAdd(ctx, q.stateKey(job.StateFailed), redis.Z{Score: score(now), Member: j.ID})
		return nil
	})
	if err != nil {
		return nil, storeErr("fail job", err)
	}
	if j.State == job.StateFailed {
		q.releaseLock(ctx, j.Payload.InterviewID, j.ID)
		q.trim(ctx, job.StateFailed, j.KeepFailed)
	}
	return j, nil
}

// PromoteDelayed moves due delayed jobs to waiting.
func (q *RedisQueue) PromoteDelayed(ctx context.Context) (int, error) {
	now := q.now()
	ids, err := q.client.ZRangeByScore(ctx, q.stateKey(job.StateDelayed), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: 100,
	}).Result()
	if err != nil {
		return 0, storeErr("promote delayed", err)
	}

	promoted := 0
	for _, id := range ids {
		_, err := q.update(ctx, id, func(j *job.Job, pipe redis.Pipeliner) error {
			pipe.ZRem(ctx, q.stateKey(job.StateDelayed), id)
			if j.State != job.StateDelayed {
				return nil
			}
			j.State = job.StateWaiting
			pipe.ZAdd(ctx, q.stateKey(job.StateWaiting), redis.Z{Score: score(now), Member: id})
			return nil
		})
		if common.IsNotFound(err) {
			q.client.ZRem(ctx, q.stateKey(job.StateDelayed), id)
			continue
		}
		if err != nil {
			return promoted, storeErr("promote delayed", err)
		}
		promoted++
	}
	return promoted, nil
}

// CheckStalled requeues active jobs whose heartbeat expired, failing those that
// stalled more than maxStalledCount times.
func (q *RedisQueue) CheckStalled(ctx context.Context, maxStalledCount int) (job.Maintenance, error) {
	var res job.Maintenance
	now := q.now()
	// jobs reserved within the last interval may not have written a heartbeat yet
	ids, err := q.client.ZRangeByScore(ctx, q.stateKey(job.StateActive), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.Add(-q.stalledInterval).UnixMilli(), 10),
	}).Result()
	if err != nil {
		return res, storeErr("check stalled", err)
	}

	for _, id := range ids {
		alive, err := q.client.Exists(ctx, q.hbKey(id)).Result()
		if err != nil {
			return res, storeErr("check stalled", err)
		}
		if alive > 0 {
			continue
		}

		var restored bool
		j, err := q.update(ctx, id, func(j *job.Job, pipe redis.Pipeliner) error {
			restored = false
			if j.State != job.StateActive {
				// popped by Reserve but never marked active: put it back where its document says
				restored = true
				pipe.ZRem(ctx, q.stateKey(job.StateActive), id)
				switch j.State {
				case job.StateWaiting:
					pipe.ZAdd(ctx, q.stateKey(job.StateWaiting), redis.Z{Score: score(now), Member: id})
				case job.StateDelayed:
					pipe.ZAdd(ctx, q.stateKey(job.StateDelayed), redis.Z{Score: score(j.AvailableAt), Member: id})
				case job.StateCompleted, job.StateFailed:
					finished := now
					if j.FinishedAt != nil {
						finished = *j.FinishedAt
					}
					pipe.ZAdd(ctx, q.stateKey(j.State), redis.Z{Score: score(finished), Member: id})
				}
				return nil
			}
			j.StalledCount++
			j.WorkerID = ""
			pipe.ZRem(ctx, q.stateKey(job.StateActive), id)
			if j.StalledCount > maxStalledCount {
				j.State = job.StateFailed
				j.FailedReason = StalledReason
				j.FailedClass = string(common.ClassTransient)
				j.FinishedAt = &now
				pipe.ZAdd(ctx, q.stateKey(job.StateFailed), redis.Z{Score: score(now), Member: id})
				return nil
			}
			j.State = job.StateWaiting
			pipe.ZAdd(ctx, q.stateKey(job.StateWaiting), redis.Z{Score: score(now), Member: id})
			return nil
		})
		if common.IsNotFound(err) {
			q.client.ZRem(ctx, q.stateKey(job.StateActive), id)
			continue
		}
		if err != nil {
			return res, storeErr("check stalled", err)
		}
		if restored {
			slog.Warn("orphaned reservation restored", "job_id", id, "interview_id", j.Payload.InterviewID, "state", j.State)
			continue
		}

		switch j.State {
		case job.StateFailed:
			res.Failed = append(res.Failed, id)
			q.releaseLock(ctx, j.Payload.InterviewID, id)
			q.trim(ctx, job.StateFailed, j.KeepFailed)
			slog.Warn("stalled job failed", "job_id", id, "interview_id", j.Payload.InterviewID, "stalled_count", j.StalledCount)
		case job.StateWaiting:
			res.Requeued = append(res.Requeued, id)
			slog.Warn("stalled job requeued", "job_id", id, "interview_id", j.Payload.InterviewID, "stalled_count", j.StalledCount)
		}
	}
	return res, nil
}

func (q *RedisQueue) RegisterWorker(ctx context.Context, workerID string) error {
	now := q.now()
	_, err := q.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, q.key("workers"), redis.Z{Score: score(now), Member: workerID})
		pipe.ZRemRangeByScore(ctx, q.key("workers"), "-inf", strconv.FormatInt(now.Add(-10*q.stalledInterval).UnixMilli(), 10))
		return nil
	})
	return storeErr("register worker", err)
}

func (q *RedisQueue) UnregisterWorker(ctx context.Context, workerID string) error {
	return storeErr("unregister worker", q.client.ZRem(ctx, q.key("workers"), workerID).Err())
}

// LiveWorkers counts workers seen within the stalled interval.
func (q *RedisQueue) LiveWorkers(ctx context.Context) (int64, error) {
	since := strconv.FormatInt(q.now().Add(-q.stalledInterval).UnixMilli(), 10)
	n, err := q.client.ZCount(ctx, q.key("workers"), since, "+inf").Result()
	if err != nil {
		return 0, storeErr("count workers", err)
	}
	return n, nil
}
