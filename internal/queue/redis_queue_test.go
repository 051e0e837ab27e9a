package queue

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/fedutinova/mockinterview/internal/common"
	"github.com/fedutinova/mockinterview/internal/job"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func getTestRedisClient(t *testing.T) *redis.Client {
	redisURL := os.Getenv("TEST_REDIS_URL")
	if redisURL == "" {
		redisURL = "redis://localhost:6379"
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		t.Skipf("Skipping Redis queue test: invalid Redis URL: %v", err)
	}

	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Skipping Redis queue test: Redis not available: %v", err)
	}

	return client
}

// clock is a settable time source shared with the queue under test.
type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestQueue(t *testing.T) (*RedisQueue, *clock) {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	client := getTestRedisClient(t)

	name := "test:mq:" + uuid.New().String()[:8]
	t.Cleanup(func() {
		ctx := context.Background()
		keys, _ := client.Keys(ctx, name+":*").Result()
		if len(keys) > 0 {
			client.Del(ctx, keys...)
		}
		client.Close()
	})

	q := NewRedisQueue(client, RedisQueueConfig{
		Name:            name,
		StalledInterval: 30 * time.Second,
		LockTTL:         time.Hour,
		Defaults:        job.DefaultOptions(),
	})
	c := &clock{t: time.Now()}
	q.now = c.now
	return q, c
}

func payload(interviewID string) job.Payload {
	return job.Payload{InterviewID: interviewID, UserID: "user-1"}
}

// enqueueReady enqueues a job and promotes it past the initial delay.
func enqueueReady(t *testing.T, q *RedisQueue, c *clock, interviewID string) *job.Job {
	t.Helper()
	ctx := context.Background()
	j, err := q.Enqueue(ctx, job.TypeVideoAnalysis, payload(interviewID), job.Options{})
	require.NoError(t, err)
	c.advance(time.Second)
	_, err = q.PromoteDelayed(ctx)
	require.NoError(t, err)
	return j
}

func TestRedisQueue_EnqueueReserveComplete(t *testing.T) {
	q, c := newTestQueue(t)
	ctx := context.Background()

	j, err := q.Enqueue(ctx, job.TypeVideoAnalysis, payload("I1"), job.Options{})
	require.NoError(t, err)
	assert.Equal(t, job.StateDelayed, j.State)
	assert.Contains(t, j.ID, "video-analysis-I1-")

	// initial delay keeps the job out of reach
	got, err := q.Reserve(ctx, "w1")
	require.NoError(t, err)
	assert.Nil(t, got)

	c.advance(time.Second)
	n, err := q.PromoteDelayed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err = q.Reserve(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, job.StateActive, got.State)
	assert.Equal(t, "w1", got.WorkerID)

	require.NoError(t, q.UpdateProgress(ctx, got.ID, 40))
	active, err := q.ActiveForInterview(ctx, "I1")
	require.NoError(t, err)
	assert.Equal(t, 40, active.Progress)

	done, err := q.Complete(ctx, got, []byte(`{"ok":true}`))
	require.NoError(t, err)
	assert.Equal(t, job.StateCompleted, done.State)
	assert.Equal(t, 100, done.Progress)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, job.Stats{Completed: 1}, stats)

	_, err = q.ActiveForInterview(ctx, "I1")
	assert.True(t, common.IsNotFound(err))
}

func TestRedisQueue_OneLiveJobPerInterview(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	first, err := q.Enqueue(ctx, job.TypeVideoAnalysis, payload("I1"), job.Options{})
	require.NoError(t, err)

	_, err = q.Enqueue(ctx, job.TypeAudioAnalysis, payload("I1"), job.Options{})
	require.Error(t, err)
	assert.True(t, common.IsConflict(err))

	var ce common.ConflictError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, first.ID, ce.JobID)

	_, err = q.Enqueue(ctx, job.TypeVideoAnalysis, payload("I2"), job.Options{})
	assert.NoError(t, err)
}

func TestRedisQueue_RetryCeiling(t *testing.T) {
	q, c := newTestQueue(t)
	ctx := context.Background()
	enqueueReady(t, q, c, "I1")

	transient := common.WrapUnavailable("fetch media", errors.New("upstream 503"))
	var delays []time.Duration

	for attempt := 1; attempt <= 3; attempt++ {
		got, err := q.Reserve(ctx, "w1")
		require.NoError(t, err)
		require.NotNil(t, got, "attempt %d", attempt)

		failed, err := q.Fail(ctx, got, transient)
		require.NoError(t, err)
		assert.Equal(t, attempt, failed.AttemptsMade)

		if attempt < 3 {
			require.Equal(t, job.StateDelayed, failed.State)
			delay := failed.AvailableAt.Sub(c.now())
			delays = append(delays, delay)
			c.advance(delay)
			_, err = q.PromoteDelayed(ctx)
			require.NoError(t, err)
		} else {
			assert.Equal(t, job.StateFailed, failed.State)
			assert.Equal(t, string(common.ClassTransient), failed.FailedClass)
		}
	}

	assert.Equal(t, []time.Duration{5 * time.Second, 10 * time.Second}, delays)

	list, err := q.ListFailed(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, 3, list[0].AttemptsMade)

	got, err := q.Reserve(ctx, "w1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRedisQueue_PreconditionFailureIsTerminal(t *testing.T) {
	q, c := newTestQueue(t)
	ctx := context.Background()
	enqueueReady(t, q, c, "I2")

	got, err := q.Reserve(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, got)

	failed, err := q.Fail(ctx, got, common.Precondition("interview I2 is not completed"))
	require.NoError(t, err)
	assert.Equal(t, job.StateFailed, failed.State)
	assert.Equal(t, 1, failed.AttemptsMade)
}

func TestRedisQueue_RetryRequiresFailedState(t *testing.T) {
	q, c := newTestQueue(t)
	ctx := context.Background()
	j := enqueueReady(t, q, c, "I1")

	_, err := q.Retry(ctx, j.ID)
	require.Error(t, err)
	assert.True(t, common.IsInvalidState(err))

	untouched, err := q.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StateWaiting, untouched.State)
	assert.Equal(t, 0, untouched.AttemptsMade)

	_, err = q.Retry(ctx, "video-analysis-missing-1")
	assert.True(t, common.IsNotFound(err))
}

func TestRedisQueue_RetryFailedJob(t *testing.T) {
	q, c := newTestQueue(t)
	ctx := context.Background()
	enqueueReady(t, q, c, "I1")

	got, err := q.Reserve(ctx, "w1")
	require.NoError(t, err)
	failed, err := q.Fail(ctx, got, common.Precondition("no report yet"))
	require.NoError(t, err)
	require.Equal(t, job.StateFailed, failed.State)

	retried, err := q.Retry(ctx, failed.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StateWaiting, retried.State)
	assert.Equal(t, 2, retried.MaxAttempts)
	assert.Empty(t, retried.FailedReason)

	live, err := q.ActiveForInterview(ctx, "I1")
	require.NoError(t, err)
	assert.Equal(t, failed.ID, live.ID)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Waiting)
	assert.Equal(t, int64(0), stats.Failed)
}

func TestRedisQueue_StalledRecovery(t *testing.T) {
	q, c := newTestQueue(t)
	ctx := context.Background()
	enqueueReady(t, q, c, "I1")

	got, err := q.Reserve(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, got)

	// the worker dies: drop its heartbeat and let the interval pass
	q.client.Del(ctx, q.hbKey(got.ID))
	c.advance(31 * time.Second)

	res, err := q.CheckStalled(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{got.ID}, res.Requeued)

	again, err := q.Reserve(ctx, "w2")
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, 1, again.StalledCount)

	// the first worker can no longer settle the job
	_, err = q.Complete(ctx, got, nil)
	assert.True(t, common.IsInvalidState(err))

	q.client.Del(ctx, q.hbKey(again.ID))
	c.advance(31 * time.Second)

	res, err = q.CheckStalled(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{again.ID}, res.Failed)

	final, err := q.Get(ctx, again.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StateFailed, final.State)
	assert.Equal(t, StalledReason, final.FailedReason)
}

func TestRedisQueue_HeartbeatKeepsJobAlive(t *testing.T) {
	q, c := newTestQueue(t)
	ctx := context.Background()
	enqueueReady(t, q, c, "I1")

	got, err := q.Reserve(ctx, "w1")
	require.NoError(t, err)
	require.NoError(t, q.Heartbeat(ctx, got))

	c.advance(31 * time.Second)
	res, err := q.CheckStalled(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, res.Requeued)
	assert.Empty(t, res.Failed)
}

func TestRedisQueue_PauseResume(t *testing.T) {
	q, c := newTestQueue(t)
	ctx := context.Background()
	enqueueReady(t, q, c, "I1")

	require.NoError(t, q.Pause(ctx))
	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.True(t, stats.Paused)
	assert.Equal(t, int64(1), stats.Waiting)

	got, err := q.Reserve(ctx, "w1")
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, q.Resume(ctx))
	got, err = q.Reserve(ctx, "w1")
	require.NoError(t, err)
	assert.NotNil(t, got)
}

func TestRedisQueue_RetentionAndClean(t *testing.T) {
	q, c := newTestQueue(t)
	ctx := context.Background()

	opts := job.DefaultOptions()
	opts.Delay = 0
	opts.RemoveOnComplete = 2

	for _, id := range []string{"I1", "I2", "I3"} {
		_, err := q.Enqueue(ctx, job.TypeAudioAnalysis, payload(id), opts)
		require.NoError(t, err)
		got, err := q.Reserve(ctx, "w1")
		require.NoError(t, err)
		_, err = q.Complete(ctx, got, nil)
		require.NoError(t, err)
		c.advance(time.Minute)
	}

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Completed)

	removed, err := q.Clean(ctx, 90*time.Second, 10, job.StateCompleted)
	require.NoError(t, err)
	assert.Len(t, removed, 1)

	_, err = q.Clean(ctx, 0, 10, job.StateWaiting)
	assert.True(t, common.IsValidation(err))
}

func TestRedisQueue_WorkerRegistry(t *testing.T) {
	q, c := newTestQueue(t)
	ctx := context.Background()

	n, err := q.LiveWorkers(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, q.RegisterWorker(ctx, "w1"))
	n, err = q.LiveWorkers(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	c.advance(time.Minute)
	n, err = q.LiveWorkers(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, q.RegisterWorker(ctx, "w1"))
	require.NoError(t, q.UnregisterWorker(ctx, "w1"))
	n, err = q.LiveWorkers(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRedisQueue_UnavailableStore(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 100 * time.Millisecond, MaxRetries: -1})
	defer client.Close()
	q := NewRedisQueue(client, DefaultConfig())

	_, err := q.Stats(context.Background())
	require.Error(t, err)
	assert.True(t, common.IsUnavailable(err))

	assert.True(t, common.IsUnavailable(q.Ping(context.Background())))
}

func TestRedisQueue_LockWithoutJobIsNotStolen(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	// a lock whose job document is not visible yet
	require.NoError(t, q.client.Set(ctx, q.lockKey("iv-1"), "video-analysis-iv-1-1", time.Hour).Err())

	_, err := q.Enqueue(ctx, job.TypeVideoAnalysis, payload("iv-1"), job.Options{})
	require.Error(t, err)
	var ce common.ConflictError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "video-analysis-iv-1-1", ce.JobID)

	holder, err := q.client.Get(ctx, q.lockKey("iv-1")).Result()
	require.NoError(t, err)
	assert.Equal(t, "video-analysis-iv-1-1", holder)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, job.Stats{}, stats)
}

func TestRedisQueue_OrphanedLockClearedAfterGrace(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	// refreshed an interval ago and never again
	require.NoError(t, q.client.Set(ctx, q.lockKey("iv-1"), "video-analysis-iv-1-1", q.lockTTL-q.stalledInterval-time.Second).Err())

	j, err := q.Enqueue(ctx, job.TypeVideoAnalysis, payload("iv-1"), job.Options{})
	require.NoError(t, err)

	holder, err := q.client.Get(ctx, q.lockKey("iv-1")).Result()
	require.NoError(t, err)
	assert.Equal(t, j.ID, holder)
}

func TestRedisQueue_LockWithoutExpiryStartsAging(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.client.Set(ctx, q.lockKey("iv-1"), "video-analysis-iv-1-1", 0).Err())

	_, err := q.Enqueue(ctx, job.TypeVideoAnalysis, payload("iv-1"), job.Options{})
	assert.True(t, common.IsConflict(err))

	left, err := q.client.PTTL(ctx, q.lockKey("iv-1")).Result()
	require.NoError(t, err)
	assert.Greater(t, left, time.Duration(0))
}

func TestRedisQueue_RetryBlockedByLiveJob(t *testing.T) {
	q, c := newTestQueue(t)
	ctx := context.Background()
	enqueueReady(t, q, c, "I1")

	got, err := q.Reserve(ctx, "w1")
	require.NoError(t, err)
	failed, err := q.Fail(ctx, got, common.Precondition("no report yet"))
	require.NoError(t, err)

	second, err := q.Enqueue(ctx, job.TypeAudioAnalysis, payload("I1"), job.Options{})
	require.NoError(t, err)

	_, err = q.Retry(ctx, failed.ID)
	var ce common.ConflictError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, second.ID, ce.JobID)

	still, err := q.Get(ctx, failed.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StateFailed, still.State)
}

func TestRedisQueue_CheckStalledRestoresOrphanedReservation(t *testing.T) {
	q, c := newTestQueue(t)
	ctx := context.Background()
	j := enqueueReady(t, q, c, "I1")

	// popped into active but the document still says waiting
	stale := c.now().Add(-time.Minute)
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, q.stateKey(job.StateWaiting), j.ID)
		pipe.ZAdd(ctx, q.stateKey(job.StateActive), redis.Z{Score: score(stale), Member: j.ID})
		return nil
	})
	require.NoError(t, err)

	res, err := q.CheckStalled(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, res.Requeued)
	assert.Empty(t, res.Failed)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, job.Stats{Waiting: 1}, stats)

	got, err := q.Reserve(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, j.ID, got.ID)
	assert.Equal(t, 0, got.StalledCount)
}
