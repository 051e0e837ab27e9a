package job

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"
)

type Type string

const (
	TypeVideoAnalysis Type = "video-analysis"
	TypeAudioAnalysis Type = "audio-analysis"
)

type State string

const (
	StateWaiting   State = "waiting"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateDelayed   State = "delayed"
	StatePaused    State = "paused"
)

// Terminal reports whether no worker will pick the job up again on its own.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Payload is what the pipeline needs to run one analysis.
type Payload struct {
	InterviewID string `json:"interviewId"`
	UserID      string `json:"userId"`
	Timestamp   int64  `json:"timestamp"`
}

func (p Payload) Validate() error {
	if strings.TrimSpace(p.InterviewID) == "" {
		return fmt.Errorf("payload: interviewId is required")
	}
	if strings.TrimSpace(p.UserID) == "" {
		return fmt.Errorf("payload: userId is required")
	}
	return nil
}

type BackoffKind string

const (
	BackoffExponential BackoffKind = "exponential"
	BackoffFixed       BackoffKind = "fixed"
)

type Backoff struct {
	Kind  BackoffKind   `json:"type"`
	Delay time.Duration `json:"delay"`
	Max   time.Duration `json:"max,omitempty"`
}

// Next returns the wait before the attempt following attemptsMade failures.
// Exponential: delay * 2^(attemptsMade-1), capped at Max when set.
func (b Backoff) Next(attemptsMade int) time.Duration {
	if attemptsMade < 1 {
		attemptsMade = 1
	}
	d := b.Delay
	if b.Kind == BackoffExponential {
		d = time.Duration(float64(b.Delay) * math.Pow(2, float64(attemptsMade-1)))
	}
	if b.Max > 0 && (d > b.Max || d < 0) {
		d = b.Max
	}
	return d
}

// Options control retries, retention and scheduling of a single job.
type Options struct {
	Attempts         int           `json:"attempts"`
	Backoff          Backoff       `json:"backoff"`
	Delay            time.Duration `json:"delay"`
	RemoveOnComplete int           `json:"removeOnComplete"`
	RemoveOnFail     int           `json:"removeOnFail"`
}

func DefaultOptions() Options {
	return Options{
		Attempts: 3,
		Backoff: Backoff{
			Kind:  BackoffExponential,
			Delay: 5 * time.Second,
			Max:   10 * time.Minute,
		},
		Delay:            time.Second,
		RemoveOnComplete: 10,
		RemoveOnFail:     50,
	}
}

type Job struct {
	ID           string          `json:"id"`
	Queue        string          `json:"queueName"`
	Type         Type            `json:"type"`
	Payload      Payload         `json:"payload"`
	State        State           `json:"state"`
	AttemptsMade int             `json:"attemptsMade"`
	MaxAttempts  int             `json:"maxAttempts"`
	Backoff      Backoff         `json:"backoffPolicy"`
	StalledCount int             `json:"stalledCount"`
	Progress     int             `json:"progress"`
	FailedReason string          `json:"failedReason,omitempty"`
	FailedClass  string          `json:"failedClass,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	WorkerID     string          `json:"workerId,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
	AvailableAt  time.Time       `json:"availableAt"`
	ProcessedAt  *time.Time      `json:"processedAt,omitempty"`
	FinishedAt   *time.Time      `json:"finishedAt,omitempty"`

	KeepCompleted int `json:"removeOnComplete"`
	KeepFailed    int `json:"removeOnFail"`
}

// NewID builds the traceable id used for de-duplication: {type}-{interviewId}-{unix ms}.
func NewID(t Type, interviewID string, at time.Time) string {
	return fmt.Sprintf("%s-%s-%d", t, interviewID, at.UnixMilli())
}

// New builds a job ready to be stored, applying defaults for zero options.
func New(queueName string, t Type, p Payload, opts Options, now time.Time) *Job {
	def := DefaultOptions()
	if opts.Attempts <= 0 {
		opts.Attempts = def.Attempts
	}
	if opts.Backoff.Delay <= 0 {
		opts.Backoff = def.Backoff
	}
	if opts.Backoff.Kind == "" {
		opts.Backoff.Kind = BackoffExponential
	}
	if opts.Delay < 0 {
		opts.Delay = 0
	}
	if p.Timestamp == 0 {
		p.Timestamp = now.UnixMilli()
	}

	state := StateWaiting
	if opts.Delay > 0 {
		state = StateDelayed
	}

	return &Job{
		ID:            NewID(t, p.InterviewID, now),
		Queue:         queueName,
		Type:          t,
		Payload:       p,
		State:         state,
		MaxAttempts:   opts.Attempts,
		Backoff:       opts.Backoff,
		CreatedAt:     now,
		AvailableAt:   now.Add(opts.Delay),
		KeepCompleted: opts.RemoveOnComplete,
		KeepFailed:    opts.RemoveOnFail,
	}
}

// AttemptsLeft reports whether another attempt may be scheduled.
func (j *Job) AttemptsLeft() bool {
	return j.AttemptsMade < j.MaxAttempts
}

// Stats is a point-in-time view of the queue.
type Stats struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Delayed   int64 `json:"delayed"`
	Paused    bool  `json:"paused"`
}

// Pending counts jobs that still need a worker.
func (s Stats) Pending() int64 {
	return s.Waiting + s.Delayed + s.Active
}

// Maintenance summarises one stalled-check pass.
type Maintenance struct {
	Requeued []string
	Failed   []string
}
