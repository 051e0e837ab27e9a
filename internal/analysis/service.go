package analysis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fedutinova/mockinterview/internal/common"
	"github.com/fedutinova/mockinterview/internal/job"
	"github.com/fedutinova/mockinterview/internal/models"
	"github.com/google/uuid"
)

type InterviewStore interface {
	GetInterview(ctx context.Context, id string) (*models.Interview, error)
}

type ReportStore interface {
	GetReportByInterviewID(ctx context.Context, interviewID string) (*models.Report, error)
	UpdateAnalysis(ctx context.Context, reportID uuid.UUID, kind models.MediaKind, result *models.AnalysisResult) error
}

// JobQueue is the part of the queue the trigger path needs.
type JobQueue interface {
	Enqueue(ctx context.Context, t job.Type, p job.Payload, opts job.Options) (*job.Job, error)
	ActiveForInterview(ctx context.Context, interviewID string) (*job.Job, error)
	LiveWorkers(ctx context.Context) (int64, error)
}

// Precheck is everything the pipeline needs once an interview passed its preconditions.
type Precheck struct {
	Interview *models.Interview
	Report    *models.Report
	Kind      models.MediaKind
	MediaRef  string
	Existing  *models.AnalysisResult
}

// AlreadyComplete reports whether the analysis for this kind is stored and done.
func (p *Precheck) AlreadyComplete() bool {
	return p.Existing.Completed()
}

type Checker struct {
	Interviews InterviewStore
	Reports    ReportStore
}

// Check verifies the interview is completed, has a recording for kind, and has a report.
// An empty kind picks video when present, otherwise audio.
func (c *Checker) Check(ctx context.Context, interviewID string, kind models.MediaKind) (*Precheck, error) {
	if interviewID == "" {
		return nil, common.ValidationError{Field: "interviewId", Message: "is required"}
	}
	if kind != "" && !kind.Valid() {
		return nil, common.ValidationError{Field: "mediaType", Message: "must be video or audio"}
	}

	iv, err := c.Interviews.GetInterview(ctx, interviewID)
	if err != nil {
		return nil, fmt.Errorf("load interview %s: %w", interviewID, err)
	}
	if !iv.IsCompleted {
		return nil, common.Precondition("interview %s is not completed", interviewID)
	}

	if kind == "" {
		var ok bool
		if kind, ok = iv.DefaultKind(); !ok {
			return nil, common.Precondition("no recording found for interview %s", interviewID)
		}
	}
	ref := iv.RecordingFor(kind)
	if ref == "" {
		return nil, common.Precondition("no %s recording found for interview %s", kind, interviewID)
	}

	rep, err := c.Reports.GetReportByInterviewID(ctx, interviewID)
	if err != nil {
		return nil, fmt.Errorf("load report for interview %s: %w", interviewID, err)
	}

	return &Precheck{
		Interview: iv,
		Report:    rep,
		Kind:      kind,
		MediaRef:  ref,
		Existing:  rep.Analysis(kind),
	}, nil
}

// Actor is the authenticated caller.
type Actor struct {
	UserID string
	Admin  bool
}

func (a Actor) canSee(iv *models.Interview) bool {
	return a.Admin || (a.UserID != "" && a.UserID == iv.UserID)
}

const (
	StatusQueued     = "queued"
	StatusNotStarted = "not_started"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

type TriggerResult struct {
	Status    string                 `json:"status"`
	JobID     string                 `json:"jobId,omitempty"`
	MediaType models.MediaKind       `json:"mediaType"`
	Result    *models.AnalysisResult `json:"result,omitempty"`
}

// JobView is the public slice of a live job.
type JobView struct {
	ID           string    `json:"id"`
	State        job.State `json:"state"`
	Progress     int       `json:"progress"`
	AttemptsMade int       `json:"attemptsMade"`
	MaxAttempts  int       `json:"maxAttempts"`
	FailedReason string    `json:"failedReason,omitempty"`
}

func viewOf(j *job.Job) *JobView {
	return &JobView{
		ID:           j.ID,
		State:        j.State,
		Progress:     j.Progress,
		AttemptsMade: j.AttemptsMade,
		MaxAttempts:  j.MaxAttempts,
		FailedReason: j.FailedReason,
	}
}

type StatusView struct {
	InterviewID string           `json:"interviewId"`
	MediaType   models.MediaKind `json:"mediaType,omitempty"`
	Status      string           `json:"status"`
	Error       string           `json:"error,omitempty"`
	AnalyzedAt  *time.Time       `json:"analyzedAt,omitempty"`
	Job         *JobView         `json:"job,omitempty"`
}

type Service struct {
	checker *Checker
	queue   JobQueue
	opts    job.Options
}

func NewService(interviews InterviewStore, reports ReportStore, q JobQueue, opts job.Options) *Service {
	return &Service{
		checker: &Checker{Interviews: interviews, Reports: reports},
		queue:   q,
		opts:    opts,
	}
}

// Trigger queues an analysis run. A completed analysis is returned as is without
// touching the queue or checking for workers.
func (s *Service) Trigger(ctx context.Context, actor Actor, interviewID string, kind models.MediaKind) (*TriggerResult, error) {
	pc, err := s.checker.Check(ctx, interviewID, kind)
	if err != nil {
		slog.Info("analysis trigger rejected", "interview_id", interviewID, "media_type", kind, "error", err)
		return nil, err
	}
	if !actor.canSee(pc.Interview) {
		return nil, fmt.Errorf("interview %s: %w", interviewID, common.ErrForbidden)
	}

	if pc.AlreadyComplete() {
		return &TriggerResult{Status: StatusCompleted, MediaType: pc.Kind, Result: pc.Existing}, nil
	}

	workers, err := s.queue.LiveWorkers(ctx)
	if err != nil {
		return nil, fmt.Errorf("check workers: %w", err)
	}
	if workers == 0 {
		return nil, common.ErrWorkerNotRunning
	}

	j, err := s.queue.Enqueue(ctx, JobType(pc.Kind), job.Payload{
		InterviewID: interviewID,
		UserID:      pc.Interview.UserID,
	}, s.opts)
	if err != nil {
		slog.Warn("analysis enqueue failed", "interview_id", interviewID, "media_type", pc.Kind, "error", err)
		return nil, err
	}

	slog.Info("analysis queued", "interview_id", interviewID, "job_id", j.ID, "media_type", pc.Kind, "user_id", pc.Interview.UserID)
	return &TriggerResult{Status: StatusQueued, JobID: j.ID, MediaType: pc.Kind}, nil
}

// Status reports the stored outcome for the interview plus any live job.
// Once a live job of the requested kind has started an attempt, or is a retry
// after a recorded failure, the status reads processing until a completed
// result is stored. A job still waiting for its first attempt keeps not_started.
func (s *Service) Status(ctx context.Context, actor Actor, interviewID string, kind models.MediaKind) (*StatusView, error) {
	iv, rep, err := s.load(ctx, actor, interviewID)
	if err != nil {
		return nil, err
	}

	if kind == "" {
		kind, _ = iv.DefaultKind()
	}
	view := &StatusView{InterviewID: interviewID, MediaType: kind, Status: StatusNotStarted}

	if rep != nil {
		switch a := rep.Analysis(kind); {
		case a.Completed():
			view.Status = StatusCompleted
			view.AnalyzedAt = a.AnalyzedAt
		case a.Failed():
			view.Status = StatusFailed
			view.Error = a.Error
		}
	}

	j, err := s.queue.ActiveForInterview(ctx, interviewID)
	switch {
	case err == nil:
		view.Job = viewOf(j)
		started := j.State == job.StateActive || j.AttemptsMade > 0 || view.Status == StatusFailed
		if jk, kerr := KindOf(j.Type); kerr == nil && jk == kind && started && view.Status != StatusCompleted {
			view.Status = StatusProcessing
		}
	case common.IsNotFound(err):
	default:
		// the stored status is still useful without the live job
		slog.Warn("failed to load live job", "interview_id", interviewID, "error", err)
	}
	return view, nil
}

// Result returns the completed analysis or common.ErrResultNotFound.
func (s *Service) Result(ctx context.Context, actor Actor, interviewID string, kind models.MediaKind) (*models.AnalysisResult, error) {
	iv, rep, err := s.load(ctx, actor, interviewID)
	if err != nil {
		return nil, err
	}
	if kind == "" {
		kind, _ = iv.DefaultKind()
	}
	if rep == nil {
		return nil, common.ErrResultNotFound
	}
	a := rep.Analysis(kind)
	if !a.Completed() {
		return nil, common.ErrResultNotFound
	}
	return a, nil
}

// load returns the interview and its report; a missing report is not an error here.
func (s *Service) load(ctx context.Context, actor Actor, interviewID string) (*models.Interview, *models.Report, error) {
	if interviewID == "" {
		return nil, nil, common.ValidationError{Field: "interviewId", Message: "is required"}
	}
	iv, err := s.checker.Interviews.GetInterview(ctx, interviewID)
	if err != nil {
		return nil, nil, fmt.Errorf("load interview %s: %w", interviewID, err)
	}
	if !actor.canSee(iv) {
		return nil, nil, fmt.Errorf("interview %s: %w", interviewID, common.ErrForbidden)
	}
	rep, err := s.checker.Reports.GetReportByInterviewID(ctx, interviewID)
	if errors.Is(err, common.ErrReportNotFound) {
		return iv, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("load report for interview %s: %w", interviewID, err)
	}
	return iv, rep, nil
}
