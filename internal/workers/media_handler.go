package workers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/fedutinova/mockinterview/internal/analysis"
	"github.com/fedutinova/mockinterview/internal/common"
	"github.com/fedutinova/mockinterview/internal/gpt"
	"github.com/fedutinova/mockinterview/internal/job"
	"github.com/fedutinova/mockinterview/internal/metrics"
	"github.com/fedutinova/mockinterview/internal/models"
	"github.com/fedutinova/mockinterview/internal/notify"
	"github.com/fedutinova/mockinterview/internal/storage"
	"github.com/sashabaranov/go-openai/jsonschema"
)

type MediaFetcher interface {
	Fetch(ctx context.Context, url string) (*Media, error)
}

// MediaAnalyzer is the external analysis service.
type MediaAnalyzer interface {
	Upload(ctx context.Context, name, mimeType string, data []byte) (*gpt.File, error)
	GetFile(ctx context.Context, uri string) (*gpt.File, error)
	DeleteFile(ctx context.Context, uri string) error
	GenerateStructured(ctx context.Context, file *gpt.File, prompt, schemaName string, schema jsonschema.Definition) (string, error)
}

type Notifier interface {
	Emit(userID, event string, payload any) bool
}

type PipelineConfig struct {
	PollInterval     time.Duration
	PollMaxAttempts  int
	PollDeadline     time.Duration
	PresignTTL       time.Duration
	ArchiveResponses bool
}

func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		PollInterval:     5 * time.Second,
		PollMaxAttempts:  120,
		PollDeadline:     10 * time.Minute,
		PresignTTL:       time.Hour,
		ArchiveResponses: true,
	}
}

// cleanupTimeout bounds best-effort work that runs after the job context is gone.
const cleanupTimeout = 30 * time.Second

type MediaHandler struct {
	checker  *analysis.Checker
	reports  analysis.ReportStore
	fetcher  MediaFetcher
	ai       MediaAnalyzer
	storage  storage.Storage
	notifier Notifier
	cfg      PipelineConfig
	now      func() time.Time
}

type MediaHandlerDeps struct {
	Interviews analysis.InterviewStore
	Reports    analysis.ReportStore
	Fetcher    MediaFetcher
	AI         MediaAnalyzer
	Storage    storage.Storage // optional; needed for key-based recordings and the archive
	Notifier   Notifier        // optional
}

func NewMediaHandler(deps MediaHandlerDeps, cfg PipelineConfig) *MediaHandler {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.PollMaxAttempts <= 0 {
		cfg.PollMaxAttempts = 1
	}
	if cfg.PresignTTL <= 0 {
		cfg.PresignTTL = time.Hour
	}
	return &MediaHandler{
		checker:  &analysis.Checker{Interviews: deps.Interviews, Reports: deps.Reports},
		reports:  deps.Reports,
		fetcher:  deps.Fetcher,
		ai:       deps.AI,
		storage:  deps.Storage,
		notifier: deps.Notifier,
		cfg:      cfg,
		now:      time.Now,
	}
}

// run carries per-execution state so every error path has the job and interview in scope.
type run struct {
	job      *job.Job
	kind     models.MediaKind
	pc       *analysis.Precheck
	file     *gpt.File
	deleted  bool
	log      *slog.Logger
	started  time.Time
	progress func(int)
}

// Handle executes one attempt of the analysis pipeline for j.
func (h *MediaHandler) Handle(ctx context.Context, j *job.Job, progress func(int)) (json.RawMessage, error) {
	if progress == nil {
		progress = func(int) {}
	}
	r := &run{
		job:      j,
		log:      slog.With("job_id", j.ID, "interview_id", j.Payload.InterviewID, "attempt", j.AttemptsMade+1),
		started:  h.now(),
		progress: progress,
	}

	kind, err := analysis.KindOf(j.Type)
	if err != nil {
		return nil, err
	}
	r.kind = kind
	r.log = r.log.With("media_type", kind)

	stage := h.now()
	r.pc, err = h.checker.Check(ctx, j.Payload.InterviewID, kind)
	metrics.ObserveStage("precheck", stage)
	if err != nil {
		r.log.Warn("analysis preconditions not met", "error", err)
		if Interrupted(ctx) {
			return nil, err
		}
		h.emit(r, notify.StageFailed, map[string]any{"error": err.Error(), "willRetry": false})
		return nil, err
	}
	if r.pc.AlreadyComplete() {
		r.log.Info("analysis already completed, skipping")
		return json.Marshal(r.pc.Existing)
	}

	h.emit(r, notify.StageStarted, nil)
	progress(5)

	result, err := h.execute(ctx, r)
	if err != nil {
		return nil, h.fail(ctx, r, err)
	}

	h.cleanup(ctx, r)
	h.emit(r, notify.StageCompleted, map[string]any{"analysis": result.Analysis, "analyzedAt": result.AnalyzedAt})
	r.log.Info("media analysis completed",
		"duration_ms", result.ProcessingDurationMs,
		"size_bytes", result.FileSizeBytes)
	return json.Marshal(result)
}

func (h *MediaHandler) execute(ctx context.Context, r *run) (*models.AnalysisResult, error) {
	stage := h.now()
	url, err := storage.ResolveURL(ctx, h.storage, r.pc.MediaRef, h.cfg.PresignTTL)
	if err != nil {
		return nil, common.Permanent("resolve recording", err)
	}
	media, err := h.fetcher.Fetch(ctx, url)
	metrics.ObserveStage("fetch", stage)
	if err != nil {
		return nil, err
	}
	r.log.Info("recording fetched", "size_bytes", media.Size(), "mime_type", media.MimeType)
	r.progress(25)

	stage = h.now()
	name := analysis.DisplayName(r.kind, r.job.Payload.InterviewID, media.Extension)
	r.file, err = h.ai.Upload(ctx, name, media.MimeType, media.Data)
	metrics.ObserveStage("upload", stage)
	if err != nil {
		return nil, err
	}
	r.progress(40)

	stage = h.now()
	ready, err := h.waitActive(ctx, r)
	metrics.ObserveStage("poll", stage)
	if err != nil {
		return nil, err
	}
	r.file = ready
	r.progress(60)

	schema, err := analysis.SchemaFor(r.kind)
	if err != nil {
		return nil, err
	}
	stage = h.now()
	raw, err := h.ai.GenerateStructured(ctx, r.file, analysis.PromptFor(r.kind), schema.Name, schema.Definition)
	metrics.ObserveStage("analyze", stage)
	if err != nil {
		return nil, err
	}
	parsed, err := schema.Parse(raw)
	if err != nil {
		r.log.Error("analysis response rejected", "error", err, "response_length", len(raw))
		return nil, err
	}
	r.progress(80)

	at := h.now().UTC()
	result := &models.AnalysisResult{
		InterviewID:          r.job.Payload.InterviewID,
		MediaType:            r.kind,
		IsCompleted:          true,
		Analysis:             parsed,
		AnalyzedAt:           &at,
		ProcessingDurationMs: at.Sub(r.started).Milliseconds(),
		FileSizeBytes:        media.Size(),
		ExternalFileRef:      r.file.URI,
		RawResponseKey:       h.archive(ctx, r, raw, at),
	}

	stage = h.now()
	err = h.reports.UpdateAnalysis(ctx, r.pc.Report.ID, r.kind, result)
	metrics.ObserveStage("persist", stage)
	if err != nil {
		h.dropArchive(ctx, r, result.RawResponseKey)
		return nil, fmt.Errorf("persist analysis: %w", err)
	}
	r.progress(100)
	return result, nil
}

// waitActive polls the uploaded file until it leaves processing, bounded by
// PollMaxAttempts checks and PollDeadline.
func (h *MediaHandler) waitActive(ctx context.Context, r *run) (*gpt.File, error) {
	pollCtx := ctx
	if h.cfg.PollDeadline > 0 {
		var cancel context.CancelFunc
		pollCtx, cancel = context.WithTimeout(ctx, h.cfg.PollDeadline)
		defer cancel()
	}

	file := r.file
	for i := 0; ; i++ {
		switch file.State {
		case gpt.FileActive:
			if file.URI == "" || file.MimeType == "" {
				return nil, common.Permanent("media processing", errors.New("processed file has no uri or mime type"))
			}
			r.log.Debug("uploaded media ready", "file_id", file.URI, "polls", i)
			return file, nil
		case gpt.FileFailed:
			return nil, common.Permanent("media processing",
				fmt.Errorf("external processing failed for %s: %s", file.URI, file.Detail))
		}
		if i >= h.cfg.PollMaxAttempts {
			return nil, common.WrapUnavailable("media processing",
				fmt.Errorf("file %s still processing after %d checks", file.URI, i))
		}

		t := time.NewTimer(h.cfg.PollInterval)
		select {
		case <-pollCtx.Done():
			t.Stop()
			return nil, common.WrapUnavailable("media processing",
				fmt.Errorf("waiting for file %s: %w", file.URI, pollCtx.Err()))
		case <-t.C:
		}

		next, err := h.ai.GetFile(pollCtx, file.URI)
		if err != nil {
			return nil, err
		}
		if next.MimeType == "" {
			next.MimeType = file.MimeType
		}
		if next.Name == "" {
			next.Name = file.Name
		}
		file = next
	}
}

func (h *MediaHandler) archive(ctx context.Context, r *run, raw string, at time.Time) string {
	if !h.cfg.ArchiveResponses || h.storage == nil {
		return ""
	}
	key := storage.ArchiveKey(r.job.Payload.InterviewID, string(r.kind), at)
	if _, err := h.storage.Put(ctx, key, strings.NewReader(raw), "application/json"); err != nil {
		r.log.Warn("failed to archive analysis response", "key", key, "error", err)
		return ""
	}
	return key
}

// dropArchive removes an archived response that no report references.
func (h *MediaHandler) dropArchive(ctx context.Context, r *run, key string) {
	if key == "" {
		return
	}
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	if err := h.storage.DeleteFile(dctx, key); err != nil {
		r.log.Warn("failed to drop unreferenced archive", "key", key, "error", err)
	}
}

// cleanup deletes the uploaded file at most once per run.
func (h *MediaHandler) cleanup(ctx context.Context, r *run) {
	if r.file == nil || r.file.URI == "" || r.deleted {
		return
	}
	r.deleted = true
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	if err := h.ai.DeleteFile(cctx, r.file.URI); err != nil {
		r.log.Warn("failed to delete uploaded media", "file_id", r.file.URI, "error", err)
		return
	}
	r.log.Debug("uploaded media deleted", "file_id", r.file.URI)
}

// fail cleans up, records the error on the report and notifies the owner.
// None of these side effects can change the returned error. An attempt the
// pool interrupted records nothing: the job is not over and another run owns
// its outcome.
func (h *MediaHandler) fail(ctx context.Context, r *run, cause error) error {
	h.cleanup(ctx, r)

	if Interrupted(ctx) {
		r.log.Warn("media analysis interrupted", "error", cause, "reason", context.Cause(ctx))
		return cause
	}

	willRetry := common.Retryable(cause) && r.job.AttemptsMade+1 < r.job.MaxAttempts
	r.log.Error("media analysis failed",
		"error", cause,
		"class", common.Classify(cause),
		"will_retry", willRetry)

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	failed := models.FailedResult(r.job.Payload.InterviewID, r.kind, cause.Error(), h.now().UTC())
	switch err := h.reports.UpdateAnalysis(pctx, r.pc.Report.ID, r.kind, failed); {
	case errors.Is(err, common.ErrAnalysisCompleted):
		// a concurrent run finished the analysis
		r.log.Info("analysis already completed, failure not recorded", "error", cause)
		return cause
	case err != nil:
		r.log.Error("failed to persist analysis error", "error", err)
	}

	h.emit(r, notify.StageFailed, map[string]any{"error": cause.Error(), "willRetry": willRetry})
	return cause
}

func (h *MediaHandler) emit(r *run, stage notify.Stage, extra map[string]any) {
	if h.notifier == nil {
		return
	}
	payload := map[string]any{
		"interviewId": r.job.Payload.InterviewID,
		"jobId":       r.job.ID,
		"mediaType":   r.kind,
	}
	for k, v := range extra {
		payload[k] = v
	}
	event := notify.EventName(stage, r.job.Payload.InterviewID)
	if !h.notifier.Emit(r.job.Payload.UserID, event, payload) {
		r.log.Debug("notification not delivered", "event", event)
	}
}
