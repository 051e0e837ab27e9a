package workers

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fedutinova/mockinterview/internal/common"
	"github.com/fedutinova/mockinterview/internal/gpt"
	"github.com/fedutinova/mockinterview/internal/models"
	"github.com/fedutinova/mockinterview/internal/storage"
	"github.com/google/uuid"
	"github.com/sashabaranov/go-openai/jsonschema"
)

type fakeStore struct {
	mu        sync.Mutex
	interview *models.Interview
	report    *models.Report
	updates   []*models.AnalysisResult
	updateErr error
}

func newFakeStore(iv *models.Interview) *fakeStore {
	return &fakeStore{
		interview: iv,
		report:    &models.Report{ID: uuid.New(), InterviewID: iv.ID, UserID: iv.UserID},
	}
}

func (f *fakeStore) GetInterview(ctx context.Context, id string) (*models.Interview, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.interview == nil || f.interview.ID != id {
		return nil, common.ErrInterviewNotFound
	}
	c := *f.interview
	return &c, nil
}

func (f *fakeStore) GetReportByInterviewID(ctx context.Context, interviewID string) (*models.Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.report == nil || f.report.InterviewID != interviewID {
		return nil, common.ErrReportNotFound
	}
	c := *f.report
	return &c, nil
}

func (f *fakeStore) UpdateAnalysis(ctx context.Context, reportID uuid.UUID, kind models.MediaKind, result *models.AnalysisResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil && result.IsCompleted {
		return f.updateErr
	}
	current := f.report.AudioAnalysis
	if kind == models.MediaVideo {
		current = f.report.VideoAnalysis
	}
	if !result.IsCompleted && current.Completed() {
		return common.ErrAnalysisCompleted
	}
	f.updates = append(f.updates, result)
	if kind == models.MediaVideo {
		f.report.VideoAnalysis = result
	} else {
		f.report.AudioAnalysis = result
	}
	return nil
}

func (f *fakeStore) last() *models.AnalysisResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.updates) == 0 {
		return nil
	}
	return f.updates[len(f.updates)-1]
}

type fakeFetcher struct {
	calls atomic.Int32
	fetch func(url string) (*Media, error)
}

func (f *fakeFetcher) Fetch(ctx context.Context, url string) (*Media, error) {
	f.calls.Add(1)
	if f.fetch != nil {
		return f.fetch(url)
	}
	return &Media{Data: []byte("video"), MimeType: "video/mp4", Extension: ".mp4"}, nil
}

type fakeAI struct {
	uploads  atomic.Int32
	polls    atomic.Int32
	deletes  atomic.Int32
	analyses atomic.Int32

	upload    func(name, mime string) (*gpt.File, error)
	getFile   func(n int32) (*gpt.File, error)
	generate  func() (string, error)
	deleteErr error
}

func (f *fakeAI) Upload(ctx context.Context, name, mimeType string, data []byte) (*gpt.File, error) {
	f.uploads.Add(1)
	if f.upload != nil {
		return f.upload(name, mimeType)
	}
	return &gpt.File{URI: "file-1", Name: name, MimeType: mimeType, State: gpt.FileProcessing, SizeBytes: int64(len(data))}, nil
}

func (f *fakeAI) GetFile(ctx context.Context, uri string) (*gpt.File, error) {
	n := f.polls.Add(1)
	if f.getFile != nil {
		return f.getFile(n)
	}
	return &gpt.File{URI: uri, State: gpt.FileActive}, nil
}

func (f *fakeAI) DeleteFile(ctx context.Context, uri string) error {
	f.deletes.Add(1)
	return f.deleteErr
}

func (f *fakeAI) GenerateStructured(ctx context.Context, file *gpt.File, prompt, schemaName string, schema jsonschema.Definition) (string, error) {
	f.analyses.Add(1)
	if f.generate != nil {
		return f.generate()
	}
	if schemaName == "audio_interview_analysis" {
		return audioResponse, nil
	}
	return videoResponse, nil
}

type sentEvent struct {
	userID string
	event  string
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []sentEvent
}

func (f *fakeNotifier) Emit(userID, event string, payload any) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, sentEvent{userID, event})
	return true
}

func (f *fakeNotifier) names() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.events))
	for i, e := range f.events {
		out[i] = e.event
	}
	return out
}

const sectionScores = `"communication":{"clarity":7,"confidence":6,"pace":8,"feedback":"ok"},
	"content":{"relevance":7,"structure":6,"depth":5,"feedback":"ok"},
	"voice":{"tone":7,"fillerWords":6,"fluency":8,"feedback":"ok"}`

const audioResponse = `{"overallScore":7,"summary":"Solid.",` + sectionScores + `,
	"strengths":["clear"],"improvements":["depth"]}`

const videoResponse = `{"overallScore":7,"summary":"Solid.",` + sectionScores + `,
	"bodyLanguage":{"eyeContact":6,"posture":7,"gestures":5,"facialExpressions":6,"feedback":"ok"},
	"strengths":["clear"],"improvements":["depth"]}`

type fakeStorage struct {
	mu      sync.Mutex
	objects map[string]string
	deleted []string
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{objects: map[string]string{}}
}

func (f *fakeStorage) Put(ctx context.Context, key string, content io.Reader, contentType string) (*storage.UploadResult, error) {
	b, err := io.ReadAll(content)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = string(b)
	return &storage.UploadResult{Key: key, URL: "https://files.example.com/" + key}, nil
}

func (f *fakeStorage) GetPresignedURL(ctx context.Context, key string, expiration time.Duration) (string, error) {
	return "https://files.example.com/" + key + "?signed", nil
}

func (f *fakeStorage) DeleteFile(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.objects[key]; !ok {
		return common.ErrNotFound
	}
	delete(f.objects, key)
	f.deleted = append(f.deleted, key)
	return nil
}
