package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fedutinova/mockinterview/internal/analysis"
	"github.com/fedutinova/mockinterview/internal/auth"
	"github.com/fedutinova/mockinterview/internal/common"
	"github.com/fedutinova/mockinterview/internal/config"
	"github.com/fedutinova/mockinterview/internal/job"
	"github.com/fedutinova/mockinterview/internal/memq"
	"github.com/fedutinova/mockinterview/internal/models"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testSecret = "test-secret"
	testIssuer = "mockinterview"
)

type memStore struct {
	mu         sync.Mutex
	interviews map[string]*models.Interview
	reports    map[string]*models.Report
}

func (s *memStore) GetInterview(ctx context.Context, id string) (*models.Interview, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	iv, ok := s.interviews[id]
	if !ok {
		return nil, common.ErrInterviewNotFound
	}
	return iv, nil
}

func (s *memStore) GetReportByInterviewID(ctx context.Context, interviewID string) (*models.Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rep, ok := s.reports[interviewID]
	if !ok {
		return nil, common.ErrReportNotFound
	}
	c := *rep
	return &c, nil
}

func (s *memStore) UpdateAnalysis(ctx context.Context, reportID uuid.UUID, kind models.MediaKind, result *models.AnalysisResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rep := range s.reports {
		if rep.ID == reportID {
			current := rep.AudioAnalysis
			if kind == models.MediaVideo {
				current = rep.VideoAnalysis
			}
			if !result.IsCompleted && current.Completed() {
				return common.ErrAnalysisCompleted
			}
			if kind == models.MediaVideo {
				rep.VideoAnalysis = result
			} else {
				rep.AudioAnalysis = result
			}
			return nil
		}
	}
	return common.ErrReportNotFound
}

type failingPinger struct{}

func (failingPinger) Ping(ctx context.Context) error { return errors.New("connection refused") }

type testEnv struct {
	store  *memStore
	q      *memq.MemoryQueue
	router http.Handler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	now := time.Now()
	store := &memStore{
		interviews: map[string]*models.Interview{
			"I1": {ID: "I1", UserID: "U1", IsCompleted: true, Recordings: models.Recordings{Video: "https://cdn.example.com/I1.mp4"}},
			"I2": {ID: "I2", UserID: "U1", IsCompleted: false, Recordings: models.Recordings{Video: "https://cdn.example.com/I2.mp4"}},
			"I3": {ID: "I3", UserID: "U1", IsCompleted: true},
			"I4": {ID: "I4", UserID: "U2", IsCompleted: true, Recordings: models.Recordings{Video: "https://cdn.example.com/I4.mp4"}},
			"I5": {ID: "I5", UserID: "U1", IsCompleted: true, Recordings: models.Recordings{Video: "https://cdn.example.com/I5.mp4"}},
		},
		reports: map[string]*models.Report{
			"I1": {ID: uuid.New(), InterviewID: "I1", UserID: "U1"},
			"I2": {ID: uuid.New(), InterviewID: "I2", UserID: "U1"},
			"I3": {ID: uuid.New(), InterviewID: "I3", UserID: "U1"},
			"I4": {ID: uuid.New(), InterviewID: "I4", UserID: "U2"},
			"I5": {ID: uuid.New(), InterviewID: "I5", UserID: "U1", VideoAnalysis: &models.AnalysisResult{
				InterviewID: "I5", MediaType: models.MediaVideo, IsCompleted: true,
				Analysis: json.RawMessage(`{"overallScore":8}`), AnalyzedAt: &now,
			}},
		},
	}

	opts := job.DefaultOptions()
	q := memq.NewMemoryQueue("test", 30*time.Second, opts)
	h := &Handlers{
		Analysis: analysis.NewService(store, store, q, opts),
		Q:        q,
		Config:   config.Config{JWTSecret: testSecret, JWTIssuer: testIssuer},
	}
	r := chi.NewRouter()
	h.Routers(r)
	return &testEnv{store: store, q: q, router: r}
}

func token(t *testing.T, user string, roles ...string) string {
	t.Helper()
	tok, err := auth.NewToken(testSecret, testIssuer, user, roles, time.Hour)
	require.NoError(t, err)
	return "Bearer " + tok
}

func (e *testEnv) do(t *testing.T, method, path, bearer, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if bearer != "" {
		req.Header.Set("Authorization", bearer)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)

	var out map[string]any
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	}
	return rec, out
}

func (e *testEnv) startWorker(t *testing.T) {
	t.Helper()
	require.NoError(t, e.q.RegisterWorker(context.Background(), "w1"))
}

func TestAnalyze(t *testing.T) {
	user := token(t, "U1", "user")

	t.Run("queues a new job", func(t *testing.T) {
		e := newTestEnv(t)
		e.startWorker(t)
		rec, body := e.do(t, http.MethodPost, "/media-analysis/I1/analyze", user, "")
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		assert.Equal(t, "queued", body["status"])
		assert.Equal(t, "video", body["mediaType"])
		assert.True(t, strings.HasPrefix(body["jobId"].(string), "video-analysis-I1-"))
	})

	t.Run("already complete", func(t *testing.T) {
		e := newTestEnv(t)
		rec, body := e.do(t, http.MethodPost, "/media-analysis/I5/analyze", user, "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "completed", body["status"])
		assert.Zero(t, e.q.Len())
	})

	t.Run("worker not running", func(t *testing.T) {
		e := newTestEnv(t)
		rec, body := e.do(t, http.MethodPost, "/media-analysis/I1/analyze", user, "")
		require.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.EqualValues(t, http.StatusServiceUnavailable, body["statusCode"])
		assert.Equal(t, common.ErrWorkerNotRunning.Error(), body["message"])
		assert.Zero(t, e.q.Len())
	})

	t.Run("duplicate while live", func(t *testing.T) {
		e := newTestEnv(t)
		e.startWorker(t)
		_, first := e.do(t, http.MethodPost, "/media-analysis/I1/analyze", user, "")
		rec, body := e.do(t, http.MethodPost, "/media-analysis/I1/analyze", user, "")
		require.Equal(t, http.StatusConflict, rec.Code)
		assert.Equal(t, first["jobId"], body["jobId"])
	})

	tests := []struct {
		name    string
		path    string
		body    string
		bearer  string
		status  int
		message string
	}{
		{name: "not completed", path: "/media-analysis/I2/analyze", bearer: user, status: http.StatusBadRequest, message: "interview I2 is not completed"},
		{name: "no recording", path: "/media-analysis/I3/analyze", bearer: user, status: http.StatusBadRequest, message: "no recording found for interview I3"},
		{name: "interview missing", path: "/media-analysis/nope/analyze", bearer: user, status: http.StatusNotFound},
		{name: "bad media type", path: "/media-analysis/I1/analyze", body: `{"mediaType":"image"}`, bearer: user, status: http.StatusBadRequest},
		{name: "no audio", path: "/media-analysis/I1/analyze", body: `{"mediaType":"audio"}`, bearer: user, status: http.StatusBadRequest},
		{name: "other user", path: "/media-analysis/I4/analyze", bearer: user, status: http.StatusForbidden},
		{name: "no token", path: "/media-analysis/I1/analyze", status: http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEnv(t)
			e.startWorker(t)
			rec, body := e.do(t, http.MethodPost, tt.path, tt.bearer, tt.body)
			require.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.EqualValues(t, tt.status, body["statusCode"])
			if tt.message != "" {
				assert.Contains(t, body["message"], tt.message)
			}
			assert.Zero(t, e.q.Len())
		})
	}
}

func TestStatusAndResult(t *testing.T) {
	e := newTestEnv(t)
	e.startWorker(t)
	user := token(t, "U1", "user")

	rec, body := e.do(t, http.MethodGet, "/media-analysis/I1/status", user, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "not_started", body["status"])
	assert.Nil(t, body["job"])

	rec, _ = e.do(t, http.MethodGet, "/media-analysis/I1/result", user, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	_, queued := e.do(t, http.MethodPost, "/media-analysis/I1/analyze", user, "")
	_, body = e.do(t, http.MethodGet, "/media-analysis/I1/status", user, "")
	assert.Equal(t, "not_started", body["status"])
	live := body["job"].(map[string]any)
	assert.Equal(t, queued["jobId"], live["id"])
	assert.EqualValues(t, 3, live["maxAttempts"])

	rec, body = e.do(t, http.MethodGet, "/media-analysis/I5/result", user, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["isCompleted"])

	rec, _ = e.do(t, http.MethodGet, "/media-analysis/I5/status?mediaType=bogus", user, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	admin := token(t, "A1", "admin")
	rec, _ = e.do(t, http.MethodGet, "/media-analysis/I4/status", admin, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	rec, _ = e.do(t, http.MethodGet, "/media-analysis/I4/status", user, "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestQueueAdmin(t *testing.T) {
	e := newTestEnv(t)
	e.startWorker(t)
	ctx := context.Background()
	admin := token(t, "A1", "admin")
	user := token(t, "U1", "user")

	rec, _ := e.do(t, http.MethodGet, "/queue/stats", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	rec, _ = e.do(t, http.MethodGet, "/queue/stats", user, "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	opts := job.DefaultOptions()
	opts.Delay = 0
	opts.Attempts = 1
	j, err := e.q.Enqueue(ctx, job.TypeVideoAnalysis, job.Payload{InterviewID: "I1", UserID: "U1"}, opts)
	require.NoError(t, err)
	held, err := e.q.Reserve(ctx, "w1")
	require.NoError(t, err)
	_, err = e.q.Fail(ctx, held, common.Permanent("parse analysis response", errors.New("bad json")))
	require.NoError(t, err)

	rec, body := e.do(t, http.MethodGet, "/queue/stats", admin, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, body["failed"])
	assert.EqualValues(t, 1, body["workers"])

	rec, body = e.do(t, http.MethodGet, "/queue/failed?limit=10&offset=0", admin, "")
	require.Equal(t, http.StatusOK, rec.Code)
	jobs := body["jobs"].([]any)
	require.Len(t, jobs, 1)
	assert.Equal(t, j.ID, jobs[0].(map[string]any)["id"])

	rec, _ = e.do(t, http.MethodGet, "/queue/failed?limit=500", admin, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec, _ = e.do(t, http.MethodGet, "/queue/failed?offset=x", admin, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, body = e.do(t, http.MethodPost, "/queue/retry/"+j.ID, admin, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, j.ID, body["jobId"])

	rec, _ = e.do(t, http.MethodPost, "/queue/retry/"+j.ID, admin, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code, "retrying a job that is not failed")
	rec, _ = e.do(t, http.MethodPost, "/queue/retry/missing", admin, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, body = e.do(t, http.MethodPost, "/queue/pause", admin, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["paused"])
	_, body = e.do(t, http.MethodGet, "/queue/health", "", "")
	assert.Equal(t, StatusDegraded, body["status"])
	assert.Equal(t, true, body["paused"])

	rec, _ = e.do(t, http.MethodPost, "/queue/resume", admin, "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec, body = e.do(t, http.MethodPost, "/queue/clean", admin, `{"olderThan":"0s","limit":10,"state":"failed"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 0, body["removed"])

	rec, _ = e.do(t, http.MethodPost, "/queue/clean", admin, `{"olderThan":"soon"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec, _ = e.do(t, http.MethodPost, "/queue/clean", admin, `{"state":"active"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestQueueHealth(t *testing.T) {
	e := newTestEnv(t)

	rec, body := e.do(t, http.MethodGet, "/queue/health", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, StatusDegraded, body["status"])
	assert.Equal(t, "no live workers", body["message"])

	e.startWorker(t)
	_, body = e.do(t, http.MethodGet, "/queue/health", "", "")
	assert.Equal(t, StatusHealthy, body["status"])
	assert.EqualValues(t, 1, body["workers"])

	e.q.SetUnavailable(common.WrapUnavailable("redis", errors.New("connection refused")))
	rec, body = e.do(t, http.MethodGet, "/queue/health", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, StatusUnhealthy, body["status"])
}

func TestReady(t *testing.T) {
	e := newTestEnv(t)
	rec, body := e.do(t, http.MethodGet, "/readyz", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, StatusHealthy, body["status"])

	h := &Handlers{Q: e.q, DB: failingPinger{}}
	r := chi.NewRouter()
	h.Routers(r)
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestWriteError_HidesInternals(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	writeError(rec, req, errors.New("pq: password authentication failed for user app"))

	var body ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, http.StatusInternalServerError, body.StatusCode)
	assert.Equal(t, "internal server error", body.Message)
}
