package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/use-agent/shepherd/config"
	"github.com/use-agent/shepherd/models"
	"github.com/use-agent/shepherd/supervisor"
)

type fakeSupervisor struct {
	mu       sync.Mutex
	started  []models.StartJobRequest
	startErr error
	jobs     map[string]models.JobSnapshot
}

func newFake() *fakeSupervisor {
	return &fakeSupervisor{jobs: map[string]models.JobSnapshot{
		"run-1":  {ID: "run-1", State: models.JobRunning, CreatedAt: time.Unix(1, 0)},
		"done-1": {ID: "done-1", State: models.JobFailed, ErrorCode: models.ErrCodeAuthRejected, CreatedAt: time.Unix(2, 0)},
	}}
}

func (f *fakeSupervisor) StartJob(req models.StartJobRequest) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return "", false, f.startErr
	}
	f.started = append(f.started, req)
	if req.LogicalKey == "busy" {
		return "run-1", true, nil
	}
	return "new-1", false, nil
}

func (f *fakeSupervisor) Status(id string) (models.JobSnapshot, error) {
	if snap, ok := f.jobs[id]; ok {
		return snap, nil
	}
	return models.JobSnapshot{}, supervisor.ErrNotFound
}

func (f *fakeSupervisor) Cancel(id string) error {
	snap, ok := f.jobs[id]
	switch {
	case !ok:
		return supervisor.ErrNotFound
	case snap.State.Terminal():
		return supervisor.ErrJobFinished
	}
	return nil
}

func (f *fakeSupervisor) List() ([]models.JobSnapshot, error) {
	return []models.JobSnapshot{f.jobs["run-1"], f.jobs["done-1"]}, nil
}

func (f *fakeSupervisor) Purge(id string) error {
	snap, ok := f.jobs[id]
	switch {
	case !ok:
		return supervisor.ErrNotFound
	case !snap.State.Terminal():
		return supervisor.ErrJobActive
	}
	return nil
}

func (f *fakeSupervisor) Stats() models.SupervisorStats {
	return models.SupervisorStats{ActiveJobs: 1, TotalJobs: 2, MaxActive: 4, OpenSessions: 1}
}

func testConfig() *config.Config {
	return &config.Config{
		Server:    config.ServerConfig{Mode: gin.TestMode},
		RateLimit: config.RateLimitConfig{RequestsPerSecond: 1000, Burst: 1000},
	}
}

func do(r http.Handler, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

const validJob = `{
	"logical_key": "acct-7",
	"target": "https://example.com/signup",
	"steps": [
		{"id": "email", "action": "fill", "selector": "#email", "value": "a@b.c", "anchor": "form.signup"},
		{"id": "key", "action": "extract", "selector": ".key", "format": "text", "output_key": "api_key"}
	]
}`

func TestStartJob(t *testing.T) {
	f := newFake()
	r := NewRouter(f, testConfig(), time.Now())

	w := do(r, http.MethodPost, "/api/v1/jobs", validJob)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	var resp models.StartJobResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "new-1", resp.JobID)
	assert.False(t, resp.Existing)
	require.Len(t, f.started, 1)
	assert.Equal(t, "api_key", f.started[0].Steps[1].OutputKey)
}

func TestStartJob_Existing(t *testing.T) {
	r := NewRouter(newFake(), testConfig(), time.Now())
	w := do(r, http.MethodPost, "/api/v1/jobs", strings.Replace(validJob, "acct-7", "busy", 1))
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Contains(t, w.Body.String(), `"existing":true`)
}

func TestStartJob_Invalid(t *testing.T) {
	r := NewRouter(newFake(), testConfig(), time.Now())
	tests := map[string]string{
		"no steps":     `{"logical_key":"k","target":"https://e.com","steps":[]}`,
		"bad action":   `{"logical_key":"k","target":"https://e.com","steps":[{"action":"teleport"}]}`,
		"bad target":   `{"logical_key":"k","target":"not a url","steps":[{"action":"sleep"}]}`,
		"bad selector": `{"logical_key":"k","target":"https://e.com","steps":[{"action":"click","selector":"div >"}]}`,
		"bad format":   `{"logical_key":"k","target":"https://e.com","steps":[{"action":"extract","selector":"p","format":"pdf"}]}`,
		"dup ids":      `{"logical_key":"k","target":"https://e.com","steps":[{"id":"a","action":"sleep"},{"id":"a","action":"sleep"}]}`,
		"default id":   `{"logical_key":"k","target":"https://e.com","steps":[{"id":"step-2","action":"sleep"},{"action":"sleep"}]}`,
		"not json":     `{`,
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			w := do(r, http.MethodPost, "/api/v1/jobs", body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Contains(t, w.Body.String(), models.ErrCodeInvalidInput)
		})
	}
}

func TestStartJob_AtCapacity(t *testing.T) {
	f := newFake()
	f.startErr = supervisor.ErrAtCapacity
	r := NewRouter(f, testConfig(), time.Now())

	w := do(r, http.MethodPost, "/api/v1/jobs", validJob)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestGetJob(t *testing.T) {
	r := NewRouter(newFake(), testConfig(), time.Now())

	w := do(r, http.MethodGet, "/api/v1/jobs/done-1", "")
	require.Equal(t, http.StatusOK, w.Code)
	var snap models.JobSnapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
	assert.Equal(t, models.JobFailed, snap.State)
	assert.Equal(t, models.ErrCodeAuthRejected, snap.ErrorCode)

	w = do(r, http.MethodGet, "/api/v1/jobs/nope", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListJobs(t *testing.T) {
	r := NewRouter(newFake(), testConfig(), time.Now())

	w := do(r, http.MethodGet, "/api/v1/jobs", "")
	require.Equal(t, http.StatusOK, w.Code)
	var resp models.JobListResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Total)

	w = do(r, http.MethodGet, "/api/v1/jobs?state=failed", "")
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, 1, resp.Total)
	assert.Equal(t, "done-1", resp.Jobs[0].ID)
}

func TestCancelJob(t *testing.T) {
	r := NewRouter(newFake(), testConfig(), time.Now())

	w := do(r, http.MethodPost, "/api/v1/jobs/run-1/cancel", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"ok":true}`, w.Body.String())

	w = do(r, http.MethodPost, "/api/v1/jobs/nope/cancel", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "not-found")

	w = do(r, http.MethodPost, "/api/v1/jobs/done-1/cancel", "")
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestDeleteJob(t *testing.T) {
	r := NewRouter(newFake(), testConfig(), time.Now())

	assert.Equal(t, http.StatusConflict, do(r, http.MethodDelete, "/api/v1/jobs/run-1", "").Code)
	assert.Equal(t, http.StatusNoContent, do(r, http.MethodDelete, "/api/v1/jobs/done-1", "").Code)
	assert.Equal(t, http.StatusNotFound, do(r, http.MethodDelete, "/api/v1/jobs/nope", "").Code)
}

func TestAuth(t *testing.T) {
	cfg := testConfig()
	cfg.Auth = config.AuthConfig{Enabled: true, APIKeys: []string{"k1"}}
	r := NewRouter(newFake(), cfg, time.Now())

	assert.Equal(t, http.StatusUnauthorized, do(r, http.MethodGet, "/api/v1/jobs", "").Code)
	assert.Equal(t, http.StatusUnauthorized, do(r, http.MethodGet, "/api/v1/jobs", "", "X-API-Key", "bad").Code)
	assert.Equal(t, http.StatusOK, do(r, http.MethodGet, "/api/v1/jobs", "", "X-API-Key", "k1").Code)
	assert.Equal(t, http.StatusOK, do(r, http.MethodGet, "/api/v1/jobs", "", "Authorization", "Bearer k1").Code)

	// Health stays open.
	assert.Equal(t, http.StatusOK, do(r, http.MethodGet, "/api/v1/health", "").Code)
}

func TestRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit = config.RateLimitConfig{RequestsPerSecond: 0.001, Burst: 2}
	r := NewRouter(newFake(), cfg, time.Now())

	assert.Equal(t, http.StatusOK, do(r, http.MethodGet, "/api/v1/jobs", "").Code)
	assert.Equal(t, http.StatusOK, do(r, http.MethodGet, "/api/v1/jobs", "").Code)
	w := do(r, http.MethodGet, "/api/v1/jobs", "")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Contains(t, w.Body.String(), models.ErrCodeRateLimited)
}

func TestHealth(t *testing.T) {
	r := NewRouter(newFake(), testConfig(), time.Now())

	w := do(r, http.MethodGet, "/api/v1/health", "")
	require.Equal(t, http.StatusOK, w.Code)
	var resp models.HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, 1, resp.SupervisorStats.ActiveJobs)
	assert.Equal(t, 1, resp.SupervisorStats.OpenSessions)
}
