package schedule

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/use-agent/shepherd/models"
)

type recordingStarter struct {
	mu   sync.Mutex
	keys []string
	hit  chan struct{}
}

func newRecordingStarter() *recordingStarter {
	return &recordingStarter{hit: make(chan struct{}, 16)}
}

func (r *recordingStarter) StartJob(req models.StartJobRequest) (string, bool, error) {
	r.mu.Lock()
	r.keys = append(r.keys, req.LogicalKey)
	existing := len(r.keys) > 1
	r.mu.Unlock()
	r.hit <- struct{}{}
	return "job-1", existing, nil
}

func (r *recordingStarter) waitHit(t *testing.T) {
	t.Helper()
	select {
	case <-r.hit:
	case <-time.After(5 * time.Second):
		t.Fatal("job was not started")
	}
}

const jobsYAML = `
jobs:
  - name: nightly-signup
    schedule: "0 3 * * *"
    run_on_start: true
    request:
      logical_key: signup-pool
      target: https://example.com/signup
      steps:
        - id: email
          action: fill
          selector: "#email"
          value: bot@example.com
        - id: key
          action: extract
          selector: ".api-key"
          output_key: api_key
`

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "jobs.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadFile(t *testing.T) {
	f, err := LoadFile(writeFile(t, jobsYAML))
	require.NoError(t, err)
	require.Len(t, f.Jobs, 1)

	e := f.Jobs[0]
	assert.Equal(t, "nightly-signup", e.Name)
	assert.True(t, e.RunOnStart)
	assert.Equal(t, "signup-pool", e.Request.LogicalKey)
	require.Len(t, e.Request.Steps, 2)
	assert.Equal(t, models.ActionFill, e.Request.Steps[0].Action)
	assert.Equal(t, "api_key", e.Request.Steps[1].OutputKey)
}

func TestLoadFile_Invalid(t *testing.T) {
	tests := map[string]string{
		"bad cron": "jobs:\n  - name: x\n    schedule: \"every day\"\n    request: {logical_key: k, target: https://e.com, steps: [{action: sleep}]}\n",
		"no steps": "jobs:\n  - name: x\n    schedule: \"@hourly\"\n    request: {logical_key: k, target: https://e.com}\n",
		"no name":  "jobs:\n  - schedule: \"@hourly\"\n    request: {logical_key: k, target: https://e.com, steps: [{action: sleep}]}\n",
		"selector": "jobs:\n  - name: x\n    schedule: \"@hourly\"\n    request: {logical_key: k, target: https://e.com, steps: [{action: click, selector: \"div >\"}]}\n",
		"step ids": "jobs:\n  - name: x\n    schedule: \"@hourly\"\n    request: {logical_key: k, target: https://e.com, steps: [{id: step-2, action: sleep}, {action: sleep}]}\n",
		"not yaml": "jobs: [",
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := LoadFile(writeFile(t, content))
			assert.Error(t, err)
		})
	}

	_, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestScheduler_RunOnStart(t *testing.T) {
	f, err := LoadFile(writeFile(t, jobsYAML))
	require.NoError(t, err)

	starter := newRecordingStarter()
	s := New(starter)
	require.NoError(t, s.Add(f.Jobs[0]))
	starter.waitHit(t)

	starter.mu.Lock()
	defer starter.mu.Unlock()
	assert.Equal(t, []string{"signup-pool"}, starter.keys)
}

func TestScheduler_FiresOnSchedule(t *testing.T) {
	starter := newRecordingStarter()
	s := New(starter)
	require.NoError(t, s.Add(Entry{
		Name:     "tick",
		Schedule: "@every 1s",
		Request: models.StartJobRequest{
			LogicalKey: "tick",
			Target:     "https://example.com",
			Steps:      []models.StepSpec{{Action: models.ActionSleep, Milliseconds: 1}},
		},
	}))

	s.Start()
	defer s.Stop(t.Context())

	starter.waitHit(t)
	starter.waitHit(t)
}

func TestScheduler_AddRejectsInvalid(t *testing.T) {
	s := New(newRecordingStarter())
	assert.Error(t, s.Add(Entry{Name: "x", Schedule: "nope"}))
	assert.Error(t, s.AddFunc("nope", func() {}))
	assert.NoError(t, s.AddFunc("@every 1m", func() {}))
}
