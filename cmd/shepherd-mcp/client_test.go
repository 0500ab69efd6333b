package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/use-agent/shepherd/models"
)

func TestClient_StartAndStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "k1", r.Header.Get("X-API-Key"))
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/api/v1/jobs":
			var req models.StartJobRequest
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "acct", req.LogicalKey)
			w.WriteHeader(http.StatusAccepted)
			_ = json.NewEncoder(w).Encode(models.StartJobResponse{JobID: "j1"})
		case r.URL.Path == "/api/v1/jobs/j1":
			_ = json.NewEncoder(w).Encode(models.JobSnapshot{ID: "j1", State: models.JobSucceeded})
		default:
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(models.ErrorResponse{
				Error: &models.ErrorDetail{Code: models.ErrCodeNotFound, Message: "job not found"},
			})
		}
	}))
	defer srv.Close()

	c := newAPIClient(srv.URL, "k1")
	ctx := context.Background()

	resp, err := c.startJob(ctx, models.StartJobRequest{LogicalKey: "acct"})
	require.NoError(t, err)
	assert.Equal(t, "j1", resp.JobID)

	snap, err := c.status(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, models.JobSucceeded, snap.State)

	_, err = c.status(ctx, "missing")
	assert.ErrorContains(t, err, "NOT_FOUND")
}

func TestDecodeSteps(t *testing.T) {
	steps, err := decodeSteps([]any{
		map[string]any{"id": "go", "action": "click", "selector": "#go"},
		map[string]any{"action": "sleep", "milliseconds": 250},
	})
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, "#go", steps[0].Selector)
	assert.Equal(t, 250, steps[1].Milliseconds)

	_, err = decodeSteps(nil)
	assert.Error(t, err)
	_, err = decodeSteps([]any{})
	assert.Error(t, err)
	_, err = decodeSteps("click")
	assert.Error(t, err)
}

func TestFormatSnapshot(t *testing.T) {
	out := formatSnapshot(&models.JobSnapshot{
		ID:     "j1",
		State:  models.JobFailed,
		Reason: "step login: fatal",
		StepRecords: []models.StepRecord{
			{StepID: "login", Attempt: 1, Outcome: models.OutcomeFatal, ErrorCode: models.ErrCodeAuthRejected, Message: "denied", Artifact: "/tmp/a.png"},
		},
		Outputs: map[string]string{"api_key": "sk"},
	})
	assert.Contains(t, out, "Job j1: failed (step login: fatal)")
	assert.Contains(t, out, "[AUTH_REJECTED] denied artifact=/tmp/a.png")
	assert.Contains(t, out, "output api_key = sk")
}
