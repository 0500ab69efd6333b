package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/use-agent/shepherd/models"
)

// apiClient talks to a running shepherd server.
type apiClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func newAPIClient(baseURL, apiKey string) *apiClient {
	return &apiClient{baseURL: baseURL, apiKey: apiKey, http: &http.Client{Timeout: 30 * time.Second}}
}

func (c *apiClient) startJob(ctx context.Context, req models.StartJobRequest) (*models.StartJobResponse, error) {
	var resp models.StartJobResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/jobs", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *apiClient) status(ctx context.Context, id string) (*models.JobSnapshot, error) {
	var snap models.JobSnapshot
	if err := c.do(ctx, http.MethodGet, "/api/v1/jobs/"+id, nil, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (c *apiClient) cancel(ctx context.Context, id string) error {
	var resp models.CancelResponse
	return c.do(ctx, http.MethodPost, "/api/v1/jobs/"+id+"/cancel", nil, &resp)
}

func (c *apiClient) list(ctx context.Context) (*models.JobListResponse, error) {
	var resp models.JobListResponse
	if err := c.do(ctx, http.MethodGet, "/api/v1/jobs", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// do sends payload (if any) and decodes a 2xx body into out. Error bodies
// are surfaced by their error code and message.
func (c *apiClient) do(ctx context.Context, method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("API request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error *models.ErrorDetail `json:"error"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != nil {
			return fmt.Errorf("[%s] %s", apiErr.Error.Code, apiErr.Error.Message)
		}
		return fmt.Errorf("API returned status %d", resp.StatusCode)
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	return nil
}
