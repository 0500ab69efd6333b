package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/use-agent/shepherd/models"
)

func main() {
	apiURL := os.Getenv("SHEPHERD_API_URL")
	if apiURL == "" {
		apiURL = "http://127.0.0.1:10000"
	}
	client := newAPIClient(apiURL, os.Getenv("SHEPHERD_API_KEY"))

	s := server.NewMCPServer(
		"shepherd",
		"1.0.0",
		server.WithToolCapabilities(false),
	)

	s.AddTool(mcp.NewTool("start_job",
		mcp.WithDescription("Start a supervised browser job that runs an ordered list of steps against a target page. Returns the job id; a job already running for the same logical key is reused."),
		mcp.WithString("logical_key",
			mcp.Required(),
			mcp.Description("Deduplication key; only one job per key runs at a time"),
		),
		mcp.WithString("target",
			mcp.Required(),
			mcp.Description("URL the browser session opens first"),
		),
		mcp.WithArray("steps",
			mcp.Required(),
			mcp.Description("Steps as objects: {id, action, selector, url, value, milliseconds, format, output_key, anchor, reject_selector}. Actions: navigate, click, fill, wait, wait_url, scroll, sleep, execute_js, extract"),
		),
	), handleStartJob(client))

	s.AddTool(mcp.NewTool("job_status",
		mcp.WithDescription("Get the state, step records and outputs of a job."),
		mcp.WithString("job_id", mcp.Required(), mcp.Description("Job id returned by start_job")),
	), handleJobStatus(client))

	s.AddTool(mcp.NewTool("cancel_job",
		mcp.WithDescription("Ask a running job to stop at its next step boundary."),
		mcp.WithString("job_id", mcp.Required(), mcp.Description("Job id returned by start_job")),
	), handleCancelJob(client))

	s.AddTool(mcp.NewTool("list_jobs",
		mcp.WithDescription("List known jobs with their states."),
	), handleListJobs(client))

	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "server error: %v\n", err)
		os.Exit(1)
	}
}

func handleStartJob(client *apiClient) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		key, err := request.RequireString("logical_key")
		if err != nil {
			return mcp.NewToolResultError("logical_key is required"), nil
		}
		target, err := request.RequireString("target")
		if err != nil {
			return mcp.NewToolResultError("target is required"), nil
		}
		steps, err := decodeSteps(request.GetArguments()["steps"])
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		resp, err := client.startJob(ctx, models.StartJobRequest{LogicalKey: key, Target: target, Steps: steps})
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("start job failed: %v", err)), nil
		}
		msg := "Started job " + resp.JobID
		if resp.Existing {
			msg = "Job " + resp.JobID + " is already running for this key"
		}
		return mcp.NewToolResultText(msg), nil
	}
}

func handleJobStatus(client *apiClient) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := request.RequireString("job_id")
		if err != nil {
			return mcp.NewToolResultError("job_id is required"), nil
		}
		snap, err := client.status(ctx, id)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("status failed: %v", err)), nil
		}
		return mcp.NewToolResultText(formatSnapshot(snap)), nil
	}
}

func handleCancelJob(client *apiClient) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := request.RequireString("job_id")
		if err != nil {
			return mcp.NewToolResultError("job_id is required"), nil
		}
		if err := client.cancel(ctx, id); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("cancel failed: %v", err)), nil
		}
		return mcp.NewToolResultText("Cancel requested for job " + id), nil
	}
}

func handleListJobs(client *apiClient) server.ToolHandlerFunc {
	return func(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		resp, err := client.list(ctx)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("list failed: %v", err)), nil
		}
		var sb strings.Builder
		fmt.Fprintf(&sb, "%d jobs\n", resp.Total)
		for _, j := range resp.Jobs {
			fmt.Fprintf(&sb, "- %s [%s] key=%s step %d/%d\n", j.ID, j.State, j.LogicalKey, j.CurrentStep, j.TotalSteps)
		}
		return mcp.NewToolResultText(sb.String()), nil
	}
}

// decodeSteps converts the loosely typed tool argument into step specs.
func decodeSteps(raw any) ([]models.StepSpec, error) {
	if raw == nil {
		return nil, fmt.Errorf("steps is required")
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("steps: %w", err)
	}
	var steps []models.StepSpec
	if err := json.Unmarshal(b, &steps); err != nil {
		return nil, fmt.Errorf("steps must be an array of step objects: %w", err)
	}
	if len(steps) == 0 {
		return nil, fmt.Errorf("steps must not be empty")
	}
	return steps, nil
}

func formatSnapshot(s *models.JobSnapshot) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Job %s: %s", s.ID, s.State)
	if s.Reason != "" {
		fmt.Fprintf(&sb, " (%s)", s.Reason)
	}
	fmt.Fprintf(&sb, "\nStep %d/%d, restarts %d\n", s.CurrentStep, s.TotalSteps, s.Restarts)
	for _, r := range s.StepRecords {
		fmt.Fprintf(&sb, "- %s attempt %d: %s", r.StepID, r.Attempt, r.Outcome)
		if r.ErrorCode != "" {
			fmt.Fprintf(&sb, " [%s] %s", r.ErrorCode, r.Message)
		}
		if r.Artifact != "" {
			fmt.Fprintf(&sb, " artifact=%s", r.Artifact)
		}
		sb.WriteString("\n")
	}
	for k, v := range s.Outputs {
		fmt.Fprintf(&sb, "output %s = %s\n", k, v)
	}
	return sb.String()
}
