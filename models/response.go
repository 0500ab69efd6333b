package models

// StartJobResponse is the response for POST /api/v1/jobs.
type StartJobResponse struct {
	JobID string `json:"job_id"`

	// Existing is true when a job with the same logical key was already
	// running and its id was returned instead of creating a new one.
	Existing bool `json:"existing"`
}

// CancelResponse is the response for POST /api/v1/jobs/:id/cancel.
type CancelResponse struct {
	OK    bool         `json:"ok"`
	Error *ErrorDetail `json:"error,omitempty"`
}

// JobListResponse is the response for GET /api/v1/jobs.
type JobListResponse struct {
	Jobs  []JobSnapshot `json:"jobs"`
	Total int           `json:"total"`
}

// ErrorResponse wraps an ErrorDetail for failed API calls.
type ErrorResponse struct {
	Error *ErrorDetail `json:"error"`
}

// HealthResponse is the response for GET /api/v1/health.
type HealthResponse struct {
	Status          string          `json:"status"` // "healthy" or "degraded"
	Uptime          string          `json:"uptime"`
	SupervisorStats SupervisorStats `json:"supervisor_stats"`
	Version         string          `json:"version"`
}

// SupervisorStats reports the state of the job table.
type SupervisorStats struct {
	ActiveJobs  int `json:"active_jobs"`
	TotalJobs   int `json:"total_jobs"`
	MaxActive   int `json:"max_active"`
	CrashedRuns int `json:"crashed_runs"`

	// OpenSessions is the number of live browser sessions, when the
	// automation reports it.
	OpenSessions int `json:"open_sessions"`
}
