package models

import "time"

// JobState is the lifecycle state of a job.
type JobState string

const (
	JobPending   JobState = "pending"
	JobRunning   JobState = "running"
	JobSucceeded JobState = "succeeded"
	JobFailed    JobState = "failed"
	JobCancelled JobState = "cancelled"
)

// Terminal reports whether the state has no outgoing transitions.
func (s JobState) Terminal() bool {
	return s == JobSucceeded || s == JobFailed || s == JobCancelled
}

// StepOutcome is the tagged result of one step attempt.
type StepOutcome string

const (
	OutcomeSuccess     StepOutcome = "success"
	OutcomeRecoverable StepOutcome = "recoverable"
	OutcomeFatal       StepOutcome = "fatal"
)

// StepRecord is the immutable outcome of one executed step attempt.
type StepRecord struct {
	StepID     string        `json:"step_id"`
	StepIndex  int           `json:"step_index"`
	Attempt    int           `json:"attempt"`
	Outcome    StepOutcome   `json:"outcome"`
	ErrorCode  string        `json:"error_code,omitempty"`
	Message    string        `json:"message,omitempty"`
	Artifact   string        `json:"artifact,omitempty"`
	Duration   time.Duration `json:"duration_ns"`
	FinishedAt time.Time     `json:"finished_at"`
}

// JobSnapshot is a read-only copy of a job. It is what status queries
// return and what the snapshot store persists.
type JobSnapshot struct {
	ID            string            `json:"id"`
	LogicalKey    string            `json:"logical_key"`
	Target        string            `json:"target"`
	State         JobState          `json:"state"`
	Reason        string            `json:"reason,omitempty"`
	ErrorCode     string            `json:"error_code,omitempty"`
	CurrentStep   int               `json:"current_step"`
	TotalSteps    int               `json:"total_steps"`
	Restarts      int               `json:"restarts"`
	StepRecords   []StepRecord      `json:"step_records"`
	Outputs       map[string]string `json:"outputs,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	StartedAt     time.Time         `json:"started_at"`
	LastUpdatedAt time.Time         `json:"last_updated_at"`
	FinishedAt    time.Time         `json:"finished_at,omitempty"`
}
