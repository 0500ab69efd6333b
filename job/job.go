package job

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/use-agent/shepherd/models"
)

var (
	// ErrTerminal is returned when a finished job is asked to move on.
	ErrTerminal = errors.New("job: already in a terminal state")

	// ErrNotStarted is returned by Advance on a job still pending.
	ErrNotStarted = errors.New("job: not started")
)

// Job is one supervised scrape run. Its fields are written only by the
// Machine that owns it; Snapshot may be called concurrently.
type Job struct {
	mu sync.RWMutex

	id         string
	logicalKey string
	target     string
	steps      []models.StepSpec

	state     models.JobState
	reason    string
	errorCode string
	cursor    int
	attempt   int
	restarts  int
	records   []models.StepRecord
	outputs   map[string]string

	createdAt  time.Time
	startedAt  time.Time
	updatedAt  time.Time
	finishedAt time.Time

	cancelOnce sync.Once
	cancelCh   chan struct{}
}

// New creates a pending job for req. Steps without an ID are named
// "step-<n>" (1-based); callers validate req with ValidateSteps first.
func New(id string, req models.StartJobRequest, now time.Time) *Job {
	return &Job{
		id:         id,
		logicalKey: req.LogicalKey,
		target:     req.Target,
		steps:      withStepIDs(req.Steps),
		state:      models.JobPending,
		attempt:    1,
		outputs:    make(map[string]string),
		createdAt:  now,
		updatedAt:  now,
		cancelCh:   make(chan struct{}),
	}
}

// ID returns the job id.
func (j *Job) ID() string { return j.id }

// LogicalKey returns the caller-supplied deduplication key.
func (j *Job) LogicalKey() string { return j.logicalKey }

// State returns the current lifecycle state.
func (j *Job) State() models.JobState {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.state
}

// RequestCancel asks the job to stop at its next attempt boundary.
// It returns false when the job has already finished.
func (j *Job) RequestCancel() bool {
	if j.State().Terminal() {
		return false
	}
	j.cancelOnce.Do(func() { close(j.cancelCh) })
	return true
}

// CancelRequested reports whether RequestCancel was called.
func (j *Job) CancelRequested() bool {
	select {
	case <-j.cancelCh:
		return true
	default:
		return false
	}
}

// Snapshot returns a deep copy of the job.
func (j *Job) Snapshot() models.JobSnapshot {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return models.JobSnapshot{
		ID:            j.id,
		LogicalKey:    j.logicalKey,
		Target:        j.target,
		State:         j.state,
		Reason:        j.reason,
		ErrorCode:     j.errorCode,
		CurrentStep:   j.cursor,
		TotalSteps:    len(j.steps),
		Restarts:      j.restarts,
		StepRecords:   slices.Clone(j.records),
		Outputs:       maps.Clone(j.outputs),
		CreatedAt:     j.createdAt,
		StartedAt:     j.startedAt,
		LastUpdatedAt: j.updatedAt,
		FinishedAt:    j.finishedAt,
	}
}

// --- mutations, used by Machine only ---

func (j *Job) current() (models.StepSpec, int, int) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.steps[j.cursor], j.cursor, j.attempt
}

func (j *Job) exhausted() bool {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.cursor >= len(j.steps)
}

func (j *Job) start(now time.Time) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state != models.JobPending {
		return fmt.Errorf("job: cannot start from %s", j.state)
	}
	j.state = models.JobRunning
	j.startedAt = now
	j.updatedAt = now
	return nil
}

func (j *Job) started() time.Time {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.startedAt
}

// appendRecord adds rec and, for a successful extract step, its output.
func (j *Job) appendRecord(rec models.StepRecord, outputKey, output string, now time.Time) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state.Terminal() {
		return ErrTerminal
	}
	j.records = append(j.records, rec)
	if rec.Outcome == models.OutcomeSuccess && outputKey != "" {
		j.outputs[outputKey] = output
	}
	j.updatedAt = now
	return nil
}

// nextStep moves the cursor forward and reports whether all steps are done.
func (j *Job) nextStep(now time.Time) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.cursor++
	j.attempt = 1
	j.updatedAt = now
	return j.cursor >= len(j.steps)
}

func (j *Job) nextAttempt(now time.Time) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.attempt++
	j.updatedAt = now
}

func (j *Job) restarted(now time.Time) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.restarts++
	j.updatedAt = now
}

func (j *Job) finish(state models.JobState, reason, code string, now time.Time) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state.Terminal() {
		return ErrTerminal
	}
	j.state = state
	j.reason = reason
	j.errorCode = code
	j.updatedAt = now
	j.finishedAt = now
	if j.startedAt.IsZero() {
		j.startedAt = now
	}
	return nil
}

// Restore rebuilds a job from a persisted snapshot so that a run left
// unfinished by a previous process can be closed out by a Machine. Step
// specs are not persisted, so the restored job must not be advanced.
func Restore(snap models.JobSnapshot) *Job {
	j := &Job{
		id:         snap.ID,
		logicalKey: snap.LogicalKey,
		target:     snap.Target,
		steps:      make([]models.StepSpec, snap.TotalSteps),
		state:      snap.State,
		reason:     snap.Reason,
		errorCode:  snap.ErrorCode,
		cursor:     snap.CurrentStep,
		attempt:    1,
		restarts:   snap.Restarts,
		records:    slices.Clone(snap.StepRecords),
		outputs:    maps.Clone(snap.Outputs),
		createdAt:  snap.CreatedAt,
		startedAt:  snap.StartedAt,
		updatedAt:  snap.LastUpdatedAt,
		finishedAt: snap.FinishedAt,
		cancelCh:   make(chan struct{}),
	}
	if j.outputs == nil {
		j.outputs = make(map[string]string)
	}
	return j
}
