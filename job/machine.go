package job

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/use-agent/shepherd/artifact"
	"github.com/use-agent/shepherd/engine"
	"github.com/use-agent/shepherd/executor"
	"github.com/use-agent/shepherd/models"
	"github.com/use-agent/shepherd/retry"
)

// Reasons recorded on jobs that end without a step failure.
const (
	ReasonCompleted = "all steps completed"
	ReasonCancelled = "cancel requested"
	ReasonShutdown  = "shutdown"
)

// StepRunner executes one step attempt.
type StepRunner interface {
	Run(ctx context.Context, step models.StepSpec, session engine.Session, timeout time.Duration) executor.Outcome
}

// Decider is the retry policy.
type Decider interface {
	Decide(kind models.StepOutcome, attempt int, elapsed time.Duration) retry.Decision
}

// Capturer records diagnostic evidence for a failed attempt.
type Capturer interface {
	Capture(ctx context.Context, fc artifact.FailureContext) string
}

// Deps wires a Machine to its collaborators.
type Deps struct {
	Automation engine.Automation
	Runner     StepRunner
	Policy     Decider
	Capture    Capturer

	// StepTimeout is the default per-step budget; MaxStepTimeout caps
	// per-step overrides.
	StepTimeout    time.Duration
	MaxStepTimeout time.Duration

	// OnChange receives a snapshot after every record and transition.
	OnChange func(models.JobSnapshot)

	// Now and Wait default to the wall clock and a timer.
	Now  func() time.Time
	Wait func(ctx context.Context, d time.Duration) error
}

// Machine drives one Job through its steps. Advance and Run must not be
// called concurrently for the same Machine.
type Machine struct {
	job     *Job
	deps    Deps
	session engine.Session
	backoff time.Duration
}

// NewMachine creates a Machine for j.
func NewMachine(j *Job, deps Deps) *Machine {
	if deps.Runner == nil {
		deps.Runner = executor.New()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Wait == nil {
		deps.Wait = sleep
	}
	if deps.StepTimeout <= 0 {
		deps.StepTimeout = 60 * time.Second
	}
	return &Machine{job: j, deps: deps}
}

// Job returns the job driven by the machine.
func (m *Machine) Job() *Job { return m.job }

// Start moves the job from Pending to Running.
func (m *Machine) Start() error {
	if err := m.job.start(m.deps.Now()); err != nil {
		return err
	}
	slog.Info("job started", "job_id", m.job.ID(), "logical_key", m.job.LogicalKey())
	m.notify()
	return nil
}

// Run starts the job if needed and advances it until it is terminal.
// The session is always closed on return.
func (m *Machine) Run(ctx context.Context) error {
	defer m.closeSession()

	if m.job.State() == models.JobPending {
		if err := m.Start(); err != nil {
			return err
		}
	}
	for !m.job.State().Terminal() {
		if err := m.Advance(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Advance executes exactly one step attempt, or performs the single
// transition that is due instead (cancellation, completion).
func (m *Machine) Advance(ctx context.Context) error {
	j := m.job
	switch state := j.State(); {
	case state.Terminal():
		return ErrTerminal
	case state == models.JobPending:
		return ErrNotStarted
	}

	if m.stopRequested(ctx) {
		return nil
	}

	if m.backoff > 0 {
		d := m.backoff
		m.backoff = 0
		if err := m.waitBackoff(ctx, d); err != nil {
			m.stopRequested(ctx)
			return nil
		}
	}

	if j.exhausted() {
		return m.finish(models.JobSucceeded, ReasonCompleted, "")
	}

	step, index, attempt := j.current()
	log := slog.With("job_id", j.ID(), "step", step.ID, "attempt", attempt)

	out := m.runAttempt(ctx, step)

	var locator string
	if out.Failed() {
		var src artifact.Snapshotter
		if m.session != nil {
			src = m.session
		}
		locator = m.deps.Capture.Capture(ctx, artifact.FailureContext{
			JobID:   j.ID(),
			StepID:  step.ID,
			Attempt: attempt,
			At:      m.deps.Now(),
			Source:  src,
		})
	}

	rec := models.StepRecord{
		StepID:     step.ID,
		StepIndex:  index,
		Attempt:    attempt,
		Outcome:    out.Kind,
		ErrorCode:  out.Code,
		Message:    out.Message(),
		Artifact:   locator,
		Duration:   out.Duration,
		FinishedAt: m.deps.Now(),
	}
	if err := j.appendRecord(rec, step.OutputKey, out.Output, m.deps.Now()); err != nil {
		return err
	}

	if out.Code == models.ErrCodeBrowserCrash {
		m.closeSession()
	}

	// A cancel acknowledged during the attempt wins over whatever the
	// attempt would have led to.
	if m.stopRequested(ctx) {
		return nil
	}

	if out.Kind == models.OutcomeSuccess {
		log.Info("step succeeded", "duration", out.Duration)
		if j.nextStep(m.deps.Now()) {
			return m.finish(models.JobSucceeded, ReasonCompleted, "")
		}
	} else {
		decision := m.deps.Policy.Decide(out.Kind, attempt, m.deps.Now().Sub(j.started()))
		if decision.GiveUp() {
			log.Warn("step failed, giving up",
				"code", out.Code, "outcome", out.Kind, "reason", decision.Reason, "error", out.Err)
			code := out.Code
			if out.Kind == models.OutcomeRecoverable {
				code = models.ErrCodeRetryExhausted
			}
			return m.finish(models.JobFailed,
				fmt.Sprintf("step %s: %s: %s", step.ID, decision.Reason, out.Message()), code)
		}
		log.Warn("step failed, retrying",
			"code", out.Code, "backoff", decision.After, "artifact", locator, "error", out.Err)
		j.nextAttempt(m.deps.Now())
		m.backoff = decision.After
	}

	if m.stopRequested(ctx) {
		return nil
	}
	m.notify()
	return nil
}

// Fail moves the job to Failed from outside the step loop, e.g. when the
// supervisor detects that the run died.
func (m *Machine) Fail(reason, code string) error {
	return m.finish(models.JobFailed, reason, code)
}

// Resume prepares a crashed run to continue from its current step with a
// fresh session.
func (m *Machine) Resume() {
	m.closeSession()
	m.job.restarted(m.deps.Now())
	m.notify()
}

// runAttempt opens the session if needed and runs step on it.
func (m *Machine) runAttempt(ctx context.Context, step models.StepSpec) executor.Outcome {
	if m.session == nil {
		start := m.deps.Now()
		sess, err := m.deps.Automation.Open(ctx, m.job.target)
		if err != nil {
			out := executor.Classify(step, err)
			out.Duration = m.deps.Now().Sub(start)
			return out
		}
		m.session = sess
	}
	return m.deps.Runner.Run(ctx, step, m.session, m.timeoutFor(step))
}

// stopRequested finishes the job as Cancelled when a cancel request or a
// shutdown is pending and reports whether it did.
func (m *Machine) stopRequested(ctx context.Context) bool {
	switch {
	case m.job.CancelRequested():
		_ = m.finish(models.JobCancelled, ReasonCancelled, models.ErrCodeCancelled)
		return true
	case ctx.Err() != nil:
		_ = m.finish(models.JobCancelled, ReasonShutdown, models.ErrCodeCancelled)
		return true
	}
	return false
}

// waitBackoff sleeps for d unless the job is cancelled or ctx ends first.
func (m *Machine) waitBackoff(ctx context.Context, d time.Duration) error {
	waitCtx, stop := context.WithCancel(ctx)
	defer stop()
	go func() {
		select {
		case <-m.job.cancelCh:
			stop()
		case <-waitCtx.Done():
		}
	}()
	return m.deps.Wait(waitCtx, d)
}

func (m *Machine) finish(state models.JobState, reason, code string) error {
	if err := m.job.finish(state, reason, code, m.deps.Now()); err != nil {
		return err
	}
	m.closeSession()
	slog.Info("job finished", "job_id", m.job.ID(), "state", state, "reason", reason)
	m.notify()
	return nil
}

func (m *Machine) timeoutFor(step models.StepSpec) time.Duration {
	if step.TimeoutSeconds <= 0 {
		return m.deps.StepTimeout
	}
	d := time.Duration(step.TimeoutSeconds) * time.Second
	if m.deps.MaxStepTimeout > 0 && d > m.deps.MaxStepTimeout {
		d = m.deps.MaxStepTimeout
	}
	return d
}

func (m *Machine) closeSession() {
	if m.session == nil {
		return
	}
	if err := m.session.Close(); err != nil {
		slog.Warn("failed to close session", "job_id", m.job.ID(), "error", err)
	}
	m.session = nil
}

func (m *Machine) notify() {
	if m.deps.OnChange != nil {
		m.deps.OnChange(m.job.Snapshot())
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
