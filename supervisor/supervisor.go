// Package supervisor owns the job table: it starts one supervised run per
// logical key, answers status queries, and turns dead runs into failures.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/use-agent/shepherd/config"
	"github.com/use-agent/shepherd/engine"
	"github.com/use-agent/shepherd/job"
	"github.com/use-agent/shepherd/models"
	"github.com/use-agent/shepherd/store"
	"github.com/use-agent/shepherd/webhook"
)

// ReasonCrash is recorded on jobs whose background run died.
const ReasonCrash = "supervisor-detected crash"

var (
	ErrNotFound     = errors.New("supervisor: job not found")
	ErrJobActive    = errors.New("supervisor: job is still running")
	ErrJobFinished  = errors.New("supervisor: job already finished")
	ErrAtCapacity   = errors.New("supervisor: too many active jobs")
	ErrShuttingDown = errors.New("supervisor: shutting down")
	ErrInvalidJob   = errors.New("supervisor: invalid job")
)

// SnapshotStore persists job snapshots. *store.Store satisfies it.
type SnapshotStore interface {
	Save(snap models.JobSnapshot) error
	Get(id string) (models.JobSnapshot, error)
	List() ([]models.JobSnapshot, error)
	Unfinished() ([]models.JobSnapshot, error)
	Delete(id string) error
}

// Options configures a Supervisor.
type Options struct {
	Automation engine.Automation
	Runner     job.StepRunner
	Policy     job.Decider
	Capture    job.Capturer

	// Store is optional; without it status is answered from memory only.
	Store SnapshotStore

	// Notifier delivers terminal events for jobs started with a webhook URL.
	Notifier *webhook.Notifier

	StepTimeout    time.Duration
	MaxStepTimeout time.Duration
	MaxRestarts    int
	MaxActive      int
	Retention      time.Duration

	// Wait overrides the machine's backoff sleep (tests).
	Wait func(ctx context.Context, d time.Duration) error
}

// ApplyConfig copies the supervisor, step and retention knobs from cfg.
func (o *Options) ApplyConfig(cfg *config.Config) {
	o.StepTimeout = cfg.Step.DefaultTimeout
	o.MaxStepTimeout = cfg.Step.MaxTimeout
	o.MaxRestarts = cfg.Supervisor.MaxRestarts
	o.MaxActive = cfg.Supervisor.MaxActive
	o.Retention = cfg.Supervisor.Retention
}

type entry struct {
	machine       *job.Machine
	webhookURL    string
	webhookSecret string
	done          chan struct{}
}

// Supervisor runs jobs in supervised goroutines.
type Supervisor struct {
	opts Options

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	jobs  map[string]*entry
	byKey map[string]string

	crashes atomic.Int64
}

// New creates a Supervisor. Call Shutdown to stop its runs.
func New(opts Options) *Supervisor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		opts:   opts,
		ctx:    ctx,
		cancel: cancel,
		jobs:   make(map[string]*entry),
		byKey:  make(map[string]string),
	}
}

// StartJob creates a job for req and runs it in the background. When a
// non-terminal job with the same logical key exists, its id is returned
// with existing set and nothing new is started.
func (s *Supervisor) StartJob(req models.StartJobRequest) (id string, existing bool, err error) {
	if err := job.ValidateSteps(req.Steps); err != nil {
		return "", false, fmt.Errorf("%w: %w", ErrInvalidJob, err)
	}

	s.mu.Lock()
	if s.ctx.Err() != nil {
		s.mu.Unlock()
		return "", false, ErrShuttingDown
	}
	if prev, ok := s.byKey[req.LogicalKey]; ok {
		if e, ok := s.jobs[prev]; ok && !e.machine.Job().State().Terminal() {
			s.mu.Unlock()
			return prev, true, nil
		}
	}
	if s.opts.MaxActive > 0 && s.activeLocked() >= s.opts.MaxActive {
		s.mu.Unlock()
		return "", false, ErrAtCapacity
	}

	id = uuid.NewString()
	e := &entry{
		webhookURL:    req.WebhookURL,
		webhookSecret: req.WebhookSecret,
		done:          make(chan struct{}),
	}
	e.machine = job.NewMachine(job.New(id, req, time.Now()), job.Deps{
		Automation:     s.opts.Automation,
		Runner:         s.opts.Runner,
		Policy:         s.opts.Policy,
		Capture:        s.opts.Capture,
		StepTimeout:    s.opts.StepTimeout,
		MaxStepTimeout: s.opts.MaxStepTimeout,
		OnChange:       s.persist,
		Wait:           s.opts.Wait,
	})
	s.jobs[id] = e
	s.byKey[req.LogicalKey] = id
	s.wg.Add(1)
	s.mu.Unlock()

	s.persist(e.machine.Job().Snapshot())
	slog.Info("job accepted", "job_id", id, "logical_key", req.LogicalKey, "steps", len(req.Steps))

	go s.supervise(e)
	return id, false, nil
}

// Status returns the latest snapshot of a job, falling back to the store
// for jobs no longer held in memory.
func (s *Supervisor) Status(id string) (models.JobSnapshot, error) {
	if e, ok := s.lookup(id); ok {
		return e.machine.Job().Snapshot(), nil
	}
	if s.opts.Store == nil {
		return models.JobSnapshot{}, ErrNotFound
	}
	snap, err := s.opts.Store.Get(id)
	if errors.Is(err, store.ErrNotFound) {
		return models.JobSnapshot{}, ErrNotFound
	}
	return snap, err
}

// Cancel asks a running job to stop at its next attempt boundary.
func (s *Supervisor) Cancel(id string) error {
	e, ok := s.lookup(id)
	if !ok {
		if _, err := s.Status(id); err != nil {
			return err
		}
		return ErrJobFinished
	}
	if !e.machine.Job().RequestCancel() {
		return ErrJobFinished
	}
	slog.Info("job cancel requested", "job_id", id)
	return nil
}

// List returns all known jobs, oldest first.
func (s *Supervisor) List() ([]models.JobSnapshot, error) {
	byID := make(map[string]models.JobSnapshot)
	if s.opts.Store != nil {
		stored, err := s.opts.Store.List()
		if err != nil {
			return nil, err
		}
		for _, snap := range stored {
			byID[snap.ID] = snap
		}
	}

	s.mu.Lock()
	for id, e := range s.jobs {
		byID[id] = e.machine.Job().Snapshot()
	}
	s.mu.Unlock()

	out := make([]models.JobSnapshot, 0, len(byID))
	for _, snap := range byID {
		out = append(out, snap)
	}
	slices.SortFunc(out, func(a, b models.JobSnapshot) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return out, nil
}

// Purge forgets a finished job. A job whose run is still closing its
// session is waited for, so its final snapshot cannot be saved again after
// the store entry is deleted.
func (s *Supervisor) Purge(id string) error {
	e, inMemory := s.lookup(id)
	if inMemory {
		if !e.machine.Job().State().Terminal() {
			return ErrJobActive
		}
		<-e.done

		s.mu.Lock()
		if s.jobs[id] == e {
			delete(s.jobs, id)
			if key := e.machine.Job().LogicalKey(); s.byKey[key] == id {
				delete(s.byKey, key)
			}
		}
		s.mu.Unlock()
	}

	if s.opts.Store != nil {
		err := s.opts.Store.Delete(id)
		switch {
		case errors.Is(err, store.ErrNotFound):
			if !inMemory {
				return ErrNotFound
			}
		case err != nil:
			return err
		}
	} else if !inMemory {
		return ErrNotFound
	}
	slog.Info("job purged", "job_id", id)
	return nil
}

// Sweep purges terminal jobs that finished more than the retention period
// before now and returns how many were removed.
func (s *Supervisor) Sweep(now time.Time) int {
	if s.opts.Retention <= 0 {
		return 0
	}
	snaps, err := s.List()
	if err != nil {
		slog.Warn("retention sweep failed", "error", err)
		return 0
	}
	purged := 0
	for _, snap := range snaps {
		if !snap.State.Terminal() || now.Sub(snap.FinishedAt) < s.opts.Retention {
			continue
		}
		if err := s.Purge(snap.ID); err != nil {
			slog.Warn("failed to purge expired job", "job_id", snap.ID, "error", err)
			continue
		}
		purged++
	}
	if purged > 0 {
		slog.Info("retention sweep", "purged", purged)
	}
	return purged
}

// Recover marks jobs that a previous process left unfinished as crashed.
func (s *Supervisor) Recover() (int, error) {
	if s.opts.Store == nil {
		return 0, nil
	}
	snaps, err := s.opts.Store.Unfinished()
	if err != nil {
		return 0, fmt.Errorf("recover: %w", err)
	}
	n := 0
	for _, snap := range snaps {
		if _, ok := s.lookup(snap.ID); ok {
			continue
		}
		m := job.NewMachine(job.Restore(snap), job.Deps{OnChange: s.persist})
		if err := m.Fail(ReasonCrash, models.ErrCodeSupervisorCrash); err != nil {
			slog.Warn("failed to close out orphaned job", "job_id", snap.ID, "error", err)
			continue
		}
		slog.Warn("orphaned job marked as crashed", "job_id", snap.ID, "logical_key", snap.LogicalKey)
		n++
	}
	return n, nil
}

// Stats reports the job table for health checks.
func (s *Supervisor) Stats() models.SupervisorStats {
	s.mu.Lock()
	stats := models.SupervisorStats{
		ActiveJobs:  s.activeLocked(),
		TotalJobs:   len(s.jobs),
		MaxActive:   s.opts.MaxActive,
		CrashedRuns: int(s.crashes.Load()),
	}
	s.mu.Unlock()

	if sc, ok := s.opts.Automation.(engine.SessionCounter); ok {
		stats.OpenSessions = sc.ActiveSessions()
	}
	return stats
}

// Shutdown cancels every run and waits for them to finish or for ctx to
// expire. Runs end Cancelled with reason "shutdown".
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.cancel()
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until the job's run has returned or ctx ends.
func (s *Supervisor) Wait(ctx context.Context, id string) error {
	e, ok := s.lookup(id)
	if !ok {
		return ErrNotFound
	}
	select {
	case <-e.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Supervisor) supervise(e *entry) {
	defer s.wg.Done()
	defer close(e.done)

	m := e.machine
	log := slog.With("job_id", m.Job().ID())
	restarts := 0
	for {
		err := s.runOnce(m)
		if m.Job().State().Terminal() {
			break
		}
		s.crashes.Add(1)
		if restarts < s.opts.MaxRestarts {
			restarts++
			log.Warn("job run crashed, restarting", "error", err, "restart", restarts)
			m.Resume()
			continue
		}
		log.Error("job run crashed, giving up", "error", err, "restarts", restarts)
		if ferr := m.Fail(ReasonCrash, models.ErrCodeSupervisorCrash); ferr != nil {
			log.Error("failed to mark crashed job", "error", ferr)
		}
		break
	}

	if e.webhookURL != "" && s.opts.Notifier != nil {
		s.opts.Notifier.DeliverAsync(e.webhookURL, e.webhookSecret, webhook.ForSnapshot(m.Job().Snapshot()))
	}
}

// runOnce runs the machine, converting a panic into an error.
func (s *Supervisor) runOnce(m *job.Machine) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	if err := m.Run(s.ctx); err != nil {
		return err
	}
	if !m.Job().State().Terminal() {
		return errors.New("run returned with job still active")
	}
	return nil
}

func (s *Supervisor) persist(snap models.JobSnapshot) {
	if s.opts.Store == nil {
		return
	}
	if err := s.opts.Store.Save(snap); err != nil {
		slog.Warn("failed to persist job snapshot", "job_id", snap.ID, "error", err)
	}
}

func (s *Supervisor) lookup(id string) (*entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.jobs[id]
	return e, ok
}

func (s *Supervisor) activeLocked() int {
	n := 0
	for _, e := range s.jobs {
		if !e.machine.Job().State().Terminal() {
			n++
		}
	}
	return n
}
