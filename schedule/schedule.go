// Package schedule re-submits jobs on cron schedules read from a YAML file.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/use-agent/shepherd/job"
	"github.com/use-agent/shepherd/models"
)

// Starter starts jobs. *supervisor.Supervisor satisfies it.
type Starter interface {
	StartJob(req models.StartJobRequest) (id string, existing bool, err error)
}

// Entry is one recurring job.
type Entry struct {
	Name       string                 `yaml:"name"`
	Schedule   string                 `yaml:"schedule"`
	RunOnStart bool                   `yaml:"run_on_start"`
	Request    models.StartJobRequest `yaml:"request"`
}

// File is the layout of a jobs file.
type File struct {
	Jobs []Entry `yaml:"jobs"`
}

// LoadFile reads and validates a jobs file.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schedule file: %w", err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse schedule file: %w", err)
	}
	for i, e := range f.Jobs {
		if err := e.validate(); err != nil {
			return nil, fmt.Errorf("schedule entry %d: %w", i, err)
		}
	}
	return &f, nil
}

func (e Entry) validate() error {
	if e.Name == "" {
		return errors.New("name is required")
	}
	if _, err := cron.ParseStandard(e.Schedule); err != nil {
		return fmt.Errorf("%s: invalid schedule %q: %w", e.Name, e.Schedule, err)
	}
	if e.Request.LogicalKey == "" || e.Request.Target == "" {
		return fmt.Errorf("%s: request needs logical_key and target", e.Name)
	}
	if err := job.ValidateSteps(e.Request.Steps); err != nil {
		return fmt.Errorf("%s: %w", e.Name, err)
	}
	return nil
}

// Scheduler fires entries on their cron schedules.
type Scheduler struct {
	cron    *cron.Cron
	starter Starter
}

// New creates a stopped Scheduler.
func New(starter Starter) *Scheduler {
	return &Scheduler{cron: cron.New(), starter: starter}
}

// Add registers e. Entries with RunOnStart fire once immediately as well.
func (s *Scheduler) Add(e Entry) error {
	if err := e.validate(); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc(e.Schedule, func() { s.fire(e) }); err != nil {
		return fmt.Errorf("schedule %s: %w", e.Name, err)
	}
	if e.RunOnStart {
		go s.fire(e)
	}
	slog.Info("recurring job registered", "name", e.Name, "schedule", e.Schedule, "logical_key", e.Request.LogicalKey)
	return nil
}

// AddFunc registers an arbitrary housekeeping task.
func (s *Scheduler) AddFunc(spec string, fn func()) error {
	_, err := s.cron.AddFunc(spec, fn)
	return err
}

// Start runs the cron loop in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
	slog.Info("scheduler started", "entries", len(s.cron.Entries()))
}

// Stop halts the cron loop and waits for running callbacks or ctx.
func (s *Scheduler) Stop(ctx context.Context) {
	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
	}
	slog.Info("scheduler stopped")
}

func (s *Scheduler) fire(e Entry) {
	id, existing, err := s.starter.StartJob(e.Request)
	switch {
	case err != nil:
		slog.Error("scheduled job not started", "name", e.Name, "error", err)
	case existing:
		slog.Info("scheduled job still running, skipped", "name", e.Name, "job_id", id)
	default:
		slog.Info("scheduled job started", "name", e.Name, "job_id", id)
	}
}
