package store

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/timshannon/badgerhold/v4"

	"github.com/use-agent/shepherd/models"
)

// ErrNotFound is returned when no snapshot exists for an id.
var ErrNotFound = errors.New("store: job not found")

// Store persists job snapshots in Badger so that status survives restarts
// and runs left unfinished by a dead process can be detected.
type Store struct {
	db *badgerhold.Store
}

// Open opens (or creates) the snapshot store at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}

	options := badgerhold.DefaultOptions
	options.Dir = path
	options.ValueDir = path
	options.Logger = nil

	db, err := badgerhold.Open(options)
	if err != nil {
		return nil, fmt.Errorf("open badger store: %w", err)
	}
	slog.Info("snapshot store opened", "path", path)
	return &Store{db: db}, nil
}

// Save upserts snap under its job id.
func (s *Store) Save(snap models.JobSnapshot) error {
	if snap.ID == "" {
		return fmt.Errorf("store: job id is required")
	}
	if err := s.db.Upsert(snap.ID, snap); err != nil {
		return fmt.Errorf("save job %s: %w", snap.ID, err)
	}
	return nil
}

// Get returns the snapshot stored for id.
func (s *Store) Get(id string) (models.JobSnapshot, error) {
	var snap models.JobSnapshot
	if err := s.db.Get(id, &snap); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return models.JobSnapshot{}, ErrNotFound
		}
		return models.JobSnapshot{}, fmt.Errorf("get job %s: %w", id, err)
	}
	return snap, nil
}

// List returns every stored snapshot, oldest first.
func (s *Store) List() ([]models.JobSnapshot, error) {
	var snaps []models.JobSnapshot
	if err := s.db.Find(&snaps, badgerhold.Where("ID").Ne("").SortBy("CreatedAt")); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return snaps, nil
}

// Unfinished returns snapshots that never reached a terminal state.
func (s *Store) Unfinished() ([]models.JobSnapshot, error) {
	var snaps []models.JobSnapshot
	query := badgerhold.Where("State").In(models.JobPending, models.JobRunning).SortBy("CreatedAt")
	if err := s.db.Find(&snaps, query); err != nil {
		return nil, fmt.Errorf("list unfinished jobs: %w", err)
	}
	return snaps, nil
}

// Delete removes the snapshot for id.
func (s *Store) Delete(id string) error {
	if err := s.db.Delete(id, models.JobSnapshot{}); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("delete job %s: %w", id, err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
