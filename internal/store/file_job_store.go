package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/dunamismax/actflow/internal/domain"
)

// FileJobStore persists every mutation to a single JSON file so a
// crashed batch loses at most the in-flight write. The file is plain
// indented JSON and can be inspected or hand-edited between runs.
type FileJobStore struct {
	path   string
	mu     sync.RWMutex
	jobs   map[string]domain.Job
	lockMu sync.Mutex
	locks  map[string]*sync.Mutex
	// persistMu serializes file writes independent of map access.
	persistMu sync.Mutex
}

type storeFile struct {
	SavedAt time.Time    `json:"saved_at"`
	Jobs    []domain.Job `json:"jobs"`
}

func NewFileJobStore(path string) (*FileJobStore, error) {
	s := &FileJobStore{
		path:  path,
		jobs:  make(map[string]domain.Job),
		locks: make(map[string]*sync.Mutex),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileJobStore) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read job store file: %w", err)
	}
	if len(data) == 0 {
		return nil
	}

	var f storeFile
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse job store file %s: %w", s.path, err)
	}
	for _, job := range f.Jobs {
		s.jobs[job.ID] = job
	}
	return nil
}

func (s *FileJobStore) persist() error {
	// persistMu is held across snapshot AND write. Snapshotting outside
	// it would let two writers race: the older snapshot could land on
	// disk last, dropping a mutation whose Update already returned.
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	s.mu.RLock()
	f := storeFile{SavedAt: time.Now().UTC(), Jobs: make([]domain.Job, 0, len(s.jobs))}
	for _, job := range s.jobs {
		f.Jobs = append(f.Jobs, job)
	}
	s.mu.RUnlock()

	sort.Slice(f.Jobs, func(i, j int) bool {
		if f.Jobs[i].CreatedAt.Equal(f.Jobs[j].CreatedAt) {
			return f.Jobs[i].ID < f.Jobs[j].ID
		}
		return f.Jobs[i].CreatedAt.Before(f.Jobs[j].CreatedAt)
	})

	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal job store: %w", err)
	}

	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create job store directory: %w", err)
		}
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write job store temp file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("commit job store file: %w", err)
	}
	return nil
}

func (s *FileJobStore) lockFor(id string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

func (s *FileJobStore) Put(_ context.Context, job domain.Job) error {
	s.mu.Lock()
	if _, exists := s.jobs[job.ID]; exists {
		s.mu.Unlock()
		return fmt.Errorf("job %s already exists", job.ID)
	}
	s.jobs[job.ID] = job
	s.mu.Unlock()
	return s.persist()
}

func (s *FileJobStore) Get(_ context.Context, id string) (domain.Job, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	return job, ok, nil
}

func (s *FileJobStore) ListByState(_ context.Context, states ...string) ([]domain.Job, error) {
	wanted := make(map[string]bool, len(states))
	for _, st := range states {
		wanted[st] = true
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Job
	for _, job := range s.jobs {
		if len(states) == 0 || wanted[job.State] {
			out = append(out, job)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *FileJobStore) Update(_ context.Context, id string, mutate Mutation) (domain.Job, error) {
	l := s.lockFor(id)
	l.Lock()
	defer l.Unlock()

	s.mu.RLock()
	job, ok := s.jobs[id]
	s.mu.RUnlock()
	if !ok {
		return domain.Job{}, ErrJobNotFound
	}

	updated := job
	if err := mutate(&updated); err != nil {
		return domain.Job{}, err
	}
	if err := domain.CheckJobTransition(job, updated); err != nil {
		return domain.Job{}, err
	}
	updated.ID = job.ID
	updated.UpdatedAt = time.Now().UTC()

	s.mu.Lock()
	s.jobs[id] = updated
	s.mu.Unlock()

	if err := s.persist(); err != nil {
		return domain.Job{}, err
	}
	return updated, nil
}

func (s *FileJobStore) Purge(_ context.Context) error {
	s.mu.Lock()
	s.jobs = make(map[string]domain.Job)
	s.mu.Unlock()
	return s.persist()
}
