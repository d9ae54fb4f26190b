package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dunamismax/actflow/internal/domain"
)

type MemoryJobStore struct {
	mu     sync.RWMutex
	jobs   map[string]domain.Job
	lockMu sync.Mutex
	locks  map[string]*sync.Mutex
}

func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{
		jobs:  make(map[string]domain.Job),
		locks: make(map[string]*sync.Mutex),
	}
}

func (s *MemoryJobStore) lockFor(id string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

func (s *MemoryJobStore) Put(_ context.Context, job domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	s.jobs[job.ID] = job
	return nil
}

func (s *MemoryJobStore) Get(_ context.Context, id string) (domain.Job, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	return job, ok, nil
}

func (s *MemoryJobStore) ListByState(_ context.Context, states ...string) ([]domain.Job, error) {
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

// Update serializes concurrent mutations of the same ID behind a
// per-ID lock so a poll and a retry cannot lose each other's writes.
// Unrelated IDs proceed in parallel.
func (s *MemoryJobStore) Update(_ context.Context, id string, mutate Mutation) (domain.Job, error) {
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
	return updated, nil
}

func (s *MemoryJobStore) Purge(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = make(map[string]domain.Job)
	return nil
}
