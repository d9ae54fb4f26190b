package store

import (
	"context"
	"errors"

	"github.com/dunamismax/actflow/internal/domain"
)

var ErrJobNotFound = errors.New("job not found")

// Mutation edits a job in place inside an atomic read-modify-write.
// Returning an error aborts the update without touching the store.
type Mutation func(*domain.Job) error

// JobStore owns every job record. Updates to the same ID are
// serialized; the resulting state change is validated against the
// job state machine before it is committed.
type JobStore interface {
	Put(ctx context.Context, job domain.Job) error
	Get(ctx context.Context, id string) (domain.Job, bool, error)
	ListByState(ctx context.Context, states ...string) ([]domain.Job, error)
	Update(ctx context.Context, id string, mutate Mutation) (domain.Job, error)
	Purge(ctx context.Context) error
}
