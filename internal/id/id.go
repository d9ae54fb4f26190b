package id

import "github.com/google/uuid"

// New returns a local job ID. IDs are never reused within a run.
func New() string {
	return uuid.NewString()
}
