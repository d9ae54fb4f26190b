package runway

import (
	"errors"
	"fmt"
)

// ErrorKind classifies an API call outcome for the retry policy.
type ErrorKind int

const (
	// KindRateLimited means the service throttled the call. Always
	// retryable and never charged against the transient budget.
	KindRateLimited ErrorKind = iota
	// KindTransient covers network faults, timeouts, and 5xx.
	KindTransient
	// KindPermanent covers validation and other 4xx rejections.
	KindPermanent
)

func (k ErrorKind) String() string {
	switch k {
	case KindRateLimited:
		return "rate_limited"
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// Error is the only error type the client returns for failed calls.
// The client performs no retries itself; callers inspect Kind and let
// the retry policy decide.
type Error struct {
	Kind   ErrorKind
	Op     string
	Status int
	Err    error
}

func (e *Error) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("runway %s: %s (status=%d): %v", e.Op, e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("runway %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf extracts the error kind, defaulting unknown errors to
// transient so they stay inside the bounded retry budget.
func KindOf(err error) ErrorKind {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	return KindTransient
}
