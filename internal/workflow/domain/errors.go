package domain

import (
	"fmt"

	apperrors "github.com/allisson/jobflow/internal/errors"
)

// InvalidTransitionError reports a job status change the state machine forbids.
// It unwraps to errors.ErrInvalidTransition so callers can match it with Is.
type InvalidTransitionError struct {
	From JobStatus
	To   JobStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid status transition from %s to %s", e.From, e.To)
}

func (e *InvalidTransitionError) Unwrap() error {
	return apperrors.ErrInvalidTransition
}
