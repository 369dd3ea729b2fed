package retry

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"

	apperrors "github.com/allisson/jobflow/internal/errors"
)

// Classification labels a failure as worth retrying or not.
type Classification string

const (
	ClassificationRetryable    Classification = "retryable"
	ClassificationNonRetryable Classification = "non_retryable"
)

// Classifier decides whether a failed operation should be retried.
type Classifier interface {
	Classify(err error) Classification
}

// DefaultClassifier classifies errors by domain sentinel and network shape.
// Validation, not-found, and authorization failures are non-retryable;
// network/timeout failures are retryable. Unclassified errors default to
// retryable, trading possible wasted attempts for availability.
type DefaultClassifier struct{}

// NewClassifier returns the default classifier.
func NewClassifier() *DefaultClassifier {
	return &DefaultClassifier{}
}

// Classify implements Classifier.
func (c *DefaultClassifier) Classify(err error) Classification {
	if err == nil {
		return ClassificationNonRetryable
	}

	switch {
	case apperrors.Is(err, apperrors.ErrInvalidInput),
		apperrors.Is(err, apperrors.ErrNotFound),
		apperrors.Is(err, apperrors.ErrUnauthorized),
		apperrors.Is(err, apperrors.ErrForbidden),
		apperrors.Is(err, apperrors.ErrInvalidTransition):
		return ClassificationNonRetryable
	}

	// An open breaker means the dependency is struggling, not that the job is
	// bad. Retry after backoff.
	if apperrors.Is(err, apperrors.ErrCircuitOpen) {
		return ClassificationRetryable
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ClassificationRetryable
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassificationRetryable
	}

	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) {
		return ClassificationRetryable
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"timeout", "timed out", "connection reset", "connection refused", "broken pipe"} {
		if strings.Contains(msg, marker) {
			return ClassificationRetryable
		}
	}

	// Default retryable: favors availability over silently dropping work.
	return ClassificationRetryable
}
