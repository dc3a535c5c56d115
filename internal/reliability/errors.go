package reliability

import (
	"errors"
)

var (
	// ErrNonRetryable marks an error that no policy retries
	ErrNonRetryable = errors.New("retry: error is not retryable")
)

// IsRetryableError checks if an error should be retried. Errors are
// retryable unless marked otherwise.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrNonRetryable) {
		return false
	}

	type retryable interface {
		IsRetryable() bool
	}

	var r retryable
	if errors.As(err, &r) {
		return r.IsRetryable()
	}

	return true
}
