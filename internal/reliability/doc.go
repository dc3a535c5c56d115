// Package reliability provides the reconnect policies used by the consumer
// and publisher engines.
//
// A policy is consulted after every failed or lost connection with the
// number of consecutive failures so far. Policies with MaxAttempts <= 0
// retry forever; errors wrapped in RetryableError{Retryable: false} or
// wrapping ErrNonRetryable are never retried.
//
// Example usage:
//
//	policy := NewExponentialBackoff(time.Second, 30*time.Second, 2.0, 0)
//	retry, delay := policy.ShouldRetry(attempt, err)
package reliability
