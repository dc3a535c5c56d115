package rabbitmq

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

var (
	// Connection errors
	ErrConnectionClosed   = errors.New("rabbitmq: connection is closed")
	ErrConnectionNotReady = errors.New("rabbitmq: connection not ready")
	ErrMaxRetriesExceeded = errors.New("rabbitmq: maximum reconnection attempts exceeded")
	ErrConnectionTimeout  = errors.New("rabbitmq: connection timeout")

	// Channel errors
	ErrChannelClosed = errors.New("rabbitmq: channel is closed")

	// Publisher errors
	ErrPublisherClosed  = errors.New("rabbitmq: publisher is closed")
	ErrNotReady         = errors.New("rabbitmq: publisher not ready")
	ErrPublishQueueFull = errors.New("rabbitmq: publish queue is full")
	ErrPublishNacked    = errors.New("rabbitmq: publish negatively acknowledged")
	ErrPublishUnknown   = errors.New("rabbitmq: publish outcome unknown after connection loss")

	// Consumer errors
	ErrAlreadyRunning  = errors.New("rabbitmq: engine already running")
	ErrDeliveriesEnded = errors.New("rabbitmq: delivery stream ended")

	// Topology errors
	ErrTopologyDeclarationFailed = errors.New("rabbitmq: topology declaration failed")

	// General errors
	ErrInvalidConfiguration = errors.New("rabbitmq: invalid configuration")
	ErrOperationCancelled   = errors.New("rabbitmq: operation cancelled")
)

// ConnectionError represents a connection-level failure. It triggers the
// reconnect policy unless the attempt was cancelled by its caller.
type ConnectionError struct {
	Op        string    // Operation that failed
	URL       string    // Connection URL (sanitized)
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
	Attempts  int       // Number of attempts made
}

func (e *ConnectionError) Error() string {
	if e.Attempts > 0 {
		return fmt.Sprintf("rabbitmq connection error: %s %s failed after %d attempts: %v", e.Op, e.URL, e.Attempts, e.Err)
	}
	return fmt.Sprintf("rabbitmq connection error: %s %s failed: %v", e.Op, e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// TopologyError is returned by the configurator when the broker rejects a
// declare or bind. Step identifies where the sequence stopped.
type TopologyError struct {
	Step      TopologyStep // Step that failed
	Name      string       // Exchange, queue or binding key involved
	Err       error        // Underlying error
	Timestamp time.Time    // When the error occurred
}

func (e *TopologyError) Error() string {
	return fmt.Sprintf("rabbitmq topology error: %s '%s' failed: %v", e.Step, e.Name, e.Err)
}

func (e *TopologyError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, ErrTopologyDeclarationFailed) match any TopologyError.
func (e *TopologyError) Is(target error) bool {
	return target == ErrTopologyDeclarationFailed
}

// PublishError describes a message that could not be confirmed by the broker.
// It is handed to the publisher's failure callback.
type PublishError struct {
	Exchange   string    // Target exchange
	RoutingKey string    // Routing key used
	Sequence   uint64    // Sequence number on the channel, 0 if never sent
	Err        error     // ErrPublishNacked, ErrPublishUnknown or a send error
	Timestamp  time.Time // When the error occurred
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("rabbitmq publish error: message #%d to %s/%s: %v",
		e.Sequence, e.Exchange, e.RoutingKey, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// ConsumerError represents a consumer-related error
type ConsumerError struct {
	Queue       string    // Queue name
	ConsumerTag string    // Consumer tag
	Op          string    // Operation that failed
	Err         error     // Underlying error
	Timestamp   time.Time // When the error occurred
}

func (e *ConsumerError) Error() string {
	return fmt.Sprintf("rabbitmq consumer error: %s failed for consumer %s on queue %s: %v",
		e.Op, e.ConsumerTag, e.Queue, e.Err)
}

func (e *ConsumerError) Unwrap() error {
	return e.Err
}

// IsTransportFailure reports whether err is a connection-level failure.
func IsTransportFailure(err error) bool {
	var connErr *ConnectionError
	return errors.As(err, &connErr)
}

// IsTopologyFailure reports whether err came from a rejected declare or bind.
func IsTopologyFailure(err error) bool {
	var topoErr *TopologyError
	return errors.As(err, &topoErr)
}

// IsRetryable determines if an error is retryable
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	switch {
	case errors.Is(err, ErrInvalidConfiguration):
		return false
	case errors.Is(err, ErrMaxRetriesExceeded):
		return false
	case errors.Is(err, ErrOperationCancelled):
		return false
	}

	// Transport and topology failures are retried on the next cycle, broker
	// side conditions may have changed by then.
	return true
}

// IsFatal determines if an error is fatal and should not be retried
func IsFatal(err error) bool {
	return !IsRetryable(err)
}

// SanitizeURL removes the password from a connection URL
func SanitizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		if _, ok := u.User.Password(); ok {
			u.User = url.UserPassword(u.User.Username(), "xxxxx")
		}
	}
	return u.String()
}
