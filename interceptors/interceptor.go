package interceptors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/rmqpubsub/internal/rabbitmq"
)

// Next runs the remainder of the chain
type Next func(ctx context.Context, delivery amqp.Delivery) error

// Interceptor processes a delivery before it reaches the final handler
type Interceptor interface {
	// Intercept processes a delivery and calls next to continue the chain
	Intercept(ctx context.Context, delivery amqp.Delivery, next Next) error

	// Name returns the interceptor name for logging and debugging
	Name() string
}

// InterceptorFunc is a function adapter for Interceptor
type InterceptorFunc struct {
	name string
	fn   func(ctx context.Context, delivery amqp.Delivery, next Next) error
}

// NewInterceptorFunc creates a new function-based interceptor
func NewInterceptorFunc(name string, fn func(ctx context.Context, delivery amqp.Delivery, next Next) error) *InterceptorFunc {
	return &InterceptorFunc{name: name, fn: fn}
}

// Intercept implements Interceptor
func (i *InterceptorFunc) Intercept(ctx context.Context, delivery amqp.Delivery, next Next) error {
	return i.fn(ctx, delivery, next)
}

// Name implements Interceptor
func (i *InterceptorFunc) Name() string {
	return i.name
}

// InterceptorChain manages an ordered list of interceptors; the first one
// added runs outermost
type InterceptorChain struct {
	interceptors []Interceptor
	logger       *slog.Logger
}

// NewInterceptorChain creates a new interceptor chain
func NewInterceptorChain(logger *slog.Logger) *InterceptorChain {
	if logger == nil {
		logger = slog.Default()
	}

	return &InterceptorChain{
		interceptors: make([]Interceptor, 0),
		logger:       logger,
	}
}

// Add adds an interceptor to the chain
func (c *InterceptorChain) Add(interceptor Interceptor) *InterceptorChain {
	c.interceptors = append(c.interceptors, interceptor)
	return c
}

// Len returns the number of interceptors
func (c *InterceptorChain) Len() int {
	return len(c.interceptors)
}

// Then returns a handler that runs the chain around final. The chain is
// captured at this point; later calls to Add do not affect it.
func (c *InterceptorChain) Then(final rabbitmq.MessageHandler) rabbitmq.MessageHandler {
	interceptors := append([]Interceptor(nil), c.interceptors...)
	if len(interceptors) == 0 {
		return final
	}

	names := make([]string, len(interceptors))
	for i, in := range interceptors {
		names[i] = in.Name()
	}
	c.logger.Debug("interceptor chain built", "interceptors", names)

	// Build the chain in reverse order
	handler := Next(final)
	for i := len(interceptors) - 1; i >= 0; i-- {
		interceptor := interceptors[i]
		next := handler
		handler = func(ctx context.Context, delivery amqp.Delivery) error {
			return interceptor.Intercept(ctx, delivery, next)
		}
	}
	return rabbitmq.MessageHandler(handler)
}

// LoggingInterceptor logs message processing
type LoggingInterceptor struct {
	logger *slog.Logger
}

// NewLoggingInterceptor creates a new logging interceptor. Successful
// deliveries are logged at debug level, failures at error level.
func NewLoggingInterceptor(logger *slog.Logger) *LoggingInterceptor {
	if logger == nil {
		logger = slog.Default()
	}

	return &LoggingInterceptor{logger: logger}
}

// Intercept implements Interceptor
func (i *LoggingInterceptor) Intercept(ctx context.Context, delivery amqp.Delivery, next Next) error {
	start := time.Now()

	err := next(ctx, delivery)
	duration := time.Since(start)

	if err != nil {
		i.logger.Error("message processing failed",
			"routing_key", delivery.RoutingKey,
			"delivery_tag", delivery.DeliveryTag,
			"redelivered", delivery.Redelivered,
			"duration", duration,
			"error", err,
		)
		return err
	}

	i.logger.Debug("message processed",
		"routing_key", delivery.RoutingKey,
		"delivery_tag", delivery.DeliveryTag,
		"bytes", len(delivery.Body),
		"duration", duration,
	)
	return nil
}

// Name implements Interceptor
func (i *LoggingInterceptor) Name() string {
	return "LoggingInterceptor"
}

// TimeoutInterceptor adds timeout handling
type TimeoutInterceptor struct {
	timeout time.Duration
}

// NewTimeoutInterceptor creates a new timeout interceptor
func NewTimeoutInterceptor(timeout time.Duration) *TimeoutInterceptor {
	return &TimeoutInterceptor{timeout: timeout}
}

// Intercept implements Interceptor. The handler's context is cancelled once
// the timeout passes and the delivery is reported as failed, but only after
// the handler has returned: a delivery is never settled while its handler is
// still running. A panic in the handler is returned as an error.
func (i *TimeoutInterceptor) Intercept(ctx context.Context, delivery amqp.Delivery, next Next) error {
	timeoutCtx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("handler panic for delivery %d: %v", delivery.DeliveryTag, r)
			}
		}()
		done <- next(timeoutCtx, delivery)
	}()

	select {
	case err := <-done:
		return err
	case <-timeoutCtx.Done():
		err := <-done
		if errors.Is(timeoutCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return fmt.Errorf("message processing timeout after %v for delivery %d: %w", i.timeout, delivery.DeliveryTag, timeoutCtx.Err())
		}
		if err == nil {
			err = timeoutCtx.Err()
		}
		return err
	}
}

// Name implements Interceptor
func (i *TimeoutInterceptor) Name() string {
	return "TimeoutInterceptor"
}
