package interceptors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrFiltered is returned for skipped deliveries under SkipWithError
var ErrFiltered = errors.New("interceptors: delivery filtered")

// MessageFilter decides whether a delivery reaches the handler
type MessageFilter interface {
	// ShouldProcess returns true if the delivery should be processed
	ShouldProcess(ctx context.Context, delivery amqp.Delivery) (bool, error)
}

// MessageFilterFunc is a function adapter for MessageFilter
type MessageFilterFunc func(ctx context.Context, delivery amqp.Delivery) (bool, error)

// ShouldProcess implements MessageFilter
func (f MessageFilterFunc) ShouldProcess(ctx context.Context, delivery amqp.Delivery) (bool, error) {
	return f(ctx, delivery)
}

// SkipBehavior defines what happens when a delivery is filtered out
type SkipBehavior int

const (
	// SkipSilently acknowledges the delivery without handling it
	SkipSilently SkipBehavior = iota
	// SkipWithError fails the delivery, which requeues it under manual acks
	SkipWithError
	// SkipWithLog acknowledges the delivery and logs that it was skipped
	SkipWithLog
)

// FilteringInterceptor filters deliveries based on conditions
type FilteringInterceptor struct {
	filter       MessageFilter
	skipBehavior SkipBehavior
	logger       *slog.Logger
}

// NewFilteringInterceptor creates a new filtering interceptor
func NewFilteringInterceptor(filter MessageFilter, skipBehavior SkipBehavior) *FilteringInterceptor {
	return &FilteringInterceptor{
		filter:       filter,
		skipBehavior: skipBehavior,
		logger:       slog.Default(),
	}
}

// WithLogger sets the logger used by SkipWithLog
func (i *FilteringInterceptor) WithLogger(logger *slog.Logger) *FilteringInterceptor {
	if logger != nil {
		i.logger = logger
	}
	return i
}

// Intercept implements Interceptor
func (i *FilteringInterceptor) Intercept(ctx context.Context, delivery amqp.Delivery, next Next) error {
	shouldProcess, err := i.filter.ShouldProcess(ctx, delivery)
	if err != nil {
		return fmt.Errorf("filter error: %w", err)
	}

	if !shouldProcess {
		switch i.skipBehavior {
		case SkipWithError:
			return fmt.Errorf("%w: routing key %q", ErrFiltered, delivery.RoutingKey)
		case SkipWithLog:
			i.logger.Info("delivery skipped by filter", "routing_key", delivery.RoutingKey, "delivery_tag", delivery.DeliveryTag)
		}
		return nil
	}

	return next(ctx, delivery)
}

// Name implements Interceptor
func (i *FilteringInterceptor) Name() string {
	return "FilteringInterceptor"
}

// CompositeFilter combines multiple filters with AND logic
type CompositeFilter struct {
	filters []MessageFilter
}

// NewCompositeFilter creates a new composite filter
func NewCompositeFilter(filters ...MessageFilter) *CompositeFilter {
	return &CompositeFilter{filters: filters}
}

// ShouldProcess implements MessageFilter - all filters must return true
func (f *CompositeFilter) ShouldProcess(ctx context.Context, delivery amqp.Delivery) (bool, error) {
	for _, filter := range f.filters {
		ok, err := filter.ShouldProcess(ctx, delivery)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

// OrFilter combines multiple filters with OR logic
type OrFilter struct {
	filters []MessageFilter
}

// NewOrFilter creates a new OR filter
func NewOrFilter(filters ...MessageFilter) *OrFilter {
	return &OrFilter{filters: filters}
}

// ShouldProcess implements MessageFilter - at least one filter must return true
func (f *OrFilter) ShouldProcess(ctx context.Context, delivery amqp.Delivery) (bool, error) {
	for _, filter := range f.filters {
		ok, err := filter.ShouldProcess(ctx, delivery)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// RoutingKeyFilter accepts deliveries whose routing key matches any of the
// topic patterns. Patterns use the broker's topic syntax: "*" matches exactly
// one dot-separated word, "#" matches zero or more.
func RoutingKeyFilter(patterns ...string) MessageFilter {
	split := make([][]string, len(patterns))
	for i, p := range patterns {
		split[i] = strings.Split(p, ".")
	}
	return MessageFilterFunc(func(_ context.Context, delivery amqp.Delivery) (bool, error) {
		key := strings.Split(delivery.RoutingKey, ".")
		for _, p := range split {
			if matchTopic(p, key) {
				return true, nil
			}
		}
		return false, nil
	})
}

// HeaderFilter accepts deliveries carrying header key with the given value
func HeaderFilter(key string, value interface{}) MessageFilter {
	return MessageFilterFunc(func(_ context.Context, delivery amqp.Delivery) (bool, error) {
		got, ok := delivery.Headers[key]
		return ok && reflect.DeepEqual(got, value), nil
	})
}

func matchTopic(pattern, words []string) bool {
	if len(pattern) == 0 {
		return len(words) == 0
	}
	switch pattern[0] {
	case "#":
		for i := 0; i <= len(words); i++ {
			if matchTopic(pattern[1:], words[i:]) {
				return true
			}
		}
		return false
	case "*":
		return len(words) > 0 && matchTopic(pattern[1:], words[1:])
	default:
		return len(words) > 0 && words[0] == pattern[0] && matchTopic(pattern[1:], words[1:])
	}
}
