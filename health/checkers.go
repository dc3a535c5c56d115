package health

import (
	"context"
	"fmt"

	"github.com/glimte/rmqpubsub/internal/rabbitmq"
)

// StateReporter is implemented by the consumer and publisher engines
type StateReporter interface {
	State() rabbitmq.State
}

// EngineChecker maps an engine's lifecycle state to a health status:
// consuming or ready is healthy, any step towards a channel is degraded and
// a stopped engine is unhealthy.
type EngineChecker struct {
	engine StateReporter
}

func NewEngineChecker(engine StateReporter) *EngineChecker {
	return &EngineChecker{engine: engine}
}

func (c *EngineChecker) Check(ctx context.Context) Result {
	state := c.engine.State()
	result := Result{
		Details: map[string]any{"state": state.String()},
	}

	switch state {
	case rabbitmq.StateConsuming, rabbitmq.StateReady:
		result.Status = StatusHealthy
		result.Message = "Channel open"
	case rabbitmq.StateIdle, rabbitmq.StateConnecting, rabbitmq.StateConfiguringTopology, rabbitmq.StateReconnecting:
		result.Status = StatusDegraded
		result.Message = "Waiting for broker"
	default:
		result.Status = StatusUnhealthy
		result.Message = "Engine stopped"
	}

	if p, ok := c.engine.(interface{ InFlight() int }); ok {
		result.Details["in_flight"] = p.InFlight()
	}
	return result
}

// PoolChecker reports the idle connections kept for a broker URL
type PoolChecker struct {
	pool *rabbitmq.ConnectionPool
	url  string
}

// NewPoolChecker creates a pool checker for url
func NewPoolChecker(pool *rabbitmq.ConnectionPool, url string) *PoolChecker {
	return &PoolChecker{pool: pool, url: url}
}

func (c *PoolChecker) Check(ctx context.Context) Result {
	idle := c.pool.Idle(c.url)

	result := Result{
		Status:  StatusHealthy,
		Message: fmt.Sprintf("%d idle connections", idle),
		Details: map[string]any{
			"url":     rabbitmq.SanitizeURL(c.url),
			"idle":    idle,
			"drained": c.pool.Drained(),
		},
	}
	if c.pool.Drained() {
		result.Status = StatusDegraded
		result.Message = "Pool drained"
	}
	return result
}
