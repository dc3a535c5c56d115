package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// TopologyStep identifies one stage of topology configuration
type TopologyStep int

const (
	StepChannel TopologyStep = iota + 1
	StepExchange
	StepQueue
	StepBind
)

func (s TopologyStep) String() string {
	switch s {
	case StepChannel:
		return "channel"
	case StepExchange:
		return "exchange"
	case StepQueue:
		return "queue"
	case StepBind:
		return "bind"
	}
	return "unknown step"
}

// AckMode controls whether deliveries must be acknowledged explicitly
type AckMode int

const (
	// AckManual acks after the handler succeeds and nacks with requeue otherwise
	AckManual AckMode = iota
	// AckNone lets the broker consider messages delivered on send
	AckNone
)

// ExchangeDeclaration defines an exchange to be declared
type ExchangeDeclaration struct {
	Name       string
	Kind       string // empty means the exchange already exists
	Durable    bool
	AutoDelete bool
	Internal   bool
	Arguments  amqp.Table
}

// QueueDeclaration defines a queue to be declared and bound
type QueueDeclaration struct {
	Name        string // empty lets the broker choose
	Durable     bool
	AutoDelete  bool
	Exclusive   bool
	BindingKeys []string
	Arguments   amqp.Table
}

// TopologyDescriptor is the topology an engine (re)declares on every
// connection. Queue is nil for publishers.
type TopologyDescriptor struct {
	Exchange ExchangeDeclaration
	Queue    *QueueDeclaration
	AckMode  AckMode
}

// Resolve returns a copy with derived fields applied. A server-named queue
// cannot be shared, so it is always exclusive.
func (d TopologyDescriptor) Resolve() TopologyDescriptor {
	if d.Queue != nil {
		q := *d.Queue
		q.BindingKeys = append([]string(nil), d.Queue.BindingKeys...)
		if q.Name == "" {
			q.Exclusive = true
		}
		d.Queue = &q
	}
	return d
}

// Validate checks the descriptor before any connection attempt
func (d TopologyDescriptor) Validate() error {
	if d.Exchange.Kind != "" && d.Exchange.Name == "" {
		return fmt.Errorf("%w: exchange kind %q given without an exchange name", ErrInvalidConfiguration, d.Exchange.Kind)
	}
	if d.Queue != nil && len(d.Queue.BindingKeys) > 0 && d.Exchange.Name == "" {
		return fmt.Errorf("%w: binding keys require an exchange", ErrInvalidConfiguration)
	}
	switch d.AckMode {
	case AckManual, AckNone:
	default:
		return fmt.Errorf("%w: unknown ack mode %d", ErrInvalidConfiguration, d.AckMode)
	}
	return nil
}

// Topology is the result of a successful configuration
type Topology struct {
	Channel Channel
	Queue   string // resolved queue name, empty for publishers
}

// TopologyConfigurator declares exchange, queue and bindings on a fresh channel
type TopologyConfigurator struct {
	logger *slog.Logger
}

// NewTopologyConfigurator creates a new topology configurator
func NewTopologyConfigurator(logger *slog.Logger) *TopologyConfigurator {
	if logger == nil {
		logger = slog.Default()
	}
	return &TopologyConfigurator{logger: logger}
}

// Configure runs the declaration sequence on conn. Every step is a
// synchronous broker RPC, so a step is only issued after the previous one was
// acknowledged. The first failure aborts the sequence and closes the channel.
func (tm *TopologyConfigurator) Configure(ctx context.Context, conn *TransportConnection, d TopologyDescriptor) (*Topology, error) {
	d = d.Resolve()

	if err := ctx.Err(); err != nil {
		return nil, tm.fail(StepChannel, "", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, tm.fail(StepChannel, "", err)
	}

	queue, err := tm.declare(ctx, ch, d)
	if err != nil {
		ch.Close()
		return nil, err
	}

	return &Topology{Channel: ch, Queue: queue}, nil
}

func (tm *TopologyConfigurator) declare(ctx context.Context, ch Channel, d TopologyDescriptor) (string, error) {
	ex := d.Exchange
	if ex.Kind != "" {
		if err := ctx.Err(); err != nil {
			return "", tm.fail(StepExchange, ex.Name, err)
		}
		tm.logger.Info("declaring exchange", "exchange", ex.Name, "kind", ex.Kind)
		if err := ch.ExchangeDeclare(
			ex.Name,
			ex.Kind,
			ex.Durable,
			ex.AutoDelete,
			ex.Internal,
			false, // no-wait
			ex.Arguments,
		); err != nil {
			return "", tm.fail(StepExchange, ex.Name, err)
		}
	}

	if d.Queue == nil {
		return "", nil
	}

	q := d.Queue
	if err := ctx.Err(); err != nil {
		return "", tm.fail(StepQueue, q.Name, err)
	}
	declared, err := ch.QueueDeclare(
		q.Name,
		q.Durable,
		q.AutoDelete,
		q.Exclusive,
		false, // no-wait
		q.Arguments,
	)
	if err != nil {
		return "", tm.fail(StepQueue, q.Name, err)
	}
	name := declared.Name
	if name == "" {
		name = q.Name
	}
	tm.logger.Info("queue declared", "queue", name, "exclusive", q.Exclusive)

	for _, key := range q.BindingKeys {
		if err := ctx.Err(); err != nil {
			return "", tm.fail(StepBind, key, err)
		}
		if err := ch.QueueBind(name, key, ex.Name, false, nil); err != nil {
			return "", tm.fail(StepBind, key, err)
		}
		tm.logger.Debug("queue bound", "queue", name, "exchange", ex.Name, "key", key)
	}

	return name, nil
}

func (tm *TopologyConfigurator) fail(step TopologyStep, name string, err error) error {
	tm.logger.Error("topology configuration failed", "step", step.String(), "name", name, "error", err)
	return &TopologyError{
		Step:      step,
		Name:      name,
		Err:       err,
		Timestamp: time.Now(),
	}
}
