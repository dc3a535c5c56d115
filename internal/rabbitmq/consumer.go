package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/rmqpubsub/internal/metrics"
	"github.com/glimte/rmqpubsub/internal/reliability"
)

// MessageHandler processes incoming messages. In AckManual mode a non-nil
// error (or a panic) requeues the delivery.
type MessageHandler func(ctx context.Context, delivery amqp.Delivery) error

// ConsumerEngine subscribes to a queue and keeps the subscription alive
// across connection failures.
type ConsumerEngine struct {
	handler         MessageHandler
	url             string
	descriptor      TopologyDescriptor
	prefetchCount   int
	consumerTag     string
	safeStop        bool
	shutdownTimeout time.Duration
	policy          reliability.RetryPolicy
	dial            Dialer
	logger          *slog.Logger
	metrics         *metrics.Metrics
	onError         func(error)

	topology *TopologyConfigurator
	life     *lifecycle

	queue string // guarded by life.mu through setQueue/Queue
}

// ConsumerOption configures the consumer
type ConsumerOption func(*ConsumerEngine)

// WithExchangeKind declares the exchange with the given kind. Without it the
// exchange is assumed to exist.
func WithExchangeKind(kind string) ConsumerOption {
	return func(c *ConsumerEngine) {
		c.descriptor.Exchange.Kind = kind
	}
}

// WithExchangeOptions sets the flags used when the consumer declares the exchange
func WithExchangeOptions(durable, autoDelete, internal bool) ConsumerOption {
	return func(c *ConsumerEngine) {
		c.descriptor.Exchange.Durable = durable
		c.descriptor.Exchange.AutoDelete = autoDelete
		c.descriptor.Exchange.Internal = internal
	}
}

// WithQueue sets the queue name; empty lets the broker choose one
func WithQueue(name string) ConsumerOption {
	return func(c *ConsumerEngine) {
		c.descriptor.Queue.Name = name
	}
}

// WithBindingKeys binds the queue to the exchange once per key
func WithBindingKeys(keys ...string) ConsumerOption {
	return func(c *ConsumerEngine) {
		c.descriptor.Queue.BindingKeys = keys
	}
}

// WithExclusive sets queue exclusivity. It is forced on for server-named queues.
func WithExclusive(exclusive bool) ConsumerOption {
	return func(c *ConsumerEngine) {
		c.descriptor.Queue.Exclusive = exclusive
	}
}

// WithDurable sets queue durability
func WithDurable(durable bool) ConsumerOption {
	return func(c *ConsumerEngine) {
		c.descriptor.Queue.Durable = durable
	}
}

// WithAutoDelete sets the queue auto-delete flag
func WithAutoDelete(autoDelete bool) ConsumerOption {
	return func(c *ConsumerEngine) {
		c.descriptor.Queue.AutoDelete = autoDelete
	}
}

// WithAckMode sets the acknowledgement mode
func WithAckMode(mode AckMode) ConsumerOption {
	return func(c *ConsumerEngine) {
		c.descriptor.AckMode = mode
	}
}

// WithPrefetchCount sets the prefetch count
func WithPrefetchCount(count int) ConsumerOption {
	return func(c *ConsumerEngine) {
		c.prefetchCount = count
	}
}

// WithConsumerTag sets the consumer tag prefix
func WithConsumerTag(tag string) ConsumerOption {
	return func(c *ConsumerEngine) {
		c.consumerTag = tag
	}
}

// WithConsumerSafeStop installs a SIGTERM/SIGINT handler for the run
func WithConsumerSafeStop(enabled bool) ConsumerOption {
	return func(c *ConsumerEngine) {
		c.safeStop = enabled
	}
}

// WithConsumerShutdownTimeout bounds how long a signal-driven stop may take
func WithConsumerShutdownTimeout(timeout time.Duration) ConsumerOption {
	return func(c *ConsumerEngine) {
		c.shutdownTimeout = timeout
	}
}

// WithConsumerReconnectPolicy sets the reconnect policy
func WithConsumerReconnectPolicy(policy reliability.RetryPolicy) ConsumerOption {
	return func(c *ConsumerEngine) {
		c.policy = policy
	}
}

// WithConsumerDialer replaces the AMQP dialer
func WithConsumerDialer(dial Dialer) ConsumerOption {
	return func(c *ConsumerEngine) {
		c.dial = dial
	}
}

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *ConsumerEngine) {
		c.logger = logger
	}
}

// WithConsumerMetrics records consumer activity
func WithConsumerMetrics(m *metrics.Metrics) ConsumerOption {
	return func(c *ConsumerEngine) {
		c.metrics = m
	}
}

// WithConsumerErrorHandler is called with transport and topology failures
func WithConsumerErrorHandler(fn func(error)) ConsumerOption {
	return func(c *ConsumerEngine) {
		c.onError = fn
	}
}

// NewConsumerEngine creates a consumer for exchange on url. Nothing is
// dialled until Run.
func NewConsumerEngine(handler MessageHandler, url, exchange string, options ...ConsumerOption) (*ConsumerEngine, error) {
	c := &ConsumerEngine{
		handler: handler,
		url:     url,
		descriptor: TopologyDescriptor{
			Exchange: ExchangeDeclaration{
				Name:    exchange,
				Durable: true,
			},
			Queue: &QueueDeclaration{
				Durable: true,
			},
			AckMode: AckManual,
		},
		prefetchCount:   10,
		consumerTag:     "rmqpubsub",
		safeStop:        true,
		shutdownTimeout: 10 * time.Second,
		policy:          reliability.NewExponentialBackoff(time.Second, 30*time.Second, 2.0, 0),
		logger:          slog.Default(),
	}

	for _, opt := range options {
		opt(c)
	}

	if err := c.validate(); err != nil {
		return nil, err
	}

	c.descriptor = c.descriptor.Resolve()
	c.logger = c.logger.With("component", "consumer", "exchange", exchange)
	c.topology = NewTopologyConfigurator(c.logger)
	c.life = newLifecycle(func(s State) { c.metrics.SetState("consumer", float64(s)) })

	return c, nil
}

func (c *ConsumerEngine) validate() error {
	if c.handler == nil {
		return fmt.Errorf("%w: message handler is required", ErrInvalidConfiguration)
	}
	if c.url == "" {
		return fmt.Errorf("%w: broker url is required", ErrInvalidConfiguration)
	}
	if c.prefetchCount < 0 {
		return fmt.Errorf("%w: prefetch count must not be negative", ErrInvalidConfiguration)
	}
	if c.policy == nil {
		return fmt.Errorf("%w: reconnect policy is required", ErrInvalidConfiguration)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c.descriptor.Validate()
}

// Descriptor returns the resolved topology descriptor
func (c *ConsumerEngine) Descriptor() TopologyDescriptor {
	return c.descriptor.Resolve()
}

// State returns the current engine state
func (c *ConsumerEngine) State() State {
	return c.life.get()
}

// Queue returns the queue name resolved by the last successful configuration
func (c *ConsumerEngine) Queue() string {
	c.life.mu.Lock()
	defer c.life.mu.Unlock()
	return c.queue
}

func (c *ConsumerEngine) setQueue(name string) {
	c.life.mu.Lock()
	c.queue = name
	c.life.mu.Unlock()
}

// Done is closed when the current run has stopped
func (c *ConsumerEngine) Done() <-chan struct{} {
	return c.life.doneChan()
}

// Run connects, declares the topology and consumes until Stop is called or
// ctx is cancelled. It returns nil after a requested stop, an error wrapping
// ErrMaxRetriesExceeded when the reconnect policy gives up and the cause
// itself when it is fatal. A Stop issued before the first Run makes that Run
// return nil without connecting.
func (c *ConsumerEngine) Run(ctx context.Context) error {
	stop, done, err := c.life.begin()
	if err != nil {
		return err
	}

	if c.safeStop {
		coordinator := NewShutdownCoordinator(
			WithShutdownTimeout(c.shutdownTimeout),
			WithShutdownLogger(c.logger),
		)
		coordinator.Register(c)
		coordinator.Start()
		defer coordinator.Close()
	}

	err = c.loop(ctx, stop, done)
	c.life.finish(err)
	return err
}

// Stop cancels the subscription, closes channel and connection and waits
// for the engine to reach StateStopped. It is safe to call from any
// goroutine and more than once.
func (c *ConsumerEngine) Stop(ctx context.Context) error {
	done := c.life.requestStop()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// subscription is the live consumer on the current channel
type subscription struct {
	tag    string
	queue  string
	done   chan struct{}
	cancel context.CancelFunc
}

func (c *ConsumerEngine) loop(ctx context.Context, stop <-chan struct{}, done <-chan struct{}) error {
	loopCtx, cancelLoop := context.WithCancel(context.Background())
	defer cancelLoop()

	s := newSession("consumer", c.url, done)
	s.dial = c.dial
	s.logger = c.logger
	s.metrics = c.metrics
	s.topology = c.topology
	s.policy = c.policy

	var sub *subscription
	var retry <-chan time.Time

	select {
	case <-stop:
		c.logger.Info("consumer stopped before it started")
		return nil
	default:
	}

	c.life.set(StateConnecting)
	s.connect(loopCtx)

	// fail moves to Reconnecting, or ends the run when the policy gives up
	fail := func(cause error) error {
		if c.onError != nil {
			c.onError(cause)
		}
		c.endSubscription(s, sub)
		sub = nil
		s.teardown()

		var err error
		retry, err = s.scheduleRetry(cause)
		if err != nil {
			c.logger.Error("giving up reconnecting", "error", err)
			return err
		}
		c.life.set(StateReconnecting)
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return c.shutdown(s, sub, nil)

		case <-stop:
			return c.shutdown(s, sub, nil)

		case <-retry:
			retry = nil
			c.life.set(StateConnecting)
			s.connect(loopCtx)

		case ev := <-s.events:
			if !s.current(ev) {
				s.discard(ev)
				continue
			}

			var err error
			switch ev.kind {
			case evOpened:
				s.opened(ev.conn)
				c.life.set(StateConfiguringTopology)
				s.configure(c.descriptor)

			case evTopologyReady:
				s.ch = ev.topo.Channel
				sub, err = c.subscribe(loopCtx, s, ev.topo.Queue)
				if err != nil {
					err = fail(err)
					break
				}
				s.established()
				c.setQueue(ev.topo.Queue)
				c.life.set(StateConsuming)

			case evOpenFailed:
				s.metrics.RecordConnectionAttempt("consumer", ev.err)
				err = fail(ev.err)

			case evTopologyFailed:
				var topoErr *TopologyError
				if errors.As(ev.err, &topoErr) {
					s.metrics.RecordTopologyFailure(topoErr.Step.String())
				}
				err = fail(ev.err)

			case evClosed, evDeliveriesDone:
				err = fail(ev.err)
			}

			if err != nil {
				c.endSubscription(s, sub)
				s.teardown()
				s.stopTimer()
				return err
			}
		}
	}
}

// subscribe sets QoS and starts the delivery worker on the configured channel
func (c *ConsumerEngine) subscribe(ctx context.Context, s *session, queue string) (*subscription, error) {
	autoAck := c.descriptor.AckMode == AckNone
	tag := fmt.Sprintf("%s-%s", c.consumerTag, uuid.New().String())

	if c.prefetchCount > 0 && !autoAck {
		if err := s.ch.Qos(c.prefetchCount, 0, false); err != nil {
			return nil, &ConsumerError{Queue: queue, ConsumerTag: tag, Op: "qos", Err: err, Timestamp: time.Now()}
		}
	}

	deliveries, err := s.ch.Consume(
		queue,
		tag,
		autoAck,
		false, // exclusive consumer
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return nil, &ConsumerError{Queue: queue, ConsumerTag: tag, Op: "consume", Err: err, Timestamp: time.Now()}
	}

	workerCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{
		tag:    tag,
		queue:  queue,
		done:   make(chan struct{}),
		cancel: cancel,
	}

	go c.processMessages(workerCtx, s, s.gen, sub, deliveries)

	c.logger.Info("subscribed to queue",
		"queue", queue,
		"consumerTag", tag,
		"prefetchCount", c.prefetchCount,
		"autoAck", autoAck,
	)
	return sub, nil
}

// processMessages handles deliveries one at a time in broker order. It ends
// when the broker closes the delivery stream.
func (c *ConsumerEngine) processMessages(ctx context.Context, s *session, gen uint64, sub *subscription, deliveries <-chan amqp.Delivery) {
	for delivery := range deliveries {
		c.handleMessage(ctx, sub, delivery)
	}
	close(sub.done)

	c.logger.Info("delivery stream ended", "queue", sub.queue)
	s.post(event{kind: evDeliveriesDone, gen: gen, err: &ConsumerError{
		Queue:       sub.queue,
		ConsumerTag: sub.tag,
		Op:          "consume",
		Err:         ErrDeliveriesEnded,
		Timestamp:   time.Now(),
	}})
}

// handleMessage processes a single message
func (c *ConsumerEngine) handleMessage(ctx context.Context, sub *subscription, delivery amqp.Delivery) {
	start := time.Now()
	err := c.invoke(ctx, delivery)

	if c.descriptor.AckMode == AckNone {
		c.metrics.RecordDelivery("auto", time.Since(start).Seconds())
		return
	}

	if err != nil {
		c.logger.Error("failed to handle message",
			"error", err,
			"queue", sub.queue,
			"deliveryTag", delivery.DeliveryTag,
		)
		if nackErr := delivery.Nack(false, true); nackErr != nil {
			c.logger.Error("failed to nack message",
				"error", nackErr,
				"originalError", err,
			)
		}
		c.metrics.RecordDelivery("requeued", time.Since(start).Seconds())
		return
	}

	if ackErr := delivery.Ack(false); ackErr != nil {
		c.logger.Error("failed to ack message", "error", ackErr)
	}
	c.metrics.RecordDelivery("acked", time.Since(start).Seconds())
}

// invoke runs the handler, turning a panic into an error
func (c *ConsumerEngine) invoke(ctx context.Context, delivery amqp.Delivery) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in message handler: %v", r)
		}
	}()
	return c.handler(ctx, delivery)
}

// endSubscription cancels the consumer and waits for the in-progress
// delivery, bounded by the shutdown timeout.
func (c *ConsumerEngine) endSubscription(s *session, sub *subscription) {
	if sub == nil {
		return
	}

	if s.ch != nil && !s.ch.IsClosed() {
		if err := s.ch.Cancel(sub.tag, false); err != nil {
			c.logger.Warn("failed to cancel consumer", "consumerTag", sub.tag, "error", err)
		}
	}

	select {
	case <-sub.done:
	case <-time.After(c.shutdownTimeout):
		c.logger.Warn("timed out waiting for message handler", "queue", sub.queue)
	}
	sub.cancel()
}

func (c *ConsumerEngine) shutdown(s *session, sub *subscription, cause error) error {
	c.life.set(StateStopping)
	c.logger.Info("stopping consumer")

	s.stopTimer()
	c.endSubscription(s, sub)
	s.teardown()

	c.logger.Info("consumer stopped")
	return cause
}
