package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/rmqpubsub/internal/metrics"
	"github.com/glimte/rmqpubsub/internal/reliability"
)

// NackCallback receives every message whose delivery was not confirmed: a
// broker nack, a connection lost before the confirm, or a publisher stopped
// before the message could be sent. err is a *PublishError.
type NackCallback func(msg InFlightPublish, err error)

type publishRequest struct {
	body       []byte
	routingKey string
	enqueuedAt time.Time
}

// PublisherEngine publishes to one exchange and tracks publisher confirms
// across reconnects.
type PublisherEngine struct {
	url                  string
	descriptor           TopologyDescriptor
	confirm              bool
	onNack               NackCallback
	safeStop             bool
	shutdownTimeout      time.Duration
	flushTimeout         time.Duration
	reconnectDelay       time.Duration
	maxReconnectAttempts int
	policy               reliability.RetryPolicy
	maxQueued            int
	failFast             bool
	pool                 *ConnectionPool
	dial                 Dialer
	logger               *slog.Logger
	metrics              *metrics.Metrics
	onError              func(error)

	topology *TopologyConfigurator
	life     *lifecycle
	requests chan publishRequest
	inFlight atomic.Int64

	sendMu sync.RWMutex
	closed bool
}

// PublisherOption configures the publisher
type PublisherOption func(*PublisherEngine)

// WithExchangeType sets the exchange kind; empty skips the declaration
func WithExchangeType(kind string) PublisherOption {
	return func(p *PublisherEngine) {
		p.descriptor.Exchange.Kind = kind
	}
}

// WithExchangeDurable sets the exchange durable flag
func WithExchangeDurable(durable bool) PublisherOption {
	return func(p *PublisherEngine) {
		p.descriptor.Exchange.Durable = durable
	}
}

// WithExchangeAutoDelete sets the exchange auto-delete flag
func WithExchangeAutoDelete(autoDelete bool) PublisherOption {
	return func(p *PublisherEngine) {
		p.descriptor.Exchange.AutoDelete = autoDelete
	}
}

// WithExchangeInternal sets the exchange internal flag
func WithExchangeInternal(internal bool) PublisherOption {
	return func(p *PublisherEngine) {
		p.descriptor.Exchange.Internal = internal
	}
}

// WithConfirmMode enables/disables publisher confirms
func WithConfirmMode(enabled bool) PublisherOption {
	return func(p *PublisherEngine) {
		p.confirm = enabled
	}
}

// WithNackCallback sets the callback for unconfirmed messages
func WithNackCallback(fn NackCallback) PublisherOption {
	return func(p *PublisherEngine) {
		p.onNack = fn
	}
}

// WithPublisherSafeStop installs a SIGTERM/SIGINT handler
func WithPublisherSafeStop(enabled bool) PublisherOption {
	return func(p *PublisherEngine) {
		p.safeStop = enabled
	}
}

// WithPublisherShutdownTimeout bounds how long a signal-driven stop may take
func WithPublisherShutdownTimeout(timeout time.Duration) PublisherOption {
	return func(p *PublisherEngine) {
		p.shutdownTimeout = timeout
	}
}

// WithFlushTimeout bounds how long Stop waits for outstanding confirms
func WithFlushTimeout(timeout time.Duration) PublisherOption {
	return func(p *PublisherEngine) {
		p.flushTimeout = timeout
	}
}

// WithReconnectDelay sets the fixed delay between reconnection attempts
func WithReconnectDelay(delay time.Duration) PublisherOption {
	return func(p *PublisherEngine) {
		p.reconnectDelay = delay
	}
}

// WithMaxReconnectAttempts caps consecutive reconnection attempts; 0 retries forever
func WithMaxReconnectAttempts(attempts int) PublisherOption {
	return func(p *PublisherEngine) {
		p.maxReconnectAttempts = attempts
	}
}

// WithPublisherReconnectPolicy replaces the fixed-delay reconnect policy
func WithPublisherReconnectPolicy(policy reliability.RetryPolicy) PublisherOption {
	return func(p *PublisherEngine) {
		p.policy = policy
	}
}

// WithMaxQueued bounds the messages buffered while the publisher is not ready
func WithMaxQueued(n int) PublisherOption {
	return func(p *PublisherEngine) {
		p.maxQueued = n
	}
}

// WithFailFast rejects publishes with ErrNotReady instead of queueing them
func WithFailFast(enabled bool) PublisherOption {
	return func(p *PublisherEngine) {
		p.failFast = enabled
	}
}

// WithConnectionPool reuses idle connections from pool
func WithConnectionPool(pool *ConnectionPool) PublisherOption {
	return func(p *PublisherEngine) {
		p.pool = pool
	}
}

// WithPublisherDialer replaces the AMQP dialer
func WithPublisherDialer(dial Dialer) PublisherOption {
	return func(p *PublisherEngine) {
		p.dial = dial
	}
}

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *PublisherEngine) {
		p.logger = logger
	}
}

// WithPublisherMetrics records publisher activity
func WithPublisherMetrics(m *metrics.Metrics) PublisherOption {
	return func(p *PublisherEngine) {
		p.metrics = m
	}
}

// WithPublisherErrorHandler is called with transport and topology failures
func WithPublisherErrorHandler(fn func(error)) PublisherOption {
	return func(p *PublisherEngine) {
		p.onError = fn
	}
}

// NewPublisherEngine validates the options and starts connecting in the
// background. Publish may be called right away.
func NewPublisherEngine(url, exchange string, options ...PublisherOption) (*PublisherEngine, error) {
	p := &PublisherEngine{
		url: url,
		descriptor: TopologyDescriptor{
			Exchange: ExchangeDeclaration{
				Name:    exchange,
				Kind:    amqp.ExchangeTopic,
				Durable: true,
			},
		},
		confirm:         true,
		safeStop:        true,
		shutdownTimeout: 10 * time.Second,
		flushTimeout:    5 * time.Second,
		reconnectDelay:  5 * time.Second,
		maxQueued:       1000,
		logger:          slog.Default(),
	}

	for _, opt := range options {
		opt(p)
	}

	if err := p.validate(); err != nil {
		return nil, err
	}
	if p.policy == nil {
		p.policy = reliability.NewFixedDelay(p.reconnectDelay, p.maxReconnectAttempts)
	}

	p.logger = p.logger.With("component", "publisher", "exchange", exchange)
	p.topology = NewTopologyConfigurator(p.logger)
	p.requests = make(chan publishRequest, p.maxQueued)
	p.life = newLifecycle(func(s State) { p.metrics.SetState("publisher", float64(s)) })

	stop, done, err := p.life.begin()
	if err != nil {
		return nil, err
	}

	if p.safeStop {
		coordinator := NewShutdownCoordinator(
			WithShutdownTimeout(p.shutdownTimeout),
			WithShutdownLogger(p.logger),
		)
		coordinator.Register(p)
		coordinator.Start()
		go func() {
			<-done
			coordinator.Close()
		}()
	}

	go func() {
		err := p.loop(stop, done)
		p.life.finish(err)
	}()

	return p, nil
}

func (p *PublisherEngine) validate() error {
	if p.url == "" {
		return fmt.Errorf("%w: broker url is required", ErrInvalidConfiguration)
	}
	if p.reconnectDelay < 0 {
		return fmt.Errorf("%w: reconnect delay must not be negative", ErrInvalidConfiguration)
	}
	if p.maxQueued < 1 {
		return fmt.Errorf("%w: max queued must be at least 1", ErrInvalidConfiguration)
	}
	if p.flushTimeout < 0 {
		return fmt.Errorf("%w: flush timeout must not be negative", ErrInvalidConfiguration)
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	return p.descriptor.Validate()
}

// State returns the current engine state
func (p *PublisherEngine) State() State {
	return p.life.get()
}

// InFlight returns the number of sent messages awaiting confirmation
func (p *PublisherEngine) InFlight() int {
	return int(p.inFlight.Load())
}

// Done is closed once the publisher has stopped
func (p *PublisherEngine) Done() <-chan struct{} {
	return p.life.doneChan()
}

// Err returns why the publisher stopped on its own, nil after Stop
func (p *PublisherEngine) Err() error {
	return p.life.lastErr()
}

// Publish hands a message to the publisher and returns without waiting for
// the broker. While the publisher is not ready messages are queued up to the
// configured bound; the outcome of every accepted message is reported through
// the nack callback unless the broker confirms it.
func (p *PublisherEngine) Publish(ctx context.Context, body []byte, routingKey string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p.sendMu.RLock()
	defer p.sendMu.RUnlock()

	if p.closed {
		return ErrPublisherClosed
	}
	if p.failFast && p.life.get() != StateReady {
		return ErrNotReady
	}

	req := publishRequest{
		body:       append([]byte(nil), body...),
		routingKey: routingKey,
		enqueuedAt: time.Now(),
	}

	select {
	case p.requests <- req:
		return nil
	default:
		return ErrPublishQueueFull
	}
}

// Stop flushes queued messages, waits for outstanding confirms up to the
// flush timeout, closes the channel and returns the connection to the pool
// (or closes it). Safe to call from any goroutine and more than once.
func (p *PublisherEngine) Stop(ctx context.Context) error {
	done := p.life.requestStop()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// closeGate refuses further publishes and returns what is still queued
func (p *PublisherEngine) closeGate() []publishRequest {
	p.sendMu.Lock()
	defer p.sendMu.Unlock()

	p.closed = true
	var left []publishRequest
	for {
		select {
		case req := <-p.requests:
			left = append(left, req)
		default:
			return left
		}
	}
}

// publisherRun is the loop-owned state of the publisher
type publisherRun struct {
	p          *PublisherEngine
	ctx        context.Context
	s          *session
	tracker    confirmTracker
	deferred   []publishRequest
	requests   <-chan publishRequest
	confirms   chan Confirmation
	chanClosed chan *amqp.Error
	retry      <-chan time.Time
	flush      *time.Timer
	stopping   bool
}

func (p *PublisherEngine) loop(stop <-chan struct{}, done <-chan struct{}) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := newSession("publisher", p.url, done)
	s.dial = p.dial
	s.pool = p.pool
	s.logger = p.logger
	s.metrics = p.metrics
	s.topology = p.topology
	s.policy = p.policy

	r := &publisherRun{p: p, ctx: ctx, s: s}

	p.life.set(StateConnecting)
	s.connect(ctx)

	for {
		var flush <-chan time.Time
		if r.flush != nil {
			flush = r.flush.C
		}

		select {
		case <-stop:
			stop = nil
			if r.beginStop() {
				return r.finish(nil)
			}

		case req := <-r.requests:
			r.send(req)

		case conf, ok := <-r.confirms:
			if !ok {
				r.confirms = nil
				continue
			}
			r.handleConfirm(conf)
			if r.stopping && r.tracker.Len() == 0 {
				return r.finish(nil)
			}

		case amqpErr, ok := <-r.chanClosed:
			r.chanClosed = nil
			var cause error = ErrChannelClosed
			if ok && amqpErr != nil {
				cause = amqpErr
			}
			if err := r.lost(cause); err != nil || r.stopping {
				return r.finish(err)
			}

		case <-flush:
			p.logger.Warn("flush timeout reached",
				"inFlight", r.tracker.Len(), "queued", len(r.deferred))
			return r.finish(nil)

		case <-r.retry:
			r.retry = nil
			r.advance(StateConnecting)
			s.connect(ctx)

		case ev := <-s.events:
			if !s.current(ev) {
				s.discard(ev)
				continue
			}

			var err error
			switch ev.kind {
			case evOpened:
				s.opened(ev.conn)
				r.advance(StateConfiguringTopology)
				s.configure(p.descriptor)

			case evTopologyReady:
				err = r.ready(ev.topo)

			case evOpenFailed:
				s.metrics.RecordConnectionAttempt("publisher", ev.err)
				err = r.lost(ev.err)

			case evTopologyFailed:
				var topoErr *TopologyError
				if errors.As(ev.err, &topoErr) {
					s.metrics.RecordTopologyFailure(topoErr.Step.String())
				}
				err = r.lost(ev.err)

			case evClosed:
				err = r.lost(ev.err)
			}

			if err != nil || r.stopping && !r.waiting(ev.kind) {
				return r.finish(err)
			}
		}
	}
}

// advance moves to s unless the publisher is already stopping
func (r *publisherRun) advance(s State) {
	if !r.stopping {
		r.p.life.set(s)
	}
}

// waiting reports whether a stopping publisher still has a reason to keep
// running after an event: an attempt that may yet flush the queue, or
// outstanding confirms.
func (r *publisherRun) waiting(kind eventKind) bool {
	if r.s.ch == nil {
		return kind == evOpened
	}
	return r.p.confirm && r.tracker.Len() > 0
}

// beginStop enters Stopping and reports whether the run can finish at once.
// A ready publisher first sends what is queued and waits for confirms. One
// that is still connecting with messages queued keeps its current attempt
// (or scheduled retry) going until the flush timeout so they can be sent.
func (r *publisherRun) beginStop() bool {
	p := r.p
	wasReady := p.life.get() == StateReady
	r.stopping = true
	p.life.set(StateStopping)

	pending := append(r.deferred, p.closeGate()...)
	r.deferred = nil
	r.requests = nil
	p.logger.Info("stopping publisher", "inFlight", r.tracker.Len(), "queued", len(pending))

	if !wasReady {
		if len(pending) == 0 {
			return true
		}
		r.deferred = pending
		r.flush = time.NewTimer(p.flushTimeout)
		return false
	}

	for _, req := range pending {
		r.send(req)
	}

	if !p.confirm || r.tracker.Len() == 0 {
		return true
	}
	r.flush = time.NewTimer(p.flushTimeout)
	return false
}

// ready finishes channel setup, enables confirms and flushes what was queued
func (r *publisherRun) ready(topo *Topology) error {
	p, s := r.p, r.s
	ch := topo.Channel

	if p.confirm {
		if err := ch.Confirm(false); err != nil {
			ch.Close()
			return r.lost(&ConnectionError{
				Op:        "confirm select",
				URL:       SanitizeURL(p.url),
				Err:       err,
				Timestamp: time.Now(),
			})
		}
		r.confirms = ch.NotifyConfirm(make(chan Confirmation, p.maxQueued))
	}
	r.chanClosed = ch.NotifyClose(make(chan *amqp.Error, 1))

	s.ch = ch
	s.established()
	r.tracker.Reset()
	if !r.stopping {
		r.requests = p.requests
	}
	r.advance(StateReady)
	p.logger.Info("publisher ready", "confirm", p.confirm, "queued", len(p.requests)+len(r.deferred))

	pending := r.deferred
	r.deferred = nil
	for _, req := range pending {
		r.send(req)
	}
	return nil
}

// send publishes one message on the current channel. A message that could not
// be written is kept for the next channel; it was never seen by the broker.
func (r *publisherRun) send(req publishRequest) {
	p, s := r.p, r.s
	if s.ch == nil || r.requests == nil && !r.stopping {
		r.deferred = append(r.deferred, req)
		return
	}

	var seq uint64
	if p.confirm {
		seq = r.tracker.Track(req.body, req.routingKey, req.enqueuedAt).Sequence
	}

	err := s.ch.PublishWithContext(
		r.ctx,
		p.descriptor.Exchange.Name,
		req.routingKey,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			DeliveryMode: amqp.Persistent,
			Timestamp:    req.enqueuedAt,
			Body:         req.body,
		},
	)
	if err != nil {
		r.tracker.Untrack(seq)
		r.deferred = append(r.deferred, req)
		r.requests = nil
		p.logger.Warn("publish failed, keeping message for the next channel",
			"routingKey", req.routingKey, "error", err)
		return
	}

	p.metrics.IncPublished()
	r.updateInFlight()
	p.logger.Debug("published message", "sequence", seq, "routingKey", req.routingKey)
}

func (r *publisherRun) handleConfirm(conf Confirmation) {
	p := r.p
	resolved := r.tracker.Resolve(conf.DeliveryTag, conf.Multiple)
	for _, msg := range resolved {
		p.metrics.RecordConfirmation(conf.Ack)
		if conf.Ack {
			p.logger.Debug("message confirmed", "sequence", msg.Sequence)
			continue
		}
		p.fail(msg, ErrPublishNacked)
	}
	r.updateInFlight()
}

// drainConfirms applies confirmations that already arrived
func (r *publisherRun) drainConfirms() {
	for r.confirms != nil {
		select {
		case conf, ok := <-r.confirms:
			if !ok {
				r.confirms = nil
				return
			}
			r.handleConfirm(conf)
		default:
			return
		}
	}
}

// closeChannel stops reading from the current channel's notifications
func (r *publisherRun) closeChannel() {
	if r.confirms != nil {
		go func(confirms chan Confirmation) {
			for range confirms {
			}
		}(r.confirms)
	}
	r.confirms = nil
	r.chanClosed = nil
	r.requests = nil
}

// lost handles any failure of the current attempt. In-flight messages are
// failed, never resent, since the broker may or may not have taken them.
func (r *publisherRun) lost(cause error) error {
	p, s := r.p, r.s

	r.drainConfirms()
	r.closeChannel()

	if p.onError != nil {
		p.onError(cause)
	}

	for _, msg := range r.tracker.Drain() {
		p.fail(msg, ErrPublishUnknown)
	}
	r.updateInFlight()
	s.teardown()

	if r.stopping {
		return nil
	}

	var err error
	r.retry, err = s.scheduleRetry(cause)
	if err != nil {
		p.logger.Error("giving up reconnecting", "error", err)
		return err
	}
	p.life.set(StateReconnecting)
	return nil
}

// finish fails whatever is left, closes the channel and releases the
// connection. The returned error ends the run.
func (r *publisherRun) finish(cause error) error {
	p, s := r.p, r.s
	if r.flush != nil {
		r.flush.Stop()
	}
	s.stopTimer()
	p.life.set(StateStopping)

	r.drainConfirms()
	r.closeChannel()

	reason := ErrPublisherClosed
	if cause != nil {
		reason = cause
	}
	for _, req := range append(r.deferred, p.closeGate()...) {
		p.fail(InFlightPublish{Body: req.body, RoutingKey: req.routingKey, EnqueuedAt: req.enqueuedAt}, reason)
	}
	r.deferred = nil
	for _, msg := range r.tracker.Drain() {
		p.fail(msg, ErrPublishUnknown)
	}
	r.updateInFlight()

	s.teardown()
	p.logger.Info("publisher stopped")
	return cause
}

func (r *publisherRun) updateInFlight() {
	n := r.tracker.Len()
	r.p.inFlight.Store(int64(n))
	r.p.metrics.SetInFlight(n)
}

// fail reports an unconfirmed message to the nack callback
func (p *PublisherEngine) fail(msg InFlightPublish, cause error) {
	p.metrics.RecordPublishFailure(failureReason(cause))
	p.logger.Error("message not confirmed",
		"sequence", msg.Sequence,
		"routingKey", msg.RoutingKey,
		"error", cause,
	)

	if p.onNack == nil {
		return
	}

	err := &PublishError{
		Exchange:   p.descriptor.Exchange.Name,
		RoutingKey: msg.RoutingKey,
		Sequence:   msg.Sequence,
		Err:        cause,
		Timestamp:  time.Now(),
	}

	defer func() {
		if rec := recover(); rec != nil {
			p.logger.Error("panic in nack callback", "panic", rec)
		}
	}()
	p.onNack(msg, err)
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, ErrPublishNacked):
		return "nacked"
	case errors.Is(err, ErrPublishUnknown):
		return "connection_lost"
	case errors.Is(err, ErrPublisherClosed):
		return "closed"
	}
	return "error"
}
