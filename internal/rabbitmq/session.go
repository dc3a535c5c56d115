package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/rmqpubsub/internal/metrics"
	"github.com/glimte/rmqpubsub/internal/reliability"
)

type eventKind int

const (
	evOpened eventKind = iota
	evOpenFailed
	evClosed
	evTopologyReady
	evTopologyFailed
	evDeliveriesDone
)

// event is an asynchronous result handed to an engine's loop. gen ties it to
// the connection attempt that produced it.
type event struct {
	kind   eventKind
	gen    uint64
	conn   *TransportConnection
	topo   *Topology
	reason CloseReason
	err    error
}

// session drives the connection attempts of one engine run. All fields are
// owned by the engine's loop goroutine.
type session struct {
	engine   string
	url      string
	dial     Dialer
	pool     *ConnectionPool
	logger   *slog.Logger
	metrics  *metrics.Metrics
	topology *TopologyConfigurator

	events chan event
	quit   <-chan struct{}

	gen        uint64
	attemptCtx context.Context
	cancel     context.CancelFunc
	conn       *TransportConnection
	ch         Channel

	policy  reliability.RetryPolicy
	attempt int
	timer   *time.Timer
}

func newSession(engine, url string, quit <-chan struct{}) *session {
	return &session{
		engine: engine,
		url:    url,
		events: make(chan event),
		quit:   quit,
	}
}

// post delivers ev to the loop. Once the run is over, resources carried by
// the event are released instead.
func (s *session) post(ev event) {
	select {
	case <-s.quit:
		s.discard(ev)
		return
	default:
	}

	select {
	case s.events <- ev:
	case <-s.quit:
		s.discard(ev)
	}
}

// discard releases whatever a stale event carries
func (s *session) discard(ev event) {
	switch ev.kind {
	case evOpened:
		s.release(ev.conn)
	case evTopologyReady:
		if ev.topo != nil && ev.topo.Channel != nil {
			ev.topo.Channel.Close()
		}
	}
}

func (s *session) current(ev event) bool {
	return ev.gen == s.gen
}

// connect starts a new connection attempt; pooled connections are reused
func (s *session) connect(ctx context.Context) {
	s.gen++
	gen := s.gen
	s.attemptCtx, s.cancel = context.WithCancel(ctx)

	handlers := ConnectionHandlers{
		OnOpen: func(tc *TransportConnection) {
			s.post(event{kind: evOpened, gen: gen, conn: tc})
		},
		OnError: func(tc *TransportConnection, err error) {
			s.post(event{kind: evOpenFailed, gen: gen, conn: tc, err: err})
		},
		OnClose: func(tc *TransportConnection, reason CloseReason, err error) {
			if err == nil {
				err = ErrConnectionClosed
			}
			s.post(event{kind: evClosed, gen: gen, conn: tc, reason: reason, err: err})
		},
	}

	if s.pool != nil {
		s.pool.Acquire(s.attemptCtx, s.url, handlers)
		return
	}
	NewTransportConnection(s.url, s.dial, s.logger).Open(s.attemptCtx, handlers)
}

// opened records the connection of the current attempt
func (s *session) opened(tc *TransportConnection) {
	s.conn = tc
	s.metrics.RecordConnectionAttempt(s.engine, nil)
}

// configure declares the topology on the current connection in the background
func (s *session) configure(d TopologyDescriptor) {
	gen, conn, ctx := s.gen, s.conn, s.attemptCtx
	go func() {
		topo, err := s.topology.Configure(ctx, conn, d)
		if err != nil {
			s.post(event{kind: evTopologyFailed, gen: gen, err: err})
			return
		}
		s.post(event{kind: evTopologyReady, gen: gen, topo: topo})
	}()
}

// teardown abandons the current attempt: pending events for it become stale,
// the channel is closed and the connection is released or closed.
func (s *session) teardown() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.gen++

	if s.ch != nil {
		if err := s.ch.Close(); err != nil && !s.ch.IsClosed() {
			s.logger.Warn("failed to close channel", "error", err)
		}
		s.ch = nil
	}
	if s.conn != nil {
		s.release(s.conn)
		s.conn = nil
	}
}

func (s *session) release(tc *TransportConnection) {
	if tc == nil {
		return
	}
	if s.pool != nil {
		s.pool.Release(tc)
		return
	}
	if err := tc.Close(); err != nil {
		s.logger.Warn("failed to close connection", "error", err)
	}
}

// scheduleRetry consults the reconnect policy. It returns the timer channel to
// wait on, or an error when the policy gives up. Fatal causes are returned
// as they are.
func (s *session) scheduleRetry(cause error) (<-chan time.Time, error) {
	if IsFatal(cause) {
		return nil, cause
	}
	retry, delay := s.policy.ShouldRetry(s.attempt, cause)
	s.attempt++
	if !retry {
		return nil, &ConnectionError{
			Op:        "reconnect",
			URL:       SanitizeURL(s.url),
			Err:       fmt.Errorf("%w: %v", ErrMaxRetriesExceeded, cause),
			Timestamp: time.Now(),
			Attempts:  s.attempt,
		}
	}

	s.metrics.IncReconnect(s.engine)
	s.logger.Warn("reconnecting",
		"url", SanitizeURL(s.url),
		"attempt", s.attempt,
		"delay", delay,
		"failure", failureKind(cause),
		"error", cause)

	s.stopTimer()
	s.timer = time.NewTimer(delay)
	return s.timer.C, nil
}

func (s *session) stopTimer() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// established resets the retry budget after a fully configured connection
func (s *session) established() {
	s.attempt = 0
}

func failureKind(err error) string {
	switch {
	case IsTopologyFailure(err):
		return "topology"
	case IsTransportFailure(err):
		return "transport"
	default:
		return "channel"
	}
}
