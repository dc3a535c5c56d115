package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ConnState is the lifecycle state of a TransportConnection
type ConnState int

const (
	ConnIdle ConnState = iota
	ConnConnecting
	ConnOpen
	ConnClosing
	ConnClosed
	ConnFailed
)

func (s ConnState) String() string {
	switch s {
	case ConnIdle:
		return "idle"
	case ConnConnecting:
		return "connecting"
	case ConnOpen:
		return "open"
	case ConnClosing:
		return "closing"
	case ConnClosed:
		return "closed"
	case ConnFailed:
		return "failed"
	}
	return "unknown"
}

// CloseReason tells a close requested by the owner apart from a lost connection
type CloseReason int

const (
	CloseRequested CloseReason = iota
	CloseLost
)

func (r CloseReason) String() string {
	if r == CloseRequested {
		return "requested"
	}
	return "lost"
}

// ConnectionHandlers receive the asynchronous transitions of a
// TransportConnection. For one Open call exactly one of OnOpen or OnError
// fires; OnClose fires once after an open connection goes away.
type ConnectionHandlers struct {
	OnOpen  func(tc *TransportConnection)
	OnClose func(tc *TransportConnection, reason CloseReason, err error)
	OnError func(tc *TransportConnection, err error)
}

// TransportConnection owns one physical connection to the broker
type TransportConnection struct {
	id          string
	url         string
	dial        Dialer
	logger      *slog.Logger
	dialTimeout time.Duration

	mu       sync.Mutex
	state    ConnState
	conn     Connection
	closing  bool
	handlers ConnectionHandlers
	closed   chan struct{}
	once     sync.Once
}

// NewTransportConnection creates an unopened connection handle for url
func NewTransportConnection(url string, dial Dialer, logger *slog.Logger) *TransportConnection {
	if dial == nil {
		dial = NewAMQPDialer(DialConfig{})
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TransportConnection{
		id:          uuid.New().String(),
		url:         url,
		dial:        dial,
		logger:      logger,
		dialTimeout: 30 * time.Second,
		closed:      make(chan struct{}),
	}
}

// ID returns the handle identifier
func (tc *TransportConnection) ID() string {
	return tc.id
}

// URL returns the broker URL the handle connects to
func (tc *TransportConnection) URL() string {
	return tc.url
}

// State returns the current connection state
func (tc *TransportConnection) State() ConnState {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return tc.state
}

// Attach replaces the transition handlers. Pooled handles are re-attached to
// whichever engine checks them out.
func (tc *TransportConnection) Attach(h ConnectionHandlers) {
	tc.mu.Lock()
	tc.handlers = h
	tc.mu.Unlock()
}

// Open starts an asynchronous connection attempt. Cancelling ctx abandons the
// attempt; a connection that completes afterwards is closed immediately.
func (tc *TransportConnection) Open(ctx context.Context, h ConnectionHandlers) {
	tc.mu.Lock()
	tc.handlers = h
	tc.state = ConnConnecting
	tc.closing = false
	tc.mu.Unlock()

	tc.logger.Info("connecting to RabbitMQ", "url", SanitizeURL(tc.url), "connection", tc.id)

	go tc.connect(ctx)
}

func (tc *TransportConnection) connect(ctx context.Context) {
	connCtx, cancel := context.WithTimeout(ctx, tc.dialTimeout)
	defer cancel()

	connChan := make(chan Connection, 1)
	errChan := make(chan error, 1)

	go func() {
		conn, err := tc.dial(connCtx, tc.url)
		if err != nil {
			errChan <- err
			return
		}
		// Nobody may be waiting any more; the connection must not leak.
		if connCtx.Err() != nil {
			conn.Close()
			errChan <- connCtx.Err()
			return
		}
		connChan <- conn
	}()

	select {
	case conn := <-connChan:
		tc.opened(conn)

	case err := <-errChan:
		switch {
		case ctx.Err() != nil:
			err = fmt.Errorf("%w: %w", ErrOperationCancelled, ctx.Err())
		case connCtx.Err() == context.DeadlineExceeded:
			err = fmt.Errorf("%w: %v", ErrConnectionTimeout, err)
		}
		tc.failed(&ConnectionError{
			Op:        "connect",
			URL:       SanitizeURL(tc.url),
			Err:       err,
			Timestamp: time.Now(),
			Attempts:  1,
		})

	case <-connCtx.Done():
		go func() {
			select {
			case conn := <-connChan:
				conn.Close()
			case <-errChan:
			}
		}()
		err := ErrConnectionTimeout
		if ctx.Err() != nil {
			err = fmt.Errorf("%w: %w", ErrOperationCancelled, ctx.Err())
		}
		tc.failed(&ConnectionError{
			Op:        "connect",
			URL:       SanitizeURL(tc.url),
			Err:       err,
			Timestamp: time.Now(),
			Attempts:  1,
		})
	}
}

func (tc *TransportConnection) opened(conn Connection) {
	notifyClose := conn.NotifyClose(make(chan *amqp.Error, 1))

	tc.mu.Lock()
	tc.conn = conn
	tc.state = ConnOpen
	h := tc.handlers
	tc.mu.Unlock()

	tc.logger.Info("connected to RabbitMQ", "url", SanitizeURL(tc.url), "connection", tc.id)

	go tc.watch(notifyClose)

	if h.OnOpen != nil {
		h.OnOpen(tc)
	}
}

func (tc *TransportConnection) failed(err error) {
	tc.mu.Lock()
	tc.state = ConnFailed
	h := tc.handlers
	tc.mu.Unlock()

	tc.logger.Error("connection attempt failed", "url", SanitizeURL(tc.url), "error", err)

	if h.OnError != nil {
		h.OnError(tc, err)
	}
}

// watch routes every close of an open connection through OnClose. Callers
// must look at the reason, not the timing, to tell the paths apart.
func (tc *TransportConnection) watch(notifyClose chan *amqp.Error) {
	amqpErr, ok := <-notifyClose

	tc.mu.Lock()
	requested := tc.closing
	if requested {
		tc.state = ConnClosed
	} else {
		tc.state = ConnFailed
	}
	h := tc.handlers
	tc.mu.Unlock()
	tc.once.Do(func() { close(tc.closed) })

	reason := CloseRequested
	var err error
	if !requested {
		reason = CloseLost
		err = ErrConnectionClosed
		if ok && amqpErr != nil {
			err = amqpErr
		}
		tc.logger.Warn("connection lost", "url", SanitizeURL(tc.url), "error", err)
	} else {
		tc.logger.Info("connection closed", "url", SanitizeURL(tc.url))
	}

	if h.OnClose != nil {
		h.OnClose(tc, reason, err)
	}
}

// Channel opens a new channel on the open connection
func (tc *TransportConnection) Channel() (Channel, error) {
	tc.mu.Lock()
	conn, state := tc.conn, tc.state
	tc.mu.Unlock()

	if state != ConnOpen || conn == nil {
		return nil, ErrConnectionNotReady
	}
	return conn.Channel()
}

// Close requests a graceful close. OnClose fires with CloseRequested once the
// broker confirms.
func (tc *TransportConnection) Close() error {
	tc.mu.Lock()
	if tc.state != ConnOpen || tc.conn == nil {
		tc.mu.Unlock()
		return nil
	}
	tc.closing = true
	tc.state = ConnClosing
	conn := tc.conn
	tc.mu.Unlock()

	if err := conn.Close(); err != nil && err != amqp.ErrClosed {
		return &ConnectionError{
			Op:        "close",
			URL:       SanitizeURL(tc.url),
			Err:       err,
			Timestamp: time.Now(),
		}
	}
	return nil
}

// Closed is closed once an open connection has gone away for any reason
func (tc *TransportConnection) Closed() <-chan struct{} {
	return tc.closed
}
