package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/rmqpubsub/internal/metrics"
)

// ConnectionPool keeps idle open connections per broker URL so that a new
// engine for the same broker can skip the dial. A checked-out connection
// belongs to one engine until it is released.
type ConnectionPool struct {
	dial        Dialer
	logger      *slog.Logger
	metrics     *metrics.Metrics
	maxIdle     int
	idleTimeout time.Duration

	mu      sync.Mutex
	idle    map[string][]*pooledConnection
	drained bool
}

type pooledConnection struct {
	tc       *TransportConnection
	lastUsed time.Time
}

// PoolOption configures the connection pool
type PoolOption func(*ConnectionPool)

// WithPoolDialer sets the dialer used for new connections
func WithPoolDialer(dial Dialer) PoolOption {
	return func(p *ConnectionPool) {
		p.dial = dial
	}
}

// WithPoolLogger sets the logger
func WithPoolLogger(logger *slog.Logger) PoolOption {
	return func(p *ConnectionPool) {
		p.logger = logger
	}
}

// WithPoolMetrics records acquisitions
func WithPoolMetrics(m *metrics.Metrics) PoolOption {
	return func(p *ConnectionPool) {
		p.metrics = m
	}
}

// WithMaxIdle caps the idle connections kept per URL
func WithMaxIdle(n int) PoolOption {
	return func(p *ConnectionPool) {
		p.maxIdle = n
	}
}

// WithIdleTimeout closes connections left idle longer than timeout; 0 keeps them
func WithIdleTimeout(timeout time.Duration) PoolOption {
	return func(p *ConnectionPool) {
		p.idleTimeout = timeout
	}
}

// NewConnectionPool creates an empty pool
func NewConnectionPool(options ...PoolOption) (*ConnectionPool, error) {
	p := &ConnectionPool{
		logger:  slog.Default(),
		maxIdle: 4,
		idle:    make(map[string][]*pooledConnection),
	}

	for _, opt := range options {
		opt(p)
	}

	if p.maxIdle < 1 {
		return nil, fmt.Errorf("%w: max idle must be at least 1", ErrInvalidConfiguration)
	}
	if p.idleTimeout < 0 {
		return nil, fmt.Errorf("%w: idle timeout must not be negative", ErrInvalidConfiguration)
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	p.logger = p.logger.With("component", "pool")

	return p, nil
}

// Acquire hands out an idle open connection for url, firing h.OnOpen in the
// background, or opens a new one. The result is reported through h either way.
func (p *ConnectionPool) Acquire(ctx context.Context, url string, h ConnectionHandlers) *TransportConnection {
	tc, stale := p.take(url)
	p.closeAll(stale)

	if tc != nil {
		tc.Attach(h)
		p.metrics.RecordPoolAcquire(true)
		p.logger.Debug("reusing pooled connection", "url", SanitizeURL(url), "connection", tc.ID())
		if h.OnOpen != nil {
			go h.OnOpen(tc)
		}
		return tc
	}

	p.metrics.RecordPoolAcquire(false)
	tc = NewTransportConnection(url, p.dial, p.logger)
	tc.Open(ctx, h)
	return tc
}

// take pops the most recently used open connection for url and collects the
// expired ones
func (p *ConnectionPool) take(url string) (*TransportConnection, []*TransportConnection) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var stale []*TransportConnection
	slots := p.idle[url]
	for len(slots) > 0 {
		last := slots[len(slots)-1]
		slots = slots[:len(slots)-1]
		if last.tc.State() != ConnOpen || p.expired(last) {
			stale = append(stale, last.tc)
			continue
		}
		p.store(url, slots)
		return last.tc, stale
	}
	p.store(url, slots)
	return nil, stale
}

func (p *ConnectionPool) expired(pc *pooledConnection) bool {
	return p.idleTimeout > 0 && time.Since(pc.lastUsed) > p.idleTimeout
}

func (p *ConnectionPool) store(url string, slots []*pooledConnection) {
	if len(slots) == 0 {
		delete(p.idle, url)
		return
	}
	p.idle[url] = slots
}

// Release returns a connection to the pool. Connections that are no longer
// open are discarded; after Drain every released connection is closed.
func (p *ConnectionPool) Release(tc *TransportConnection) {
	if tc == nil {
		return
	}
	if tc.State() != ConnOpen {
		tc.Attach(ConnectionHandlers{})
		p.closeAll([]*TransportConnection{tc})
		return
	}

	p.mu.Lock()
	if p.drained || len(p.idle[tc.URL()]) >= p.maxIdle {
		p.mu.Unlock()
		tc.Attach(ConnectionHandlers{})
		p.closeAll([]*TransportConnection{tc})
		return
	}

	tc.Attach(ConnectionHandlers{
		OnClose: func(closed *TransportConnection, _ CloseReason, _ error) {
			p.remove(closed)
		},
	})
	p.idle[tc.URL()] = append(p.idle[tc.URL()], &pooledConnection{tc: tc, lastUsed: time.Now()})
	p.mu.Unlock()

	p.logger.Debug("connection returned to pool", "url", SanitizeURL(tc.URL()), "connection", tc.ID())
}

func (p *ConnectionPool) remove(tc *TransportConnection) {
	p.mu.Lock()
	defer p.mu.Unlock()

	slots := p.idle[tc.URL()]
	for i, pc := range slots {
		if pc.tc == tc {
			p.store(tc.URL(), append(slots[:i], slots[i+1:]...))
			p.logger.Debug("idle connection closed, removed from pool", "connection", tc.ID())
			return
		}
	}
}

// Drain closes every idle connection. Connections released afterwards are
// closed instead of pooled.
func (p *ConnectionPool) Drain() error {
	p.mu.Lock()
	p.drained = true
	var all []*TransportConnection
	for _, slots := range p.idle {
		for _, pc := range slots {
			all = append(all, pc.tc)
		}
	}
	p.idle = make(map[string][]*pooledConnection)
	p.mu.Unlock()

	p.logger.Info("draining connection pool", "connections", len(all))
	return p.closeAll(all)
}

// Idle returns the number of pooled connections for url
func (p *ConnectionPool) Idle(url string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle[url])
}

// Drained reports whether Drain has been called
func (p *ConnectionPool) Drained() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.drained
}

func (p *ConnectionPool) closeAll(conns []*TransportConnection) error {
	var errs []error
	for _, tc := range conns {
		if err := tc.Close(); err != nil {
			p.logger.Warn("failed to close pooled connection", "connection", tc.ID(), "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
