package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	Namespace = "rmqpubsub"

	// Status label values for success/error metrics
	StatusSuccess = "success"
	StatusError   = "error"

	Connection = "connection"
	Consumer   = "consumer"
	Publisher  = "publisher"
	Pool       = "pool"
)

// Labels holds constant labels applied to all metrics.
type Labels struct {
	Service     string // Name of the service embedding the engines
	Environment string // Deployment environment (e.g., "production", "staging")
}

// toPrometheusLabels only includes non-empty labels
func (l Labels) toPrometheusLabels() prometheus.Labels {
	labels := prometheus.Labels{}
	if l.Service != "" {
		labels["service"] = l.Service
	}
	if l.Environment != "" {
		labels["environment"] = l.Environment
	}
	return labels
}

// Metrics records engine activity. A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Connection metrics
	connectionAttempts *prometheus.CounterVec // by engine, status
	reconnects         *prometheus.CounterVec // by engine
	engineState        *prometheus.GaugeVec   // by engine
	topologyFailures   *prometheus.CounterVec // by step

	// Consumer metrics
	deliveries      *prometheus.CounterVec // by outcome
	handlerDuration prometheus.Histogram

	// Publisher metrics
	published       prometheus.Counter
	confirmations   *prometheus.CounterVec // by status (ack/nack)
	publishFailures *prometheus.CounterVec // by reason
	publishInFlight prometheus.Gauge

	// Pool metrics
	poolAcquires *prometheus.CounterVec // by result (reused/dialed)
}

// New creates a new Metrics instance and registers all metrics with the provided registerer.
func New(reg prometheus.Registerer) (*Metrics, error) {
	return NewWithLabels(reg, Labels{})
}

// NewWithLabels creates a new Metrics instance with constant labels applied to all metrics.
func NewWithLabels(reg prometheus.Registerer, labels Labels) (*Metrics, error) {
	promLabels := labels.toPrometheusLabels()
	if len(promLabels) > 0 {
		reg = prometheus.WrapRegistererWith(promLabels, reg)
	}

	return newMetrics(reg)
}

func newMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		connectionAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Connection,
			Name:      "attempts_total",
			Help:      "Total connection attempts by engine and status",
		}, []string{"engine", "status"}),
		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Connection,
			Name:      "reconnects_total",
			Help:      "Total scheduled reconnections by engine",
		}, []string{"engine"}),
		engineState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "engine_state",
			Help:      "Current lifecycle state of each engine",
		}, []string{"engine"}),
		topologyFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "topology_failures_total",
			Help:      "Total topology declaration failures by step",
		}, []string{"step"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Consumer,
			Name:      "deliveries_total",
			Help:      "Total deliveries handled by outcome",
		}, []string{"outcome"}),
		handlerDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: Consumer,
			Name:      "handler_duration_seconds",
			Help:      "Time spent in the message handler",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
		published: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Publisher,
			Name:      "published_total",
			Help:      "Total messages written to a channel",
		}),
		confirmations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Publisher,
			Name:      "confirmations_total",
			Help:      "Total broker confirmations by status",
		}, []string{"status"}),
		publishFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Publisher,
			Name:      "failures_total",
			Help:      "Total messages reported as not confirmed by reason",
		}, []string{"reason"}),
		publishInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: Publisher,
			Name:      "in_flight",
			Help:      "Messages awaiting broker confirmation",
		}),
		poolAcquires: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Pool,
			Name:      "acquires_total",
			Help:      "Total pool acquisitions by result",
		}, []string{"result"}),
	}

	err := errors.Join(
		reg.Register(m.connectionAttempts),
		reg.Register(m.reconnects),
		reg.Register(m.engineState),
		reg.Register(m.topologyFailures),
		reg.Register(m.deliveries),
		reg.Register(m.handlerDuration),
		reg.Register(m.published),
		reg.Register(m.confirmations),
		reg.Register(m.publishFailures),
		reg.Register(m.publishInFlight),
		reg.Register(m.poolAcquires),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// RecordConnectionAttempt counts a finished connection attempt
func (m *Metrics) RecordConnectionAttempt(engine string, err error) {
	if m == nil {
		return
	}
	status := StatusSuccess
	if err != nil {
		status = StatusError
	}
	m.connectionAttempts.WithLabelValues(engine, status).Inc()
}

// IncReconnect counts a scheduled reconnection
func (m *Metrics) IncReconnect(engine string) {
	if m == nil {
		return
	}
	m.reconnects.WithLabelValues(engine).Inc()
}

// SetState publishes the numeric lifecycle state of an engine
func (m *Metrics) SetState(engine string, state float64) {
	if m == nil {
		return
	}
	m.engineState.WithLabelValues(engine).Set(state)
}

// RecordTopologyFailure counts a failed declaration step
func (m *Metrics) RecordTopologyFailure(step string) {
	if m == nil {
		return
	}
	m.topologyFailures.WithLabelValues(step).Inc()
}

// RecordDelivery counts a handled delivery and observes the handler duration
func (m *Metrics) RecordDelivery(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(outcome).Inc()
	m.handlerDuration.Observe(seconds)
}

// IncPublished counts a message written to a channel
func (m *Metrics) IncPublished() {
	if m == nil {
		return
	}
	m.published.Inc()
}

// RecordConfirmation counts a broker ack or nack
func (m *Metrics) RecordConfirmation(ack bool) {
	if m == nil {
		return
	}
	status := "ack"
	if !ack {
		status = "nack"
	}
	m.confirmations.WithLabelValues(status).Inc()
}

// RecordPublishFailure counts a message reported to the nack callback
func (m *Metrics) RecordPublishFailure(reason string) {
	if m == nil {
		return
	}
	m.publishFailures.WithLabelValues(reason).Inc()
}

// SetInFlight sets the number of unconfirmed messages
func (m *Metrics) SetInFlight(n int) {
	if m == nil {
		return
	}
	m.publishInFlight.Set(float64(n))
}

// RecordPoolAcquire counts a pool acquisition
func (m *Metrics) RecordPoolAcquire(reused bool) {
	if m == nil {
		return
	}
	result := "dialed"
	if reused {
		result = "reused"
	}
	m.poolAcquires.WithLabelValues(result).Inc()
}
