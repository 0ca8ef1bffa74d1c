package fvtmetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// -------------------------------------------------------------------------
// Prometheus Metric Constants
// -------------------------------------------------------------------------

const namespace = "gofvt"

// Subsystems, one per reporting package.
const (
	subsystemEndpoint = "endpoint"
	subsystemExchange = "exchange"
	subsystemRelay    = "relay"
)

// Label names.
const (
	labelEndpoint  = "endpoint"
	labelClass     = "class"
	labelOutcome   = "outcome"
	labelDirection = "direction"
	labelKind      = "kind"
)

// -------------------------------------------------------------------------
// Collector
// -------------------------------------------------------------------------

// Collector holds all gofvt Prometheus metrics. It implements
// endpoint.MetricsReporter, exchange.MetricsReporter and
// relay.MetricsReporter.
type Collector struct {
	// FramesSent counts whole frames written per endpoint.
	FramesSent *prometheus.CounterVec

	// FramesReceived counts frames queued per endpoint.
	FramesReceived *prometheus.CounterVec

	// EchoReplies counts keepalives answered inside an endpoint.
	EchoReplies *prometheus.CounterVec

	// TransportErrors counts connection failures per endpoint, labeled
	// with the error class (EOF, ECONNRESET, ...).
	TransportErrors *prometheus.CounterVec

	// Exchanges counts exchanges by outcome: "pass" or the failure kind.
	Exchanges *prometheus.CounterVec

	// ExchangeDuration observes the wall time of each exchange.
	ExchangeDuration *prometheus.HistogramVec

	// HandlesCaptured counts opaque handles read from observed frames.
	HandlesCaptured prometheus.Counter

	// Relayed counts relay-forwarded messages by direction and kind.
	Relayed *prometheus.CounterVec

	// Rejected counts controller messages the relay answered with ERROR.
	Rejected *prometheus.CounterVec

	// RelaySessions tracks live switch sessions in the relay.
	RelaySessions prometheus.Gauge
}

// NewCollector creates a Collector with all metrics registered against
// the provided prometheus.Registerer. If reg is nil,
// prometheus.DefaultRegisterer is used.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.FramesSent,
		c.FramesReceived,
		c.EchoReplies,
		c.TransportErrors,
		c.Exchanges,
		c.ExchangeDuration,
		c.HandlesCaptured,
		c.Relayed,
		c.Rejected,
		c.RelaySessions,
	)

	return c
}

// newMetrics creates all Prometheus metrics without registering them.
func newMetrics() *Collector {
	endpointLabels := []string{labelEndpoint}

	return &Collector{
		FramesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemEndpoint,
			Name:      "frames_sent_total",
			Help:      "Total OpenFlow frames written by an endpoint.",
		}, endpointLabels),

		FramesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemEndpoint,
			Name:      "frames_received_total",
			Help:      "Total OpenFlow frames queued in an endpoint inbox.",
		}, endpointLabels),

		EchoReplies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemEndpoint,
			Name:      "echo_replies_total",
			Help:      "Total ECHO_REQUEST frames answered by an endpoint.",
		}, endpointLabels),

		TransportErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemEndpoint,
			Name:      "transport_errors_total",
			Help:      "Total endpoint connection failures by error class.",
		}, []string{labelEndpoint, labelClass}),

		Exchanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemExchange,
			Name:      "total",
			Help:      "Total exchanges by outcome.",
		}, []string{labelOutcome}),

		ExchangeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystemExchange,
			Name:      "duration_seconds",
			Help:      "Wall time of one exchange, send to verdict.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}, []string{labelOutcome}),

		HandlesCaptured: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemExchange,
			Name:      "handles_captured_total",
			Help:      "Total opaque handles captured from observed frames.",
		}),

		Relayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemRelay,
			Name:      "messages_total",
			Help:      "Total messages forwarded by the loopback relay.",
		}, []string{labelDirection, labelKind}),

		Rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemRelay,
			Name:      "rejected_total",
			Help:      "Total controller messages answered with an OpenFlow ERROR.",
		}, []string{labelKind}),

		RelaySessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemRelay,
			Name:      "sessions",
			Help:      "Number of live switch sessions in the loopback relay.",
		}),
	}
}

// -------------------------------------------------------------------------
// Endpoint Counters
// -------------------------------------------------------------------------

// IncFramesSent increments the sent frames counter for endpoint.
func (c *Collector) IncFramesSent(endpoint string) {
	c.FramesSent.WithLabelValues(endpoint).Inc()
}

// IncFramesReceived increments the received frames counter for endpoint.
func (c *Collector) IncFramesReceived(endpoint string) {
	c.FramesReceived.WithLabelValues(endpoint).Inc()
}

// IncEchoReplies increments the answered keepalive counter for endpoint.
func (c *Collector) IncEchoReplies(endpoint string) {
	c.EchoReplies.WithLabelValues(endpoint).Inc()
}

// IncTransportErrors increments the transport error counter.
func (c *Collector) IncTransportErrors(endpoint, class string) {
	c.TransportErrors.WithLabelValues(endpoint, class).Inc()
}

// -------------------------------------------------------------------------
// Exchange Outcomes
// -------------------------------------------------------------------------

// ObserveExchange counts one exchange and records its duration.
func (c *Collector) ObserveExchange(outcome string, d time.Duration) {
	c.Exchanges.WithLabelValues(outcome).Inc()
	c.ExchangeDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// IncHandlesCaptured increments the captured handles counter.
func (c *Collector) IncHandlesCaptured() {
	c.HandlesCaptured.Inc()
}

// -------------------------------------------------------------------------
// Relay
// -------------------------------------------------------------------------

// IncRelayed counts one forwarded message.
func (c *Collector) IncRelayed(direction, kind string) {
	c.Relayed.WithLabelValues(direction, kind).Inc()
}

// IncRejected counts one rejected controller message.
func (c *Collector) IncRejected(kind string) {
	c.Rejected.WithLabelValues(kind).Inc()
}

// SessionUp increments the live relay sessions gauge.
func (c *Collector) SessionUp() { c.RelaySessions.Inc() }

// SessionDown decrements the live relay sessions gauge.
func (c *Collector) SessionDown() { c.RelaySessions.Dec() }
