package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the call agent
type Metrics struct {
	// HTTP request metrics
	httpRequestsTotal    *prometheus.CounterVec
	httpRequestDuration  *prometheus.HistogramVec
	httpRequestsInFlight prometheus.Gauge

	// Call lifecycle metrics
	callsTotal        *prometheus.CounterVec
	callsActive       prometheus.Gauge
	callDuration      *prometheus.HistogramVec
	callSetupFailures *prometheus.CounterVec
	callRecoveries    prometheus.Counter

	// Signaling metrics
	signalsPublishedTotal *prometheus.CounterVec
	signalErrorsTotal     *prometheus.CounterVec

	// WebSocket event stream metrics
	websocketConnections prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(serviceName string) *Metrics {
	labels := prometheus.Labels{"service": serviceName}
	return &Metrics{
		httpRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "http_requests_total",
				Help:        "Total number of HTTP requests",
				ConstLabels: labels,
			},
			[]string{"method", "endpoint", "status"},
		),
		httpRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "http_request_duration_seconds",
				Help:        "HTTP request latency in seconds",
				ConstLabels: labels,
				Buckets:     prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),
		httpRequestsInFlight: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name:        "http_requests_in_flight",
				Help:        "Number of HTTP requests currently being processed",
				ConstLabels: labels,
			},
		),
		callsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "calls_total",
				Help:        "Total number of calls by role and type",
				ConstLabels: labels,
			},
			[]string{"role", "type"},
		),
		callsActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name:        "calls_active",
				Help:        "Number of calls currently in progress",
				ConstLabels: labels,
			},
		),
		callDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "call_duration_seconds",
				Help:        "Duration of completed calls in seconds",
				ConstLabels: labels,
				Buckets:     []float64{5, 15, 30, 60, 120, 300, 600, 1800, 3600},
			},
			[]string{"type"},
		),
		callSetupFailures: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "call_setup_failures_total",
				Help:        "Total number of failed call setups by error code",
				ConstLabels: labels,
			},
			[]string{"operation", "code"},
		),
		callRecoveries: promauto.NewCounter(
			prometheus.CounterOpts{
				Name:        "call_recoveries_total",
				Help:        "Total number of connection recovery attempts",
				ConstLabels: labels,
			},
		),
		signalsPublishedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "signals_published_total",
				Help:        "Total number of signaling messages published",
				ConstLabels: labels,
			},
			[]string{"kind"},
		),
		signalErrorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "signal_errors_total",
				Help:        "Total number of signaling transport errors",
				ConstLabels: labels,
			},
			[]string{"operation"},
		),
		websocketConnections: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name:        "websocket_connections",
				Help:        "Number of connected event stream clients",
				ConstLabels: labels,
			},
		),
	}
}

// RecordHTTPRequest records one completed HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint string, status int, duration time.Duration) {
	m.httpRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(status)).Inc()
	m.httpRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// IncrementHTTPRequestsInFlight increments the in-flight request gauge
func (m *Metrics) IncrementHTTPRequestsInFlight() { m.httpRequestsInFlight.Inc() }

// DecrementHTTPRequestsInFlight decrements the in-flight request gauge
func (m *Metrics) DecrementHTTPRequestsInFlight() { m.httpRequestsInFlight.Dec() }

// RecordCallStarted records a call entering setup
func (m *Metrics) RecordCallStarted(role, callType string) {
	m.callsTotal.WithLabelValues(role, callType).Inc()
	m.callsActive.Inc()
}

// RecordCallEnded records a completed call and its duration
func (m *Metrics) RecordCallEnded(callType string, duration time.Duration) {
	m.callsActive.Dec()
	m.callDuration.WithLabelValues(callType).Observe(duration.Seconds())
}

// RecordCallSetupFailure records a failed initiate/accept
func (m *Metrics) RecordCallSetupFailure(operation, code string) {
	m.callSetupFailures.WithLabelValues(operation, code).Inc()
}

// RecordRecovery records one connection recovery attempt
func (m *Metrics) RecordRecovery() { m.callRecoveries.Inc() }

// RecordSignalPublished records one published signaling message
func (m *Metrics) RecordSignalPublished(kind string) {
	m.signalsPublishedTotal.WithLabelValues(kind).Inc()
}

// RecordSignalError records one signaling transport error
func (m *Metrics) RecordSignalError(operation string) {
	m.signalErrorsTotal.WithLabelValues(operation).Inc()
}

// IncrementWebSocketConnections increments the event stream client gauge
func (m *Metrics) IncrementWebSocketConnections() { m.websocketConnections.Inc() }

// DecrementWebSocketConnections decrements the event stream client gauge
func (m *Metrics) DecrementWebSocketConnections() { m.websocketConnections.Dec() }
