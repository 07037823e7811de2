// Package metrics exposes Prometheus metrics for the protocol engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks engine-level Prometheus metrics.
//
// All metrics carry the smb_ prefix. Every method tolerates a nil
// receiver so callers can run without metrics wired.
type Metrics struct {
	// RequestsTotal counts processed messages by command and status class.
	RequestsTotal *prometheus.CounterVec

	// RequestDuration tracks per-command processing latency.
	RequestDuration *prometheus.HistogramVec

	// ConnectionsActive tracks currently open client connections.
	ConnectionsActive prometheus.Gauge

	// ConnectionsTotal counts accepted connections.
	ConnectionsTotal prometheus.Counter

	// SessionsActive tracks currently established sessions.
	SessionsActive prometheus.Gauge

	// CreditsGranted observes the credit grants handed to clients.
	CreditsGranted prometheus.Histogram

	// ProtocolErrors counts fatal connection errors by kind.
	ProtocolErrors *prometheus.CounterVec

	// BytesReceived counts framed payload bytes read from clients.
	BytesReceived prometheus.Counter

	// BytesSent counts framed payload bytes written to clients.
	BytesSent prometheus.Counter
}

// NewMetrics creates engine metrics registered against reg. Panics on
// duplicate registration, which only happens during initialization.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "smb_requests_total",
				Help: "Total processed messages by command and status class",
			},
			[]string{"command", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "smb_request_duration_seconds",
				Help:    "Message processing duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"command"},
		),
		ConnectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "smb_connections_active",
				Help: "Currently open client connections",
			},
		),
		ConnectionsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "smb_connections_total",
				Help: "Total accepted client connections",
			},
		),
		SessionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "smb_sessions_active",
				Help: "Currently established sessions",
			},
		),
		CreditsGranted: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "smb_credits_granted",
				Help:    "Credit grants handed to clients per response",
				Buckets: []float64{1, 2, 4, 8, 16, 32, 64, 128, 256},
			},
		),
		ProtocolErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "smb_protocol_errors_total",
				Help: "Fatal connection errors by kind",
			},
			[]string{"kind"}, // "framing", "malformed", "sequence", "credit", "integrity"
		),
		BytesReceived: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "smb_bytes_received_total",
				Help: "Framed payload bytes read from clients",
			},
		),
		BytesSent: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "smb_bytes_sent_total",
				Help: "Framed payload bytes written to clients",
			},
		),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.ConnectionsActive,
		m.ConnectionsTotal,
		m.SessionsActive,
		m.CreditsGranted,
		m.ProtocolErrors,
		m.BytesReceived,
		m.BytesSent,
	)

	return m
}

// RecordRequest records one processed message.
func (m *Metrics) RecordRequest(command, status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(command, status).Inc()
	m.RequestDuration.WithLabelValues(command).Observe(durationSeconds)
}

// ConnectionOpened records a newly accepted connection.
func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.ConnectionsTotal.Inc()
	m.ConnectionsActive.Inc()
}

// ConnectionClosed records a connection teardown.
func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.ConnectionsActive.Dec()
}

// SetSessionsActive updates the established session gauge.
func (m *Metrics) SetSessionsActive(count int) {
	if m == nil {
		return
	}
	m.SessionsActive.Set(float64(count))
}

// RecordCreditGrant observes one credit grant.
func (m *Metrics) RecordCreditGrant(granted uint16) {
	if m == nil {
		return
	}
	m.CreditsGranted.Observe(float64(granted))
}

// RecordProtocolError counts a fatal connection error.
func (m *Metrics) RecordProtocolError(kind string) {
	if m == nil {
		return
	}
	m.ProtocolErrors.WithLabelValues(kind).Inc()
}

// RecordTraffic adds to the byte counters.
func (m *Metrics) RecordTraffic(received, sent int) {
	if m == nil {
		return
	}
	if received > 0 {
		m.BytesReceived.Add(float64(received))
	}
	if sent > 0 {
		m.BytesSent.Add(float64(sent))
	}
}

// NullMetrics returns nil, a no-op collector.
func NullMetrics() *Metrics {
	return nil
}
