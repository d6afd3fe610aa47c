package hub

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the coach service
type Metrics struct {
	// Counters
	MessagesTotal    prometheus.CounterVec
	ConnectionsTotal prometheus.CounterVec
	ErrorsTotal      prometheus.CounterVec
	RateLimitedTotal prometheus.Counter

	// Gauges
	ConnectionsActive prometheus.Gauge
	RoomsActive       prometheus.Gauge
	SessionsActive    prometheus.GaugeVec

	// Histograms
	ResponseDuration prometheus.HistogramVec

	mu sync.Mutex
}

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// InitMetrics initializes global Prometheus metrics
func InitMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			MessagesTotal: *promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "quizmesh_messages_total",
					Help: "Total inbound messages by type",
				},
				[]string{"type"},
			),
			ConnectionsTotal: *promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "quizmesh_connections_total",
					Help: "Total connections (accepted/rejected)",
				},
				[]string{"status"},
			),
			ErrorsTotal: *promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "quizmesh_errors_total",
					Help: "Total errors by component and kind",
				},
				[]string{"component", "kind"},
			),
			RateLimitedTotal: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "quizmesh_rate_limited_total",
					Help: "Total messages rejected by the per-connection rate limit",
				},
			),
			ConnectionsActive: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "quizmesh_connections_active",
					Help: "Current active connections",
				},
			),
			RoomsActive: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "quizmesh_rooms_active",
					Help: "Current session rooms with at least one connection",
				},
			),
			SessionsActive: *promauto.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "quizmesh_sessions_active",
					Help: "Current sessions by status",
				},
				[]string{"status"},
			),
			ResponseDuration: *promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "quizmesh_response_duration_seconds",
					Help:    "Response processing duration",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"outcome"},
			),
		}
	})
	return globalMetrics
}

// GetMetrics returns the global metrics instance
func GetMetrics() *Metrics {
	if globalMetrics == nil {
		return InitMetrics()
	}
	return globalMetrics
}

// RecordMessage records one inbound message
func (m *Metrics) RecordMessage(msgType string) {
	if m == nil {
		return
	}
	m.MessagesTotal.WithLabelValues(msgType).Inc()
}

// RecordConnection records a connection attempt
func (m *Metrics) RecordConnection(status string) {
	if m == nil {
		return
	}
	m.ConnectionsTotal.WithLabelValues(status).Inc()
}

// RecordError records an error
func (m *Metrics) RecordError(component, kind string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(component, kind).Inc()
}

// RecordRateLimited records one rate-limited message
func (m *Metrics) RecordRateLimited() {
	if m == nil {
		return
	}
	m.RateLimitedTotal.Inc()
}

// SetActiveConnections sets the current active connection count
func (m *Metrics) SetActiveConnections(count int64) {
	if m == nil {
		return
	}
	m.ConnectionsActive.Set(float64(count))
}

// SetActiveRooms sets the current active room count
func (m *Metrics) SetActiveRooms(count int64) {
	if m == nil {
		return
	}
	m.RoomsActive.Set(float64(count))
}

// SetActiveSessions sets the current session count by status
func (m *Metrics) SetActiveSessions(status string, count int64) {
	if m == nil {
		return
	}
	m.SessionsActive.WithLabelValues(status).Set(float64(count))
}

// RecordResponseDuration records response processing duration
func (m *Metrics) RecordResponseDuration(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.ResponseDuration.WithLabelValues(outcome).Observe(seconds)
}
