package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector holds all Prometheus metrics for the bridge.
// Uses a custom registry — no global state.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Gateway connection metrics.
	ConnectedGauge  *prometheus.GaugeVec
	ReconnectsTotal *prometheus.CounterVec
	FramesTotal     *prometheus.CounterVec

	// Session metrics.
	SessionsTracked *prometheus.GaugeVec

	// Dispatch metrics.
	MessagesSentTotal  *prometheus.CounterVec
	HistoryEventsTotal *prometheus.CounterVec

	// Template sync metrics.
	SyncRunsTotal     *prometheus.CounterVec
	SyncAgentDuration *prometheus.HistogramVec

	// HTTP API metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	ActiveRequests      prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector with all metrics
// registered on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		ConnectedGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "clawbridge",
			Subsystem: "gateway",
			Name:      "connected",
			Help:      "1 when the gateway connection is live, 0 otherwise.",
		}, []string{"gateway"}),

		ReconnectsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clawbridge",
			Subsystem: "gateway",
			Name:      "reconnects_total",
			Help:      "Total reconnect attempts per gateway.",
		}, []string{"gateway"}),

		FramesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clawbridge",
			Subsystem: "gateway",
			Name:      "frames_total",
			Help:      "Total inbound frames by message type.",
		}, []string{"gateway", "type"}),

		SessionsTracked: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "clawbridge",
			Subsystem: "sessions",
			Name:      "tracked",
			Help:      "Sessions currently tracked in the registry.",
		}, []string{"gateway"}),

		MessagesSentTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clawbridge",
			Subsystem: "dispatch",
			Name:      "messages_sent_total",
			Help:      "Outbound session messages by delivery status.",
		}, []string{"gateway", "status"}),

		HistoryEventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clawbridge",
			Subsystem: "history",
			Name:      "events_total",
			Help:      "History events appended.",
		}, []string{"gateway"}),

		SyncRunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clawbridge",
			Subsystem: "sync",
			Name:      "runs_total",
			Help:      "Template sync runs by outcome.",
		}, []string{"gateway", "status"}),

		SyncAgentDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "clawbridge",
			Subsystem: "sync",
			Name:      "agent_duration_seconds",
			Help:      "Per-agent template sync step duration in seconds.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"gateway"}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clawbridge",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP API requests.",
		}, []string{"method", "path", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "clawbridge",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP API request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "clawbridge",
			Subsystem: "http",
			Name:      "active_requests",
			Help:      "In-flight HTTP API requests.",
		}),
	}

	reg.MustRegister(
		m.ConnectedGauge,
		m.ReconnectsTotal,
		m.FramesTotal,
		m.SessionsTracked,
		m.MessagesSentTotal,
		m.HistoryEventsTotal,
		m.SyncRunsTotal,
		m.SyncAgentDuration,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ActiveRequests,
	)

	return m
}
