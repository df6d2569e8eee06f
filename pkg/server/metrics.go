package server

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the server's Prometheus collectors on a private registry,
// exposed on the internal metrics port. All methods are safe on a nil
// receiver.
type Metrics struct {
	registry *prometheus.Registry

	activeSessions     prometheus.Gauge
	sessionsCreated    prometheus.Counter
	sessionsClosed     prometheus.Counter
	connectionsRefused prometheus.Counter
	framesReceived     *prometheus.CounterVec
	messagesPublished  prometheus.Counter
	publishRejected    *prometheus.CounterVec
	sendFailures       prometheus.Counter
	fanOutDuration     prometheus.Histogram
	moderationActions  *prometheus.CounterVec
	retentionDeleted   prometheus.Counter
}

// NewMetrics registers all collectors on a fresh registry
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		activeSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "notcord",
			Name:      "active_sessions",
			Help:      "Number of logged-in sessions",
		}),
		sessionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "notcord",
			Name:      "sessions_created_total",
			Help:      "Sessions registered after a successful login",
		}),
		sessionsClosed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "notcord",
			Name:      "sessions_closed_total",
			Help:      "Sessions removed from the registry",
		}),
		connectionsRefused: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "notcord",
			Name:      "connections_refused_total",
			Help:      "Connections refused while in maintenance mode",
		}),
		framesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "notcord",
			Name:      "frames_received_total",
			Help:      "Frames received from clients by type",
		}, []string{"type"}),
		messagesPublished: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "notcord",
			Name:      "messages_published_total",
			Help:      "Chat messages persisted and fanned out",
		}),
		publishRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "notcord",
			Name:      "publish_rejected_total",
			Help:      "Chat messages rejected before persistence by reason",
		}, []string{"reason"}),
		sendFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "notcord",
			Name:      "send_failures_total",
			Help:      "Frames that could not be delivered to a session",
		}),
		fanOutDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "notcord",
			Name:      "fanout_duration_seconds",
			Help:      "Time to deliver one frame to every recipient",
			Buckets:   []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 2.5},
		}),
		moderationActions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "notcord",
			Name:      "moderation_actions_total",
			Help:      "Successful moderation actions by kind",
		}, []string{"action"}),
		retentionDeleted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "notcord",
			Name:      "retention_deleted_messages_total",
			Help:      "Messages removed by the retention job",
		}),
	}
}

// Handler serves the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RecordActiveSessions(count int) {
	if m == nil {
		return
	}
	m.activeSessions.Set(float64(count))
}

func (m *Metrics) RecordSessionCreated() {
	if m == nil {
		return
	}
	m.sessionsCreated.Inc()
}

func (m *Metrics) RecordSessionDisconnected() {
	if m == nil {
		return
	}
	m.sessionsClosed.Inc()
}

func (m *Metrics) RecordConnectionRefused() {
	if m == nil {
		return
	}
	m.connectionsRefused.Inc()
}

func (m *Metrics) RecordFrameReceived(frameType string) {
	if m == nil {
		return
	}
	m.framesReceived.WithLabelValues(frameType).Inc()
}

func (m *Metrics) RecordMessagePublished() {
	if m == nil {
		return
	}
	m.messagesPublished.Inc()
}

func (m *Metrics) RecordPublishRejected(reason string) {
	if m == nil {
		return
	}
	m.publishRejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordSendFailures(n int) {
	if m == nil || n == 0 {
		return
	}
	m.sendFailures.Add(float64(n))
}

func (m *Metrics) RecordFanOut(d time.Duration) {
	if m == nil {
		return
	}
	m.fanOutDuration.Observe(d.Seconds())
}

func (m *Metrics) RecordModeration(action string) {
	if m == nil {
		return
	}
	m.moderationActions.WithLabelValues(action).Inc()
}

func (m *Metrics) RecordRetentionDeleted(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.retentionDeleted.Add(float64(n))
}
