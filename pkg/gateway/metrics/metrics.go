package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the gateway. All Record methods are
// safe on a nil receiver so components can run without metrics in tests.
type Metrics struct {
	registry *prometheus.Registry

	// Live session metrics
	LiveSessionsActive  prometheus.Gauge
	LiveSessionsTotal   *prometheus.CounterVec
	LiveSessionDuration prometheus.Histogram
	LiveAudioBytesTotal *prometheus.CounterVec
	UpstreamConnects    *prometheus.CounterVec

	// Token metrics
	TokensTotal *prometheus.CounterVec

	ToolCallsTotal     *prometheus.CounterVec
	NotificationsTotal *prometheus.CounterVec
	BroadcastsTotal    *prometheus.CounterVec

	// Error metrics
	ErrorsTotal *prometheus.CounterVec
}

// New creates a new Metrics instance with its own registry.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "care"
	}

	registry := prometheus.NewRegistry()

	liveSessionsActive := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "live_sessions_active",
			Help:      "Number of active live sessions",
		},
	)

	liveSessionsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "live_sessions_total",
			Help:      "Total number of live sessions by close status",
		},
		[]string{"status"},
	)

	liveSessionDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "live_session_duration_seconds",
			Help:      "Live session duration in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600},
		},
	)

	liveAudioBytesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "live_audio_bytes_total",
			Help:      "Total audio bytes relayed in live sessions",
		},
		[]string{"direction"},
	)

	upstreamConnects := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_connects_total",
			Help:      "Upstream live session connection attempts",
		},
		[]string{"status", "resumed"},
	)

	tokensTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_total",
			Help:      "Total tokens reported by the upstream usage metadata",
		},
		[]string{"direction"},
	)

	toolCallsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Tool calls dispatched from the upstream model",
		},
		[]string{"name", "status"},
	)

	notificationsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "voice_notifications_total",
			Help:      "Voice notifications generated",
		},
		[]string{"type", "status"},
	)

	broadcastsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_deliveries_total",
			Help:      "Broadcast deliveries by outcome",
		},
		[]string{"outcome"},
	)

	errorsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Total number of errors",
		},
		[]string{"component", "error_type"},
	)

	registry.MustRegister(
		liveSessionsActive,
		liveSessionsTotal,
		liveSessionDuration,
		liveAudioBytesTotal,
		upstreamConnects,
		tokensTotal,
		toolCallsTotal,
		notificationsTotal,
		broadcastsTotal,
		errorsTotal,
	)

	return &Metrics{
		registry:            registry,
		LiveSessionsActive:  liveSessionsActive,
		LiveSessionsTotal:   liveSessionsTotal,
		LiveSessionDuration: liveSessionDuration,
		LiveAudioBytesTotal: liveAudioBytesTotal,
		UpstreamConnects:    upstreamConnects,
		TokensTotal:         tokensTotal,
		ToolCallsTotal:      toolCallsTotal,
		NotificationsTotal:  notificationsTotal,
		BroadcastsTotal:     broadcastsTotal,
		ErrorsTotal:         errorsTotal,
	}
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RecordLiveSessionStart() {
	if m == nil {
		return
	}
	m.LiveSessionsActive.Inc()
}

func (m *Metrics) RecordLiveSessionEnd(status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.LiveSessionsActive.Dec()
	m.LiveSessionsTotal.WithLabelValues(status).Inc()
	m.LiveSessionDuration.Observe(duration.Seconds())
}

func (m *Metrics) RecordUpstreamConnect(ok, resumed bool) {
	if m == nil {
		return
	}
	status := "ok"
	if !ok {
		status = "error"
	}
	r := "false"
	if resumed {
		r = "true"
	}
	m.UpstreamConnects.WithLabelValues(status, r).Inc()
}

// RecordLiveAudio records audio bytes; direction is "in" (client to model) or "out".
func (m *Metrics) RecordLiveAudio(direction string, bytes int) {
	if m == nil || bytes <= 0 {
		return
	}
	m.LiveAudioBytesTotal.WithLabelValues(direction).Add(float64(bytes))
}

func (m *Metrics) RecordTokens(promptTokens, responseTokens int) {
	if m == nil {
		return
	}
	if promptTokens > 0 {
		m.TokensTotal.WithLabelValues("input").Add(float64(promptTokens))
	}
	if responseTokens > 0 {
		m.TokensTotal.WithLabelValues("output").Add(float64(responseTokens))
	}
}

func (m *Metrics) RecordToolCall(name, status string) {
	if m == nil {
		return
	}
	m.ToolCallsTotal.WithLabelValues(name, status).Inc()
}

func (m *Metrics) RecordNotification(notificationType string, ok bool) {
	if m == nil {
		return
	}
	status := "success"
	if !ok {
		status = "error"
	}
	m.NotificationsTotal.WithLabelValues(notificationType, status).Inc()
}

func (m *Metrics) RecordBroadcast(delivered, failed int) {
	if m == nil {
		return
	}
	if delivered > 0 {
		m.BroadcastsTotal.WithLabelValues("delivered").Add(float64(delivered))
	}
	if failed > 0 {
		m.BroadcastsTotal.WithLabelValues("failed").Add(float64(failed))
	}
}

func (m *Metrics) RecordError(component, errorType string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(component, errorType).Inc()
}
