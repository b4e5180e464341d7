package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the relay's Prometheus collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	SocketsActive      prometheus.Gauge
	SocketsOpened      prometheus.Counter
	SocketsClosed      *prometheus.CounterVec
	AudioBytes         prometheus.Counter
	TranscriptsEmitted prometheus.Counter

	ChatDeltas   prometheus.Counter
	ChatFailures prometheus.Counter
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voicechat_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "voicechat_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		SocketsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "voicechat_socket_connections_active",
			Help: "Current number of open transcription sockets",
		}),
		SocketsOpened: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicechat_socket_connections_total",
			Help: "Total number of transcription sockets accepted",
		}),
		SocketsClosed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voicechat_socket_disconnects_total",
			Help: "Total number of transcription sockets ended, by reason",
		}, []string{"reason"}),
		AudioBytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicechat_audio_bytes_received_total",
			Help: "Total PCM bytes received on mic events",
		}),
		TranscriptsEmitted: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicechat_transcripts_emitted_total",
			Help: "Total number of transcript events sent to clients",
		}),
		ChatDeltas: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicechat_chat_deltas_total",
			Help: "Total number of completion deltas relayed",
		}),
		ChatFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicechat_chat_failures_total",
			Help: "Total number of chat completions that failed",
		}),
	}
}

// Handler serves the Prometheus exposition for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

func (m *Metrics) socketOpened() {
	m.SocketsOpened.Inc()
	m.SocketsActive.Inc()
}

func (m *Metrics) socketClosed(reason string) {
	m.SocketsActive.Dec()
	m.SocketsClosed.WithLabelValues(reason).Inc()
}
