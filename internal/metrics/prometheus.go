package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the voice gateway
type Metrics struct {
	// Session metrics
	ActiveSessions  prometheus.Gauge
	SessionsStarted prometheus.Counter
	SessionsEnded   prometheus.Counter
	SessionDuration prometheus.Histogram
	ConnectFailures prometheus.Counter

	// Relay metrics
	ClientAudioFrames   prometheus.Counter
	ClientAudioBytes    prometheus.Counter
	UpstreamAudioFrames prometheus.Counter
	UpstreamAudioBytes  prometheus.Counter
	PendingAudioDropped prometheus.Counter
	ControlMessages     *prometheus.CounterVec
	DecodeErrors        prometheus.Counter

	// Credential metrics
	TokenRefreshes      prometheus.Counter
	TokenRefreshErrors  prometheus.Counter

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// New creates and registers all gateway metrics on the default registry.
func New() *Metrics {
	return NewWith(prometheus.DefaultRegisterer)
}

// NewWith creates all gateway metrics on the given registerer. Tests use a
// fresh registry per test to avoid duplicate registration.
func NewWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		// Session metrics
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_active_sessions",
			Help: "Current number of active relay sessions",
		}),
		SessionsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_sessions_started_total",
			Help: "Total number of relay sessions started",
		}),
		SessionsEnded: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_sessions_ended_total",
			Help: "Total number of relay sessions ended",
		}),
		SessionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "gateway_session_duration_seconds",
			Help:    "Duration of relay sessions in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~68 minutes
		}),
		ConnectFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_upstream_connect_failures_total",
			Help: "Total number of failed upstream connection attempts",
		}),

		// Relay metrics
		ClientAudioFrames: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_client_audio_frames_total",
			Help: "Total number of audio frames relayed from client to upstream",
		}),
		ClientAudioBytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_client_audio_bytes_total",
			Help: "Total bytes of audio relayed from client to upstream",
		}),
		UpstreamAudioFrames: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_upstream_audio_frames_total",
			Help: "Total number of audio frames relayed from upstream to client",
		}),
		UpstreamAudioBytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_upstream_audio_bytes_total",
			Help: "Total bytes of audio relayed from upstream to client",
		}),
		PendingAudioDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_pending_audio_dropped_total",
			Help: "Total number of pre-ready audio frames dropped at buffer capacity",
		}),
		ControlMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_control_messages_total",
			Help: "Total number of control messages sent to clients",
		}, []string{"type"}),
		DecodeErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_decode_errors_total",
			Help: "Total number of malformed frames ignored by the relay",
		}),

		// Credential metrics
		TokenRefreshes: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_token_refreshes_total",
			Help: "Total number of OAuth token refreshes performed",
		}),
		TokenRefreshErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_token_refresh_errors_total",
			Help: "Total number of failed OAuth token refreshes",
		}),

		// HTTP API metrics
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
	}
}

// RecordSessionStart records a new relay session
func (m *Metrics) RecordSessionStart() {
	m.SessionsStarted.Inc()
	m.ActiveSessions.Inc()
}

// RecordSessionEnd records a finished relay session and its duration
func (m *Metrics) RecordSessionEnd(durationSeconds float64) {
	m.SessionsEnded.Inc()
	m.ActiveSessions.Dec()
	m.SessionDuration.Observe(durationSeconds)
}

// RecordConnectFailure records a failed upstream connection attempt
func (m *Metrics) RecordConnectFailure() {
	m.ConnectFailures.Inc()
}

// RecordClientAudio records an audio frame relayed from the client upstream
func (m *Metrics) RecordClientAudio(sizeBytes int) {
	m.ClientAudioFrames.Inc()
	m.ClientAudioBytes.Add(float64(sizeBytes))
}

// RecordUpstreamAudio records an audio frame relayed from upstream to the client
func (m *Metrics) RecordUpstreamAudio(sizeBytes int) {
	m.UpstreamAudioFrames.Inc()
	m.UpstreamAudioBytes.Add(float64(sizeBytes))
}

// RecordPendingAudioDrops records pre-ready audio frames dropped at capacity
func (m *Metrics) RecordPendingAudioDrops(count uint64) {
	m.PendingAudioDropped.Add(float64(count))
}

// RecordControlMessage records a control message sent to a client
func (m *Metrics) RecordControlMessage(messageType string) {
	m.ControlMessages.WithLabelValues(messageType).Inc()
}

// RecordDecodeError records a malformed frame that was ignored
func (m *Metrics) RecordDecodeError() {
	m.DecodeErrors.Inc()
}

// RecordTokenRefresh records an OAuth token refresh attempt outcome
func (m *Metrics) RecordTokenRefresh(err error) {
	if err != nil {
		m.TokenRefreshErrors.Inc()
		return
	}
	m.TokenRefreshes.Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}
