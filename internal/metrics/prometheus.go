package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the voice gateway.
type Metrics struct {
	// Audio pipeline metrics
	FramesEmitted prometheus.Counter
	FramesDropped prometheus.Counter
	AudioBytesIn  prometheus.Counter

	// Transcription metrics, labeled by mode (batch, realtime)
	TranscriptionRequests  *prometheus.CounterVec
	TranscriptionFailures  *prometheus.CounterVec
	TranscriptionDuration  *prometheus.HistogramVec
	RealtimeSessionsOpened prometheus.Counter
	RealtimeTurnsCancelled prometheus.Counter

	// Conversation metrics
	Turns        *prometheus.CounterVec
	TurnDuration *prometheus.HistogramVec
	StateResets  *prometheus.CounterVec

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	ActiveVoiceStreams  prometheus.Gauge
}

// NewMetrics creates and registers all gateway metrics with the given
// registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		FramesEmitted: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_audio_frames_emitted_total",
			Help: "Total number of complete audio frames delivered to consumers",
		}),
		FramesDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_audio_frames_dropped_total",
			Help: "Total number of audio frames dropped because no consumer kept up",
		}),
		AudioBytesIn: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_audio_bytes_in_total",
			Help: "Total bytes of raw audio received over the voice stream",
		}),

		TranscriptionRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_transcription_requests_total",
			Help: "Total number of transcription requests sent",
		}, []string{"mode"}),
		TranscriptionFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_transcription_failures_total",
			Help: "Total number of failed transcription requests",
		}, []string{"mode", "reason"}),
		TranscriptionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_transcription_duration_seconds",
			Help:    "Duration of transcription requests",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~2 minutes
		}, []string{"mode"}),
		RealtimeSessionsOpened: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_realtime_sessions_opened_total",
			Help: "Total number of ephemeral realtime sessions negotiated",
		}),
		RealtimeTurnsCancelled: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_realtime_turns_cancelled_total",
			Help: "Total number of pending transcription turns cancelled",
		}),

		Turns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_conversation_turns_total",
			Help: "Total number of conversation turns processed",
		}, []string{"domain", "outcome"}),
		TurnDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_conversation_turn_duration_seconds",
			Help:    "End-to-end duration of conversation turns",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		}, []string{"domain"}),
		StateResets: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_state_resets_total",
			Help: "Total number of conversation state resets",
		}, []string{"domain"}),

		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		ActiveVoiceStreams: factory.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_active_voice_streams",
			Help: "Current number of open voice websocket streams",
		}),
	}
}

// RecordFrameEmitted increments the emitted frames counter.
func (m *Metrics) RecordFrameEmitted() {
	m.FramesEmitted.Inc()
}

// RecordFrameDropped increments the dropped frames counter.
func (m *Metrics) RecordFrameDropped() {
	m.FramesDropped.Inc()
}

// RecordAudioBytes adds to the raw audio byte counter.
func (m *Metrics) RecordAudioBytes(n int) {
	m.AudioBytesIn.Add(float64(n))
}

// RecordTranscription records one transcription request and its outcome.
func (m *Metrics) RecordTranscription(mode string, durationSeconds float64, failureReason string) {
	m.TranscriptionRequests.WithLabelValues(mode).Inc()
	m.TranscriptionDuration.WithLabelValues(mode).Observe(durationSeconds)
	if failureReason != "" {
		m.TranscriptionFailures.WithLabelValues(mode, failureReason).Inc()
	}
}

// RecordRealtimeSession increments the negotiated sessions counter.
func (m *Metrics) RecordRealtimeSession() {
	m.RealtimeSessionsOpened.Inc()
}

// RecordTurnCancelled increments the cancelled turns counter.
func (m *Metrics) RecordTurnCancelled() {
	m.RealtimeTurnsCancelled.Inc()
}

// RecordTurn records one conversation turn.
func (m *Metrics) RecordTurn(domain, outcome string, durationSeconds float64) {
	m.Turns.WithLabelValues(domain, outcome).Inc()
	m.TurnDuration.WithLabelValues(domain).Observe(durationSeconds)
}

// RecordStateReset increments the reset counter for a domain.
func (m *Metrics) RecordStateReset(domain string) {
	m.StateResets.WithLabelValues(domain).Inc()
}

// RecordHTTPRequest records an HTTP request.
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}
