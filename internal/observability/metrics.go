package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session metrics
	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voice_chat_active_sessions",
		Help: "Number of connected microphone sessions",
	})

	totalSessions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_chat_sessions_total",
		Help: "Total number of microphone sessions",
	})

	sessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voice_chat_session_duration_seconds",
		Help:    "Duration of microphone sessions in seconds",
		Buckets: []float64{10, 30, 60, 300, 900, 1800, 3600},
	})

	sessionResets = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_chat_resets_total",
		Help: "Total number of session resets",
	})

	// Segmentation metrics
	audioChunks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_chat_audio_chunks_total",
		Help: "Audio chunks handed to the segmenter",
	}, []string{"kind"}) // kind: "audio", "tick", "invalid"

	utterances = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_chat_utterances_total",
		Help: "Finalized utterances",
	})

	utteranceDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voice_chat_utterance_duration_seconds",
		Help:    "Audio duration of finalized utterances",
		Buckets: []float64{0.5, 1, 2, 4, 8, 15, 30},
	})

	// Transcription metrics
	transcriptions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_chat_transcriptions_total",
		Help: "Transcription requests by outcome",
	}, []string{"status"}) // status: "success", "empty", "error", "cancelled"

	transcriptionLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voice_chat_transcription_latency_seconds",
		Help:    "Transcription latency in seconds",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0},
	})

	// Reply metrics
	replyStreams = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_chat_reply_streams_total",
		Help: "Reply streams by backend and outcome",
	}, []string{"backend", "status"}) // status: "complete", "transport_error", "cancelled", "stale"

	replyDeltas = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_chat_reply_deltas_total",
		Help: "Reply deltas published to sinks",
	})

	replyFirstDelta = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voice_chat_reply_first_delta_seconds",
		Help:    "Time from stream open to first delta",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0},
	})

	replyDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voice_chat_reply_duration_seconds",
		Help:    "Duration of a full reply stream",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
	})

	parseSkips = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_chat_frame_parse_skips_total",
		Help: "Streaming frames skipped because they did not parse",
	})

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_chat_errors_total",
		Help: "Total number of errors",
	}, []string{"type", "component"})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "voice_chat_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})

	circuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_chat_circuit_breaker_failures_total",
		Help: "Total circuit breaker failures",
	}, []string{"service"})
)

// Metrics tracks metrics for a single mic session
type Metrics struct {
	startTime time.Time

	mu            sync.Mutex
	replyStart    time.Time
	sawFirstDelta bool
}

// NewSessionMetrics creates a new metrics tracker for a session
func NewSessionMetrics() *Metrics {
	return &Metrics{
		startTime: time.Now(),
	}
}

// RecordSessionStart records the start of a session
func (m *Metrics) RecordSessionStart() {
	activeSessions.Inc()
	totalSessions.Inc()
}

// RecordSessionEnd records the end of a session
func (m *Metrics) RecordSessionEnd() {
	activeSessions.Dec()
	sessionDuration.Observe(time.Since(m.startTime).Seconds())
}

// RecordReset records a session reset
func (m *Metrics) RecordReset() {
	sessionResets.Inc()
}

// RecordChunk records one call into the segmenter
func (m *Metrics) RecordChunk(kind string) {
	audioChunks.WithLabelValues(kind).Inc()
}

// RecordUtterance records a finalized utterance
func (m *Metrics) RecordUtterance(d time.Duration) {
	utterances.Inc()
	utteranceDuration.Observe(d.Seconds())
}

// RecordTranscription records the outcome and latency of a transcription.
// Transcriptions of consecutive utterances may overlap, so latency is passed in.
func (m *Metrics) RecordTranscription(status string, latency time.Duration) {
	transcriptionLatency.Observe(latency.Seconds())
	transcriptions.WithLabelValues(status).Inc()
}

// RecordReplyStart records that a reply stream was opened
func (m *Metrics) RecordReplyStart() {
	m.mu.Lock()
	m.replyStart = time.Now()
	m.sawFirstDelta = false
	m.mu.Unlock()
}

// RecordDelta records one published delta
func (m *Metrics) RecordDelta() {
	replyDeltas.Inc()

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.sawFirstDelta && !m.replyStart.IsZero() {
		m.sawFirstDelta = true
		replyFirstDelta.Observe(time.Since(m.replyStart).Seconds())
	}
}

// RecordReplyEnd records the end of a reply stream
func (m *Metrics) RecordReplyEnd(backend, status string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.replyStart.IsZero() {
		replyDuration.Observe(time.Since(m.replyStart).Seconds())
	}
	replyStreams.WithLabelValues(backend, status).Inc()
}

// RecordError records an error
func (m *Metrics) RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}

// RecordParseSkip counts a streaming frame that did not parse
func RecordParseSkip() {
	parseSkips.Inc()
}

// UpdateCircuitBreakerState updates circuit breaker state metric
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}

// IncrementCircuitBreakerFailures increments circuit breaker failure counter
func IncrementCircuitBreakerFailures(service string) {
	circuitBreakerFailures.WithLabelValues(service).Inc()
}
