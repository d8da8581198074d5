package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// All metrics are updated off the pull path: the hardware-driven pull
// only touches plain atomics, and the accumulated values land here via
// the cold-path reporting calls (stop, session end, periodic sampler).
var (
	// Ring / sync metrics
	underrunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pcm_renderer_underruns_total",
		Help: "Pulls that found fewer bytes buffered than required",
	})

	wrapSkipsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pcm_renderer_wrap_skips_total",
		Help: "Pulls satisfied with silence because buffered data straddled the ring boundary",
	})

	pullsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pcm_renderer_pulls_total",
		Help: "Total pull requests served",
	})

	bufferFill = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pcm_renderer_buffer_fill_ratio",
		Help: "Ring buffer occupancy as a fraction of capacity",
	})

	reconfigures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pcm_renderer_reconfigures_total",
		Help: "Buffer reconfiguration attempts",
	}, []string{"status"}) // status: "ok" or "drain_timeout"

	drainTimeoutsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pcm_renderer_drain_timeouts_total",
		Help: "Lifecycle operations that skipped a buffer clear because the zero-copy grant was not released in time",
	}, []string{"op"})

	callbackTimeoutsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pcm_renderer_callback_timeouts_total",
		Help: "Producer callbacks that failed to signal completion within the stop deadline",
	})

	// Flow control metrics
	flowRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pcm_renderer_flow_retries_total",
		Help: "Backpressure microsleep retries in the producer send loop",
	})

	flowCriticalReturns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pcm_renderer_flow_critical_returns_total",
		Help: "Sends abandoned without waiting because the buffer was critically low",
	})

	// Audio throughput
	audioBytesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pcm_renderer_audio_bytes_total",
		Help: "Audio bytes handled, by pipeline direction",
	}, []string{"direction"}) // direction: "in" (producer) or "out" (pull)

	// Ingest sessions
	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pcm_renderer_active_sessions",
		Help: "Open ingest sessions",
	})

	sessionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pcm_renderer_sessions_total",
		Help: "Total ingest sessions accepted",
	})
)

// RecordStreamTotals folds a stop-time counter snapshot into the
// exported metrics. Called from cold paths only.
func RecordStreamTotals(pulls, bytesOut uint64, underruns, wrapSkips uint32) {
	pullsTotal.Add(float64(pulls))
	audioBytesTotal.WithLabelValues("out").Add(float64(bytesOut))
	underrunsTotal.Add(float64(underruns))
	wrapSkipsTotal.Add(float64(wrapSkips))
}

// RecordAudioBytesIn records bytes accepted at the producer boundary.
func RecordAudioBytesIn(n int) {
	audioBytesTotal.WithLabelValues("in").Add(float64(n))
}

// SetBufferFill updates the occupancy gauge.
func SetBufferFill(ratio float64) {
	bufferFill.Set(ratio)
}

// RecordReconfigure records the outcome of a reconfiguration attempt.
func RecordReconfigure(ok bool) {
	status := "ok"
	if !ok {
		status = "drain_timeout"
	}
	reconfigures.WithLabelValues(status).Inc()
}

// RecordDrainTimeout records a lifecycle operation that left the buffer
// uncleared because the consumer had not released its grant.
func RecordDrainTimeout(op string) {
	drainTimeoutsTotal.WithLabelValues(op).Inc()
}

// RecordCallbackTimeout records a producer callback that had to be
// force-cleared during stop.
func RecordCallbackTimeout() {
	callbackTimeoutsTotal.Inc()
}

// RecordFlowRetry counts one backpressure microsleep.
func RecordFlowRetry() {
	flowRetriesTotal.Inc()
}

// RecordFlowCriticalReturn counts one immediate critical-mode return.
func RecordFlowCriticalReturn() {
	flowCriticalReturns.Inc()
}

// SessionStarted and SessionEnded track ingest session lifecycle.
func SessionStarted() {
	activeSessions.Inc()
	sessionsTotal.Inc()
}

func SessionEnded() {
	activeSessions.Dec()
}
