package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Namespace prefixes every camstream metric.
const Namespace = "camstream"

// Restart reasons recorded on DeviceRestarts.
const (
	RestartStall       = "stall"
	RestartReadError   = "read_error"
	RestartInvalidRate = "invalid_rate"
)

// Metrics contains the pipeline metrics shared by every stage
type Metrics struct {
	// Capture
	FramesCaptured     prometheus.Counter
	DeviceOpens        prometheus.Counter
	DeviceOpenFailures prometheus.Counter
	DeviceRestarts     *prometheus.CounterVec
	LastFrameTimestamp prometheus.Gauge
	StreamFPS          prometheus.Gauge

	// Chunk assembly
	ChunksAssembled *prometheus.CounterVec
	EmptyWindows    prometheus.Counter
	ChunkFrames     prometheus.Histogram

	// Encoding
	EncodeDuration prometheus.Histogram
	EncodeErrors   prometheus.Counter
	PayloadBytes   prometheus.Histogram

	// Publishing
	PublishLatency  prometheus.Histogram
	PublishRetries  prometheus.Counter
	ChunksPublished prometheus.Counter
	SequenceKey     prometheus.Gauge

	// Health
	ComponentHealth *prometheus.GaugeVec
}

// NewMetrics creates a new Metrics instance with all pipeline metrics
func NewMetrics() *Metrics {
	return &Metrics{
		FramesCaptured: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "capture",
			Name:      "frames_total",
			Help:      "Total number of frames read from the capture device",
		}),
		DeviceOpens: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "capture",
			Name:      "device_opens_total",
			Help:      "Total number of successful device opens",
		}),
		DeviceOpenFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "capture",
			Name:      "device_open_failures_total",
			Help:      "Total number of failed device open attempts",
		}),
		DeviceRestarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "capture",
			Name:      "device_restarts_total",
			Help:      "Device restarts by reason (stall, read_error, invalid_rate)",
		}, []string{"reason"}),
		LastFrameTimestamp: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "capture",
			Name:      "last_frame_timestamp_seconds",
			Help:      "Unix time of the most recent captured frame",
		}),
		StreamFPS: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "capture",
			Name:      "stream_fps",
			Help:      "Frame rate reported by the device at the last open",
		}),

		ChunksAssembled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "chunk",
			Name:      "assembled_total",
			Help:      "Chunks assembled, by the condition that closed the window (time, count)",
		}, []string{"closed_by"}),
		EmptyWindows: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "chunk",
			Name:      "empty_windows_total",
			Help:      "Windows that closed with no frames and emitted nothing",
		}),
		ChunkFrames: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "chunk",
			Name:      "frames",
			Help:      "Frames per assembled chunk",
			Buckets:   prometheus.LinearBuckets(0, 25, 13),
		}),

		EncodeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "encode",
			Name:      "duration_seconds",
			Help:      "Time spent encoding a chunk",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		EncodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "encode",
			Name:      "errors_total",
			Help:      "Chunks skipped because encoding failed",
		}),
		PayloadBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "encode",
			Name:      "payload_bytes",
			Help:      "Size of encoded chunk payloads",
			Buckets:   prometheus.ExponentialBuckets(16*1024, 2, 10),
		}),

		PublishLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "publish",
			Name:      "latency_seconds",
			Help:      "Time from chunk assembly end to confirmed publish",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		PublishRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "publish",
			Name:      "retries_total",
			Help:      "Produce+flush attempts that failed and were retried",
		}),
		ChunksPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "publish",
			Name:      "chunks_total",
			Help:      "Chunks confirmed by the broker",
		}),
		SequenceKey: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "publish",
			Name:      "sequence_key",
			Help:      "Last confirmed sequence key",
		}),

		ComponentHealth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "health",
			Name:      "status",
			Help:      "Component health (0=unhealthy, 1=degraded, 2=healthy)",
		}, []string{"component"}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.FramesCaptured,
		m.DeviceOpens,
		m.DeviceOpenFailures,
		m.DeviceRestarts,
		m.LastFrameTimestamp,
		m.StreamFPS,
		m.ChunksAssembled,
		m.EmptyWindows,
		m.ChunkFrames,
		m.EncodeDuration,
		m.EncodeErrors,
		m.PayloadBytes,
		m.PublishLatency,
		m.PublishRetries,
		m.ChunksPublished,
		m.SequenceKey,
		m.ComponentHealth,
	}
}

// RecordFrame counts a captured frame and stamps its arrival time.
func (m *Metrics) RecordFrame(at time.Time) {
	m.FramesCaptured.Inc()
	m.LastFrameTimestamp.Set(float64(at.UnixNano()) / 1e9)
}

// RecordDeviceOpen counts a successful open and records the reported rate.
func (m *Metrics) RecordDeviceOpen(fps float64) {
	m.DeviceOpens.Inc()
	m.StreamFPS.Set(fps)
}

// RecordDeviceOpenFailure counts a failed open attempt.
func (m *Metrics) RecordDeviceOpenFailure() {
	m.DeviceOpenFailures.Inc()
}

// RecordRestart counts a device restart for reason.
func (m *Metrics) RecordRestart(reason string) {
	m.DeviceRestarts.WithLabelValues(reason).Inc()
}

// RecordChunk counts an assembled chunk.
func (m *Metrics) RecordChunk(closedBy string, frames int) {
	m.ChunksAssembled.WithLabelValues(closedBy).Inc()
	m.ChunkFrames.Observe(float64(frames))
}

// RecordEmptyWindow counts a window that produced no frames.
func (m *Metrics) RecordEmptyWindow() {
	m.EmptyWindows.Inc()
}

// RecordEncode records a successful encode.
func (m *Metrics) RecordEncode(d time.Duration, payloadBytes int) {
	m.EncodeDuration.Observe(d.Seconds())
	m.PayloadBytes.Observe(float64(payloadBytes))
}

// RecordEncodeError counts a skipped chunk.
func (m *Metrics) RecordEncodeError() {
	m.EncodeErrors.Inc()
}

// RecordPublish records a confirmed publish.
func (m *Metrics) RecordPublish(key int64, latency time.Duration) {
	m.ChunksPublished.Inc()
	m.SequenceKey.Set(float64(key))
	m.PublishLatency.Observe(latency.Seconds())
}

// RecordPublishRetry counts a failed produce+flush attempt that will be retried.
func (m *Metrics) RecordPublishRetry() {
	m.PublishRetries.Inc()
}

// RecordHealth maps a health state string onto the ComponentHealth gauge.
func (m *Metrics) RecordHealth(component, state string) {
	var v float64
	switch state {
	case "healthy":
		v = 2
	case "degraded":
		v = 1
	}
	m.ComponentHealth.WithLabelValues(component).Set(v)
}
