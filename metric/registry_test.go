package metric

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/camstream/errors"
)

func gatherNames(t *testing.T, r *MetricsRegistry) map[string]*dto.MetricFamily {
	t.Helper()
	families, err := r.PrometheusRegistry().Gather()
	require.NoError(t, err)
	out := make(map[string]*dto.MetricFamily, len(families))
	for _, mf := range families {
		out[mf.GetName()] = mf
	}
	return out
}

func TestNewMetricsRegistry(t *testing.T) {
	registry := NewMetricsRegistry()

	require.NotNil(t, registry)
	require.NotNil(t, registry.PrometheusRegistry())
	assert.Same(t, registry.Metrics, registry.CoreMetrics())

	// Touch vec metrics so they appear in Gather
	registry.Metrics.RecordRestart(RestartStall)
	registry.Metrics.RecordChunk("time", 10)
	registry.Metrics.RecordHealth("capture", "healthy")

	names := gatherNames(t, registry)
	for _, want := range []string{
		"camstream_capture_frames_total",
		"camstream_capture_device_restarts_total",
		"camstream_chunk_assembled_total",
		"camstream_encode_duration_seconds",
		"camstream_publish_sequence_key",
		"camstream_health_status",
		"go_goroutines",
	} {
		assert.Contains(t, names, want)
	}
}

func TestMetricsRegistry_RegisterKinds(t *testing.T) {
	registry := NewMetricsRegistry()

	require.NoError(t, registry.RegisterCounter("capture", "test_counter",
		prometheus.NewCounter(prometheus.CounterOpts{Name: "test_counter", Help: "h"})))
	require.NoError(t, registry.RegisterGauge("capture", "test_gauge",
		prometheus.NewGauge(prometheus.GaugeOpts{Name: "test_gauge", Help: "h"})))
	names := gatherNames(t, registry)
	for _, want := range []string{"test_counter", "test_gauge"} {
		assert.Contains(t, names, want)
	}
}

func TestMetricsRegistry_PreventDuplicateRegistration(t *testing.T) {
	registry := NewMetricsRegistry()

	c1 := prometheus.NewCounter(prometheus.CounterOpts{Name: "dup_counter", Help: "h"})
	require.NoError(t, registry.RegisterCounter("publisher", "dup_counter", c1))

	// Same key
	err := registry.RegisterCounter("publisher", "dup_counter", c1)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	// Different key, same prometheus descriptor
	c2 := prometheus.NewCounter(prometheus.CounterOpts{Name: "dup_counter", Help: "h"})
	err = registry.RegisterCounter("other", "dup_counter", c2)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestMetricsRegistry_Unregister(t *testing.T) {
	registry := NewMetricsRegistry()

	g := prometheus.NewGauge(prometheus.GaugeOpts{Name: "temp_gauge", Help: "h"})
	require.NoError(t, registry.RegisterGauge("chunk", "temp_gauge", g))

	assert.True(t, registry.Unregister("chunk", "temp_gauge"))
	assert.False(t, registry.Unregister("chunk", "temp_gauge"))

	// Slot is free again
	require.NoError(t, registry.RegisterGauge("chunk", "temp_gauge", g))
}

func TestMetricsRegistry_ThreadSafety(t *testing.T) {
	registry := NewMetricsRegistry()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := fmt.Sprintf("concurrent_%d", i)
			_ = registry.RegisterCounter("svc", name,
				prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: "h"}))
		}(i)
	}
	wg.Wait()

	names := gatherNames(t, registry)
	for i := 0; i < 20; i++ {
		assert.Contains(t, names, fmt.Sprintf("concurrent_%d", i))
	}
}

func TestCoreMetrics_RecordMethods(t *testing.T) {
	m := NewMetrics()

	m.RecordFrame(time.Unix(1700000000, 0))
	m.RecordDeviceOpen(30)
	m.RecordDeviceOpenFailure()
	m.RecordRestart(RestartReadError)
	m.RecordEmptyWindow()
	m.RecordEncode(200*time.Millisecond, 4096)
	m.RecordEncodeError()
	m.RecordPublish(42, time.Second)
	m.RecordPublishRetry()
	m.RecordHealth("publisher", "degraded")

	read := func(c prometheus.Collector) *dto.Metric {
		ch := make(chan prometheus.Metric, 1)
		c.Collect(ch)
		var out dto.Metric
		require.NoError(t, (<-ch).Write(&out))
		return &out
	}

	assert.Equal(t, 1.0, read(m.FramesCaptured).GetCounter().GetValue())
	assert.Equal(t, 1700000000.0, read(m.LastFrameTimestamp).GetGauge().GetValue())
	assert.Equal(t, 30.0, read(m.StreamFPS).GetGauge().GetValue())
	assert.Equal(t, 42.0, read(m.SequenceKey).GetGauge().GetValue())
	assert.Equal(t, 1.0, read(m.PublishRetries).GetCounter().GetValue())
	assert.Equal(t, uint64(1), read(m.PublishLatency).GetHistogram().GetSampleCount())
	assert.Equal(t, 1.0, read(m.ComponentHealth.WithLabelValues("publisher")).GetGauge().GetValue())
}

func TestServer_Handler(t *testing.T) {
	registry := NewMetricsRegistry()
	registry.Metrics.RecordPublish(7, time.Millisecond)

	srv := NewServer(0, "", registry)
	srv.Handle("/health", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.Contains(string(body), "camstream_publish_sequence_key 7"))

	resp, err = http.Get(ts.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestServer_StartStop(t *testing.T) {
	srv := NewServer(0, "/metrics", NewMetricsRegistry())

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	require.Eventually(t, func() bool {
		if srv.Port() == 0 {
			return false
		}
		resp, err := http.Get(fmt.Sprintf("http://localhost:%d/health", srv.Port()))
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))
	require.NoError(t, <-errCh)
}

func TestServer_StartWithoutRegistry(t *testing.T) {
	srv := NewServer(0, "", nil)
	err := srv.Start()
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))
}
