// Package metric provides the Prometheus registry and HTTP exposition for camstream.
//
// NewMetricsRegistry creates a registry that already carries the pipeline
// metrics (Metrics) plus the Go runtime and process collectors. Components
// add their own collectors through the MetricsRegistrar methods, which key
// every registration by component and metric name and reject duplicates
// with an Invalid-class error.
//
// All pipeline metrics live under the camstream_ namespace:
//
//	camstream_capture_frames_total
//	camstream_capture_device_restarts_total{reason}
//	camstream_chunk_assembled_total{closed_by}
//	camstream_chunk_empty_windows_total
//	camstream_encode_duration_seconds
//	camstream_encode_errors_total
//	camstream_publish_latency_seconds
//	camstream_publish_retries_total
//	camstream_publish_sequence_key
//
// Server exposes /metrics via promhttp and /health. Mount the aggregated
// health monitor with Handle before Start:
//
//	srv := metric.NewServer(cfg.Metrics.Port, cfg.Metrics.Path, registry)
//	srv.Handle("/health", health.Handler(monitor, "camstream"))
//	go srv.Start()
//	defer srv.Shutdown(ctx)
package metric
