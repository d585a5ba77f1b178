// Package config loads and validates camstream configuration.
//
// Configuration is assembled in layers:
//
//  1. Default() values
//  2. each file added with AddLayer, JSON or YAML by extension, merged key by key
//  3. CAMSTREAM_* environment variables
//  4. command-line flags, applied by cmd/camstream after Load
//
// Only keys present in a layer override the layer below, so a file that sets
// just broker.host keeps every other default.
//
// Durations are written as Go duration strings in files ("5s", "100ms").
// Numeric values are read as nanoseconds.
//
//	loader := config.NewLoader()
//	loader.AddLayer("/etc/camstream/camstream.yaml")
//	cfg, err := loader.Load()
//	if err == nil {
//		err = cfg.Validate()
//	}
//
// Environment overrides:
//
//	CAMSTREAM_DEVICE          device.source
//	CAMSTREAM_DEVICE_FORMAT   device.format
//	CAMSTREAM_WINDOW          chunk.window
//	CAMSTREAM_QUEUE_POLICY    queue.policy
//	CAMSTREAM_CODEC           encoder.codec
//	CAMSTREAM_WORK_DIR        encoder.work_dir
//	CAMSTREAM_BROKER_KIND     broker.kind
//	CAMSTREAM_BROKER_HOST     broker.host
//	CAMSTREAM_BROKER_PORT     broker.port
//	CAMSTREAM_TOPIC           broker.topic
//	CAMSTREAM_METRICS_PORT    metrics.port
//
// Every validation failure wraps errors.ErrInvalidConfig and is therefore
// classified fatal. Validate reports all problems at once.
//
// File reads are guarded: only .json, .yaml and .yml files, no parent
// directory escapes for relative paths, a 10MB size cap and a JSON nesting
// limit.
package config
