package config

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c360/camstream/errors"
	"github.com/c360/camstream/pkg/buffer"
)

// Broker kinds
const (
	BrokerKafka     = "kafka"
	BrokerJetStream = "jetstream"
)

// Codec names
const (
	CodecFFmpeg    = "ffmpeg"
	CodecFramepack = "framepack"
)

// DefaultMaxMessageBytes matches the producer request ceiling of the deployed brokers (5 MiB).
const DefaultMaxMessageBytes = 5242880

// MinMaxMessageBytes leaves room for record framing around a payload.
const MinMaxMessageBytes = 4096

// Config represents the complete application configuration
type Config struct {
	Device  DeviceConfig  `json:"device"`
	Chunk   ChunkConfig   `json:"chunk"`
	Queue   QueueConfig   `json:"queue"`
	Encoder EncoderConfig `json:"encoder"`
	Broker  BrokerConfig  `json:"broker"`
	Publish PublishConfig `json:"publish"`
	Metrics MetricsConfig `json:"metrics"`
}

// DeviceConfig selects and tunes the capture device
type DeviceConfig struct {
	Source      string   `json:"source"`                 // ffmpeg input, e.g. /dev/video0 or rtsp://...
	Format      string   `json:"format,omitempty"`       // ffmpeg -f value, e.g. v4l2; empty lets ffmpeg probe
	PixelFormat string   `json:"pixel_format,omitempty"` // raw frame layout read from the device
	FFmpegPath  string   `json:"ffmpeg_path,omitempty"`
	FFprobePath string   `json:"ffprobe_path,omitempty"`
	InputArgs   []string `json:"input_args,omitempty"`

	// FPS and dimension overrides; zero means use what the device reports
	FPS    float64 `json:"fps,omitempty"`
	Width  int     `json:"width,omitempty"`
	Height int     `json:"height,omitempty"`

	ReopenInitialDelay time.Duration `json:"reopen_initial_delay"`
	ReopenMaxDelay     time.Duration `json:"reopen_max_delay"`
	OpenLogInterval    time.Duration `json:"open_log_interval"` // at most one open-failure log per interval
}

// ChunkConfig controls window assembly and the stall watchdog
type ChunkConfig struct {
	Window       time.Duration `json:"window"`
	PollInterval time.Duration `json:"poll_interval"`
	// StallThreshold is how far capture may lag the expected frame count, in
	// seconds of frames. Zero means the window length.
	StallThreshold time.Duration `json:"stall_threshold,omitempty"`
}

// QueueConfig sizes the frame queue between capture and assembly
type QueueConfig struct {
	Capacity int    `json:"capacity,omitempty"` // zero derives fps*window*4, minimum 64
	Policy   string `json:"policy"`             // drop_oldest, drop_newest, block
}

// EncoderConfig selects the container codec
type EncoderConfig struct {
	Codec       string   `json:"codec"`
	WorkDir     string   `json:"work_dir,omitempty"` // empty uses os.TempDir()
	FFmpegPath  string   `json:"ffmpeg_path,omitempty"`
	PixelFormat string   `json:"pixel_format,omitempty"` // raw input layout handed to ffmpeg
	ExtraArgs   []string `json:"extra_args,omitempty"`
	Compression string   `json:"compression,omitempty"` // framepack only: none, lz4, zstd
}

// BrokerConfig addresses the partitioned log
type BrokerConfig struct {
	Kind            string        `json:"kind"`
	Host            string        `json:"host"`
	Port            int           `json:"port"`
	Topic           string        `json:"topic"`
	MaxMessageBytes int           `json:"max_message_bytes"`
	Linger          time.Duration `json:"linger,omitempty"`
	DialTimeout     time.Duration `json:"dial_timeout"`

	// Kafka only: ask the broker to create a missing topic on first produce
	AutoCreateTopic bool `json:"auto_create_topic"`

	// JetStream only
	SubjectPrefix string `json:"subject_prefix,omitempty"`
	CreateStream  bool   `json:"create_stream,omitempty"`
}

// Address returns host:port
func (b BrokerConfig) Address() string {
	return fmt.Sprintf("%s:%d", b.Host, b.Port)
}

// PublishConfig bounds the produce+flush retry loop
type PublishConfig struct {
	MaxAttempts  int           `json:"max_attempts"`
	InitialDelay time.Duration `json:"initial_delay"`
	MaxDelay     time.Duration `json:"max_delay"`
}

// MetricsConfig controls the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Port    int    `json:"port"`
	Path    string `json:"path,omitempty"`
}

// EffectiveStallThreshold returns the watchdog threshold, defaulting to the window.
func (c ChunkConfig) EffectiveStallThreshold() time.Duration {
	if c.StallThreshold > 0 {
		return c.StallThreshold
	}
	return c.Window
}

// QueueCapacity derives the frame queue capacity for a stream running at fps.
func (c *Config) QueueCapacity(fps float64) int {
	if c.Queue.Capacity > 0 {
		return c.Queue.Capacity
	}
	n := int(math.Ceil(fps * c.Chunk.Window.Seconds() * 4))
	if n < 64 {
		n = 64
	}
	return n
}

// Default returns the default configuration
func Default() *Config {
	return &Config{
		Device: DeviceConfig{
			Source:             "/dev/video0",
			Format:             "v4l2",
			PixelFormat:        "bgr24",
			FFmpegPath:         "ffmpeg",
			FFprobePath:        "ffprobe",
			ReopenInitialDelay: 250 * time.Millisecond,
			ReopenMaxDelay:     10 * time.Second,
			OpenLogInterval:    10 * time.Second,
		},
		Chunk: ChunkConfig{
			Window:       5 * time.Second,
			PollInterval: 100 * time.Millisecond,
		},
		Queue: QueueConfig{
			Policy: "drop_oldest",
		},
		Encoder: EncoderConfig{
			Codec:       CodecFFmpeg,
			FFmpegPath:  "ffmpeg",
			PixelFormat: "bgr24",
			Compression: "none",
		},
		Broker: BrokerConfig{
			Kind:            BrokerKafka,
			Host:            "localhost",
			Port:            9092,
			Topic:           "TF-CAM-TEST",
			MaxMessageBytes: DefaultMaxMessageBytes,
			DialTimeout:     10 * time.Second,
			AutoCreateTopic: true,
			SubjectPrefix:   "camstream",
		},
		Publish: PublishConfig{
			MaxAttempts:  5,
			InitialDelay: 200 * time.Millisecond,
			MaxDelay:     5 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
			Path:    "/metrics",
		},
	}
}

// Validate checks if the config is valid. All problems are reported together.
func (c *Config) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{errors.ErrInvalidConfig}, args...)...))
	}

	if c.Device.Source == "" {
		fail("device.source is required")
	}
	if c.Device.FPS < 0 || math.IsNaN(c.Device.FPS) || math.IsInf(c.Device.FPS, 0) {
		fail("device.fps must be a finite value >= 0, got %v", c.Device.FPS)
	}
	if c.Device.Width < 0 || c.Device.Height < 0 {
		fail("device.width and device.height must be >= 0")
	}
	if c.Device.ReopenInitialDelay <= 0 || c.Device.ReopenMaxDelay < c.Device.ReopenInitialDelay {
		fail("device.reopen_initial_delay must be > 0 and <= reopen_max_delay")
	}

	if c.Chunk.Window <= 0 {
		fail("chunk.window must be > 0")
	}
	if c.Chunk.PollInterval <= 0 || c.Chunk.PollInterval > c.Chunk.Window {
		fail("chunk.poll_interval must be > 0 and <= chunk.window")
	}
	if c.Chunk.StallThreshold < 0 {
		fail("chunk.stall_threshold must be >= 0")
	}

	if c.Queue.Capacity < 0 {
		fail("queue.capacity must be >= 0")
	}
	if _, ok := buffer.ParseOverflowPolicy(c.Queue.Policy); !ok {
		fail("queue.policy %q is not one of drop_oldest, drop_newest, block", c.Queue.Policy)
	}

	switch c.Encoder.Codec {
	case CodecFFmpeg, CodecFramepack:
	default:
		fail("encoder.codec %q is not one of ffmpeg, framepack", c.Encoder.Codec)
	}
	switch c.Encoder.Compression {
	case "", "none", "lz4", "zstd":
	default:
		fail("encoder.compression %q is not one of none, lz4, zstd", c.Encoder.Compression)
	}

	switch c.Broker.Kind {
	case BrokerKafka, BrokerJetStream:
	default:
		fail("broker.kind %q is not one of kafka, jetstream", c.Broker.Kind)
	}
	if c.Broker.Host == "" {
		fail("broker.host is required")
	}
	if c.Broker.Port <= 0 || c.Broker.Port > 65535 {
		fail("broker.port %d out of range", c.Broker.Port)
	}
	if c.Broker.Kind == BrokerJetStream {
		if !isSubjectToken(c.Broker.Topic) {
			fail("broker.topic %q must be 1-249 characters of [a-zA-Z0-9_-] for jetstream", c.Broker.Topic)
		}
		if !isSubjectToken(c.Broker.SubjectPrefix) {
			fail("broker.subject_prefix %q is not a valid subject token", c.Broker.SubjectPrefix)
		}
	} else if !isKafkaTopic(c.Broker.Topic) {
		fail("broker.topic %q must be 1-249 characters of [a-zA-Z0-9._-]", c.Broker.Topic)
	}
	if c.Broker.MaxMessageBytes < MinMaxMessageBytes {
		fail("broker.max_message_bytes must be >= %d", MinMaxMessageBytes)
	}

	if c.Publish.MaxAttempts < 1 {
		fail("publish.max_attempts must be >= 1")
	}
	if c.Publish.InitialDelay <= 0 || c.Publish.MaxDelay < c.Publish.InitialDelay {
		fail("publish.initial_delay must be > 0 and <= publish.max_delay")
	}

	if c.Metrics.Port < 0 || c.Metrics.Port > 65535 {
		fail("metrics.port %d out of range", c.Metrics.Port)
	}

	return errors.Join(errs...)
}

// isKafkaTopic accepts legal Kafka topic names.
func isKafkaTopic(s string) bool {
	if s == "." || s == ".." {
		return false
	}
	return validName(s, true)
}

// isSubjectToken accepts a single NATS subject token with no wildcards
// or separators.
func isSubjectToken(s string) bool {
	return validName(s, false)
}

func validName(s string, allowDot bool) bool {
	if len(s) == 0 || len(s) > 249 {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '_' || r == '-':
		case r == '.' && allowDot:
		default:
			return false
		}
	}
	return true
}

// Loader handles configuration loading with layers and overrides
type Loader struct {
	layers    []string
	envPrefix string
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		layers:    []string{},
		envPrefix: "CAMSTREAM",
	}
}

// AddLayer adds a configuration file layer
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// LoadFile loads configuration from a single file
func (l *Loader) LoadFile(path string) (*Config, error) {
	l.layers = []string{path}
	return l.Load()
}

// Load merges defaults, every file layer in order, then environment overrides.
// It does not validate; callers apply their own overrides and then Validate.
func (l *Loader) Load() (*Config, error) {
	cfg := Default()

	for _, path := range l.layers {
		raw, err := l.loadRaw(path)
		if err != nil {
			return nil, errors.WrapFatal(err, "Loader", "Load", fmt.Sprintf("load %s", path))
		}
		merged, err := l.mergeFromMap(cfg, raw)
		if err != nil {
			return nil, errors.WrapFatal(fmt.Errorf("%w: %v", errors.ErrInvalidConfig, err),
				"Loader", "Load", fmt.Sprintf("merge %s", path))
		}
		cfg = merged
	}

	if err := l.applyEnvOverrides(cfg); err != nil {
		return nil, errors.WrapFatal(err, "Loader", "Load", "apply environment overrides")
	}

	return cfg, nil
}

// loadRaw reads a JSON or YAML file into a generic map
func (l *Loader) loadRaw(path string) (map[string]any, error) {
	data, err := safeReadFile(path)
	if err != nil {
		return nil, err
	}

	var raw map[string]any
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse yaml: %w", err)
		}
	default:
		if err := validateJSONDepth(data); err != nil {
			return nil, fmt.Errorf("invalid JSON structure: %w", err)
		}
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse json: %w", err)
		}
	}

	if err := parseDurations(raw); err != nil {
		return nil, err
	}

	return raw, nil
}

// durationFields lists the section.key pairs holding time.Duration values
var durationFields = map[string][]string{
	"device":  {"reopen_initial_delay", "reopen_max_delay", "open_log_interval"},
	"chunk":   {"window", "poll_interval", "stall_threshold"},
	"broker":  {"linger", "dial_timeout"},
	"publish": {"initial_delay", "max_delay"},
}

// parseDurations converts duration strings ("5s", "100ms") to nanoseconds for json unmarshaling.
// Numbers are left alone and read as nanoseconds, which is what SaveToFile writes.
func parseDurations(data map[string]any) error {
	for section, keys := range durationFields {
		sec, ok := data[section].(map[string]any)
		if !ok {
			continue
		}
		for _, key := range keys {
			switch v := sec[key].(type) {
			case string:
				d, err := time.ParseDuration(v)
				if err != nil {
					return fmt.Errorf("%w: %s.%s: %v", errors.ErrInvalidConfig, section, key, err)
				}
				sec[key] = d.Nanoseconds()
			}
		}
	}
	return nil
}

// mergeFromMap merges configuration from a raw map, only overriding fields present in the map
func (l *Loader) mergeFromMap(base *Config, override map[string]any) (*Config, error) {
	if override == nil {
		return base, nil
	}

	baseJSON, err := json.Marshal(base)
	if err != nil {
		return nil, err
	}

	var baseMap map[string]any
	if err := json.Unmarshal(baseJSON, &baseMap); err != nil {
		return nil, err
	}

	mergedJSON, err := json.Marshal(deepMergeMaps(baseMap, override))
	if err != nil {
		return nil, err
	}

	var merged Config
	if err := json.Unmarshal(mergedJSON, &merged); err != nil {
		return nil, err
	}

	return &merged, nil
}

// deepMergeMaps recursively merges two maps, with override taking precedence
func deepMergeMaps(base, override map[string]any) map[string]any {
	result := make(map[string]any, len(base))

	for k, v := range base {
		result[k] = v
	}

	for k, v := range override {
		if v == nil {
			continue
		}

		if baseMap, baseOk := base[k].(map[string]any); baseOk {
			if overrideMap, overrideOk := v.(map[string]any); overrideOk {
				result[k] = deepMergeMaps(baseMap, overrideMap)
				continue
			}
		}

		result[k] = v
	}

	return result
}

// applyEnvOverrides applies CAMSTREAM_* environment variable overrides
func (l *Loader) applyEnvOverrides(cfg *Config) error {
	str := func(name string, dst *string) error {
		key := l.envPrefix + "_" + name
		val := os.Getenv(key)
		if err := validateEnvVar(key, val); err != nil {
			return err
		}
		if val != "" {
			*dst = val
		}
		return nil
	}
	num := func(name string, dst *int) error {
		key := l.envPrefix + "_" + name
		val := os.Getenv(key)
		if val == "" {
			return nil
		}
		n, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("%w: %s=%q is not an integer", errors.ErrInvalidConfig, key, val)
		}
		*dst = n
		return nil
	}
	dur := func(name string, dst *time.Duration) error {
		key := l.envPrefix + "_" + name
		val := os.Getenv(key)
		if val == "" {
			return nil
		}
		d, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("%w: %s=%q is not a duration", errors.ErrInvalidConfig, key, val)
		}
		*dst = d
		return nil
	}

	return errors.Join(
		str("DEVICE", &cfg.Device.Source),
		str("DEVICE_FORMAT", &cfg.Device.Format),
		dur("WINDOW", &cfg.Chunk.Window),
		str("QUEUE_POLICY", &cfg.Queue.Policy),
		str("CODEC", &cfg.Encoder.Codec),
		str("WORK_DIR", &cfg.Encoder.WorkDir),
		str("BROKER_KIND", &cfg.Broker.Kind),
		str("BROKER_HOST", &cfg.Broker.Host),
		num("BROKER_PORT", &cfg.Broker.Port),
		str("TOPIC", &cfg.Broker.Topic),
		num("METRICS_PORT", &cfg.Metrics.Port),
	)
}

// SaveToFile saves the configuration as JSON, or YAML when the path ends in .yaml/.yml
func (c *Config) SaveToFile(path string) error {
	var (
		data []byte
		err  error
	)

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		var m map[string]any
		raw, jerr := json.Marshal(c)
		if jerr != nil {
			return jerr
		}
		if jerr := json.Unmarshal(raw, &m); jerr != nil {
			return jerr
		}
		data, err = yaml.Marshal(m)
	default:
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return err
	}

	return safeWriteFile(path, data)
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}
