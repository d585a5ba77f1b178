// Package kafka is the Kafka broker backend, built on franz-go.
//
// Records are keyed by the decimal sequence key and spread over partitions
// by the default key hash. The tail offset used to resume numbering is the
// largest high watermark over all partitions of the topic.
package kafka

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/c360/camstream/errors"
	"github.com/c360/camstream/pkg/retry"
)

// DefaultMaxMessageBytes matches a 5 MiB producer request ceiling.
const DefaultMaxMessageBytes = 5 * 1024 * 1024

// Config describes the cluster and topic.
type Config struct {
	Brokers         []string
	Topic           string
	ClientID        string
	MaxMessageBytes int
	Linger          time.Duration
	DialTimeout     time.Duration
	// AutoCreateTopic lets produce metadata requests create a missing
	// topic on brokers with auto.create.topics.enable.
	AutoCreateTopic bool
}

// Client produces to Config.Topic and resolves its tail offset.
type Client struct {
	topic  string
	cl     *kgo.Client
	adm    *kadm.Client
	logger *slog.Logger

	mu       sync.Mutex
	inflight int
	firstErr error
}

// New creates the client and checks that at least one broker answers.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Client", "New", "brokers and topic are required")
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "camstream"
	}
	if logger == nil {
		logger = slog.Default().With("component", "kafka")
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ClientID(cfg.ClientID),
		kgo.DefaultProduceTopic(cfg.Topic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		// A record plus batch overhead must fit in one request.
		kgo.ProducerBatchMaxBytes(int32(cfg.MaxMessageBytes)),
		kgo.MaxBufferedRecords(64),
		kgo.DialTimeout(cfg.DialTimeout),
		kgo.WithLogger(&kgoLogger{logger: logger}),
	}
	if cfg.Linger > 0 {
		opts = append(opts, kgo.ProducerLinger(cfg.Linger))
	}
	if cfg.AutoCreateTopic {
		opts = append(opts, kgo.AllowAutoTopicCreation())
	}

	cl, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Client", "New", "build kafka client")
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()
	if err := cl.Ping(pingCtx); err != nil {
		cl.Close()
		return nil, errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrNoConnection, err), "Client", "New", "ping brokers")
	}

	return &Client{
		topic:  cfg.Topic,
		cl:     cl,
		adm:    kadm.NewClient(cl),
		logger: logger,
	}, nil
}

// Produce implements broker.Producer. The outcome is reported by Flush.
func (c *Client) Produce(ctx context.Context, key, value []byte) error {
	c.mu.Lock()
	c.inflight++
	c.mu.Unlock()

	c.cl.Produce(ctx, &kgo.Record{Key: key, Value: value}, func(r *kgo.Record, err error) {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.inflight--
		if err == nil || c.firstErr != nil {
			return
		}
		if errors.Is(err, kerr.MessageTooLarge) {
			// Retrying the same bytes cannot succeed.
			c.firstErr = retry.NonRetryable(fmt.Errorf("produce key %s: %w: %w", r.Key, errors.ErrPayloadTooLarge, err))
			return
		}
		c.firstErr = fmt.Errorf("produce key %s: %w", r.Key, err)
	})
	return nil
}

// Flush implements broker.Producer.
func (c *Client) Flush(ctx context.Context) error {
	if err := c.cl.Flush(ctx); err != nil {
		return errors.WrapTransient(err, "Client", "Flush", "wait for acknowledgements")
	}

	c.mu.Lock()
	err := c.firstErr
	c.firstErr = nil
	c.mu.Unlock()

	switch {
	case err == nil:
		return nil
	case errors.Is(err, errors.ErrPayloadTooLarge):
		return errors.WrapInvalid(err, "Client", "Flush", "confirm records")
	default:
		return errors.WrapTransient(fmt.Errorf("%w: %w", errors.ErrPublishFailed, err), "Client", "Flush", "confirm records")
	}
}

// TailOffset implements broker.OffsetResolver.
func (c *Client) TailOffset(ctx context.Context) (int64, error) {
	listed, err := c.adm.ListEndOffsets(ctx, c.topic)
	if err != nil {
		return 0, errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrResolveFailed, err),
			"Client", "TailOffset", "list end offsets")
	}

	var (
		tail     int64
		firstErr error
	)
	listed.Each(func(o kadm.ListedOffset) {
		switch {
		case o.Err == nil:
			if o.Offset > tail {
				tail = o.Offset
			}
		case errors.Is(o.Err, kerr.UnknownTopicOrPartition):
			// A topic that does not exist yet has an empty tail.
		case firstErr == nil:
			firstErr = fmt.Errorf("partition %d: %w", o.Partition, o.Err)
		}
	})
	if firstErr != nil {
		return 0, errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrResolveFailed, firstErr),
			"Client", "TailOffset", "list end offsets")
	}
	return tail, nil
}

// Close flushes nothing; callers Flush first. Records still buffered are
// failed by the client and logged here.
func (c *Client) Close() {
	c.mu.Lock()
	pending := c.inflight
	c.mu.Unlock()
	if pending > 0 {
		c.logger.Warn("Closing with unconfirmed records", "topic", c.topic, "pending", pending)
	}
	c.cl.Close()
}

// Pending returns the number of records produced but not yet confirmed or failed.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inflight
}

// kgoLogger forwards franz-go logs to slog.
type kgoLogger struct {
	logger *slog.Logger
}

func (l *kgoLogger) Level() kgo.LogLevel {
	if l.logger.Enabled(context.Background(), slog.LevelDebug) {
		return kgo.LogLevelDebug
	}
	return kgo.LogLevelWarn
}

func (l *kgoLogger) Log(level kgo.LogLevel, msg string, keyvals ...any) {
	switch level {
	case kgo.LogLevelError:
		l.logger.Error(msg, keyvals...)
	case kgo.LogLevelWarn:
		l.logger.Warn(msg, keyvals...)
	case kgo.LogLevelInfo:
		l.logger.Info(msg, keyvals...)
	default:
		l.logger.Debug(msg, keyvals...)
	}
}
