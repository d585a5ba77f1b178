// Package jetstream is the NATS JetStream broker backend.
//
// The configured topic names a stream. Chunks are published to
// "<prefix>.<topic>" with the sequence key as the message id, so the
// server drops a duplicate produced by a retry. The tail offset is the
// stream's last sequence number.
package jetstream

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/camstream/errors"
	"github.com/c360/camstream/pkg/retry"
)

// SeqHeader carries the decimal sequence key on every message.
const SeqHeader = "Camstream-Seq"

// Config describes the server, stream and connection behaviour.
type Config struct {
	URL           string
	Topic         string
	SubjectPrefix string
	ClientName    string

	Username string
	Password string
	Token    string

	MaxReconnects int
	ReconnectWait time.Duration
	PingInterval  time.Duration
	Timeout       time.Duration

	// CreateStream creates or updates the stream on connect.
	CreateStream    bool
	MaxMessageBytes int
}

// Subject returns the subject chunks are published on.
func (c Config) Subject() string {
	prefix := c.SubjectPrefix
	if prefix == "" {
		prefix = "camstream"
	}
	return prefix + "." + c.Topic
}

func (c Config) withDefaults() Config {
	if c.MaxReconnects == 0 {
		c.MaxReconnects = -1
	}
	if c.ReconnectWait <= 0 {
		c.ReconnectWait = 2 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.ClientName == "" {
		c.ClientName = "camstream"
	}
	return c
}

// Client publishes to one stream.
type Client struct {
	cfg     Config
	subject string
	logger  *slog.Logger

	conn *nats.Conn
	js   jetstream.JetStream

	mu      sync.Mutex
	pending []jetstream.PubAckFuture

	connected atomic.Bool
	closed    atomic.Bool
}

// Connect dials the server and prepares the stream.
func Connect(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.URL == "" || cfg.Topic == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Client", "Connect", "url and topic are required")
	}
	if logger == nil {
		logger = slog.Default().With("component", "jetstream")
	}

	c := &Client{
		cfg:     cfg.withDefaults(),
		subject: cfg.Subject(),
		logger:  logger,
	}

	logger.Info("Connecting to NATS", "url", c.cfg.URL, "subject", c.subject)

	connectDone := make(chan error, 1)
	go func() {
		conn, err := nats.Connect(c.cfg.URL, c.connectionOptions()...)
		if err != nil {
			connectDone <- err
			return
		}
		c.conn = conn
		connectDone <- nil
	}()

	select {
	case err := <-connectDone:
		if err != nil {
			return nil, errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrNoConnection, err),
				"Client", "Connect", "establish connection")
		}
	case <-ctx.Done():
		go func() {
			// The dial goroutine may still succeed; release that connection.
			if err := <-connectDone; err == nil {
				c.conn.Close()
			}
		}()
		return nil, errors.WrapTransient(ctx.Err(), "Client", "Connect", "connection cancelled")
	}
	c.connected.Store(true)

	js, err := jetstream.New(c.conn)
	if err != nil {
		c.conn.Close()
		return nil, errors.WrapFatal(err, "Client", "Connect", "initialise jetstream")
	}
	c.js = js

	if c.cfg.CreateStream {
		if err := c.ensureStream(ctx); err != nil {
			c.conn.Close()
			return nil, err
		}
	}

	logger.Info("Connected to NATS", "url", c.conn.ConnectedUrlRedacted())
	return c, nil
}

func (c *Client) connectionOptions() []nats.Option {
	opts := []nats.Option{
		nats.Name(c.cfg.ClientName),
		nats.MaxReconnects(c.cfg.MaxReconnects),
		nats.ReconnectWait(c.cfg.ReconnectWait),
		nats.PingInterval(c.cfg.PingInterval),
		nats.Timeout(c.cfg.Timeout),
		nats.DisconnectErrHandler(c.handleDisconnect),
		nats.ReconnectHandler(c.handleReconnect),
		nats.ClosedHandler(c.handleClosed),
		nats.ErrorHandler(c.handleError),
	}
	if c.cfg.Username != "" && c.cfg.Password != "" {
		opts = append(opts, nats.UserInfo(c.cfg.Username, c.cfg.Password))
	}
	if c.cfg.Token != "" {
		opts = append(opts, nats.Token(c.cfg.Token))
	}
	return opts
}

func (c *Client) handleDisconnect(_ *nats.Conn, err error) {
	c.connected.Store(false)
	if err != nil {
		c.logger.Warn("NATS disconnected", "error", err)
	}
}

func (c *Client) handleReconnect(conn *nats.Conn) {
	c.connected.Store(true)
	c.logger.Info("NATS reconnected", "url", conn.ConnectedUrlRedacted())
}

func (c *Client) handleClosed(_ *nats.Conn) {
	c.connected.Store(false)
	c.logger.Debug("NATS connection closed")
}

func (c *Client) handleError(_ *nats.Conn, sub *nats.Subscription, err error) {
	subject := ""
	if sub != nil {
		subject = sub.Subject
	}
	c.logger.Error("NATS async error", "subject", subject, "error", err)
}

func (c *Client) ensureStream(ctx context.Context) error {
	sc := jetstream.StreamConfig{
		Name:     c.cfg.Topic,
		Subjects: []string{c.subject},
		Storage:  jetstream.FileStorage,
	}
	if c.cfg.MaxMessageBytes > 0 {
		sc.MaxMsgSize = int32(c.cfg.MaxMessageBytes)
	}
	if _, err := c.js.CreateOrUpdateStream(ctx, sc); err != nil {
		return errors.WrapFatal(err, "Client", "ensureStream", fmt.Sprintf("create stream %s", c.cfg.Topic))
	}
	return nil
}

// IsConnected reports the last known connection state.
func (c *Client) IsConnected() bool {
	return c.connected.Load() && !c.closed.Load()
}

// Produce implements broker.Producer.
func (c *Client) Produce(_ context.Context, key, value []byte) error {
	if c.closed.Load() {
		return errors.WrapInvalid(errors.ErrAlreadyStopped, "Client", "Produce", "client closed")
	}

	msg := nats.NewMsg(c.subject)
	msg.Data = value
	msg.Header.Set(SeqHeader, string(key))

	fut, err := c.js.PublishMsgAsync(msg, jetstream.WithMsgID(string(key)))
	if errors.Is(err, nats.ErrMaxPayload) {
		return errors.WrapInvalid(retry.NonRetryable(fmt.Errorf("%w: %w", errors.ErrPayloadTooLarge, err)),
			"Client", "Produce", "queue async publish")
	}
	if err != nil {
		return errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrPublishFailed, err),
			"Client", "Produce", "queue async publish")
	}

	c.mu.Lock()
	c.pending = append(c.pending, fut)
	c.mu.Unlock()
	return nil
}

// Flush implements broker.Producer. It waits for every pending ack and
// reports the first failure.
func (c *Client) Flush(ctx context.Context) error {
	c.mu.Lock()
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}

	select {
	case <-c.js.PublishAsyncComplete():
	case <-ctx.Done():
		return errors.WrapTransient(ctx.Err(), "Client", "Flush", "wait for acknowledgements")
	}

	var firstErr error
	for _, fut := range pending {
		select {
		case <-fut.Ok():
		case err := <-fut.Err():
			if firstErr == nil {
				firstErr = err
			}
		case <-ctx.Done():
			return errors.WrapTransient(ctx.Err(), "Client", "Flush", "wait for acknowledgements")
		}
	}
	if firstErr != nil {
		return errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrPublishFailed, firstErr),
			"Client", "Flush", "confirm messages")
	}
	return nil
}

// TailOffset implements broker.OffsetResolver. A missing stream has an
// empty tail.
func (c *Client) TailOffset(ctx context.Context) (int64, error) {
	stream, err := c.js.Stream(ctx, c.cfg.Topic)
	if err != nil {
		if errors.Is(err, jetstream.ErrStreamNotFound) {
			return 0, nil
		}
		return 0, errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrResolveFailed, err),
			"Client", "TailOffset", "look up stream")
	}

	info, err := stream.Info(ctx)
	if err != nil {
		return 0, errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrResolveFailed, err),
			"Client", "TailOffset", "read stream info")
	}
	return int64(info.State.LastSeq), nil
}

// Close closes the connection. Safe to call more than once.
func (c *Client) Close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	if c.conn != nil {
		c.conn.Close()
	}
}
