// Package publisher assigns sequence keys to encoded chunks and delivers
// them to the broker.
//
// The base key is read from the broker once at startup. A key is
// committed only after the broker confirms the record, so a failed
// publish is retried under the same key and keys never skip or repeat.
package publisher

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/c360/camstream/broker"
	"github.com/c360/camstream/errors"
	"github.com/c360/camstream/health"
	"github.com/c360/camstream/media"
	"github.com/c360/camstream/metric"
	"github.com/c360/camstream/pkg/retry"
)

// Config bounds the produce+flush retry loop.
type Config struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// DefaultConfig returns the publish retry defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  5,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     5 * time.Second,
	}
}

// Deps holds the collaborators of a Publisher.
type Deps struct {
	Name     string
	Config   Config
	Producer broker.Producer
	Resolver broker.OffsetResolver
	State    *media.StreamState
	Metrics  *metric.Metrics // optional
	Health   *health.Monitor // optional
	Logger   *slog.Logger
	Clock    func() time.Time

	// ResolveRetry overrides the startup resolver retry. Zero uses retry.Quick.
	ResolveRetry retry.Config
}

// Publisher is used by a single goroutine.
type Publisher struct {
	name     string
	cfg      Config
	producer broker.Producer
	state    *media.StreamState
	metrics  *metric.Metrics
	health   *health.Monitor
	logger   *slog.Logger
	clock    func() time.Time

	current media.SequenceKey
}

// New resolves the tail offset and seeds the key sequence from it. Failing
// to resolve is fatal: publishing with an unknown base could reuse keys.
func New(ctx context.Context, deps Deps) (*Publisher, error) {
	if deps.Producer == nil || deps.Resolver == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Publisher", "New",
			"producer and resolver are required")
	}

	p := &Publisher{
		name:     deps.Name,
		cfg:      deps.Config,
		producer: deps.Producer,
		state:    deps.State,
		metrics:  deps.Metrics,
		health:   deps.Health,
		logger:   deps.Logger,
		clock:    deps.Clock,
	}
	if p.name == "" {
		p.name = "publisher"
	}
	if p.logger == nil {
		p.logger = slog.Default().With("component", p.name)
	}
	if p.clock == nil {
		p.clock = time.Now
	}
	if p.cfg.MaxAttempts < 1 {
		p.cfg = DefaultConfig()
	}
	if p.state == nil {
		p.state = media.NewStreamState(media.StreamParams{})
	}

	rc := deps.ResolveRetry
	if rc.MaxAttempts == 0 {
		rc = retry.Quick()
	}
	rc.OnRetry = func(attempt int, err error, next time.Duration) {
		p.logger.Warn("Tail offset lookup failed, retrying",
			"attempt", attempt, "next", next, "error", err)
	}

	tail, err := retry.DoWithResult(ctx, rc, func() (int64, error) {
		return deps.Resolver.TailOffset(ctx)
	})
	if err != nil {
		p.setHealth(health.StateUnhealthy, "tail offset unavailable")
		return nil, errors.WrapFatal(fmt.Errorf("%w: %w", errors.ErrResolveFailed, err),
			"Publisher", "New", "resolve tail offset")
	}
	if tail < 0 {
		return nil, errors.WrapFatal(fmt.Errorf("%w: negative tail %d", errors.ErrResolveFailed, tail),
			"Publisher", "New", "resolve tail offset")
	}

	p.current = media.SequenceKey(tail)
	p.state.SetKey(p.current)
	p.logger.Info("Sequence base resolved", "tail", tail, "next_key", p.current.Next().String())
	p.setHealth(health.StateHealthy, "ready")
	return p, nil
}

// Current returns the last confirmed key, or the resolved tail before the
// first publish.
func (p *Publisher) Current() media.SequenceKey { return p.current }

// Publish delivers payload under the next key. It returns the key once the
// broker has confirmed the record. Once retries are exhausted the error is
// fatal and the key is not advanced. A record the broker rejects as too
// large is not retried and returns an invalid error wrapping
// ErrPayloadTooLarge, again without advancing the key.
func (p *Publisher) Publish(ctx context.Context, payload media.EncodedPayload) (media.SequenceKey, error) {
	key := p.current.Next()
	keyBytes := key.Bytes()

	rc := retry.Config{
		MaxAttempts:  p.cfg.MaxAttempts,
		InitialDelay: p.cfg.InitialDelay,
		MaxDelay:     p.cfg.MaxDelay,
		Multiplier:   2.0,
		AddJitter:    true,
		OnRetry: func(attempt int, err error, next time.Duration) {
			if p.metrics != nil {
				p.metrics.RecordPublishRetry()
			}
			p.setStatus(health.DegradedFromError(p.name, err))
			p.logger.Warn("Publish failed, retrying",
				"key", key.String(),
				"attempt", attempt,
				"next", next,
				"error", err)
		},
	}

	started := p.clock()
	err := retry.Do(ctx, rc, func() error {
		if err := p.producer.Produce(ctx, keyBytes, payload.Data); err != nil {
			return err
		}
		return p.producer.Flush(ctx)
	})
	if err != nil {
		if ctx.Err() != nil {
			return 0, errors.Wrap(ctx.Err(), "Publisher", "Publish", "publish")
		}
		if errors.Is(err, errors.ErrPayloadTooLarge) {
			p.setHealth(health.StateDegraded, "chunk rejected as too large")
			return 0, errors.WrapInvalid(fmt.Errorf("key %s: %w", key, err),
				"Publisher", "Publish", "deliver chunk")
		}
		err = errors.WrapFatal(fmt.Errorf("%w: key %s: %w", errors.ErrPublishFailed, key, err),
			"Publisher", "Publish", "deliver chunk")
		p.setStatus(health.FromError(p.name, err))
		return 0, err
	}

	p.current = key
	p.state.SetKey(key)

	now := p.clock()
	latency := now.Sub(payload.AssembledAt)
	if payload.AssembledAt.IsZero() {
		latency = now.Sub(started)
	}
	if p.metrics != nil {
		p.metrics.RecordPublish(int64(key), latency)
	}
	p.setHealth(health.StateHealthy, "publishing")

	p.logger.Info("Chunk published",
		"key", key.String(),
		"bytes", payload.Len(),
		"frames", payload.Frames,
		"latency", latency,
		"publish_time", now.Sub(started))
	return key, nil
}

// Close releases the producer.
func (p *Publisher) Close() {
	p.producer.Close()
}

func (p *Publisher) setHealth(state, msg string) {
	switch state {
	case health.StateHealthy:
		p.setStatus(health.NewHealthy(p.name, msg))
	case health.StateDegraded:
		p.setStatus(health.NewDegraded(p.name, msg))
	default:
		p.setStatus(health.NewUnhealthy(p.name, msg))
	}
}

func (p *Publisher) setStatus(st health.Status) {
	if p.health != nil {
		p.health.Update(p.name, st)
	}
	if p.metrics != nil {
		p.metrics.RecordHealth(p.name, st.Status)
	}
}
