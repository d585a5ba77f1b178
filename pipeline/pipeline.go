// Package pipeline runs the capture unit and the assemble, encode and
// publish unit under one cancellation scope.
package pipeline

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/c360/camstream/errors"
	"github.com/c360/camstream/health"
	"github.com/c360/camstream/media"
	"github.com/c360/camstream/metric"
	"github.com/c360/camstream/pkg/buffer"
)

// Capture fills the frame queue until ctx is done.
type Capture interface {
	Run(ctx context.Context) error
}

// Assembler yields closed windows.
type Assembler interface {
	Next(ctx context.Context) (media.Chunk, error)
}

// Encoder serializes a chunk.
type Encoder interface {
	Encode(ctx context.Context, chunk media.Chunk, params media.StreamParams) (media.EncodedPayload, error)
}

// Publisher delivers a payload under the next sequence key.
type Publisher interface {
	Publish(ctx context.Context, payload media.EncodedPayload) (media.SequenceKey, error)
}

// Deps wires the stages together.
type Deps struct {
	Capture   Capture
	Assembler Assembler
	Encoder   Encoder
	Publisher Publisher
	Queue     buffer.Buffer[media.Frame]
	State     *media.StreamState
	Metrics   *metric.Metrics // optional
	Health    *health.Monitor // optional
	Logger    *slog.Logger
}

// Pipeline owns the two execution units.
type Pipeline struct {
	capture   Capture
	assembler Assembler
	encoder   Encoder
	publisher Publisher
	queue     buffer.Buffer[media.Frame]
	state     *media.StreamState
	metrics   *metric.Metrics
	health    *health.Monitor
	logger    *slog.Logger
}

// New checks that every stage is present.
func New(deps Deps) (*Pipeline, error) {
	if deps.Capture == nil || deps.Assembler == nil || deps.Encoder == nil ||
		deps.Publisher == nil || deps.Queue == nil || deps.State == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Pipeline", "New",
			"capture, assembler, encoder, publisher, queue and state are required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", "pipeline")
	}
	return &Pipeline{
		capture:   deps.Capture,
		assembler: deps.Assembler,
		encoder:   deps.Encoder,
		publisher: deps.Publisher,
		queue:     deps.Queue,
		state:     deps.State,
		metrics:   deps.Metrics,
		health:    deps.Health,
		logger:    logger,
	}, nil
}

// Run blocks until ctx is cancelled or a stage fails fatally. Cancellation
// returns nil; a fatal publish error is returned and stops capture too. The
// frame queue is closed once capture has stopped.
func (p *Pipeline) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		// Closing the queue lets the processing unit see that no more
		// frames will arrive.
		defer func() { _ = p.queue.Close() }()
		if err := p.capture.Run(gctx); err != nil {
			return errors.Wrap(err, "Pipeline", "Run", "capture")
		}
		return nil
	})

	g.Go(func() error {
		return p.process(gctx)
	})

	p.setHealth(health.StateHealthy, "running")
	err := g.Wait()
	if err != nil {
		p.setStatus(health.FromError("pipeline", err))
		return err
	}
	p.setHealth(health.StateDegraded, "stopped")
	return nil
}

func (p *Pipeline) process(ctx context.Context) error {
	for {
		chunk, err := p.assembler.Next(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, errors.ErrAlreadyStopped) {
				return nil
			}
			return errors.Wrap(err, "Pipeline", "process", "assemble chunk")
		}

		started := time.Now()
		payload, err := p.encoder.Encode(ctx, chunk, p.state.Params())
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			p.logger.Warn("Chunk skipped, encode failed",
				"frames", chunk.Len(),
				"closed_by", string(chunk.ClosedBy),
				"key", p.state.Key().String(),
				"error", err)
			continue
		}

		key, err := p.publisher.Publish(ctx, payload)
		if err != nil {
			if ctx.Err() != nil && !errors.IsFatal(err) {
				return nil
			}
			if errors.Is(err, errors.ErrPayloadTooLarge) && !errors.IsFatal(err) {
				p.logger.Warn("Chunk skipped, rejected by broker",
					"frames", chunk.Len(),
					"bytes", payload.Len(),
					"key", p.state.Key().String(),
					"error", err)
				continue
			}
			p.logger.Error("Publishing stopped",
				"key", p.state.Key().String(),
				"error", err)
			return err
		}

		p.logger.Info("Chunk processed",
			"key", key.String(),
			"frames", chunk.Len(),
			"closed_by", string(chunk.ClosedBy),
			"encode_publish_time", time.Since(started))
	}
}

func (p *Pipeline) setHealth(state, msg string) {
	switch state {
	case health.StateHealthy:
		p.setStatus(health.NewHealthy("pipeline", msg))
	case health.StateDegraded:
		p.setStatus(health.NewDegraded("pipeline", msg))
	default:
		p.setStatus(health.NewUnhealthy("pipeline", msg))
	}
}

func (p *Pipeline) setStatus(st health.Status) {
	if p.health != nil {
		p.health.Update("pipeline", st)
	}
	if p.metrics != nil {
		p.metrics.RecordHealth("pipeline", st.Status)
	}
}
