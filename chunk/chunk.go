// Package chunk groups queued frames into fixed windows.
package chunk

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/c360/camstream/errors"
	"github.com/c360/camstream/media"
	"github.com/c360/camstream/metric"
	"github.com/c360/camstream/pkg/buffer"
)

// DefaultPollInterval is the queue poll timeout.
const DefaultPollInterval = 100 * time.Millisecond

// Config sizes the window.
type Config struct {
	Window       time.Duration
	PollInterval time.Duration
}

// Deps holds the collaborators of an Assembler.
type Deps struct {
	Config  Config
	Queue   buffer.Buffer[media.Frame]
	State   *media.StreamState
	Metrics *metric.Metrics // optional
	Logger  *slog.Logger
	Clock   func() time.Time
}

// Assembler reads the frame queue and emits one chunk per window. It has a
// single consumer.
type Assembler struct {
	cfg     Config
	queue   buffer.Buffer[media.Frame]
	state   *media.StreamState
	metrics *metric.Metrics
	logger  *slog.Logger
	clock   func() time.Time
}

// NewAssembler validates deps.
func NewAssembler(deps Deps) (*Assembler, error) {
	if deps.Queue == nil || deps.State == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Assembler", "NewAssembler", "queue and state are required")
	}
	if deps.Config.Window <= 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Assembler", "NewAssembler", "window must be positive")
	}

	cfg := deps.Config
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", "chunk")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	return &Assembler{
		cfg:     cfg,
		queue:   deps.Queue,
		state:   deps.State,
		metrics: deps.Metrics,
		logger:  logger,
		clock:   clock,
	}, nil
}

// Target is the frame count that closes a window early: ceil(fps*window).
// Zero when fps is unknown, which leaves only the time limit.
func Target(fps float64, window time.Duration) int {
	if fps <= 0 || math.IsNaN(fps) || math.IsInf(fps, 0) {
		return 0
	}
	return int(math.Ceil(fps * window.Seconds()))
}

// Next blocks until a window closes with at least one frame and returns it.
// Empty windows are skipped. On cancellation the partial window is dropped
// and ctx.Err() is returned; a closed, drained queue yields ErrAlreadyStopped.
func (a *Assembler) Next(ctx context.Context) (media.Chunk, error) {
	for {
		chunk, err := a.window(ctx)
		if err != nil {
			return media.Chunk{}, err
		}
		if chunk.Len() > 0 {
			if a.metrics != nil {
				a.metrics.RecordChunk(string(chunk.ClosedBy), chunk.Len())
			}
			return chunk, nil
		}
		if a.metrics != nil {
			a.metrics.RecordEmptyWindow()
		}
		a.logger.Debug("Empty window, no frames arrived", "window", a.cfg.Window, "key", a.state.Key())
	}
}

func (a *Assembler) window(ctx context.Context) (media.Chunk, error) {
	// Target is taken per window so a reopen with a new rate applies to
	// the next chunk.
	target := Target(a.state.FPS(), a.cfg.Window)
	start := a.clock()
	var frames []media.Frame
	if target > 0 {
		frames = make([]media.Frame, 0, target)
	}

	for {
		elapsed := a.clock().Sub(start)
		if elapsed >= a.cfg.Window {
			return media.NewChunk(frames, start, elapsed, media.ClosedByTime), nil
		}
		if target > 0 && len(frames) >= target {
			return media.NewChunk(frames, start, elapsed, media.ClosedByCount), nil
		}

		timeout := a.cfg.PollInterval
		if remaining := a.cfg.Window - elapsed; remaining < timeout {
			timeout = remaining
		}

		frame, ok, err := a.queue.ReadWithTimeout(ctx, timeout)
		if err != nil {
			if ctx.Err() != nil {
				return media.Chunk{}, ctx.Err()
			}
			return media.Chunk{}, errors.Wrap(err, "Assembler", "Next", "read frame queue")
		}
		if ok {
			frames = append(frames, frame)
		}
	}
}
