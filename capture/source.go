package capture

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/c360/camstream/errors"
	"github.com/c360/camstream/health"
	"github.com/c360/camstream/media"
	"github.com/c360/camstream/metric"
	"github.com/c360/camstream/pkg/buffer"
	"github.com/c360/camstream/pkg/retry"
)

// Config controls session restarts.
type Config struct {
	// StallThreshold is the tolerated lag, expressed as time at the device rate.
	StallThreshold     time.Duration
	ReopenInitialDelay time.Duration
	ReopenMaxDelay     time.Duration
	// OpenLogInterval is the minimum spacing between open-failure log lines.
	OpenLogInterval time.Duration
}

// Deps holds the collaborators of a Source.
type Deps struct {
	Name    string
	Config  Config
	Opener  Opener
	Queue   buffer.Buffer[media.Frame]
	State   *media.StreamState
	Metrics *metric.Metrics // optional
	Health  *health.Monitor // optional
	Logger  *slog.Logger
	Clock   Clock
}

// Source reads frames from a device into the frame queue, reopening the
// device whenever a session ends.
type Source struct {
	name    string
	cfg     Config
	opener  Opener
	queue   buffer.Buffer[media.Frame]
	state   *media.StreamState
	metrics *metric.Metrics
	health  *health.Monitor
	logger  *slog.Logger
	clock   Clock

	openLog *rate.Limiter
}

// endReason says why a session ended.
type endReason string

const (
	endStall       endReason = metric.RestartStall
	endReadError   endReason = metric.RestartReadError
	endInvalidRate endReason = metric.RestartInvalidRate
	endStopped     endReason = "stopped"
)

// NewSource validates deps and returns a Source.
func NewSource(deps Deps) (*Source, error) {
	if deps.Opener == nil || deps.Queue == nil || deps.State == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Source", "NewSource",
			"opener, queue and state are required")
	}
	if deps.Config.StallThreshold <= 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Source", "NewSource",
			"stall threshold must be positive")
	}

	name := deps.Name
	if name == "" {
		name = "capture"
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", name)
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	cfg := deps.Config
	if cfg.ReopenInitialDelay <= 0 {
		cfg.ReopenInitialDelay = retry.Reconnect().InitialDelay
	}
	if cfg.ReopenMaxDelay < cfg.ReopenInitialDelay {
		cfg.ReopenMaxDelay = cfg.ReopenInitialDelay
	}
	if cfg.OpenLogInterval <= 0 {
		cfg.OpenLogInterval = 10 * time.Second
	}

	return &Source{
		name:    name,
		cfg:     cfg,
		opener:  deps.Opener,
		queue:   deps.Queue,
		state:   deps.State,
		metrics: deps.Metrics,
		health:  deps.Health,
		logger:  logger,
		clock:   clock,
		openLog: rate.NewLimiter(rate.Every(cfg.OpenLogInterval), 1),
	}, nil
}

// Run captures until ctx is cancelled, then returns nil. Device failures are
// never returned; they end the current session and the device is reopened.
func (s *Source) Run(ctx context.Context) error {
	rc := retry.Reconnect()
	rc.InitialDelay = s.cfg.ReopenInitialDelay
	rc.MaxDelay = s.cfg.ReopenMaxDelay
	backoff, err := retry.NewBackoff(rc)
	if err != nil {
		return errors.WrapInvalid(err, "Source", "Run", "build reopen backoff")
	}

	opened := false
	suppressed := 0

	for ctx.Err() == nil {
		dev, err := s.opener.Open(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			s.recordOpenFailure()
			delay := backoff.Next()
			if s.openLog.Allow() {
				s.logger.Warn("Device open failed",
					"error", err,
					"attempt", backoff.Attempts(),
					"retry_in", delay,
					"suppressed", suppressed)
				suppressed = 0
			} else {
				suppressed++
			}
			s.setDegraded(fmt.Sprintf("device open failed: %v", err))
			if err := retry.Sleep(ctx, delay); err != nil {
				break
			}
			continue
		}

		if opened {
			n := s.state.AddRestart()
			s.logger.Info("Device reopened", "restarts", n, "key", s.state.Key())
		}
		opened = true

		reason, frames := s.session(ctx, dev)
		if reason == endStopped {
			break
		}

		if s.metrics != nil {
			s.metrics.RecordRestart(string(reason))
		}
		s.setDegraded(fmt.Sprintf("restarting device: %s", reason))

		// A session that never produced a frame backs off like an open failure
		// so a device that opens but cannot deliver does not spin.
		if frames == 0 {
			if err := backoff.Wait(ctx); err != nil {
				break
			}
		} else {
			backoff.Reset()
		}
	}

	q := s.queue.Stats().Summary()
	s.logger.Info("Capture stopped",
		"frames", s.state.FramesCaptured(),
		"restarts", s.state.Restarts(),
		"queue_drops", q.Drops,
		"queue_drop_rate", q.DropRate,
		"queue_max_depth", q.MaxSize)
	return nil
}

// session runs one acquisition loop on dev and closes it on return.
func (s *Source) session(ctx context.Context, dev Device) (endReason, uint64) {
	closed := false
	release := func() {
		if closed {
			return
		}
		closed = true
		if err := dev.Close(); err != nil {
			s.logger.Warn("Device close failed", "error", err)
		}
	}
	defer release()

	fps := dev.FPS()
	if !ValidFPS(fps) {
		s.recordOpenFailure()
		s.logger.Warn("Device reported invalid frame rate", "fps", fps)
		return endInvalidRate, 0
	}

	params := media.StreamParams{FPS: fps, Dimensions: dev.Dimensions()}
	prev := s.state.Params()
	if prev.FPS != 0 && (prev.FPS != params.FPS || prev.Dimensions != params.Dimensions) {
		s.logger.Warn("Device parameters changed after reopen",
			"fps", params.FPS, "previous_fps", prev.FPS,
			"dimensions", params.Dimensions.String(), "previous_dimensions", prev.Dimensions.String())
	}
	s.state.SetParams(params)
	if s.metrics != nil {
		s.metrics.RecordDeviceOpen(fps)
	}
	s.logger.Debug("Device session started", "fps", fps, "dimensions", params.Dimensions.String())

	wd := NewWatchdog(s.clock, fps, s.cfg.StallThreshold)
	for {
		if ctx.Err() != nil {
			return endStopped, wd.Frames()
		}

		if wd.Stalled() {
			s.logger.Warn("Camera stalled, restarting device",
				"lag_frames", wd.Lag(),
				"frames", wd.Frames(),
				"fps", fps,
				"key", s.state.Key())
			return endStall, wd.Frames()
		}

		readCtx, cancel := context.WithTimeout(ctx, s.cfg.StallThreshold)
		data, err := dev.Read(readCtx)
		cancel()
		if err != nil {
			switch {
			case ctx.Err() != nil:
				return endStopped, wd.Frames()
			case stderrors.Is(err, context.DeadlineExceeded):
				s.logger.Warn("Device read blocked past stall threshold, restarting device",
					"threshold", s.cfg.StallThreshold,
					"frames", wd.Frames(),
					"key", s.state.Key())
				return endStall, wd.Frames()
			default:
				s.logger.Warn("Device read failed, restarting device",
					"error", err,
					"frames", wd.Frames(),
					"key", s.state.Key())
				return endReadError, wd.Frames()
			}
		}

		now := s.clock()
		frame := media.Frame{Seq: s.state.NextFrameSeq(now), Data: data}
		if err := s.queue.Write(frame); err != nil {
			// The queue is closed only on shutdown.
			if errors.Is(err, errors.ErrAlreadyStopped) {
				return endStopped, wd.Frames()
			}
			s.logger.Warn("Frame queue write failed", "error", err, "seq", frame.Seq)
			continue
		}
		wd.Observe()
		if s.metrics != nil {
			s.metrics.RecordFrame(now)
		}
		if wd.Frames() == 1 {
			s.setHealth(health.NewHealthy(s.name, "frames flowing"))
		}
	}
}

func (s *Source) recordOpenFailure() {
	if s.metrics != nil {
		s.metrics.RecordDeviceOpenFailure()
	}
}

func (s *Source) setDegraded(msg string) {
	s.setHealth(health.NewDegraded(s.name, msg))
}

// setHealth publishes st with the frame queue attached as a sub-status.
func (s *Source) setHealth(st health.Status) {
	if s.health == nil {
		return
	}
	s.health.Update(s.name, st.WithSubStatus(s.queueStatus()))
}

func (s *Source) queueStatus() health.Status {
	q := s.queue.Stats().Summary()
	if q.Drops > 0 {
		return health.NewDegraded("frame_queue", q.String())
	}
	return health.NewHealthy("frame_queue", q.String())
}
