package capture

import "time"

// Watchdog compares the frames read in a session against the frames the
// reported rate says should have arrived.
type Watchdog struct {
	clock     Clock
	fps       float64
	threshold time.Duration
	start     time.Time
	frames    uint64
}

// NewWatchdog starts a watchdog at clock().
func NewWatchdog(clock Clock, fps float64, threshold time.Duration) *Watchdog {
	return &Watchdog{
		clock:     clock,
		fps:       fps,
		threshold: threshold,
		start:     clock(),
	}
}

// Observe counts one frame.
func (w *Watchdog) Observe() { w.frames++ }

// Frames returns the frames counted so far.
func (w *Watchdog) Frames() uint64 { return w.frames }

// Lag is the number of frames behind schedule. Negative when ahead.
func (w *Watchdog) Lag() float64 {
	expected := w.clock().Sub(w.start).Seconds() * w.fps
	return expected - float64(w.frames)
}

// Stalled reports whether the lag exceeds threshold*fps frames.
func (w *Watchdog) Stalled() bool {
	return w.Lag() > w.threshold.Seconds()*w.fps
}
