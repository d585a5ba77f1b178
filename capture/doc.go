// Package capture turns a camera into a continuous stream of frames.
//
// A Source owns the device for the life of the process. Each device open
// starts a session: the frame rate is read once, then frames are read and
// written to the frame queue until the watchdog sees a stall, the device
// reports a read error, or the context is cancelled. The device handle is
// closed exactly once when a session ends and a new session is opened.
//
// Opening failures are retried forever with exponential backoff. Failure logs
// are rate limited so a camera that is unplugged for an hour does not flood
// the log.
//
// # Watchdog
//
// A session is stalled when the frames it should have produced by now,
// elapsed*fps, exceed the frames actually read by more than
// StallThreshold*fps. The check runs before every read. A single read that
// blocks longer than StallThreshold is also treated as a stall.
//
// Devices are supplied by an Opener; capture/ffmpeg provides one backed by an
// ffmpeg subprocess.
package capture
