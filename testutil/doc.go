// Package testutil provides deterministic fakes for camstream tests.
//
// Fakes:
//
//   - FakeClock: manually advanced time source for watchdog and window tests
//   - ScriptedDevice / ScriptedOpener: a capture device that replays frames,
//     then fails, and counts Close calls
//   - RecordingProducer: in-memory broker producer with per-call error
//     injection; records are confirmed only by a successful Flush
//   - StaticResolver: returns a fixed tail offset or error
//
// Helpers:
//
//   - FramePattern / Frames: reproducible frame payloads
//   - WaitForRecords: polls a RecordingProducer until N records are confirmed
//
// Everything here is safe for concurrent use, since the fakes are driven
// from the capture and pipeline goroutines at once.
package testutil
