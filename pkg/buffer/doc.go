// Package buffer provides a thread-safe circular buffer with configurable overflow policies,
// built-in statistics tracking, and optional Prometheus metrics integration.
//
// # Overview
//
// The buffer sits between a producer that must not stall and a consumer that
// polls. In camstream the producer is the capture unit and the consumer is
// the chunk assembler, so the default policy is DropOldest: when the
// assembler falls behind the freshest frames win.
//
// # Quick Start
//
//	queue, err := buffer.NewCircularBuffer[media.Frame](capacity,
//		buffer.WithOverflowPolicy[media.Frame](buffer.DropOldest),
//		buffer.WithMetrics[media.Frame](registry, "frame_queue"),
//	)
//
//	// Producer side, never blocks under DropOldest
//	_ = queue.Write(frame)
//
//	// Consumer side, waits up to 100ms
//	frame, ok, err := queue.ReadWithTimeout(ctx, 100*time.Millisecond)
//
// # Overflow Policies
//
//   - DropOldest: Remove oldest item to make room (default)
//   - DropNewest: Reject new items when full
//   - Block: Write operations wait for available space or Close
//
// # Observability
//
// Statistics are always on and available via Stats(): writes, reads, drops,
// overflows, empty polls, max size and the derived drop rate. WithMetrics()
// additionally exports them as Prometheus counters and gauges under the
// camstream_buffer_* names with a component label.
//
// # Thread Safety
//
// All operations are safe for concurrent use. Drop callbacks run after the
// internal lock is released, so a callback may call back into the buffer.
package buffer
