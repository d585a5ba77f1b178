// Package retry provides exponential backoff for transient failures.
//
// # Overview
//
// Two shapes are offered. Do and DoWithResult run an operation a bounded number
// of times, which is what the publisher uses around produce+flush. Backoff hands
// out growing delays for loops that never give up, which is what the capture
// source uses to reopen a dead device.
//
// # Configuration Presets
//
//   - DefaultConfig(): 3 attempts, 100ms-5s delay (normal operations)
//   - Quick(): 10 attempts, 50ms-1s delay (startup, tail offset resolution)
//   - Persistent(): 30 attempts, 200ms-10s delay (critical resources)
//   - Reconnect(): 250ms-10s delay, unbounded (device reopen)
//
// # Usage Examples
//
// Bounded retry:
//
//	err := retry.Do(ctx, retry.DefaultConfig(), func() error {
//	    return producer.Flush(ctx)
//	})
//
// Retry with result:
//
//	tail, err := retry.DoWithResult(ctx, retry.Quick(), func() (int64, error) {
//	    return resolver.TailOffset(ctx)
//	})
//
// Unbounded reconnect:
//
//	b, _ := retry.NewBackoff(retry.Reconnect())
//	for {
//	    dev, err := opener.Open(ctx)
//	    if err == nil {
//	        b.Reset()
//	        break
//	    }
//	    if err := b.Wait(ctx); err != nil {
//	        return err
//	    }
//	}
//
// Errors wrapped with NonRetryable stop Do immediately.
//
// # Context Cancellation
//
// All waits respect context cancellation, both during the operation and during
// the backoff delay.
//
// # Thread Safety
//
// Do and DoWithResult are safe for concurrent use. A Backoff value is owned by
// a single loop.
package retry
