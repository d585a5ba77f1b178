// Package errors provides standardized error handling patterns for camstream components.
//
// # Overview
//
// The errors package implements a three-class error classification system for the
// capture pipeline: Transient (temporary, retryable), Invalid (scoped to one unit of
// work such as a chunk, never retried), and Fatal (unrecoverable, stop processing).
//
// The pipeline uses the class to decide what happens next:
//
//   - Transient: device unavailable, broker timeouts, leader moves (retry with backoff)
//   - Invalid: codec failure, empty chunk, payload over the broker limit (skip the chunk)
//   - Fatal: bad configuration, publish retries exhausted, tail offset unresolvable (exit)
//
// # Quick Start
//
// Return a sentinel for known conditions:
//
//	if fps <= 0 {
//	    return errors.ErrInvalidFrameRate
//	}
//
// Wrap with component context:
//
//	if err := codec.Encode(ctx, path, frames, params); err != nil {
//	    return errors.WrapInvalid(err, "Encoder", "Encode", "run codec")
//	}
//
// Branch on classification:
//
//	if err := pub.Publish(ctx, payload, meta); err != nil {
//	    if errors.IsFatal(err) {
//	        return err
//	    }
//	}
//
// # Error Wrapping Pattern
//
// All error wrapping follows the standardized format:
//
//	"component.method: action failed: %w"
//
// The classified wrappers attach an explicit class that takes precedence over
// sentinel and message-pattern matching in Classify:
//
//	errors.WrapTransient(err, "Component", "Method", "action")
//	errors.WrapInvalid(err, "Component", "Method", "action")
//	errors.WrapFatal(err, "Component", "Method", "action")
//
// Plain Wrap adds context and leaves classification to the wrapped error.
//
// # Retry
//
// Retry loops live in pkg/retry, which consults IsTransient-style predicates
// supplied by the caller rather than this package.
package errors
