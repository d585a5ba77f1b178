// Package media holds the value types passed between camstream stages:
// frames, chunks, encoded payloads and sequence keys, plus StreamState,
// the lock-free view of stream properties shared by the running units.
package media
