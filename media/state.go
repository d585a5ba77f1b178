package media

import (
	"math"
	"sync/atomic"
	"time"
)

// StreamState is shared between the capture unit, the publisher and
// observers. The frame source writes the stream parameters and restart
// counter; the publisher writes the sequence key. All fields are atomics so
// readers never block either unit.
type StreamState struct {
	fpsBits   atomic.Uint64
	width     atomic.Int64
	height    atomic.Int64
	key       atomic.Int64
	restarts  atomic.Uint64
	frames    atomic.Uint64
	lastFrame atomic.Int64 // unix nanos
}

// NewStreamState returns a state seeded with params.
func NewStreamState(params StreamParams) *StreamState {
	s := &StreamState{}
	s.SetParams(params)
	return s
}

// SetParams records the rate and size reported by the latest device open.
func (s *StreamState) SetParams(p StreamParams) {
	s.fpsBits.Store(math.Float64bits(p.FPS))
	s.width.Store(int64(p.Dimensions.Width))
	s.height.Store(int64(p.Dimensions.Height))
}

// Params returns the current stream parameters.
func (s *StreamState) Params() StreamParams {
	return StreamParams{
		FPS: math.Float64frombits(s.fpsBits.Load()),
		Dimensions: Dimensions{
			Width:  int(s.width.Load()),
			Height: int(s.height.Load()),
		},
	}
}

// FPS returns the current frame rate.
func (s *StreamState) FPS() float64 {
	return math.Float64frombits(s.fpsBits.Load())
}

// SetKey records the last confirmed sequence key.
func (s *StreamState) SetKey(k SequenceKey) { s.key.Store(int64(k)) }

// Key returns the last confirmed sequence key.
func (s *StreamState) Key() SequenceKey { return SequenceKey(s.key.Load()) }

// AddRestart increments the device restart counter and returns the new value.
func (s *StreamState) AddRestart() uint64 { return s.restarts.Add(1) }

// Restarts returns how many times the device has been reopened.
func (s *StreamState) Restarts() uint64 { return s.restarts.Load() }

// NextFrameSeq allocates the next capture ordinal and stamps the arrival.
func (s *StreamState) NextFrameSeq(at time.Time) uint64 {
	s.lastFrame.Store(at.UnixNano())
	return s.frames.Add(1)
}

// FramesCaptured returns the number of frames handed to the queue.
func (s *StreamState) FramesCaptured() uint64 { return s.frames.Load() }

// LastFrameAt returns the arrival time of the newest frame, or the zero time.
func (s *StreamState) LastFrameAt() time.Time {
	n := s.lastFrame.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}
