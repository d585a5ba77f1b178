package media

import (
	"strconv"
	"time"
)

// Frame is one raw image sample from the capture device.
type Frame struct {
	// Seq is the capture ordinal assigned by the frame source, starting at 1
	// and never reset across device reopens.
	Seq  uint64
	Data []byte
}

// Dimensions is the frame size in pixels.
type Dimensions struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// FrameBytes is the size of one packed frame at bytesPerPixel.
func (d Dimensions) FrameBytes(bytesPerPixel int) int {
	return d.Width * d.Height * bytesPerPixel
}

// Valid reports whether both sides are positive.
func (d Dimensions) Valid() bool {
	return d.Width > 0 && d.Height > 0
}

func (d Dimensions) String() string {
	return strconv.Itoa(d.Width) + "x" + strconv.Itoa(d.Height)
}

// StreamParams are the properties an encoder needs to lay frames out in time
// and space.
type StreamParams struct {
	FPS        float64
	Dimensions Dimensions
}

// CloseReason says which limit ended a chunk window.
type CloseReason string

// Window close reasons
const (
	ClosedByTime  CloseReason = "time"
	ClosedByCount CloseReason = "count"
)

// Chunk is an ordered batch of frames from one window. It is not modified
// after it leaves the assembler.
type Chunk struct {
	frames    []Frame
	StartedAt time.Time
	Duration  time.Duration
	ClosedBy  CloseReason
}

// NewChunk wraps frames, which must already be in capture order.
func NewChunk(frames []Frame, startedAt time.Time, d time.Duration, closedBy CloseReason) Chunk {
	return Chunk{
		frames:    frames,
		StartedAt: startedAt,
		Duration:  d,
		ClosedBy:  closedBy,
	}
}

// Len returns the number of frames.
func (c Chunk) Len() int { return len(c.frames) }

// Frames returns the frames in capture order. The slice header is a copy;
// frame data is shared and must not be mutated.
func (c Chunk) Frames() []Frame {
	out := make([]Frame, len(c.frames))
	copy(out, c.frames)
	return out
}

// EndedAt is when the window closed.
func (c Chunk) EndedAt() time.Time {
	return c.StartedAt.Add(c.Duration)
}

// Bytes is the total raw size of all frames.
func (c Chunk) Bytes() int {
	n := 0
	for _, f := range c.frames {
		n += len(f.Data)
	}
	return n
}

// EncodedPayload is a chunk serialized into a single container blob.
type EncodedPayload struct {
	Data        []byte
	ContentType string
	Frames      int
	// AssembledAt is copied from the chunk so latency can be reported once the
	// payload is confirmed.
	AssembledAt time.Time
}

// Len returns the payload size in bytes.
func (p EncodedPayload) Len() int { return len(p.Data) }

// SequenceKey orders chunks on the broker. Keys are positive and strictly
// increasing for the life of a stream.
type SequenceKey int64

// Next returns the key that follows k.
func (k SequenceKey) Next() SequenceKey { return k + 1 }

// String renders the key as a decimal string, which is its wire encoding.
func (k SequenceKey) String() string {
	return strconv.FormatInt(int64(k), 10)
}

// Bytes returns the wire encoding.
func (k SequenceKey) Bytes() []byte {
	return strconv.AppendInt(nil, int64(k), 10)
}

// ParseSequenceKey decodes a wire key.
func ParseSequenceKey(b []byte) (SequenceKey, error) {
	n, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return 0, err
	}
	return SequenceKey(n), nil
}
