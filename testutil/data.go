package testutil

// FramePattern returns a size-byte frame whose bytes are derived from seq,
// so frames can be told apart after a round trip.
func FramePattern(seq, size int) []byte {
	b := make([]byte, size)
	for i := range b {
		b[i] = byte(seq*31 + i)
	}
	return b
}

// Frames returns n distinct frames of size bytes.
func Frames(n, size int) [][]byte {
	out := make([][]byte, n)
	for i := range out {
		out[i] = FramePattern(i+1, size)
	}
	return out
}
