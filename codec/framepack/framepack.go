// Package framepack is a simple frame container for raw camera chunks.
//
// Layout, all integers big endian:
//
//	magic       "CPK1"
//	fps_milli   uint32   frames per second * 1000
//	width       uint32
//	height      uint32
//	count       uint32   number of frames
//	compression uint8    0 none, 1 lz4, 2 zstd
//	count times:
//	  raw_len    uint32
//	  stored_len uint32
//	  data       [stored_len]byte
//
// A frame whose stored_len equals raw_len is stored uncompressed; the
// encoder falls back to that when compression does not shrink the frame.
package framepack

import (
	"bufio"
	"context"
	"encoding/binary"
	stderrors "errors"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/c360/camstream/errors"
	"github.com/c360/camstream/media"
)

// Magic opens every framepack file.
const Magic = "CPK1"

// ContentType is the MIME type of framepack payloads.
const ContentType = "application/x-framepack"

// maxFrameBytes bounds a single frame on decode.
const maxFrameBytes = 256 << 20

// Compression selects per-frame compression.
type Compression uint8

// Compression tags
const (
	CompressionNone Compression = iota
	CompressionLZ4
	CompressionZstd
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	}
	return fmt.Sprintf("compression(%d)", uint8(c))
}

// ParseCompression maps a config value to a tag. Empty means none.
func ParseCompression(s string) (Compression, error) {
	switch s {
	case "", "none":
		return CompressionNone, nil
	case "lz4":
		return CompressionLZ4, nil
	case "zstd":
		return CompressionZstd, nil
	}
	return 0, fmt.Errorf("%w: unknown compression %q", errors.ErrInvalidConfig, s)
}

// Header describes a decoded file.
type Header struct {
	FPS         float64
	Dimensions  media.Dimensions
	Frames      int
	Compression Compression
}

var errIncompressible = stderrors.New("data is incompressible")

// zstd encoders and decoders are safe for concurrent use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("framepack: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("framepack: zstd decoder initialization failed: " + err.Error())
	}
}

// Codec implements encoder.Codec.
type Codec struct {
	compression Compression
}

// New returns a codec using c for every frame.
func New(c Compression) *Codec {
	return &Codec{compression: c}
}

// ContentType implements encoder.Codec.
func (c *Codec) ContentType() string { return ContentType }

// Extension implements encoder.Codec.
func (c *Codec) Extension() string { return "cpk" }

// Encode implements encoder.Codec.
func (c *Codec) Encode(ctx context.Context, path string, frames []media.Frame, params media.StreamParams) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := bufio.NewWriterSize(f, 1<<20)

	if err := c.Write(ctx, w, frames, params); err != nil {
		_ = f.Close()
		return err
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// Write streams a framepack to w.
func (c *Codec) Write(ctx context.Context, w io.Writer, frames []media.Frame, params media.StreamParams) error {
	if params.FPS < 0 || math.IsNaN(params.FPS) || params.FPS*1000 > math.MaxUint32 {
		return fmt.Errorf("framepack: fps %v out of range", params.FPS)
	}

	hdr := make([]byte, 0, 21)
	hdr = append(hdr, Magic...)
	hdr = binary.BigEndian.AppendUint32(hdr, uint32(math.Round(params.FPS*1000)))
	hdr = binary.BigEndian.AppendUint32(hdr, uint32(params.Dimensions.Width))
	hdr = binary.BigEndian.AppendUint32(hdr, uint32(params.Dimensions.Height))
	hdr = binary.BigEndian.AppendUint32(hdr, uint32(len(frames)))
	hdr = append(hdr, byte(c.compression))
	if _, err := w.Write(hdr); err != nil {
		return err
	}

	var rec [8]byte
	for _, fr := range frames {
		if err := ctx.Err(); err != nil {
			return err
		}
		stored, err := compress(fr.Data, c.compression)
		if stderrors.Is(err, errIncompressible) {
			stored = fr.Data
		} else if err != nil {
			return err
		}
		binary.BigEndian.PutUint32(rec[0:4], uint32(len(fr.Data)))
		binary.BigEndian.PutUint32(rec[4:8], uint32(len(stored)))
		if _, err := w.Write(rec[:]); err != nil {
			return err
		}
		if _, err := w.Write(stored); err != nil {
			return err
		}
	}
	return nil
}

func compress(data []byte, c Compression) ([]byte, error) {
	switch c {
	case CompressionNone:
		return nil, errIncompressible
	case CompressionLZ4:
		dst := make([]byte, lz4.CompressBlockBound(len(data)))
		n, err := lz4.CompressBlock(data, dst, nil)
		if err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		if n == 0 || n >= len(data) {
			return nil, errIncompressible
		}
		return dst[:n], nil
	case CompressionZstd:
		out := zstdEncoder.EncodeAll(data, nil)
		if len(out) >= len(data) {
			return nil, errIncompressible
		}
		return out, nil
	}
	return nil, fmt.Errorf("framepack: unsupported compression %s", c)
}

func decompress(stored []byte, c Compression, rawLen int) ([]byte, error) {
	if len(stored) == rawLen {
		return stored, nil
	}
	switch c {
	case CompressionLZ4:
		dst := make([]byte, rawLen)
		n, err := lz4.UncompressBlock(stored, dst)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		if n != rawLen {
			return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", n, rawLen)
		}
		return dst, nil
	case CompressionZstd:
		out, err := zstdDecoder.DecodeAll(stored, make([]byte, 0, rawLen))
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		if len(out) != rawLen {
			return nil, fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(out), rawLen)
		}
		return out, nil
	}
	return nil, fmt.Errorf("framepack: stored %d bytes for %d byte frame without compression", len(stored), rawLen)
}

// Decode reads a framepack and returns its header and frames in order.
func Decode(r io.Reader) (Header, [][]byte, error) {
	br := bufio.NewReader(r)

	var raw [21]byte
	if _, err := io.ReadFull(br, raw[:]); err != nil {
		return Header{}, nil, invalid("read header", err)
	}
	if string(raw[0:4]) != Magic {
		return Header{}, nil, invalid("check magic", fmt.Errorf("bad magic %q", raw[0:4]))
	}

	hdr := Header{
		FPS: float64(binary.BigEndian.Uint32(raw[4:8])) / 1000,
		Dimensions: media.Dimensions{
			Width:  int(binary.BigEndian.Uint32(raw[8:12])),
			Height: int(binary.BigEndian.Uint32(raw[12:16])),
		},
		Frames:      int(binary.BigEndian.Uint32(raw[16:20])),
		Compression: Compression(raw[20]),
	}
	if hdr.Compression > CompressionZstd {
		return hdr, nil, invalid("read header", fmt.Errorf("unknown compression tag %d", raw[20]))
	}

	frames := make([][]byte, 0, min(hdr.Frames, 4096))
	var rec [8]byte
	for i := 0; i < hdr.Frames; i++ {
		if _, err := io.ReadFull(br, rec[:]); err != nil {
			return hdr, nil, invalid(fmt.Sprintf("read frame %d record", i), err)
		}
		rawLen := int(binary.BigEndian.Uint32(rec[0:4]))
		storedLen := int(binary.BigEndian.Uint32(rec[4:8]))
		if rawLen > maxFrameBytes || storedLen > rawLen {
			return hdr, nil, invalid(fmt.Sprintf("read frame %d record", i),
				fmt.Errorf("raw %d stored %d", rawLen, storedLen))
		}
		stored := make([]byte, storedLen)
		if _, err := io.ReadFull(br, stored); err != nil {
			return hdr, nil, invalid(fmt.Sprintf("read frame %d", i), err)
		}
		data, err := decompress(stored, hdr.Compression, rawLen)
		if err != nil {
			return hdr, nil, invalid(fmt.Sprintf("decode frame %d", i), err)
		}
		frames = append(frames, data)
	}

	return hdr, frames, nil
}

func invalid(action string, err error) error {
	return errors.WrapInvalid(fmt.Errorf("%w: %w", errors.ErrInvalidContainer, err), "framepack", "Decode", action)
}
