// Package ffmpeg encodes chunks to H.264 MP4 by piping raw frames into an
// ffmpeg subprocess.
package ffmpeg

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	capff "github.com/c360/camstream/capture/ffmpeg"
	"github.com/c360/camstream/errors"
	"github.com/c360/camstream/media"
)

// Config selects the binary and input layout.
type Config struct {
	FFmpegPath string
	// PixelFormat of the raw input frames.
	PixelFormat string
	// ExtraArgs are inserted before the output path.
	ExtraArgs []string
}

// Codec implements encoder.Codec.
type Codec struct {
	cfg Config
}

// New applies defaults to cfg.
func New(cfg Config) *Codec {
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = "ffmpeg"
	}
	if cfg.PixelFormat == "" {
		cfg.PixelFormat = "bgr24"
	}
	return &Codec{cfg: cfg}
}

// ContentType implements encoder.Codec.
func (c *Codec) ContentType() string { return "video/mp4" }

// Extension implements encoder.Codec.
func (c *Codec) Extension() string { return "mp4" }

// Args returns the ffmpeg argument list for one chunk.
func (c *Codec) Args(path string, params media.StreamParams) []string {
	args := []string{
		"-hide_banner", "-loglevel", "error", "-y",
		"-f", "rawvideo",
		"-pix_fmt", c.cfg.PixelFormat,
		"-video_size", params.Dimensions.String(),
		"-framerate", strconv.FormatFloat(params.FPS, 'f', -1, 64),
		"-i", "-",
		"-an",
		"-c:v", "libx264",
		"-pix_fmt", "yuv420p",
		"-movflags", "+faststart",
	}
	args = append(args, c.cfg.ExtraArgs...)
	return append(args, path)
}

// Encode implements encoder.Codec.
func (c *Codec) Encode(ctx context.Context, path string, frames []media.Frame, params media.StreamParams) error {
	if !params.Dimensions.Valid() || params.FPS <= 0 {
		return fmt.Errorf("ffmpeg encode: invalid stream params %s @ %v fps", params.Dimensions, params.FPS)
	}
	if err := c.checkFrames(frames, params); err != nil {
		return err
	}

	cmd := exec.CommandContext(ctx, c.cfg.FFmpegPath, c.Args(path, params)...) //nolint:gosec
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("ffmpeg encode: stdin pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("ffmpeg encode: start: %w", err)
	}

	var writeErr error
	for i, f := range frames {
		if _, err := stdin.Write(f.Data); err != nil {
			writeErr = fmt.Errorf("write frame %d: %w", i, err)
			break
		}
	}
	_ = stdin.Close()

	// The exit status explains a broken pipe better than the write error does.
	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("ffmpeg encode: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	if writeErr != nil {
		return fmt.Errorf("ffmpeg encode: %w", writeErr)
	}
	return nil
}

// checkFrames rejects frames that were captured at a different size than
// params describes. rawvideo input would otherwise be re-sliced silently.
func (c *Codec) checkFrames(frames []media.Frame, params media.StreamParams) error {
	bpp, ok := capff.BytesPerPixel(c.cfg.PixelFormat)
	if !ok {
		return nil
	}
	want := params.Dimensions.FrameBytes(bpp)
	for i, f := range frames {
		if len(f.Data) != want {
			return fmt.Errorf("ffmpeg encode: %w: frame %d (seq %d) is %d bytes, %s %s needs %d",
				errors.ErrInvalidDimensions, i, f.Seq, len(f.Data), params.Dimensions, c.cfg.PixelFormat, want)
		}
	}
	return nil
}
