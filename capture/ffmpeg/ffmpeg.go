package ffmpeg

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/c360/camstream/capture"
	"github.com/c360/camstream/errors"
	"github.com/c360/camstream/media"
)

// Config describes the input.
type Config struct {
	FFmpegPath  string
	FFprobePath string
	Source      string
	// Format is passed as -f before the input; empty lets ffmpeg guess.
	Format      string
	PixelFormat string
	InputArgs   []string
	// FPS, Width and Height override probed values when non-zero and are
	// requested from the device.
	FPS    float64
	Width  int
	Height int
}

// Opener implements capture.Opener.
type Opener struct {
	cfg    Config
	bpp    int
	logger *slog.Logger
}

// NewOpener validates cfg.
func NewOpener(cfg Config, logger *slog.Logger) (*Opener, error) {
	if cfg.Source == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Opener", "NewOpener", "source is required")
	}
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = "ffmpeg"
	}
	if cfg.FFprobePath == "" {
		cfg.FFprobePath = "ffprobe"
	}
	if cfg.PixelFormat == "" {
		cfg.PixelFormat = "bgr24"
	}
	bpp, ok := BytesPerPixel(cfg.PixelFormat)
	if !ok {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: unsupported pixel format %q", errors.ErrInvalidConfig, cfg.PixelFormat),
			"Opener", "NewOpener", "resolve pixel format")
	}
	if logger == nil {
		logger = slog.Default().With("component", "capture-ffmpeg")
	}
	return &Opener{cfg: cfg, bpp: bpp, logger: logger}, nil
}

// BytesPerPixel returns the packed size of one pixel for the raw formats
// the device can emit.
func BytesPerPixel(pixFmt string) (int, bool) {
	switch pixFmt {
	case "gray", "gray8":
		return 1, true
	case "yuyv422", "uyvy422", "rgb565le", "gray16le":
		return 2, true
	case "bgr24", "rgb24":
		return 3, true
	case "bgra", "rgba", "argb", "abgr", "bgr0", "rgb0":
		return 4, true
	}
	return 0, false
}

func (o *Opener) inputArgs() []string {
	var args []string
	if o.cfg.Format != "" {
		args = append(args, "-f", o.cfg.Format)
	}
	if o.cfg.FPS > 0 {
		args = append(args, "-framerate", strconv.FormatFloat(o.cfg.FPS, 'f', -1, 64))
	}
	if o.cfg.Width > 0 && o.cfg.Height > 0 {
		args = append(args, "-video_size", fmt.Sprintf("%dx%d", o.cfg.Width, o.cfg.Height))
	}
	return append(args, o.cfg.InputArgs...)
}

// ProbeArgs returns the ffprobe argument list.
func (o *Opener) ProbeArgs() []string {
	args := []string{"-v", "error", "-hide_banner"}
	args = append(args, o.inputArgs()...)
	return append(args,
		"-select_streams", "v:0",
		"-show_entries", "stream=width,height,avg_frame_rate,r_frame_rate",
		"-of", "json",
		"--", o.cfg.Source)
}

// CaptureArgs returns the ffmpeg argument list.
func (o *Opener) CaptureArgs() []string {
	args := []string{"-hide_banner", "-loglevel", "error", "-nostdin"}
	args = append(args, o.inputArgs()...)
	return append(args,
		"-i", o.cfg.Source,
		"-map", "0:v:0",
		"-f", "rawvideo",
		"-pix_fmt", o.cfg.PixelFormat,
		"-")
}

type probeResult struct {
	Streams []struct {
		Width        int    `json:"width"`
		Height       int    `json:"height"`
		AvgFrameRate string `json:"avg_frame_rate"`
		RFrameRate   string `json:"r_frame_rate"`
	} `json:"streams"`
}

// ParseRate parses ffprobe rates such as "30000/1001" or "25".
// "0/0" yields 0.
func ParseRate(s string) float64 {
	s = strings.TrimSpace(s)
	num, den, found := strings.Cut(s, "/")
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0
	}
	if !found {
		return n
	}
	d, err := strconv.ParseFloat(den, 64)
	if err != nil || d == 0 {
		return 0
	}
	return n / d
}

func (o *Opener) probe(ctx context.Context) (media.StreamParams, error) {
	cmd := exec.CommandContext(ctx, o.cfg.FFprobePath, o.ProbeArgs()...) //nolint:gosec
	output, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if stderrors.As(err, &exitErr) {
			return media.StreamParams{}, fmt.Errorf("ffprobe: %w: %s", err, strings.TrimSpace(string(exitErr.Stderr)))
		}
		return media.StreamParams{}, fmt.Errorf("ffprobe: %w", err)
	}

	var res probeResult
	if err := json.Unmarshal(output, &res); err != nil {
		return media.StreamParams{}, fmt.Errorf("ffprobe parse: %w", err)
	}
	if len(res.Streams) == 0 {
		return media.StreamParams{}, fmt.Errorf("ffprobe: no video stream in %s", o.cfg.Source)
	}

	st := res.Streams[0]
	fps := ParseRate(st.AvgFrameRate)
	if fps == 0 {
		fps = ParseRate(st.RFrameRate)
	}
	return media.StreamParams{
		FPS:        fps,
		Dimensions: media.Dimensions{Width: st.Width, Height: st.Height},
	}, nil
}

// Open probes the source and starts the decoder.
func (o *Opener) Open(ctx context.Context) (capture.Device, error) {
	params, err := o.probe(ctx)
	if err != nil {
		return nil, errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrDeviceUnavailable, err),
			"Opener", "Open", "probe source")
	}
	if o.cfg.FPS > 0 {
		params.FPS = o.cfg.FPS
	}
	if o.cfg.Width > 0 && o.cfg.Height > 0 {
		params.Dimensions = media.Dimensions{Width: o.cfg.Width, Height: o.cfg.Height}
	}
	if !params.Dimensions.Valid() {
		return nil, errors.WrapTransient(
			fmt.Errorf("%w: %s", errors.ErrInvalidDimensions, params.Dimensions), "Opener", "Open", "probe source")
	}

	// The process must outlive Open's ctx, which may be a short startup timeout.
	procCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	cmd := exec.CommandContext(procCtx, o.cfg.FFmpegPath, o.CaptureArgs()...) //nolint:gosec
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, errors.WrapFatal(err, "Opener", "Open", "create stdout pipe")
	}
	stderr := &tailBuffer{limit: 4096}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrDeviceUnavailable, err),
			"Opener", "Open", "start ffmpeg")
	}

	d := &device{
		params:    params,
		frameSize: params.Dimensions.FrameBytes(o.bpp),
		cmd:       cmd,
		procCtx:   procCtx,
		cancel:    cancel,
		stderr:    stderr,
		frames:    make(chan []byte, 1),
		done:      make(chan struct{}),
	}
	go d.readLoop(bufio.NewReaderSize(stdout, d.frameSize))

	o.logger.Debug("ffmpeg capture started",
		"source", o.cfg.Source,
		"fps", params.FPS,
		"dimensions", params.Dimensions.String(),
		"pid", cmd.Process.Pid)
	return d, nil
}

type device struct {
	params    media.StreamParams
	frameSize int
	cmd       *exec.Cmd
	procCtx   context.Context
	cancel    context.CancelFunc
	stderr    *tailBuffer

	frames chan []byte
	done   chan struct{}
	err    error // set before done is closed

	closeOnce sync.Once
}

func (d *device) FPS() float64                 { return d.params.FPS }
func (d *device) Dimensions() media.Dimensions { return d.params.Dimensions }

func (d *device) readLoop(r io.Reader) {
	defer close(d.done)
	for {
		buf := make([]byte, d.frameSize)
		if _, err := io.ReadFull(r, buf); err != nil {
			waitErr := d.cmd.Wait()
			switch {
			case d.procCtx.Err() != nil:
				d.err = errors.ErrAlreadyStopped
			case stderrors.Is(err, io.EOF) && waitErr == nil:
				d.err = io.EOF
			case waitErr != nil:
				d.err = fmt.Errorf("%w: ffmpeg exited: %v: %s", errors.ErrDeviceReadFailed, waitErr, d.stderr.String())
			default:
				d.err = fmt.Errorf("%w: %v", errors.ErrDeviceReadFailed, err)
			}
			return
		}
		select {
		case d.frames <- buf:
		case <-d.procCtx.Done():
			_ = d.cmd.Wait()
			d.err = errors.ErrAlreadyStopped
			return
		}
	}
}

func (d *device) Read(ctx context.Context) ([]byte, error) {
	select {
	case buf := <-d.frames:
		return buf, nil
	case <-d.done:
		// Frames decoded before the process ended are still delivered.
		select {
		case buf := <-d.frames:
			return buf, nil
		default:
		}
		return nil, d.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close kills ffmpeg and waits for it to be reaped.
func (d *device) Close() error {
	d.closeOnce.Do(func() {
		d.cancel()
		<-d.done
	})
	return nil
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   bytes.Buffer
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf.Write(p)
	if over := b.buf.Len() - b.limit; over > 0 {
		b.buf.Next(over)
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.TrimSpace(b.buf.String())
}
