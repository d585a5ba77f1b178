package capture

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/c360/camstream/errors"
	"github.com/c360/camstream/media"
)

// Device is an open capture device.
type Device interface {
	// FPS is the frame rate reported by the device for this open.
	FPS() float64
	Dimensions() media.Dimensions
	// Read blocks for the next frame. The returned slice belongs to the caller.
	Read(ctx context.Context) ([]byte, error)
	Close() error
}

// Opener opens the capture device.
type Opener interface {
	Open(ctx context.Context) (Device, error)
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(ctx context.Context) (Device, error)

// Open calls f.
func (f OpenerFunc) Open(ctx context.Context) (Device, error) { return f(ctx) }

// Clock returns the current time. Tests substitute a fake.
type Clock func() time.Time

// ValidFPS reports whether fps can drive the watchdog and chunk sizing.
func ValidFPS(fps float64) bool {
	return fps > 0 && !math.IsNaN(fps) && !math.IsInf(fps, 0)
}

// Probe opens the device once, reads its frame rate and size, and closes it.
func Probe(ctx context.Context, opener Opener) (media.StreamParams, error) {
	dev, err := opener.Open(ctx)
	if err != nil {
		return media.StreamParams{}, errors.WrapFatal(
			fmt.Errorf("%w: %v", errors.ErrDeviceUnavailable, err), "Capture", "Probe", "open device")
	}
	defer dev.Close()

	params := media.StreamParams{FPS: dev.FPS(), Dimensions: dev.Dimensions()}
	if !ValidFPS(params.FPS) {
		return params, errors.WrapFatal(
			fmt.Errorf("%w: %v", errors.ErrInvalidFrameRate, params.FPS), "Capture", "Probe", "read frame rate")
	}
	if !params.Dimensions.Valid() {
		return params, errors.WrapFatal(
			fmt.Errorf("%w: %s", errors.ErrInvalidDimensions, params.Dimensions), "Capture", "Probe", "read frame size")
	}
	return params, nil
}
