package testutil

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/c360/camstream/capture"
	"github.com/c360/camstream/media"
)

// ScriptedDevice replays Frames, then returns EndErr (io.EOF when nil). With
// BlockAtEnd it instead blocks until the read context is done.
type ScriptedDevice struct {
	FPSValue   float64
	Dims       media.Dimensions
	Frames     [][]byte
	EndErr     error
	BlockAtEnd bool

	// OnRead runs before every read with the zero-based read index.
	OnRead func(i int)

	mu         sync.Mutex
	reads      int
	closeCalls atomic.Int32
}

// NewScriptedDevice returns a device producing n frames of the given size.
func NewScriptedDevice(fps float64, dims media.Dimensions, n int) *ScriptedDevice {
	return &ScriptedDevice{
		FPSValue: fps,
		Dims:     dims,
		Frames:   Frames(n, dims.FrameBytes(3)),
	}
}

// FPS implements capture.Device.
func (d *ScriptedDevice) FPS() float64 { return d.FPSValue }

// Dimensions implements capture.Device.
func (d *ScriptedDevice) Dimensions() media.Dimensions { return d.Dims }

// Read implements capture.Device.
func (d *ScriptedDevice) Read(ctx context.Context) ([]byte, error) {
	d.mu.Lock()
	i := d.reads
	d.reads++
	d.mu.Unlock()

	if d.OnRead != nil {
		d.OnRead(i)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.closeCalls.Load() > 0 {
		return nil, errors.New("read on closed device")
	}

	if i < len(d.Frames) {
		return d.Frames[i], nil
	}
	if d.BlockAtEnd {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if d.EndErr != nil {
		return nil, d.EndErr
	}
	return nil, io.EOF
}

// Close implements capture.Device and counts calls.
func (d *ScriptedDevice) Close() error {
	d.closeCalls.Add(1)
	return nil
}

// CloseCalls returns how many times Close was called.
func (d *ScriptedDevice) CloseCalls() int { return int(d.closeCalls.Load()) }

// Reads returns how many times Read was called.
func (d *ScriptedDevice) Reads() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reads
}

// ScriptedOpener hands out Devices in order. A nil entry in Errs at the same
// index means success; a non-nil entry fails that open attempt without
// consuming a device. Once devices run out, Open blocks until ctx is done.
type ScriptedOpener struct {
	Devices []*ScriptedDevice
	Errs    []error

	mu       sync.Mutex
	attempts int
	next     int
}

// NewScriptedOpener returns an opener over devs.
func NewScriptedOpener(devs ...*ScriptedDevice) *ScriptedOpener {
	return &ScriptedOpener{Devices: devs}
}

// Open implements capture.Opener.
func (o *ScriptedOpener) Open(ctx context.Context) (capture.Device, error) {
	o.mu.Lock()
	attempt := o.attempts
	o.attempts++
	if attempt < len(o.Errs) && o.Errs[attempt] != nil {
		err := o.Errs[attempt]
		o.mu.Unlock()
		return nil, err
	}
	if o.next < len(o.Devices) {
		dev := o.Devices[o.next]
		o.next++
		o.mu.Unlock()
		return dev, nil
	}
	o.mu.Unlock()

	<-ctx.Done()
	return nil, ctx.Err()
}

// Attempts returns the number of Open calls.
func (o *ScriptedOpener) Attempts() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.attempts
}

// Opened returns the number of devices handed out.
func (o *ScriptedOpener) Opened() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.next
}
