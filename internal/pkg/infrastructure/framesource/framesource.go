package framesource

import (
	"context"
	"fmt"
	"image"
)

var ErrNotReady = fmt.Errorf("frame source has not produced a frame yet")
var ErrDeviceNotFound = fmt.Errorf("device not found")
var ErrPermissionDenied = fmt.Errorf("permission denied")
var ErrDeviceBusy = fmt.Errorf("device busy")
var ErrClosed = fmt.Errorf("frame source closed")

// FrameSource is one open physical capture device. Capture may be called at
// any moment and returns the most recent frame, or ErrNotReady if the device
// has not delivered one yet.
//
//go:generate moq -rm -out framesource_mock.go . FrameSource
type FrameSource interface {
	Capture(ctx context.Context) (image.Image, error)
	Close() error
}

//go:generate moq -rm -out opener_mock.go . Opener
type Opener interface {
	Open(ctx context.Context, deviceID string) (FrameSource, error)
}

type OpenerFunc func(ctx context.Context, deviceID string) (FrameSource, error)

func (f OpenerFunc) Open(ctx context.Context, deviceID string) (FrameSource, error) {
	return f(ctx, deviceID)
}

type DeviceInfo struct {
	DeviceID string
	Name     string
}

//go:generate moq -rm -out discovery_mock.go . Discovery
type Discovery interface {
	Discover(ctx context.Context) ([]DeviceInfo, error)
}
