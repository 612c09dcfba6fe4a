package frame

import (
	"context"
	"image"
	"sync"

	"github.com/carescan/carescan/internal/scan/failure"
)

// Device is an open camera handle supplied by the embedding platform.
//
// Grab returns the most recently captured frame, or (nil, nil) when the
// device has not produced one yet. Release stops capture and frees the
// handle; the camera source guarantees it is called exactly once no matter
// how the scan ends.
type Device interface {
	Grab() (image.Image, error)
	Release() error
}

// DeviceOpener acquires a camera device by identifier. Implementations
// report acquisition problems with failure kinds DeviceUnavailable or
// PermissionDenied so the presentation layer can distinguish them.
type DeviceOpener func(deviceID string) (Device, error)

// CameraSource adapts a Device into a Source. The device handle is owned
// exclusively by this source: replacing the camera means closing this
// source before opening another, never two handles at once.
type CameraSource struct {
	mu     sync.Mutex
	dev    Device
	seq    uint64
	closed bool

	closeOnce sync.Once
	closeErr  error
}

// OpenCamera acquires deviceID through the opener and wraps the handle.
func OpenCamera(opener DeviceOpener, deviceID string) (*CameraSource, error) {
	if opener == nil {
		return nil, failure.New(failure.DeviceUnavailable, "no camera backend configured")
	}
	dev, err := opener(deviceID)
	if err != nil {
		if failure.KindOf(err) != failure.Unexpected {
			return nil, err
		}
		return nil, failure.Wrap(failure.DeviceUnavailable, "open camera "+deviceID, err)
	}
	return &CameraSource{dev: dev}, nil
}

// NewCameraSource wraps an already-open device.
func NewCameraSource(dev Device) *CameraSource {
	return &CameraSource{dev: dev}
}

func (s *CameraSource) Mode() Mode { return ModeCamera }

func (s *CameraSource) Next(ctx context.Context) (*Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, failure.New(failure.DeviceUnavailable, "camera already released")
	}

	img, err := s.dev.Grab()
	if err != nil {
		return nil, failure.Wrap(failure.DeviceUnavailable, "grab frame", err)
	}
	if img == nil {
		// Device warming up; not an error.
		return nil, nil
	}

	s.seq++
	return fromImage(img, s.seq), nil
}

// Close releases the device handle. Only the first call reaches the
// device; later calls return the recorded result.
func (s *CameraSource) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		s.closeErr = s.dev.Release()
	})
	return s.closeErr
}
