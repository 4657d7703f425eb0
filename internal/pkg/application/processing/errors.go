package processing

import "fmt"

var ErrShutdown = fmt.Errorf("orchestrator has been shut down")
var ErrSuperseded = fmt.Errorf("camera was unbound before its device became available")
var ErrEmptyIdentifier = fmt.Errorf("camera and device identifiers must not be empty")

// AcquisitionError is returned by RegisterCamera when the device could not be
// opened. The camera is left unbound.
type AcquisitionError struct {
	CameraID string
	DeviceID string
	Err      error
}

func (e *AcquisitionError) Error() string {
	return fmt.Sprintf("failed to acquire device %s for camera %s: %s", e.DeviceID, e.CameraID, e.Err)
}

func (e *AcquisitionError) Unwrap() error { return e.Err }

// CaptureNotReadyError means the stream is open but has no frame yet.
type CaptureNotReadyError struct {
	DeviceID string
	Err      error
}

func (e *CaptureNotReadyError) Error() string {
	return fmt.Sprintf("device %s has no frame yet", e.DeviceID)
}

func (e *CaptureNotReadyError) Unwrap() error { return e.Err }

type CaptureError struct {
	DeviceID string
	Err      error
}

func (e *CaptureError) Error() string {
	return fmt.Sprintf("failed to capture frame from %s: %s", e.DeviceID, e.Err)
}

func (e *CaptureError) Unwrap() error { return e.Err }

type SubmissionError struct {
	DeviceID string
	Err      error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("detection failed for device %s: %s", e.DeviceID, e.Err)
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// BindingError reports an operation on a camera that is not bound.
type BindingError struct {
	CameraID string
}

func (e *BindingError) Error() string {
	return fmt.Sprintf("camera %s is not bound to a device", e.CameraID)
}
