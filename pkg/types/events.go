package types

import "time"

const (
	StatusChangedEventName = "cameraStatusChanged"
	AssignedEventName      = "cameraAssigned"
)

type CameraStatusChanged struct {
	CameraID  string    `json:"cameraId"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

func (c *CameraStatusChanged) ContentType() string {
	return "application/json"
}
func (c *CameraStatusChanged) TopicName() string {
	return "camera.statusChanged"
}

type CameraAssigned struct {
	CameraID  string    `json:"cameraId"`
	DeviceID  *string   `json:"deviceId"`
	Timestamp time.Time `json:"timestamp"`
}

func (c *CameraAssigned) ContentType() string {
	return "application/json"
}
func (c *CameraAssigned) TopicName() string {
	return "camera.assigned"
}

// AssignmentRequested is consumed from the message bus and carries the same
// payload as a REST assignment.
type AssignmentRequested struct {
	CameraID string  `json:"cameraId"`
	DeviceID *string `json:"deviceId"`
}

func (a *AssignmentRequested) ContentType() string {
	return "application/json"
}
func (a *AssignmentRequested) TopicName() string {
	return "camera.assignmentRequested"
}
