package types

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type Status int

const (
	StatusNormal Status = iota
	StatusLow
	StatusMedium
	StatusHigh
)

var statusNames = [...]string{"NORMAL", "LOW", "MEDIUM", "HIGH"}

func (s Status) String() string {
	if s < StatusNormal || s > StatusHigh {
		return fmt.Sprintf("Status(%d)", int(s))
	}
	return statusNames[s]
}

func ParseStatus(s string) (Status, error) {
	for i, n := range statusNames {
		if strings.EqualFold(n, s) {
			return Status(i), nil
		}
	}
	return StatusNormal, fmt.Errorf("unknown status %q", s)
}

func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Status) UnmarshalJSON(b []byte) error {
	var str string
	if err := json.Unmarshal(b, &str); err != nil {
		return err
	}

	parsed, err := ParseStatus(str)
	if err != nil {
		return err
	}

	*s = parsed
	return nil
}

// Threat is a single detection within a submitted frame. BBox is x, y, width, height.
type Threat struct {
	Type       string     `json:"type"`
	Confidence float64    `json:"confidence"`
	BBox       [4]float64 `json:"bbox"`
}

// Observation is the result of one processing cycle for a device.
type Observation struct {
	Threats        []Threat
	ProcessedImage []byte
	Timestamp      time.Time
}

type StatusEvent struct {
	CameraID  string
	Status    Status
	Timestamp time.Time
}

type statusEventJSON struct {
	CameraID  string `json:"cameraId"`
	Status    Status `json:"status"`
	Timestamp int64  `json:"timestamp"`
}

func (e StatusEvent) MarshalJSON() ([]byte, error) {
	return json.Marshal(statusEventJSON{
		CameraID:  e.CameraID,
		Status:    e.Status,
		Timestamp: e.Timestamp.UnixMilli(),
	})
}

func (e *StatusEvent) UnmarshalJSON(b []byte) error {
	v := statusEventJSON{}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}

	e.CameraID = v.CameraID
	e.Status = v.Status
	e.Timestamp = time.UnixMilli(v.Timestamp).UTC()

	return nil
}

// Assignment maps a camera slot to a device. A nil DeviceID means unassigned.
type Assignment struct {
	CameraID string  `json:"cameraId"`
	DeviceID *string `json:"deviceId"`
}

func (a Assignment) Assigned() bool {
	return a.DeviceID != nil && *a.DeviceID != ""
}

type CameraState struct {
	CameraID   string     `json:"cameraId"`
	DeviceID   string     `json:"deviceId,omitempty"`
	Status     Status     `json:"status"`
	LastThreat *time.Time `json:"lastThreat,omitempty"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

type Device struct {
	DeviceID string `json:"deviceId"`
	Name     string `json:"name,omitempty"`
	InUse    bool   `json:"inUse"`
}
