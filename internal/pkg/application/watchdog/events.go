package watchdog

import (
	"time"
)

// DetectionAvailabilityChanged is published when the detection service goes
// from healthy to unhealthy or back.
type DetectionAvailabilityChanged struct {
	Available  bool      `json:"available"`
	Status     string    `json:"status,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	ObservedAt time.Time `json:"observedAt"`
}

func (d *DetectionAvailabilityChanged) ContentType() string {
	return "application/json"
}
func (d *DetectionAvailabilityChanged) TopicName() string {
	return "watchdog.detectionAvailabilityChanged"
}
