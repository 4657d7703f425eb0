package assignments

import "time"

type Assignment struct {
	CameraID  string `gorm:"primaryKey"`
	DeviceID  *string
	UpdatedAt time.Time
}

func (Assignment) TableName() string {
	return "camera_assignments"
}
