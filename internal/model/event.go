package model

import (
	"time"

	"gorm.io/datatypes"
)

// TrafficEvent is one detection reported by the analytics backend:
// a speed measurement, a turn classification or a plate read. Raw
// keeps the backend payload verbatim so new fields survive schema
// drift on our side.
type TrafficEvent struct {
	ID           int64          `gorm:"primaryKey;autoIncrement" json:"id"`
	Kind         string         `gorm:"type:varchar(32);not null;index" json:"kind"`
	ClassName    string         `gorm:"type:varchar(64)" json:"class_name"`
	SpeedKmh     *float64       `json:"speed_kmh,omitempty"`
	DirectionDeg *float64       `json:"direction_deg,omitempty"`
	PlateNumber  string         `gorm:"type:varchar(32);index" json:"plate_number,omitempty"`
	ImagePath    string         `gorm:"type:text" json:"image_path,omitempty"`
	VideoSource  string         `gorm:"type:varchar(255);index" json:"video_source"`
	DetectedAt   time.Time      `gorm:"not null;index" json:"detected_at"`
	Raw          datatypes.JSON `gorm:"type:jsonb" json:"raw,omitempty"`
	CreatedAt    time.Time      `gorm:"autoCreateTime" json:"created_at"`
}

func (TrafficEvent) TableName() string {
	return "traffic_events"
}

const (
	EventKindSpeed = "speed"
	EventKindTurn  = "turn"
	EventKindPlate = "plate"
)
