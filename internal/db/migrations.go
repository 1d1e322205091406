package db

import (
	"fmt"

	"gorm.io/gorm"
)

var migrationStatements = []string{
	`CREATE TABLE IF NOT EXISTS traffic_events (
		id BIGSERIAL PRIMARY KEY,
		kind VARCHAR(32) NOT NULL,
		class_name VARCHAR(64),
		speed_kmh DOUBLE PRECISION,
		direction_deg DOUBLE PRECISION,
		plate_number VARCHAR(32),
		image_path TEXT,
		video_source VARCHAR(255) NOT NULL,
		detected_at TIMESTAMPTZ NOT NULL,
		raw JSONB,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);`,
	`CREATE INDEX IF NOT EXISTS idx_traffic_events_kind ON traffic_events (kind);`,
	`CREATE INDEX IF NOT EXISTS idx_traffic_events_video_source ON traffic_events (video_source);`,
	`CREATE INDEX IF NOT EXISTS idx_traffic_events_detected_at ON traffic_events (detected_at);`,
	`CREATE INDEX IF NOT EXISTS idx_traffic_events_plate_number ON traffic_events (plate_number);`,
}

func runMigrations(db *gorm.DB) error {
	for i, stmt := range migrationStatements {
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}
	return nil
}
