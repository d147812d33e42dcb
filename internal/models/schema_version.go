package models

import "time"

// SchemaVersion records one applied migration step.
type SchemaVersion struct {
	Version   int       `gorm:"primaryKey"`              // Applied schema version.
	AppliedAt time.Time `gorm:"not null;autoCreateTime"` // When the step committed.
}
