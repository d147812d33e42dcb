package models

import "time"

// HealthState classifies the last probe result for an upstream config.
type HealthState string

// HealthState constants define probe outcomes.
const (
	// HealthStateOK marks a responsive upstream.
	HealthStateOK HealthState = "ok"
	// HealthStateNG marks a failing upstream.
	HealthStateNG HealthState = "ng"
	// HealthStateUnknown marks a config that has never been probed.
	HealthStateUnknown HealthState = "unknown"
)

// HealthStatus holds the latest probe result per upstream config.
type HealthStatus struct {
	ConfigID uint64 `gorm:"primaryKey"` // Owning upstream config.

	Status         HealthState `gorm:"type:varchar(16);not null;index"` // Latest probe outcome.
	CheckedAt      time.Time   `gorm:"not null;index"`                  // Probe timestamp, UTC.
	ResponseTimeMs int64       `gorm:"not null;default:0"`              // Probe round-trip time.
	ModelCount     int         `gorm:"not null;default:0"`              // Models advertised by the upstream.
	ErrorMessage   string      `gorm:"type:text"`                       // Failure detail when status is ng.
}
