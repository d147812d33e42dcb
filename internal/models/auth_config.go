package models

import "time"

// AuthConfig is the singleton admin credential row (id is always 1).
type AuthConfig struct {
	ID uint64 `gorm:"primaryKey"` // Always 1.

	PasswordHash  string `gorm:"type:text;not null"` // bcrypt hash (salt embedded).
	SessionSecret string `gorm:"type:text;not null"` // HMAC secret for admin session tokens.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}
