package models

import "time"

// UsageStatus classifies the outcome of one proxied request.
type UsageStatus string

// UsageStatus constants define request outcomes.
const (
	// UsageStatusSuccess marks a request relayed to completion.
	UsageStatusSuccess UsageStatus = "success"
	// UsageStatusClientError marks a request rejected before or during relay by client fault.
	UsageStatusClientError UsageStatus = "client_error"
	// UsageStatusUpstreamError marks an upstream or network failure.
	UsageStatusUpstreamError UsageStatus = "upstream_error"
	// UsageStatusTimeout marks a request that exceeded a configured deadline.
	UsageStatusTimeout UsageStatus = "timeout"
)

// UsageRecord is an append-only accounting row for one client request.
type UsageRecord struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	Timestamp time.Time `gorm:"not null;index;index:idx_usage_client_ts,priority:2;index:idx_usage_model_ts,priority:2"` // Completion time, UTC.
	ClientIP  string    `gorm:"type:varchar(64);not null;index;index:idx_usage_client_ts,priority:1"`                   // Observed peer address.

	PublicName string  `gorm:"type:varchar(255);not null;index;index:idx_usage_model_ts,priority:1"` // Requested public model name.
	ConfigID   *uint64 `gorm:"index"`                                                                // Resolved config, nil when resolution failed.

	InputTokens  int64 `gorm:"not null;default:0"` // Prompt tokens.
	OutputTokens int64 `gorm:"not null;default:0"` // Completion tokens.
	TotalTokens  int64 `gorm:"not null;default:0"` // Always input + output.

	ResponseTimeMs int64       `gorm:"not null;default:0"`               // Ingress first byte to egress last byte.
	Status         UsageStatus `gorm:"type:varchar(32);not null;index"`  // Request outcome.
	ErrorMessage   string      `gorm:"type:text"`                        // Present iff status != success.
}
