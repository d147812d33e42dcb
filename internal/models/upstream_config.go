package models

import (
	"time"

	"gorm.io/datatypes"
)

// ServiceType identifies the upstream provider protocol for a config.
type ServiceType string

// ServiceType constants enumerate the supported upstream providers.
const (
	// ServiceTypeOpenAI targets the OpenAI REST API.
	ServiceTypeOpenAI ServiceType = "openai"
	// ServiceTypeAnthropic targets the Anthropic Messages API.
	ServiceTypeAnthropic ServiceType = "anthropic"
	// ServiceTypeGemini targets the Google AI Studio REST API.
	ServiceTypeGemini ServiceType = "gemini"
	// ServiceTypeOpenRouter targets the OpenRouter OpenAI-compatible API.
	ServiceTypeOpenRouter ServiceType = "openrouter"
	// ServiceTypeVSCodeProxy targets a local VS Code language-model proxy.
	ServiceTypeVSCodeProxy ServiceType = "vscode_proxy"
	// ServiceTypeLMStudio targets a local LM Studio server.
	ServiceTypeLMStudio ServiceType = "lmstudio"
	// ServiceTypeOpenAICompatible targets any OpenAI-compatible endpoint.
	ServiceTypeOpenAICompatible ServiceType = "openai_compatible"
	// ServiceTypeNone marks a placeholder config that accepts no traffic.
	ServiceTypeNone ServiceType = "none"
)

// KnownServiceTypes lists every valid service type tag.
var KnownServiceTypes = []ServiceType{
	ServiceTypeOpenAI,
	ServiceTypeAnthropic,
	ServiceTypeGemini,
	ServiceTypeOpenRouter,
	ServiceTypeVSCodeProxy,
	ServiceTypeLMStudio,
	ServiceTypeOpenAICompatible,
	ServiceTypeNone,
}

// IsValid reports whether the service type belongs to the closed set.
func (t ServiceType) IsValid() bool {
	for _, known := range KnownServiceTypes {
		if t == known {
			return true
		}
	}
	return false
}

// UpstreamConfig describes one configured upstream provider.
type UpstreamConfig struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key, never reused.

	ServiceType ServiceType `gorm:"type:varchar(32);not null;index"`    // Provider protocol tag.
	PublicName  string      `gorm:"type:varchar(255);not null;index"`   // Client-facing model identifier.
	ModelName   string      `gorm:"type:varchar(255);not null"`         // Upstream-side model identifier.
	APIKey      []byte      `gorm:"column:api_key_ciphertext"`          // AEAD-sealed API key (nonce-prefixed).
	BaseURL     string      `gorm:"type:text"`                          // Base URL override, empty for the service default.

	IsEnabled          bool `gorm:"not null;default:true;index"` // Whether the config serves traffic.
	AvailableOnGeneral bool `gorm:"not null;default:true"`       // Visible on the general endpoint.
	AvailableOnSpecial bool `gorm:"not null;default:true"`       // Visible on the special endpoint.

	Headers datatypes.JSON `gorm:"type:jsonb"` // Extra request headers applied by the adapter.
	Notes   string         `gorm:"type:text"`  // Free-form operator notes.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}
