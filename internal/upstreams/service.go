package upstreams

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tsubotan1985/clads-llm-bridge/internal/catalog"
	"github.com/tsubotan1985/clads-llm-bridge/internal/models"
	"github.com/tsubotan1985/clads-llm-bridge/internal/secret"

	"github.com/jackc/pgx/v5/pgconn"
	log "github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Validation errors surfaced to the admin API.
var (
	// ErrNotFound indicates the config id does not exist.
	ErrNotFound = errors.New("upstreams: config not found")
	// ErrInvalid wraps any invariant violation on create or update.
	ErrInvalid = errors.New("upstreams: invalid config")
	// ErrDuplicateName indicates the public name is already taken by an
	// enabled config.
	ErrDuplicateName = errors.New("upstreams: public name already in use")
)

// Input carries the writable fields of an upstream config.
type Input struct {
	ServiceType        models.ServiceType `json:"service_type"`
	PublicName         string             `json:"public_name"`
	ModelName          string             `json:"model_name"`
	APIKey             string             `json:"api_key"`
	BaseURL            string             `json:"base_url"`
	IsEnabled          bool               `json:"is_enabled"`
	AvailableOnGeneral bool               `json:"available_on_general"`
	AvailableOnSpecial bool               `json:"available_on_special"`
	Headers            map[string]string  `json:"headers"`
	Notes              string             `json:"notes"`
}

// Patch carries optional updates; nil fields keep their stored value.
type Patch struct {
	ServiceType        *models.ServiceType `json:"service_type"`
	PublicName         *string             `json:"public_name"`
	ModelName          *string             `json:"model_name"`
	APIKey             *string             `json:"api_key"`
	BaseURL            *string             `json:"base_url"`
	IsEnabled          *bool               `json:"is_enabled"`
	AvailableOnGeneral *bool               `json:"available_on_general"`
	AvailableOnSpecial *bool               `json:"available_on_special"`
	Headers            *map[string]string  `json:"headers"`
	Notes              *string             `json:"notes"`
}

// View is the API-facing representation of a config. The key is masked
// unless the caller asked to reveal it.
type View struct {
	ID                 uint64             `json:"id"`
	ServiceType        models.ServiceType `json:"service_type"`
	PublicName         string             `json:"public_name"`
	ModelName          string             `json:"model_name"`
	APIKey             string             `json:"api_key"`
	BaseURL            string             `json:"base_url"`
	IsEnabled          bool               `json:"is_enabled"`
	AvailableOnGeneral bool               `json:"available_on_general"`
	AvailableOnSpecial bool               `json:"available_on_special"`
	Headers            map[string]string  `json:"headers,omitempty"`
	Notes              string             `json:"notes"`
	CreatedAt          time.Time          `json:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at"`
}

// ReloadFailure names one enabled config that could not be loaded.
type ReloadFailure struct {
	ID     uint64 `json:"id"`
	Reason string `json:"reason"`
}

// ReloadResult summarizes one snapshot rebuild.
type ReloadResult struct {
	Loaded int             `json:"loaded"`
	Failed []ReloadFailure `json:"failed"`
}

// Service owns upstream config CRUD, secret handling and snapshot reloads.
type Service struct {
	db     *gorm.DB
	cipher *secret.Cipher
	store  *catalog.Store
}

// NewService constructs the config service.
func NewService(db *gorm.DB, cipher *secret.Cipher, store *catalog.Store) *Service {
	return &Service{db: db, cipher: cipher, store: store}
}

// Create validates, encrypts and inserts a config, then reloads the
// snapshot.
func (s *Service) Create(ctx context.Context, input Input) (View, error) {
	if s == nil || s.db == nil {
		return View{}, fmt.Errorf("upstreams: service not initialized")
	}

	row := models.UpstreamConfig{
		ServiceType:        input.ServiceType,
		PublicName:         strings.TrimSpace(input.PublicName),
		ModelName:          strings.TrimSpace(input.ModelName),
		BaseURL:            strings.TrimSpace(input.BaseURL),
		IsEnabled:          input.IsEnabled,
		AvailableOnGeneral: input.AvailableOnGeneral,
		AvailableOnSpecial: input.AvailableOnSpecial,
		Notes:              input.Notes,
	}
	if errValidate := s.validate(ctx, &row, 0); errValidate != nil {
		return View{}, errValidate
	}

	sealed, errSeal := s.cipher.Encrypt(input.APIKey)
	if errSeal != nil {
		return View{}, fmt.Errorf("upstreams: encrypt api key: %w", errSeal)
	}
	row.APIKey = sealed

	if headers, errHeaders := marshalHeaders(input.Headers); errHeaders != nil {
		return View{}, errHeaders
	} else if headers != nil {
		row.Headers = headers
	}

	// The flag columns carry default:true, so the insert stores true for a
	// false flag; the requested flags are written back in the same transaction.
	errTx := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if errCreate := tx.Create(&row).Error; errCreate != nil {
			return errCreate
		}
		row.IsEnabled = input.IsEnabled
		row.AvailableOnGeneral = input.AvailableOnGeneral
		row.AvailableOnSpecial = input.AvailableOnSpecial
		return tx.Model(&row).Select("is_enabled", "available_on_general", "available_on_special").Updates(&row).Error
	})
	if errTx != nil {
		return View{}, mapWriteError(errTx)
	}

	s.reloadQuietly(ctx)
	return s.view(row, false)
}

// Update applies a patch, re-encrypting the key when it changes, then
// reloads the snapshot.
func (s *Service) Update(ctx context.Context, id uint64, patch Patch) (View, error) {
	if s == nil || s.db == nil {
		return View{}, fmt.Errorf("upstreams: service not initialized")
	}

	var row models.UpstreamConfig
	if errFind := s.db.WithContext(ctx).First(&row, id).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return View{}, ErrNotFound
		}
		return View{}, fmt.Errorf("upstreams: load config: %w", errFind)
	}

	if patch.ServiceType != nil {
		row.ServiceType = *patch.ServiceType
	}
	if patch.PublicName != nil {
		row.PublicName = strings.TrimSpace(*patch.PublicName)
	}
	if patch.ModelName != nil {
		row.ModelName = strings.TrimSpace(*patch.ModelName)
	}
	if patch.BaseURL != nil {
		row.BaseURL = strings.TrimSpace(*patch.BaseURL)
	}
	if patch.IsEnabled != nil {
		row.IsEnabled = *patch.IsEnabled
	}
	if patch.AvailableOnGeneral != nil {
		row.AvailableOnGeneral = *patch.AvailableOnGeneral
	}
	if patch.AvailableOnSpecial != nil {
		row.AvailableOnSpecial = *patch.AvailableOnSpecial
	}
	if patch.Notes != nil {
		row.Notes = *patch.Notes
	}
	if patch.Headers != nil {
		headers, errHeaders := marshalHeaders(*patch.Headers)
		if errHeaders != nil {
			return View{}, errHeaders
		}
		row.Headers = headers
	}
	if patch.APIKey != nil {
		sealed, errSeal := s.cipher.Encrypt(*patch.APIKey)
		if errSeal != nil {
			return View{}, fmt.Errorf("upstreams: encrypt api key: %w", errSeal)
		}
		row.APIKey = sealed
	}

	if errValidate := s.validate(ctx, &row, row.ID); errValidate != nil {
		return View{}, errValidate
	}

	row.UpdatedAt = time.Now().UTC()
	if errSave := s.db.WithContext(ctx).Save(&row).Error; errSave != nil {
		return View{}, mapWriteError(errSave)
	}

	s.reloadQuietly(ctx)
	return s.view(row, false)
}

// Delete removes a config and its dependent health rows, then reloads the
// snapshot.
func (s *Service) Delete(ctx context.Context, id uint64) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("upstreams: service not initialized")
	}

	errTx := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Delete(&models.UpstreamConfig{}, id)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrNotFound
		}
		return tx.Where("config_id = ?", id).Delete(&models.HealthStatus{}).Error
	})
	if errTx != nil {
		if errors.Is(errTx, ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("upstreams: delete config: %w", errTx)
	}

	s.reloadQuietly(ctx)
	return nil
}

// Get returns one config, masked unless reveal is set.
func (s *Service) Get(ctx context.Context, id uint64, reveal bool) (View, error) {
	if s == nil || s.db == nil {
		return View{}, fmt.Errorf("upstreams: service not initialized")
	}
	var row models.UpstreamConfig
	if errFind := s.db.WithContext(ctx).First(&row, id).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return View{}, ErrNotFound
		}
		return View{}, fmt.Errorf("upstreams: load config: %w", errFind)
	}
	return s.view(row, reveal)
}

// List returns every config with masked keys, newest last.
func (s *Service) List(ctx context.Context) ([]View, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("upstreams: service not initialized")
	}
	var rows []models.UpstreamConfig
	if errFind := s.db.WithContext(ctx).Order("id ASC").Find(&rows).Error; errFind != nil {
		return nil, fmt.Errorf("upstreams: list configs: %w", errFind)
	}
	out := make([]View, 0, len(rows))
	for _, row := range rows {
		view, errView := s.view(row, false)
		if errView != nil {
			return nil, errView
		}
		out = append(out, view)
	}
	return out, nil
}

// Reload re-validates every enabled row and publishes a new snapshot. Rows
// that fail validation or decryption are reported and excluded.
func (s *Service) Reload(ctx context.Context) (ReloadResult, error) {
	if s == nil || s.db == nil {
		return ReloadResult{}, fmt.Errorf("upstreams: service not initialized")
	}

	var rows []models.UpstreamConfig
	if errFind := s.db.WithContext(ctx).
		Where("is_enabled = ?", true).
		Order("id ASC").
		Find(&rows).Error; errFind != nil {
		return ReloadResult{}, fmt.Errorf("upstreams: load enabled configs: %w", errFind)
	}

	result := ReloadResult{Failed: make([]ReloadFailure, 0)}
	entries := make([]catalog.Entry, 0, len(rows))
	seen := make(map[string]uint64, len(rows))

	for _, row := range rows {
		reason := ""
		switch {
		case !row.ServiceType.IsValid():
			reason = "unknown service type '" + string(row.ServiceType) + "'"
		case strings.TrimSpace(row.PublicName) == "":
			reason = "empty public name"
		case !row.AvailableOnGeneral && !row.AvailableOnSpecial:
			reason = "not visible on any endpoint"
		}
		if reason == "" {
			if prev, dup := seen[row.PublicName]; dup {
				reason = fmt.Sprintf("public name duplicates config %d", prev)
			}
		}

		var apiKey string
		if reason == "" {
			var errOpen error
			apiKey, errOpen = s.cipher.Decrypt(row.APIKey)
			if errOpen != nil {
				reason = "api key cannot be decrypted"
			}
		}

		if reason != "" {
			result.Failed = append(result.Failed, ReloadFailure{ID: row.ID, Reason: reason})
			continue
		}

		seen[row.PublicName] = row.ID
		entries = append(entries, catalog.Entry{
			ID:                 row.ID,
			ServiceType:        row.ServiceType,
			PublicName:         row.PublicName,
			ModelName:          row.ModelName,
			APIKey:             apiKey,
			BaseURL:            row.BaseURL,
			Headers:            unmarshalHeaders(row.Headers),
			AvailableOnGeneral: row.AvailableOnGeneral,
			AvailableOnSpecial: row.AvailableOnSpecial,
			CreatedAt:          row.CreatedAt,
		})
	}

	s.store.Replace(entries)
	result.Loaded = len(entries)
	log.Infof("upstreams: snapshot reloaded (loaded=%d failed=%d)", result.Loaded, len(result.Failed))
	return result, nil
}

// validate checks the config invariants, excluding selfID from the
// uniqueness probe on update.
func (s *Service) validate(ctx context.Context, row *models.UpstreamConfig, selfID uint64) error {
	if !row.ServiceType.IsValid() {
		return fmt.Errorf("%w: unknown service type '%s'", ErrInvalid, row.ServiceType)
	}
	if row.PublicName == "" {
		return fmt.Errorf("%w: public name is required", ErrInvalid)
	}
	if row.IsEnabled && !row.AvailableOnGeneral && !row.AvailableOnSpecial {
		return fmt.Errorf("%w: an enabled config must be visible on at least one endpoint", ErrInvalid)
	}

	if row.IsEnabled {
		query := s.db.WithContext(ctx).Model(&models.UpstreamConfig{}).
			Where("public_name = ? AND is_enabled = ?", row.PublicName, true)
		if selfID != 0 {
			query = query.Where("id <> ?", selfID)
		}
		var count int64
		if errCount := query.Count(&count).Error; errCount != nil {
			return fmt.Errorf("upstreams: check public name: %w", errCount)
		}
		if count > 0 {
			return ErrDuplicateName
		}
	}
	return nil
}

// view decrypts (or masks) the key and shapes a config row for the API.
func (s *Service) view(row models.UpstreamConfig, reveal bool) (View, error) {
	apiKey, errOpen := s.cipher.Decrypt(row.APIKey)
	if errOpen != nil {
		return View{}, fmt.Errorf("upstreams: decrypt api key for config %d: %w", row.ID, errOpen)
	}
	if !reveal {
		apiKey = secret.Mask(apiKey)
	}
	return View{
		ID:                 row.ID,
		ServiceType:        row.ServiceType,
		PublicName:         row.PublicName,
		ModelName:          row.ModelName,
		APIKey:             apiKey,
		BaseURL:            row.BaseURL,
		IsEnabled:          row.IsEnabled,
		AvailableOnGeneral: row.AvailableOnGeneral,
		AvailableOnSpecial: row.AvailableOnSpecial,
		Headers:            unmarshalHeaders(row.Headers),
		Notes:              row.Notes,
		CreatedAt:          row.CreatedAt,
		UpdatedAt:          row.UpdatedAt,
	}, nil
}

// Resolve returns the decrypted runtime entry for one config id, bypassing
// the snapshot. Used by the admin model discovery endpoint.
func (s *Service) Resolve(ctx context.Context, id uint64) (catalog.Entry, error) {
	var row models.UpstreamConfig
	if errFind := s.db.WithContext(ctx).First(&row, id).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return catalog.Entry{}, ErrNotFound
		}
		return catalog.Entry{}, fmt.Errorf("upstreams: load config: %w", errFind)
	}
	apiKey, errOpen := s.cipher.Decrypt(row.APIKey)
	if errOpen != nil {
		return catalog.Entry{}, fmt.Errorf("upstreams: decrypt api key for config %d: %w", row.ID, errOpen)
	}
	return catalog.Entry{
		ID:                 row.ID,
		ServiceType:        row.ServiceType,
		PublicName:         row.PublicName,
		ModelName:          row.ModelName,
		APIKey:             apiKey,
		BaseURL:            row.BaseURL,
		Headers:            unmarshalHeaders(row.Headers),
		AvailableOnGeneral: row.AvailableOnGeneral,
		AvailableOnSpecial: row.AvailableOnSpecial,
		CreatedAt:          row.CreatedAt,
	}, nil
}

// reloadQuietly refreshes the snapshot after a mutation, logging failures
// instead of failing the write that already committed.
func (s *Service) reloadQuietly(ctx context.Context) {
	if _, errReload := s.Reload(ctx); errReload != nil {
		log.WithError(errReload).Warn("upstreams: snapshot reload after mutation failed")
	}
}

// marshalHeaders encodes the extra-headers map for storage.
func marshalHeaders(headers map[string]string) (datatypes.JSON, error) {
	if len(headers) == 0 {
		return nil, nil
	}
	raw, errMarshal := json.Marshal(headers)
	if errMarshal != nil {
		return nil, fmt.Errorf("%w: encode headers: %v", ErrInvalid, errMarshal)
	}
	return datatypes.JSON(raw), nil
}

// unmarshalHeaders decodes the stored extra-headers map.
func unmarshalHeaders(raw datatypes.JSON) map[string]string {
	if len(raw) == 0 {
		return nil
	}
	headers := make(map[string]string)
	if errUnmarshal := json.Unmarshal(raw, &headers); errUnmarshal != nil {
		return nil
	}
	if len(headers) == 0 {
		return nil
	}
	return headers
}

// mapWriteError converts driver-level uniqueness violations into the
// service's duplicate-name error.
func mapWriteError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrDuplicateName
	}
	if strings.Contains(strings.ToLower(err.Error()), "unique") {
		return ErrDuplicateName
	}
	return fmt.Errorf("upstreams: write config: %w", err)
}
