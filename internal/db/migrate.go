package db

import (
	"errors"
	"fmt"

	"github.com/tsubotan1985/clads-llm-bridge/internal/models"

	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// CurrentSchemaVersion is the schema version this build targets.
const CurrentSchemaVersion = 2

// ErrMigrationFailed wraps any migration step failure so callers can map it
// to the dedicated exit code.
var ErrMigrationFailed = errors.New("db: migration failed")

// migration is one versioned schema step applied inside a transaction.
type migration struct {
	version int
	apply   func(tx *gorm.DB) error
}

// migrations lists every schema step in order. Steps already recorded in
// schema_versions are skipped, so startup is idempotent.
var migrations = []migration{
	{version: 1, apply: migrateV1InitialSchema},
	{version: 2, apply: migrateV2EndpointVisibility},
}

// Migrate applies all pending schema steps. Each step runs in its own
// transaction together with its schema_versions bump; a failing step rolls
// back and aborts the sequence.
func Migrate(conn *gorm.DB) error {
	if conn == nil {
		return fmt.Errorf("%w: nil connection", ErrMigrationFailed)
	}

	if errTable := conn.AutoMigrate(&models.SchemaVersion{}); errTable != nil {
		return fmt.Errorf("%w: create schema_versions: %v", ErrMigrationFailed, errTable)
	}

	current, errVersion := AppliedSchemaVersion(conn)
	if errVersion != nil {
		return fmt.Errorf("%w: read version: %v", ErrMigrationFailed, errVersion)
	}

	for _, step := range migrations {
		if step.version <= current {
			continue
		}
		log.Infof("db: applying schema migration v%d", step.version)
		errStep := conn.Transaction(func(tx *gorm.DB) error {
			if errApply := step.apply(tx); errApply != nil {
				return errApply
			}
			return tx.Create(&models.SchemaVersion{Version: step.version}).Error
		})
		if errStep != nil {
			return fmt.Errorf("%w: step v%d: %v", ErrMigrationFailed, step.version, errStep)
		}
		current = step.version
	}

	return nil
}

// AppliedSchemaVersion returns the highest recorded schema version, or zero
// for a fresh store.
func AppliedSchemaVersion(conn *gorm.DB) (int, error) {
	var version *int
	if errScan := conn.Model(&models.SchemaVersion{}).
		Select("MAX(version)").
		Scan(&version).Error; errScan != nil {
		return 0, errScan
	}
	if version == nil {
		return 0, nil
	}
	return *version, nil
}

// migrateV1InitialSchema creates the base tables and their indexes.
func migrateV1InitialSchema(tx *gorm.DB) error {
	if errAutoMigrate := tx.AutoMigrate(
		&models.UpstreamConfig{},
		&models.UsageRecord{},
		&models.HealthStatus{},
		&models.AuthConfig{},
	); errAutoMigrate != nil {
		return fmt.Errorf("create tables: %w", errAutoMigrate)
	}
	return nil
}

// migrateV2EndpointVisibility adds the per-endpoint visibility columns and
// backfills pre-existing rows as visible on both endpoints.
func migrateV2EndpointVisibility(tx *gorm.DB) error {
	migrator := tx.Migrator()
	added := false

	for _, column := range []string{"available_on_general", "available_on_special"} {
		if migrator.HasColumn(&models.UpstreamConfig{}, column) {
			continue
		}
		if errAdd := migrator.AddColumn(&models.UpstreamConfig{}, column); errAdd != nil {
			return fmt.Errorf("add column %s: %w", column, errAdd)
		}
		added = true
	}

	if added {
		if errBackfill := tx.Model(&models.UpstreamConfig{}).
			Where("1 = 1").
			Updates(map[string]any{
				"available_on_general": true,
				"available_on_special": true,
			}).Error; errBackfill != nil {
			return fmt.Errorf("backfill visibility: %w", errBackfill)
		}
	}
	return nil
}
