package db

import (
	"testing"

	"github.com/tsubotan1985/clads-llm-bridge/internal/models"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	conn, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	// An in-memory SQLite database lives per connection; pin the pool to one.
	sqlDB, errDB := conn.DB()
	if errDB != nil {
		t.Fatalf("access pool: %v", errDB)
	}
	sqlDB.SetMaxOpenConns(1)
	return conn
}

func TestMigrate_FreshStore(t *testing.T) {
	conn := openTestDB(t)
	if errMigrate := Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}

	version, errVersion := AppliedSchemaVersion(conn)
	if errVersion != nil {
		t.Fatalf("read version: %v", errVersion)
	}
	if version != CurrentSchemaVersion {
		t.Fatalf("expected schema v%d, got v%d", CurrentSchemaVersion, version)
	}

	for _, model := range []any{
		&models.UpstreamConfig{},
		&models.UsageRecord{},
		&models.HealthStatus{},
		&models.AuthConfig{},
	} {
		if !conn.Migrator().HasTable(model) {
			t.Fatalf("expected table for %T", model)
		}
	}
}

func TestMigrate_Idempotent(t *testing.T) {
	conn := openTestDB(t)
	if errFirst := Migrate(conn); errFirst != nil {
		t.Fatalf("first migrate: %v", errFirst)
	}
	if errSecond := Migrate(conn); errSecond != nil {
		t.Fatalf("second migrate: %v", errSecond)
	}

	var count int64
	if errCount := conn.Model(&models.SchemaVersion{}).Count(&count).Error; errCount != nil {
		t.Fatalf("count versions: %v", errCount)
	}
	if count != int64(CurrentSchemaVersion) {
		t.Fatalf("expected %d version rows, got %d", CurrentSchemaVersion, count)
	}
}

func TestMigrate_V2BackfillsVisibility(t *testing.T) {
	conn := openTestDB(t)

	// Simulate a v1 store: schema_versions at 1 and a configs table without
	// the visibility columns.
	if errTable := conn.AutoMigrate(&models.SchemaVersion{}); errTable != nil {
		t.Fatalf("create schema_versions: %v", errTable)
	}
	if errExec := conn.Exec(`
		CREATE TABLE upstream_configs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			service_type TEXT NOT NULL,
			public_name TEXT NOT NULL,
			model_name TEXT NOT NULL DEFAULT '',
			api_key_ciphertext BLOB,
			base_url TEXT,
			is_enabled BOOLEAN NOT NULL DEFAULT 1,
			headers TEXT,
			notes TEXT,
			created_at DATETIME,
			updated_at DATETIME
		)
	`).Error; errExec != nil {
		t.Fatalf("create v1 table: %v", errExec)
	}
	if errSeed := conn.Exec(
		`INSERT INTO upstream_configs (service_type, public_name) VALUES ('openai', 'gpt-4')`,
	).Error; errSeed != nil {
		t.Fatalf("seed v1 row: %v", errSeed)
	}
	if errVersion := conn.Create(&models.SchemaVersion{Version: 1}).Error; errVersion != nil {
		t.Fatalf("record v1: %v", errVersion)
	}

	if errMigrate := Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}

	var row models.UpstreamConfig
	if errFind := conn.First(&row).Error; errFind != nil {
		t.Fatalf("load migrated row: %v", errFind)
	}
	if !row.AvailableOnGeneral || !row.AvailableOnSpecial {
		t.Fatalf("expected migrated row visible on both endpoints, got general=%v special=%v",
			row.AvailableOnGeneral, row.AvailableOnSpecial)
	}
}
