package db

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Open connects to the database selected by the DSN. A postgres URL or
// key/value DSN opens PostgreSQL; anything else is treated as a SQLite
// file path whose parent directory is created on demand.
func Open(dsn string) (*gorm.DB, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("db: empty dsn")
	}

	gormCfg := &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}

	if isPostgresDSN(dsn) {
		conn, errOpen := gorm.Open(postgres.Open(dsn), gormCfg)
		if errOpen != nil {
			return nil, fmt.Errorf("db: open postgres: %w", errOpen)
		}
		return conn, nil
	}

	path := dsn
	if !strings.HasPrefix(path, "file:") {
		if dir := filepath.Dir(path); dir != "" && dir != "." {
			if errMkdir := os.MkdirAll(dir, 0o755); errMkdir != nil {
				return nil, fmt.Errorf("db: create data dir: %w", errMkdir)
			}
		}
		path += "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	}

	conn, errOpen := gorm.Open(sqlite.Open(path), gormCfg)
	if errOpen != nil {
		return nil, fmt.Errorf("db: open sqlite: %w", errOpen)
	}

	sqlDB, errDB := conn.DB()
	if errDB != nil {
		return nil, fmt.Errorf("db: access pool: %w", errDB)
	}
	// SQLite tolerates a single writer; keep the pool small.
	sqlDB.SetMaxOpenConns(1)

	return conn, nil
}

// isPostgresDSN reports whether the DSN addresses a PostgreSQL server.
func isPostgresDSN(dsn string) bool {
	lower := strings.ToLower(dsn)
	return strings.HasPrefix(lower, "postgres://") ||
		strings.HasPrefix(lower, "postgresql://") ||
		strings.Contains(lower, "host=")
}
