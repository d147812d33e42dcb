package db

import (
	"fmt"

	"gorm.io/gorm"
)

// Dialect identifiers supported by the database layer.
const (
	// DialectPostgres is the PostgreSQL dialect name.
	DialectPostgres = "postgres"
	// DialectSQLite is the SQLite dialect name.
	DialectSQLite = "sqlite"
)

// DialectName returns the active database dialect name.
func DialectName(conn *gorm.DB) string {
	if conn == nil || conn.Dialector == nil {
		return ""
	}
	return conn.Dialector.Name()
}

// IsSQLite reports whether the connection uses SQLite.
func IsSQLite(conn *gorm.DB) bool {
	return DialectName(conn) == DialectSQLite
}

// TimeBucketExpr returns a SQL expression that truncates the given timestamp
// column to the bucket unit ("minute", "hour" or "day") for the current
// dialect. The expression yields a sortable bucket key string.
func TimeBucketExpr(conn *gorm.DB, column, unit string) string {
	if IsSQLite(conn) {
		format := "%Y-%m-%d %H:%M:00"
		switch unit {
		case "hour":
			format = "%Y-%m-%d %H:00:00"
		case "day":
			format = "%Y-%m-%d 00:00:00"
		}
		return fmt.Sprintf("strftime('%s', %s)", format, column)
	}
	return fmt.Sprintf("to_char(date_trunc('%s', %s), 'YYYY-MM-DD HH24:MI:SS')", unit, column)
}
