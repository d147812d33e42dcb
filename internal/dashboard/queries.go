package dashboard

import (
	"context"
	"fmt"
	"time"

	"github.com/tsubotan1985/clads-llm-bridge/internal/db"

	"gorm.io/gorm"
)

// bucketKeyLayout matches the sortable key produced by db.TimeBucketExpr.
const bucketKeyLayout = "2006-01-02 15:04:05"

// ClientUsage is one client leaderboard row.
type ClientUsage struct {
	ClientIP      string `json:"client_ip" gorm:"column:client_ip"`
	RequestCount  int64  `json:"request_count" gorm:"column:request_count"`
	TotalTokens   int64  `json:"total_tokens" gorm:"column:total_tokens"`
	AvgResponseMs int64  `json:"avg_response_ms" gorm:"column:avg_response_ms"`
}

// ModelUsage is one model leaderboard row.
type ModelUsage struct {
	PublicName    string `json:"public_name" gorm:"column:public_name"`
	RequestCount  int64  `json:"request_count" gorm:"column:request_count"`
	TotalTokens   int64  `json:"total_tokens" gorm:"column:total_tokens"`
	AvgResponseMs int64  `json:"avg_response_ms" gorm:"column:avg_response_ms"`
}

// TimeBucket is one point of the time-bucketed rollup.
type TimeBucket struct {
	BucketStart   time.Time `json:"bucket_start"`
	RequestCount  int64     `json:"request_count"`
	TotalTokens   int64     `json:"total_tokens"`
	AvgResponseMs int64     `json:"avg_response_ms"`
}

// BucketUnit names a rollup granularity.
type BucketUnit string

// BucketUnit constants enumerate the supported granularities.
const (
	// BucketMinute aligns buckets to UTC minutes.
	BucketMinute BucketUnit = "minute"
	// BucketHour aligns buckets to UTC hours.
	BucketHour BucketUnit = "hour"
	// BucketDay aligns buckets to UTC days.
	BucketDay BucketUnit = "day"
)

// Duration returns the bucket width.
func (u BucketUnit) Duration() time.Duration {
	switch u {
	case BucketMinute:
		return time.Minute
	case BucketDay:
		return 24 * time.Hour
	default:
		return time.Hour
	}
}

// IsValid reports whether the unit is supported.
func (u BucketUnit) IsValid() bool {
	return u == BucketMinute || u == BucketHour || u == BucketDay
}

// Queries exposes the read-only usage aggregations consumed by the
// dashboard. All queries are driven by the indexed timestamp column.
type Queries struct {
	db *gorm.DB
}

// NewQueries constructs the dashboard query layer.
func NewQueries(db *gorm.DB) *Queries {
	return &Queries{db: db}
}

// ClientLeaderboard groups usage by client over the window, ordered by total
// tokens, request count, then client address.
func (q *Queries) ClientLeaderboard(ctx context.Context, start, end time.Time, limit int) ([]ClientUsage, error) {
	if q == nil || q.db == nil {
		return nil, fmt.Errorf("dashboard: queries not initialized")
	}
	if limit <= 0 {
		limit = 10
	}
	rows := make([]ClientUsage, 0, limit)
	errFind := q.db.WithContext(ctx).
		Table("usage_records").
		Select(`client_ip,
			COUNT(*) AS request_count,
			COALESCE(SUM(total_tokens), 0) AS total_tokens,
			CAST(COALESCE(AVG(response_time_ms), 0) AS INTEGER) AS avg_response_ms`).
		Where("timestamp >= ? AND timestamp < ?", start.UTC(), end.UTC()).
		Group("client_ip").
		Order("total_tokens DESC, request_count DESC, client_ip ASC").
		Limit(limit).
		Find(&rows).Error
	if errFind != nil {
		return nil, fmt.Errorf("dashboard: client leaderboard: %w", errFind)
	}
	return rows, nil
}

// ModelLeaderboard groups usage by public model name with the same ordering
// rules as the client leaderboard.
func (q *Queries) ModelLeaderboard(ctx context.Context, start, end time.Time, limit int) ([]ModelUsage, error) {
	if q == nil || q.db == nil {
		return nil, fmt.Errorf("dashboard: queries not initialized")
	}
	if limit <= 0 {
		limit = 10
	}
	rows := make([]ModelUsage, 0, limit)
	errFind := q.db.WithContext(ctx).
		Table("usage_records").
		Select(`public_name,
			COUNT(*) AS request_count,
			COALESCE(SUM(total_tokens), 0) AS total_tokens,
			CAST(COALESCE(AVG(response_time_ms), 0) AS INTEGER) AS avg_response_ms`).
		Where("timestamp >= ? AND timestamp < ?", start.UTC(), end.UTC()).
		Group("public_name").
		Order("total_tokens DESC, request_count DESC, public_name ASC").
		Limit(limit).
		Find(&rows).Error
	if errFind != nil {
		return nil, fmt.Errorf("dashboard: model leaderboard: %w", errFind)
	}
	return rows, nil
}

// TimeBuckets rolls usage up into buckets aligned to UTC unit boundaries.
// Buckets with no traffic are emitted with zero values.
func (q *Queries) TimeBuckets(ctx context.Context, start, end time.Time, unit BucketUnit) ([]TimeBucket, error) {
	if q == nil || q.db == nil {
		return nil, fmt.Errorf("dashboard: queries not initialized")
	}
	if !unit.IsValid() {
		return nil, fmt.Errorf("dashboard: unsupported bucket unit '%s'", unit)
	}
	start = alignToUnit(start.UTC(), unit)
	end = end.UTC()
	if !start.Before(end) {
		return []TimeBucket{}, nil
	}

	// aggRow carries one grouped bucket from the store.
	type aggRow struct {
		BucketKey     string `gorm:"column:bucket_key"`
		RequestCount  int64  `gorm:"column:request_count"`
		TotalTokens   int64  `gorm:"column:total_tokens"`
		AvgResponseMs int64  `gorm:"column:avg_response_ms"`
	}

	bucketExpr := db.TimeBucketExpr(q.db, "timestamp", string(unit))
	var rows []aggRow
	errFind := q.db.WithContext(ctx).
		Table("usage_records").
		Select(fmt.Sprintf(`%s AS bucket_key,
			COUNT(*) AS request_count,
			COALESCE(SUM(total_tokens), 0) AS total_tokens,
			CAST(COALESCE(AVG(response_time_ms), 0) AS INTEGER) AS avg_response_ms`, bucketExpr)).
		Where("timestamp >= ? AND timestamp < ?", start, end).
		Group("bucket_key").
		Order("bucket_key ASC").
		Find(&rows).Error
	if errFind != nil {
		return nil, fmt.Errorf("dashboard: time buckets: %w", errFind)
	}

	filled := make(map[time.Time]aggRow, len(rows))
	for _, row := range rows {
		at, errParse := time.ParseInLocation(bucketKeyLayout, row.BucketKey, time.UTC)
		if errParse != nil {
			continue
		}
		filled[at] = row
	}

	step := unit.Duration()
	out := make([]TimeBucket, 0, int(end.Sub(start)/step)+1)
	for at := start; at.Before(end); at = at.Add(step) {
		bucket := TimeBucket{BucketStart: at}
		if row, ok := filled[at]; ok {
			bucket.RequestCount = row.RequestCount
			bucket.TotalTokens = row.TotalTokens
			bucket.AvgResponseMs = row.AvgResponseMs
		}
		out = append(out, bucket)
	}
	return out, nil
}

// alignToUnit truncates a timestamp down to the bucket boundary.
func alignToUnit(at time.Time, unit BucketUnit) time.Time {
	switch unit {
	case BucketMinute:
		return at.Truncate(time.Minute)
	case BucketDay:
		return time.Date(at.Year(), at.Month(), at.Day(), 0, 0, 0, 0, time.UTC)
	default:
		return at.Truncate(time.Hour)
	}
}
