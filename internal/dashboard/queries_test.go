package dashboard

import (
	"context"
	"testing"
	"time"

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
	if errMigrate := conn.AutoMigrate(&models.UsageRecord{}); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}
	return conn
}

func seedRecords(t *testing.T, conn *gorm.DB, clientIP string, count int, tokensEach int64, at time.Time) {
	t.Helper()
	rows := make([]models.UsageRecord, 0, count)
	for i := 0; i < count; i++ {
		rows = append(rows, models.UsageRecord{
			Timestamp:      at,
			ClientIP:       clientIP,
			PublicName:     "gpt-4",
			InputTokens:    tokensEach / 2,
			OutputTokens:   tokensEach - tokensEach/2,
			TotalTokens:    tokensEach,
			ResponseTimeMs: 100,
			Status:         models.UsageStatusSuccess,
		})
	}
	if errCreate := conn.Create(&rows).Error; errCreate != nil {
		t.Fatalf("seed records: %v", errCreate)
	}
}

func TestClientLeaderboard_OrdersByTokens(t *testing.T) {
	conn := openTestDB(t)
	at := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	// 60 requests / 6000 tokens for one client, 40 / 8000 for the other.
	seedRecords(t, conn, "1.2.3.4", 60, 100, at)
	seedRecords(t, conn, "5.6.7.8", 40, 200, at)

	queries := NewQueries(conn)
	rows, errQuery := queries.ClientLeaderboard(context.Background(), at.Add(-time.Hour), at.Add(time.Hour), 10)
	if errQuery != nil {
		t.Fatalf("client leaderboard: %v", errQuery)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	if rows[0].ClientIP != "5.6.7.8" || rows[0].TotalTokens != 8000 {
		t.Fatalf("unexpected first row: %+v", rows[0])
	}
	if rows[1].ClientIP != "1.2.3.4" || rows[1].TotalTokens != 6000 {
		t.Fatalf("unexpected second row: %+v", rows[1])
	}
}

func TestClientLeaderboard_TieBreaks(t *testing.T) {
	conn := openTestDB(t)
	at := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	// Same token totals; request count then address order break the tie.
	seedRecords(t, conn, "9.9.9.9", 10, 100, at)
	seedRecords(t, conn, "2.2.2.2", 20, 50, at)
	seedRecords(t, conn, "1.1.1.1", 20, 50, at)

	queries := NewQueries(conn)
	rows, errQuery := queries.ClientLeaderboard(context.Background(), at.Add(-time.Hour), at.Add(time.Hour), 10)
	if errQuery != nil {
		t.Fatalf("client leaderboard: %v", errQuery)
	}
	if len(rows) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(rows))
	}
	if rows[0].ClientIP != "1.1.1.1" || rows[1].ClientIP != "2.2.2.2" || rows[2].ClientIP != "9.9.9.9" {
		t.Fatalf("unexpected ordering: %s, %s, %s", rows[0].ClientIP, rows[1].ClientIP, rows[2].ClientIP)
	}
}

func TestModelLeaderboard(t *testing.T) {
	conn := openTestDB(t)
	at := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	rows := []models.UsageRecord{
		{Timestamp: at, ClientIP: "1.2.3.4", PublicName: "gpt-4", TotalTokens: 500, Status: models.UsageStatusSuccess},
		{Timestamp: at, ClientIP: "1.2.3.4", PublicName: "claude", TotalTokens: 900, Status: models.UsageStatusSuccess},
	}
	if errCreate := conn.Create(&rows).Error; errCreate != nil {
		t.Fatalf("seed: %v", errCreate)
	}

	queries := NewQueries(conn)
	board, errQuery := queries.ModelLeaderboard(context.Background(), at.Add(-time.Hour), at.Add(time.Hour), 10)
	if errQuery != nil {
		t.Fatalf("model leaderboard: %v", errQuery)
	}
	if len(board) != 2 || board[0].PublicName != "claude" || board[1].PublicName != "gpt-4" {
		t.Fatalf("unexpected board: %+v", board)
	}
}

func TestTimeBuckets_ZeroFillsEmptyBuckets(t *testing.T) {
	conn := openTestDB(t)
	base := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)

	// Traffic in the first and fourth hour only.
	seedRecords(t, conn, "1.2.3.4", 2, 100, base.Add(10*time.Minute))
	seedRecords(t, conn, "1.2.3.4", 1, 300, base.Add(3*time.Hour+5*time.Minute))

	queries := NewQueries(conn)
	buckets, errQuery := queries.TimeBuckets(context.Background(), base, base.Add(4*time.Hour), BucketHour)
	if errQuery != nil {
		t.Fatalf("time buckets: %v", errQuery)
	}
	if len(buckets) != 4 {
		t.Fatalf("expected 4 buckets, got %d", len(buckets))
	}

	if buckets[0].RequestCount != 2 || buckets[0].TotalTokens != 200 {
		t.Fatalf("unexpected first bucket: %+v", buckets[0])
	}
	if buckets[1].RequestCount != 0 || buckets[1].TotalTokens != 0 {
		t.Fatalf("expected empty second bucket: %+v", buckets[1])
	}
	if buckets[2].RequestCount != 0 {
		t.Fatalf("expected empty third bucket: %+v", buckets[2])
	}
	if buckets[3].RequestCount != 1 || buckets[3].TotalTokens != 300 {
		t.Fatalf("unexpected fourth bucket: %+v", buckets[3])
	}
	for i, bucket := range buckets {
		want := base.Add(time.Duration(i) * time.Hour)
		if !bucket.BucketStart.Equal(want) {
			t.Fatalf("bucket %d start %v, want %v", i, bucket.BucketStart, want)
		}
	}
}

func TestTimeBuckets_RejectsUnknownUnit(t *testing.T) {
	queries := NewQueries(openTestDB(t))
	if _, errQuery := queries.TimeBuckets(context.Background(), time.Now().Add(-time.Hour), time.Now(), "week"); errQuery == nil {
		t.Fatalf("expected error for unknown bucket unit")
	}
}
