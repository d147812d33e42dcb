package usage

import (
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

func TestRecorder_PersistsBatch(t *testing.T) {
	conn := openTestDB(t)
	recorder := NewRecorder(conn, 16, 4, 20*time.Millisecond)
	recorder.Start()

	for i := 0; i < 6; i++ {
		recorder.Record(models.UsageRecord{
			ClientIP:     "1.2.3.4",
			PublicName:   "gpt-4",
			InputTokens:  10,
			OutputTokens: 5,
			Status:       models.UsageStatusSuccess,
		})
	}
	recorder.Stop()

	var rows []models.UsageRecord
	if errFind := conn.Find(&rows).Error; errFind != nil {
		t.Fatalf("load records: %v", errFind)
	}
	if len(rows) != 6 {
		t.Fatalf("expected 6 persisted records, got %d", len(rows))
	}
	for _, row := range rows {
		if row.TotalTokens != row.InputTokens+row.OutputTokens {
			t.Fatalf("total tokens invariant violated: %+v", row)
		}
		if row.Timestamp.IsZero() {
			t.Fatalf("expected timestamp to be set")
		}
	}
}

func TestRecorder_TotalAlwaysSum(t *testing.T) {
	conn := openTestDB(t)
	recorder := NewRecorder(conn, 16, 4, 20*time.Millisecond)
	recorder.Start()

	recorder.Record(models.UsageRecord{
		ClientIP:     "1.2.3.4",
		PublicName:   "gpt-4",
		InputTokens:  7,
		OutputTokens: 3,
		TotalTokens:  999, // Ignored: total is always recomputed.
		Status:       models.UsageStatusSuccess,
	})
	recorder.Stop()

	var row models.UsageRecord
	if errFind := conn.First(&row).Error; errFind != nil {
		t.Fatalf("load record: %v", errFind)
	}
	if row.TotalTokens != 10 {
		t.Fatalf("expected total 10, got %d", row.TotalTokens)
	}
}

func TestRecorder_DropsOldestOnOverflow(t *testing.T) {
	// No consumer running: the queue fills and must evict the oldest.
	recorder := NewRecorder(openTestDB(t), 2, 64, time.Second)

	for i := 0; i < 5; i++ {
		recorder.Record(models.UsageRecord{
			ClientIP:   "1.2.3.4",
			PublicName: "gpt-4",
			Status:     models.UsageStatusSuccess,
		})
	}

	if recorder.Depth() != 2 {
		t.Fatalf("expected queue depth 2, got %d", recorder.Depth())
	}
	if recorder.Dropped() != 3 {
		t.Fatalf("expected 3 dropped records, got %d", recorder.Dropped())
	}
}

func TestRecorder_ErrorMessageClearedOnSuccess(t *testing.T) {
	conn := openTestDB(t)
	recorder := NewRecorder(conn, 16, 4, 20*time.Millisecond)
	recorder.Start()

	recorder.Record(models.UsageRecord{
		ClientIP:     "1.2.3.4",
		PublicName:   "gpt-4",
		Status:       models.UsageStatusSuccess,
		ErrorMessage: "stale",
	})
	recorder.Record(models.UsageRecord{
		ClientIP:     "1.2.3.4",
		PublicName:   "gpt-4",
		Status:       models.UsageStatusTimeout,
		ErrorMessage: "upstream deadline exceeded",
	})
	recorder.Stop()

	var rows []models.UsageRecord
	if errFind := conn.Order("id ASC").Find(&rows).Error; errFind != nil {
		t.Fatalf("load records: %v", errFind)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 records, got %d", len(rows))
	}
	if rows[0].ErrorMessage != "" {
		t.Fatalf("success record must not carry an error message")
	}
	if rows[1].ErrorMessage == "" {
		t.Fatalf("failure record must carry an error message")
	}
}
