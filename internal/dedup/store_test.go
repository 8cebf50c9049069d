package dedup

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/relaybill/relaybill/internal/clock"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func TestMarkProcessedFirstWriterWins(t *testing.T) {
	store, _ := setupStore(t, clock.NewSystem())
	ctx := context.Background()

	const workers = 20
	var wg sync.WaitGroup
	inserted := make(chan bool, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := store.MarkProcessed(ctx, "evt-123", "substrate", nil)
			if err != nil {
				t.Errorf("mark processed: %v", err)
				return
			}
			inserted <- ok
		}()
	}
	wg.Wait()
	close(inserted)

	wins := 0
	for ok := range inserted {
		if ok {
			wins++
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one winning insert, got %d", wins)
	}

	seen, err := store.Seen(ctx, "evt-123")
	if err != nil {
		t.Fatalf("seen: %v", err)
	}
	if !seen {
		t.Fatal("expected event to be marked seen")
	}
}

func TestSeenUnknownEvent(t *testing.T) {
	store, _ := setupStore(t, clock.NewSystem())

	seen, err := store.Seen(context.Background(), "evt-never")
	if err != nil {
		t.Fatalf("seen: %v", err)
	}
	if seen {
		t.Fatal("unknown event must not be seen")
	}
}

func TestPurgeOlderThanKeepsRecentRows(t *testing.T) {
	fake := clock.NewFakeClock(time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC))
	store, db := setupStore(t, fake)
	ctx := context.Background()

	if _, err := store.MarkProcessed(ctx, "evt-old", "substrate", nil); err != nil {
		t.Fatalf("mark old: %v", err)
	}
	fake.Advance(10 * 24 * time.Hour)
	if _, err := store.MarkProcessed(ctx, "evt-new", "substrate", nil); err != nil {
		t.Fatalf("mark new: %v", err)
	}

	purged, err := store.PurgeOlderThan(ctx, 7*24*time.Hour)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if purged != 1 {
		t.Fatalf("expected 1 purged row, got %d", purged)
	}

	var remaining int64
	if err := db.Raw(`SELECT COUNT(1) FROM processed_events`).Scan(&remaining).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if remaining != 1 {
		t.Fatalf("expected 1 remaining row, got %d", remaining)
	}
	seen, err := store.Seen(ctx, "evt-new")
	if err != nil || !seen {
		t.Fatalf("recent event must survive purge (seen=%v err=%v)", seen, err)
	}
}

func setupStore(t *testing.T, clk clock.Clock) (*Store, *gorm.DB) {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_loc=auto", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("db handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	_ = db.Exec("PRAGMA busy_timeout = 5000").Error

	if err := db.AutoMigrate(&ProcessedEvent{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	return NewStore(Params{DB: db, Log: zap.NewNop(), Clock: clk}), db
}
