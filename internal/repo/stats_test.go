package repo

import (
	"context"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite" // pure-Go SQLite (no CGO)
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-dispatch-backend/internal/domain"
)

func newTestDB(t *testing.T, migrate ...any) *gorm.DB {
	t.Helper()
	// Unique DB per test to avoid schema leaking across tests.
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(1)
		t.Cleanup(func() { _ = sqlDB.Close() })
	}
	if len(migrate) > 0 {
		if err := db.AutoMigrate(migrate...); err != nil {
			t.Fatalf("automigrate: %v", err)
		}
	}
	return db
}

func TestReportsStats_CountError_NoTable(t *testing.T) {
	db := newTestDB(t /* no migrations */)
	_, _, err := ReportsStats(context.Background(), db, "t1")
	if err == nil {
		t.Fatalf("expected error due to missing reports table")
	}
}

func TestReportsStats_ZeroRows(t *testing.T) {
	db := newTestDB(t, &domain.Report{})
	count, maxAt, err := ReportsStats(context.Background(), db, "t1")
	if err != nil {
		t.Fatalf("ReportsStats error: %v", err)
	}
	if count != 0 || maxAt != nil {
		t.Fatalf("expected (0, nil), got (%d, %v)", count, maxAt)
	}
}

func TestReportsStats_FilterAndMax(t *testing.T) {
	db := newTestDB(t, &domain.Report{})

	t1 := time.Date(2025, 1, 2, 15, 0, 0, 0, time.UTC)
	t2 := time.Date(2025, 3, 4, 10, 30, 0, 0, time.UTC) // max for t1
	t3 := time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)   // other tenant

	seed := []domain.Report{
		{ID: "r1", TenantID: "t1", Title: "a", CreatedAt: t1, UpdatedAt: t1},
		{ID: "r2", TenantID: "t1", Title: "b", CreatedAt: t2, UpdatedAt: t2},
		{ID: "r3", TenantID: "t2", Title: "c", CreatedAt: t3, UpdatedAt: t3},
	}
	for i := range seed {
		if err := db.Create(&seed[i]).Error; err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	count, maxAt, err := ReportsStats(context.Background(), db, "t1")
	if err != nil {
		t.Fatalf("ReportsStats: %v", err)
	}
	if count != 2 {
		t.Fatalf("count=%d want 2", count)
	}
	if maxAt == nil || !maxAt.Equal(t2) {
		t.Fatalf("maxAt=%v want %v", maxAt, t2)
	}
}

func TestOutboxCounts(t *testing.T) {
	db := newTestDB(t, &domain.OutboxEvent{})
	ctx := context.Background()

	var last *domain.OutboxEvent
	for i := 0; i < 3; i++ {
		ev, err := AppendOutbox(ctx, db, "t1", "report.created", map[string]int{"i": i})
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		last = ev
	}
	db.Model(&domain.OutboxEvent{}).Where("id = ?", last.ID).Update("status", domain.OutboxDelivered)

	counts, err := OutboxCounts(ctx, db)
	if err != nil {
		t.Fatalf("OutboxCounts: %v", err)
	}
	if counts[domain.OutboxPending] != 2 || counts[domain.OutboxDelivered] != 1 {
		t.Fatalf("counts=%v", counts)
	}
}
