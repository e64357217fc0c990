package services

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/tbourn/go-dispatch-backend/internal/domain"
)

func TestReportService_CreateEmitsEvents(t *testing.T) {
	ctx := context.Background()
	db := newServicesDB(t)
	s := NewReportService(db)

	r, err := s.Create(ctx, "t1", ReportInput{Title: "  Quarterly \n  numbers ", Summary: " s "})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if r.Title != "Quarterly numbers" || r.Summary != "s" || r.TenantID != "t1" {
		t.Fatalf("report=%+v", r)
	}
	if got := outboxTypes(t, db); !reflect.DeepEqual(got, []string{EventReportCreated}) {
		t.Fatalf("events=%v", got)
	}

	if _, err := s.Create(ctx, "t1", ReportInput{Title: "Public", Published: true}); err != nil {
		t.Fatalf("Create published: %v", err)
	}
	want := []string{EventReportCreated, EventReportCreated, EventReportPublished}
	if got := outboxTypes(t, db); !reflect.DeepEqual(got, want) {
		t.Fatalf("events=%v want %v", got, want)
	}
}

func TestReportService_Validation(t *testing.T) {
	ctx := context.Background()
	db := newServicesDB(t)
	s := NewReportService(db)

	if _, err := s.Create(ctx, "t1", ReportInput{Title: "   "}); !errors.Is(err, ErrEmptyTitle) {
		t.Fatalf("expected empty title, got %v", err)
	}
	if _, err := s.Create(ctx, "t1", ReportInput{Title: strings.Repeat("é", 256)}); !errors.Is(err, ErrTitleTooLong) {
		t.Fatalf("expected title too long, got %v", err)
	}
	if n := countRows(t, db, &domain.OutboxEvent{}); n != 0 {
		t.Fatalf("rejected writes must not emit events, got %d", n)
	}
}

func TestReportService_ListPageAndGet(t *testing.T) {
	ctx := context.Background()
	s := NewReportService(newServicesDB(t))
	clk := newClock()
	s.Now = clk.now

	var ids []string
	for i := 0; i < 5; i++ {
		r, err := s.Create(ctx, "t1", ReportInput{Title: "r"})
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		ids = append(ids, r.ID)
		clk.advance(time.Second)
	}
	_, _ = s.Create(ctx, "t2", ReportInput{Title: "other"})

	page, total, err := s.ListPage(ctx, "t1", 2, 2)
	if err != nil {
		t.Fatalf("ListPage: %v", err)
	}
	if total != 5 || len(page) != 2 {
		t.Fatalf("total=%d len=%d", total, len(page))
	}
	// Newest first: page 2 holds the 3rd and 2nd oldest.
	if page[0].ID != ids[2] || page[1].ID != ids[1] {
		t.Fatalf("unexpected page order")
	}

	empty, total, err := s.ListPage(ctx, "t3", 0, 0)
	if err != nil || total != 0 || len(empty) != 0 {
		t.Fatalf("empty tenant: %v %d %v", empty, total, err)
	}

	if _, err := s.Get(ctx, "t1", ids[0]); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if _, err := s.Get(ctx, "t2", ids[0]); !errors.Is(err, ErrReportNotFound) {
		t.Fatalf("cross-tenant get must be not found, got %v", err)
	}
}
