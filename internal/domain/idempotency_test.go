package domain

import (
	"net/http"
	"testing"
	"time"
)

func TestIdempotency_UniqueScope(t *testing.T) {
	db := newTestDB(t)
	if err := db.AutoMigrate(&IdempotencyRecord{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}

	exp := time.Now().Add(time.Hour)
	base := IdempotencyRecord{TenantID: "t1", Key: "k", Method: "POST", Path: "/api/v1/reports", RequestHash: "h", Status: IdempotencyPending, ExpiresAt: exp}

	r1 := base
	r1.ID = "a"
	if err := db.Create(&r1).Error; err != nil {
		t.Fatalf("insert: %v", err)
	}

	dup := base
	dup.ID = "b"
	if err := db.Create(&dup).Error; err == nil {
		t.Fatalf("expected unique violation for same scope")
	}

	// Same key under another tenant or path is a different scope.
	other := base
	other.ID = "c"
	other.TenantID = "t2"
	if err := db.Create(&other).Error; err != nil {
		t.Fatalf("other tenant insert: %v", err)
	}
	otherPath := base
	otherPath.ID = "d"
	otherPath.Path = "/api/v1/automations/runs"
	if err := db.Create(&otherPath).Error; err != nil {
		t.Fatalf("other path insert: %v", err)
	}
}

func TestIdempotency_ExpiryAndHeaders(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	rec := IdempotencyRecord{Status: IdempotencyCompleted, ExpiresAt: now}

	if !rec.Expired(now) {
		t.Fatalf("record expiring exactly now should be expired")
	}
	if rec.EffectiveStatus(now) != IdempotencyExpired {
		t.Fatalf("EffectiveStatus=%s", rec.EffectiveStatus(now))
	}
	if rec.EffectiveStatus(now.Add(-time.Second)) != IdempotencyCompleted {
		t.Fatalf("not yet expired record should keep its status")
	}

	h := http.Header{}
	h.Set("Content-Type", "application/json; charset=utf-8")
	h.Set("Location", "/api/v1/reports/1")
	rec.ResponseHeaders = EncodeHeader(h)

	got := rec.Header()
	if got.Get("Location") != "/api/v1/reports/1" || got.Get("Content-Type") != "application/json; charset=utf-8" {
		t.Fatalf("headers round trip mismatch: %v", got)
	}

	rec.ResponseHeaders = "{not json"
	if len(rec.Header()) != 0 {
		t.Fatalf("malformed headers should decode to empty")
	}
	if EncodeHeader(nil) != "" {
		t.Fatalf("empty header should encode to empty string")
	}
}
