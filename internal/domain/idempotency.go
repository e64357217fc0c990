// Package domain defines the core persistence models for the application.
// These types are used by GORM for database schema mapping and are shared
// across the repository and service layers.
package domain

import (
	"encoding/json"
	"net/http"
	"time"
)

// IdempotencyRecord stores the outcome of a write request keyed by
// (tenant_id, key, method, path). A PENDING record is a claim held by the
// request currently executing; a COMPLETED record carries the response that
// is replayed verbatim to retries with the same key and payload.
type IdempotencyRecord struct {
	ID              string            `json:"id"          gorm:"type:varchar(36);primaryKey"`
	TenantID        string            `json:"tenant_id"   gorm:"type:varchar(64);not null;uniqueIndex:ux_idem_scope,priority:1"`
	Key             string            `json:"key"         gorm:"type:varchar(200);not null;uniqueIndex:ux_idem_scope,priority:2"`
	Method          string            `json:"method"      gorm:"type:varchar(16);not null;uniqueIndex:ux_idem_scope,priority:3"`
	Path            string            `json:"path"        gorm:"type:varchar(255);not null;uniqueIndex:ux_idem_scope,priority:4"`
	RequestHash     string            `json:"request_hash" gorm:"type:varchar(64);not null"`
	Status          IdempotencyStatus `json:"status"      gorm:"type:varchar(16);not null"`
	StatusCode      int               `json:"status_code"`
	ResponseBody    []byte            `json:"-"`
	ResponseHeaders string            `json:"-"           gorm:"type:text"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
	ExpiresAt       time.Time         `json:"expires_at"  gorm:"not null;index"`
}

// TableName implements the GORM tabler interface.
func (IdempotencyRecord) TableName() string { return "idempotency_records" }

// Expired reports whether the record no longer guards its key at now.
func (r IdempotencyRecord) Expired(now time.Time) bool { return !r.ExpiresAt.After(now) }

// EffectiveStatus folds expiry into the stored status.
func (r IdempotencyRecord) EffectiveStatus(now time.Time) IdempotencyStatus {
	if r.Expired(now) {
		return IdempotencyExpired
	}
	return r.Status
}

// Header decodes the stored response headers. Malformed data yields an empty
// header rather than an error; the body and status are what clients rely on.
func (r IdempotencyRecord) Header() http.Header {
	h := http.Header{}
	if r.ResponseHeaders == "" {
		return h
	}
	_ = json.Unmarshal([]byte(r.ResponseHeaders), &h)
	return h
}

// EncodeHeader serialises h for storage in ResponseHeaders.
func EncodeHeader(h http.Header) string {
	if len(h) == 0 {
		return ""
	}
	b, err := json.Marshal(h)
	if err != nil {
		return ""
	}
	return string(b)
}
