// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository helpers for the
// IdempotencyRecord model used to make write endpoints safe to retry.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-dispatch-backend/internal/domain"
)

// InsertIdempotency creates a PENDING claim and returns ErrDuplicate when a
// record already exists for the same (tenant, key, method, path).
func InsertIdempotency(ctx context.Context, db *gorm.DB, rec *domain.IdempotencyRecord) error {
	if err := db.WithContext(ctx).Create(rec).Error; err != nil {
		if isDuplicate(err) {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

// GetIdempotency loads the record for a scope regardless of expiry.
func GetIdempotency(ctx context.Context, db *gorm.DB, tenantID, key, method, path string) (*domain.IdempotencyRecord, error) {
	return first[domain.IdempotencyRecord](db.WithContext(ctx).
		Where("tenant_id = ? AND key = ? AND method = ? AND path = ?", tenantID, key, method, path))
}

// ReclaimIdempotency overwrites an expired record with a fresh PENDING claim.
// The update only applies while the row is still expired at now, so of two
// concurrent reclaimers exactly one wins.
func ReclaimIdempotency(ctx context.Context, db *gorm.DB, id, requestHash string, now, expiresAt time.Time) (bool, error) {
	res := db.WithContext(ctx).Model(&domain.IdempotencyRecord{}).
		Where("id = ? AND expires_at <= ?", id, now).
		Updates(map[string]any{
			"request_hash":     requestHash,
			"status":           domain.IdempotencyPending,
			"status_code":      0,
			"response_body":    nil,
			"response_headers": "",
			"expires_at":       expiresAt,
			"updated_at":       now,
		})
	return res.RowsAffected == 1, res.Error
}

// CompleteIdempotency stores the response envelope and flips PENDING to
// COMPLETED. It reports false when the claim is no longer PENDING.
func CompleteIdempotency(ctx context.Context, db *gorm.DB, id string, statusCode int, headers string, body []byte, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Model(&domain.IdempotencyRecord{}).
		Where("id = ? AND status = ?", id, domain.IdempotencyPending).
		Updates(map[string]any{
			"status":           domain.IdempotencyCompleted,
			"status_code":      statusCode,
			"response_body":    body,
			"response_headers": headers,
			"updated_at":       now,
		})
	return res.RowsAffected == 1, res.Error
}

// DeleteIdempotency drops a PENDING claim so the key can be retried.
func DeleteIdempotency(ctx context.Context, db *gorm.DB, id string) error {
	return db.WithContext(ctx).
		Where("id = ? AND status = ?", id, domain.IdempotencyPending).
		Delete(&domain.IdempotencyRecord{}).Error
}

// PurgeExpiredIdempotency removes records that expired before now.
func PurgeExpiredIdempotency(ctx context.Context, db *gorm.DB, now time.Time) (int64, error) {
	res := db.WithContext(ctx).Where("expires_at <= ?", now).Delete(&domain.IdempotencyRecord{})
	return res.RowsAffected, res.Error
}

// IdempotencyStore adapts the free functions above to the registry's store
// interface.
type IdempotencyStore struct{ DB *gorm.DB }

func (s IdempotencyStore) Insert(ctx context.Context, rec *domain.IdempotencyRecord) error {
	return InsertIdempotency(ctx, s.DB, rec)
}

func (s IdempotencyStore) Get(ctx context.Context, tenantID, key, method, path string) (*domain.IdempotencyRecord, error) {
	return GetIdempotency(ctx, s.DB, tenantID, key, method, path)
}

func (s IdempotencyStore) Reclaim(ctx context.Context, id, requestHash string, now, expiresAt time.Time) (bool, error) {
	return ReclaimIdempotency(ctx, s.DB, id, requestHash, now, expiresAt)
}

func (s IdempotencyStore) Complete(ctx context.Context, id string, statusCode int, headers string, body []byte, now time.Time) (bool, error) {
	return CompleteIdempotency(ctx, s.DB, id, statusCode, headers, body, now)
}

func (s IdempotencyStore) Release(ctx context.Context, id string) error {
	return DeleteIdempotency(ctx, s.DB, id)
}

func (s IdempotencyStore) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	return PurgeExpiredIdempotency(ctx, s.DB, now)
}
