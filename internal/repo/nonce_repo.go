package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-dispatch-backend/internal/domain"
)

// NonceStore is the SQL-backed nonce cache used when Redis is not configured.
// Set-if-absent is an INSERT guarded by the (tenant_id, nonce) primary key;
// an expired row is taken over with a conditional UPDATE.
type NonceStore struct {
	DB  *gorm.DB
	Now func() time.Time
}

func (s NonceStore) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

// SetIfAbsent records (tenantID, nonce) for ttl. It returns false when the
// nonce is already present and unexpired.
func (s NonceStore) SetIfAbsent(ctx context.Context, tenantID, nonce string, ttl time.Duration) (bool, error) {
	now := s.now()
	rec := &domain.WebhookNonce{TenantID: tenantID, Nonce: nonce, ExpiresAt: now.Add(ttl)}
	err := s.DB.WithContext(ctx).Create(rec).Error
	if err == nil {
		return true, nil
	}
	if !isDuplicate(err) {
		return false, err
	}
	res := s.DB.WithContext(ctx).Model(&domain.WebhookNonce{}).
		Where("tenant_id = ? AND nonce = ? AND expires_at <= ?", tenantID, nonce, now).
		Update("expires_at", now.Add(ttl))
	return res.RowsAffected == 1, res.Error
}

// PurgeExpired deletes nonces that can no longer cause a replay rejection.
func (s NonceStore) PurgeExpired(ctx context.Context) (int64, error) {
	res := s.DB.WithContext(ctx).Where("expires_at <= ?", s.now()).Delete(&domain.WebhookNonce{})
	return res.RowsAffected, res.Error
}
