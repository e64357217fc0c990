package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-dispatch-backend/internal/domain"
)

// InsertDeadLetter records a dead-letter entry, assigning an ID and creation
// time when missing.
func InsertDeadLetter(ctx context.Context, db *gorm.DB, dl *domain.DeadLetter) error {
	if dl.ID == "" {
		dl.ID = uuid.NewString()
	}
	if dl.CreatedAt.IsZero() {
		dl.CreatedAt = time.Now().UTC()
	}
	return db.WithContext(ctx).Create(dl).Error
}

// ListDeadLetters returns the newest entries first. An empty source lists all.
func ListDeadLetters(ctx context.Context, db *gorm.DB, source string, limit int) ([]domain.DeadLetter, error) {
	return ListTenantDeadLetters(ctx, db, "", source, limit)
}

// ListTenantDeadLetters is ListDeadLetters restricted to one tenant. An empty
// tenantID lists every tenant.
func ListTenantDeadLetters(ctx context.Context, db *gorm.DB, tenantID, source string, limit int) ([]domain.DeadLetter, error) {
	q := db.WithContext(ctx).Model(&domain.DeadLetter{})
	if tenantID != "" {
		q = q.Where("tenant_id = ?", tenantID)
	}
	if source != "" {
		q = q.Where("source = ?", source)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []domain.DeadLetter
	err := q.Order("created_at DESC, id DESC").Find(&out).Error
	return out, err
}

// GetDeadLetter loads one entry.
func GetDeadLetter(ctx context.Context, db *gorm.DB, id string) (*domain.DeadLetter, error) {
	return first[domain.DeadLetter](db.WithContext(ctx).Where("id = ?", id))
}

// MarkDeadLetterReplayed stamps replayed_at once; a second call reports false.
func MarkDeadLetterReplayed(ctx context.Context, db *gorm.DB, id string, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Model(&domain.DeadLetter{}).
		Where("id = ? AND replayed_at IS NULL", id).
		Update("replayed_at", now)
	return res.RowsAffected == 1, res.Error
}
