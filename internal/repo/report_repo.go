package repo

import (
	"context"

	"gorm.io/gorm"

	"github.com/tbourn/go-dispatch-backend/internal/domain"
)

// CreateReport inserts a report. Pass the transaction handle when the write
// must commit together with its outbox events.
func CreateReport(ctx context.Context, db *gorm.DB, r *domain.Report) error {
	return db.WithContext(ctx).Create(r).Error
}

// GetReport returns a report owned by tenantID or ErrNotFound.
func GetReport(ctx context.Context, db *gorm.DB, tenantID, id string) (*domain.Report, error) {
	return first[domain.Report](db.WithContext(ctx).Where("id = ? AND tenant_id = ?", id, tenantID))
}

// CountReports returns the number of reports owned by tenantID.
func CountReports(ctx context.Context, db *gorm.DB, tenantID string) (int64, error) {
	var n int64
	err := db.WithContext(ctx).Model(&domain.Report{}).Where("tenant_id = ?", tenantID).Count(&n).Error
	return n, err
}

// ListReportsPage returns a page of reports, newest first.
func ListReportsPage(ctx context.Context, db *gorm.DB, tenantID string, offset, limit int) ([]domain.Report, error) {
	var out []domain.Report
	err := db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Order("created_at DESC, id DESC").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}
