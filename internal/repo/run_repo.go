package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-dispatch-backend/internal/domain"
)

// CreateRun inserts a new automation run.
func CreateRun(ctx context.Context, db *gorm.DB, run *domain.AutomationRun) error {
	return db.WithContext(ctx).Create(run).Error
}

// GetRun returns a run owned by tenantID.
func GetRun(ctx context.Context, db *gorm.DB, tenantID, id string) (*domain.AutomationRun, error) {
	return first[domain.AutomationRun](db.WithContext(ctx).Where("id = ? AND tenant_id = ?", id, tenantID))
}

// GetRunByID returns a run without tenant scoping. Queue consumers use it;
// the job already carries the owning tenant.
func GetRunByID(ctx context.Context, db *gorm.DB, id string) (*domain.AutomationRun, error) {
	return first[domain.AutomationRun](db.WithContext(ctx).Where("id = ?", id))
}

// FindRunByCorrelation looks a run up by correlation ID. An empty tenantID
// matches any tenant.
func FindRunByCorrelation(ctx context.Context, db *gorm.DB, tenantID, correlationID string) (*domain.AutomationRun, error) {
	q := db.WithContext(ctx).Where("correlation_id = ?", correlationID)
	if tenantID != "" {
		q = q.Where("tenant_id = ?", tenantID)
	}
	return first[domain.AutomationRun](q)
}

// FindRunByProviderRunID looks a run up by the provider's identifier. An
// empty tenantID matches any tenant.
func FindRunByProviderRunID(ctx context.Context, db *gorm.DB, tenantID, providerRunID string) (*domain.AutomationRun, error) {
	q := db.WithContext(ctx).Where("provider_run_id = ?", providerRunID)
	if tenantID != "" {
		q = q.Where("tenant_id = ?", tenantID)
	}
	return first[domain.AutomationRun](q.Order("created_at DESC"))
}

// CompareAndSwapRunStatus applies updates only while the run still has status
// from. It reports whether the row was changed.
func CompareAndSwapRunStatus(ctx context.Context, db *gorm.DB, id string, from domain.RunStatus, updates map[string]any, now time.Time) (bool, error) {
	if updates == nil {
		updates = map[string]any{}
	}
	updates["updated_at"] = now
	res := db.WithContext(ctx).Model(&domain.AutomationRun{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	return res.RowsAffected == 1, res.Error
}
