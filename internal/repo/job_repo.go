package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-dispatch-backend/internal/domain"
)

// InsertJob enqueues a job. Pass the transaction of the business write.
func InsertJob(ctx context.Context, db *gorm.DB, job *domain.Job) error {
	return db.WithContext(ctx).Create(job).Error
}

// ListDueJobs returns QUEUED jobs whose run time has passed.
func ListDueJobs(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]domain.Job, error) {
	var out []domain.Job
	err := db.WithContext(ctx).
		Where("status = ? AND run_at <= ?", domain.JobQueued, now).
		Order("run_at ASC, id ASC").
		Limit(limit).
		Find(&out).Error
	return out, err
}

// ClaimJob moves a job from QUEUED to ACTIVE, counting the attempt.
func ClaimJob(ctx context.Context, db *gorm.DB, id string, observedAttempts int, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Model(&domain.Job{}).
		Where("id = ? AND status = ? AND attempts_made = ?", id, domain.JobQueued, observedAttempts).
		Updates(map[string]any{
			"status":        domain.JobActive,
			"locked_at":     now,
			"attempts_made": gorm.Expr("attempts_made + 1"),
			"updated_at":    now,
		})
	return res.RowsAffected == 1, res.Error
}

func settleJob(ctx context.Context, db *gorm.DB, id string, attempt int, updates map[string]any) error {
	res := db.WithContext(ctx).Model(&domain.Job{}).
		Where("id = ? AND status = ? AND attempts_made = ?", id, domain.JobActive, attempt).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected != 1 {
		return ErrLeaseLost
	}
	return nil
}

// CompleteJob marks an ACTIVE job DONE.
func CompleteJob(ctx context.Context, db *gorm.DB, job domain.Job, now time.Time) error {
	return settleJob(ctx, db, job.ID, job.AttemptsMade, map[string]any{
		"status":     domain.JobDone,
		"locked_at":  nil,
		"last_error": "",
		"updated_at": now,
	})
}

// RetryJob puts an ACTIVE job back in the queue at runAt.
func RetryJob(ctx context.Context, db *gorm.DB, job domain.Job, runAt time.Time, lastErr string, now time.Time) error {
	return settleJob(ctx, db, job.ID, job.AttemptsMade, map[string]any{
		"status":     domain.JobQueued,
		"locked_at":  nil,
		"run_at":     runAt,
		"last_error": lastErr,
		"updated_at": now,
	})
}

// FailJob marks an ACTIVE job FAILED without writing a dead letter; the
// handler that raised the terminal error owns that step.
func FailJob(ctx context.Context, db *gorm.DB, job domain.Job, lastErr string, now time.Time) error {
	return settleJob(ctx, db, job.ID, job.AttemptsMade, map[string]any{
		"status":     domain.JobFailed,
		"locked_at":  nil,
		"last_error": lastErr,
		"updated_at": now,
	})
}

// BuryJob marks an ACTIVE job DEAD and forwards it to the dead-letter table
// in one transaction.
func BuryJob(ctx context.Context, db *gorm.DB, job domain.Job, reason string, now time.Time) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := settleJob(ctx, tx, job.ID, job.AttemptsMade, map[string]any{
			"status":     domain.JobDead,
			"locked_at":  nil,
			"last_error": reason,
			"updated_at": now,
		}); err != nil {
			return err
		}
		return InsertDeadLetter(ctx, tx, &domain.DeadLetter{
			Source:    domain.DeadLetterDispatch,
			RefID:     job.ID,
			TenantID:  job.TenantID,
			Type:      job.Kind,
			Payload:   job.Data,
			Reason:    reason,
			Attempts:  job.AttemptsMade,
			CreatedAt: now,
		})
	})
}

// RequeueStaleJobs releases ACTIVE jobs whose lease started before lockedBefore.
func RequeueStaleJobs(ctx context.Context, db *gorm.DB, lockedBefore, now time.Time) (int64, error) {
	res := db.WithContext(ctx).Model(&domain.Job{}).
		Where("status = ? AND locked_at < ?", domain.JobActive, lockedBefore).
		Updates(map[string]any{
			"status":     domain.JobQueued,
			"locked_at":  nil,
			"run_at":     now,
			"updated_at": now,
		})
	return res.RowsAffected, res.Error
}

// GetJob loads one job.
func GetJob(ctx context.Context, db *gorm.DB, id string) (*domain.Job, error) {
	return first[domain.Job](db.WithContext(ctx).Where("id = ?", id))
}

// JobStore exposes the job functions through the queue's Store interface.
type JobStore struct{ DB *gorm.DB }

func (s JobStore) RequeueStale(ctx context.Context, lockedBefore, now time.Time) (int64, error) {
	return RequeueStaleJobs(ctx, s.DB, lockedBefore, now)
}

func (s JobStore) ListDue(ctx context.Context, now time.Time, limit int) ([]domain.Job, error) {
	return ListDueJobs(ctx, s.DB, now, limit)
}

func (s JobStore) Claim(ctx context.Context, job domain.Job, now time.Time) (bool, error) {
	return ClaimJob(ctx, s.DB, job.ID, job.AttemptsMade, now)
}

func (s JobStore) Complete(ctx context.Context, job domain.Job, now time.Time) error {
	return CompleteJob(ctx, s.DB, job, now)
}

func (s JobStore) Retry(ctx context.Context, job domain.Job, runAt time.Time, lastErr string, now time.Time) error {
	return RetryJob(ctx, s.DB, job, runAt, lastErr, now)
}

func (s JobStore) Fail(ctx context.Context, job domain.Job, lastErr string, now time.Time) error {
	return FailJob(ctx, s.DB, job, lastErr, now)
}

func (s JobStore) Bury(ctx context.Context, job domain.Job, reason string, now time.Time) error {
	return BuryJob(ctx, s.DB, job, reason, now)
}
