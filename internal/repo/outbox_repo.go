package repo

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-dispatch-backend/internal/domain"
)

// ErrLeaseLost is returned when a relay tries to settle an event it no longer
// holds, typically because its lease expired and another relay reclaimed it.
var ErrLeaseLost = errors.New("outbox lease lost")

// AppendOutbox records a PENDING event. Call it with the transaction handle
// of the business write so both commit or roll back together.
func AppendOutbox(ctx context.Context, db *gorm.DB, tenantID, eventType string, payload any) (*domain.OutboxEvent, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	ev := &domain.OutboxEvent{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		Type:      eventType,
		Payload:   string(body),
		Status:    domain.OutboxPending,
		CreatedAt: time.Now().UTC(),
	}
	if err := db.WithContext(ctx).Create(ev).Error; err != nil {
		return nil, err
	}
	return ev, nil
}

// ListDueOutbox returns PENDING events whose retry time has passed, oldest first.
func ListDueOutbox(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]domain.OutboxEvent, error) {
	var out []domain.OutboxEvent
	err := db.WithContext(ctx).
		Where("status = ? AND (next_retry_at IS NULL OR next_retry_at <= ?)", domain.OutboxPending, now).
		Order("created_at ASC, id ASC").
		Limit(limit).
		Find(&out).Error
	return out, err
}

// ClaimOutbox moves an event from PENDING to PROCESSING. The update is
// conditioned on the status and attempt count observed by the caller, so at
// most one relay wins per attempt.
func ClaimOutbox(ctx context.Context, db *gorm.DB, id string, observedAttempts int, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Model(&domain.OutboxEvent{}).
		Where("id = ? AND status = ? AND attempts = ?", id, domain.OutboxPending, observedAttempts).
		Updates(map[string]any{
			"status":     domain.OutboxProcessing,
			"locked_at":  now,
			"attempts":   gorm.Expr("attempts + 1"),
			"updated_at": now,
		})
	return res.RowsAffected == 1, res.Error
}

// settleOutbox updates a PROCESSING event held at the given attempt.
func settleOutbox(ctx context.Context, db *gorm.DB, id string, attempt int, updates map[string]any) error {
	res := db.WithContext(ctx).Model(&domain.OutboxEvent{}).
		Where("id = ? AND status = ? AND attempts = ?", id, domain.OutboxProcessing, attempt).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected != 1 {
		return ErrLeaseLost
	}
	return nil
}

// MarkOutboxDelivered finalises a delivered event.
func MarkOutboxDelivered(ctx context.Context, db *gorm.DB, id string, attempt int, now time.Time, note string) error {
	return settleOutbox(ctx, db, id, attempt, map[string]any{
		"status":        domain.OutboxDelivered,
		"locked_at":     nil,
		"next_retry_at": nil,
		"delivered_at":  now,
		"delivery_note": note,
		"last_error":    "",
		"updated_at":    now,
	})
}

// RescheduleOutbox returns an event to PENDING with a retry time.
func RescheduleOutbox(ctx context.Context, db *gorm.DB, id string, attempt int, next time.Time, lastErr string, now time.Time) error {
	return settleOutbox(ctx, db, id, attempt, map[string]any{
		"status":        domain.OutboxPending,
		"locked_at":     nil,
		"next_retry_at": next,
		"last_error":    lastErr,
		"updated_at":    now,
	})
}

// BuryOutbox marks an event FAILED or DEAD_LETTER and writes a dead-letter
// copy in the same transaction.
func BuryOutbox(ctx context.Context, db *gorm.DB, ev domain.OutboxEvent, status domain.OutboxStatus, reason string, now time.Time) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := settleOutbox(ctx, tx, ev.ID, ev.Attempts, map[string]any{
			"status":        status,
			"locked_at":     nil,
			"next_retry_at": nil,
			"last_error":    reason,
			"updated_at":    now,
		}); err != nil {
			return err
		}
		return InsertDeadLetter(ctx, tx, &domain.DeadLetter{
			Source:    domain.DeadLetterOutbox,
			RefID:     ev.ID,
			TenantID:  ev.TenantID,
			Type:      ev.Type,
			Payload:   ev.Payload,
			Reason:    reason,
			Attempts:  ev.Attempts,
			CreatedAt: now,
		})
	})
}

// RequeueStaleOutbox releases PROCESSING events whose lease started before
// lockedBefore. The attempt count is kept so the budget still applies.
func RequeueStaleOutbox(ctx context.Context, db *gorm.DB, lockedBefore, now time.Time) (int64, error) {
	res := db.WithContext(ctx).Model(&domain.OutboxEvent{}).
		Where("status = ? AND locked_at < ?", domain.OutboxProcessing, lockedBefore).
		Updates(map[string]any{
			"status":     domain.OutboxPending,
			"locked_at":  nil,
			"updated_at": now,
		})
	return res.RowsAffected, res.Error
}

// ResetOutbox re-arms a FAILED or DEAD_LETTER event with a fresh budget.
func ResetOutbox(ctx context.Context, db *gorm.DB, id string, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Model(&domain.OutboxEvent{}).
		Where("id = ? AND status IN ?", id, []domain.OutboxStatus{domain.OutboxFailed, domain.OutboxDeadLetter}).
		Updates(map[string]any{
			"status":        domain.OutboxPending,
			"attempts":      0,
			"next_retry_at": nil,
			"locked_at":     nil,
			"last_error":    "",
			"updated_at":    now,
		})
	return res.RowsAffected == 1, res.Error
}

// GetOutbox loads one event.
func GetOutbox(ctx context.Context, db *gorm.DB, id string) (*domain.OutboxEvent, error) {
	return first[domain.OutboxEvent](db.WithContext(ctx).Where("id = ?", id))
}

// OutboxStore exposes the outbox functions through the relay's Store
// interface.
type OutboxStore struct{ DB *gorm.DB }

func (s OutboxStore) RequeueStale(ctx context.Context, lockedBefore, now time.Time) (int64, error) {
	return RequeueStaleOutbox(ctx, s.DB, lockedBefore, now)
}

func (s OutboxStore) ListDue(ctx context.Context, now time.Time, limit int) ([]domain.OutboxEvent, error) {
	return ListDueOutbox(ctx, s.DB, now, limit)
}

func (s OutboxStore) Claim(ctx context.Context, ev domain.OutboxEvent, now time.Time) (bool, error) {
	return ClaimOutbox(ctx, s.DB, ev.ID, ev.Attempts, now)
}

func (s OutboxStore) MarkDelivered(ctx context.Context, ev domain.OutboxEvent, note string, now time.Time) error {
	return MarkOutboxDelivered(ctx, s.DB, ev.ID, ev.Attempts, now, note)
}

func (s OutboxStore) Reschedule(ctx context.Context, ev domain.OutboxEvent, next time.Time, lastErr string, now time.Time) error {
	return RescheduleOutbox(ctx, s.DB, ev.ID, ev.Attempts, next, lastErr, now)
}

func (s OutboxStore) Bury(ctx context.Context, ev domain.OutboxEvent, status domain.OutboxStatus, reason string, now time.Time) error {
	return BuryOutbox(ctx, s.DB, ev, status, reason, now)
}
