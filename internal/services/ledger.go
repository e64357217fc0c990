// Package services – Ledger
//
// The ledger owns the lifecycle of automation runs. Status only moves
// forward (see domain.RunStatus.CanTransitionTo); every accepted change is a
// conditional update against the status that was read, and a change of
// status appends an outbox event in the same transaction.
package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/go-dispatch-backend/internal/domain"
	"github.com/tbourn/go-dispatch-backend/internal/repo"
)

const casAttempts = 5

// RunRef identifies the run a status update applies to. CorrelationID is
// tried first; ProviderRunID is the fallback. An empty TenantID matches any
// tenant.
type RunRef struct {
	TenantID      string
	CorrelationID string
	ProviderRunID string
}

// RunPatch carries the fields merged into a run on update. Empty fields are
// left untouched.
type RunPatch struct {
	Output        json.RawMessage
	ProviderRunID string
	Error         string
}

// RunLedger is the contract consumed by the webhook verifier and the
// dispatch processor.
type RunLedger interface {
	CreateRun(ctx context.Context, tenantID string, input json.RawMessage) (*domain.AutomationRun, error)
	UpdateStatus(ctx context.Context, ref RunRef, next domain.RunStatus, patch RunPatch) (*domain.AutomationRun, error)
	Get(ctx context.Context, tenantID, id string) (*domain.AutomationRun, error)
}

// Ledger is the gorm-backed RunLedger.
type Ledger struct {
	DB  *gorm.DB
	Now func() time.Time
}

var _ RunLedger = (*Ledger)(nil)

// NewLedger returns a Ledger over db.
func NewLedger(db *gorm.DB) *Ledger { return &Ledger{DB: db} }

func (l *Ledger) now() time.Time {
	if l.Now != nil {
		return l.Now().UTC()
	}
	return time.Now().UTC()
}

// CreateRun creates a QUEUED run with a fresh correlation ID.
func (l *Ledger) CreateRun(ctx context.Context, tenantID string, input json.RawMessage) (*domain.AutomationRun, error) {
	return l.CreateRunTx(ctx, l.DB, tenantID, input)
}

// CreateRunTx is CreateRun inside the caller's transaction.
func (l *Ledger) CreateRunTx(ctx context.Context, tx *gorm.DB, tenantID string, input json.RawMessage) (*domain.AutomationRun, error) {
	if len(input) == 0 {
		input = json.RawMessage("{}")
	}
	if !json.Valid(input) {
		return nil, ErrInvalidInput
	}
	now := l.now()
	run := &domain.AutomationRun{
		ID:            uuid.NewString(),
		TenantID:      tenantID,
		CorrelationID: uuid.NewString(),
		Status:        domain.RunQueued,
		Input:         string(input),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := repo.CreateRun(ctx, tx, run); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	return run, nil
}

// Get returns a run owned by tenantID.
func (l *Ledger) Get(ctx context.Context, tenantID, id string) (*domain.AutomationRun, error) {
	run, err := repo.GetRun(ctx, l.DB, tenantID, id)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrRunNotFound
	}
	return run, err
}

// GetByID returns a run regardless of tenant. Queue handlers use it.
func (l *Ledger) GetByID(ctx context.Context, id string) (*domain.AutomationRun, error) {
	run, err := repo.GetRunByID(ctx, l.DB, id)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrRunNotFound
	}
	return run, err
}

// UpdateStatus moves the referenced run to next and merges patch. A move the
// lifecycle does not allow returns the current run unchanged, not an error.
func (l *Ledger) UpdateStatus(ctx context.Context, ref RunRef, next domain.RunStatus, patch RunPatch) (*domain.AutomationRun, error) {
	ctx, span := otel.Tracer("services/Ledger").Start(ctx, "UpdateStatus",
		trace.WithAttributes(
			attribute.String("tenant.id", ref.TenantID),
			attribute.String("run.correlation_id", ref.CorrelationID),
			attribute.String("run.next_status", string(next)),
		),
	)
	defer span.End()

	if !next.Valid() {
		return nil, ErrInvalidStatus
	}
	if ref.CorrelationID == "" && ref.ProviderRunID == "" {
		return nil, ErrMissingRunRef
	}

	for i := 0; i < casAttempts; i++ {
		var (
			out     *domain.AutomationRun
			swapped bool
		)
		err := l.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			cur, err := l.lookup(ctx, tx, ref)
			if err != nil {
				return err
			}
			if !cur.Status.CanTransitionTo(next) {
				out, swapped = cur, true
				return nil
			}

			now := l.now()
			ok, err := repo.CompareAndSwapRunStatus(ctx, tx, cur.ID, cur.Status, patchUpdates(next, patch), now)
			if err != nil {
				return fmt.Errorf("update run status: %w", err)
			}
			if !ok {
				return nil
			}
			swapped = true

			if cur.Status != next {
				if _, err := repo.AppendOutbox(ctx, tx, cur.TenantID, next.Event(), runEventPayload(cur, next, patch)); err != nil {
					return fmt.Errorf("append run event: %w", err)
				}
			}
			out, err = repo.GetRunByID(ctx, tx, cur.ID)
			return err
		})
		if err != nil {
			return nil, err
		}
		if swapped {
			return out, nil
		}
	}
	return nil, fmt.Errorf("run status update lost %d races", casAttempts)
}

func (l *Ledger) lookup(ctx context.Context, tx *gorm.DB, ref RunRef) (*domain.AutomationRun, error) {
	if ref.CorrelationID != "" {
		run, err := repo.FindRunByCorrelation(ctx, tx, ref.TenantID, ref.CorrelationID)
		if err == nil {
			return run, nil
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return nil, err
		}
	}
	if ref.ProviderRunID != "" {
		run, err := repo.FindRunByProviderRunID(ctx, tx, ref.TenantID, ref.ProviderRunID)
		if err == nil {
			return run, nil
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return nil, err
		}
	}
	return nil, ErrRunNotFound
}

func patchUpdates(next domain.RunStatus, patch RunPatch) map[string]any {
	updates := map[string]any{"status": next}
	if len(patch.Output) > 0 {
		updates["output"] = string(patch.Output)
	}
	if patch.ProviderRunID != "" {
		updates["provider_run_id"] = patch.ProviderRunID
	}
	if patch.Error != "" {
		updates["error"] = patch.Error
	}
	return updates
}

func runEventPayload(cur *domain.AutomationRun, next domain.RunStatus, patch RunPatch) map[string]any {
	providerRunID := cur.ProviderRunID
	if patch.ProviderRunID != "" {
		providerRunID = patch.ProviderRunID
	}
	p := map[string]any{
		"runId":         cur.ID,
		"correlationId": cur.CorrelationID,
		"tenantId":      cur.TenantID,
		"status":        next,
	}
	if providerRunID != "" {
		p["providerRunId"] = providerRunID
	}
	if patch.Error != "" {
		p["error"] = patch.Error
	}
	return p
}

// MapCallbackStatus translates a provider status word into a run status:
// succeeded and failed map to their terminal states, anything else means the
// run is still in flight.
func MapCallbackStatus(s string) domain.RunStatus {
	switch s {
	case "succeeded", "SUCCEEDED", "success":
		return domain.RunSucceeded
	case "failed", "FAILED", "error":
		return domain.RunFailed
	default:
		return domain.RunRunning
	}
}
