package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/go-dispatch-backend/internal/domain"
	"github.com/tbourn/go-dispatch-backend/internal/repo"
)

// DefaultDeadLetterLimit caps List when no limit is given.
const DefaultDeadLetterLimit = 50

// DeadLetterService exposes the dead-letter queue for inspection and replay.
type DeadLetterService struct {
	DB  *gorm.DB
	Now func() time.Time
}

// NewDeadLetterService returns a DeadLetterService over db.
func NewDeadLetterService(db *gorm.DB) *DeadLetterService {
	return &DeadLetterService{DB: db}
}

func (s *DeadLetterService) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

// Push records a dead letter.
func (s *DeadLetterService) Push(ctx context.Context, dl *domain.DeadLetter) error {
	if dl.CreatedAt.IsZero() {
		dl.CreatedAt = s.now()
	}
	if err := repo.InsertDeadLetter(ctx, s.DB, dl); err != nil {
		return fmt.Errorf("push dead letter: %w", err)
	}
	return nil
}

// List returns the newest entries, optionally filtered by source. An empty
// tenantID lists every tenant; operators use that from the CLI.
func (s *DeadLetterService) List(ctx context.Context, tenantID, source string, limit int) ([]domain.DeadLetter, error) {
	if source != "" && source != domain.DeadLetterOutbox && source != domain.DeadLetterDispatch {
		return nil, ErrInvalidInput
	}
	if limit <= 0 || limit > 500 {
		limit = DefaultDeadLetterLimit
	}
	return repo.ListTenantDeadLetters(ctx, s.DB, tenantID, source, limit)
}

// Replay re-arms the outbox event behind an outbox dead letter with a fresh
// attempt budget. Dispatch entries are refused: the run they belong to is
// already terminal, so the caller has to trigger a new one. A non-empty
// tenantID hides other tenants' entries.
func (s *DeadLetterService) Replay(ctx context.Context, tenantID, id string) (*domain.OutboxEvent, error) {
	ctx, span := otel.Tracer("services/DeadLetterService").Start(ctx, "Replay",
		trace.WithAttributes(attribute.String("dead_letter.id", id)),
	)
	defer span.End()

	var out *domain.OutboxEvent
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		dl, err := repo.GetDeadLetter(ctx, tx, id)
		if errors.Is(err, repo.ErrNotFound) || (err == nil && tenantID != "" && dl.TenantID != tenantID) {
			return ErrDeadLetterNotFound
		}
		if err != nil {
			return err
		}
		if dl.Source != domain.DeadLetterOutbox {
			return ErrNotReplayable
		}

		now := s.now()
		marked, err := repo.MarkDeadLetterReplayed(ctx, tx, dl.ID, now)
		if err != nil {
			return err
		}
		if !marked {
			return ErrAlreadyReplayed
		}
		reset, err := repo.ResetOutbox(ctx, tx, dl.RefID, now)
		if err != nil {
			return fmt.Errorf("reset outbox event: %w", err)
		}
		if !reset {
			return ErrAlreadyReplayed
		}
		out, err = repo.GetOutbox(ctx, tx, dl.RefID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
