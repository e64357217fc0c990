// Package queue implements the durable dispatch queue that runs automation
// work outside the request path. Jobs live in the same database as the
// business data, so enqueueing commits together with the write that caused
// it. Workers claim jobs with a conditional update, run the handler
// registered for the job's kind and settle the outcome:
//
//   - nil error: DONE
//   - Retryable error with attempts left: requeued with capped exponential backoff
//   - Retryable error with no attempts left: exhaustion hook, then DEAD plus a dead letter
//   - any other error: FAILED
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/tbourn/go-dispatch-backend/internal/apperr"
	"github.com/tbourn/go-dispatch-backend/internal/domain"
)

// Handler processes one job.
type Handler interface {
	Handle(ctx context.Context, job domain.Job) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, job domain.Job) error

func (f HandlerFunc) Handle(ctx context.Context, job domain.Job) error { return f(ctx, job) }

// ExhaustedHook runs once when a job has used its last attempt on a
// retryable error, before the job is buried.
type ExhaustedHook func(ctx context.Context, job domain.Job, cause error) error

// Store is the persistence contract the worker needs. All settle methods
// must be conditioned on the job still being ACTIVE at job.AttemptsMade.
type Store interface {
	RequeueStale(ctx context.Context, lockedBefore, now time.Time) (int64, error)
	ListDue(ctx context.Context, now time.Time, limit int) ([]domain.Job, error)
	Claim(ctx context.Context, job domain.Job, now time.Time) (bool, error)
	Complete(ctx context.Context, job domain.Job, now time.Time) error
	Retry(ctx context.Context, job domain.Job, runAt time.Time, lastErr string, now time.Time) error
	Fail(ctx context.Context, job domain.Job, lastErr string, now time.Time) error
	Bury(ctx context.Context, job domain.Job, reason string, now time.Time) error
}

type retryableError struct{ err error }

func (e retryableError) Error() string { return e.err.Error() }
func (e retryableError) Unwrap() error { return e.err }

// Retryable marks err as transient so the worker requeues the job.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return retryableError{err: err}
}

// IsRetryable reports whether err was marked with Retryable or carries the
// retryable delivery kind.
func IsRetryable(err error) bool {
	var r retryableError
	return errors.As(err, &r) || apperr.IsRetryable(err)
}

// JobOptions controls the retry budget of a new job.
type JobOptions struct {
	MaxAttempts int
	BackoffBase time.Duration
	BackoffCap  time.Duration
	RunAt       time.Time
}

// NewJob builds a QUEUED job with data encoded as JSON. The caller inserts
// it, normally inside the business transaction.
func NewJob(kind, refID, tenantID string, data any, opts JobOptions) (*domain.Job, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}
	if opts.RunAt.IsZero() {
		opts.RunAt = time.Now().UTC()
	}
	return &domain.Job{
		ID:            uuid.NewString(),
		Kind:          kind,
		RefID:         refID,
		TenantID:      tenantID,
		Data:          string(raw),
		Status:        domain.JobQueued,
		MaxAttempts:   opts.MaxAttempts,
		BackoffBaseMs: opts.BackoffBase.Milliseconds(),
		BackoffCapMs:  opts.BackoffCap.Milliseconds(),
		RunAt:         opts.RunAt.UTC(),
	}, nil
}
