// Package services – IdempotencyRegistry
//
// This file implements the registry that makes write endpoints safe to
// retry. A request first claims its (tenant, key, method, path) scope; the
// claim is a create-if-absent on a unique index, never a check-then-set.
// The first request runs the mutation and stores its response; later
// requests with the same key and body receive that response verbatim.
package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/go-dispatch-backend/internal/domain"
	"github.com/tbourn/go-dispatch-backend/internal/repo"
)

// MaxIdempotencyKeyLen bounds the client-supplied key.
const MaxIdempotencyKeyLen = 200

const claimAttempts = 5

var idempotencyClaims = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "idempotency_claims_total",
		Help: "Idempotency claim outcomes.",
	},
	[]string{"outcome"},
)

func init() {
	prometheus.MustRegister(idempotencyClaims)
}

// IdempotencyStore is the persistence contract of the registry.
type IdempotencyStore interface {
	Insert(ctx context.Context, rec *domain.IdempotencyRecord) error
	Get(ctx context.Context, tenantID, key, method, path string) (*domain.IdempotencyRecord, error)
	Reclaim(ctx context.Context, id, requestHash string, now, expiresAt time.Time) (bool, error)
	Complete(ctx context.Context, id string, statusCode int, headers string, body []byte, now time.Time) (bool, error)
	Release(ctx context.Context, id string) error
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

// Scope identifies one idempotent operation.
type Scope struct {
	TenantID string
	Key      string
	Method   string
	Path     string
}

// StoredResponse is the response envelope kept for replay.
type StoredResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Claim is the result of IdempotencyRegistry.Claim. Exactly one of RecordID
// (the caller now owns the scope) or Replay (a completed response exists) is
// set.
type Claim struct {
	RecordID string
	Replay   *StoredResponse
}

// IdempotencyRegistry coordinates idempotent writes.
type IdempotencyRegistry struct {
	Store IdempotencyStore
	TTL   time.Duration
	Now   func() time.Time
}

// NewIdempotencyRegistry returns a registry with the given record lifetime.
func NewIdempotencyRegistry(store IdempotencyStore, ttl time.Duration) *IdempotencyRegistry {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &IdempotencyRegistry{Store: store, TTL: ttl}
}

func (r *IdempotencyRegistry) now() time.Time {
	if r.Now != nil {
		return r.Now().UTC()
	}
	return time.Now().UTC()
}

// Claim either takes ownership of scope for this request or returns the
// stored response of an earlier identical request. It fails with
// ErrIdempotencyConflict when the key was used for a different body and
// with ErrIdempotencyInProgress while the first request is still running.
func (r *IdempotencyRegistry) Claim(ctx context.Context, scope Scope, body []byte) (Claim, error) {
	ctx, span := otel.Tracer("services/IdempotencyRegistry").Start(ctx, "Claim",
		trace.WithAttributes(
			attribute.String("tenant.id", scope.TenantID),
			attribute.String("http.method", scope.Method),
			attribute.String("http.route", scope.Path),
		),
	)
	defer span.End()

	if scope.Key == "" {
		return Claim{}, ErrMissingKey
	}
	if len(scope.Key) > MaxIdempotencyKeyLen {
		return Claim{}, ErrKeyTooLong
	}
	hash := RequestHash(body)

	for i := 0; i < claimAttempts; i++ {
		now := r.now()
		rec := &domain.IdempotencyRecord{
			ID:          uuid.NewString(),
			TenantID:    scope.TenantID,
			Key:         scope.Key,
			Method:      scope.Method,
			Path:        scope.Path,
			RequestHash: hash,
			Status:      domain.IdempotencyPending,
			CreatedAt:   now,
			UpdatedAt:   now,
			ExpiresAt:   now.Add(r.TTL),
		}
		err := r.Store.Insert(ctx, rec)
		if err == nil {
			idempotencyClaims.WithLabelValues("claimed").Inc()
			return Claim{RecordID: rec.ID}, nil
		}
		if !errors.Is(err, repo.ErrDuplicate) {
			return Claim{}, fmt.Errorf("insert idempotency record: %w", err)
		}

		existing, err := r.Store.Get(ctx, scope.TenantID, scope.Key, scope.Method, scope.Path)
		if errors.Is(err, repo.ErrNotFound) {
			// Released between our insert and read; try again.
			continue
		}
		if err != nil {
			return Claim{}, fmt.Errorf("load idempotency record: %w", err)
		}

		if existing.Expired(now) {
			ok, err := r.Store.Reclaim(ctx, existing.ID, hash, now, now.Add(r.TTL))
			if err != nil {
				return Claim{}, fmt.Errorf("reclaim idempotency record: %w", err)
			}
			if ok {
				idempotencyClaims.WithLabelValues("reclaimed").Inc()
				return Claim{RecordID: existing.ID}, nil
			}
			continue
		}

		if existing.RequestHash != hash {
			idempotencyClaims.WithLabelValues("conflict").Inc()
			return Claim{}, ErrIdempotencyConflict
		}
		if existing.Status == domain.IdempotencyCompleted {
			idempotencyClaims.WithLabelValues("replayed").Inc()
			return Claim{Replay: &StoredResponse{
				StatusCode: existing.StatusCode,
				Header:     existing.Header(),
				Body:       existing.ResponseBody,
			}}, nil
		}
		idempotencyClaims.WithLabelValues("in_progress").Inc()
		return Claim{}, ErrIdempotencyInProgress
	}
	return Claim{}, fmt.Errorf("idempotency claim for key %q did not settle after %d attempts", scope.Key, claimAttempts)
}

// Complete stores resp against the claim. It must run after the response is
// fully computed and before any byte of it is sent.
func (r *IdempotencyRegistry) Complete(ctx context.Context, recordID string, resp StoredResponse) error {
	ok, err := r.Store.Complete(ctx, recordID, resp.StatusCode, domain.EncodeHeader(resp.Header), resp.Body, r.now())
	if err != nil {
		return fmt.Errorf("complete idempotency record: %w", err)
	}
	if !ok {
		return fmt.Errorf("idempotency record %s is no longer pending", recordID)
	}
	return nil
}

// Release drops a pending claim so the client may retry with the same key.
func (r *IdempotencyRegistry) Release(ctx context.Context, recordID string) error {
	return r.Store.Release(ctx, recordID)
}

// Sweep deletes expired records and returns how many were removed.
func (r *IdempotencyRegistry) Sweep(ctx context.Context) (int64, error) {
	return r.Store.PurgeExpired(ctx, r.now())
}
