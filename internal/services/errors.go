// Package services defines the business logic for reports, automation runs,
// idempotent writes, webhook callbacks and dead-letter handling.
// This file centralizes common service-level error values so that they can be
// consistently returned by service methods and checked by callers.
//
// Every value is an *apperr.Error; translation into HTTP status codes is
// performed at the handler layer.
package services

import "github.com/tbourn/go-dispatch-backend/internal/apperr"

// Lookup errors.
var (
	// ErrReportNotFound indicates that the report does not exist or belongs
	// to another tenant.
	ErrReportNotFound = apperr.NotFound("report not found")

	// ErrRunNotFound indicates that no automation run matches the lookup.
	ErrRunNotFound = apperr.NotFound("automation run not found")

	// ErrDeadLetterNotFound indicates an unknown dead-letter entry.
	ErrDeadLetterNotFound = apperr.NotFound("dead letter not found")
)

// Validation errors.
var (
	ErrEmptyTitle      = apperr.Validation("title is required")
	ErrTitleTooLong    = apperr.Validation("title too long")
	ErrInvalidInput    = apperr.Validation("input must be a JSON document")
	ErrInvalidStatus   = apperr.Validation("unknown run status")
	ErrMissingRunRef   = apperr.Validation("correlationId or providerRunId is required")
	ErrMissingStatus   = apperr.Validation("status is required")
	ErrMalformedBody   = apperr.Validation("malformed callback body")
	ErrKeyTooLong      = apperr.Validation("idempotency key too long")
	ErrMissingKey      = apperr.Validation("idempotency key is required")
	ErrNotReplayable   = apperr.Validation("dispatch dead letters cannot be replayed; trigger a new run")
	ErrAlreadyReplayed = apperr.Validation("dead letter already replayed")
)

// Idempotency errors.
var (
	// ErrIdempotencyConflict is returned when a key is reused with a
	// different request body while the original record is still live.
	ErrIdempotencyConflict = apperr.New(apperr.KindIdempotencyConflict, "idempotency key reused with a different request")

	// ErrIdempotencyInProgress is returned while the first request holding
	// the key has not finished.
	ErrIdempotencyInProgress = apperr.New(apperr.KindIdempotencyInProgress, "a request with this idempotency key is in progress")
)

// Webhook errors.
var (
	ErrMissingHeaders  = apperr.Auth("missing headers")
	ErrStaleTimestamp  = apperr.Auth("stale or future timestamp")
	ErrBadSignature    = apperr.Auth("bad signature")
	ErrNonceReplayed   = apperr.Replay("callback already processed")
	ErrSecretMissing   = apperr.Configuration("webhook secret is not configured")
	ErrProviderMissing = apperr.Configuration("automation provider is not configured")
)
