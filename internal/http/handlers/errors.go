// Package handlers defines HTTP-layer error codes used across all API endpoints.
//
// This file centralizes symbolic error code constants and the single place
// where service errors (apperr kinds) are translated into HTTP statuses.
// Codes give clients a stable, machine-readable error taxonomy that
// supplements human-readable messages.
//
// Conventions:
//   - Codes are lowercase, snake_case.
//   - Generic codes (e.g., bad_request, unauthorized, not_found) mirror common
//     HTTP status semantics.
//   - Idempotency and replay codes are specific so clients can tell "retry
//     later" (idempotency_in_progress) from "fix your request"
//     (idempotency_conflict).
//
// Example response:
//
//	{
//	  "request_id": "e1b9be03-4999-4289-9f03-999b042d65d6",
//	  "code": "idempotency_conflict",
//	  "message": "idempotency key reused with a different request"
//	}
package handlers

import (
	"net/http"

	"github.com/tbourn/go-dispatch-backend/internal/apperr"
)

const (
	ErrCodeBadRequest    = "bad_request"
	ErrCodeUnauthorized  = "unauthorized"
	ErrCodeNotFound      = "not_found"
	ErrCodeReplayed      = "replayed"
	ErrCodeInternal      = "internal_error"
	ErrCodeNotConfigured = "not_configured"
	ErrCodeTooLarge      = "payload_too_large"
	ErrCodeNoRoute       = "route_not_found"
	ErrCodeNoMethod      = "method_not_allowed"

	ErrCodeIdempotencyConflict   = "idempotency_conflict"
	ErrCodeIdempotencyInProgress = "idempotency_in_progress"
)

// statusFor maps an error to its HTTP status and code. Errors without a
// known kind are internal errors.
func statusFor(err error) (int, string) {
	switch apperr.KindOf(err) {
	case apperr.KindAuth:
		return http.StatusUnauthorized, ErrCodeUnauthorized
	case apperr.KindReplay:
		return http.StatusConflict, ErrCodeReplayed
	case apperr.KindIdempotencyConflict:
		return http.StatusConflict, ErrCodeIdempotencyConflict
	case apperr.KindIdempotencyInProgress:
		return http.StatusConflict, ErrCodeIdempotencyInProgress
	case apperr.KindNotFound:
		return http.StatusNotFound, ErrCodeNotFound
	case apperr.KindValidation:
		return http.StatusBadRequest, ErrCodeBadRequest
	case apperr.KindConfiguration:
		return http.StatusServiceUnavailable, ErrCodeNotConfigured
	default:
		return http.StatusInternalServerError, ErrCodeInternal
	}
}
