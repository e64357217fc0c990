// Package handlers implements the dispatch API endpoints.
//
// Every failure is written as an ErrorResponse carrying a stable code from
// errors.go plus the request ID, for example:
//
//	HTTP/1.1 409 Conflict
//	{"request_id":"9f0c...","code":"idempotency_in_progress","message":"a request with this key is still running"}
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-dispatch-backend/internal/apperr"
	"github.com/tbourn/go-dispatch-backend/internal/http/middleware"
)

// ErrorResponse is the standard error envelope returned by all endpoints.
type ErrorResponse struct {
	RequestID string `json:"request_id,omitempty" example:"123e4567-e89b-12d3-a456-426614174000"`
	Code string `json:"code" example:"not_found"`
	Message string `json:"message" example:"resource not found"`
}

// fail aborts the request with a structured error and logs server-side errors.
func fail(c *gin.Context, status int, code, msg string) {
	resp := ErrorResponse{
		RequestID: middleware.RequestIDFrom(c),
		Code:      code,
		Message:   msg,
	}

	if status >= http.StatusInternalServerError {
		lg := middleware.LoggerFrom(c)
		lg.Error().
			Int("status", status).
			Str("code", code).
			Str("tenant", middleware.TenantFrom(c)).
			Str("route", c.FullPath()).
			Msg(msg)
	}

	c.AbortWithStatusJSON(status, resp)
}

// failErr maps err through statusFor. Internal errors get a generic message
// so storage details never leak to clients; the cause is logged instead.
func failErr(c *gin.Context, err error) {
	status, code := statusFor(err)
	if status == http.StatusInternalServerError {
		lg := middleware.LoggerFrom(c)
		lg.Error().Err(err).Msg("unhandled service error")
		fail(c, status, code, "internal error")
		return
	}
	fail(c, status, code, apperr.Message(err, http.StatusText(status)))
}

// Fail is the exported variant of fail(), used by the router for 404/405.
func Fail(c *gin.Context, status int, code, msg string) { fail(c, status, code, msg) }

func ok(c *gin.Context, status int, body any) {
	c.JSON(status, body)
}
