// Idempotent request execution.
//
// Write endpoints run through idempotent(), which drives the registry in
// explicit steps: claim the (tenant, key, method, path) scope, compute the
// response, persist it, then send it. Completed responses are replayed
// byte-for-byte with Idempotency-Replayed: true.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-dispatch-backend/internal/apperr"
	"github.com/tbourn/go-dispatch-backend/internal/backoff"
	"github.com/tbourn/go-dispatch-backend/internal/http/middleware"
	"github.com/tbourn/go-dispatch-backend/internal/services"
)

const contentTypeJSON = "application/json; charset=utf-8"

// computeFunc produces the response of a write. A returned error is mapped
// through statusFor.
type computeFunc func(ctx context.Context, body []byte) (status int, payload any, err error)

// readBody reads the request body up to the configured limit.
func (h *Handlers) readBody(c *gin.Context) ([]byte, bool) {
	limit := h.MaxBodyBytes
	if limit <= 0 {
		limit = 1 << 20
	}
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, limit))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			fail(c, http.StatusRequestEntityTooLarge, ErrCodeTooLarge, "request body too large")
			return nil, false
		}
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "could not read request body")
		return nil, false
	}
	return body, true
}

// idempotent runs compute at most once per idempotency scope. Server errors
// release the claim so the client may retry with the same key; every other
// outcome, 4xx included, is stored and replayed.
func (h *Handlers) idempotent(c *gin.Context, compute computeFunc) {
	ctx := c.Request.Context()
	key, has := middleware.GetIdempotencyKey(c)
	if !has {
		fail(c, http.StatusBadRequest, "idempotency_key_required", "Idempotency-Key header is required")
		return
	}
	body, okBody := h.readBody(c)
	if !okBody {
		return
	}

	scope := services.Scope{
		TenantID: middleware.TenantFrom(c),
		Key:      key,
		Method:   c.Request.Method,
		Path:     c.Request.URL.Path,
	}
	claim, err := h.idem.Claim(ctx, scope, body)
	if err != nil {
		failErr(c, err)
		return
	}
	if claim.Replay != nil {
		writeStored(c, *claim.Replay)
		return
	}

	status, payload, err := compute(ctx, body)
	if err != nil {
		status, code := statusFor(err)
		if status >= http.StatusInternalServerError {
			h.release(c, claim.RecordID)
			failErr(c, err)
			return
		}
		payload = ErrorResponse{
			RequestID: middleware.RequestIDFrom(c),
			Code:      code,
			Message:   apperr.Message(err, http.StatusText(status)),
		}
		h.persistAndSend(c, claim.RecordID, status, payload)
		return
	}
	if status >= http.StatusInternalServerError {
		h.release(c, claim.RecordID)
		c.JSON(status, payload)
		return
	}
	h.persistAndSend(c, claim.RecordID, status, payload)
}

func (h *Handlers) persistAndSend(c *gin.Context, recordID string, status int, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		h.release(c, recordID)
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "could not encode response")
		return
	}
	stored := services.StoredResponse{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{contentTypeJSON}},
		Body:       raw,
	}
	// The effect is already committed, so a failed persist still answers the
	// client; the record stays pending until it expires.
	if err := h.complete(context.WithoutCancel(c.Request.Context()), recordID, stored); err != nil {
		lg := middleware.LoggerFrom(c)
		lg.Error().Err(err).Str("record_id", recordID).Msg("idempotency persist failed")
	}
	c.Data(status, contentTypeJSON, raw)
}

// Transient store errors would otherwise pin the key as in progress for the
// whole record TTL.
var (
	completeAttempts = 3
	completeBackoff  = backoff.Policy{Base: 20 * time.Millisecond, Cap: 200 * time.Millisecond}
)

func (h *Handlers) complete(ctx context.Context, recordID string, stored services.StoredResponse) error {
	var err error
	for attempt := 1; attempt <= completeAttempts; attempt++ {
		if err = h.idem.Complete(ctx, recordID, stored); err == nil {
			return nil
		}
		if attempt < completeAttempts {
			if serr := backoff.Sleep(ctx, completeBackoff.Delay(attempt)); serr != nil {
				return err
			}
		}
	}
	return err
}

func (h *Handlers) release(c *gin.Context, recordID string) {
	// Release must outlive a cancelled request context.
	ctx := context.WithoutCancel(c.Request.Context())
	if err := h.idem.Release(ctx, recordID); err != nil {
		lg := middleware.LoggerFrom(c)
		lg.Warn().Err(err).Str("record_id", recordID).Msg("idempotency release failed")
	}
}

func writeStored(c *gin.Context, resp services.StoredResponse) {
	for k, vs := range resp.Header {
		for _, v := range vs {
			c.Writer.Header().Add(k, v)
		}
	}
	c.Header(middleware.HeaderIdempotencyReplayed, "true")
	ct := resp.Header.Get("Content-Type")
	if ct == "" {
		ct = contentTypeJSON
	}
	c.Writer.Header().Del("Content-Type")
	c.Data(resp.StatusCode, ct, resp.Body)
}
