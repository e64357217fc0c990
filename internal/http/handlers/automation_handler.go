// Automation HTTP handlers.
//
// Endpoints:
//   - POST /automations/runs      (trigger, idempotent, 202)
//   - GET  /automations/runs/{id} (status)
//   - POST /webhooks/automation   (signed provider callback)
package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-dispatch-backend/internal/apperr"
	"github.com/tbourn/go-dispatch-backend/internal/domain"
	"github.com/tbourn/go-dispatch-backend/internal/http/middleware"
	"github.com/tbourn/go-dispatch-backend/internal/services"
)

// Callback headers.
const (
	HeaderSignature = "X-Signature"
	HeaderTimestamp = "X-Timestamp"
	HeaderNonce     = "X-Nonce"
)

// TriggerRunRequest is the JSON payload of POST /automations/runs.
type TriggerRunRequest struct {
	// Input is forwarded to the provider as-is. Defaults to {}.
	Input json.RawMessage `json:"input" swaggertype:"object"`
}

// TriggerRunResponse is returned once the run is queued.
type TriggerRunResponse struct {
	RunID         string `json:"runId" example:"5b0c5a7e-8a7e-4c0e-9d7b-0f6c2f6c9e11"`
	CorrelationID string `json:"correlationId" example:"0d7c7f0a-6a53-4f9b-8a57-0c0b2d1d8a40"`
}

// RunResponse is the public view of an automation run.
type RunResponse struct {
	ID            string           `json:"id"`
	Status        domain.RunStatus `json:"status" example:"RUNNING"`
	CorrelationID string           `json:"correlationId"`
	Output        json.RawMessage  `json:"output" swaggertype:"object"`
	Error         string           `json:"error"`
	ProviderRunID string           `json:"providerRunId"`
}

func toRunResponse(r *domain.AutomationRun) RunResponse {
	var out json.RawMessage
	if r.Output != "" {
		out = json.RawMessage(r.Output)
	}
	return RunResponse{
		ID:            r.ID,
		Status:        r.Status,
		CorrelationID: r.CorrelationID,
		Output:        out,
		Error:         r.Error,
		ProviderRunID: r.ProviderRunID,
	}
}

// TriggerRun godoc
// @ID          triggerRun
// @Summary     Trigger an automation run
// @Description Records a QUEUED run and enqueues its dispatch job in one transaction. Requires an Idempotency-Key.
// @Tags        Automations
// @Accept      json
// @Produce     json
//
// @Param       X-Tenant-ID      header  string  true  "Tenant ID"        example(acme)
// @Param       Idempotency-Key  header  string  true  "Idempotency key"  example(run-2025-06-01-001)
// @Param       body             body    handlers.TriggerRunRequest  false  "Run input"
//
// @Success     202  {object}  handlers.TriggerRunResponse
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     401  {object}  handlers.ErrorResponse  "Missing tenant"
// @Failure     409  {object}  handlers.ErrorResponse  "Idempotency conflict or in progress"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /automations/runs [post]
func (h *Handlers) TriggerRun(c *gin.Context) {
	tenant := middleware.TenantFrom(c)
	h.idempotent(c, func(ctx context.Context, body []byte) (int, any, error) {
		var req TriggerRunRequest
		if len(bytes.TrimSpace(body)) > 0 {
			if err := json.Unmarshal(body, &req); err != nil {
				return 0, nil, apperr.Validation("invalid JSON body")
			}
		}
		run, err := h.runs.Trigger(ctx, tenant, req.Input)
		if err != nil {
			return 0, nil, err
		}
		return http.StatusAccepted, TriggerRunResponse{RunID: run.ID, CorrelationID: run.CorrelationID}, nil
	})
}

// GetRun godoc
// @ID          getRun
// @Summary     Get an automation run
// @Tags        Automations
// @Produce     json
//
// @Param       X-Tenant-ID  header  string  true  "Tenant ID"  example(acme)
// @Param       id           path    string  true  "Run ID"     format(uuid)
//
// @Success     200  {object} handlers.RunResponse
// @Failure     401  {object} handlers.ErrorResponse "Missing tenant"
// @Failure     404  {object} handlers.ErrorResponse "Run not found"
// @Router      /automations/runs/{id} [get]
func (h *Handlers) GetRun(c *gin.Context) {
	run, err := h.runs.Get(c.Request.Context(), middleware.TenantFrom(c), c.Param("id"))
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, toRunResponse(run))
}

// AutomationWebhook godoc
// @ID          automationWebhook
// @Summary     Provider callback
// @Description Verifies the HMAC signature over "timestamp.nonce.body", rejects stale timestamps and reused nonces, then applies the status to the run.
// @Tags        Webhooks
// @Accept      json
// @Produce     json
//
// @Param       X-Signature  header  string  true   "Hex HMAC-SHA256, optional sha256= prefix"
// @Param       X-Timestamp  header  string  true   "Unix seconds"
// @Param       X-Nonce      header  string  true   "Unique per callback"
// @Param       X-Tenant-ID  header  string  false  "Tenant fallback when the body has none"
// @Param       body         body    services.CallbackPayload  true  "Callback payload"
//
// @Success     200  {object} map[string]bool
// @Failure     400  {object} handlers.ErrorResponse "Malformed callback"
// @Failure     401  {object} handlers.ErrorResponse "Bad signature or stale timestamp"
// @Failure     404  {object} handlers.ErrorResponse "Run not found"
// @Failure     409  {object} handlers.ErrorResponse "Nonce replayed"
// @Failure     503  {object} handlers.ErrorResponse "Webhook secret not configured"
// @Router      /webhooks/automation [post]
func (h *Handlers) AutomationWebhook(c *gin.Context) {
	body, okBody := h.readBody(c)
	if !okBody {
		return
	}
	headers := services.CallbackHeaders{
		Signature: c.GetHeader(HeaderSignature),
		Timestamp: c.GetHeader(HeaderTimestamp),
		Nonce:     c.GetHeader(HeaderNonce),
	}
	if _, err := h.webhooks.Handle(c.Request.Context(), headers, body, c.GetHeader(middleware.HeaderTenantID)); err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"ok": true})
}
