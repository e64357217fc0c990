// Dead-letter HTTP handlers.
//
// Endpoints:
//   - GET  /dead-letters             (list, filter by source)
//   - POST /dead-letters/{id}/replay (re-arm an outbox event, idempotent)
package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-dispatch-backend/internal/domain"
	"github.com/tbourn/go-dispatch-backend/internal/http/middleware"
	"github.com/tbourn/go-dispatch-backend/internal/utils"
)

// ListDeadLettersResponse wraps dead-letter entries, newest first.
type ListDeadLettersResponse struct {
	DeadLetters []domain.DeadLetter `json:"dead_letters"`
}

// ReplayDeadLetterResponse carries the re-armed outbox event.
type ReplayDeadLetterResponse struct {
	Replayed bool                `json:"replayed" example:"true"`
	Event    *domain.OutboxEvent `json:"event"`
}

// ListDeadLetters godoc
// @ID          listDeadLetters
// @Summary     List dead letters
// @Tags        DeadLetters
// @Produce     json
//
// @Param       X-Tenant-ID  header  string  true   "Tenant ID"  example(acme)
// @Param       source       query   string  false  "outbox or dispatch"  Enums(outbox, dispatch)
// @Param       limit        query   int     false  "Max entries"         minimum(1) maximum(500) default(50)
//
// @Success     200  {object} handlers.ListDeadLettersResponse
// @Failure     400  {object} handlers.ErrorResponse "Unknown source"
// @Failure     401  {object} handlers.ErrorResponse "Missing tenant"
// @Router      /dead-letters [get]
func (h *Handlers) ListDeadLetters(c *gin.Context) {
	items, err := h.deadLetters.List(c.Request.Context(), middleware.TenantFrom(c),
		c.Query("source"), utils.AtoiDefault(c.Query("limit"), 0))
	if err != nil {
		failErr(c, err)
		return
	}
	if items == nil {
		items = []domain.DeadLetter{}
	}
	ok(c, http.StatusOK, ListDeadLettersResponse{DeadLetters: items})
}

// ReplayDeadLetter godoc
// @ID          replayDeadLetter
// @Summary     Replay a dead letter
// @Description Resets the outbox event behind the entry to PENDING with a fresh attempt budget. Dispatch entries cannot be replayed; trigger a new run instead.
// @Tags        DeadLetters
// @Produce     json
//
// @Param       X-Tenant-ID      header  string  true  "Tenant ID"        example(acme)
// @Param       Idempotency-Key  header  string  true  "Idempotency key"
// @Param       id               path    string  true  "Dead letter ID"   format(uuid)
//
// @Success     200  {object} handlers.ReplayDeadLetterResponse
// @Failure     400  {object} handlers.ErrorResponse "Not replayable or already replayed"
// @Failure     404  {object} handlers.ErrorResponse "Dead letter not found"
// @Failure     409  {object} handlers.ErrorResponse "Idempotency conflict"
// @Router      /dead-letters/{id}/replay [post]
func (h *Handlers) ReplayDeadLetter(c *gin.Context) {
	tenant := middleware.TenantFrom(c)
	id := c.Param("id")
	h.idempotent(c, func(ctx context.Context, _ []byte) (int, any, error) {
		ev, err := h.deadLetters.Replay(ctx, tenant, id)
		if err != nil {
			return 0, nil, err
		}
		return http.StatusOK, ReplayDeadLetterResponse{Replayed: true, Event: ev}, nil
	})
}
