// Handler wiring.
//
// This file declares the service contracts the HTTP layer consumes and the
// Handlers struct that binds them. Handlers are transport-thin: they
// validate input, call application services, and translate results (and
// apperr kinds) into HTTP responses.
package handlers

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-dispatch-backend/internal/domain"
	"github.com/tbourn/go-dispatch-backend/internal/services"
	"github.com/tbourn/go-dispatch-backend/internal/utils"
)

//
// Service contracts (context-aware)
//

// ReportService defines the report operations consumed by HTTP handlers.
type ReportService interface {
	Create(ctx context.Context, tenantID string, in services.ReportInput) (*domain.Report, error)
	ListPage(ctx context.Context, tenantID string, page, pageSize int) ([]domain.Report, int64, error)
	Get(ctx context.Context, tenantID, id string) (*domain.Report, error)
}

// AutomationService triggers and reads automation runs.
type AutomationService interface {
	Trigger(ctx context.Context, tenantID string, input json.RawMessage) (*domain.AutomationRun, error)
	Get(ctx context.Context, tenantID, id string) (*domain.AutomationRun, error)
}

// WebhookService authenticates provider callbacks and applies them to the
// run ledger.
type WebhookService interface {
	Handle(ctx context.Context, h services.CallbackHeaders, body []byte, headerTenant string) (*domain.AutomationRun, error)
}

// DeadLetterService lists and replays dead letters.
type DeadLetterService interface {
	List(ctx context.Context, tenantID, source string, limit int) ([]domain.DeadLetter, error)
	Replay(ctx context.Context, tenantID, id string) (*domain.OutboxEvent, error)
}

// IdempotencyRegistry is the part of services.IdempotencyRegistry the
// idempotent helper drives.
type IdempotencyRegistry interface {
	Claim(ctx context.Context, scope services.Scope, body []byte) (services.Claim, error)
	Complete(ctx context.Context, recordID string, resp services.StoredResponse) error
	Release(ctx context.Context, recordID string) error
}

//
// Handler wiring
//

// Handlers groups the HTTP endpoints of the dispatch API.
type Handlers struct {
	reports     ReportService
	runs        AutomationService
	webhooks    WebhookService
	deadLetters DeadLetterService
	idem        IdempotencyRegistry

	// MaxBodyBytes caps request bodies read by write endpoints.
	MaxBodyBytes int64
}

// New constructs a Handlers instance bound to the given services.
func New(reports ReportService, runs AutomationService, webhooks WebhookService, dlq DeadLetterService, idem IdempotencyRegistry) *Handlers {
	return &Handlers{
		reports:      reports,
		runs:         runs,
		webhooks:     webhooks,
		deadLetters:  dlq,
		idem:         idem,
		MaxBodyBytes: 1 << 20,
	}
}

//
// Shared DTOs and helpers
//

// Pagination carries pagination metadata for list responses.
type Pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
}

func newPagination(page, pageSize int, total int64) Pagination {
	totalPages := int((total + int64(pageSize) - 1) / int64(pageSize))
	return Pagination{
		Page:       page,
		PageSize:   pageSize,
		Total:      total,
		TotalPages: totalPages,
		HasNext:    page < totalPages,
	}
}

// clampPagination parses and bounds page and page_size query params.
func clampPagination(c *gin.Context) (page, pageSize int) {
	return utils.ClampPage(
		utils.AtoiDefault(c.Query("page"), 1),
		utils.AtoiDefault(c.Query("page_size"), 20),
		20, 100,
	)
}

func unixOrZero(t *time.Time) int64 {
	if t == nil {
		return 0
	}
	return t.Unix()
}
