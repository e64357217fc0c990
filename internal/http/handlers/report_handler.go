// Report HTTP handlers.
//
// This file exposes REST endpoints for report resources:
//   - POST   /reports       (create, idempotent)
//   - GET    /reports       (list, paginated, ETag support)
//   - GET    /reports/{id}  (fetch one)
package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/tbourn/go-dispatch-backend/internal/apperr"
	"github.com/tbourn/go-dispatch-backend/internal/domain"
	"github.com/tbourn/go-dispatch-backend/internal/http/middleware"
	"github.com/tbourn/go-dispatch-backend/internal/repo"
	"github.com/tbourn/go-dispatch-backend/internal/services"
)

// CreateReportRequest is the JSON payload for creating a report.
type CreateReportRequest struct {
	// Title is required (1–255 chars after whitespace normalisation).
	Title     string `json:"title" example:"Quarterly revenue"`
	Summary   string `json:"summary" example:"Revenue grew 4% QoQ"`
	Body      string `json:"body"`
	Published bool   `json:"published"`
}

// CreateReportResponse is returned by POST /reports, and replayed verbatim
// for repeated requests with the same Idempotency-Key.
type CreateReportResponse struct {
	Created int            `json:"created" example:"1"`
	Report  *domain.Report `json:"report"`
}

// ListReportsResponse wraps a page of reports and pagination information.
type ListReportsResponse struct {
	Reports    []domain.Report `json:"reports"`
	Pagination Pagination      `json:"pagination"`
}

// CreateReport godoc
// @ID          createReport
// @Summary     Create a report
// @Description Creates a report and records its domain events in the outbox. Requires an Idempotency-Key; a repeated request replays the first response.
// @Tags        Reports
// @Accept      json
// @Produce     json
//
// @Param       X-Tenant-ID      header  string  true  "Tenant ID"        example(acme)
// @Param       Idempotency-Key  header  string  true  "Idempotency key"  example(7f1c2b0e-create-report)
// @Param       body             body    handlers.CreateReportRequest  true  "Report payload"
//
// @Success     201  {object}  handlers.CreateReportResponse
// @Header      201  {string}  Idempotency-Replayed  "true when served from a stored response"
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     401  {object}  handlers.ErrorResponse  "Missing tenant"
// @Failure     409  {object}  handlers.ErrorResponse  "Idempotency conflict or in progress"
// @Failure     429  {object}  handlers.ErrorResponse  "Rate limited"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /reports [post]
func (h *Handlers) CreateReport(c *gin.Context) {
	tenant := middleware.TenantFrom(c)
	h.idempotent(c, func(ctx context.Context, body []byte) (int, any, error) {
		var req CreateReportRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return 0, nil, apperr.Validation("invalid JSON body")
		}
		r, err := h.reports.Create(ctx, tenant, services.ReportInput(req))
		if err != nil {
			return 0, nil, err
		}
		return http.StatusCreated, CreateReportResponse{Created: 1, Report: r}, nil
	})
}

// ListReports godoc
// @ID          listReports
// @Summary     List reports (paginated)
// @Description Returns a page of the tenant's reports. Supports weak ETag via If-None-Match and may return 304.
// @Tags        Reports
// @Produce     json
//
// @Param       X-Tenant-ID    header  string  true  "Tenant ID"                   example(acme)
// @Param       If-None-Match  header  string  false "Return 304 if ETag matches"  example(W/\"reports:acme:3:1700000000\")
// @Param       page           query   int     false "Page number"                 minimum(1) default(1)
// @Param       page_size      query   int     false "Items per page"              minimum(1) maximum(100) default(20)
//
// @Success     200  {object} handlers.ListReportsResponse
// @Header      200  {string} ETag  "Weak ETag for current result"
// @Success     304  {string} string "Not Modified"
// @Failure     401  {object} handlers.ErrorResponse "Missing tenant"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /reports [get]
func (h *Handlers) ListReports(c *gin.Context) {
	ctx := c.Request.Context()
	tenant := middleware.TenantFrom(c)
	page, pageSize := clampPagination(c)

	// ETag pre-check (best effort).
	var db *gorm.DB
	if svc, ok := h.reports.(*services.ReportService); ok {
		db = svc.DB
	}
	if db != nil {
		count, maxTS, err := repo.ReportsStats(ctx, db, tenant)
		if err == nil {
			etag := fmt.Sprintf(`W/"reports:%s:%d:%d"`, tenant, count, unixOrZero(maxTS))
			c.Header("ETag", etag)
			if inm := c.GetHeader("If-None-Match"); inm != "" && inm == etag {
				c.Status(http.StatusNotModified)
				return
			}
		}
	}

	items, total, err := h.reports.ListPage(ctx, tenant, page, pageSize)
	if err != nil {
		failErr(c, err)
		return
	}
	if items == nil {
		items = []domain.Report{}
	}
	ok(c, http.StatusOK, ListReportsResponse{
		Reports:    items,
		Pagination: newPagination(page, pageSize, total),
	})
}

// GetReport godoc
// @ID          getReport
// @Summary     Get a report
// @Tags        Reports
// @Produce     json
//
// @Param       X-Tenant-ID  header  string  true  "Tenant ID"  example(acme)
// @Param       id           path    string  true  "Report ID"  format(uuid)
//
// @Success     200  {object} domain.Report
// @Failure     401  {object} handlers.ErrorResponse "Missing tenant"
// @Failure     404  {object} handlers.ErrorResponse "Report not found"
// @Router      /reports/{id} [get]
func (h *Handlers) GetReport(c *gin.Context) {
	r, err := h.reports.Get(c.Request.Context(), middleware.TenantFrom(c), c.Param("id"))
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, r)
}
