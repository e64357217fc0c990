// Package services – ReportService
//
// ReportService is the tenant-scoped CRUD surface for reports. Writes append
// their domain events to the outbox inside the same transaction, so an event
// exists if and only if the report does.
package services

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/go-dispatch-backend/internal/domain"
	"github.com/tbourn/go-dispatch-backend/internal/repo"
	"github.com/tbourn/go-dispatch-backend/internal/utils"
)

// Report event types.
const (
	EventReportCreated   = "report.created"
	EventReportPublished = "report.published"
)

// ReportInput is the payload of ReportService.Create.
type ReportInput struct {
	Title     string `json:"title"`
	Summary   string `json:"summary"`
	Body      string `json:"body"`
	Published bool   `json:"published"`
}

// ReportService manages reports.
type ReportService struct {
	DB *gorm.DB

	// TitleMaxLen caps titles by rune length.
	TitleMaxLen int
	Now         func() time.Time
}

// NewReportService returns a ReportService with default limits.
func NewReportService(db *gorm.DB) *ReportService {
	return &ReportService{DB: db, TitleMaxLen: 255}
}

func (s *ReportService) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

// Create stores a report and its events.
func (s *ReportService) Create(ctx context.Context, tenantID string, in ReportInput) (*domain.Report, error) {
	ctx, span := otel.Tracer("services/ReportService").Start(ctx, "Create",
		trace.WithAttributes(
			attribute.String("tenant.id", tenantID),
			attribute.Bool("report.published", in.Published),
		),
	)
	defer span.End()

	title := normalizeTitle(in.Title)
	if title == "" {
		return nil, ErrEmptyTitle
	}
	if s.TitleMaxLen > 0 && utf8.RuneCountInString(title) > s.TitleMaxLen {
		return nil, ErrTitleTooLong
	}

	now := s.now()
	r := &domain.Report{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		Title:     title,
		Summary:   strings.TrimSpace(in.Summary),
		Body:      in.Body,
		Published: in.Published,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := repo.CreateReport(ctx, tx, r); err != nil {
			return fmt.Errorf("create report: %w", err)
		}
		payload := map[string]any{"reportId": r.ID, "tenantId": tenantID, "title": r.Title}
		if _, err := repo.AppendOutbox(ctx, tx, tenantID, EventReportCreated, payload); err != nil {
			return err
		}
		if r.Published {
			if _, err := repo.AppendOutbox(ctx, tx, tenantID, EventReportPublished, payload); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

// ListPage returns a page of a tenant's reports and the total count.
func (s *ReportService) ListPage(ctx context.Context, tenantID string, page, pageSize int) ([]domain.Report, int64, error) {
	page, pageSize = utils.ClampPage(page, pageSize, 20, 100)

	total, err := repo.CountReports(ctx, s.DB, tenantID)
	if err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []domain.Report{}, 0, nil
	}
	items, err := repo.ListReportsPage(ctx, s.DB, tenantID, (page-1)*pageSize, pageSize)
	return items, total, err
}

// Get returns one of the tenant's reports.
func (s *ReportService) Get(ctx context.Context, tenantID, id string) (*domain.Report, error) {
	r, err := repo.GetReport(ctx, s.DB, tenantID, id)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrReportNotFound
	}
	return r, err
}

// normalizeTitle trims whitespace and collapses runs of it to one space.
func normalizeTitle(s string) string {
	return whitespaceRE.ReplaceAllString(strings.TrimSpace(s), " ")
}

var whitespaceRE = regexp.MustCompile(`\s+`)
