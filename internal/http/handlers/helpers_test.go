package handlers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-dispatch-backend/internal/http/middleware"
	"github.com/tbourn/go-dispatch-backend/internal/queue"
	"github.com/tbourn/go-dispatch-backend/internal/repo"
	"github.com/tbourn/go-dispatch-backend/internal/services"
)

const testSecret = "s3cret"

func newHandlerDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:handlers_%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(1)
		t.Cleanup(func() { _ = sqlDB.Close() })
	}
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

type testEnv struct {
	db *gorm.DB
	h  *Handlers
	r  *gin.Engine
}

// newTestEnv wires real services over a fresh database. reports may replace
// the report service.
func newTestEnv(t *testing.T, reports ReportService) *testEnv {
	t.Helper()
	db := newHandlerDB(t)
	ledger := services.NewLedger(db)
	if reports == nil {
		reports = services.NewReportService(db)
	}
	h := New(
		reports,
		services.NewAutomationService(db, ledger, queue.JobOptions{MaxAttempts: 3}),
		services.NewWebhookVerifier(testSecret, 0, repo.NonceStore{DB: db}, ledger),
		services.NewDeadLetterService(db),
		services.NewIdempotencyRegistry(repo.IdempotencyStore{DB: db}, 0),
	)
	return &testEnv{db: db, h: h, r: testRouter(h)}
}

func testRouter(h *Handlers) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(middleware.RequestID())

	r.POST("/webhooks/automation", h.AutomationWebhook)

	write := middleware.IdempotencyValidator(middleware.IdempotencyOptions{Required: true})
	t := r.Group("", middleware.RequireTenant())
	t.POST("/reports", write, h.CreateReport)
	t.GET("/reports", h.ListReports)
	t.GET("/reports/:id", h.GetReport)
	t.POST("/automations/runs", write, h.TriggerRun)
	t.GET("/automations/runs/:id", h.GetRun)
	t.GET("/dead-letters", h.ListDeadLetters)
	t.POST("/dead-letters/:id/replay", write, h.ReplayDeadLetter)
	return r
}

func (e *testEnv) do(method, path, tenant, key string, body []byte, hdr map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if tenant != "" {
		req.Header.Set(middleware.HeaderTenantID, tenant)
	}
	if key != "" {
		req.Header.Set(middleware.HeaderIdempotencyKey, key)
	}
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	e.r.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return v
}

func expectError(t *testing.T, w *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	if w.Code != status {
		t.Fatalf("status=%d want %d body=%s", w.Code, status, w.Body.String())
	}
	if got := decode[ErrorResponse](t, w); got.Code != code {
		t.Fatalf("code=%q want %q", got.Code, code)
	}
}

func countRows(t *testing.T, db *gorm.DB, model any) int64 {
	t.Helper()
	var n int64
	if err := db.Model(model).Count(&n).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	return n
}

