package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/go-dispatch-backend/internal/apperr"
	"github.com/tbourn/go-dispatch-backend/internal/domain"
	"github.com/tbourn/go-dispatch-backend/internal/provider"
	"github.com/tbourn/go-dispatch-backend/internal/queue"
	"github.com/tbourn/go-dispatch-backend/internal/repo"
)

// JobKindAutomationRun is the queue kind that starts a run at the provider.
const JobKindAutomationRun = "automation.run"

// EventRunQueued is emitted when a run is accepted.
const EventRunQueued = "automation.run.queued"

type runJobData struct {
	RunID string `json:"runId"`
}

// AutomationService accepts automation triggers. The run, its dispatch job
// and the queued event are written in one transaction.
type AutomationService struct {
	DB     *gorm.DB
	Ledger *Ledger
	Jobs   queue.JobOptions
}

// NewAutomationService wires the service.
func NewAutomationService(db *gorm.DB, ledger *Ledger, jobs queue.JobOptions) *AutomationService {
	return &AutomationService{DB: db, Ledger: ledger, Jobs: jobs}
}

// Trigger creates a QUEUED run for tenantID and schedules its dispatch.
func (s *AutomationService) Trigger(ctx context.Context, tenantID string, input json.RawMessage) (*domain.AutomationRun, error) {
	ctx, span := otel.Tracer("services/AutomationService").Start(ctx, "Trigger",
		trace.WithAttributes(attribute.String("tenant.id", tenantID)),
	)
	defer span.End()

	var run *domain.AutomationRun
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		run, err = s.Ledger.CreateRunTx(ctx, tx, tenantID, input)
		if err != nil {
			return err
		}
		job, err := queue.NewJob(JobKindAutomationRun, run.ID, tenantID, runJobData{RunID: run.ID}, s.Jobs)
		if err != nil {
			return err
		}
		if err := repo.InsertJob(ctx, tx, job); err != nil {
			return fmt.Errorf("enqueue run: %w", err)
		}
		_, err = repo.AppendOutbox(ctx, tx, tenantID, EventRunQueued, map[string]any{
			"runId":         run.ID,
			"correlationId": run.CorrelationID,
			"tenantId":      tenantID,
			"status":        run.Status,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("run.id", run.ID))
	return run, nil
}

// Get returns a tenant's run.
func (s *AutomationService) Get(ctx context.Context, tenantID, id string) (*domain.AutomationRun, error) {
	return s.Ledger.Get(ctx, tenantID, id)
}

// RunStarter starts a run at the provider.
type RunStarter interface {
	StartRun(ctx context.Context, req provider.RunRequest) (provider.RunResponse, error)
}

// AutomationProcessor is the queue handler for JobKindAutomationRun.
type AutomationProcessor struct {
	Ledger      *Ledger
	Provider    RunStarter
	DeadLetters *DeadLetterService
	Log         zerolog.Logger
}

// NewAutomationProcessor fails with a configuration error when no provider
// is configured; a worker without one would only burn attempts.
func NewAutomationProcessor(ledger *Ledger, p RunStarter, dlq *DeadLetterService, log zerolog.Logger) (*AutomationProcessor, error) {
	if p == nil {
		return nil, ErrProviderMissing
	}
	return &AutomationProcessor{Ledger: ledger, Provider: p, DeadLetters: dlq, Log: log}, nil
}

// Handle implements queue.Handler.
func (p *AutomationProcessor) Handle(ctx context.Context, job domain.Job) error {
	ctx, span := otel.Tracer("services/AutomationProcessor").Start(ctx, "Handle",
		trace.WithAttributes(
			attribute.String("job.id", job.ID),
			attribute.String("run.id", job.RefID),
			attribute.Int("job.attempt", job.AttemptsMade),
		),
	)
	defer span.End()

	run, err := p.Ledger.GetByID(ctx, job.RefID)
	if err != nil {
		if errors.Is(err, ErrRunNotFound) {
			return err
		}
		return queue.Retryable(fmt.Errorf("load run: %w", err))
	}
	if run.Status.Terminal() {
		return nil
	}
	ref := RunRef{TenantID: run.TenantID, CorrelationID: run.CorrelationID}

	if run.Status == domain.RunQueued {
		if _, err := p.Ledger.UpdateStatus(ctx, ref, domain.RunRunning, RunPatch{}); err != nil {
			return queue.Retryable(fmt.Errorf("mark running: %w", err))
		}
	}

	resp, err := p.Provider.StartRun(ctx, provider.RunRequest{
		RunID:         run.ID,
		CorrelationID: run.CorrelationID,
		TenantID:      run.TenantID,
		Input:         json.RawMessage(run.Input),
	})
	if err != nil {
		if apperr.IsRetryable(err) {
			return queue.Retryable(err)
		}
		p.fail(ctx, job, run, ref, err)
		return err
	}

	next := MapCallbackStatus(resp.Status)
	if _, err := p.Ledger.UpdateStatus(ctx, ref, next, RunPatch{ProviderRunID: resp.ProviderRunID}); err != nil {
		return queue.Retryable(fmt.Errorf("record provider ack: %w", err))
	}
	return nil
}

func (p *AutomationProcessor) fail(ctx context.Context, job domain.Job, run *domain.AutomationRun, ref RunRef, cause error) {
	logger := p.Log.With().Str("job_id", job.ID).Str("run_id", run.ID).Str("tenant_id", run.TenantID).Logger()
	if _, err := p.Ledger.UpdateStatus(ctx, ref, domain.RunFailed, RunPatch{Error: cause.Error()}); err != nil {
		logger.Error().Err(err).Msg("mark run failed")
	}
	if p.DeadLetters == nil {
		return
	}
	if err := p.DeadLetters.Push(ctx, &domain.DeadLetter{
		Source:   domain.DeadLetterDispatch,
		RefID:    job.ID,
		TenantID: run.TenantID,
		Type:     job.Kind,
		Payload:  job.Data,
		Reason:   cause.Error(),
		Attempts: job.AttemptsMade,
	}); err != nil {
		logger.Error().Err(err).Msg("push dispatch dead letter")
	}
}

// OnExhausted is the queue.ExhaustedHook for JobKindAutomationRun.
func (p *AutomationProcessor) OnExhausted(ctx context.Context, job domain.Job, cause error) error {
	run, err := p.Ledger.GetByID(ctx, job.RefID)
	if err != nil {
		return err
	}
	ref := RunRef{TenantID: run.TenantID, CorrelationID: run.CorrelationID}
	msg := "dispatch attempts exhausted"
	if cause != nil {
		msg += ": " + cause.Error()
	}
	// DEAD_LETTER is only reachable from FAILED.
	if _, err := p.Ledger.UpdateStatus(ctx, ref, domain.RunFailed, RunPatch{Error: msg}); err != nil {
		return err
	}
	_, err = p.Ledger.UpdateStatus(ctx, ref, domain.RunDeadLetter, RunPatch{Error: msg})
	return err
}
