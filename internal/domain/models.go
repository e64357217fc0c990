// Package domain defines the persistence models for reports, automation runs,
// outbox events, dispatch jobs and dead letters. These types are mapped with
// GORM and form the core data layer of the dispatch service.
package domain

import "time"

// Report is the tenant-owned content entity behind the public CRUD API.
// Creating or publishing a report emits outbox events in the same
// transaction.
type Report struct {
	ID        string    `json:"id"         gorm:"type:varchar(36);primaryKey"`
	TenantID  string    `json:"tenant_id"  gorm:"type:varchar(64);not null;index:idx_tenant_reports,priority:1"`
	Title     string    `json:"title"      gorm:"type:varchar(255);not null"`
	Summary   string    `json:"summary"    gorm:"type:text"`
	Body      string    `json:"body"       gorm:"type:text"`
	Published bool      `json:"published"  gorm:"not null;default:false"`
	CreatedAt time.Time `json:"created_at" gorm:"index:idx_tenant_reports,priority:2"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName returns the database table name for Report.
func (Report) TableName() string { return "reports" }

// AutomationRun records one unit of work handed to the external automation
// provider. CorrelationID is generated by the service and is the only key a
// provider callback may use to find the run (ProviderRunID is the fallback).
//
// Input and Output hold raw JSON documents.
type AutomationRun struct {
	ID            string    `json:"id"             gorm:"type:varchar(36);primaryKey"`
	TenantID      string    `json:"tenant_id"      gorm:"type:varchar(64);not null;index"`
	CorrelationID string    `json:"correlation_id" gorm:"type:varchar(36);not null;uniqueIndex"`
	Status        RunStatus `json:"status"         gorm:"type:varchar(16);not null;index"`
	Input         string    `json:"-"              gorm:"type:text"`
	Output        string    `json:"-"              gorm:"type:text"`
	Error         string    `json:"error,omitempty" gorm:"type:text"`
	ProviderRunID string    `json:"provider_run_id,omitempty" gorm:"type:varchar(128);index"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// TableName returns the database table name for AutomationRun.
func (AutomationRun) TableName() string { return "automation_runs" }

// OutboxEvent is a domain event recorded alongside the business write that
// produced it. Only the relay mutates it after creation.
type OutboxEvent struct {
	ID           string       `json:"id"            gorm:"type:varchar(36);primaryKey"`
	TenantID     string       `json:"tenant_id"     gorm:"type:varchar(64);not null;index"`
	Type         string       `json:"type"          gorm:"type:varchar(128);not null"`
	Payload      string       `json:"payload"       gorm:"type:text;not null"`
	Status       OutboxStatus `json:"status"        gorm:"type:varchar(16);not null;index:idx_outbox_due,priority:1"`
	Attempts     int          `json:"attempts"      gorm:"not null;default:0"`
	NextRetryAt  *time.Time   `json:"next_retry_at,omitempty" gorm:"index:idx_outbox_due,priority:2"`
	LockedAt     *time.Time   `json:"locked_at,omitempty"`
	LastError    string       `json:"last_error,omitempty" gorm:"type:text"`
	DeliveryNote string       `json:"delivery_note,omitempty" gorm:"type:varchar(255)"`
	DeliveredAt  *time.Time   `json:"delivered_at,omitempty"`
	CreatedAt    time.Time    `json:"created_at"    gorm:"index"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// TableName returns the database table name for OutboxEvent.
func (OutboxEvent) TableName() string { return "outbox_events" }

// Job is a unit of dispatch work. MaxAttempts bounds how many times the queue
// will run it; AttemptsMade counts claims so far. The backoff policy travels
// with the job so that retries honour the settings in force at enqueue time.
type Job struct {
	ID            string     `json:"id"             gorm:"type:varchar(36);primaryKey"`
	Kind          string     `json:"kind"           gorm:"type:varchar(64);not null"`
	RefID         string     `json:"ref_id"         gorm:"type:varchar(36);not null;index"`
	TenantID      string     `json:"tenant_id"      gorm:"type:varchar(64);not null"`
	Data          string     `json:"data"           gorm:"type:text"`
	Status        JobStatus  `json:"status"         gorm:"type:varchar(16);not null;index:idx_jobs_due,priority:1"`
	MaxAttempts   int        `json:"max_attempts"   gorm:"not null"`
	AttemptsMade  int        `json:"attempts_made"  gorm:"not null;default:0"`
	BackoffBaseMs int64      `json:"backoff_base_ms" gorm:"not null"`
	BackoffCapMs  int64      `json:"backoff_cap_ms" gorm:"not null"`
	RunAt         time.Time  `json:"run_at"         gorm:"not null;index:idx_jobs_due,priority:2"`
	LockedAt      *time.Time `json:"locked_at,omitempty"`
	LastError     string     `json:"last_error,omitempty" gorm:"type:text"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// TableName returns the database table name for Job.
func (Job) TableName() string { return "dispatch_jobs" }

// DeadLetter is a copy of work that could not be completed, kept for
// inspection and manual replay. Source is DeadLetterOutbox or
// DeadLetterDispatch and RefID points at the originating event or job.
type DeadLetter struct {
	ID         string     `json:"id"          gorm:"type:varchar(36);primaryKey"`
	Source     string     `json:"source"      gorm:"type:varchar(16);not null;index:idx_dlq_source,priority:1"`
	RefID      string     `json:"ref_id"      gorm:"type:varchar(36);not null;index"`
	TenantID   string     `json:"tenant_id"   gorm:"type:varchar(64);not null"`
	Type       string     `json:"type"        gorm:"type:varchar(128)"`
	Payload    string     `json:"payload"     gorm:"type:text"`
	Reason     string     `json:"reason"      gorm:"type:text"`
	Attempts   int        `json:"attempts"`
	CreatedAt  time.Time  `json:"created_at"  gorm:"index:idx_dlq_source,priority:2"`
	ReplayedAt *time.Time `json:"replayed_at,omitempty"`
}

// TableName returns the database table name for DeadLetter.
func (DeadLetter) TableName() string { return "dead_letters" }

// WebhookNonce backs the SQL nonce cache used when Redis is not configured.
type WebhookNonce struct {
	TenantID  string    `gorm:"type:varchar(64);primaryKey"`
	Nonce     string    `gorm:"type:varchar(128);primaryKey"`
	ExpiresAt time.Time `gorm:"not null;index"`
}

// TableName returns the database table name for WebhookNonce.
func (WebhookNonce) TableName() string { return "webhook_nonces" }
