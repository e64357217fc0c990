package domain

import "strings"

// RunStatus is the lifecycle state of an AutomationRun.
type RunStatus string

const (
	RunQueued     RunStatus = "QUEUED"
	RunRunning    RunStatus = "RUNNING"
	RunSucceeded  RunStatus = "SUCCEEDED"
	RunFailed     RunStatus = "FAILED"
	RunDeadLetter RunStatus = "DEAD_LETTER"
)

// Rank orders run statuses: QUEUED < RUNNING < {SUCCEEDED, FAILED} < DEAD_LETTER.
// Unknown values rank -1.
func (s RunStatus) Rank() int {
	switch s {
	case RunQueued:
		return 0
	case RunRunning:
		return 1
	case RunSucceeded, RunFailed:
		return 2
	case RunDeadLetter:
		return 3
	default:
		return -1
	}
}

func (s RunStatus) Valid() bool { return s.Rank() >= 0 }

// Terminal reports whether no further provider work is expected for the run.
func (s RunStatus) Terminal() bool { return s.Rank() >= 2 }

// CanTransitionTo reports whether moving from s to next is allowed. Equal
// states are allowed so that late callbacks can merge output; otherwise the
// move must be strictly forward. SUCCEEDED and FAILED share a rank but never
// replace each other, and DEAD_LETTER is only entered from FAILED.
func (s RunStatus) CanTransitionTo(next RunStatus) bool {
	if !s.Valid() || !next.Valid() {
		return false
	}
	if s == next {
		return true
	}
	if next == RunDeadLetter {
		return s == RunFailed
	}
	if s == RunSucceeded {
		return false
	}
	return next.Rank() > s.Rank()
}

// Event returns the outbox event type emitted when a run enters s.
func (s RunStatus) Event() string {
	return "automation.run." + strings.ToLower(string(s))
}

// OutboxStatus is the delivery state of an OutboxEvent.
type OutboxStatus string

const (
	OutboxPending    OutboxStatus = "PENDING"
	OutboxProcessing OutboxStatus = "PROCESSING"
	OutboxDelivered  OutboxStatus = "DELIVERED"
	OutboxFailed     OutboxStatus = "FAILED"
	OutboxDeadLetter OutboxStatus = "DEAD_LETTER"
)

// IdempotencyStatus is the state of an IdempotencyRecord.
type IdempotencyStatus string

const (
	IdempotencyPending   IdempotencyStatus = "PENDING"
	IdempotencyCompleted IdempotencyStatus = "COMPLETED"
	IdempotencyExpired   IdempotencyStatus = "EXPIRED"
)

// JobStatus is the state of a dispatch Job.
type JobStatus string

const (
	JobQueued JobStatus = "QUEUED"
	JobActive JobStatus = "ACTIVE"
	JobDone   JobStatus = "DONE"
	JobFailed JobStatus = "FAILED"
	JobDead   JobStatus = "DEAD"
)

// Dead-letter sources.
const (
	DeadLetterOutbox   = "outbox"
	DeadLetterDispatch = "dispatch"
)
