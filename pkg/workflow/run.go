package workflow

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Status of a workflow run. Transitions are monotonic except the
// running/waiting oscillation while the run suspends and resumes.
type Status string

const (
	StatusCreated      Status = "created"
	StatusRunning      Status = "running"
	StatusWaiting      Status = "waiting"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusCompensating Status = "compensating"
	StatusCompensated  Status = "compensated"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCompensated
}

// Run is one execution of a workflow, journaled so any node can resume it.
// StepResults maps effect names to their recorded JSON values; a completed
// effect's entry is immutable.
type Run struct {
	ID              uuid.UUID
	WorkflowName    string
	Version         int
	Input           json.RawMessage
	Output          json.RawMessage
	Status          Status
	CurrentStep     *string
	StepResults     map[string]json.RawMessage
	StartedAt       time.Time
	CompletedAt     *time.Time
	Error           *string
	WakeAt          *time.Time
	WaitingForEvent *string
	EventTimeoutAt  *time.Time
	SuspendedAt     *time.Time
	TraceID         *string
}

// StepStatus of an individual step row.
type StepStatus string

const (
	StepPending     StepStatus = "pending"
	StepRunning     StepStatus = "running"
	StepCompleted   StepStatus = "completed"
	StepFailed      StepStatus = "failed"
	StepCompensated StepStatus = "compensated"
)

// StepRecord is the persisted record of one step execution within a run.
type StepRecord struct {
	ID          uuid.UUID
	RunID       uuid.UUID
	Name        string
	Status      StepStatus
	Result      json.RawMessage
	Error       *string
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// Event is an external signal addressed to a run by correlation id. Each
// event is consumed by at most one await.
type Event struct {
	ID            uuid.UUID
	CorrelationID uuid.UUID
	EventName     string
	Payload       json.RawMessage
	DeliveredAt   time.Time
	ConsumedAt    *time.Time
}

// eventWake is the journaled outcome of an event await. The envelope keeps
// a user payload, whatever its shape, from ever aliasing the timeout case.
type eventWake struct {
	Timeout bool            `json:"timeout"`
	Payload json.RawMessage `json:"payload"`
}

// timeoutWake is the journaled value of an await whose timeout fired before
// the event arrived.
const timeoutWake = `{"timeout":true}`
