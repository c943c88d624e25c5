package job

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Status is the job lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusClaimed    Status = "claimed"
	StatusRunning    Status = "running"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusDeadLetter Status = "dead_letter"
)

// Terminal reports whether the status is final. Terminal rows never mutate
// again outside administrative cleanup.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusDeadLetter
}

// Job is one row of the jobs table.
type Job struct {
	ID                 uuid.UUID       `json:"id"`
	Type               string          `json:"type"`
	Input              json.RawMessage `json:"input,omitempty"`
	Output             json.RawMessage `json:"output,omitempty"`
	Status             Status          `json:"status"`
	Priority           int             `json:"priority"`
	Attempts           int             `json:"attempts"`
	MaxAttempts        int             `json:"max_attempts"`
	LastError          *string         `json:"last_error,omitempty"`
	RequiredCapability *string         `json:"required_capability,omitempty"`
	WorkerID           *uuid.UUID      `json:"worker_id,omitempty"`
	IdempotencyKey     *string         `json:"idempotency_key,omitempty"`
	ScheduledAt        time.Time       `json:"scheduled_at"`
	CreatedAt          time.Time       `json:"created_at"`
	ClaimedAt          *time.Time      `json:"claimed_at,omitempty"`
	StartedAt          *time.Time      `json:"started_at,omitempty"`
	CompletedAt        *time.Time      `json:"completed_at,omitempty"`
	FailedAt           *time.Time      `json:"failed_at,omitempty"`
	LastHeartbeat      *time.Time      `json:"last_heartbeat,omitempty"`
	ProgressPercent    *int            `json:"progress_percent,omitempty"`
	ProgressMessage    *string         `json:"progress_message,omitempty"`
}
