package internal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/forgepg/forge/pkg/job"
	"github.com/forgepg/forge/pkg/workflow"
)

// entityFetcher serves the reactor's direct job/workflow subscription
// paths with wire-shaped snapshots.
type entityFetcher struct {
	pool    *pgxpool.Pool
	queue   *job.Queue
	wfStore *workflow.Store
}

func newEntityFetcher(pool *pgxpool.Pool, queue *job.Queue, wfStore *workflow.Store) *entityFetcher {
	return &entityFetcher{pool: pool, queue: queue, wfStore: wfStore}
}

type jobSnapshot struct {
	ID              uuid.UUID       `json:"id"`
	Type            string          `json:"type"`
	Status          job.Status      `json:"status"`
	Priority        int             `json:"priority"`
	Attempts        int             `json:"attempts"`
	MaxAttempts     int             `json:"max_attempts"`
	Output          json.RawMessage `json:"output,omitempty"`
	LastError       *string         `json:"last_error,omitempty"`
	ProgressPercent *int            `json:"progress_percent,omitempty"`
	ProgressMessage *string         `json:"progress_message,omitempty"`
	ScheduledAt     time.Time       `json:"scheduled_at"`
	CreatedAt       time.Time       `json:"created_at"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
}

func (f *entityFetcher) JobSnapshot(ctx context.Context, id uuid.UUID) ([]byte, error) {
	j, err := f.queue.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return json.Marshal(jobSnapshot{
		ID:              j.ID,
		Type:            j.Type,
		Status:          j.Status,
		Priority:        j.Priority,
		Attempts:        j.Attempts,
		MaxAttempts:     j.MaxAttempts,
		Output:          j.Output,
		LastError:       j.LastError,
		ProgressPercent: j.ProgressPercent,
		ProgressMessage: j.ProgressMessage,
		ScheduledAt:     j.ScheduledAt,
		CreatedAt:       j.CreatedAt,
		CompletedAt:     j.CompletedAt,
	})
}

type stepSnapshot struct {
	Name        string              `json:"name"`
	Status      workflow.StepStatus `json:"status"`
	Result      json.RawMessage     `json:"result,omitempty"`
	Error       *string             `json:"error,omitempty"`
	CompletedAt *time.Time          `json:"completed_at,omitempty"`
}

type runSnapshot struct {
	ID           uuid.UUID       `json:"id"`
	WorkflowName string          `json:"workflow_name"`
	Version      int             `json:"version"`
	Status       workflow.Status `json:"status"`
	CurrentStep  *string         `json:"current_step,omitempty"`
	Output       json.RawMessage `json:"output,omitempty"`
	Error        *string         `json:"error,omitempty"`
	StartedAt    time.Time       `json:"started_at"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	Steps        []stepSnapshot  `json:"steps,omitempty"`
}

func (f *entityFetcher) RunSnapshot(ctx context.Context, id uuid.UUID) ([]byte, error) {
	run, err := f.wfStore.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}
	steps, err := f.wfStore.GetSteps(ctx, id)
	if err != nil {
		return nil, err
	}

	snap := runSnapshot{
		ID:           run.ID,
		WorkflowName: run.WorkflowName,
		Version:      run.Version,
		Status:       run.Status,
		CurrentStep:  run.CurrentStep,
		Output:       run.Output,
		Error:        run.Error,
		StartedAt:    run.StartedAt,
		CompletedAt:  run.CompletedAt,
	}
	for _, st := range steps {
		snap.Steps = append(snap.Steps, stepSnapshot{
			Name:        st.Name,
			Status:      st.Status,
			Result:      st.Result,
			Error:       st.Error,
			CompletedAt: st.CompletedAt,
		})
	}
	return json.Marshal(snap)
}

func (f *entityFetcher) StepRunID(ctx context.Context, stepID uuid.UUID) (uuid.UUID, error) {
	var runID uuid.UUID
	err := f.pool.QueryRow(ctx,
		`SELECT run_id FROM workflow_steps WHERE id = $1`, stepID).Scan(&runID)
	if errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, workflow.ErrNotFound
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("forge: dereference step: %w", err)
	}
	return runID, nil
}
