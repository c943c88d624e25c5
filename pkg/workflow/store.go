package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/forgepg/forge/pkg/db"
)

// Store persists runs, steps, and events. All mutations that touch both the
// journal and a step row happen in one transaction so a crash never leaves
// the two out of sync.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a store over the shared pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const runColumns = `id, workflow_name, version, input, output, status, current_step,
	step_results, started_at, completed_at, error, wake_at, waiting_for_event,
	event_timeout_at, suspended_at, trace_id`

// CreateRun persists a new run in status running and returns its id.
func (s *Store) CreateRun(ctx context.Context, name string, version int, input json.RawMessage, traceID *string) (uuid.UUID, error) {
	id := uuid.New()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO workflow_runs (id, workflow_name, version, input, status, trace_id)
		VALUES ($1, $2, $3, $4, 'running', $5)`,
		id, name, version, input, traceID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("workflow: create run: %w", err)
	}
	return id, nil
}

// GetRun returns a run by id.
func (s *Store) GetRun(ctx context.Context, id uuid.UUID) (*Run, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM workflow_runs WHERE id = $1`, id)
	run, err := scanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("workflow: get run: %w", err)
	}
	return run, nil
}

// GetSteps returns the step rows of a run in start order.
func (s *Store) GetSteps(ctx context.Context, runID uuid.UUID) ([]StepRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, run_id, name, status, result, error, started_at, completed_at
		FROM workflow_steps WHERE run_id = $1
		ORDER BY started_at NULLS LAST, name`, runID)
	if err != nil {
		return nil, fmt.Errorf("workflow: get steps: %w", err)
	}
	defer rows.Close()

	var steps []StepRecord
	for rows.Next() {
		var st StepRecord
		if err := rows.Scan(&st.ID, &st.RunID, &st.Name, &st.Status, &st.Result,
			&st.Error, &st.StartedAt, &st.CompletedAt); err != nil {
			return nil, fmt.Errorf("workflow: scan step: %w", err)
		}
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

// RecordStep journals a completed step: the step row and the run's
// step_results entry are written atomically. A step that is already
// completed is left untouched; its result is immutable.
func (s *Store) RecordStep(ctx context.Context, runID uuid.UUID, name string, startedAt time.Time, result json.RawMessage) error {
	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO workflow_steps (run_id, name, status, result, started_at, completed_at)
			VALUES ($1, $2, 'completed', $3, $4, now())
			ON CONFLICT (run_id, name) DO UPDATE
			SET status = 'completed', result = EXCLUDED.result, completed_at = now()
			WHERE workflow_steps.status <> 'completed'`,
			runID, name, result, startedAt); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `
			UPDATE workflow_runs
			SET step_results = step_results || jsonb_build_object($2::text, coalesce($3::jsonb, 'null'::jsonb)),
			    current_step = $2
			WHERE id = $1`, runID, name, result)
		return err
	})
	if err != nil {
		return fmt.Errorf("workflow: record step %q: %w", name, err)
	}
	return nil
}

// RecordStepFailure marks a step row failed without journaling a result.
func (s *Store) RecordStepFailure(ctx context.Context, runID uuid.UUID, name string, startedAt time.Time, stepErr string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO workflow_steps (run_id, name, status, error, started_at, completed_at)
		VALUES ($1, $2, 'failed', $3, $4, now())
		ON CONFLICT (run_id, name) DO UPDATE
		SET status = 'failed', error = EXCLUDED.error, completed_at = now()
		WHERE workflow_steps.status <> 'completed'`,
		runID, name, stepErr, startedAt)
	if err != nil {
		return fmt.Errorf("workflow: record step failure %q: %w", name, err)
	}
	return nil
}

// SuspendForSleep parks the run until wakeAt. The marker names the journal
// entry the scheduler fills when the timer fires.
func (s *Store) SuspendForSleep(ctx context.Context, runID uuid.UUID, marker string, wakeAt time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE workflow_runs
		SET status = 'waiting', wake_at = $2, current_step = $3,
		    waiting_for_event = NULL, event_timeout_at = NULL, suspended_at = now()
		WHERE id = $1`, runID, wakeAt, marker)
	if err != nil {
		return fmt.Errorf("workflow: suspend for sleep: %w", err)
	}
	return nil
}

// SuspendForEvent parks the run until an event named eventName arrives for
// it or timeoutAt passes, whichever comes first.
func (s *Store) SuspendForEvent(ctx context.Context, runID uuid.UUID, marker, eventName string, timeoutAt time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE workflow_runs
		SET status = 'waiting', waiting_for_event = $2, event_timeout_at = $3,
		    current_step = $4, wake_at = NULL, suspended_at = now()
		WHERE id = $1`, runID, eventName, timeoutAt, marker)
	if err != nil {
		return fmt.Errorf("workflow: suspend for event: %w", err)
	}
	return nil
}

// CompleteRun finishes the run with its output.
func (s *Store) CompleteRun(ctx context.Context, runID uuid.UUID, output json.RawMessage) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE workflow_runs
		SET status = 'completed', output = $2, completed_at = now(), current_step = NULL
		WHERE id = $1`, runID, output)
	if err != nil {
		return fmt.Errorf("workflow: complete run: %w", err)
	}
	return nil
}

// FailRun records the failure error. The executor moves the run on to
// compensation afterwards; a run with nothing to compensate stays failed.
func (s *Store) FailRun(ctx context.Context, runID uuid.UUID, runErr string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE workflow_runs
		SET status = 'failed', error = $2, completed_at = now()
		WHERE id = $1`, runID, runErr)
	if err != nil {
		return fmt.Errorf("workflow: fail run: %w", err)
	}
	return nil
}

// SetStatus moves the run to the given status without touching other fields.
func (s *Store) SetStatus(ctx context.Context, runID uuid.UUID, status Status) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE workflow_runs SET status = $2 WHERE id = $1`, runID, string(status))
	if err != nil {
		return fmt.Errorf("workflow: set status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkStepCompensated flips a completed step to compensated.
func (s *Store) MarkStepCompensated(ctx context.Context, runID uuid.UUID, name string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE workflow_steps SET status = 'compensated'
		WHERE run_id = $1 AND name = $2 AND status = 'completed'`, runID, name)
	if err != nil {
		return fmt.Errorf("workflow: mark step compensated: %w", err)
	}
	return nil
}

// PostEvent delivers an event addressed to runID. The scheduler matches it
// against a waiting run; at most one await consumes it.
func (s *Store) PostEvent(ctx context.Context, runID uuid.UUID, eventName string, payload json.RawMessage) (uuid.UUID, error) {
	id := uuid.New()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO workflow_events (id, correlation_id, event_name, payload)
		VALUES ($1, $2, $3, $4)`, id, runID, eventName, payload)
	if err != nil {
		return uuid.Nil, fmt.Errorf("workflow: post event: %w", err)
	}
	return id, nil
}

// WakeDue claims up to limit waiting runs whose timer or event timeout has
// passed, journals the wake value under the suspension marker, and flips
// them to running. Returns the ids of the woken runs.
func (s *Store) WakeDue(ctx context.Context, limit int) ([]uuid.UUID, error) {
	type due struct {
		id       uuid.UUID
		marker   *string
		eventful bool
	}

	var woken []uuid.UUID
	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT id, current_step, waiting_for_event IS NOT NULL
			FROM workflow_runs
			WHERE status = 'waiting' AND (wake_at <= now() OR event_timeout_at <= now())
			ORDER BY coalesce(wake_at, event_timeout_at)
			LIMIT $1
			FOR UPDATE SKIP LOCKED`, limit)
		if err != nil {
			return err
		}
		var claimed []due
		for rows.Next() {
			var d due
			if err := rows.Scan(&d.id, &d.marker, &d.eventful); err != nil {
				rows.Close()
				return err
			}
			claimed = append(claimed, d)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, d := range claimed {
			value := `true`
			if d.eventful {
				value = timeoutWake
			}
			marker := ""
			if d.marker != nil {
				marker = *d.marker
			}
			if _, err := tx.Exec(ctx, `
				UPDATE workflow_runs
				SET status = 'running',
				    step_results = step_results || jsonb_build_object($2::text, $3::jsonb),
				    wake_at = NULL, waiting_for_event = NULL, event_timeout_at = NULL,
				    suspended_at = NULL, current_step = NULL
				WHERE id = $1`, d.id, marker, value); err != nil {
				return err
			}
			woken = append(woken, d.id)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("workflow: wake due runs: %w", err)
	}
	return woken, nil
}

// WakeEventReady claims up to limit waiting runs that have a matching
// unconsumed event, consumes the oldest such event, journals its payload
// under the suspension marker, and flips the runs to running.
func (s *Store) WakeEventReady(ctx context.Context, limit int) ([]uuid.UUID, error) {
	type match struct {
		runID   uuid.UUID
		marker  *string
		eventID uuid.UUID
		payload json.RawMessage
	}

	var woken []uuid.UUID
	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT r.id, r.current_step, e.id, e.payload
			FROM workflow_runs r
			JOIN LATERAL (
				SELECT id, payload FROM workflow_events
				WHERE correlation_id = r.id
				  AND event_name = r.waiting_for_event
				  AND consumed_at IS NULL
				ORDER BY delivered_at
				LIMIT 1
			) e ON true
			WHERE r.status = 'waiting' AND r.waiting_for_event IS NOT NULL
			LIMIT $1
			FOR UPDATE OF r SKIP LOCKED`, limit)
		if err != nil {
			return err
		}
		var matches []match
		for rows.Next() {
			var m match
			if err := rows.Scan(&m.runID, &m.marker, &m.eventID, &m.payload); err != nil {
				rows.Close()
				return err
			}
			matches = append(matches, m)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, m := range matches {
			if _, err := tx.Exec(ctx,
				`UPDATE workflow_events SET consumed_at = now() WHERE id = $1`, m.eventID); err != nil {
				return err
			}
			marker := ""
			if m.marker != nil {
				marker = *m.marker
			}
			if _, err := tx.Exec(ctx, `
				UPDATE workflow_runs
				SET status = 'running',
				    step_results = step_results || jsonb_build_object($2::text,
				        jsonb_build_object('payload', coalesce($3::jsonb, 'null'::jsonb))),
				    wake_at = NULL, waiting_for_event = NULL, event_timeout_at = NULL,
				    suspended_at = NULL, current_step = NULL
				WHERE id = $1`, m.runID, marker, m.payload); err != nil {
				return err
			}
			woken = append(woken, m.runID)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("workflow: wake event-ready runs: %w", err)
	}
	return woken, nil
}

func scanRun(row pgx.Row) (*Run, error) {
	var r Run
	err := row.Scan(&r.ID, &r.WorkflowName, &r.Version, &r.Input, &r.Output, &r.Status,
		&r.CurrentStep, &r.StepResults, &r.StartedAt, &r.CompletedAt, &r.Error,
		&r.WakeAt, &r.WaitingForEvent, &r.EventTimeoutAt, &r.SuspendedAt, &r.TraceID)
	if err != nil {
		return nil, err
	}
	if r.StepResults == nil {
		r.StepResults = make(map[string]json.RawMessage)
	}
	return &r, nil
}
