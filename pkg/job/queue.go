package job

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const jobColumns = `id, type, input, output, status, priority, attempts, max_attempts,
	last_error, required_capability, worker_id, idempotency_key,
	scheduled_at, created_at, claimed_at, started_at, completed_at, failed_at,
	last_heartbeat, progress_percent, progress_message`

// Queue is the persistence layer of the job engine. All methods are safe for
// concurrent use from any number of nodes.
type Queue struct {
	pool *pgxpool.Pool
}

// NewQueue creates a queue over the shared pool.
func NewQueue(pool *pgxpool.Pool) *Queue {
	return &Queue{pool: pool}
}

// EnqueueOption configures a single enqueue.
type EnqueueOption func(*enqueueParams)

type enqueueParams struct {
	priority           int
	maxAttempts        int
	requiredCapability *string
	scheduledAt        time.Time
	idempotencyKey     *string
}

// WithPriority sets the job priority; higher runs first.
func WithPriority(p int) EnqueueOption {
	return func(e *enqueueParams) { e.priority = p }
}

// WithMaxAttempts sets the attempt budget.
func WithMaxAttempts(n int) EnqueueOption {
	return func(e *enqueueParams) {
		if n > 0 {
			e.maxAttempts = n
		}
	}
}

// WithCapability routes the job to workers advertising the capability.
func WithCapability(capability string) EnqueueOption {
	return func(e *enqueueParams) { e.requiredCapability = &capability }
}

// ScheduledAt defers the job until a specific time.
func ScheduledAt(t time.Time) EnqueueOption {
	return func(e *enqueueParams) { e.scheduledAt = t }
}

// ScheduledIn defers the job by a duration.
func ScheduledIn(d time.Duration) EnqueueOption {
	return func(e *enqueueParams) { e.scheduledAt = time.Now().Add(d) }
}

// WithIdempotencyKey deduplicates against any non-terminal job carrying the
// same key: enqueue returns the existing job's id instead of inserting.
func WithIdempotencyKey(key string) EnqueueOption {
	return func(e *enqueueParams) { e.idempotencyKey = &key }
}

// Enqueue inserts a pending job and returns its id. input is marshalled to
// JSON; pass json.RawMessage to insert pre-encoded payloads untouched.
func (q *Queue) Enqueue(ctx context.Context, jobType string, input any, opts ...EnqueueOption) (uuid.UUID, error) {
	params := enqueueParams{maxAttempts: 3, scheduledAt: time.Now()}
	for _, opt := range opts {
		opt(&params)
	}

	payload, err := json.Marshal(input)
	if err != nil {
		return uuid.Nil, errors.Join(ErrInvalidPayload, err)
	}

	var id uuid.UUID
	err = q.pool.QueryRow(ctx, `
		INSERT INTO jobs (type, input, priority, max_attempts, required_capability, scheduled_at, idempotency_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (idempotency_key) WHERE idempotency_key IS NOT NULL AND status NOT IN ('completed', 'dead_letter')
		DO NOTHING
		RETURNING id`,
		jobType, payload, params.priority, params.maxAttempts,
		params.requiredCapability, params.scheduledAt, params.idempotencyKey,
	).Scan(&id)

	if err == nil {
		return id, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, err
	}

	// Conflict on the idempotency key: return the live job's id.
	err = q.pool.QueryRow(ctx, `
		SELECT id FROM jobs
		WHERE idempotency_key = $1 AND status NOT IN ('completed', 'dead_letter')`,
		params.idempotencyKey,
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		// The holder completed between our insert and lookup; retry once.
		return q.Enqueue(ctx, jobType, input, opts...)
	}
	return id, err
}

// Claim atomically claims up to limit due jobs for a worker. SKIP LOCKED
// guarantees no two workers claim the same row; the attempts bump rides in
// the same statement so a claim and its attempt count can never diverge.
func (q *Queue) Claim(ctx context.Context, workerID uuid.UUID, capabilities []string, limit int) ([]*Job, error) {
	if limit <= 0 {
		return nil, nil
	}
	if capabilities == nil {
		capabilities = []string{}
	}

	rows, err := q.pool.Query(ctx, `
		WITH due AS (
			SELECT id FROM jobs
			WHERE status = 'pending'
			  AND scheduled_at <= now()
			  AND (required_capability IS NULL OR required_capability = ANY($2))
			ORDER BY priority DESC, scheduled_at ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		UPDATE jobs j SET
			status = 'claimed',
			worker_id = $1,
			claimed_at = now(),
			last_heartbeat = now(),
			attempts = j.attempts + 1
		FROM due
		WHERE j.id = due.id
		RETURNING j.id, j.type, j.input, j.output, j.status, j.priority, j.attempts,
			j.max_attempts, j.last_error, j.required_capability, j.worker_id,
			j.idempotency_key, j.scheduled_at, j.created_at, j.claimed_at,
			j.started_at, j.completed_at, j.failed_at, j.last_heartbeat,
			j.progress_percent, j.progress_message`,
		workerID, capabilities, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// MarkRunning transitions a claimed job to running.
func (q *Queue) MarkRunning(ctx context.Context, id uuid.UUID) error {
	return q.transition(ctx, `
		UPDATE jobs SET status = 'running', started_at = now()
		WHERE id = $1 AND status = 'claimed'`, id)
}

// Complete finishes a job successfully. Terminal; the row never mutates
// again.
func (q *Queue) Complete(ctx context.Context, id uuid.UUID, output json.RawMessage) error {
	tag, err := q.pool.Exec(ctx, `
		UPDATE jobs SET status = 'completed', output = $2, completed_at = now(),
			progress_percent = 100
		WHERE id = $1 AND status = 'running'`, id, output)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrInvalidState
	}
	return nil
}

// Retry returns a failed job to pending with a backoff delay. The attempt
// count is preserved; the next claim bumps it.
func (q *Queue) Retry(ctx context.Context, id uuid.UUID, jobErr string, delay time.Duration) error {
	return q.transition(ctx, `
		UPDATE jobs SET status = 'pending',
			last_error = $2,
			failed_at = now(),
			scheduled_at = now() + make_interval(secs => $3),
			worker_id = NULL,
			claimed_at = NULL
		WHERE id = $1 AND status IN ('claimed', 'running')`, id, jobErr, delay.Seconds())
}

// DeadLetter moves a job whose attempt budget is exhausted to the dead
// letter state. Terminal.
func (q *Queue) DeadLetter(ctx context.Context, id uuid.UUID, jobErr string) error {
	return q.transition(ctx, `
		UPDATE jobs SET status = 'dead_letter', last_error = $2, failed_at = now(),
			worker_id = NULL
		WHERE id = $1 AND status IN ('claimed', 'running')`, id, jobErr)
}

// Heartbeat proves the worker is still alive on a long-running job.
func (q *Queue) Heartbeat(ctx context.Context, id uuid.UUID) error {
	_, err := q.pool.Exec(ctx, `
		UPDATE jobs SET last_heartbeat = now()
		WHERE id = $1 AND status IN ('claimed', 'running')`, id)
	return err
}

// SetProgress writes handler-reported progress through to the row, where job
// subscriptions pick it up.
func (q *Queue) SetProgress(ctx context.Context, id uuid.UUID, percent int, message string) error {
	percent = min(max(percent, 0), 100)
	_, err := q.pool.Exec(ctx, `
		UPDATE jobs SET progress_percent = $2, progress_message = $3, last_heartbeat = now()
		WHERE id = $1 AND status = 'running'`, id, percent, message)
	return err
}

// RecoverStale returns claimed or running jobs whose claim is older than
// threshold to pending. Attempts are preserved; this is the recovery path
// when a worker dies mid-job.
func (q *Queue) RecoverStale(ctx context.Context, threshold time.Duration) (int64, error) {
	tag, err := q.pool.Exec(ctx, `
		UPDATE jobs SET status = 'pending', worker_id = NULL, claimed_at = NULL,
			last_error = COALESCE(last_error, 'worker lost')
		WHERE status IN ('claimed', 'running')
		  AND claimed_at < now() - make_interval(secs => $1)`, threshold.Seconds())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// Get loads a job by id.
func (q *Queue) Get(ctx context.Context, id uuid.UUID) (*Job, error) {
	row := q.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	j, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return j, err
}

// CountByStatus returns the number of jobs per status, for health checks and
// load stats.
func (q *Queue) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := q.pool.Query(ctx, `SELECT status, count(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[Status]int)
	for rows.Next() {
		var (
			s string
			n int
		)
		if err := rows.Scan(&s, &n); err != nil {
			return nil, err
		}
		counts[Status(s)] = n
	}
	return counts, rows.Err()
}

func (q *Queue) transition(ctx context.Context, sql string, args ...any) error {
	tag, err := q.pool.Exec(ctx, sql, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrInvalidState
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		j      Job
		status string
	)
	if err := row.Scan(
		&j.ID, &j.Type, &j.Input, &j.Output, &status, &j.Priority,
		&j.Attempts, &j.MaxAttempts, &j.LastError, &j.RequiredCapability,
		&j.WorkerID, &j.IdempotencyKey, &j.ScheduledAt, &j.CreatedAt,
		&j.ClaimedAt, &j.StartedAt, &j.CompletedAt, &j.FailedAt,
		&j.LastHeartbeat, &j.ProgressPercent, &j.ProgressMessage,
	); err != nil {
		return nil, err
	}
	j.Status = Status(status)
	return &j, nil
}
