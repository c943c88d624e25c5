package cron

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/forgepg/forge/pkg/logger"
)

const defaultPollInterval = time.Second

// Leadership gates the tick loop to the scheduler leader.
type Leadership interface {
	IsLeader() bool
}

// Scheduler drives registered crons. It ticks on every node but acts only
// while holding scheduler leadership; the cron_runs unique constraint backs
// it up when leadership overlaps during failover.
type Scheduler struct {
	pool         *pgxpool.Pool
	registry     *Registry
	leader       Leadership
	nodeID       uuid.UUID
	pollInterval time.Duration
	logger       *slog.Logger

	// next due instant per cron, computed lazily on first leading tick and
	// reset when leadership is lost so a new leader recomputes from now.
	mu      sync.Mutex
	nextDue map[string]time.Time
	wasLead bool

	wg sync.WaitGroup
}

// SchedulerOption configures the scheduler.
type SchedulerOption func(*Scheduler)

// WithPollInterval sets the tick interval. Defaults to one second.
func WithPollInterval(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

// WithSchedulerLogger sets the logger.
func WithSchedulerLogger(l *slog.Logger) SchedulerOption {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewScheduler creates a scheduler over the shared pool.
func NewScheduler(pool *pgxpool.Pool, registry *Registry, leader Leadership, nodeID uuid.UUID, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		pool:         pool,
		registry:     registry,
		leader:       leader,
		nodeID:       nodeID,
		pollInterval: defaultPollInterval,
		logger:       logger.NewNope(),
		nextDue:      make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run ticks until ctx is cancelled, then waits for in-flight handlers.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			return
		case <-ticker.C:
			s.tick(ctx, time.Now())
		}
	}
}

// tick is one scheduler pass at wall-clock time now.
func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	if !s.leader.IsLeader() {
		s.mu.Lock()
		s.wasLead = false
		s.mu.Unlock()
		return
	}

	s.mu.Lock()
	freshLeader := !s.wasLead
	s.wasLead = true
	if freshLeader {
		clear(s.nextDue)
	}
	s.mu.Unlock()

	for _, c := range s.registry.All() {
		if freshLeader && c.CatchUp {
			s.catchUp(ctx, c, now)
		}
		s.runDue(ctx, c, now)
	}
}

// runDue claims and executes the cron's next instant if it has arrived.
func (s *Scheduler) runDue(ctx context.Context, c *Cron, now time.Time) {
	s.mu.Lock()
	due, ok := s.nextDue[c.Name]
	if !ok {
		due = c.Schedule.NextAfter(now)
		s.nextDue[c.Name] = due
	}
	s.mu.Unlock()

	if due.After(now) {
		return
	}

	s.mu.Lock()
	s.nextDue[c.Name] = c.Schedule.NextAfter(now)
	s.mu.Unlock()

	s.claimAndRun(ctx, c, due, false)
}

// catchUp replays missed instants between the last recorded run and now.
func (s *Scheduler) catchUp(ctx context.Context, c *Cron, now time.Time) {
	var last *time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT max(scheduled_time) FROM cron_runs WHERE cron_name = $1`, c.Name).Scan(&last)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		s.logger.ErrorContext(ctx, "catch-up lookup failed",
			slog.String("cron", c.Name), slog.Any("error", err))
		return
	}
	if last == nil {
		return
	}

	missed := c.Schedule.Between(*last, now, c.CatchUpLimit)
	for _, instant := range missed {
		s.claimAndRun(ctx, c, instant, true)
	}
}

// claimAndRun inserts the (name, instant) claim row and executes the handler
// if this node won the insert. A conflict means another node owns the
// instant; it is silently dropped.
func (s *Scheduler) claimAndRun(ctx context.Context, c *Cron, instant time.Time, catchUp bool) {
	var runID uuid.UUID
	err := s.pool.QueryRow(ctx, `
		INSERT INTO cron_runs (cron_name, scheduled_time, timezone, status, node_id, started_at)
		VALUES ($1, $2, $3, 'running', $4, now())
		ON CONFLICT (cron_name, scheduled_time) DO NOTHING
		RETURNING id`,
		c.Name, instant, c.Schedule.Location().String(), s.nodeID,
	).Scan(&runID)
	if errors.Is(err, pgx.ErrNoRows) {
		return
	}
	if err != nil {
		s.logger.ErrorContext(ctx, "cron claim failed",
			slog.String("cron", c.Name), slog.Any("error", err))
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.execute(context.WithoutCancel(ctx), c, runID, Invocation{ScheduledAt: instant, CatchUp: catchUp})
	}()
}

func (s *Scheduler) execute(ctx context.Context, c *Cron, runID uuid.UUID, inv Invocation) {
	log := s.logger.With(
		slog.String("cron", c.Name),
		slog.Time("scheduled_at", inv.ScheduledAt),
		slog.Bool("catch_up", inv.CatchUp),
	)

	execCtx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	err := s.safeInvoke(execCtx, c, inv)
	if err == nil && execCtx.Err() != nil {
		err = ErrHandlerTimeout
	}

	if err != nil {
		log.ErrorContext(ctx, "cron run failed", slog.Any("error", err))
		_, uerr := s.pool.Exec(ctx, `
			UPDATE cron_runs SET status = 'failed', completed_at = now(), error = $2
			WHERE id = $1`, runID, err.Error())
		if uerr != nil {
			log.ErrorContext(ctx, "cron run update failed", slog.Any("error", uerr))
		}
		return
	}

	log.InfoContext(ctx, "cron run completed")
	if _, err := s.pool.Exec(ctx, `
		UPDATE cron_runs SET status = 'completed', completed_at = now()
		WHERE id = $1`, runID); err != nil {
		log.ErrorContext(ctx, "cron run update failed", slog.Any("error", err))
	}
}

func (s *Scheduler) safeInvoke(ctx context.Context, c *Cron, inv Invocation) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = errors.New("cron: handler panicked")
		}
	}()
	return c.Handler(ctx, inv)
}
