package cluster

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/forgepg/forge/pkg/logger"
)

const (
	defaultLeaseDuration   = 30 * time.Second
	defaultRefreshInterval = 10 * time.Second
	defaultCheckInterval   = 5 * time.Second
)

// leaderLockID derives the stable 64-bit advisory lock key for a role.
// The prefix keeps framework locks out of the way of user advisory locks.
func leaderLockID(role Role) int64 {
	return int64(xxhash.Sum64String("forge:leader:" + string(role)))
}

// Elector runs per-role leader election. The advisory lock provides mutual
// exclusion and liveness (session death releases it); the leaders row
// provides visibility and survives transient session churn.
type Elector struct {
	pool   *pgxpool.Pool
	role   Role
	nodeID uuid.UUID
	logger *slog.Logger

	leaseDuration   time.Duration
	refreshInterval time.Duration
	checkInterval   time.Duration

	mu       sync.Mutex
	conn     *pgxpool.Conn // session holding the advisory lock
	isLeader atomic.Bool
}

// ElectorOption configures an elector.
type ElectorOption func(*Elector)

// WithLeaseDuration sets how long a leader lease is valid without refresh.
func WithLeaseDuration(d time.Duration) ElectorOption {
	return func(e *Elector) {
		if d > 0 {
			e.leaseDuration = d
		}
	}
}

// WithRefreshInterval sets how often the leader extends its lease.
func WithRefreshInterval(d time.Duration) ElectorOption {
	return func(e *Elector) {
		if d > 0 {
			e.refreshInterval = d
		}
	}
}

// WithCheckInterval sets how often standbys probe for a vacant lease.
func WithCheckInterval(d time.Duration) ElectorOption {
	return func(e *Elector) {
		if d > 0 {
			e.checkInterval = d
		}
	}
}

// WithElectorLogger sets the logger.
func WithElectorLogger(l *slog.Logger) ElectorOption {
	return func(e *Elector) {
		if l != nil {
			e.logger = l
		}
	}
}

// NewElector creates an elector for one role.
func NewElector(pool *pgxpool.Pool, role Role, nodeID uuid.UUID, opts ...ElectorOption) *Elector {
	e := &Elector{
		pool:            pool,
		role:            role,
		nodeID:          nodeID,
		logger:          logger.NewNope(),
		leaseDuration:   defaultLeaseDuration,
		refreshInterval: defaultRefreshInterval,
		checkInterval:   defaultCheckInterval,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Role returns the role this elector contends for.
func (e *Elector) Role() Role { return e.role }

// IsLeader reports whether this node currently leads the role. Leader-only
// work must check this at the top of every action, not once at startup.
func (e *Elector) IsLeader() bool { return e.isLeader.Load() }

// TryBecomeLeader attempts a non-blocking acquisition of the role lock.
// On success the lease row is upserted and IsLeader flips true.
func (e *Elector) TryBecomeLeader(ctx context.Context) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.isLeader.Load() {
		return true, nil
	}

	if e.conn == nil {
		conn, err := e.pool.Acquire(ctx)
		if err != nil {
			return false, err
		}
		e.conn = conn
	}

	var got bool
	if err := e.conn.QueryRow(ctx,
		`SELECT pg_try_advisory_lock($1)`, leaderLockID(e.role)).Scan(&got); err != nil {
		e.dropConnLocked()
		return false, err
	}
	if !got {
		return false, nil
	}

	if _, err := e.conn.Exec(ctx, `
		INSERT INTO leaders (role, node_id, acquired_at, lease_until)
		VALUES ($1, $2, now(), now() + make_interval(secs => $3))
		ON CONFLICT (role) DO UPDATE SET
			node_id = EXCLUDED.node_id,
			acquired_at = now(),
			lease_until = EXCLUDED.lease_until`,
		string(e.role), e.nodeID, e.leaseDuration.Seconds()); err != nil {
		// Lock held but row missing: release and retry on the next probe.
		_, _ = e.conn.Exec(ctx, `SELECT pg_advisory_unlock($1)`, leaderLockID(e.role))
		e.dropConnLocked()
		return false, err
	}

	e.isLeader.Store(true)
	e.logger.InfoContext(ctx, "became leader",
		slog.String("role", string(e.role)),
		slog.String("node_id", e.nodeID.String()),
	)
	return true, nil
}

// refreshLease extends the lease while leading. A failed refresh demotes the
// node: the lease may expire before the next attempt and a standby may take
// over, so continuing to claim leadership would break uniqueness.
func (e *Elector) refreshLease(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.isLeader.Load() || e.conn == nil {
		return nil
	}

	tag, err := e.conn.Exec(ctx, `
		UPDATE leaders SET lease_until = now() + make_interval(secs => $3)
		WHERE role = $1 AND node_id = $2`,
		string(e.role), e.nodeID, e.leaseDuration.Seconds())
	if err != nil || tag.RowsAffected() == 0 {
		e.logger.WarnContext(ctx, "lost leadership on lease refresh",
			slog.String("role", string(e.role)), slog.Any("error", err))
		e.isLeader.Store(false)
		e.dropConnLocked()
		return err
	}
	return nil
}

// leaseVacant reports whether the leader row is missing or expired.
func (e *Elector) leaseVacant(ctx context.Context) (bool, error) {
	var until time.Time
	err := e.pool.QueryRow(ctx,
		`SELECT lease_until FROM leaders WHERE role = $1`, string(e.role)).Scan(&until)
	if err != nil {
		// No row means no one has ever led; treat scan failure on a missing
		// row as vacancy and let the insert race decide.
		return true, nil
	}
	return !until.After(time.Now()), nil
}

// Run drives the refresh and standby loops until ctx is cancelled, then
// releases leadership.
func (e *Elector) Run(ctx context.Context) {
	// First probe happens immediately so a fresh cluster elects without
	// waiting a full check interval.
	if _, err := e.TryBecomeLeader(ctx); err != nil {
		e.logger.ErrorContext(ctx, "leader probe failed",
			slog.String("role", string(e.role)), slog.Any("error", err))
	}

	refresh := time.NewTicker(e.refreshInterval)
	check := time.NewTicker(e.checkInterval)
	defer refresh.Stop()
	defer check.Stop()

	for {
		select {
		case <-ctx.Done():
			releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			e.Release(releaseCtx)
			cancel()
			return

		case <-refresh.C:
			if e.IsLeader() {
				_ = e.refreshLease(ctx)
			}

		case <-check.C:
			if e.IsLeader() {
				continue
			}
			vacant, err := e.leaseVacant(ctx)
			if err != nil || !vacant {
				continue
			}
			if _, err := e.TryBecomeLeader(ctx); err != nil {
				e.logger.ErrorContext(ctx, "leader takeover failed",
					slog.String("role", string(e.role)), slog.Any("error", err))
			}
		}
	}
}

// Release gives up leadership: clears the lease row, unlocks, and returns
// the session to the pool.
func (e *Elector) Release(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.conn == nil {
		e.isLeader.Store(false)
		return
	}

	if e.isLeader.Load() {
		_, _ = e.conn.Exec(ctx,
			`DELETE FROM leaders WHERE role = $1 AND node_id = $2`,
			string(e.role), e.nodeID)
		_, _ = e.conn.Exec(ctx, `SELECT pg_advisory_unlock($1)`, leaderLockID(e.role))
		e.logger.InfoContext(ctx, "released leadership", slog.String("role", string(e.role)))
	}

	e.isLeader.Store(false)
	e.dropConnLocked()
}

// dropConnLocked closes the dedicated session outright. Returning it to the
// pool would leak any advisory lock it still holds into an unrelated
// borrower; closing the session releases locks server-side.
func (e *Elector) dropConnLocked() {
	if e.conn != nil {
		raw := e.conn.Hijack()
		_ = raw.Close(context.Background())
		e.conn = nil
	}
}
