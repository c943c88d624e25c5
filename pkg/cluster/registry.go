package cluster

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/forgepg/forge/pkg/logger"
)

// Registry manages the local node's row in the nodes table and lets any
// component enumerate live peers.
type Registry struct {
	pool   *pgxpool.Pool
	node   *Node
	logger *slog.Logger
}

// RegistryOption configures the registry.
type RegistryOption func(*Registry)

// WithRoles sets the roles this node carries. Defaults to all roles.
func WithRoles(roles ...Role) RegistryOption {
	return func(r *Registry) {
		if len(roles) > 0 {
			r.node.Roles = roles
		}
	}
}

// WithCapabilities sets the worker capabilities used for job routing.
func WithCapabilities(caps ...string) RegistryOption {
	return func(r *Registry) { r.node.Capabilities = caps }
}

// WithAddress sets the advertised address and named ports.
func WithAddress(addr string, ports map[string]int) RegistryOption {
	return func(r *Registry) {
		r.node.Address = addr
		r.node.Ports = ports
	}
}

// WithVersion sets the application version recorded on the node row.
func WithVersion(v string) RegistryOption {
	return func(r *Registry) { r.node.Version = v }
}

// WithRegistryLogger sets the logger.
func WithRegistryLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewRegistry creates a registry with a fresh node identity.
func NewRegistry(pool *pgxpool.Pool, opts ...RegistryOption) *Registry {
	hostname, _ := os.Hostname()
	r := &Registry{
		pool: pool,
		node: &Node{
			ID:        uuid.New(),
			Hostname:  hostname,
			Roles:     []Role{RoleGateway, RoleFunction, RoleWorker, RoleScheduler},
			Status:    NodeJoining,
			StartedAt: time.Now(),
			Ports:     map[string]int{},
		},
		logger: logger.NewNope(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Node returns the local node. The returned value is owned by the registry;
// callers must not mutate it.
func (r *Registry) Node() *Node { return r.node }

// NodeID returns the local node's identity.
func (r *Registry) NodeID() uuid.UUID { return r.node.ID }

// Register upserts the local node row and marks it active.
func (r *Registry) Register(ctx context.Context) error {
	ports, _ := json.Marshal(r.node.Ports)
	stats, _ := json.Marshal(r.node.LoadStats)

	_, err := r.pool.Exec(ctx, `
		INSERT INTO nodes (id, hostname, address, ports, roles, capabilities, status, version, started_at, last_heartbeat, load_stats)
		VALUES ($1, $2, $3, $4, $5, $6, 'active', $7, $8, now(), $9)
		ON CONFLICT (id) DO UPDATE SET
			hostname = EXCLUDED.hostname,
			address = EXCLUDED.address,
			ports = EXCLUDED.ports,
			roles = EXCLUDED.roles,
			capabilities = EXCLUDED.capabilities,
			status = 'active',
			version = EXCLUDED.version,
			last_heartbeat = now()`,
		r.node.ID, r.node.Hostname, r.node.Address, ports,
		rolesToStrings(r.node.Roles), r.node.Capabilities, r.node.Version,
		r.node.StartedAt, stats,
	)
	if err != nil {
		return err
	}

	r.node.Status = NodeActive
	r.logger.InfoContext(ctx, "node registered",
		slog.String("node_id", r.node.ID.String()),
		slog.Any("roles", r.node.Roles),
	)
	return nil
}

// SetStatus transitions the local node's status.
func (r *Registry) SetStatus(ctx context.Context, status NodeStatus) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE nodes SET status = $2 WHERE id = $1`, r.node.ID, string(status))
	if err != nil {
		return err
	}
	r.node.Status = status
	return nil
}

// Deregister removes the local node row. Called last during shutdown.
func (r *Registry) Deregister(ctx context.Context) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM nodes WHERE id = $1`, r.node.ID)
	if err != nil {
		return err
	}
	r.logger.InfoContext(ctx, "node deregistered", slog.String("node_id", r.node.ID.String()))
	return nil
}

// Heartbeat bumps last_heartbeat and publishes current load stats.
func (r *Registry) Heartbeat(ctx context.Context, stats LoadStats) error {
	payload, _ := json.Marshal(stats)
	tag, err := r.pool.Exec(ctx, `
		UPDATE nodes SET last_heartbeat = now(), load_stats = $2
		WHERE id = $1`, r.node.ID, payload)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotRegistered
	}
	r.node.LoadStats = stats
	return nil
}

// GetActiveNodes returns all nodes currently marked active.
func (r *Registry) GetActiveNodes(ctx context.Context) ([]*Node, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, hostname, address, ports, roles, capabilities, status, version, started_at, last_heartbeat, load_stats
		FROM nodes WHERE status = 'active'
		ORDER BY started_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var nodes []*Node
	for rows.Next() {
		var (
			n          Node
			ports      []byte
			roles      []string
			stats      []byte
			statusText string
		)
		if err := rows.Scan(&n.ID, &n.Hostname, &n.Address, &ports, &roles,
			&n.Capabilities, &statusText, &n.Version, &n.StartedAt, &n.LastHeartbeat, &stats); err != nil {
			return nil, err
		}
		n.Status = NodeStatus(statusText)
		n.Roles = stringsToRoles(roles)
		_ = json.Unmarshal(ports, &n.Ports)
		_ = json.Unmarshal(stats, &n.LoadStats)
		nodes = append(nodes, &n)
	}
	return nodes, rows.Err()
}

// MarkDeadNodes flips active nodes whose heartbeat is older than threshold
// to dead. Typically threshold is 3x the heartbeat interval.
func (r *Registry) MarkDeadNodes(ctx context.Context, threshold time.Duration) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE nodes SET status = 'dead'
		WHERE status = 'active' AND last_heartbeat < now() - make_interval(secs => $1)`,
		threshold.Seconds())
	if err != nil {
		return 0, err
	}
	if n := tag.RowsAffected(); n > 0 {
		r.logger.WarnContext(ctx, "marked stale nodes dead", slog.Int64("count", n))
		return n, nil
	}
	return 0, nil
}

// CleanupDeadNodes removes dead node rows older than olderThan.
func (r *Registry) CleanupDeadNodes(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM nodes
		WHERE status = 'dead' AND last_heartbeat < now() - make_interval(secs => $1)`,
		olderThan.Seconds())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func rolesToStrings(roles []Role) []string {
	out := make([]string, len(roles))
	for i, r := range roles {
		out[i] = string(r)
	}
	return out
}

func stringsToRoles(ss []string) []Role {
	out := make([]Role, len(ss))
	for i, s := range ss {
		out[i] = Role(s)
	}
	return out
}
