package cluster

import (
	"time"

	"github.com/google/uuid"
)

// Role names a responsibility a node can carry. A node usually carries all
// of them; split deployments pin roles per process.
type Role string

const (
	RoleGateway   Role = "gateway"
	RoleFunction  Role = "function"
	RoleWorker    Role = "worker"
	RoleScheduler Role = "scheduler"
)

// NodeStatus is the lifecycle state of a node row.
type NodeStatus string

const (
	NodeJoining  NodeStatus = "joining"
	NodeActive   NodeStatus = "active"
	NodeDraining NodeStatus = "draining"
	NodeDead     NodeStatus = "dead"
)

// Node is one process in the cluster. The id is generated at process start
// and never reused; restarting yields a fresh identity.
type Node struct {
	ID            uuid.UUID
	Hostname      string
	Address       string
	Ports         map[string]int
	Roles         []Role
	Capabilities  []string
	Status        NodeStatus
	Version       string
	StartedAt     time.Time
	LastHeartbeat time.Time
	LoadStats     LoadStats
}

// LoadStats is published with every heartbeat so peers and dashboards can see
// where work is running.
type LoadStats struct {
	Connections int `json:"connections"`
	RunningJobs int `json:"running_jobs"`
}

// HasRole reports whether the node carries the given role.
func (n *Node) HasRole(r Role) bool {
	for _, role := range n.Roles {
		if role == r {
			return true
		}
	}
	return false
}
