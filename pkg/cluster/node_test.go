package cluster_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/forgepg/forge/pkg/cluster"
)

func TestNodeHasRole(t *testing.T) {
	t.Parallel()

	n := &cluster.Node{Roles: []cluster.Role{cluster.RoleWorker, cluster.RoleScheduler}}
	require.True(t, n.HasRole(cluster.RoleWorker))
	require.True(t, n.HasRole(cluster.RoleScheduler))
	require.False(t, n.HasRole(cluster.RoleGateway))

	empty := &cluster.Node{}
	require.False(t, empty.HasRole(cluster.RoleWorker))
}
