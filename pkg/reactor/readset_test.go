package reactor_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/forgepg/forge/pkg/reactor"
)

func TestReadSetIntersects(t *testing.T) {
	t.Parallel()

	build := func(mode reactor.Mode) *reactor.ReadSet {
		tr := reactor.NewTracker(mode)
		tr.Row("orders", "row-1")
		tr.Table("customers")
		return tr.ReadSet()
	}

	t.Run("untouched table never intersects", func(t *testing.T) {
		t.Parallel()

		rs := build(reactor.ModeTable)
		ch := reactor.Change{Table: "invoices", Op: reactor.OpUpdate, RowID: "row-1"}
		require.False(t, rs.Intersects(ch, reactor.ModeTable))
	})

	t.Run("mode none never intersects", func(t *testing.T) {
		t.Parallel()

		rs := build(reactor.ModeNone)
		ch := reactor.Change{Table: "orders", Op: reactor.OpUpdate, RowID: "row-1"}
		require.False(t, rs.Intersects(ch, reactor.ModeNone))
	})

	t.Run("table mode intersects on any touched-table change", func(t *testing.T) {
		t.Parallel()

		rs := build(reactor.ModeTable)
		for _, op := range []reactor.Op{reactor.OpInsert, reactor.OpUpdate, reactor.OpDelete} {
			ch := reactor.Change{Table: "orders", Op: op, RowID: "row-999"}
			require.True(t, rs.Intersects(ch, reactor.ModeTable), "op %s", op)
		}
	})

	t.Run("row mode matches tracked rows only", func(t *testing.T) {
		t.Parallel()

		rs := build(reactor.ModeRow)
		tracked := reactor.Change{Table: "orders", Op: reactor.OpUpdate, RowID: "row-1"}
		untracked := reactor.Change{Table: "orders", Op: reactor.OpUpdate, RowID: "row-2"}
		require.True(t, rs.Intersects(tracked, reactor.ModeRow))
		require.False(t, rs.Intersects(untracked, reactor.ModeRow))

		del := reactor.Change{Table: "orders", Op: reactor.OpDelete, RowID: "row-2"}
		require.False(t, rs.Intersects(del, reactor.ModeRow))
	})

	t.Run("row mode treats inserts as potential matches", func(t *testing.T) {
		t.Parallel()

		rs := build(reactor.ModeRow)
		ins := reactor.Change{Table: "orders", Op: reactor.OpInsert, RowID: "row-new"}
		require.True(t, rs.Intersects(ins, reactor.ModeRow))
	})

	t.Run("row mode is pessimistic without a row id", func(t *testing.T) {
		t.Parallel()

		rs := build(reactor.ModeRow)
		ch := reactor.Change{Table: "orders", Op: reactor.OpUpdate}
		require.True(t, rs.Intersects(ch, reactor.ModeRow))
	})

	t.Run("table-only read set intersects at row granularity", func(t *testing.T) {
		t.Parallel()

		// A query that recorded only the table has no rows to match
		// against; every change on it must invalidate, not just inserts.
		tr := reactor.NewTracker(reactor.ModeAdaptive)
		tr.Table("accounts")
		rs := tr.ReadSet()
		for _, op := range []reactor.Op{reactor.OpInsert, reactor.OpUpdate, reactor.OpDelete} {
			ch := reactor.Change{Table: "accounts", Op: op, RowID: "u1"}
			require.True(t, rs.Intersects(ch, reactor.ModeRow), "op %s", op)
		}
	})
}

func TestTracker(t *testing.T) {
	t.Parallel()

	tr := reactor.NewTracker(reactor.ModeAdaptive)
	tr.Row("orders", "a")
	tr.Row("orders", "b")
	tr.Filter("customers", "region", "tier")

	rs := tr.ReadSet()
	require.Equal(t, reactor.ModeAdaptive, rs.Mode)
	require.Contains(t, rs.Tables, "orders")
	require.Contains(t, rs.Tables, "customers")
	require.Equal(t, 2, rs.RowCount("orders"))
	require.Zero(t, rs.RowCount("customers"))
	require.Contains(t, rs.FilterColumns["customers"], "region")
}
