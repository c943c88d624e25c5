package reactor_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/forgepg/forge/pkg/reactor"
)

func newSub(sessionID uuid.UUID, clientSubID string, rs *reactor.ReadSet) *reactor.Subscription {
	return &reactor.Subscription{
		ID:          uuid.New(),
		SessionID:   sessionID,
		ClientSubID: clientSubID,
		QueryName:   "q",
		QueryHash:   42,
		ReadSet:     rs,
	}
}

func rowSet(table string, rows ...string) *reactor.ReadSet {
	tr := reactor.NewTracker(reactor.ModeAdaptive)
	for _, r := range rows {
		tr.Row(table, r)
	}
	return tr.ReadSet()
}

func TestManagerAdd(t *testing.T) {
	t.Parallel()

	t.Run("enforces per-session limit", func(t *testing.T) {
		t.Parallel()

		m := reactor.NewManager(reactor.WithPerSessionLimit(2))
		session := uuid.New()
		require.NoError(t, m.Add(newSub(session, "a", rowSet("orders", "1"))))
		require.NoError(t, m.Add(newSub(session, "b", rowSet("orders", "2"))))
		err := m.Add(newSub(session, "c", rowSet("orders", "3")))
		require.ErrorIs(t, err, reactor.ErrSubscriptionLimit)

		// Another session is unaffected.
		require.NoError(t, m.Add(newSub(uuid.New(), "a", rowSet("orders", "4"))))
	})

	t.Run("rejects duplicate client subscription id within a session", func(t *testing.T) {
		t.Parallel()

		m := reactor.NewManager()
		session := uuid.New()
		require.NoError(t, m.Add(newSub(session, "dup", rowSet("orders", "1"))))
		require.ErrorIs(t, m.Add(newSub(session, "dup", rowSet("orders", "2"))), reactor.ErrSubscriptionExists)
	})
}

func TestManagerRemove(t *testing.T) {
	t.Parallel()

	t.Run("by client id", func(t *testing.T) {
		t.Parallel()

		m := reactor.NewManager()
		session := uuid.New()
		sub := newSub(session, "a", rowSet("orders", "1"))
		require.NoError(t, m.Add(sub))

		id, err := m.RemoveByClientID(session, "a")
		require.NoError(t, err)
		require.Equal(t, sub.ID, id)
		require.Zero(t, m.Count())

		_, err = m.RemoveByClientID(session, "a")
		require.ErrorIs(t, err, reactor.ErrNotSubscribed)
	})

	t.Run("whole session", func(t *testing.T) {
		t.Parallel()

		m := reactor.NewManager()
		session := uuid.New()
		other := uuid.New()
		require.NoError(t, m.Add(newSub(session, "a", rowSet("orders", "1"))))
		require.NoError(t, m.Add(newSub(session, "b", rowSet("orders", "2"))))
		require.NoError(t, m.Add(newSub(other, "a", rowSet("orders", "3"))))

		ids := m.RemoveSession(session)
		require.Len(t, ids, 2)
		require.Equal(t, 1, m.Count())
	})
}

func TestManagerInvalidate(t *testing.T) {
	t.Parallel()

	m := reactor.NewManager()
	session := uuid.New()
	tracked := newSub(session, "tracked", rowSet("orders", "row-1"))
	other := newSub(session, "other", rowSet("invoices", "row-9"))
	require.NoError(t, m.Add(tracked))
	require.NoError(t, m.Add(other))

	hit := m.Invalidate(reactor.Change{Table: "orders", Op: reactor.OpUpdate, RowID: "row-1"})
	require.Equal(t, []uuid.UUID{tracked.ID}, hit)

	hit = m.Invalidate(reactor.Change{Table: "orders", Op: reactor.OpUpdate, RowID: "row-2"})
	require.Empty(t, hit)

	// Inserts reach every subscription on the table.
	hit = m.Invalidate(reactor.Change{Table: "invoices", Op: reactor.OpInsert, RowID: "row-new"})
	require.Equal(t, []uuid.UUID{other.ID}, hit)

	// A subscription that tracked only the table is hit by every op on it,
	// deletes included, even while the table is at row granularity.
	tr := reactor.NewTracker(reactor.ModeAdaptive)
	tr.Table("accounts")
	tableOnly := newSub(session, "table-only", tr.ReadSet())
	require.NoError(t, m.Add(tableOnly))
	require.Equal(t, reactor.ModeRow, m.EffectiveMode("accounts"))

	hit = m.Invalidate(reactor.Change{Table: "accounts", Op: reactor.OpInsert, RowID: "u1"})
	require.Equal(t, []uuid.UUID{tableOnly.ID}, hit)
	hit = m.Invalidate(reactor.Change{Table: "accounts", Op: reactor.OpDelete, RowID: "u1"})
	require.Equal(t, []uuid.UUID{tableOnly.ID}, hit)
}

func TestManagerAdaptiveHysteresis(t *testing.T) {
	t.Parallel()

	// Row threshold 3, table threshold 2: above 3 row-tracking subs the
	// table degrades to table granularity, below 2 it recovers.
	m := reactor.NewManager(reactor.WithAdaptiveThresholds(3, 2))

	session := uuid.New()
	subs := make([]*reactor.Subscription, 0, 4)
	for i := 0; i < 3; i++ {
		sub := newSub(session, fmt.Sprintf("s%d", i), rowSet("orders", fmt.Sprintf("row-%d", i)))
		require.NoError(t, m.Add(sub))
		subs = append(subs, sub)
	}
	require.Equal(t, reactor.ModeRow, m.EffectiveMode("orders"))

	// Crossing the row threshold flips to table granularity.
	extra := newSub(session, "s3", rowSet("orders", "row-3"))
	require.NoError(t, m.Add(extra))
	subs = append(subs, extra)
	require.Equal(t, reactor.ModeTable, m.EffectiveMode("orders"))

	// Inside the hysteresis band the mode holds.
	m.Remove(subs[3].ID)
	require.Equal(t, reactor.ModeTable, m.EffectiveMode("orders"))
	m.Remove(subs[2].ID)
	require.Equal(t, reactor.ModeTable, m.EffectiveMode("orders"))

	// Dropping below the table threshold recovers row granularity.
	m.Remove(subs[1].ID)
	require.Equal(t, reactor.ModeRow, m.EffectiveMode("orders"))
}

func TestManagerUpdateAfterExecution(t *testing.T) {
	t.Parallel()

	m := reactor.NewManager()
	sub := newSub(uuid.New(), "a", rowSet("orders", "1"))
	sub.LastResultHash = 100
	require.NoError(t, m.Add(sub))

	now := time.Now()
	changed, ok := m.UpdateAfterExecution(sub.ID, rowSet("orders", "1", "2"), 100, now)
	require.True(t, ok)
	require.False(t, changed)

	changed, ok = m.UpdateAfterExecution(sub.ID, rowSet("orders", "2"), 200, now)
	require.True(t, ok)
	require.True(t, changed)

	got, found := m.Get(sub.ID)
	require.True(t, found)
	require.Equal(t, uint64(200), got.LastResultHash)
	require.Equal(t, 2, got.ExecutionCount)

	_, ok = m.UpdateAfterExecution(uuid.New(), rowSet("orders", "1"), 1, now)
	require.False(t, ok)
}
