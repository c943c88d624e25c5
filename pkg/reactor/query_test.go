package reactor_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/forgepg/forge/pkg/reactor"
)

func TestQueries(t *testing.T) {
	t.Parallel()

	type args struct {
		Limit int `json:"limit"`
	}

	t.Run("registers and executes typed queries", func(t *testing.T) {
		t.Parallel()

		qs := reactor.NewQueries()
		require.NoError(t, reactor.RegisterQuery(qs, "list", func(ctx context.Context, tr *reactor.Tracker, a args) ([]int, error) {
			tr.Table("orders")
			return []int{a.Limit}, nil
		}))

		q, err := qs.Get("list")
		require.NoError(t, err)

		tr := reactor.NewTracker(reactor.ModeAdaptive)
		out, err := q.Execute(context.Background(), tr, json.RawMessage(`{"limit":5}`))
		require.NoError(t, err)
		require.JSONEq(t, `[5]`, string(out))
		require.Contains(t, tr.ReadSet().Tables, "orders")
	})

	t.Run("rejects duplicate names", func(t *testing.T) {
		t.Parallel()

		qs := reactor.NewQueries()
		fn := func(ctx context.Context, tr *reactor.Tracker, a args) (int, error) { return 0, nil }
		require.NoError(t, reactor.RegisterQuery(qs, "list", fn))
		require.ErrorIs(t, reactor.RegisterQuery(qs, "list", fn), reactor.ErrDuplicateQuery)
	})

	t.Run("unknown query fails", func(t *testing.T) {
		t.Parallel()

		qs := reactor.NewQueries()
		_, err := qs.Get("nope")
		require.ErrorIs(t, err, reactor.ErrUnknownQuery)
	})

	t.Run("malformed args fail before the handler runs", func(t *testing.T) {
		t.Parallel()

		qs := reactor.NewQueries()
		require.NoError(t, reactor.RegisterQuery(qs, "list", func(ctx context.Context, tr *reactor.Tracker, a args) (int, error) {
			t.Error("handler must not run")
			return 0, nil
		}))
		q, err := qs.Get("list")
		require.NoError(t, err)
		_, err = q.Execute(context.Background(), reactor.NewTracker(reactor.ModeNone), json.RawMessage(`{bad`))
		require.Error(t, err)
	})
}

func TestQueryHash(t *testing.T) {
	t.Parallel()

	t.Run("key order does not matter", func(t *testing.T) {
		t.Parallel()

		a, err := reactor.QueryHash("list", json.RawMessage(`{"a":1,"b":[1,2]}`))
		require.NoError(t, err)
		b, err := reactor.QueryHash("list", json.RawMessage(`{"b":[1,2],"a":1}`))
		require.NoError(t, err)
		require.Equal(t, a, b)
	})

	t.Run("name and args both discriminate", func(t *testing.T) {
		t.Parallel()

		base, err := reactor.QueryHash("list", json.RawMessage(`{"a":1}`))
		require.NoError(t, err)

		otherName, err := reactor.QueryHash("list2", json.RawMessage(`{"a":1}`))
		require.NoError(t, err)
		require.NotEqual(t, base, otherName)

		otherArgs, err := reactor.QueryHash("list", json.RawMessage(`{"a":2}`))
		require.NoError(t, err)
		require.NotEqual(t, base, otherArgs)
	})

	t.Run("empty args hash consistently", func(t *testing.T) {
		t.Parallel()

		a, err := reactor.QueryHash("list", nil)
		require.NoError(t, err)
		b, err := reactor.QueryHash("list", json.RawMessage(`null`))
		require.NoError(t, err)
		require.Equal(t, a, b)
	})

	t.Run("invalid args error", func(t *testing.T) {
		t.Parallel()

		_, err := reactor.QueryHash("list", json.RawMessage(`{broken`))
		require.Error(t, err)
	})
}

func TestResultHash(t *testing.T) {
	t.Parallel()

	a := reactor.ResultHash(json.RawMessage(`[1,2,3]`))
	require.Equal(t, a, reactor.ResultHash(json.RawMessage(`[1,2,3]`)))
	require.NotEqual(t, a, reactor.ResultHash(json.RawMessage(`[1,2,4]`)))
}
