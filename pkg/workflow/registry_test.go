package workflow

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"

	"github.com/stretchr/testify/require"
)

func TestRegistry(t *testing.T) {
	t.Parallel()

	type in struct {
		N int `json:"n"`
	}

	t.Run("registers and resolves versions independently", func(t *testing.T) {
		t.Parallel()

		r := NewRegistry()
		require.NoError(t, Register(r, "calc", 1, func(wc *Context, i in) (int, error) { return i.N, nil }))
		require.NoError(t, Register(r, "calc", 2, func(wc *Context, i in) (int, error) { return i.N * 2, nil }))

		latest, err := r.Latest("calc")
		require.NoError(t, err)
		require.Equal(t, 2, latest)

		h, err := r.Resolve("calc", 1)
		require.NoError(t, err)
		out, err := h.Execute(newContext(t.Context(), uuid.Nil, &fakeJournal{}, nil, modeNormal), json.RawMessage(`{"n":3}`))
		require.NoError(t, err)
		require.JSONEq(t, `3`, string(out))
	})

	t.Run("rejects duplicate registration", func(t *testing.T) {
		t.Parallel()

		r := NewRegistry()
		fn := func(wc *Context, i in) (int, error) { return 0, nil }
		require.NoError(t, Register(r, "calc", 1, fn))
		require.ErrorIs(t, Register(r, "calc", 1, fn), ErrDuplicateWorkflow)
	})

	t.Run("rejects version below one", func(t *testing.T) {
		t.Parallel()

		r := NewRegistry()
		require.Error(t, Register(r, "calc", 0, func(wc *Context, i in) (int, error) { return 0, nil }))
	})

	t.Run("unknown lookups fail", func(t *testing.T) {
		t.Parallel()

		r := NewRegistry()
		_, err := r.Resolve("nope", 1)
		require.ErrorIs(t, err, ErrUnknownWorkflow)
		_, err = r.Latest("nope")
		require.ErrorIs(t, err, ErrUnknownWorkflow)
	})

	t.Run("handler rejects malformed input", func(t *testing.T) {
		t.Parallel()

		r := NewRegistry()
		require.NoError(t, Register(r, "calc", 1, func(wc *Context, i in) (int, error) { return i.N, nil }))
		h, err := r.Resolve("calc", 1)
		require.NoError(t, err)
		_, err = h.Execute(newContext(t.Context(), uuid.Nil, &fakeJournal{}, nil, modeNormal), json.RawMessage(`{broken`))
		require.ErrorIs(t, err, ErrDeserialization)
	})
}
