package reactor_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/forgepg/forge/pkg/reactor"
)

func TestParseChange(t *testing.T) {
	t.Parallel()

	t.Run("valid payload", func(t *testing.T) {
		t.Parallel()

		ch, err := reactor.ParseChange([]byte(`{"table":"orders","op":"update","row_id":"abc","changed_columns":["status"]}`))
		require.NoError(t, err)
		require.Equal(t, "orders", ch.Table)
		require.Equal(t, reactor.OpUpdate, ch.Op)
		require.Equal(t, "abc", ch.RowID)
		require.Equal(t, []string{"status"}, ch.ChangedColumns)
	})

	t.Run("row id is optional", func(t *testing.T) {
		t.Parallel()

		ch, err := reactor.ParseChange([]byte(`{"table":"audit_log","op":"insert"}`))
		require.NoError(t, err)
		require.Empty(t, ch.RowID)
	})

	t.Run("rejects malformed json", func(t *testing.T) {
		t.Parallel()

		_, err := reactor.ParseChange([]byte(`{not json`))
		require.ErrorIs(t, err, reactor.ErrBadChangePayload)
	})

	t.Run("rejects missing table", func(t *testing.T) {
		t.Parallel()

		_, err := reactor.ParseChange([]byte(`{"op":"insert"}`))
		require.ErrorIs(t, err, reactor.ErrBadChangePayload)
	})

	t.Run("rejects unknown op", func(t *testing.T) {
		t.Parallel()

		_, err := reactor.ParseChange([]byte(`{"table":"orders","op":"truncate"}`))
		require.ErrorIs(t, err, reactor.ErrBadChangePayload)
	})
}
