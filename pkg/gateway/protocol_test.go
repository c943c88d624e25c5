package gateway

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestValidateCorrelationID(t *testing.T) {
	t.Parallel()

	require.NoError(t, validateCorrelationID("sub-1"))
	require.NoError(t, validateCorrelationID(strings.Repeat("x", 128)))
	require.Error(t, validateCorrelationID(""))
	require.Error(t, validateCorrelationID(strings.Repeat("x", 129)))
}

func TestParseEntityID(t *testing.T) {
	t.Parallel()

	id := uuid.New()
	parsed, err := parseEntityID(id.String())
	require.NoError(t, err)
	require.Equal(t, id, parsed)

	_, err = parseEntityID("")
	require.Error(t, err)

	_, err = parseEntityID("not-a-uuid")
	require.Error(t, err)

	// Over-length input is rejected before parsing.
	_, err = parseEntityID(strings.Repeat("a", 37))
	require.Error(t, err)
}

func TestServerMessageWire(t *testing.T) {
	t.Parallel()

	t.Run("data frame", func(t *testing.T) {
		t.Parallel()

		raw, err := json.Marshal(dataMsg("sub-1", json.RawMessage(`[1,2]`)))
		require.NoError(t, err)
		require.JSONEq(t, `{"type":"data","id":"sub-1","data":[1,2]}`, string(raw))
	})

	t.Run("error frame", func(t *testing.T) {
		t.Parallel()

		raw, err := json.Marshal(errorMsg("sub-1", CodeNotFound, "job not found"))
		require.NoError(t, err)
		require.JSONEq(t, `{"type":"error","id":"sub-1","code":"not_found","message":"job not found"}`, string(raw))
	})

	t.Run("empty fields are omitted", func(t *testing.T) {
		t.Parallel()

		raw, err := json.Marshal(pongMsg())
		require.NoError(t, err)
		require.JSONEq(t, `{"type":"pong"}`, string(raw))
	})

	t.Run("client frame round trip", func(t *testing.T) {
		t.Parallel()

		var msg ClientMessage
		require.NoError(t, json.Unmarshal([]byte(`{"type":"subscribe","id":"s1","function":"list_orders","args":{"limit":10}}`), &msg))
		require.Equal(t, MsgSubscribe, msg.Type)
		require.Equal(t, "s1", msg.ID)
		require.Equal(t, "list_orders", msg.Function)
		require.JSONEq(t, `{"limit":10}`, string(msg.Args))
	})
}
