// Package gateway terminates WebSocket connections and speaks the wire
// protocol: subscribe/unsubscribe for live queries, direct job and
// workflow watches, ping and auth.
//
// Each connection is a session with a bounded outbound channel drained by
// a single writer goroutine, so delivery within a session is FIFO and a
// slow consumer is disconnected instead of backing the node up. Sessions
// are mirrored into the sessions table for cluster-wide visibility and
// cleaned up on disconnect and drain.
package gateway
