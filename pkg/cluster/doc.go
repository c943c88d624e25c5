// Package cluster makes a set of identical processes behave as one
// application using nothing but their shared PostgreSQL.
//
// Each process registers a row in the nodes table and heartbeats it; peers
// that stop heartbeating are flipped to dead. Per-role leadership is an
// advisory lock (liveness: session death releases it) paired with a lease row
// in the leaders table (visibility: anyone can see who leads and until when).
package cluster
