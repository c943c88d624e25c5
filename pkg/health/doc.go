// Package health exposes liveness and readiness probes for a node.
//
// Liveness always answers OK while the process runs. Readiness executes a
// set of named checks in parallel (database pool, change listener, worker
// saturation) and reports 503 when any fails. Responses are plain text by
// default; JSON when requested via Accept header or ?format=json.
package health
