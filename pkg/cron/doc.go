// Package cron executes scheduled handlers exactly once per scheduled
// instant across the cluster.
//
// Only the scheduler leader ticks, but leadership alone is not the
// correctness mechanism: each due instant is claimed by inserting into
// cron_runs under a (cron_name, scheduled_time) unique constraint, so even
// two nodes that briefly both believe they lead produce a single execution.
// Missed instants after downtime are replayed in order when catch-up is
// enabled, tagged so handlers can branch on it.
package cron
