// Package internal assembles a node from the engine packages: database
// pool and migrations, cluster membership, leader election, job worker,
// cron and workflow schedulers, change listener, reactor, and gateway.
//
// The public forge package re-exports the App and its options; user code
// never imports this package directly. Which engines a node runs is
// decided by its configured roles, so the same binary can be a gateway,
// a worker, a scheduler, or all of them.
package internal
