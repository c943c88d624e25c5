// Package db manages the PostgreSQL connection pool that every engine in the
// framework shares, and the migration runner that serializes schema setup
// across nodes.
//
// The pool is the only piece of infrastructure the framework requires: it is
// simultaneously the system of record, the job queue, the workflow journal,
// and the change-notification bus. Connect establishes the pool with retry,
// Migrate applies built-in and user migrations exactly once cluster-wide, and
// WithTx wraps a function in a transaction with rollback on error or panic.
package db
