// Package workflow runs durable, resumable, versioned workflows journaled
// in PostgreSQL.
//
// A workflow function is deterministic straight-line code that performs all
// effects through its Context: Step, Parallel, Sleep, WaitForEvent. Every
// effect is journal-check-then-execute: a previously recorded result
// short-circuits to its cached value, so the function body can re-run from
// the top on any node after a crash and only un-executed effects fire.
// Sleep and WaitForEvent suspend the run entirely; the scheduler wakes it
// when the timer or a matching event arrives.
//
// Steps may register compensations. On failure or cancel, compensations for
// completed steps run in reverse registration order.
package workflow
