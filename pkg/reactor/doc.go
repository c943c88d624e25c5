// Package reactor turns row changes into live query updates.
//
// A trigger on reactive tables emits NOTIFY payloads on the forge_changes
// channel. The listener parses them into Change values and feeds the
// reactor, which matches each change against subscription read sets,
// debounces the invalidations, re-executes affected queries, and pushes
// fresh results to their sessions when the result hash moved.
//
// Read sets are captured per execution by a Tracker the query fills in.
// Tracking granularity adapts per table: few subscriptions get row-level
// precision, large fan-out degrades to table granularity with hysteresis
// so the mode does not oscillate.
package reactor
