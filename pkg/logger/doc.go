// Package logger builds the process-wide slog loggers used by every engine.
//
// Loggers are JSON to stdout by default, carry a component attribute for
// filtering, and support per-call context extractors (node id, trace id) plus
// an optional Sentry handler for error reporting. A nil logger anywhere in
// the framework means "discard"; use NewNope explicitly in tests.
package logger
