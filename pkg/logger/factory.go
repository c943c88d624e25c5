package logger

import (
	"io"
	"log/slog"
	"os"
)

// New creates a JSON logger tagged with a component name.
// Extractors pull request-scoped values (node id, trace id) out of the
// context on every log call.
func New(component string, extractors ...ContextExtractor) *slog.Logger {
	h := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
	return slog.New(NewDecorator(h, extractors...)).With(slog.String("component", component))
}

// NewWithLevel is New with an explicit minimum level.
func NewWithLevel(component string, level slog.Level, extractors ...ContextExtractor) *slog.Logger {
	h := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	return slog.New(NewDecorator(h, extractors...)).With(slog.String("component", component))
}

// NewNope creates a no-op logger that discards all output.
// Use this as a default when logging is not configured.
func NewNope() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
