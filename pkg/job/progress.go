package job

import "context"

// ProgressFunc reports handler progress. Percent is clamped to [0, 100].
type ProgressFunc func(percent int, message string)

type progressKey struct{}

// Progress returns the progress reporter for the currently executing job.
// Outside a job handler it returns a no-op, so shared code can report
// progress unconditionally.
func Progress(ctx context.Context) ProgressFunc {
	if fn, ok := ctx.Value(progressKey{}).(ProgressFunc); ok {
		return fn
	}
	return func(int, string) {}
}

func withProgress(ctx context.Context, fn ProgressFunc) context.Context {
	return context.WithValue(ctx, progressKey{}, fn)
}
