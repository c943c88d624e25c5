package job

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/forgepg/forge/pkg/logger"
)

const (
	defaultMaxConcurrent = 10
	defaultPollInterval  = 500 * time.Millisecond
	defaultTaskTimeout   = time.Minute
	defaultJobHeartbeat  = 10 * time.Second
	defaultCleanupInterval = 30 * time.Second
	defaultStaleThreshold  = 5 * time.Minute
)

// Worker polls the queue, claims due jobs matching this node's capabilities,
// and dispatches them to registered handlers with bounded concurrency.
type Worker struct {
	queue    *Queue
	registry *taskRegistry
	id       uuid.UUID
	logger   *slog.Logger

	capabilities    []string
	maxConcurrent   int64
	pollInterval    time.Duration
	taskTimeout     time.Duration
	cleanupInterval time.Duration
	staleThreshold  time.Duration

	sem      *semaphore.Weighted
	inFlight atomic.Int64

	mu      sync.Mutex
	started bool
	wg      sync.WaitGroup
}

// Option configures the worker.
type Option func(*Worker)

// WithTask registers a typed task handler. The handler's result becomes the
// job's output.
func WithTask[P any, T interface {
	Name() string
	Handle(context.Context, P) (any, error)
}](task T, opts ...TaskOption) Option {
	return func(w *Worker) {
		to := taskOptions{backoff: DefaultBackoff}
		for _, opt := range opts {
			opt(&to)
		}
		w.registry.register(task.Name(), &taskWrapper[P, T]{task: task, opts: to})
	}
}

// TaskOption configures a single task registration.
type TaskOption func(*taskOptions)

// WithTaskTimeout overrides the worker-wide handler timeout for one task.
func WithTaskTimeout(d time.Duration) TaskOption {
	return func(o *taskOptions) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithBackoff sets the retry backoff policy for one task.
func WithBackoff(b Backoff) TaskOption {
	return func(o *taskOptions) { o.backoff = b }
}

// WithMaxConcurrent caps concurrently executing jobs on this node.
func WithMaxConcurrent(n int) Option {
	return func(w *Worker) {
		if n > 0 {
			w.maxConcurrent = int64(n)
		}
	}
}

// WithPollInterval sets the queue poll interval.
func WithPollInterval(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.pollInterval = d
		}
	}
}

// WithDefaultTimeout sets the handler timeout for tasks without their own.
func WithDefaultTimeout(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.taskTimeout = d
		}
	}
}

// WithWorkerCapabilities advertises capabilities for job routing.
func WithWorkerCapabilities(caps ...string) Option {
	return func(w *Worker) { w.capabilities = caps }
}

// WithStaleThreshold sets how long a claim may go unrefreshed before the
// recovery sweep returns the job to pending.
func WithStaleThreshold(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.staleThreshold = d
		}
	}
}

// WithCleanupInterval sets how often the stale-claim sweep runs.
func WithCleanupInterval(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.cleanupInterval = d
		}
	}
}

// WithWorkerLogger sets the logger.
func WithWorkerLogger(l *slog.Logger) Option {
	return func(w *Worker) {
		if l != nil {
			w.logger = l
		}
	}
}

// NewWorker creates a worker identified by the owning node's id.
func NewWorker(queue *Queue, nodeID uuid.UUID, opts ...Option) *Worker {
	w := &Worker{
		queue:           queue,
		registry:        newTaskRegistry(),
		id:              nodeID,
		logger:          logger.NewNope(),
		maxConcurrent:   defaultMaxConcurrent,
		pollInterval:    defaultPollInterval,
		taskTimeout:     defaultTaskTimeout,
		cleanupInterval: defaultCleanupInterval,
		staleThreshold:  defaultStaleThreshold,
	}
	for _, opt := range opts {
		opt(w)
	}
	w.sem = semaphore.NewWeighted(w.maxConcurrent)
	return w
}

// InFlight returns the number of jobs currently executing on this node.
func (w *Worker) InFlight() int { return int(w.inFlight.Load()) }

// TaskNames returns the registered job types.
func (w *Worker) TaskNames() []string { return w.registry.names() }

// Run polls until ctx is cancelled. Cancellation stops claiming immediately;
// in-flight jobs keep their own contexts and finish via Drain.
func (w *Worker) Run(ctx context.Context) error {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return ErrAlreadyStarted
	}
	w.started = true
	w.mu.Unlock()

	w.logger.InfoContext(ctx, "worker started",
		slog.String("worker_id", w.id.String()),
		slog.Int("max_concurrent", int(w.maxConcurrent)),
		slog.Any("tasks", w.registry.names()),
	)

	poll := time.NewTicker(w.pollInterval)
	cleanup := time.NewTicker(w.cleanupInterval)
	defer poll.Stop()
	defer cleanup.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-poll.C:
			w.pollOnce(ctx)

		case <-cleanup.C:
			if n, err := w.queue.RecoverStale(ctx, w.staleThreshold); err != nil {
				w.logger.ErrorContext(ctx, "stale job recovery failed", slog.Any("error", err))
			} else if n > 0 {
				w.logger.WarnContext(ctx, "recovered stale jobs", slog.Int64("count", n))
			}
		}
	}
}

// Drain waits for in-flight jobs to finish, up to ctx's deadline.
func (w *Worker) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) pollOnce(ctx context.Context) {
	free := int(w.maxConcurrent - w.inFlight.Load())
	if free <= 0 {
		return
	}

	jobs, err := w.queue.Claim(ctx, w.id, w.capabilities, free)
	if err != nil {
		w.logger.ErrorContext(ctx, "claim failed", slog.Any("error", err))
		return
	}

	for _, j := range jobs {
		if err := w.sem.Acquire(ctx, 1); err != nil {
			// Shutting down mid-batch; the claim goes stale and another
			// node recovers it.
			return
		}
		w.inFlight.Add(1)
		w.wg.Add(1)

		go func(j *Job) {
			defer w.wg.Done()
			defer w.inFlight.Add(-1)
			defer w.sem.Release(1)
			// Job execution survives poll-loop cancellation so drain can
			// let in-flight work finish.
			w.process(context.WithoutCancel(ctx), j)
		}(j)
	}
}

func (w *Worker) process(ctx context.Context, j *Job) {
	log := w.logger.With(
		slog.String("job_id", j.ID.String()),
		slog.String("type", j.Type),
		slog.Int("attempt", j.Attempts),
	)

	executor, ok := w.registry.get(j.Type)
	if !ok {
		// A job this node cannot run: put it back for a peer that can.
		log.WarnContext(ctx, "no handler for claimed job")
		_ = w.queue.Retry(ctx, j.ID, ErrUnknownTask.Error(), w.pollInterval)
		return
	}

	if err := w.queue.MarkRunning(ctx, j.ID); err != nil {
		log.ErrorContext(ctx, "failed to mark job running", slog.Any("error", err))
		return
	}

	timeout := executor.Options().timeout
	if timeout <= 0 {
		timeout = w.taskTimeout
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Row heartbeat while the handler runs.
	hbDone := make(chan struct{})
	go w.heartbeat(execCtx, j.ID, hbDone)

	execCtx = withProgress(execCtx, func(percent int, message string) {
		if err := w.queue.SetProgress(execCtx, j.ID, percent, message); err != nil {
			log.WarnContext(execCtx, "progress update failed", slog.Any("error", err))
		}
	})

	output, err := w.safeExecute(execCtx, executor, j.Input)
	close(hbDone)

	if execCtx.Err() != nil && err != nil {
		err = fmt.Errorf("%w after %s: %w", ErrTimeout, timeout, err)
	}

	if err == nil {
		if err := w.queue.Complete(ctx, j.ID, output); err != nil {
			log.ErrorContext(ctx, "failed to complete job", slog.Any("error", err))
		}
		log.InfoContext(ctx, "job completed")
		return
	}

	if j.Attempts < j.MaxAttempts {
		delay := executor.Options().backoff.Next(j.Attempts)
		log.WarnContext(ctx, "job failed, retrying",
			slog.Any("error", err),
			slog.Duration("backoff", delay),
		)
		if rerr := w.queue.Retry(ctx, j.ID, err.Error(), delay); rerr != nil {
			log.ErrorContext(ctx, "failed to schedule retry", slog.Any("error", rerr))
		}
		return
	}

	log.ErrorContext(ctx, "job moved to dead letter", slog.Any("error", err))
	if dlerr := w.queue.DeadLetter(ctx, j.ID, err.Error()); dlerr != nil {
		log.ErrorContext(ctx, "failed to dead-letter job", slog.Any("error", dlerr))
	}
}

// safeExecute converts handler panics into errors so a bad handler can never
// take the worker down.
func (w *Worker) safeExecute(ctx context.Context, executor taskExecutor, input []byte) (out []byte, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: %v\n%s", ErrHandlerPanic, p, debug.Stack())
		}
	}()
	return executor.Execute(ctx, input)
}

func (w *Worker) heartbeat(ctx context.Context, id uuid.UUID, done <-chan struct{}) {
	ticker := time.NewTicker(defaultJobHeartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.queue.Heartbeat(ctx, id); err != nil {
				w.logger.WarnContext(ctx, "job heartbeat failed",
					slog.String("job_id", id.String()), slog.Any("error", err))
			}
		}
	}
}
