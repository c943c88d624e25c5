package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/google/uuid"

	"github.com/forgepg/forge/pkg/logger"
)

// Executor drives workflow runs to completion: cold starts, resumes after
// suspension, failure compensation, and explicit cancels.
type Executor struct {
	store    *Store
	registry *Registry
	logger   *slog.Logger
	wg       sync.WaitGroup
}

// ExecutorOption configures the executor.
type ExecutorOption func(*Executor)

// WithExecutorLogger sets the logger.
func WithExecutorLogger(l *slog.Logger) ExecutorOption {
	return func(e *Executor) {
		if l != nil {
			e.logger = l
		}
	}
}

// NewExecutor creates an executor over the store and registry.
func NewExecutor(store *Store, registry *Registry, opts ...ExecutorOption) *Executor {
	e := &Executor{
		store:    store,
		registry: registry,
		logger:   logger.NewNope(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

type startConfig struct {
	version int
	traceID *string
}

// StartOption configures a Start call.
type StartOption func(*startConfig)

// WithVersion pins the run to a specific handler version instead of the
// latest registered one.
func WithVersion(v int) StartOption {
	return func(c *startConfig) { c.version = v }
}

// WithTraceID attaches a trace id to the run.
func WithTraceID(id string) StartOption {
	return func(c *startConfig) { c.traceID = &id }
}

// Start persists a new run and executes it in the background. The run id
// returns immediately; progress is observable through the store.
func (e *Executor) Start(ctx context.Context, name string, input json.RawMessage, opts ...StartOption) (uuid.UUID, error) {
	var cfg startConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	version := cfg.version
	if version == 0 {
		latest, err := e.registry.Latest(name)
		if err != nil {
			return uuid.Nil, err
		}
		version = latest
	}
	if _, err := e.registry.Resolve(name, version); err != nil {
		return uuid.Nil, err
	}

	runID, err := e.store.CreateRun(ctx, name, version, input, cfg.traceID)
	if err != nil {
		return uuid.Nil, err
	}

	run := &Run{
		ID:           runID,
		WorkflowName: name,
		Version:      version,
		Input:        input,
		Status:       StatusRunning,
		StepResults:  make(map[string]json.RawMessage),
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.execute(context.WithoutCancel(ctx), run)
	}()
	return runID, nil
}

// Resume picks up a woken run in the background. Runs that are no longer
// in status running when loaded are left alone.
func (e *Executor) Resume(ctx context.Context, runID uuid.UUID) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		run, err := e.store.GetRun(context.WithoutCancel(ctx), runID)
		if err != nil {
			e.logger.ErrorContext(ctx, "failed to load run for resume",
				slog.String("run_id", runID.String()), slog.Any("error", err))
			return
		}
		if run.Status != StatusRunning {
			return
		}
		e.execute(context.WithoutCancel(ctx), run)
	}()
}

// Cancel aborts a non-terminal run: completed steps are compensated in
// reverse order and the run ends compensated. The workflow function is
// replayed against the journal to rebuild compensation registrations; no
// step handler executes during the replay.
func (e *Executor) Cancel(ctx context.Context, runID uuid.UUID) error {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() || run.Status == StatusCompensating {
		return fmt.Errorf("%w: run is %s", ErrInvalidState, run.Status)
	}
	handler, err := e.registry.Resolve(run.WorkflowName, run.Version)
	if err != nil {
		return err
	}

	if err := e.store.FailRun(ctx, runID, ErrCancelled.Error()); err != nil {
		return err
	}

	wc := newContext(ctx, run.ID, e.store, run.StepResults, modeCancelling)
	_, replayErr := e.safeExecute(handler, wc, run.Input)
	if replayErr != nil && !errors.Is(replayErr, ErrCancelled) {
		e.logger.WarnContext(ctx, "cancel replay stopped early",
			slog.String("run_id", runID.String()), slog.Any("error", replayErr))
	}

	e.compensate(ctx, wc, runID)
	return nil
}

// Drain waits for in-flight runs to suspend or finish, or for ctx.
func (e *Executor) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Executor) execute(ctx context.Context, run *Run) {
	log := e.logger.With(
		slog.String("run_id", run.ID.String()),
		slog.String("workflow", run.WorkflowName),
		slog.Int("version", run.Version),
	)

	handler, err := e.registry.Resolve(run.WorkflowName, run.Version)
	if err != nil {
		log.ErrorContext(ctx, "no handler for run", slog.Any("error", err))
		if ferr := e.store.FailRun(ctx, run.ID, err.Error()); ferr != nil {
			log.ErrorContext(ctx, "failed to record run failure", slog.Any("error", ferr))
		}
		return
	}

	wc := newContext(ctx, run.ID, e.store, run.StepResults, modeNormal)
	output, err := e.safeExecute(handler, wc, run.Input)

	switch {
	case err == nil:
		if cerr := e.store.CompleteRun(ctx, run.ID, output); cerr != nil {
			log.ErrorContext(ctx, "failed to complete run", slog.Any("error", cerr))
			return
		}
		log.InfoContext(ctx, "workflow completed")

	case errors.Is(err, ErrSuspended):
		log.DebugContext(ctx, "workflow suspended")

	default:
		log.ErrorContext(ctx, "workflow failed", slog.Any("error", err))
		if ferr := e.store.FailRun(ctx, run.ID, err.Error()); ferr != nil {
			log.ErrorContext(ctx, "failed to record run failure", slog.Any("error", ferr))
		}
		e.compensate(ctx, wc, run.ID)
	}
}

// compensate runs registered compensations in reverse registration order.
// A run with no compensations keeps its failed status; otherwise it ends
// compensated. Individual compensation failures are logged and skipped.
func (e *Executor) compensate(ctx context.Context, wc *Context, runID uuid.UUID) {
	comps := wc.compensations()
	if len(comps) == 0 {
		return
	}
	log := e.logger.With(slog.String("run_id", runID.String()))

	if err := e.store.SetStatus(ctx, runID, StatusCompensating); err != nil {
		log.ErrorContext(ctx, "failed to enter compensation", slog.Any("error", err))
		return
	}
	for i := len(comps) - 1; i >= 0; i-- {
		c := comps[i]
		raw, ok := wc.cached(c.step)
		if !ok {
			continue
		}
		if err := e.safeCompensate(ctx, c, raw); err != nil {
			log.ErrorContext(ctx, "compensation failed",
				slog.String("step", c.step), slog.Any("error", err))
		}
		if err := e.store.MarkStepCompensated(ctx, runID, c.step); err != nil {
			log.ErrorContext(ctx, "failed to mark step compensated",
				slog.String("step", c.step), slog.Any("error", err))
		}
	}
	if err := e.store.SetStatus(ctx, runID, StatusCompensated); err != nil {
		log.ErrorContext(ctx, "failed to finish compensation", slog.Any("error", err))
	}
}

func (e *Executor) safeExecute(h Handler, wc *Context, input json.RawMessage) (out json.RawMessage, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = errors.Join(ErrHandlerPanic, fmt.Errorf("%v\n%s", p, debug.Stack()))
		}
	}()
	return h.Execute(wc, input)
}

func (e *Executor) safeCompensate(ctx context.Context, c compensation, raw json.RawMessage) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = errors.Join(ErrHandlerPanic, fmt.Errorf("%v", p))
		}
	}()
	return c.fn(ctx, raw)
}
