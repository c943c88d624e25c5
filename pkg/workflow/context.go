package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// journal is the slice of Store the Context needs. Narrowed for tests.
type journal interface {
	RecordStep(ctx context.Context, runID uuid.UUID, name string, startedAt time.Time, result json.RawMessage) error
	RecordStepFailure(ctx context.Context, runID uuid.UUID, name string, startedAt time.Time, stepErr string) error
	SuspendForSleep(ctx context.Context, runID uuid.UUID, marker string, wakeAt time.Time) error
	SuspendForEvent(ctx context.Context, runID uuid.UUID, marker, eventName string, timeoutAt time.Time) error
}

type execMode int

const (
	modeNormal execMode = iota
	// modeCancelling replays cached effects only; the first journal miss
	// aborts with ErrCancelled so the executor can compensate what ran.
	modeCancelling
)

type compensation struct {
	step string
	fn   func(context.Context, json.RawMessage) error
}

// Context is the effect surface of a workflow function. Every call is
// journal-check-then-execute: a recorded result short-circuits, anything
// else executes and is persisted before control returns to user code.
type Context struct {
	ctx   context.Context
	runID uuid.UUID
	store journal
	mode  execMode

	mu       sync.Mutex
	results  map[string]json.RawMessage
	comps    []compensation
	sleepSeq int
	eventSeq map[string]int
}

func newContext(ctx context.Context, runID uuid.UUID, store journal, results map[string]json.RawMessage, mode execMode) *Context {
	if results == nil {
		results = make(map[string]json.RawMessage)
	}
	return &Context{
		ctx:      ctx,
		runID:    runID,
		store:    store,
		mode:     mode,
		results:  results,
		eventSeq: make(map[string]int),
	}
}

// RunID returns the id of the run this context belongs to.
func (wc *Context) RunID() uuid.UUID { return wc.runID }

func (wc *Context) cached(name string) (json.RawMessage, bool) {
	wc.mu.Lock()
	defer wc.mu.Unlock()
	raw, ok := wc.results[name]
	return raw, ok
}

func (wc *Context) record(name string, raw json.RawMessage) {
	wc.mu.Lock()
	defer wc.mu.Unlock()
	wc.results[name] = raw
}

func (wc *Context) addCompensation(c compensation) {
	wc.mu.Lock()
	defer wc.mu.Unlock()
	wc.comps = append(wc.comps, c)
}

// compensations returns registered compensations in registration order.
func (wc *Context) compensations() []compensation {
	wc.mu.Lock()
	defer wc.mu.Unlock()
	out := make([]compensation, len(wc.comps))
	copy(out, wc.comps)
	return out
}

type stepConfig[R any] struct {
	timeout    time.Duration
	compensate func(context.Context, R) error
}

// StepOption configures one Step call.
type StepOption[R any] func(*stepConfig[R])

// WithCompensation registers an undo handler for the step. It receives the
// journaled result and runs if the workflow later fails or is cancelled.
func WithCompensation[R any](fn func(context.Context, R) error) StepOption[R] {
	return func(c *stepConfig[R]) { c.compensate = fn }
}

// WithStepTimeout bounds the step handler. Zero means no bound beyond the
// run's context.
func WithStepTimeout[R any](d time.Duration) StepOption[R] {
	return func(c *stepConfig[R]) { c.timeout = d }
}

// Step executes fn once per run, ever. A journaled result is returned
// without invoking fn; otherwise fn runs and its result is persisted before
// Step returns. Step names must be unique and stable within a workflow.
func Step[R any](wc *Context, name string, fn func(context.Context) (R, error), opts ...StepOption[R]) (R, error) {
	var zero R
	var cfg stepConfig[R]
	for _, opt := range opts {
		opt(&cfg)
	}

	if raw, ok := wc.cached(name); ok {
		var out R
		if err := json.Unmarshal(raw, &out); err != nil {
			return zero, errors.Join(ErrDeserialization, fmt.Errorf("step %q: %w", name, err))
		}
		registerCompensation(wc, name, cfg.compensate)
		return out, nil
	}

	if wc.mode == modeCancelling {
		return zero, ErrCancelled
	}

	stepCtx := wc.ctx
	if cfg.timeout > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(stepCtx, cfg.timeout)
		defer cancel()
	}

	startedAt := time.Now()
	out, err := invokeStep(stepCtx, fn)
	if err != nil {
		if recErr := wc.store.RecordStepFailure(wc.ctx, wc.runID, name, startedAt, err.Error()); recErr != nil {
			err = errors.Join(err, recErr)
		}
		return zero, fmt.Errorf("step %q: %w", name, err)
	}

	raw, err := json.Marshal(out)
	if err != nil {
		return zero, errors.Join(ErrDeserialization, fmt.Errorf("step %q: %w", name, err))
	}
	if err := wc.store.RecordStep(wc.ctx, wc.runID, name, startedAt, raw); err != nil {
		return zero, err
	}
	wc.record(name, raw)
	registerCompensation(wc, name, cfg.compensate)
	return out, nil
}

func registerCompensation[R any](wc *Context, name string, fn func(context.Context, R) error) {
	if fn == nil {
		return
	}
	wc.addCompensation(compensation{
		step: name,
		fn: func(ctx context.Context, raw json.RawMessage) error {
			var v R
			if err := json.Unmarshal(raw, &v); err != nil {
				return errors.Join(ErrDeserialization, err)
			}
			return fn(ctx, v)
		},
	})
}

func invokeStep[R any](ctx context.Context, fn func(context.Context) (R, error)) (out R, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = errors.Join(ErrHandlerPanic, fmt.Errorf("%v\n%s", p, debug.Stack()))
		}
	}()
	out, err = fn(ctx)
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	return out, err
}

// Sleep suspends the run for d without holding a process. On replay after
// the timer fired it returns immediately.
func (wc *Context) Sleep(d time.Duration) error {
	wc.mu.Lock()
	wc.sleepSeq++
	marker := fmt.Sprintf("sleep:%d", wc.sleepSeq)
	wc.mu.Unlock()

	if _, ok := wc.cached(marker); ok {
		return nil
	}
	if wc.mode == modeCancelling {
		return ErrCancelled
	}
	if err := wc.store.SuspendForSleep(wc.ctx, wc.runID, marker, time.Now().Add(d)); err != nil {
		return err
	}
	return ErrSuspended
}

// WaitForEvent suspends the run until an event with the given name is
// posted for it, returning the event payload. If timeout elapses first the
// await returns ErrEventTimeout.
func (wc *Context) WaitForEvent(name string, timeout time.Duration) (json.RawMessage, error) {
	wc.mu.Lock()
	wc.eventSeq[name]++
	marker := fmt.Sprintf("event:%s#%d", name, wc.eventSeq[name])
	wc.mu.Unlock()

	if raw, ok := wc.cached(marker); ok {
		var wake eventWake
		if err := json.Unmarshal(raw, &wake); err != nil {
			return nil, errors.Join(ErrDeserialization, fmt.Errorf("event %q: %w", name, err))
		}
		if wake.Timeout {
			return nil, fmt.Errorf("event %q: %w", name, ErrEventTimeout)
		}
		return wake.Payload, nil
	}
	if wc.mode == modeCancelling {
		return nil, ErrCancelled
	}
	if err := wc.store.SuspendForEvent(wc.ctx, wc.runID, marker, name, time.Now().Add(timeout)); err != nil {
		return nil, err
	}
	return nil, ErrSuspended
}

// Results holds the keyed outputs of a parallel block.
type Results map[string]json.RawMessage

// Decode unmarshals the named step's result into v.
func (r Results) Decode(name string, v any) error {
	raw, ok := r[name]
	if !ok {
		return fmt.Errorf("workflow: no result for step %q", name)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return errors.Join(ErrDeserialization, err)
	}
	return nil
}

// ParallelGroup collects steps to run concurrently.
type ParallelGroup struct {
	wc    *Context
	names []string
	runs  []func() error
}

// Parallel starts a parallel block. Add steps with AddStep, then call Run.
func (wc *Context) Parallel() *ParallelGroup {
	return &ParallelGroup{wc: wc}
}

// AddStep adds a named step to the group. Journaled steps replay from
// cache; the rest execute concurrently when Run is called.
func AddStep[R any](g *ParallelGroup, name string, fn func(context.Context) (R, error), opts ...StepOption[R]) *ParallelGroup {
	g.names = append(g.names, name)
	g.runs = append(g.runs, func() error {
		_, err := Step(g.wc, name, fn, opts...)
		return err
	})
	return g
}

// Run executes all non-journaled steps concurrently and waits for them.
// All results that completed are persisted before Run returns; on failure
// the first error is returned and the executor compensates.
func (g *ParallelGroup) Run() (Results, error) {
	eg, _ := errgroup.WithContext(g.wc.ctx)
	for _, run := range g.runs {
		eg.Go(run)
	}
	err := eg.Wait()

	results := make(Results, len(g.names))
	for _, name := range g.names {
		if raw, ok := g.wc.cached(name); ok {
			results[name] = raw
		}
	}
	if err != nil {
		return results, err
	}
	return results, nil
}
