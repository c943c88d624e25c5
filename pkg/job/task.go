package job

import (
	"context"
	"encoding/json"
	"errors"
	"maps"
	"slices"
	"sync"
	"time"
)

// taskExecutor is the internal interface for type-erased task execution.
// It lets tasks with different payload types share a single registry.
type taskExecutor interface {
	Execute(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)
	Options() taskOptions
}

type taskOptions struct {
	timeout time.Duration
	backoff Backoff
}

// taskRegistry stores registered task executors by job type.
type taskRegistry struct {
	executors map[string]taskExecutor
	mu        sync.RWMutex
}

func newTaskRegistry() *taskRegistry {
	return &taskRegistry{executors: make(map[string]taskExecutor)}
}

func (r *taskRegistry) register(name string, executor taskExecutor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[name] = executor
}

func (r *taskRegistry) get(name string) (taskExecutor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	executor, ok := r.executors[name]
	return executor, ok
}

func (r *taskRegistry) names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Collect(maps.Keys(r.executors))
}

// taskWrapper wraps a typed task handler for type-erased storage.
type taskWrapper[P any, T interface {
	Name() string
	Handle(context.Context, P) (any, error)
}] struct {
	task T
	opts taskOptions
}

func (w *taskWrapper[P, T]) Options() taskOptions { return w.opts }

// Execute deserializes the payload, calls the typed handler, and serializes
// its result for the job's output column.
func (w *taskWrapper[P, T]) Execute(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
	var payload P
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &payload); err != nil {
			return nil, errors.Join(ErrInvalidPayload, err)
		}
	}

	result, err := w.task.Handle(ctx, payload)
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, nil
	}

	out, err := json.Marshal(result)
	if err != nil {
		return nil, errors.Join(ErrInvalidPayload, err)
	}
	return out, nil
}
