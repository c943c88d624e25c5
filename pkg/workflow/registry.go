package workflow

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// Handler executes one workflow version. Typed handlers are erased to this
// interface at registration; inputs and outputs cross it as JSON.
type Handler interface {
	Execute(wc *Context, input json.RawMessage) (json.RawMessage, error)
}

type handlerFunc[In, Out any] struct {
	fn func(*Context, In) (Out, error)
}

func (h handlerFunc[In, Out]) Execute(wc *Context, input json.RawMessage) (json.RawMessage, error) {
	var in In
	if len(input) > 0 {
		if err := json.Unmarshal(input, &in); err != nil {
			return nil, errors.Join(ErrDeserialization, err)
		}
	}
	out, err := h.fn(wc, in)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return nil, errors.Join(ErrDeserialization, err)
	}
	return raw, nil
}

// Registry maps (name, version) to handlers. Registration happens at
// startup; resume always resolves the version recorded when the run
// started, so old replays keep their original code path.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]map[int]Handler
	latest   map[string]int
}

// NewRegistry creates an empty workflow registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]map[int]Handler),
		latest:   make(map[string]int),
	}
}

// Register adds a typed workflow handler under (name, version).
func Register[In, Out any](r *Registry, name string, version int, fn func(*Context, In) (Out, error)) error {
	if version < 1 {
		return fmt.Errorf("workflow %q: version must be >= 1", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	versions, ok := r.handlers[name]
	if !ok {
		versions = make(map[int]Handler)
		r.handlers[name] = versions
	}
	if _, exists := versions[version]; exists {
		return fmt.Errorf("%w: %s v%d", ErrDuplicateWorkflow, name, version)
	}
	versions[version] = handlerFunc[In, Out]{fn: fn}
	if version > r.latest[name] {
		r.latest[name] = version
	}
	return nil
}

// Resolve returns the handler for an exact (name, version).
func (r *Registry) Resolve(name string, version int) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name][version]
	if !ok {
		return nil, fmt.Errorf("%w: %s v%d", ErrUnknownWorkflow, name, version)
	}
	return h, nil
}

// Latest returns the highest registered version of a workflow.
func (r *Registry) Latest(name string) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.latest[name]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownWorkflow, name)
	}
	return v, nil
}
