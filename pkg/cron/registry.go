package cron

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"
)

// Invocation describes one execution of a cron handler. CatchUp marks a
// replay of a missed past instant so idempotent logic can branch.
type Invocation struct {
	ScheduledAt time.Time
	CatchUp     bool
}

// Handler runs one cron invocation.
type Handler func(ctx context.Context, inv Invocation) error

// Cron is a registered scheduled task.
type Cron struct {
	Name         string
	Schedule     *Schedule
	Handler      Handler
	Timeout      time.Duration
	CatchUp      bool
	CatchUpLimit int
}

// Registry holds registered crons. Registration happens at startup;
// lookups are read-mostly.
type Registry struct {
	mu    sync.RWMutex
	crons map[string]*Cron
}

// NewRegistry creates an empty cron registry.
func NewRegistry() *Registry {
	return &Registry{crons: make(map[string]*Cron)}
}

// Register adds a cron. The expression is parsed eagerly so a typo fails at
// startup rather than on the first tick.
func (r *Registry) Register(name, expr, timezone string, handler Handler, opts ...CronOption) error {
	sched, err := ParseSchedule(expr, timezone)
	if err != nil {
		return fmt.Errorf("cron %q: %w", name, err)
	}

	c := &Cron{
		Name:         name,
		Schedule:     sched,
		Handler:      handler,
		Timeout:      time.Minute,
		CatchUpLimit: 10,
	}
	for _, opt := range opts {
		opt(c)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.crons[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateName, name)
	}
	r.crons[name] = c
	return nil
}

// All returns registered crons sorted by name.
func (r *Registry) All() []*Cron {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := slices.Collect(maps.Values(r.crons))
	slices.SortFunc(out, func(a, b *Cron) int {
		if a.Name < b.Name {
			return -1
		}
		if a.Name > b.Name {
			return 1
		}
		return 0
	})
	return out
}

// Get returns a cron by name.
func (r *Registry) Get(name string) (*Cron, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.crons[name]
	return c, ok
}

// CronOption configures a cron registration.
type CronOption func(*Cron)

// WithTimeout sets the handler timeout. Defaults to one minute.
func WithTimeout(d time.Duration) CronOption {
	return func(c *Cron) {
		if d > 0 {
			c.Timeout = d
		}
	}
}

// WithCatchUp enables replay of missed instants after downtime, bounded by
// limit per cron per recovery.
func WithCatchUp(limit int) CronOption {
	return func(c *Cron) {
		c.CatchUp = true
		if limit > 0 {
			c.CatchUpLimit = limit
		}
	}
}
