package reactor

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	defaultDebounce    = 100 * time.Millisecond
	defaultMaxDebounce = time.Second
)

type pending struct {
	firstAt time.Time
	lastAt  time.Time
}

// Debouncer coalesces invalidations per subscription. An entry is ready
// once the debounce window has passed since the last change affecting it,
// or the max window since the first, whichever comes sooner.
type Debouncer struct {
	mu          sync.Mutex
	entries     map[uuid.UUID]pending
	debounce    time.Duration
	maxDebounce time.Duration
}

// DebouncerOption configures the debouncer.
type DebouncerOption func(*Debouncer)

// WithWindows sets the quiet window and the hard flush window.
func WithWindows(debounce, maxDebounce time.Duration) DebouncerOption {
	return func(d *Debouncer) {
		if debounce > 0 {
			d.debounce = debounce
		}
		if maxDebounce >= debounce {
			d.maxDebounce = maxDebounce
		}
	}
}

// NewDebouncer creates a debouncer with the default windows.
func NewDebouncer(opts ...DebouncerOption) *Debouncer {
	d := &Debouncer{
		entries:     make(map[uuid.UUID]pending),
		debounce:    defaultDebounce,
		maxDebounce: defaultMaxDebounce,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Mark records an invalidation of the subscription at now.
func (d *Debouncer) Mark(id uuid.UUID, now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.entries[id]
	if !ok {
		p = pending{firstAt: now}
	}
	p.lastAt = now
	d.entries[id] = p
}

// Ready removes and returns the subscriptions due for re-execution at now.
func (d *Debouncer) Ready(now time.Time) []uuid.UUID {
	d.mu.Lock()
	defer d.mu.Unlock()
	var due []uuid.UUID
	for id, p := range d.entries {
		if now.Sub(p.lastAt) >= d.debounce || now.Sub(p.firstAt) >= d.maxDebounce {
			due = append(due, id)
			delete(d.entries, id)
		}
	}
	return due
}

// Drop discards any pending invalidation for a removed subscription.
func (d *Debouncer) Drop(id uuid.UUID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.entries, id)
}

// Pending returns the number of subscriptions with coalescing changes.
func (d *Debouncer) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}

// Run polls for due entries until ctx is cancelled, invoking flush with
// each batch. The poll granularity is a quarter of the debounce window.
func (d *Debouncer) Run(ctx context.Context, flush func([]uuid.UUID)) {
	tick := max(d.debounce/4, 10*time.Millisecond)
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if due := d.Ready(time.Now()); len(due) > 0 {
				flush(due)
			}
		}
	}
}
