package reactor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// Query executes a named read against the database, recording what it
// touched into the tracker. Typed queries are erased to this interface at
// registration.
type Query interface {
	Execute(ctx context.Context, tr *Tracker, args json.RawMessage) (json.RawMessage, error)
}

type queryFunc[A, R any] struct {
	fn func(context.Context, *Tracker, A) (R, error)
}

func (q queryFunc[A, R]) Execute(ctx context.Context, tr *Tracker, args json.RawMessage) (json.RawMessage, error) {
	var a A
	if len(args) > 0 {
		if err := json.Unmarshal(args, &a); err != nil {
			return nil, fmt.Errorf("reactor: decode query args: %w", err)
		}
	}
	out, err := q.fn(ctx, tr, a)
	if err != nil {
		return nil, err
	}
	return json.Marshal(out)
}

// Queries is the registry of subscribable reads.
type Queries struct {
	mu      sync.RWMutex
	queries map[string]Query
}

// NewQueries creates an empty query registry.
func NewQueries() *Queries {
	return &Queries{queries: make(map[string]Query)}
}

// RegisterQuery adds a typed query under name.
func RegisterQuery[A, R any](qs *Queries, name string, fn func(context.Context, *Tracker, A) (R, error)) error {
	qs.mu.Lock()
	defer qs.mu.Unlock()
	if _, exists := qs.queries[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateQuery, name)
	}
	qs.queries[name] = queryFunc[A, R]{fn: fn}
	return nil
}

// Get returns the query registered under name.
func (qs *Queries) Get(name string) (Query, error) {
	qs.mu.RLock()
	defer qs.mu.RUnlock()
	q, ok := qs.queries[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownQuery, name)
	}
	return q, nil
}

// QueryHash is the coalescing key for (query_name, canonical args).
// Identical subscriptions across sessions share it.
func QueryHash(name string, args json.RawMessage) (uint64, error) {
	canonical, err := canonicalJSON(args)
	if err != nil {
		return 0, err
	}
	d := xxhash.New()
	_, _ = d.WriteString(name)
	_, _ = d.Write([]byte{0})
	_, _ = d.Write(canonical)
	return d.Sum64(), nil
}

// ResultHash fingerprints a query result for change suppression.
func ResultHash(result json.RawMessage) uint64 {
	return xxhash.Sum64(result)
}

// canonicalJSON normalizes arbitrary JSON so that key order does not
// affect the hash. encoding/json writes map keys sorted.
func canonicalJSON(raw json.RawMessage) ([]byte, error) {
	if len(raw) == 0 {
		return []byte("null"), nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, errors.Join(errors.New("reactor: canonicalize args"), err)
	}
	return json.Marshal(v)
}
