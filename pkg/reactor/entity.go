package reactor

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// EntityFetcher loads fresh snapshots for the direct job/workflow
// subscription paths.
type EntityFetcher interface {
	JobSnapshot(ctx context.Context, id uuid.UUID) ([]byte, error)
	RunSnapshot(ctx context.Context, id uuid.UUID) ([]byte, error)
	// StepRunID dereferences a workflow step row to its parent run.
	StepRunID(ctx context.Context, stepID uuid.UUID) (uuid.UUID, error)
}

type entityKind int

const (
	kindJob entityKind = iota
	kindRun
)

// Subscriber identifies one entity-subscription endpoint.
type Subscriber struct {
	SessionID   uuid.UUID
	ClientSubID string
}

type entityRef struct {
	kind entityKind
	id   uuid.UUID
}

// EntityIndex routes changes to sessions watching a specific job id or
// workflow run id.
type EntityIndex struct {
	mu        sync.RWMutex
	jobs      map[uuid.UUID]map[Subscriber]struct{}
	runs      map[uuid.UUID]map[Subscriber]struct{}
	bySession map[uuid.UUID]map[string]entityRef
}

// NewEntityIndex creates an empty index.
func NewEntityIndex() *EntityIndex {
	return &EntityIndex{
		jobs:      make(map[uuid.UUID]map[Subscriber]struct{}),
		runs:      make(map[uuid.UUID]map[Subscriber]struct{}),
		bySession: make(map[uuid.UUID]map[string]entityRef),
	}
}

// SubscribeJob watches a job id.
func (e *EntityIndex) SubscribeJob(sessionID uuid.UUID, clientSubID string, jobID uuid.UUID) error {
	return e.subscribe(sessionID, clientSubID, entityRef{kind: kindJob, id: jobID})
}

// SubscribeRun watches a workflow run id.
func (e *EntityIndex) SubscribeRun(sessionID uuid.UUID, clientSubID string, runID uuid.UUID) error {
	return e.subscribe(sessionID, clientSubID, entityRef{kind: kindRun, id: runID})
}

func (e *EntityIndex) subscribe(sessionID uuid.UUID, clientSubID string, ref entityRef) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.bySession[sessionID][clientSubID]; exists {
		return ErrSubscriptionExists
	}
	if e.bySession[sessionID] == nil {
		e.bySession[sessionID] = make(map[string]entityRef)
	}
	e.bySession[sessionID][clientSubID] = ref

	sub := Subscriber{SessionID: sessionID, ClientSubID: clientSubID}
	index := e.indexFor(ref.kind)
	if index[ref.id] == nil {
		index[ref.id] = make(map[Subscriber]struct{})
	}
	index[ref.id][sub] = struct{}{}
	return nil
}

// Unsubscribe drops one entity subscription by the client's id.
func (e *EntityIndex) Unsubscribe(sessionID uuid.UUID, clientSubID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	ref, ok := e.bySession[sessionID][clientSubID]
	if !ok {
		return ErrNotSubscribed
	}
	e.removeLocked(sessionID, clientSubID, ref)
	return nil
}

// RemoveSession drops every entity subscription a session owns.
func (e *EntityIndex) RemoveSession(sessionID uuid.UUID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for clientSubID, ref := range e.bySession[sessionID] {
		e.removeLocked(sessionID, clientSubID, ref)
	}
}

func (e *EntityIndex) removeLocked(sessionID uuid.UUID, clientSubID string, ref entityRef) {
	sub := Subscriber{SessionID: sessionID, ClientSubID: clientSubID}
	index := e.indexFor(ref.kind)
	delete(index[ref.id], sub)
	if len(index[ref.id]) == 0 {
		delete(index, ref.id)
	}
	delete(e.bySession[sessionID], clientSubID)
	if len(e.bySession[sessionID]) == 0 {
		delete(e.bySession, sessionID)
	}
}

func (e *EntityIndex) indexFor(kind entityKind) map[uuid.UUID]map[Subscriber]struct{} {
	if kind == kindJob {
		return e.jobs
	}
	return e.runs
}

// JobSubscribers returns the watchers of a job id.
func (e *EntityIndex) JobSubscribers(jobID uuid.UUID) []Subscriber {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return collect(e.jobs[jobID])
}

// RunSubscribers returns the watchers of a run id.
func (e *EntityIndex) RunSubscribers(runID uuid.UUID) []Subscriber {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return collect(e.runs[runID])
}

// WatchedJobs returns every job id with at least one watcher.
func (e *EntityIndex) WatchedJobs() []uuid.UUID {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return keys(e.jobs)
}

// WatchedRuns returns every run id with at least one watcher.
func (e *EntityIndex) WatchedRuns() []uuid.UUID {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return keys(e.runs)
}

func collect(set map[Subscriber]struct{}) []Subscriber {
	if len(set) == 0 {
		return nil
	}
	out := make([]Subscriber, 0, len(set))
	for sub := range set {
		out = append(out, sub)
	}
	return out
}

func keys(index map[uuid.UUID]map[Subscriber]struct{}) []uuid.UUID {
	if len(index) == 0 {
		return nil
	}
	out := make([]uuid.UUID, 0, len(index))
	for id := range index {
		out = append(out, id)
	}
	return out
}
