package reactor

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	defaultPerSessionLimit = 100
	defaultRowThreshold    = 100
	defaultTableThreshold  = 50
)

// Subscription is one live query owned by a session. Mutable fields
// (read set, result hash, execution stats) are only touched through the
// Manager under its lock.
type Subscription struct {
	ID             uuid.UUID
	SessionID      uuid.UUID
	ClientSubID    string
	QueryName      string
	Args           json.RawMessage
	QueryHash      uint64
	ReadSet        *ReadSet
	LastResultHash uint64
	CreatedAt      time.Time
	LastExecutedAt time.Time
	ExecutionCount int
}

// Manager indexes subscriptions three ways (by id, by session, by query
// hash) and owns the per-table adaptive tracking mode.
type Manager struct {
	mu          sync.RWMutex
	byID        map[uuid.UUID]*Subscription
	bySession   map[uuid.UUID]map[uuid.UUID]struct{}
	byClientID  map[uuid.UUID]map[string]uuid.UUID
	byQueryHash map[uint64]map[uuid.UUID]struct{}

	perSessionLimit int

	// adaptive mode per table: above rowThreshold row-tracking subs the
	// table degrades to table granularity; below tableThreshold it
	// returns to row. The gap is the hysteresis band.
	rowThreshold   int
	tableThreshold int
	tableRowSubs   map[string]int
	tableMode      map[string]Mode
}

// ManagerOption configures the subscription manager.
type ManagerOption func(*Manager)

// WithPerSessionLimit caps live subscriptions per session.
func WithPerSessionLimit(n int) ManagerOption {
	return func(m *Manager) {
		if n > 0 {
			m.perSessionLimit = n
		}
	}
}

// WithAdaptiveThresholds sets the row/table switchover points. table must
// be below row for the hysteresis band to exist.
func WithAdaptiveThresholds(row, table int) ManagerOption {
	return func(m *Manager) {
		if row > 0 && table > 0 && table < row {
			m.rowThreshold = row
			m.tableThreshold = table
		}
	}
}

// NewManager creates an empty subscription manager.
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		byID:            make(map[uuid.UUID]*Subscription),
		bySession:       make(map[uuid.UUID]map[uuid.UUID]struct{}),
		byClientID:      make(map[uuid.UUID]map[string]uuid.UUID),
		byQueryHash:     make(map[uint64]map[uuid.UUID]struct{}),
		perSessionLimit: defaultPerSessionLimit,
		rowThreshold:    defaultRowThreshold,
		tableThreshold:  defaultTableThreshold,
		tableRowSubs:    make(map[string]int),
		tableMode:       make(map[string]Mode),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Add registers a subscription, enforcing the per-session limit and the
// uniqueness of the client's subscription id within its session.
func (m *Manager) Add(sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.bySession[sub.SessionID]) >= m.perSessionLimit {
		return fmt.Errorf("%w (%d)", ErrSubscriptionLimit, m.perSessionLimit)
	}
	if _, exists := m.byClientID[sub.SessionID][sub.ClientSubID]; exists {
		return fmt.Errorf("%w: %s", ErrSubscriptionExists, sub.ClientSubID)
	}

	m.byID[sub.ID] = sub
	if m.bySession[sub.SessionID] == nil {
		m.bySession[sub.SessionID] = make(map[uuid.UUID]struct{})
	}
	m.bySession[sub.SessionID][sub.ID] = struct{}{}
	if m.byClientID[sub.SessionID] == nil {
		m.byClientID[sub.SessionID] = make(map[string]uuid.UUID)
	}
	m.byClientID[sub.SessionID][sub.ClientSubID] = sub.ID
	if m.byQueryHash[sub.QueryHash] == nil {
		m.byQueryHash[sub.QueryHash] = make(map[uuid.UUID]struct{})
	}
	m.byQueryHash[sub.QueryHash][sub.ID] = struct{}{}

	m.trackReadSet(nil, sub.ReadSet)
	return nil
}

// Remove drops a subscription by id.
func (m *Manager) Remove(id uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeLocked(id)
}

// RemoveByClientID drops a session's subscription by the client's own id
// and returns the internal id it was indexed under.
func (m *Manager) RemoveByClientID(sessionID uuid.UUID, clientSubID string) (uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byClientID[sessionID][clientSubID]
	if !ok {
		return uuid.Nil, fmt.Errorf("%w: %s", ErrNotSubscribed, clientSubID)
	}
	m.removeLocked(id)
	return id, nil
}

// RemoveSession drops every subscription a session owns and returns their
// ids, for cleanup on disconnect or drain.
func (m *Manager) RemoveSession(sessionID uuid.UUID) []uuid.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []uuid.UUID
	for id := range m.bySession[sessionID] {
		ids = append(ids, id)
	}
	for _, id := range ids {
		m.removeLocked(id)
	}
	return ids
}

func (m *Manager) removeLocked(id uuid.UUID) {
	sub, ok := m.byID[id]
	if !ok {
		return
	}
	delete(m.byID, id)
	delete(m.bySession[sub.SessionID], id)
	if len(m.bySession[sub.SessionID]) == 0 {
		delete(m.bySession, sub.SessionID)
	}
	delete(m.byClientID[sub.SessionID], sub.ClientSubID)
	if len(m.byClientID[sub.SessionID]) == 0 {
		delete(m.byClientID, sub.SessionID)
	}
	delete(m.byQueryHash[sub.QueryHash], id)
	if len(m.byQueryHash[sub.QueryHash]) == 0 {
		delete(m.byQueryHash, sub.QueryHash)
	}
	m.trackReadSet(sub.ReadSet, nil)
}

// Get returns a subscription by id.
func (m *Manager) Get(id uuid.UUID) (*Subscription, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sub, ok := m.byID[id]
	return sub, ok
}

// All returns the ids of every live subscription, for resync.
func (m *Manager) All() []uuid.UUID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]uuid.UUID, 0, len(m.byID))
	for id := range m.byID {
		ids = append(ids, id)
	}
	return ids
}

// Count returns the number of live subscriptions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byID)
}

// Invalidate returns the ids of subscriptions whose read set intersects
// the change, after adaptive mode resolution.
func (m *Manager) Invalidate(ch Change) []uuid.UUID {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var hit []uuid.UUID
	for id, sub := range m.byID {
		if sub.ReadSet == nil {
			continue
		}
		effective := sub.ReadSet.Mode
		if effective == ModeAdaptive {
			effective = m.effectiveModeLocked(ch.Table)
		}
		if sub.ReadSet.Intersects(ch, effective) {
			hit = append(hit, id)
		}
	}
	return hit
}

// EffectiveMode returns the adaptive granularity currently in force for a
// table.
func (m *Manager) EffectiveMode(table string) Mode {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.effectiveModeLocked(table)
}

func (m *Manager) effectiveModeLocked(table string) Mode {
	if mode, ok := m.tableMode[table]; ok {
		return mode
	}
	return ModeRow
}

// UpdateAfterExecution replaces a subscription's read set and result hash
// after a re-execution. Returns whether the result actually changed.
func (m *Manager) UpdateAfterExecution(id uuid.UUID, rs *ReadSet, resultHash uint64, at time.Time) (changed bool, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, found := m.byID[id]
	if !found {
		return false, false
	}
	changed = sub.LastResultHash != resultHash
	m.trackReadSet(sub.ReadSet, rs)
	sub.ReadSet = rs
	sub.LastResultHash = resultHash
	sub.LastExecutedAt = at
	sub.ExecutionCount++
	return changed, true
}

// trackReadSet moves per-table row-tracking counts from the old read set
// to the new one and recomputes affected table modes.
func (m *Manager) trackReadSet(old, fresh *ReadSet) {
	touched := make(map[string]struct{})
	if old != nil {
		for table, rows := range old.Rows {
			if len(rows) > 0 {
				m.tableRowSubs[table]--
				if m.tableRowSubs[table] <= 0 {
					delete(m.tableRowSubs, table)
				}
				touched[table] = struct{}{}
			}
		}
	}
	if fresh != nil {
		for table, rows := range fresh.Rows {
			if len(rows) > 0 {
				m.tableRowSubs[table]++
				touched[table] = struct{}{}
			}
		}
	}
	for table := range touched {
		m.recomputeModeLocked(table)
	}
}

func (m *Manager) recomputeModeLocked(table string) {
	count := m.tableRowSubs[table]
	mode := m.effectiveModeLocked(table)
	switch {
	case count > m.rowThreshold:
		mode = ModeTable
	case count < m.tableThreshold:
		mode = ModeRow
	}
	m.tableMode[table] = mode
}
