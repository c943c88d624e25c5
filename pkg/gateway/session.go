package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	writeWait       = 10 * time.Second
	pongWait        = 60 * time.Second
	pingPeriod      = (pongWait * 9) / 10
	maxMessageSize  = 64 << 10
	outboundBufSize = 256
)

// Session is one live WebSocket connection. All writes go through the
// bounded outbound channel; a single writer goroutine drains it, so
// per-session delivery order is the enqueue order.
type Session struct {
	ID          uuid.UUID
	ConnectedAt time.Time

	conn      *websocket.Conn
	out       chan ServerMessage
	done      chan struct{}
	closeOnce sync.Once
}

func newSession(conn *websocket.Conn) *Session {
	return &Session{
		ID:          uuid.New(),
		ConnectedAt: time.Now(),
		conn:        conn,
		out:         make(chan ServerMessage, outboundBufSize),
		done:        make(chan struct{}),
	}
}

// Send enqueues a frame. A full channel means the consumer cannot keep
// up; the session is closed rather than blocking the producer.
func (s *Session) Send(msg ServerMessage) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.out <- msg:
		return true
	default:
		s.Close()
		return false
	}
}

// Close tears the session down. Safe to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

// Done is closed when the session has been torn down.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// writeLoop drains the outbound channel and keeps the connection alive
// with pings. Runs until the session closes.
func (s *Session) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.Close()
	}()

	for {
		select {
		case <-s.done:
			return
		case msg := <-s.out:
			payload, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Manager tracks live sessions and implements the reactor's sink. Pushes
// address a session by id; frames for a session that is already gone are
// dropped silently.
type Manager struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]*Session
}

// NewManager creates an empty session manager.
func NewManager() *Manager {
	return &Manager{sessions: make(map[uuid.UUID]*Session)}
}

func (m *Manager) add(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
}

func (m *Manager) remove(id uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
}

// Get returns a session by id.
func (m *Manager) Get(id uuid.UUID) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// CloseAll tears down every session, for drain.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()
	for _, s := range sessions {
		s.Close()
	}
}

// SendData pushes a data frame onto a session's channel.
func (m *Manager) SendData(sessionID uuid.UUID, clientSubID string, data json.RawMessage) {
	if s, ok := m.Get(sessionID); ok {
		s.Send(dataMsg(clientSubID, data))
	}
}

// SendJobUpdate pushes a job snapshot onto a session's channel.
func (m *Manager) SendJobUpdate(sessionID uuid.UUID, clientSubID string, job json.RawMessage) {
	if s, ok := m.Get(sessionID); ok {
		s.Send(jobUpdateMsg(clientSubID, job))
	}
}

// SendWorkflowUpdate pushes a run snapshot onto a session's channel.
func (m *Manager) SendWorkflowUpdate(sessionID uuid.UUID, clientSubID string, run json.RawMessage) {
	if s, ok := m.Get(sessionID); ok {
		s.Send(workflowUpdateMsg(clientSubID, run))
	}
}

// Store mirrors sessions into the sessions table so other nodes can see
// cluster-wide connection state.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a session store over the shared pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Create records a new session for this node.
func (st *Store) Create(ctx context.Context, sessionID, nodeID uuid.UUID) error {
	_, err := st.pool.Exec(ctx, `
		INSERT INTO sessions (id, node_id, status) VALUES ($1, $2, 'active')`,
		sessionID, nodeID)
	if err != nil {
		return fmt.Errorf("gateway: create session: %w", err)
	}
	return nil
}

// Touch refreshes a session's activity timestamp.
func (st *Store) Touch(ctx context.Context, sessionID uuid.UUID) error {
	_, err := st.pool.Exec(ctx,
		`UPDATE sessions SET last_active_at = now() WHERE id = $1`, sessionID)
	if err != nil {
		return fmt.Errorf("gateway: touch session: %w", err)
	}
	return nil
}

// Delete removes a session row on disconnect.
func (st *Store) Delete(ctx context.Context, sessionID uuid.UUID) error {
	_, err := st.pool.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, sessionID)
	if err != nil {
		return fmt.Errorf("gateway: delete session: %w", err)
	}
	return nil
}

// DeleteForNode removes every session row owned by a node, for drain and
// for cleaning up after dead nodes.
func (st *Store) DeleteForNode(ctx context.Context, nodeID uuid.UUID) error {
	_, err := st.pool.Exec(ctx, `DELETE FROM sessions WHERE node_id = $1`, nodeID)
	if err != nil {
		return fmt.Errorf("gateway: delete node sessions: %w", err)
	}
	return nil
}
