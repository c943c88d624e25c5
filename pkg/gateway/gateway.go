package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/forgepg/forge/pkg/job"
	"github.com/forgepg/forge/pkg/logger"
	"github.com/forgepg/forge/pkg/reactor"
	"github.com/forgepg/forge/pkg/workflow"
)

const defaultMaxConnections = 10000

// AuthFunc validates an auth frame's token. A nil AuthFunc accepts every
// connection.
type AuthFunc func(ctx context.Context, token string) error

// Gateway serves the WebSocket endpoint and routes wire-protocol
// messages to the reactor.
type Gateway struct {
	nodeID   uuid.UUID
	sessions *Manager
	store    *Store
	reactor  *reactor.Reactor
	logger   *slog.Logger

	auth           AuthFunc
	maxConnections int
	draining       atomic.Bool
	upgrader       websocket.Upgrader
	router         chi.Router
	server         *http.Server
}

// Option configures the gateway.
type Option func(*Gateway)

// WithAuth requires clients to authenticate before subscribing.
func WithAuth(fn AuthFunc) Option {
	return func(g *Gateway) { g.auth = fn }
}

// WithMaxConnections caps concurrent sessions.
func WithMaxConnections(n int) Option {
	return func(g *Gateway) {
		if n > 0 {
			g.maxConnections = n
		}
	}
}

// WithGatewayLogger sets the logger.
func WithGatewayLogger(l *slog.Logger) Option {
	return func(g *Gateway) {
		if l != nil {
			g.logger = l
		}
	}
}

// WithSessionStore mirrors sessions into the database.
func WithSessionStore(store *Store) Option {
	return func(g *Gateway) { g.store = store }
}

// New creates a gateway over the reactor and session manager.
func New(nodeID uuid.UUID, sessions *Manager, r *reactor.Reactor, opts ...Option) *Gateway {
	g := &Gateway{
		nodeID:         nodeID,
		sessions:       sessions,
		reactor:        r,
		logger:         logger.NewNope(),
		maxConnections: defaultMaxConnections,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(g)
	}

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Get("/ws", g.handleWS)
	g.router = router
	return g
}

// Router exposes the HTTP mux so callers can mount health endpoints next
// to /ws.
func (g *Gateway) Router() chi.Router {
	return g.router
}

// Run serves until ctx is cancelled, then closes the listener. Session
// teardown is Drain's job.
func (g *Gateway) Run(ctx context.Context, port int) error {
	g.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           g.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := g.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return g.server.Shutdown(shutdownCtx)
	}
}

// Drain rejects new connections and tears down live sessions.
func (g *Gateway) Drain() {
	g.draining.Store(true)
	g.sessions.CloseAll()
}

// Draining reports whether the gateway is refusing new connections.
func (g *Gateway) Draining() bool {
	return g.draining.Load()
}

func (g *Gateway) handleWS(w http.ResponseWriter, r *http.Request) {
	if g.draining.Load() {
		http.Error(w, ErrDraining.Error(), http.StatusServiceUnavailable)
		return
	}
	if g.sessions.Count() >= g.maxConnections {
		http.Error(w, ErrTooManyClients.Error(), http.StatusServiceUnavailable)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.WarnContext(r.Context(), "websocket upgrade failed", slog.Any("error", err))
		return
	}

	session := newSession(conn)
	g.sessions.add(session)

	ctx := context.WithoutCancel(r.Context())
	if g.store != nil {
		if err := g.store.Create(ctx, session.ID, g.nodeID); err != nil {
			g.logger.ErrorContext(ctx, "failed to persist session", slog.Any("error", err))
		}
	}
	g.logger.InfoContext(ctx, "session connected",
		slog.String("session_id", session.ID.String()))

	go session.writeLoop()
	session.Send(connectedMsg())
	go g.readLoop(ctx, session)
}

// readLoop parses inbound frames and dispatches them until the
// connection drops, then cleans the session up everywhere.
func (g *Gateway) readLoop(ctx context.Context, session *Session) {
	defer func() {
		session.Close()
		g.sessions.remove(session.ID)
		g.reactor.DropSession(session.ID)
		if g.store != nil {
			if err := g.store.Delete(ctx, session.ID); err != nil {
				g.logger.ErrorContext(ctx, "failed to remove session row", slog.Any("error", err))
			}
		}
		g.logger.InfoContext(ctx, "session disconnected",
			slog.String("session_id", session.ID.String()))
	}()

	conn := session.conn
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	authed := g.auth == nil
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg ClientMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			session.Send(errorMsg("", CodeValidation, "malformed message"))
			continue
		}
		g.dispatch(ctx, session, msg, &authed)
	}
}

func (g *Gateway) dispatch(ctx context.Context, session *Session, msg ClientMessage, authed *bool) {
	switch msg.Type {
	case MsgPing:
		session.Send(pongMsg())
		if g.store != nil {
			if err := g.store.Touch(ctx, session.ID); err != nil {
				g.logger.WarnContext(ctx, "failed to touch session", slog.Any("error", err))
			}
		}

	case MsgAuth:
		if g.auth == nil {
			*authed = true
			return
		}
		if err := g.auth(ctx, msg.Token); err != nil {
			session.Send(errorMsg("", CodeUnauthorized, "authentication failed"))
			return
		}
		*authed = true

	case MsgSubscribe:
		if !g.gate(session, msg.ID, *authed) {
			return
		}
		data, err := g.reactor.Subscribe(ctx, session.ID, msg.ID, msg.Function, msg.Args)
		if err != nil {
			session.Send(errorMsg(msg.ID, codeFor(err), safeMessage(err)))
			return
		}
		session.Send(dataMsg(msg.ID, data))

	case MsgUnsubscribe, MsgUnsubscribeJob, MsgUnsubscribeWorkflow:
		if err := validateCorrelationID(msg.ID); err != nil {
			session.Send(errorMsg(msg.ID, CodeValidation, err.Error()))
			return
		}
		if err := g.reactor.Unsubscribe(session.ID, msg.ID); err != nil {
			session.Send(errorMsg(msg.ID, codeFor(err), safeMessage(err)))
		}

	case MsgSubscribeJob:
		if !g.gate(session, msg.ID, *authed) {
			return
		}
		jobID, err := parseEntityID(msg.JobID)
		if err != nil {
			session.Send(errorMsg(msg.ID, CodeValidation, err.Error()))
			return
		}
		snapshot, err := g.reactor.SubscribeJob(ctx, session.ID, msg.ID, jobID)
		if err != nil {
			session.Send(errorMsg(msg.ID, codeFor(err), safeMessage(err)))
			return
		}
		session.Send(jobUpdateMsg(msg.ID, snapshot))

	case MsgSubscribeWorkflow:
		if !g.gate(session, msg.ID, *authed) {
			return
		}
		runID, err := parseEntityID(msg.WorkflowID)
		if err != nil {
			session.Send(errorMsg(msg.ID, CodeValidation, err.Error()))
			return
		}
		snapshot, err := g.reactor.SubscribeWorkflow(ctx, session.ID, msg.ID, runID)
		if err != nil {
			session.Send(errorMsg(msg.ID, codeFor(err), safeMessage(err)))
			return
		}
		session.Send(workflowUpdateMsg(msg.ID, snapshot))

	default:
		session.Send(errorMsg(msg.ID, CodeValidation, "unknown message type"))
	}
}

// gate validates the correlation id and the auth state before any
// subscribe path runs.
func (g *Gateway) gate(session *Session, id string, authed bool) bool {
	if err := validateCorrelationID(id); err != nil {
		session.Send(errorMsg(id, CodeValidation, err.Error()))
		return false
	}
	if !authed {
		session.Send(errorMsg(id, CodeUnauthorized, "authenticate first"))
		return false
	}
	return true
}

func codeFor(err error) string {
	switch {
	case errors.Is(err, job.ErrNotFound), errors.Is(err, workflow.ErrNotFound):
		return CodeNotFound
	case errors.Is(err, reactor.ErrUnknownQuery):
		return CodeUnknownQuery
	case errors.Is(err, reactor.ErrSubscriptionLimit):
		return CodeSubscriptionLimit
	case errors.Is(err, reactor.ErrSubscriptionExists),
		errors.Is(err, reactor.ErrNotSubscribed):
		return CodeValidation
	default:
		return CodeInternal
	}
}

// safeMessage keeps internal detail off the wire for unexpected errors.
func safeMessage(err error) string {
	switch codeFor(err) {
	case CodeInternal:
		return "internal error"
	default:
		return err.Error()
	}
}
