package reactor

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/forgepg/forge/pkg/logger"
)

// Channel is the NOTIFY channel reactive-table triggers emit on.
const Channel = "forge_changes"

const (
	minReconnectBackoff = 100 * time.Millisecond
	maxReconnectBackoff = 5 * time.Second
)

// Listener holds one dedicated connection on LISTEN and fans parsed
// changes out to local handlers. Notifications emitted while the
// connection is down are lost; every reconnect therefore fires the resync
// handlers so subscriptions re-execute pessimistically.
type Listener struct {
	pool    *pgxpool.Pool
	logger  *slog.Logger
	healthy atomic.Bool

	onChange []func(Change)
	onResync []func()
}

// ListenerOption configures the listener.
type ListenerOption func(*Listener)

// WithListenerLogger sets the logger.
func WithListenerLogger(l *slog.Logger) ListenerOption {
	return func(ln *Listener) {
		if l != nil {
			ln.logger = l
		}
	}
}

// NewListener creates a listener over the shared pool.
func NewListener(pool *pgxpool.Pool, opts ...ListenerOption) *Listener {
	ln := &Listener{
		pool:   pool,
		logger: logger.NewNope(),
	}
	for _, opt := range opts {
		opt(ln)
	}
	return ln
}

// OnChange registers a change handler. Call before Run; handlers run on
// the listener goroutine and must not block.
func (ln *Listener) OnChange(fn func(Change)) {
	ln.onChange = append(ln.onChange, fn)
}

// OnResync registers a handler fired after every reconnect.
func (ln *Listener) OnResync(fn func()) {
	ln.onResync = append(ln.onResync, fn)
}

// Healthy reports whether the listener currently holds a live LISTEN.
func (ln *Listener) Healthy() bool {
	return ln.healthy.Load()
}

// Run listens until ctx is cancelled, reconnecting with backoff.
func (ln *Listener) Run(ctx context.Context) {
	backoff := minReconnectBackoff
	firstConnect := true

	for ctx.Err() == nil {
		err := ln.listenOnce(ctx, !firstConnect)
		if ln.healthy.Load() {
			backoff = minReconnectBackoff
		}
		ln.healthy.Store(false)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			ln.logger.WarnContext(ctx, "change listener disconnected",
				slog.Any("error", err), slog.Duration("retry_in", backoff))
		}
		firstConnect = false

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxReconnectBackoff)
	}
}

// listenOnce holds one connection from LISTEN to failure.
func (ln *Listener) listenOnce(ctx context.Context, reconnect bool) error {
	conn, err := ln.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+Channel); err != nil {
		return err
	}
	ln.healthy.Store(true)
	ln.logger.InfoContext(ctx, "change listener connected", slog.String("channel", Channel))

	if reconnect {
		for _, fn := range ln.onResync {
			fn()
		}
	}

	for {
		notification, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		ch, err := ParseChange([]byte(notification.Payload))
		if err != nil {
			ln.logger.WarnContext(ctx, "dropping unparseable change notification",
				slog.Any("error", err))
			continue
		}
		for _, fn := range ln.onChange {
			fn(ch)
		}
	}
}
