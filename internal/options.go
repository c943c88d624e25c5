package internal

import (
	"io/fs"
	"log/slog"
	"time"

	"github.com/forgepg/forge/pkg/config"
	"github.com/forgepg/forge/pkg/cron"
	"github.com/forgepg/forge/pkg/gateway"
	"github.com/forgepg/forge/pkg/health"
	"github.com/forgepg/forge/pkg/job"
	"github.com/forgepg/forge/pkg/reactor"
	"github.com/forgepg/forge/pkg/workflow"
)

// Option configures an App at construction.
type Option func(*App)

// WithConfig replaces the default configuration.
func WithConfig(cfg config.Config) Option {
	return func(a *App) { a.cfg = cfg }
}

// WithConfigFile loads configuration from a YAML file with ${NAME}
// environment substitution. A load failure surfaces from Run.
func WithConfigFile(path string) Option {
	return func(a *App) {
		cfg, err := config.Load(path)
		if err != nil {
			a.cfgErr = err
			return
		}
		a.cfg = cfg
	}
}

// WithLogger replaces the logger built from the observability config.
func WithLogger(l *slog.Logger) Option {
	return func(a *App) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithVersion sets the version string published in the node registry.
func WithVersion(v string) Option {
	return func(a *App) { a.version = v }
}

// WithUserMigrations adds application migrations that run after the
// built-in schema, in lexicographic file order.
func WithUserMigrations(fsys fs.FS) Option {
	return func(a *App) { a.migr = fsys }
}

// WithWorkerOptions passes options through to the job worker, including
// task registrations.
func WithWorkerOptions(opts ...job.Option) Option {
	return func(a *App) { a.workerOpts = append(a.workerOpts, opts...) }
}

// WithReactorOptions passes options through to the reactor.
func WithReactorOptions(opts ...reactor.Option) Option {
	return func(a *App) { a.reactorOpts = append(a.reactorOpts, opts...) }
}

// WithCron registers a scheduled handler.
func WithCron(name, expr, timezone string, handler cron.Handler, opts ...cron.CronOption) Option {
	return func(a *App) {
		a.cronRegs = append(a.cronRegs, cronRegistration{
			name: name, expr: expr, timezone: timezone, handler: handler, opts: opts,
		})
	}
}

// WithWorkflows applies workflow registrations against the registry at
// startup. Used by the typed root-package helpers.
func WithWorkflows(fn func(*workflow.Registry) error) Option {
	return func(a *App) { a.workflowRegs = append(a.workflowRegs, fn) }
}

// WithQueries applies query registrations against the registry at
// startup. Used by the typed root-package helpers.
func WithQueries(fn func(*reactor.Queries) error) Option {
	return func(a *App) { a.queryRegs = append(a.queryRegs, fn) }
}

// WithAuth requires WebSocket clients to authenticate.
func WithAuth(fn gateway.AuthFunc) Option {
	return func(a *App) { a.auth = fn }
}

// WithReadinessCheck adds a named readiness probe next to the built-in
// database, listener, and queue checks.
func WithReadinessCheck(name string, fn health.CheckFunc) Option {
	return func(a *App) { a.readiness[name] = fn }
}

// WithShutdownTimeout bounds the drain sequence.
func WithShutdownTimeout(d time.Duration) Option {
	return func(a *App) {
		if d > 0 {
			a.shutdownTimeout = d
		}
	}
}
