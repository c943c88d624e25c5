package forge

import (
	"context"
	"io/fs"
	"log/slog"
	"time"

	"github.com/forgepg/forge/internal"
	"github.com/forgepg/forge/pkg/config"
	"github.com/forgepg/forge/pkg/cron"
	"github.com/forgepg/forge/pkg/gateway"
	"github.com/forgepg/forge/pkg/health"
	"github.com/forgepg/forge/pkg/job"
	"github.com/forgepg/forge/pkg/logger"
	"github.com/forgepg/forge/pkg/reactor"
	"github.com/forgepg/forge/pkg/workflow"
)

// Type aliases - public API
type (
	// App is a configured node: construction collects registrations, Run
	// wires the engines for the node's roles and blocks until shutdown.
	App = internal.App

	// Option configures the App.
	Option = internal.Option

	// Config is the full node configuration.
	Config = config.Config

	// WorkflowContext is the effect surface of a workflow function.
	WorkflowContext = workflow.Context

	// StartOption configures a workflow start.
	StartOption = workflow.StartOption

	// Results holds the keyed outputs of a parallel workflow block.
	Results = workflow.Results

	// Invocation describes one cron execution.
	Invocation = cron.Invocation

	// CronHandler runs one cron invocation.
	CronHandler = cron.Handler

	// CronOption configures a cron registration.
	CronOption = cron.CronOption

	// Tracker captures a live query's read set during execution.
	Tracker = reactor.Tracker

	// EnqueueOption configures a job dispatch.
	EnqueueOption = job.EnqueueOption

	// TaskOption configures a single task registration.
	TaskOption = job.TaskOption

	// WorkerOption configures the job worker.
	WorkerOption = job.Option

	// Backoff is a retry backoff policy.
	Backoff = job.Backoff

	// AuthFunc validates a WebSocket auth token.
	AuthFunc = gateway.AuthFunc

	// ContextExtractor extracts a slog attribute from context.
	ContextExtractor = logger.ContextExtractor
)

// New creates a node from options.
//
// Example:
//
//	app := forge.New(
//	    forge.WithConfigFile("forge.yaml"),
//	    forge.WithTask[SendEmailArgs](emailTask),
//	    forge.WithWorkflow("onboard", 1, onboardWorkflow),
//	    forge.WithQuery("get_users", getUsers),
//	)
//	if err := app.Run(context.Background()); err != nil {
//	    log.Fatal(err)
//	}
func New(opts ...Option) *App {
	return internal.New(opts...)
}

// WithConfig replaces the default configuration.
func WithConfig(cfg Config) Option {
	return internal.WithConfig(cfg)
}

// WithConfigFile loads configuration from a YAML file. ${NAME} references
// are substituted from the environment at load.
func WithConfigFile(path string) Option {
	return internal.WithConfigFile(path)
}

// WithLogger replaces the logger built from the observability config.
func WithLogger(l *slog.Logger) Option {
	return internal.WithLogger(l)
}

// WithVersion sets the version string published in the node registry.
func WithVersion(v string) Option {
	return internal.WithVersion(v)
}

// WithUserMigrations adds application migrations that run after the
// built-in schema.
func WithUserMigrations(fsys fs.FS) Option {
	return internal.WithUserMigrations(fsys)
}

// WithTask registers a typed background task handler on the worker.
func WithTask[P any, T interface {
	Name() string
	Handle(context.Context, P) (any, error)
}](task T, opts ...TaskOption) Option {
	return internal.WithWorkerOptions(job.WithTask[P](task, opts...))
}

// WithWorkerOptions passes options through to the job worker.
func WithWorkerOptions(opts ...WorkerOption) Option {
	return internal.WithWorkerOptions(opts...)
}

// WithCron registers a scheduled handler. The expression is a five-field
// cron line or a @descriptor; an empty timezone means UTC.
func WithCron(name, expr, timezone string, handler CronHandler, opts ...CronOption) Option {
	return internal.WithCron(name, expr, timezone, handler, opts...)
}

// WithWorkflow registers a typed workflow handler under (name, version).
// Runs started before an upgrade resume under the version they started
// with.
func WithWorkflow[In, Out any](name string, version int, fn func(*WorkflowContext, In) (Out, error)) Option {
	return internal.WithWorkflows(func(r *workflow.Registry) error {
		return workflow.Register(r, name, version, fn)
	})
}

// WithQuery registers a typed live query that clients can subscribe to.
// The query records what it reads into the tracker so changes can
// invalidate it.
func WithQuery[A, R any](name string, fn func(context.Context, *Tracker, A) (R, error)) Option {
	return internal.WithQueries(func(qs *reactor.Queries) error {
		return reactor.RegisterQuery(qs, name, fn)
	})
}

// WithAuth requires WebSocket clients to authenticate before subscribing.
func WithAuth(fn AuthFunc) Option {
	return internal.WithAuth(fn)
}

// WithReadinessCheck adds a named readiness probe.
func WithReadinessCheck(name string, fn health.CheckFunc) Option {
	return internal.WithReadinessCheck(name, fn)
}

// WithShutdownTimeout bounds the drain sequence.
func WithShutdownTimeout(d time.Duration) Option {
	return internal.WithShutdownTimeout(d)
}

// WithReactorOptions passes options through to the reactor.
func WithReactorOptions(opts ...reactor.Option) Option {
	return internal.WithReactorOptions(opts...)
}

// Step executes a workflow step once per run, journaling its result.
func Step[R any](wc *WorkflowContext, name string, fn func(context.Context) (R, error), opts ...workflow.StepOption[R]) (R, error) {
	return workflow.Step(wc, name, fn, opts...)
}

// WithCompensation registers an undo handler for a step.
func WithCompensation[R any](fn func(context.Context, R) error) workflow.StepOption[R] {
	return workflow.WithCompensation(fn)
}

// AddStep adds a named step to a parallel block.
func AddStep[R any](g *workflow.ParallelGroup, name string, fn func(context.Context) (R, error), opts ...workflow.StepOption[R]) *workflow.ParallelGroup {
	return workflow.AddStep(g, name, fn, opts...)
}

// Progress returns the progress reporter for the currently executing job.
var Progress = job.Progress

// Job dispatch options re-exported for call sites using forge only.
var (
	JobPriority        = job.WithPriority
	JobMaxAttempts     = job.WithMaxAttempts
	JobCapability      = job.WithCapability
	JobScheduledAt     = job.ScheduledAt
	JobScheduledIn     = job.ScheduledIn
	JobIdempotencyKey  = job.WithIdempotencyKey
	TaskTimeout        = job.WithTaskTimeout
	TaskBackoff        = job.WithBackoff
	ExponentialBackoff = job.DefaultBackoff
)

// Cron registration options.
var (
	CronTimeout = cron.WithTimeout
	CronCatchUp = cron.WithCatchUp
)

// Workflow start options.
var (
	WorkflowVersion = workflow.WithVersion
	WorkflowTraceID = workflow.WithTraceID
)
