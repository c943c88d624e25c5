package internal

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/forgepg/forge/pkg/config"
	"github.com/forgepg/forge/pkg/cron"
	"github.com/forgepg/forge/pkg/gateway"
	"github.com/forgepg/forge/pkg/health"
	"github.com/forgepg/forge/pkg/job"
	"github.com/forgepg/forge/pkg/reactor"
	"github.com/forgepg/forge/pkg/workflow"
)

const defaultShutdownTimeout = 30 * time.Second

// ErrNotRunning is returned by dispatch calls before Run has built the
// engines.
var ErrNotRunning = errors.New("forge: app is not running")

type cronRegistration struct {
	name     string
	expr     string
	timezone string
	handler  cron.Handler
	opts     []cron.CronOption
}

// App is a configured node. Construction collects registrations; Run
// connects, migrates, wires the engines for this node's roles, and blocks
// until shutdown.
type App struct {
	cfg       config.Config
	cfgErr    error
	logger    *slog.Logger
	version   string
	migr      fs.FS

	workerOpts   []job.Option
	reactorOpts  []reactor.Option
	cronRegs     []cronRegistration
	workflowRegs []func(*workflow.Registry) error
	queryRegs    []func(*reactor.Queries) error
	auth         gateway.AuthFunc
	readiness    health.Checks

	shutdownTimeout time.Duration

	// built by Run
	queue     *job.Queue
	workflows *workflow.Registry
	wfStore   *workflow.Store
	wfExec    *workflow.Executor
}

// New creates an App from options. Configuration defaults apply where no
// option overrides them.
func New(opts ...Option) *App {
	a := &App{
		cfg:             config.Default(),
		readiness:       make(health.Checks),
		shutdownTimeout: defaultShutdownTimeout,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Dispatch enqueues a job, the idempotent path when an idempotency key
// option is given. Valid once Run has started.
func (a *App) Dispatch(ctx context.Context, jobType string, args any, opts ...job.EnqueueOption) (uuid.UUID, error) {
	if a.queue == nil {
		return uuid.Nil, ErrNotRunning
	}
	return a.queue.Enqueue(ctx, jobType, args, opts...)
}

// StartWorkflow persists and launches a workflow run.
func (a *App) StartWorkflow(ctx context.Context, name string, input json.RawMessage, opts ...workflow.StartOption) (uuid.UUID, error) {
	if a.wfExec == nil {
		return uuid.Nil, ErrNotRunning
	}
	return a.wfExec.Start(ctx, name, input, opts...)
}

// CancelWorkflow aborts a run and compensates its completed steps.
func (a *App) CancelWorkflow(ctx context.Context, runID uuid.UUID) error {
	if a.wfExec == nil {
		return ErrNotRunning
	}
	return a.wfExec.Cancel(ctx, runID)
}

// PostEvent delivers an event to a waiting workflow run.
func (a *App) PostEvent(ctx context.Context, runID uuid.UUID, eventName string, payload json.RawMessage) error {
	if a.wfStore == nil {
		return ErrNotRunning
	}
	_, err := a.wfStore.PostEvent(ctx, runID, eventName, payload)
	return err
}

// Queue exposes the job queue for advanced callers.
func (a *App) Queue() *job.Queue {
	return a.queue
}

// WorkflowStore exposes run lookups for advanced callers.
func (a *App) WorkflowStore() *workflow.Store {
	return a.wfStore
}
