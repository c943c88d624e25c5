package internal

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"github.com/forgepg/forge/pkg/cluster"
	"github.com/forgepg/forge/pkg/config"
	"github.com/forgepg/forge/pkg/cron"
	"github.com/forgepg/forge/pkg/db"
	"github.com/forgepg/forge/pkg/gateway"
	"github.com/forgepg/forge/pkg/health"
	"github.com/forgepg/forge/pkg/job"
	"github.com/forgepg/forge/pkg/logger"
	"github.com/forgepg/forge/pkg/reactor"
	"github.com/forgepg/forge/pkg/workflow"
)

const heartbeatInterval = 5 * time.Second

var errListenerDown = errors.New("forge: change listener disconnected")

// Run connects, migrates, wires the engines for this node's roles, and
// blocks until a shutdown signal or a fatal startup error. The drain
// sequence is ordered: mark draining, reject new connections, stop
// claiming work, release leadership, wait for in-flight work, deregister,
// close the pool.
func (a *App) Run(ctx context.Context) error {
	if a.cfgErr != nil {
		return a.cfgErr
	}
	log := a.logger
	if log == nil {
		log = buildLogger(a.cfg.Observability)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Database and schema.
	dbCfg := db.DefaultConfig()
	dbCfg.URL = a.cfg.Database.URL
	pool, err := db.Connect(ctx, dbCfg)
	if err != nil {
		return err
	}
	closePool := db.Shutdown(pool)
	defer func() { _ = closePool(context.WithoutCancel(ctx)) }()

	if err := db.Migrate(ctx, pool, a.migr, log.With(slog.String("component", "migrate"))); err != nil {
		return err
	}
	for _, table := range a.cfg.Database.ReactiveTables {
		if err := db.EnableReactivity(ctx, pool, table); err != nil {
			return err
		}
	}

	// Registries from user registrations.
	a.queue = job.NewQueue(pool)
	a.workflows = workflow.NewRegistry()
	for _, reg := range a.workflowRegs {
		if err := reg(a.workflows); err != nil {
			return err
		}
	}
	queries := reactor.NewQueries()
	for _, reg := range a.queryRegs {
		if err := reg(queries); err != nil {
			return err
		}
	}
	crons := cron.NewRegistry()
	for _, reg := range a.cronRegs {
		if err := crons.Register(reg.name, reg.expr, reg.timezone, reg.handler, reg.opts...); err != nil {
			return err
		}
	}

	a.wfStore = workflow.NewStore(pool)
	a.wfExec = workflow.NewExecutor(a.wfStore, a.workflows,
		workflow.WithExecutorLogger(log.With(slog.String("component", "workflow"))))

	// Cluster membership.
	roles := parseRoles(a.cfg.Node.Roles)
	registry := cluster.NewRegistry(pool,
		cluster.WithRoles(roles...),
		cluster.WithCapabilities(a.cfg.Node.WorkerCapabilities...),
		cluster.WithVersion(a.version),
		cluster.WithRegistryLogger(log.With(slog.String("component", "cluster"))),
	)
	node := registry.Node()
	nodeID := registry.NodeID()
	log = log.With(slog.String("node_id", nodeID.String()))

	// Role-gated engines.
	var (
		worker    *job.Worker
		elector   *cluster.Elector
		cronSched *cron.Scheduler
		wfSched   *workflow.Scheduler
		listener  *reactor.Listener
		react     *reactor.Reactor
		sessions  *gateway.Manager
		gw        *gateway.Gateway
		sessStore *gateway.Store
	)

	if node.HasRole(cluster.RoleWorker) {
		workerOpts := append([]job.Option{
			job.WithMaxConcurrent(a.cfg.Worker.MaxConcurrentJobs),
			job.WithPollInterval(a.cfg.Worker.PollInterval()),
			job.WithDefaultTimeout(a.cfg.Function.Timeout()),
			job.WithWorkerCapabilities(a.cfg.Node.WorkerCapabilities...),
			job.WithWorkerLogger(log.With(slog.String("component", "worker"))),
		}, a.workerOpts...)
		worker = job.NewWorker(a.queue, nodeID, workerOpts...)
	}

	if node.HasRole(cluster.RoleScheduler) {
		elector = cluster.NewElector(pool, cluster.RoleScheduler, nodeID,
			cluster.WithElectorLogger(log.With(slog.String("component", "elector"))))
		cronSched = cron.NewScheduler(pool, crons, elector, nodeID,
			cron.WithSchedulerLogger(log.With(slog.String("component", "cron"))))
		wfSched = workflow.NewScheduler(a.wfStore, a.wfExec, elector,
			workflow.WithSchedulerLogger(log.With(slog.String("component", "workflow-scheduler"))))
	}

	if node.HasRole(cluster.RoleGateway) {
		listener = reactor.NewListener(pool,
			reactor.WithListenerLogger(log.With(slog.String("component", "listener"))))
		sessions = gateway.NewManager()
		sessStore = gateway.NewStore(pool)

		fetcher := newEntityFetcher(pool, a.queue, a.wfStore)
		reactorOpts := append([]reactor.Option{
			reactor.WithLogger(log.With(slog.String("component", "reactor"))),
		}, a.reactorOpts...)
		react = reactor.New(queries, sessions, fetcher, reactorOpts...)
		react.Attach(listener)

		gwOpts := []gateway.Option{
			gateway.WithMaxConnections(a.cfg.Gateway.MaxConnections),
			gateway.WithSessionStore(sessStore),
			gateway.WithGatewayLogger(log.With(slog.String("component", "gateway"))),
		}
		if a.auth != nil {
			gwOpts = append(gwOpts, gateway.WithAuth(a.auth))
		}
		gw = gateway.New(nodeID, sessions, react, gwOpts...)
		a.mountHealth(gw, pool, listener, worker)
	}

	// Register and heartbeat.
	if err := registry.Register(ctx); err != nil {
		return err
	}
	stats := func() cluster.LoadStats {
		var s cluster.LoadStats
		if sessions != nil {
			s.Connections = sessions.Count()
		}
		if worker != nil {
			s.RunningJobs = worker.InFlight()
		}
		return s
	}
	heartbeater := cluster.NewHeartbeater(registry, heartbeatInterval, stats,
		log.With(slog.String("component", "heartbeat")))

	// Engine loops under a cancellable group; cancelling runCtx stops
	// claiming and releases leadership while in-flight work continues.
	runCtx, cancelRun := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelRun()
	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error { heartbeater.Run(gctx); return nil })
	if elector != nil {
		g.Go(func() error { elector.Run(gctx); return nil })
	}
	if worker != nil {
		g.Go(func() error { return worker.Run(gctx) })
	}
	if cronSched != nil {
		g.Go(func() error { cronSched.Run(gctx); return nil })
	}
	if wfSched != nil {
		g.Go(func() error { wfSched.Run(gctx); return nil })
	}
	if listener != nil {
		g.Go(func() error { listener.Run(gctx); return nil })
		g.Go(func() error { react.Run(gctx); return nil })
	}
	if gw != nil {
		g.Go(func() error { return gw.Run(gctx, a.cfg.Gateway.Port) })
	}

	log.InfoContext(ctx, "node started", slog.Any("roles", a.cfg.Node.Roles))

	select {
	case <-ctx.Done():
	case <-gctx.Done():
		// A fatal engine error; fall through to the same teardown.
	}

	log.Info("shutting down")
	drainCtx, cancelDrain := context.WithTimeout(context.WithoutCancel(ctx), a.shutdownTimeout)
	defer cancelDrain()

	var errs []error
	if err := registry.SetStatus(drainCtx, cluster.NodeDraining); err != nil {
		errs = append(errs, err)
	}
	if gw != nil {
		gw.Drain()
	}
	cancelRun()

	if worker != nil {
		if err := worker.Drain(drainCtx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := a.wfExec.Drain(drainCtx); err != nil {
		errs = append(errs, err)
	}

	if sessStore != nil {
		if err := sessStore.DeleteForNode(drainCtx, nodeID); err != nil {
			errs = append(errs, err)
		}
	}
	if err := registry.Deregister(drainCtx); err != nil {
		errs = append(errs, err)
	}

	if err := g.Wait(); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		log.Error("shutdown completed with errors", slog.Any("error", errors.Join(errs...)))
		return errors.Join(errs...)
	}
	log.Info("shutdown completed")
	return nil
}

func (a *App) mountHealth(gw *gateway.Gateway, pool *pgxpool.Pool, listener *reactor.Listener, worker *job.Worker) {
	checks := health.Checks{
		"database": db.Healthcheck(pool),
		"listener": func(context.Context) error {
			if !listener.Healthy() {
				return errListenerDown
			}
			return nil
		},
	}
	if worker != nil {
		checks["queue"] = job.Healthcheck(a.queue, 100)
	}
	for name, fn := range a.readiness {
		checks[name] = fn
	}

	router := gw.Router()
	router.Get("/health/live", health.LivenessHandler())
	router.Get("/health/ready", health.ReadinessHandler(checks))
}

func buildLogger(obs config.ObservabilityConfig) *slog.Logger {
	level := parseLevel(obs.Level)
	if obs.SentryDSN != "" {
		return logger.NewWithSentry("forge", logger.SentryConfig{
			DSN:      obs.SentryDSN,
			MinLevel: slog.LevelError,
		})
	}
	return logger.NewWithLevel("forge", level)
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func parseRoles(ss []string) []cluster.Role {
	if len(ss) == 0 {
		return []cluster.Role{cluster.RoleGateway, cluster.RoleFunction, cluster.RoleWorker, cluster.RoleScheduler}
	}
	roles := make([]cluster.Role, 0, len(ss))
	for _, s := range ss {
		roles = append(roles, cluster.Role(strings.TrimSpace(strings.ToLower(s))))
	}
	return roles
}
