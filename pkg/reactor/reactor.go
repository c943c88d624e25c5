package reactor

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/forgepg/forge/pkg/logger"
)

const (
	defaultResyncLimit = 8
	changeBufferSize   = 1024

	tableJobs          = "jobs"
	tableWorkflowRuns  = "workflow_runs"
	tableWorkflowSteps = "workflow_steps"
)

// Sink delivers reactor output onto a session's outbound channel. The
// gateway's session manager implements it; delivery per session is FIFO.
type Sink interface {
	SendData(sessionID uuid.UUID, clientSubID string, data json.RawMessage)
	SendJobUpdate(sessionID uuid.UUID, clientSubID string, job json.RawMessage)
	SendWorkflowUpdate(sessionID uuid.UUID, clientSubID string, run json.RawMessage)
}

// Reactor owns the subscription state of one node and converts incoming
// changes into query re-executions and entity snapshot pushes.
type Reactor struct {
	queries   *Queries
	subs      *Manager
	debouncer *Debouncer
	entities  *EntityIndex
	fetcher   EntityFetcher
	sink      Sink
	logger    *slog.Logger

	trackMode   Mode
	resyncLimit int

	changes chan Change

	// set by Run, read by Resync from the listener goroutine.
	baseCtx atomic.Pointer[context.Context]
}

// Option configures the reactor.
type Option func(*Reactor)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Reactor) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithResyncLimit bounds concurrent re-executions during a resync.
func WithResyncLimit(n int) Option {
	return func(r *Reactor) {
		if n > 0 {
			r.resyncLimit = n
		}
	}
}

// WithTrackingMode sets the read-set capture mode for new executions.
// Defaults to adaptive.
func WithTrackingMode(mode Mode) Option {
	return func(r *Reactor) { r.trackMode = mode }
}

// WithSubscriptionOptions passes options through to the subscription
// manager.
func WithSubscriptionOptions(opts ...ManagerOption) Option {
	return func(r *Reactor) { r.subs = NewManager(opts...) }
}

// WithDebounceOptions passes options through to the debouncer.
func WithDebounceOptions(opts ...DebouncerOption) Option {
	return func(r *Reactor) { r.debouncer = NewDebouncer(opts...) }
}

// New creates a reactor. Attach it to a listener before running.
func New(queries *Queries, sink Sink, fetcher EntityFetcher, opts ...Option) *Reactor {
	r := &Reactor{
		queries:     queries,
		subs:        NewManager(),
		debouncer:   NewDebouncer(),
		entities:    NewEntityIndex(),
		fetcher:     fetcher,
		sink:        sink,
		logger:      logger.NewNope(),
		trackMode:   ModeAdaptive,
		resyncLimit: defaultResyncLimit,
		changes:     make(chan Change, changeBufferSize),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Attach wires the reactor to a listener's change and resync streams.
func (r *Reactor) Attach(ln *Listener) {
	ln.OnChange(r.HandleChange)
	ln.OnResync(r.Resync)
}

// Subscriptions exposes the subscription manager for stats and tests.
func (r *Reactor) Subscriptions() *Manager { return r.subs }

// HandleChange enqueues a change for processing. Called from the listener
// goroutine; never blocks. A full buffer drops the change, which only
// delays the affected subscriptions until the next intersecting change or
// resync.
func (r *Reactor) HandleChange(ch Change) {
	select {
	case r.changes <- ch:
	default:
		r.logger.Warn("change buffer full, dropping notification",
			slog.String("table", ch.Table), slog.String("op", string(ch.Op)))
	}
}

// Run processes changes and debounce flushes until ctx is cancelled.
func (r *Reactor) Run(ctx context.Context) {
	r.baseCtx.Store(&ctx)
	go r.debouncer.Run(ctx, func(due []uuid.UUID) { r.flush(ctx, due) })

	for {
		select {
		case <-ctx.Done():
			return
		case ch := <-r.changes:
			r.process(ctx, ch)
		}
	}
}

func (r *Reactor) process(ctx context.Context, ch Change) {
	now := time.Now()
	for _, id := range r.subs.Invalidate(ch) {
		r.debouncer.Mark(id, now)
	}

	switch ch.Table {
	case tableJobs:
		if id, err := uuid.Parse(ch.RowID); err == nil {
			r.pushJob(ctx, id)
		}
	case tableWorkflowRuns:
		if id, err := uuid.Parse(ch.RowID); err == nil {
			r.pushRun(ctx, id)
		}
	case tableWorkflowSteps:
		if stepID, err := uuid.Parse(ch.RowID); err == nil {
			r.pushRunOfStep(ctx, stepID)
		}
	}
}

// Subscribe creates a query subscription and returns its initial result.
func (r *Reactor) Subscribe(ctx context.Context, sessionID uuid.UUID, clientSubID, queryName string, args json.RawMessage) (json.RawMessage, error) {
	q, err := r.queries.Get(queryName)
	if err != nil {
		return nil, err
	}
	queryHash, err := QueryHash(queryName, args)
	if err != nil {
		return nil, err
	}

	tracker := NewTracker(r.trackMode)
	data, err := q.Execute(ctx, tracker, args)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	sub := &Subscription{
		ID:             uuid.New(),
		SessionID:      sessionID,
		ClientSubID:    clientSubID,
		QueryName:      queryName,
		Args:           args,
		QueryHash:      queryHash,
		ReadSet:        tracker.ReadSet(),
		LastResultHash: ResultHash(data),
		CreatedAt:      now,
		LastExecutedAt: now,
		ExecutionCount: 1,
	}
	if err := r.subs.Add(sub); err != nil {
		return nil, err
	}
	return data, nil
}

// Unsubscribe removes a query subscription by the client's id.
func (r *Reactor) Unsubscribe(sessionID uuid.UUID, clientSubID string) error {
	id, err := r.subs.RemoveByClientID(sessionID, clientSubID)
	if err != nil {
		// Fall back to the entity index; the client does not distinguish
		// subscription kinds when unsubscribing.
		return r.entities.Unsubscribe(sessionID, clientSubID)
	}
	r.debouncer.Drop(id)
	return nil
}

// SubscribeJob watches a job id and returns its current snapshot.
func (r *Reactor) SubscribeJob(ctx context.Context, sessionID uuid.UUID, clientSubID string, jobID uuid.UUID) (json.RawMessage, error) {
	snapshot, err := r.fetcher.JobSnapshot(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if err := r.entities.SubscribeJob(sessionID, clientSubID, jobID); err != nil {
		return nil, err
	}
	return snapshot, nil
}

// SubscribeWorkflow watches a run id and returns its current snapshot.
func (r *Reactor) SubscribeWorkflow(ctx context.Context, sessionID uuid.UUID, clientSubID string, runID uuid.UUID) (json.RawMessage, error) {
	snapshot, err := r.fetcher.RunSnapshot(ctx, runID)
	if err != nil {
		return nil, err
	}
	if err := r.entities.SubscribeRun(sessionID, clientSubID, runID); err != nil {
		return nil, err
	}
	return snapshot, nil
}

// DropSession removes everything a session owns, on disconnect or drain.
func (r *Reactor) DropSession(sessionID uuid.UUID) {
	for _, id := range r.subs.RemoveSession(sessionID) {
		r.debouncer.Drop(id)
	}
	r.entities.RemoveSession(sessionID)
}

// Resync re-executes every subscription, bounded by the resync limit.
// Fired after listener reconnects, when notifications may have been lost.
func (r *Reactor) Resync() {
	ctx := context.Background()
	if p := r.baseCtx.Load(); p != nil {
		ctx = *p
	}
	ids := r.subs.All()
	r.logger.InfoContext(ctx, "resyncing subscriptions", slog.Int("count", len(ids)))

	go func() {
		eg := errgroup.Group{}
		eg.SetLimit(r.resyncLimit)
		for _, id := range ids {
			eg.Go(func() error {
				r.reexecute(ctx, id)
				return nil
			})
		}
		for _, jobID := range r.entities.WatchedJobs() {
			eg.Go(func() error {
				r.pushJob(ctx, jobID)
				return nil
			})
		}
		for _, runID := range r.entities.WatchedRuns() {
			eg.Go(func() error {
				r.pushRun(ctx, runID)
				return nil
			})
		}
		_ = eg.Wait()
	}()
}

func (r *Reactor) flush(ctx context.Context, due []uuid.UUID) {
	for _, id := range due {
		r.reexecute(ctx, id)
	}
}

// reexecute runs the subscription's query again and pushes the result if
// the hash moved. The fresh read set replaces the old one wholesale.
func (r *Reactor) reexecute(ctx context.Context, id uuid.UUID) {
	sub, ok := r.subs.Get(id)
	if !ok {
		return
	}
	q, err := r.queries.Get(sub.QueryName)
	if err != nil {
		r.logger.ErrorContext(ctx, "subscription query vanished",
			slog.String("query", sub.QueryName), slog.Any("error", err))
		return
	}

	tracker := NewTracker(r.trackMode)
	data, err := q.Execute(ctx, tracker, sub.Args)
	if err != nil {
		r.logger.ErrorContext(ctx, "subscription re-execution failed",
			slog.String("query", sub.QueryName), slog.Any("error", err))
		return
	}

	changed, ok := r.subs.UpdateAfterExecution(id, tracker.ReadSet(), ResultHash(data), time.Now())
	if ok && changed {
		r.sink.SendData(sub.SessionID, sub.ClientSubID, data)
	}
}

func (r *Reactor) pushJob(ctx context.Context, jobID uuid.UUID) {
	subscribers := r.entities.JobSubscribers(jobID)
	if len(subscribers) == 0 {
		return
	}
	snapshot, err := r.fetcher.JobSnapshot(ctx, jobID)
	if err != nil {
		r.logger.ErrorContext(ctx, "failed to fetch job snapshot",
			slog.String("job_id", jobID.String()), slog.Any("error", err))
		return
	}
	for _, sub := range subscribers {
		r.sink.SendJobUpdate(sub.SessionID, sub.ClientSubID, snapshot)
	}
}

func (r *Reactor) pushRun(ctx context.Context, runID uuid.UUID) {
	subscribers := r.entities.RunSubscribers(runID)
	if len(subscribers) == 0 {
		return
	}
	snapshot, err := r.fetcher.RunSnapshot(ctx, runID)
	if err != nil {
		r.logger.ErrorContext(ctx, "failed to fetch run snapshot",
			slog.String("run_id", runID.String()), slog.Any("error", err))
		return
	}
	for _, sub := range subscribers {
		r.sink.SendWorkflowUpdate(sub.SessionID, sub.ClientSubID, snapshot)
	}
}

func (r *Reactor) pushRunOfStep(ctx context.Context, stepID uuid.UUID) {
	runID, err := r.fetcher.StepRunID(ctx, stepID)
	if err != nil {
		return
	}
	r.pushRun(ctx, runID)
}
