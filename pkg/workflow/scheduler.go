package workflow

import (
	"context"
	"log/slog"
	"time"

	"github.com/forgepg/forge/pkg/logger"
)

const (
	defaultPollInterval = time.Second
	defaultBatchSize    = 50
)

// Leadership gates the wake loop to the scheduler leader.
type Leadership interface {
	IsLeader() bool
}

// Scheduler wakes suspended runs: timers and event timeouts first, then
// runs whose awaited event has arrived. Claims use row locks with skip, so
// overlapping leaders during failover cannot double-wake a run.
type Scheduler struct {
	store        *Store
	executor     *Executor
	leader       Leadership
	pollInterval time.Duration
	batchSize    int
	logger       *slog.Logger
}

// SchedulerOption configures the scheduler.
type SchedulerOption func(*Scheduler)

// WithPollInterval sets the wake poll interval. Defaults to one second.
func WithPollInterval(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

// WithBatchSize bounds how many runs wake per poll per phase.
func WithBatchSize(n int) SchedulerOption {
	return func(s *Scheduler) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

// WithSchedulerLogger sets the logger.
func WithSchedulerLogger(l *slog.Logger) SchedulerOption {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewScheduler creates a scheduler over the store and executor.
func NewScheduler(store *Store, executor *Executor, leader Leadership, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		store:        store,
		executor:     executor,
		leader:       leader,
		pollInterval: defaultPollInterval,
		batchSize:    defaultBatchSize,
		logger:       logger.NewNope(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run polls until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.leader.IsLeader() {
				continue
			}
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	due, err := s.store.WakeDue(ctx, s.batchSize)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to wake due runs", slog.Any("error", err))
	}
	for _, id := range due {
		s.executor.Resume(ctx, id)
	}

	ready, err := s.store.WakeEventReady(ctx, s.batchSize)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to wake event-ready runs", slog.Any("error", err))
	}
	for _, id := range ready {
		s.executor.Resume(ctx, id)
	}
}
