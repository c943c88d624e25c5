package cluster

import (
	"context"
	"log/slog"
	"time"
)

const (
	defaultHeartbeatInterval = 5 * time.Second
	deadNodeRetention        = time.Hour
)

// StatsFunc supplies the load numbers published with each heartbeat.
type StatsFunc func() LoadStats

// Heartbeater periodically refreshes the local node row and reaps stale
// peers. Dead-node marking runs on every node; the update is idempotent so
// concurrent reapers are harmless.
type Heartbeater struct {
	registry *Registry
	interval time.Duration
	stats    StatsFunc
	logger   *slog.Logger
}

// NewHeartbeater creates a heartbeat loop for the registered node.
// stats may be nil.
func NewHeartbeater(registry *Registry, interval time.Duration, stats StatsFunc, log *slog.Logger) *Heartbeater {
	if interval <= 0 {
		interval = defaultHeartbeatInterval
	}
	if stats == nil {
		stats = func() LoadStats { return LoadStats{} }
	}
	return &Heartbeater{
		registry: registry,
		interval: interval,
		stats:    stats,
		logger:   log,
	}
}

// Interval returns the heartbeat interval.
func (h *Heartbeater) Interval() time.Duration { return h.interval }

// Run blocks until ctx is cancelled, heartbeating every interval.
// Failures are logged and retried on the next tick; a burst of missed
// heartbeats beyond 3x the interval gets the node marked dead by a peer.
func (h *Heartbeater) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	cleanupEvery := 12 // roughly once a minute at the default interval
	tick := 0

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if err := h.registry.Heartbeat(ctx, h.stats()); err != nil {
			h.logger.ErrorContext(ctx, "heartbeat failed", slog.Any("error", err))
			continue
		}

		if _, err := h.registry.MarkDeadNodes(ctx, 3*h.interval); err != nil {
			h.logger.ErrorContext(ctx, "dead node sweep failed", slog.Any("error", err))
		}

		tick++
		if tick%cleanupEvery == 0 {
			if _, err := h.registry.CleanupDeadNodes(ctx, deadNodeRetention); err != nil {
				h.logger.ErrorContext(ctx, "dead node cleanup failed", slog.Any("error", err))
			}
		}
	}
}
