package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hyperengineering/canopy/internal/connectivity"
	csync "github.com/hyperengineering/canopy/internal/sync"
)

// Syncer runs a full sync pass. *workspace.Workspace implements it.
type Syncer interface {
	Sync(ctx context.Context) (csync.Report, error)
}

// Connectivity reports backend reachability. *connectivity.Monitor
// implements it.
type Connectivity interface {
	Online() bool
	Subscribe() (<-chan connectivity.Transition, func())
}

// SyncCoordinator syncs whenever the backend becomes reachable, and then
// every retry interval while it stays reachable, so failed items get
// retried without the user asking.
type SyncCoordinator struct {
	syncer   Syncer
	conn     Connectivity
	interval time.Duration
	logger   *slog.Logger
}

// NewSyncCoordinator creates a coordinator. A zero interval disables the
// periodic retry; passes then run only on connectivity edges.
func NewSyncCoordinator(syncer Syncer, conn Connectivity, interval time.Duration, logger *slog.Logger) *SyncCoordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &SyncCoordinator{
		syncer:   syncer,
		conn:     conn,
		interval: interval,
		logger:   logger.With("component", "worker", "worker", "sync-coordinator"),
	}
}

// Run starts the coordinator loop and blocks until ctx is done.
func (c *SyncCoordinator) Run(ctx context.Context) {
	c.logger.Info("worker started", "action", "worker_started", "interval", c.interval.String())

	transitions, unsubscribe := c.conn.Subscribe()
	defer unsubscribe()

	var tick <-chan time.Time
	if c.interval > 0 {
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	if c.conn.Online() {
		c.syncOnce(ctx, "startup")
	}

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("worker stopped", "action", "worker_stopped", "reason", "context_cancelled")
			return
		case t, ok := <-transitions:
			if !ok {
				transitions = nil
				continue
			}
			if t.Online {
				c.syncOnce(ctx, "reconnected")
			}
		case <-tick:
			if c.conn.Online() {
				c.syncOnce(ctx, "retry")
			}
		}
	}
}

func (c *SyncCoordinator) syncOnce(ctx context.Context, trigger string) {
	start := time.Now()
	report, err := c.syncer.Sync(ctx)
	if ctx.Err() != nil {
		return // Graceful shutdown
	}

	switch {
	case errors.Is(err, csync.ErrSyncInProgress):
		c.logger.Info("sync skipped, a pass is already running",
			"action", "sync_skipped",
			"trigger", trigger,
			"error", err,
		)
		return
	case err != nil:
		c.logger.Warn("sync cycle failed",
			"action", "sync_failed",
			"trigger", trigger,
			"error", err,
		)
		return
	}

	level := slog.LevelInfo
	if report.Failed() > 0 {
		level = slog.LevelWarn
	}
	c.logger.Log(ctx, level, "sync cycle completed",
		"action", "cycle_complete",
		"trigger", trigger,
		"synced", report.Synced(),
		"failed", report.Failed(),
		"duration_ms", time.Since(start).Milliseconds(),
	)
}
