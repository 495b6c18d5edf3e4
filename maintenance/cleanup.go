package maintenance

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/finsightlab/finsight/storage"
)

// Default cleanup configuration values.
const (
	DefaultCleanupInterval  = 60 * time.Second
	DefaultEventRetention   = 24 * time.Hour
	DefaultInstanceStaleAge = 2 * time.Minute
)

// CleanupConfig holds configuration for the cleanup service.
type CleanupConfig struct {
	// Interval is how often cleanup runs while this instance leads.
	// Default: 60 seconds
	Interval time.Duration

	// EventRetention is how long processed progress events are kept.
	// Default: 24 hours
	EventRetention time.Duration

	// InstanceStaleAge is how long an instance may miss heartbeats before
	// it is deregistered. Default: 2 minutes
	InstanceStaleAge time.Duration

	// SweepSessions evicts expired entries from the in-process session
	// cache. Optional; it runs on every instance's behalf locally, so the
	// cleanup service only calls it for its own process.
	SweepSessions func() int

	Logger *slog.Logger
}

func (c *CleanupConfig) withDefaults() *CleanupConfig {
	out := *c
	if out.Interval <= 0 {
		out.Interval = DefaultCleanupInterval
	}
	if out.EventRetention <= 0 {
		out.EventRetention = DefaultEventRetention
	}
	if out.InstanceStaleAge <= 0 {
		out.InstanceStaleAge = DefaultInstanceStaleAge
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	return &out
}

// Cleanup runs the periodic store sweeps. The caller gates RunOnce behind
// leader election; Cleanup itself only checks the provided leader func.
type Cleanup struct {
	store    storage.Store
	config   *CleanupConfig
	isLeader func() bool
	logger   *slog.Logger

	started atomic.Bool
	done    chan struct{}
	cancel  context.CancelFunc
}

// NewCleanup creates a cleanup service. isLeader reports whether this
// instance currently holds the maintenance lease; the store sweeps are
// skipped while it returns false.
func NewCleanup(store storage.Store, config *CleanupConfig, isLeader func() bool) *Cleanup {
	if config == nil {
		config = &CleanupConfig{}
	}
	config = config.withDefaults()
	if isLeader == nil {
		isLeader = func() bool { return true }
	}
	return &Cleanup{
		store:    store,
		config:   config,
		isLeader: isLeader,
		logger:   config.Logger.With("component", "cleanup"),
		done:     make(chan struct{}),
	}
}

// Start begins the cleanup loop. Returns immediately.
func (c *Cleanup) Start(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	ctx, c.cancel = context.WithCancel(ctx)
	go c.run(ctx)

	return nil
}

// Stop stops the cleanup loop.
func (c *Cleanup) Stop(ctx context.Context) error {
	if !c.started.Load() {
		return ErrNotStarted
	}

	c.cancel()
	<-c.done
	c.started.Store(false)
	return nil
}

func (c *Cleanup) run(ctx context.Context) {
	defer close(c.done)

	ticker := time.NewTicker(c.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.RunOnce(ctx)
		}
	}
}

// RunOnce executes a single cleanup pass. The session sweep always runs
// because the session cache is process local; the store sweeps run only on
// the leader.
func (c *Cleanup) RunOnce(ctx context.Context) {
	if c.config.SweepSessions != nil {
		if n := c.config.SweepSessions(); n > 0 {
			c.logger.Debug("evicted expired sessions", "count", n)
		}
	}

	if !c.isLeader() {
		return
	}

	if n, err := c.store.PurgeExpiredCache(ctx); err != nil {
		c.logger.Warn("purge expired cache failed", "error", err)
	} else if n > 0 {
		c.logger.Info("purged expired cache entries", "count", n)
	}

	if n, err := c.store.PruneProcessedEvents(ctx, c.config.EventRetention); err != nil {
		c.logger.Warn("prune processed events failed", "error", err)
	} else if n > 0 {
		c.logger.Info("pruned processed events", "count", n)
	}

	if n, err := c.store.DeleteStaleInstances(ctx, c.config.InstanceStaleAge); err != nil {
		c.logger.Warn("delete stale instances failed", "error", err)
	} else if n > 0 {
		c.logger.Info("deregistered stale instances", "count", n)
	}

	for _, queue := range []storage.Queue{storage.QueueAnalysis, storage.QueueExecution} {
		if n, err := c.store.FailPoisonJobs(ctx, queue); err != nil {
			c.logger.Warn("poison job sweep failed", "queue", queue, "error", err)
		} else if n > 0 {
			c.logger.Warn("finalized poison jobs", "queue", queue, "count", n)
		}
	}
}
