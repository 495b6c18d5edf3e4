// Package maintenance provides the background upkeep services: instance
// heartbeats and the leader-only cleanup sweeps.
package maintenance

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/finsightlab/finsight/storage"
)

// DefaultHeartbeatInterval is how often an instance refreshes its
// registration.
const DefaultHeartbeatInterval = 30 * time.Second

// Heartbeat periodically refreshes this instance's liveness timestamp so
// the leader's cleanup does not reap it.
type Heartbeat struct {
	store      storage.Store
	instanceID string
	interval   time.Duration
	logger     *slog.Logger

	started atomic.Bool
	done    chan struct{}
	cancel  context.CancelFunc
}

// NewHeartbeat creates a heartbeat service. interval <= 0 takes the default.
func NewHeartbeat(store storage.Store, instanceID string, interval time.Duration, logger *slog.Logger) *Heartbeat {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Heartbeat{
		store:      store,
		instanceID: instanceID,
		interval:   interval,
		logger:     logger.With("component", "heartbeat", "instance_id", instanceID),
		done:       make(chan struct{}),
	}
}

// Start begins heartbeating. Returns immediately.
func (h *Heartbeat) Start(ctx context.Context) error {
	if !h.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	ctx, h.cancel = context.WithCancel(ctx)
	go h.run(ctx)

	return nil
}

// Stop stops heartbeating.
func (h *Heartbeat) Stop(ctx context.Context) error {
	if !h.started.Load() {
		return ErrNotStarted
	}

	h.cancel()
	<-h.done
	h.started.Store(false)
	return nil
}

func (h *Heartbeat) run(ctx context.Context) {
	defer close(h.done)

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := h.store.HeartbeatInstance(ctx, h.instanceID); err != nil && ctx.Err() == nil {
				h.logger.Warn("heartbeat failed", "error", err)
			}
		}
	}
}
