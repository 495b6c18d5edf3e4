// Package progress is the progress bus: an append-only per-session event
// log in storage plus an in-process monitor that fans events out to
// registered subscribers.
//
// Delivery is at-least-once within the process; duplicate suppression by
// event id is the subscriber's responsibility. Per-session delivery is in
// append order because the monitor polls timestamp ascending and delivers
// serially.
package progress

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/finsightlab/finsight/storage"
)

// DefaultPollInterval is the monitor cadence when none is configured.
const DefaultPollInterval = 500 * time.Millisecond

// subscriberBuffer is the per-subscription channel depth. A subscriber
// that falls further behind loses events and receives a drop marker.
const subscriberBuffer = 64

// Subscription is one registered per-session listener. Events arrive on C
// in append order from the moment of subscription. Close the subscription
// by calling Bus.Unsubscribe; the bus never closes C while registered.
type Subscription struct {
	C chan *storage.ProgressEvent

	id        string
	sessionID string
	dropped   atomic.Int64
}

// Config holds configuration for the bus.
type Config struct {
	// PollInterval is the monitor cadence. Default: 500ms
	PollInterval time.Duration

	// PollLimit is the max events fetched per poll. Default: 100
	PollLimit int

	// Logger receives monitor failure logs.
	Logger *slog.Logger
}

// Bus polls unprocessed events and delivers them to subscribers.
type Bus struct {
	store  storage.Store
	config Config
	logger *slog.Logger

	mu   sync.Mutex
	subs map[string]map[string]*Subscription // session id -> sub id -> sub

	trigger chan struct{}
	started atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewBus creates a progress bus over the store.
func NewBus(store storage.Store, cfg *Config) *Bus {
	c := Config{}
	if cfg != nil {
		c = *cfg
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.PollLimit <= 0 {
		c.PollLimit = 100
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}

	return &Bus{
		store:   store,
		config:  c,
		logger:  c.Logger.With("component", "progress_bus"),
		subs:    make(map[string]map[string]*Subscription),
		trigger: make(chan struct{}, 1),
	}
}

// Start begins the poll monitor.
func (b *Bus) Start(ctx context.Context) error {
	if !b.started.CompareAndSwap(false, true) {
		return fmt.Errorf("bus already started")
	}

	ctx, b.cancel = context.WithCancel(ctx)

	b.wg.Add(1)
	go b.monitorLoop(ctx)

	return nil
}

// Stop stops the monitor. Registered subscriptions stay registered but
// receive nothing further.
func (b *Bus) Stop(ctx context.Context) error {
	if !b.started.Load() {
		return nil
	}

	b.cancel()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	b.started.Store(false)
	return nil
}

// Publish appends an event to the durable log and nudges the monitor.
func (b *Bus) Publish(ctx context.Context, ev *storage.ProgressEvent) error {
	if err := b.store.AppendProgressEvent(ctx, ev); err != nil {
		return err
	}
	b.Trigger()
	return nil
}

// Trigger wakes the monitor ahead of its poll interval.
func (b *Bus) Trigger() {
	select {
	case b.trigger <- struct{}{}:
	default:
	}
}

// Subscribe registers a listener for a session's events.
func (b *Bus) Subscribe(sessionID string) *Subscription {
	sub := &Subscription{
		C:         make(chan *storage.ProgressEvent, subscriberBuffer),
		id:        uuid.New().String(),
		sessionID: sessionID,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[sessionID] == nil {
		b.subs[sessionID] = make(map[string]*Subscription)
	}
	b.subs[sessionID][sub.id] = sub
	return sub
}

// Unsubscribe removes a listener. Its channel is closed.
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sessionSubs := b.subs[sub.sessionID]
	if sessionSubs == nil {
		return
	}
	if _, ok := sessionSubs[sub.id]; !ok {
		return
	}
	delete(sessionSubs, sub.id)
	if len(sessionSubs) == 0 {
		delete(b.subs, sub.sessionID)
	}
	close(sub.C)
}

// SubscriberCount returns the number of live subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for _, sessionSubs := range b.subs {
		n += len(sessionSubs)
	}
	return n
}

func (b *Bus) monitorLoop(ctx context.Context) {
	defer b.wg.Done()

	ticker := time.NewTicker(b.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-b.trigger:
		}

		b.deliverPending(ctx)
	}
}

// deliverPending drains the unprocessed cursor. Events are marked
// processed whether or not a subscriber accepted them; a slow subscriber
// keeps its own buffer and drop accounting.
func (b *Bus) deliverPending(ctx context.Context) {
	for {
		events, err := b.store.PollUnprocessedEvents(ctx, b.config.PollLimit)
		if err != nil {
			if ctx.Err() == nil {
				b.logger.Error("poll failed", "error", err)
			}
			return
		}
		if len(events) == 0 {
			return
		}

		for _, ev := range events {
			b.deliver(ev)
			if err := b.store.MarkEventProcessed(ctx, ev.ID); err != nil && ctx.Err() == nil {
				b.logger.Error("failed to mark event processed", "event_id", ev.ID, "error", err)
			}
		}

		if len(events) < b.config.PollLimit {
			return
		}
	}
}

func (b *Bus) deliver(ev *storage.ProgressEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.subs[ev.SessionID] {
		// A recovering subscriber hears about its losses before new events.
		if n := sub.dropped.Load(); n > 0 {
			marker := &storage.ProgressEvent{
				ID:        uuid.New().String(),
				SessionID: ev.SessionID,
				Type:      storage.EventGeneric,
				Level:     storage.LevelWarn,
				Message:   fmt.Sprintf("dropped %d events", n),
				Timestamp: time.Now().UTC(),
			}
			select {
			case sub.C <- marker:
				sub.dropped.Store(0)
			default:
				sub.dropped.Add(1)
				continue
			}
		}

		select {
		case sub.C <- ev:
		default:
			sub.dropped.Add(1)
		}
	}
}
