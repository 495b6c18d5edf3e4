// Package notifier provides a high-level interface for PostgreSQL LISTEN/NOTIFY.
//
// Notifications are wakeup hints only. Workers and the progress bus poll the
// store regardless; a missed notification delays work by at most one poll
// interval, so the listener reconnect path never needs to replay anything.
package notifier

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/finsightlab/finsight/storage"
)

// Channels the notifier listens on.
var channels = []string{
	storage.ChannelJobQueued,
	storage.ChannelProgress,
}

// Event represents a received notification.
type Event struct {
	// Channel is the PostgreSQL channel the notification arrived on.
	Channel string

	// Payload carries the hint detail: the queue name for job
	// notifications, the session id for progress notifications.
	Payload string

	// ReceivedAt is when the event was received.
	ReceivedAt time.Time
}

// Handler is called when an event is received.
type Handler func(event *Event)

// Config holds configuration for the notifier.
type Config struct {
	// ReconnectDelay is how long to wait before reconnecting after a disconnect.
	// Default: 5 seconds
	ReconnectDelay time.Duration

	// OnError is called when an error occurs.
	OnError func(err error)

	// OnReconnect is called when the listener reconnects.
	OnReconnect func()
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		ReconnectDelay: 5 * time.Second,
	}
}

// Subscription represents an active subscription to a channel.
type Subscription struct {
	channel string
	handler Handler
	id      int64
}

// Notifier receives LISTEN notifications and fans them out to handlers.
type Notifier struct {
	getListener func(ctx context.Context) (Listener, error)
	sender      Sender
	config      *Config

	mu            sync.RWMutex
	subscriptions map[string][]*Subscription
	nextSubID     int64

	started atomic.Bool
	done    chan struct{}
	cancel  context.CancelFunc
}

// NewNotifier creates a new notifier.
// getListener returns a fresh listener for receiving notifications; it is
// called again after every disconnect. If getListener is nil the notifier
// runs in send-only mode.
func NewNotifier(getListener func(ctx context.Context) (Listener, error), sender Sender, config *Config) *Notifier {
	if config == nil {
		config = DefaultConfig()
	}

	return &Notifier{
		getListener:   getListener,
		sender:        sender,
		config:        config,
		subscriptions: make(map[string][]*Subscription),
		done:          make(chan struct{}),
	}
}

// Start begins listening for notifications. Returns immediately.
func (n *Notifier) Start(ctx context.Context) error {
	if !n.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	ctx, n.cancel = context.WithCancel(ctx)
	go n.run(ctx)

	return nil
}

// Stop stops the notifier.
func (n *Notifier) Stop(ctx context.Context) error {
	if !n.started.Load() {
		return ErrNotStarted
	}

	n.cancel()
	<-n.done

	n.started.Store(false)
	return nil
}

// Subscribe registers a handler for the given channel.
// Returns a function to unsubscribe.
func (n *Notifier) Subscribe(channel string, handler Handler) func() {
	n.mu.Lock()
	defer n.mu.Unlock()

	sub := &Subscription{
		channel: channel,
		handler: handler,
		id:      n.nextSubID,
	}
	n.nextSubID++

	n.subscriptions[channel] = append(n.subscriptions[channel], sub)

	return func() {
		n.unsubscribe(channel, sub.id)
	}
}

func (n *Notifier) unsubscribe(channel string, id int64) {
	n.mu.Lock()
	defer n.mu.Unlock()

	subs := n.subscriptions[channel]
	for i, sub := range subs {
		if sub.id == id {
			n.subscriptions[channel] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
}

// Notify sends a notification on the given channel.
func (n *Notifier) Notify(ctx context.Context, channel, payload string) error {
	if n.sender == nil {
		return ErrNotifyNotSupported
	}
	return n.sender.Notify(ctx, channel, payload)
}

// run is the main notification loop.
func (n *Notifier) run(ctx context.Context) {
	defer close(n.done)

	for {
		select {
		case <-ctx.Done():
			return
		default:
			if err := n.listenLoop(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				if n.config.OnError != nil {
					n.config.OnError(err)
				}
				select {
				case <-ctx.Done():
					return
				case <-time.After(n.config.ReconnectDelay):
					if n.config.OnReconnect != nil {
						n.config.OnReconnect()
					}
				}
			}
		}
	}
}

// listenLoop creates a listener and processes notifications until an error
// occurs.
func (n *Notifier) listenLoop(ctx context.Context) error {
	if n.getListener == nil {
		<-ctx.Done()
		return ctx.Err()
	}

	listener, err := n.getListener(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = listener.Close(ctx) }()

	for _, channel := range channels {
		if err := listener.Listen(ctx, channel); err != nil {
			return err
		}
	}

	for {
		notification, err := listener.WaitForNotification(ctx)
		if err != nil {
			return err
		}

		n.dispatch(&Event{
			Channel:    notification.Channel,
			Payload:    notification.Payload,
			ReceivedAt: time.Now(),
		})
	}
}

// dispatch sends an event to all handlers subscribed to its channel.
// Handlers run synchronously; they must be quick (a channel send or a
// trigger call), anything slow belongs in the handler's own goroutine.
func (n *Notifier) dispatch(event *Event) {
	n.mu.RLock()
	subs := make([]*Subscription, len(n.subscriptions[event.Channel]))
	copy(subs, n.subscriptions[event.Channel])
	n.mu.RUnlock()

	for _, sub := range subs {
		sub.handler(event)
	}
}

// IsRunning returns true if the notifier is running.
func (n *Notifier) IsRunning() bool {
	return n.started.Load()
}
