package conversation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/finsightlab/finsight/storage"
)

// DefaultTTL is how long an untouched cached store survives.
const DefaultTTL = 900 * time.Second

// Cache maps session ids to ConversationStores with TTL eviction. A miss
// hydrates the store from the session's last MaxTurns messages.
type Cache struct {
	store storage.Store
	ttl   time.Duration

	mu      sync.Mutex
	entries map[string]*cacheEntry

	// now allows tests to control time.
	now func() time.Time
}

type cacheEntry struct {
	conv        *ConversationStore
	lastTouched time.Time
}

// NewCache creates a session cache over the store. ttl <= 0 takes DefaultTTL.
func NewCache(store storage.Store, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		store:   store,
		ttl:     ttl,
		entries: make(map[string]*cacheEntry),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the cache's clock. Test use only.
func (c *Cache) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// GetOrCreate returns the ConversationStore for a session, hydrating from
// durable messages on a miss. An empty sessionID creates a new session for
// userID and returns its id with an empty store.
func (c *Cache) GetOrCreate(ctx context.Context, sessionID, userID string) (string, *ConversationStore, error) {
	if sessionID == "" {
		id, err := c.store.CreateSession(ctx, userID, "")
		if err != nil {
			return "", nil, fmt.Errorf("failed to create session: %w", err)
		}
		conv := NewConversationStore()
		c.put(id, conv)
		return id, conv, nil
	}

	if conv := c.Get(sessionID); conv != nil {
		return sessionID, conv, nil
	}

	// Cache miss: the session must exist, then the window rebuilds the store.
	if _, err := c.store.GetSession(ctx, sessionID); err != nil {
		return "", nil, err
	}
	msgs, err := c.store.ListSessionMessages(ctx, sessionID, MaxTurns)
	if err != nil {
		return "", nil, fmt.Errorf("failed to hydrate session %s: %w", sessionID, err)
	}

	conv := FromMessages(msgs)
	c.put(sessionID, conv)
	return sessionID, conv, nil
}

// Get returns the cached store, or nil without hydrating. Expired entries
// count as absent.
func (c *Cache) Get(sessionID string) *ConversationStore {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[sessionID]
	if !ok {
		return nil
	}
	if c.now().Sub(entry.lastTouched) > c.ttl {
		delete(c.entries, sessionID)
		return nil
	}
	entry.lastTouched = c.now()
	return entry.conv
}

// AddTurn persists the given messages and then appends the turn to the
// in-memory store. After it returns the turn is durable, so a rehydrate
// from any process observes it.
func (c *Cache) AddTurn(ctx context.Context, sessionID string, turn Turn, msgs ...*storage.ChatMessage) error {
	for _, msg := range msgs {
		msg.SessionID = sessionID
		if err := c.store.CreateMessage(ctx, msg); err != nil {
			return fmt.Errorf("failed to persist turn message: %w", err)
		}
	}

	if conv := c.Get(sessionID); conv != nil {
		conv.AddTurn(turn)
	}
	return nil
}

// Sweep evicts entries untouched for longer than the TTL and returns how
// many were dropped. Called from the maintenance loop.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	n := 0
	for id, entry := range c.entries {
		if now.Sub(entry.lastTouched) > c.ttl {
			delete(c.entries, id)
			n++
		}
	}
	return n
}

// Len returns the number of cached sessions.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) put(sessionID string, conv *ConversationStore) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[sessionID] = &cacheEntry{conv: conv, lastTouched: c.now()}
}
