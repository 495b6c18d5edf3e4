// Package conversation holds the in-memory projection of recent dialogue
// turns. A ConversationStore is derived state: the durable truth is the
// session's ChatMessage list, and a store can always be rebuilt from it.
package conversation

import (
	"strings"
	"sync"
	"time"

	"github.com/finsightlab/finsight/storage"
)

// MaxTurns bounds a ConversationStore's window.
const MaxTurns = 20

// Turn is one user/assistant exchange as seen by the router.
type Turn struct {
	UserQuery       string
	ExpandedQuery   string
	QueryType       storage.QueryType
	AnalysisSummary string
	LastTouched     time.Time
}

// ConversationStore is an ordered, bounded window of turns for one session.
// Writers hold the dispatcher's per-session lock; readers get snapshots.
type ConversationStore struct {
	mu    sync.Mutex
	turns []Turn
}

// NewConversationStore returns an empty store.
func NewConversationStore() *ConversationStore {
	return &ConversationStore{}
}

// AddTurn appends a turn, evicting the oldest past MaxTurns.
func (c *ConversationStore) AddTurn(t Turn) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if t.LastTouched.IsZero() {
		t.LastTouched = time.Now().UTC()
	}
	c.turns = append(c.turns, t)
	if len(c.turns) > MaxTurns {
		c.turns = c.turns[len(c.turns)-MaxTurns:]
	}
}

// CompleteTurn fills the newest turn's analysis summary once the assistant
// reply lands. A no-op on an empty store.
func (c *ConversationStore) CompleteTurn(summary string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.turns) == 0 {
		return
	}
	last := &c.turns[len(c.turns)-1]
	last.AnalysisSummary = firstLine(summary)
	last.LastTouched = time.Now().UTC()
}

// Turns returns a snapshot of the window in order.
func (c *ConversationStore) Turns() []Turn {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Turn, len(c.turns))
	copy(out, c.turns)
	return out
}

// Recent returns the newest k turns in order.
func (c *ConversationStore) Recent(k int) []Turn {
	turns := c.Turns()
	if len(turns) > k {
		turns = turns[len(turns)-k:]
	}
	return turns
}

// Len returns the number of turns in the window.
func (c *ConversationStore) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.turns)
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

// FromMessages folds a message window into a ConversationStore. Each user
// message opens a turn; the following assistant message closes it with a
// one-line summary.
func FromMessages(msgs []*storage.ChatMessage) *ConversationStore {
	store := NewConversationStore()

	for _, msg := range msgs {
		switch msg.Role {
		case "user":
			expanded := msg.ExpandedText
			if expanded == "" {
				expanded = msg.Content
			}
			store.AddTurn(Turn{
				UserQuery:     msg.Content,
				ExpandedQuery: expanded,
				QueryType:     msg.QueryType,
				LastTouched:   msg.UpdatedAt,
			})
		case "assistant":
			store.CompleteTurn(msg.Content)
		}
	}
	return store
}
