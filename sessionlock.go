package finsight

import (
	"sync"
	"time"
)

// sessionLocks serializes dispatcher work per session. Each session gets a
// lightweight mutex; entries unreferenced past the sweep age are evicted so
// the map does not grow with session history.
type sessionLocks struct {
	mu    sync.Mutex
	locks map[string]*sessionLock
}

type sessionLock struct {
	mu       sync.Mutex
	refs     int
	lastUsed time.Time
}

func newSessionLocks() *sessionLocks {
	return &sessionLocks{locks: make(map[string]*sessionLock)}
}

// Lock acquires the session's mutex and returns its release func.
func (s *sessionLocks) Lock(sessionID string) func() {
	s.mu.Lock()
	l, ok := s.locks[sessionID]
	if !ok {
		l = &sessionLock{}
		s.locks[sessionID] = l
	}
	l.refs++
	s.mu.Unlock()

	l.mu.Lock()

	return func() {
		l.mu.Unlock()
		s.mu.Lock()
		l.refs--
		l.lastUsed = time.Now()
		s.mu.Unlock()
	}
}

// sweep drops unreferenced locks idle longer than maxAge.
func (s *sessionLocks) sweep(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)

	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, l := range s.locks {
		if l.refs == 0 && l.lastUsed.Before(cutoff) {
			delete(s.locks, id)
			n++
		}
	}
	return n
}

func (s *sessionLocks) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.locks)
}
