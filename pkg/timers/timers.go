// Package timers provides cancellable scheduled tasks keyed by string.
// Scheduling an existing key resets the timer instead of stacking a second
// one, which is the behavior repeated typing and ringing signals need.
package timers

import (
	"strings"
	"sync"
	"time"
)

// Set is a collection of keyed one-shot timers
type Set struct {
	mu     sync.Mutex
	timers map[string]*time.Timer
	closed bool
}

// NewSet creates an empty timer set
func NewSet() *Set {
	return &Set{timers: make(map[string]*time.Timer)}
}

// Schedule arms fn to run after d. An existing timer under the same key is
// cancelled first, so repeated calls reschedule rather than stack.
func (s *Set) Schedule(key string, d time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if t, ok := s.timers[key]; ok {
		t.Stop()
	}
	var t *time.Timer
	t = time.AfterFunc(d, func() {
		// A cancel or reschedule may have raced the firing; only the
		// current owner of the key gets to run.
		s.mu.Lock()
		fire := false
		if cur, ok := s.timers[key]; ok && cur == t {
			delete(s.timers, key)
			fire = !s.closed
		}
		s.mu.Unlock()
		if fire {
			fn()
		}
	})
	s.timers[key] = t
}

// Cancel stops the timer under key, reporting whether one was armed
func (s *Set) Cancel(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.timers[key]
	if !ok {
		return false
	}
	t.Stop()
	delete(s.timers, key)
	return true
}

// CancelPrefix stops every timer whose key starts with prefix, returning how
// many were cancelled. Used when leaving a room cancels all of its timers.
func (s *Set) CancelPrefix(prefix string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for key, t := range s.timers {
		if strings.HasPrefix(key, prefix) {
			t.Stop()
			delete(s.timers, key)
			n++
		}
	}
	return n
}

// Active reports whether a timer is armed under key
func (s *Set) Active(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[key]
	return ok
}

// Stop cancels every timer and rejects further scheduling
func (s *Set) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for key, t := range s.timers {
		t.Stop()
		delete(s.timers, key)
	}
}
