// Package presence maintains the online-user set from the server's
// snapshot-plus-incremental-update protocol.
package presence

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"chatsync/internal/domain"
	"chatsync/pkg/logger"
)

// Listener observes presence changes for a single user
type Listener func(record domain.PresenceRecord)

// Tracker is the authoritative local view of who is online. A full snapshot
// on every (re)connect heals gaps from dropped connections; deltas keep it
// current in between.
type Tracker struct {
	mu      sync.RWMutex
	users   map[uuid.UUID]domain.PresenceRecord
	subs    map[int]Listener
	nextSub int
}

// NewTracker creates an empty tracker
func NewTracker() *Tracker {
	return &Tracker{
		users: make(map[uuid.UUID]domain.PresenceRecord),
		subs:  make(map[int]Listener),
	}
}

// SetSnapshot replaces the whole online set with the server's snapshot.
// Users present before but absent from the snapshot transition to offline.
func (t *Tracker) SetSnapshot(records []domain.PresenceRecord) {
	now := time.Now()

	t.mu.Lock()
	changed := make([]domain.PresenceRecord, 0, len(records))
	seen := make(map[uuid.UUID]struct{}, len(records))

	for _, rec := range records {
		if rec.Status == "" {
			rec.Status = domain.PresenceOnline
		}
		if rec.LastSeenAt.IsZero() {
			rec.LastSeenAt = now
		}
		seen[rec.UserID] = struct{}{}
		if prev, ok := t.users[rec.UserID]; !ok || prev.Status != rec.Status {
			changed = append(changed, rec)
		}
		t.users[rec.UserID] = rec
	}

	for userID, prev := range t.users {
		if _, ok := seen[userID]; ok {
			continue
		}
		if prev.Status != domain.PresenceOffline {
			rec := domain.PresenceRecord{UserID: userID, Status: domain.PresenceOffline, LastSeenAt: now}
			t.users[userID] = rec
			changed = append(changed, rec)
		}
	}
	t.mu.Unlock()

	logger.Debug("presence snapshot applied",
		zap.Int("online", len(records)),
		zap.Int("changed", len(changed)))
	for _, rec := range changed {
		t.notify(rec)
	}
}

// SetOnline applies a user_online delta. An empty status defaults to online.
func (t *Tracker) SetOnline(userID uuid.UUID, status domain.PresenceStatus) {
	if status == "" || status == domain.PresenceOffline {
		status = domain.PresenceOnline
	}
	rec := domain.PresenceRecord{UserID: userID, Status: status, LastSeenAt: time.Now()}

	t.mu.Lock()
	prev, ok := t.users[userID]
	t.users[userID] = rec
	t.mu.Unlock()

	if !ok || prev.Status != rec.Status {
		t.notify(rec)
	}
}

// SetOffline applies a user_offline delta, recording the last-seen time
func (t *Tracker) SetOffline(userID uuid.UUID) {
	rec := domain.PresenceRecord{UserID: userID, Status: domain.PresenceOffline, LastSeenAt: time.Now()}

	t.mu.Lock()
	prev, ok := t.users[userID]
	t.users[userID] = rec
	t.mu.Unlock()

	if !ok || prev.Status != domain.PresenceOffline {
		t.notify(rec)
	}
}

// IsOnline reports whether the user is currently online. O(1).
func (t *Tracker) IsOnline(userID uuid.UUID) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rec, ok := t.users[userID]
	return ok && rec.Status != domain.PresenceOffline
}

// Get returns the user's presence record
func (t *Tracker) Get(userID uuid.UUID) (domain.PresenceRecord, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rec, ok := t.users[userID]
	return rec, ok
}

// OnlineUsers lists every user currently not offline
func (t *Tracker) OnlineUsers() []domain.PresenceRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]domain.PresenceRecord, 0, len(t.users))
	for _, rec := range t.users {
		if rec.Status != domain.PresenceOffline {
			out = append(out, rec)
		}
	}
	return out
}

// Subscribe registers a presence listener and returns its disposer
func (t *Tracker) Subscribe(fn Listener) func() {
	t.mu.Lock()
	t.nextSub++
	id := t.nextSub
	t.subs[id] = fn
	t.mu.Unlock()

	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.subs, id)
	}
}

func (t *Tracker) notify(rec domain.PresenceRecord) {
	t.mu.RLock()
	listeners := make([]Listener, 0, len(t.subs))
	for _, fn := range t.subs {
		listeners = append(listeners, fn)
	}
	t.mu.RUnlock()
	for _, fn := range listeners {
		fn(rec)
	}
}
