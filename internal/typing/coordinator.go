// Package typing implements debounced local typing signaling and the
// remote typing set with auto-expiry.
package typing

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"chatsync/pkg/config"
	"chatsync/pkg/logger"
	"chatsync/pkg/metrics"
	"chatsync/pkg/timers"
)

// Signaler sends the local typing state for a room to the server
type Signaler func(roomID uuid.UUID, typing bool)

// SetListener observes changes to a room's remote typing set
type SetListener func(roomID uuid.UUID, typingUsers []uuid.UUID)

// Coordinator tracks who is typing where.
//
// Local side: StartTyping emits typing_start at most once per burst and an
// idle timer infers the stop. Remote side: every typing=true signal
// (re)schedules an expiry that removes the user even when the stop event is
// lost in transit, so the visible set never holds a stale entry older than
// the expiry window.
type Coordinator struct {
	cfg    config.TypingConfig
	signal Signaler

	mu      sync.Mutex
	bursts  map[uuid.UUID]bool                   // rooms with an active local burst
	remote  map[uuid.UUID]map[uuid.UUID]struct{} // roomID -> typing userIDs
	subs    map[int]SetListener
	nextSub int

	timers *timers.Set
}

// NewCoordinator creates a coordinator that signals through fn
func NewCoordinator(cfg config.TypingConfig, fn Signaler) *Coordinator {
	return &Coordinator{
		cfg:    cfg,
		signal: fn,
		bursts: make(map[uuid.UUID]bool),
		remote: make(map[uuid.UUID]map[uuid.UUID]struct{}),
		subs:   make(map[int]SetListener),
		timers: timers.NewSet(),
	}
}

// StartTyping registers local keystroke activity for a room. The first call
// of a burst emits typing_start; every call pushes the idle-stop timer out.
func (c *Coordinator) StartTyping(roomID uuid.UUID) {
	c.mu.Lock()
	first := !c.bursts[roomID]
	c.bursts[roomID] = true
	c.mu.Unlock()

	if first {
		c.signal(roomID, true)
	}
	c.timers.Schedule(idleKey(roomID), c.cfg.IdleStop, func() {
		c.stopBurst(roomID)
	})
}

// StopTyping ends the local burst immediately (message sent, input cleared)
func (c *Coordinator) StopTyping(roomID uuid.UUID) {
	c.timers.Cancel(idleKey(roomID))
	c.stopBurst(roomID)
}

func (c *Coordinator) stopBurst(roomID uuid.UUID) {
	c.mu.Lock()
	active := c.bursts[roomID]
	delete(c.bursts, roomID)
	c.mu.Unlock()

	if active {
		c.signal(roomID, false)
	}
}

// OnRemoteTyping applies a user_typing event. typing=true entries expire on
// their own after the configured window.
func (c *Coordinator) OnRemoteTyping(roomID, userID uuid.UUID, typing bool) {
	if typing {
		c.mu.Lock()
		if c.remote[roomID] == nil {
			c.remote[roomID] = make(map[uuid.UUID]struct{})
		}
		c.remote[roomID][userID] = struct{}{}
		c.mu.Unlock()

		c.timers.Schedule(expiryKey(roomID, userID), c.cfg.Expiry, func() {
			metrics.TypingExpiredTotal.Inc()
			logger.Debug("typing entry expired",
				zap.String("room_id", roomID.String()),
				zap.String("user_id", userID.String()))
			c.remove(roomID, userID)
		})
		c.notify(roomID)
		return
	}

	c.timers.Cancel(expiryKey(roomID, userID))
	c.remove(roomID, userID)
}

func (c *Coordinator) remove(roomID, userID uuid.UUID) {
	c.mu.Lock()
	users, ok := c.remote[roomID]
	if ok {
		delete(users, userID)
		if len(users) == 0 {
			delete(c.remote, roomID)
		}
	}
	c.mu.Unlock()
	if ok {
		c.notify(roomID)
	}
}

// TypingUsers returns who is currently typing in the room
func (c *Coordinator) TypingUsers(roomID uuid.UUID) []uuid.UUID {
	c.mu.Lock()
	defer c.mu.Unlock()
	users := c.remote[roomID]
	out := make([]uuid.UUID, 0, len(users))
	for userID := range users {
		out = append(out, userID)
	}
	return out
}

// CancelRoom drops the room's typing state and all of its timers.
// Called when the session leaves the room.
func (c *Coordinator) CancelRoom(roomID uuid.UUID) {
	c.timers.Cancel(idleKey(roomID))
	c.timers.CancelPrefix("typing:expiry:" + roomID.String())

	c.mu.Lock()
	delete(c.bursts, roomID)
	delete(c.remote, roomID)
	c.mu.Unlock()
}

// Subscribe registers a set listener and returns its disposer
func (c *Coordinator) Subscribe(fn SetListener) func() {
	c.mu.Lock()
	c.nextSub++
	id := c.nextSub
	c.subs[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.subs, id)
	}
}

// Close cancels every timer
func (c *Coordinator) Close() {
	c.timers.Stop()
}

func (c *Coordinator) notify(roomID uuid.UUID) {
	users := c.TypingUsers(roomID)
	c.mu.Lock()
	listeners := make([]SetListener, 0, len(c.subs))
	for _, fn := range c.subs {
		listeners = append(listeners, fn)
	}
	c.mu.Unlock()
	for _, fn := range listeners {
		fn(roomID, users)
	}
}

func idleKey(roomID uuid.UUID) string {
	return "typing:idle:" + roomID.String()
}

func expiryKey(roomID, userID uuid.UUID) string {
	return "typing:expiry:" + roomID.String() + ":" + userID.String()
}
