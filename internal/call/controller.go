// Package call implements the signaling state machine for voice/video
// calls: Idle, Ringing, Active, Ended. Media transport is out of scope.
package call

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"chatsync/internal/domain"
	"chatsync/internal/protocol"
	"chatsync/pkg/config"
	apperrors "chatsync/pkg/errors"
	"chatsync/pkg/logger"
	"chatsync/pkg/metrics"
	"chatsync/pkg/timers"
)

// Reasons reported with terminal transitions
const (
	ReasonHangup   = "hangup"
	ReasonRejected = "rejected"
	ReasonMissed   = "missed"
)

// Signaler sends a call signal to the server
type Signaler func(event string, session domain.CallSession) error

// Listener observes call session transitions
type Listener func(session domain.CallSession, reason string)

// Controller drives call sessions. At most one Ringing/Active session per
// room; a concurrent initiate is rejected and leaves the existing state
// untouched.
type Controller struct {
	cfg    config.CallConfig
	selfID uuid.UUID
	signal Signaler

	mu      sync.Mutex
	byRoom  map[uuid.UUID]*domain.CallSession
	byID    map[uuid.UUID]*domain.CallSession
	subs    map[int]Listener
	nextSub int

	timers *timers.Set
}

// NewController creates a controller signaling through fn
func NewController(cfg config.CallConfig, selfID uuid.UUID, fn Signaler) *Controller {
	return &Controller{
		cfg:    cfg,
		selfID: selfID,
		signal: fn,
		byRoom: make(map[uuid.UUID]*domain.CallSession),
		byID:   make(map[uuid.UUID]*domain.CallSession),
		subs:   make(map[int]Listener),
		timers: timers.NewSet(),
	}
}

// Initiate starts ringing a call toward the room's peer
func (c *Controller) Initiate(roomID, participantID uuid.UUID, callType domain.CallType) (domain.CallSession, error) {
	session := &domain.CallSession{
		ID:            uuid.New(),
		RoomID:        roomID,
		InitiatorID:   c.selfID,
		ParticipantID: participantID,
		Type:          callType,
		Status:        domain.CallStatusRinging,
		StartedAt:     time.Now(),
	}

	if err := c.admit(session); err != nil {
		return domain.CallSession{}, err
	}

	if err := c.signal(protocol.EventCallInitiate, *session); err != nil {
		c.evict(session.ID)
		return domain.CallSession{}, err
	}

	c.armRingingTimeout(session.ID)
	c.notify(*session, "")
	logger.Info("call initiated",
		zap.String("call_id", session.ID.String()),
		zap.String("room_id", roomID.String()),
		zap.String("type", string(callType)))
	return *session, nil
}

// OnIncoming registers a peer-initiated ringing call
func (c *Controller) OnIncoming(session domain.CallSession) error {
	session.Status = domain.CallStatusRinging
	if session.StartedAt.IsZero() {
		session.StartedAt = time.Now()
	}

	if err := c.admit(&session); err != nil {
		return err
	}

	c.armRingingTimeout(session.ID)
	c.notify(session, "")
	return nil
}

// admit enforces the one-session-per-room rule
func (c *Controller) admit(session *domain.CallSession) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.byRoom[session.RoomID]; ok && !existing.Status.Terminal() {
		return apperrors.Newf(apperrors.ErrCodeAlreadyInCall,
			"room %s already has a %s call", session.RoomID, existing.Status)
	}
	c.byRoom[session.RoomID] = session
	c.byID[session.ID] = session
	return nil
}

func (c *Controller) evict(callID uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if session, ok := c.byID[callID]; ok {
		delete(c.byID, callID)
		delete(c.byRoom, session.RoomID)
	}
}

// Accept answers a ringing incoming call
func (c *Controller) Accept(callID uuid.UUID) error {
	c.mu.Lock()
	session, ok := c.byID[callID]
	if !ok {
		c.mu.Unlock()
		return apperrors.Newf(apperrors.ErrCodeCallNotFound, "call %s not found", callID)
	}
	if session.Status != domain.CallStatusRinging {
		status := session.Status
		c.mu.Unlock()
		return apperrors.Newf(apperrors.ErrCodeInvalidEvent, "cannot accept a %s call", status)
	}
	session.Status = domain.CallStatusActive
	snapshot := *session
	c.mu.Unlock()

	c.timers.Cancel(ringKey(callID))
	if err := c.signal(protocol.EventCallAccept, snapshot); err != nil {
		return err
	}
	c.notify(snapshot, "")
	return nil
}

// OnRemoteAccept moves our ringing call to active when the peer answers
func (c *Controller) OnRemoteAccept(callID uuid.UUID) {
	c.mu.Lock()
	session, ok := c.byID[callID]
	if !ok || session.Status != domain.CallStatusRinging {
		c.mu.Unlock()
		return
	}
	session.Status = domain.CallStatusActive
	snapshot := *session
	c.mu.Unlock()

	c.timers.Cancel(ringKey(callID))
	c.notify(snapshot, "")
}

// Reject declines a ringing call
func (c *Controller) Reject(callID uuid.UUID) error {
	return c.end(callID, protocol.EventCallReject, ReasonRejected, domain.CallStatusEnded)
}

// Hangup ends a ringing or active call
func (c *Controller) Hangup(callID uuid.UUID) error {
	return c.end(callID, protocol.EventCallEnd, ReasonHangup, domain.CallStatusEnded)
}

func (c *Controller) end(callID uuid.UUID, event, reason string, status domain.CallStatus) error {
	snapshot, ok := c.terminate(callID, status, reason)
	if !ok {
		return apperrors.Newf(apperrors.ErrCodeCallNotFound, "call %s not found", callID)
	}
	if err := c.signal(event, snapshot); err != nil {
		return err
	}
	return nil
}

// OnRemoteEnd applies a peer- or server-reported terminal state
func (c *Controller) OnRemoteEnd(callID uuid.UUID, status domain.CallStatus, reason string) {
	if !status.Terminal() {
		status = domain.CallStatusEnded
	}
	c.terminate(callID, status, reason)
}

// terminate is the single terminal transition; idempotent per call. The
// session leaves both indexes so a long-lived controller does not
// accumulate every call ever made.
func (c *Controller) terminate(callID uuid.UUID, status domain.CallStatus, reason string) (domain.CallSession, bool) {
	c.mu.Lock()
	session, ok := c.byID[callID]
	if !ok {
		c.mu.Unlock()
		return domain.CallSession{}, false
	}
	now := time.Now()
	session.Status = status
	session.EndedAt = &now
	snapshot := *session
	delete(c.byID, callID)
	delete(c.byRoom, session.RoomID)
	c.mu.Unlock()

	// Ending a call cancels its ringing timeout
	c.timers.Cancel(ringKey(callID))
	metrics.CallsTotal.WithLabelValues(string(status)).Inc()
	logger.Info("call ended",
		zap.String("call_id", callID.String()),
		zap.String("status", string(status)),
		zap.String("reason", reason))
	c.notify(snapshot, reason)
	return snapshot, true
}

// armRingingTimeout bounds how long a call may ring; on expiry the session
// becomes missed and both parties are notified.
func (c *Controller) armRingingTimeout(callID uuid.UUID) {
	c.timers.Schedule(ringKey(callID), c.cfg.RingingTimeout, func() {
		snapshot, ok := c.terminate(callID, domain.CallStatusMissed, ReasonMissed)
		if !ok {
			return
		}
		// Tell the peer the ring went unanswered
		_ = c.signal(protocol.EventCallEnd, snapshot)
	})
}

// SetMuted flips the local mute flag. UI state only, never signaled.
func (c *Controller) SetMuted(callID uuid.UUID, muted bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if session, ok := c.byID[callID]; ok {
		session.Muted = muted
	}
}

// SetVideoOff flips the local video flag. UI state only, never signaled.
func (c *Controller) SetVideoOff(callID uuid.UUID, off bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if session, ok := c.byID[callID]; ok {
		session.VideoOff = off
	}
}

// Session returns a live (ringing or active) call by id. Terminal
// sessions are evicted; observe them through Subscribe.
func (c *Controller) Session(callID uuid.UUID) (domain.CallSession, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	session, ok := c.byID[callID]
	if !ok {
		return domain.CallSession{}, false
	}
	return *session, true
}

// ActiveSession returns the room's non-terminal session, if any
func (c *Controller) ActiveSession(roomID uuid.UUID) (domain.CallSession, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	session, ok := c.byRoom[roomID]
	if !ok || session.Status.Terminal() {
		return domain.CallSession{}, false
	}
	return *session, true
}

// Subscribe registers a call listener and returns its disposer
func (c *Controller) Subscribe(fn Listener) func() {
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

// Close cancels every ringing timeout
func (c *Controller) Close() {
	c.timers.Stop()
}

func (c *Controller) notify(session domain.CallSession, reason string) {
	c.mu.Lock()
	listeners := make([]Listener, 0, len(c.subs))
	for _, fn := range c.subs {
		listeners = append(listeners, fn)
	}
	c.mu.Unlock()
	for _, fn := range listeners {
		fn(session, reason)
	}
}

func ringKey(callID uuid.UUID) string {
	return "call:ring:" + callID.String()
}
