package engine

import (
	"go.uber.org/zap"

	"chatsync/internal/domain"
	"chatsync/internal/protocol"
	"chatsync/pkg/logger"
)

// registerHandlers subscribes every protocol event to its store/component
// reaction. All handlers run on the bus dispatch goroutine, so reactions to
// one server event finish before the next begins.
func (e *Engine) registerHandlers() {
	sub := func(eventName string, fn func(protocol.Envelope)) {
		e.disposers = append(e.disposers, e.bus.Subscribe(eventName, fn))
	}

	sub(protocol.EventMessageSent, e.onMessageSent)
	sub(protocol.EventMessageReceived, e.onMessageReceived)
	sub(protocol.EventMessagesRead, e.onMessagesRead)
	sub(protocol.EventMessageEdited, e.onMessageEdited)
	sub(protocol.EventMessageDeleted, e.onMessageDeleted)
	sub(protocol.EventUserTyping, e.onUserTyping)
	sub(protocol.EventUsersOnline, e.onUsersOnline)
	sub(protocol.EventUserOnline, e.onUserOnline)
	sub(protocol.EventUserOffline, e.onUserOffline)
	sub(protocol.EventCallIncoming, e.onCallIncoming)
	sub(protocol.EventCallAccept, e.onCallAccept)
	sub(protocol.EventCallReject, e.onCallReject)
	sub(protocol.EventCallEnded, e.onCallEnded)
}

func (e *Engine) onMessageSent(env protocol.Envelope) {
	var p protocol.MessageSent
	if !e.decode(env, &p) {
		return
	}
	e.timers.Cancel(sendKey(p.CorrelationID))
	if _, err := e.store.Reconcile(p.CorrelationID, p.ServerID, p.Timestamp); err != nil {
		logger.Warn("unmatched server ack",
			zap.String("correlation_id", p.CorrelationID.String()),
			zap.Error(err))
	}
}

func (e *Engine) onMessageReceived(env protocol.Envelope) {
	var p protocol.MessageReceived
	if !e.decode(env, &p) {
		return
	}
	if _, err := e.store.IngestInbound(p.Message()); err != nil {
		logger.Debug("inbound message dropped",
			zap.String("server_id", p.ServerID.String()),
			zap.Error(err))
	}
}

func (e *Engine) onMessagesRead(env protocol.Envelope) {
	var p protocol.MessagesRead
	if !e.decode(env, &p) {
		return
	}
	if p.UserID == e.selfID {
		// Server echo of our own mark_as_read confirms the optimistic
		// mutation
		e.timers.Cancel("read:" + p.RoomID.String())
		if token := e.takeReadToken(p.RoomID); token != "" {
			e.store.ConfirmRead(token)
		}
		return
	}
	e.store.ApplyReadReceipt(p.RoomID, p.UserID, p.MessageIDs)
}

func (e *Engine) onMessageEdited(env protocol.Envelope) {
	var p protocol.MessageEdited
	if !e.decode(env, &p) {
		return
	}
	if e.timers.Cancel(editKey(p.MessageID)) {
		e.store.ConfirmEdit(p.RoomID, p.MessageID, p.EditedAt)
		return
	}
	e.store.ApplyRemoteEdit(p.RoomID, p.MessageID, p.Content, p.EditedAt)
}

func (e *Engine) onMessageDeleted(env protocol.Envelope) {
	var p protocol.MessageDeleted
	if !e.decode(env, &p) {
		return
	}
	if e.timers.Cancel(deleteKey(p.MessageID)) {
		e.store.ConfirmDelete(p.MessageID)
		return
	}
	e.store.ApplyRemoteDelete(p.RoomID, p.MessageID)
}

func (e *Engine) onUserTyping(env protocol.Envelope) {
	var p protocol.UserTyping
	if !e.decode(env, &p) {
		return
	}
	if p.UserID == e.selfID {
		return
	}
	e.typing.OnRemoteTyping(p.RoomID, p.UserID, p.Typing)
}

func (e *Engine) onUsersOnline(env protocol.Envelope) {
	var p protocol.UsersOnline
	if !e.decode(env, &p) {
		return
	}
	records := make([]domain.PresenceRecord, 0, len(p.Users))
	for _, u := range p.Users {
		status := u.Status
		if status == "" {
			status = domain.PresenceOnline
		}
		records = append(records, domain.PresenceRecord{
			UserID:     u.UserID,
			Status:     status,
			LastSeenAt: u.LastSeenAt,
		})
	}
	e.presence.SetSnapshot(records)
}

func (e *Engine) onUserOnline(env protocol.Envelope) {
	var p protocol.UserPresence
	if !e.decode(env, &p) {
		return
	}
	e.presence.SetOnline(p.UserID, p.Status)
}

func (e *Engine) onUserOffline(env protocol.Envelope) {
	var p protocol.UserPresence
	if !e.decode(env, &p) {
		return
	}
	e.presence.SetOffline(p.UserID)
}

func (e *Engine) onCallIncoming(env protocol.Envelope) {
	var p protocol.CallInitiate
	if !e.decode(env, &p) {
		return
	}
	session := domain.CallSession{
		ID:            p.CallID,
		RoomID:        p.RoomID,
		InitiatorID:   p.InitiatorID,
		ParticipantID: p.ParticipantID,
		Type:          p.Type,
		Status:        domain.CallStatusRinging,
	}
	if err := e.calls.OnIncoming(session); err != nil {
		// Busy: a non-terminal call already occupies the room
		logger.Info("rejecting incoming call",
			zap.String("call_id", p.CallID.String()),
			zap.Error(err))
		_ = e.conn.Send(protocol.EventCallReject, protocol.CallSignal{CallID: p.CallID, UserID: e.selfID})
	}
}

func (e *Engine) onCallAccept(env protocol.Envelope) {
	var p protocol.CallSignal
	if !e.decode(env, &p) {
		return
	}
	e.calls.OnRemoteAccept(p.CallID)
}

func (e *Engine) onCallReject(env protocol.Envelope) {
	var p protocol.CallSignal
	if !e.decode(env, &p) {
		return
	}
	e.calls.OnRemoteEnd(p.CallID, domain.CallStatusEnded, "rejected")
}

func (e *Engine) onCallEnded(env protocol.Envelope) {
	var p protocol.CallEnded
	if !e.decode(env, &p) {
		return
	}
	status := p.Status
	if status == "" || !status.Terminal() {
		status = domain.CallStatusEnded
	}
	e.calls.OnRemoteEnd(p.CallID, status, p.Reason)
}

// onConnectionState reacts to lifecycle transitions: rearm ack timers after
// a reconnect flush, park them while offline, and surface terminal states
// to pending sends.
func (e *Engine) onConnectionState(state domain.ConnectionState, err error) {
	switch state {
	case domain.ConnConnected:
		e.armPendingTimers()
	case domain.ConnReconnecting:
		// Buffered sends must not time out while the wire is down
		e.timers.CancelPrefix("send:")
	case domain.ConnExhausted:
		e.timers.CancelPrefix("send:")
		e.store.FailAllPending(0, "connection lost")
	case domain.ConnDisconnected:
		if err != nil {
			e.timers.CancelPrefix("send:")
			e.store.FailAllPending(0, "connection terminated")
		}
	}
}

// armPendingTimers starts the ack countdown for every message still pending
// after a (re)connect. The manager drains the offline buffer before
// publishing connected, so a flushed send either resolved through its ack
// already or gets its timer here.
func (e *Engine) armPendingTimers() {
	for _, room := range e.store.Rooms() {
		for _, msg := range e.store.Messages(room.ID) {
			if msg.State == domain.MessageStatePending && msg.SenderID == e.selfID {
				e.armAckTimer(msg.CorrelationID)
			}
		}
	}
}

func (e *Engine) decode(env protocol.Envelope, out any) bool {
	if err := env.Decode(out); err != nil {
		logger.Warn("malformed event payload",
			zap.String("event", env.Event),
			zap.Error(err))
		return false
	}
	return true
}
