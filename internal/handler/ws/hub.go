// Package ws hosts the sandbox chat server: a WebSocket hub implementing
// the envelope protocol so clients can be exercised end to end without a
// production backend.
package ws

import (
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"chatsync/internal/domain"
	"chatsync/internal/protocol"
	"chatsync/pkg/logger"
)

// Hub routes envelopes between connected sessions. One goroutine owns all
// hub state; clients communicate with it through channels only.
type Hub struct {
	clients map[*Client]bool
	byUser  map[uuid.UUID]*Client
	rooms   map[uuid.UUID]map[*Client]bool
	calls   map[uuid.UUID]callRoute

	register   chan *Client
	unregister chan *Client
	inbound    chan frame
	quit       chan struct{}
	done       chan struct{}
}

// callRoute remembers who is on each side of a ringing or active call
type callRoute struct {
	initiator   uuid.UUID
	participant uuid.UUID
}

type frame struct {
	client *Client
	env    protocol.Envelope
}

// NewHub creates the hub and starts its routing loop
func NewHub() *Hub {
	h := &Hub{
		clients:    make(map[*Client]bool),
		byUser:     make(map[uuid.UUID]*Client),
		rooms:      make(map[uuid.UUID]map[*Client]bool),
		calls:      make(map[uuid.UUID]callRoute),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		inbound:    make(chan frame, 256),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	go h.run()
	return h
}

// Close stops the routing loop and disconnects every session
func (h *Hub) Close() {
	close(h.quit)
	<-h.done
}

func (h *Hub) run() {
	defer close(h.done)
	for {
		select {
		case client := <-h.register:
			h.addClient(client)
		case client := <-h.unregister:
			h.removeClient(client)
		case f := <-h.inbound:
			h.route(f.client, f.env)
		case <-h.quit:
			for client := range h.clients {
				close(client.send)
			}
			return
		}
	}
}

func (h *Hub) addClient(client *Client) {
	// A user reconnecting replaces their previous session
	if prev, ok := h.byUser[client.userID]; ok {
		h.removeClient(prev)
	}
	h.clients[client] = true
	h.byUser[client.userID] = client

	h.sendTo(client, protocol.EventUsersOnline, h.snapshot())
	h.broadcastExcept(client, protocol.EventUserOnline, protocol.UserPresence{
		UserID: client.userID,
		Status: domain.PresenceOnline,
	})
	logger.Info("session connected", zap.String("user_id", client.userID.String()))
}

func (h *Hub) removeClient(client *Client) {
	if !h.clients[client] {
		return
	}
	delete(h.clients, client)
	if h.byUser[client.userID] == client {
		delete(h.byUser, client.userID)
	}
	for roomID, members := range h.rooms {
		delete(members, client)
		if len(members) == 0 {
			delete(h.rooms, roomID)
		}
	}
	close(client.send)

	h.broadcastExcept(nil, protocol.EventUserOffline, protocol.UserPresence{
		UserID: client.userID,
		Status: domain.PresenceOffline,
	})
	logger.Info("session disconnected", zap.String("user_id", client.userID.String()))
}

func (h *Hub) snapshot() protocol.UsersOnline {
	users := make([]protocol.PresenceEntry, 0, len(h.byUser))
	for userID := range h.byUser {
		users = append(users, protocol.PresenceEntry{
			UserID: userID,
			Status: domain.PresenceOnline,
		})
	}
	return protocol.UsersOnline{Users: users}
}

func (h *Hub) route(client *Client, env protocol.Envelope) {
	switch env.Event {
	case protocol.EventJoinRoom:
		h.onJoinRoom(client, env)
	case protocol.EventLeaveRoom:
		h.onLeaveRoom(client, env)
	case protocol.EventSendMessage:
		h.onSendMessage(client, env)
	case protocol.EventMarkAsRead:
		h.onMarkAsRead(client, env)
	case protocol.EventEditMessage:
		h.onEditMessage(client, env)
	case protocol.EventDeleteMessage:
		h.onDeleteMessage(client, env)
	case protocol.EventTypingStart, protocol.EventTypingStop:
		h.onTyping(client, env)
	case protocol.EventCallInitiate:
		h.onCallInitiate(client, env)
	case protocol.EventCallAccept, protocol.EventCallReject:
		h.onCallAnswer(client, env)
	case protocol.EventCallEnd:
		h.onCallEnd(client, env)
	default:
		logger.Warn("unhandled event",
			zap.String("event", env.Event),
			zap.String("user_id", client.userID.String()))
	}
}

func (h *Hub) onJoinRoom(client *Client, env protocol.Envelope) {
	var p protocol.RoomRef
	if env.Decode(&p) != nil {
		return
	}
	if h.rooms[p.RoomID] == nil {
		h.rooms[p.RoomID] = make(map[*Client]bool)
	}
	h.rooms[p.RoomID][client] = true
}

func (h *Hub) onLeaveRoom(client *Client, env protocol.Envelope) {
	var p protocol.RoomRef
	if env.Decode(&p) != nil {
		return
	}
	if members, ok := h.rooms[p.RoomID]; ok {
		delete(members, client)
		if len(members) == 0 {
			delete(h.rooms, p.RoomID)
		}
	}
}

// onSendMessage assigns the server identity and timestamp, acks the sender,
// and echoes the confirmed message to every room subscriber including the
// sender
func (h *Hub) onSendMessage(client *Client, env protocol.Envelope) {
	var p protocol.SendMessage
	if env.Decode(&p) != nil {
		return
	}

	serverID := uuid.New()
	now := time.Now().UTC()

	h.sendTo(client, protocol.EventMessageSent, protocol.MessageSent{
		CorrelationID: p.CorrelationID,
		ServerID:      serverID,
		Timestamp:     now,
	})

	h.broadcastRoom(p.RoomID, nil, protocol.EventMessageReceived, protocol.MessageReceived{
		ServerID:      serverID,
		CorrelationID: p.CorrelationID,
		RoomID:        p.RoomID,
		SenderID:      client.userID,
		ReceiverID:    p.ReceiverID,
		Content:       p.Content,
		Type:          p.Type,
		Timestamp:     now,
		ReplyTo:       p.ReplyTo,
		Attachment:    p.Attachment,
	})
}

func (h *Hub) onMarkAsRead(client *Client, env protocol.Envelope) {
	var p protocol.MarkAsRead
	if env.Decode(&p) != nil {
		return
	}
	h.broadcastRoom(p.RoomID, nil, protocol.EventMessagesRead, protocol.MessagesRead{
		RoomID:     p.RoomID,
		UserID:     client.userID,
		MessageIDs: p.MessageIDs,
	})
}

func (h *Hub) onEditMessage(client *Client, env protocol.Envelope) {
	var p protocol.EditMessage
	if env.Decode(&p) != nil {
		return
	}
	h.broadcastRoom(p.RoomID, nil, protocol.EventMessageEdited, protocol.MessageEdited{
		RoomID:    p.RoomID,
		MessageID: p.MessageID,
		Content:   p.Content,
		EditedAt:  time.Now().UTC(),
	})
}

func (h *Hub) onDeleteMessage(client *Client, env protocol.Envelope) {
	var p protocol.DeleteMessage
	if env.Decode(&p) != nil {
		return
	}
	h.broadcastRoom(p.RoomID, nil, protocol.EventMessageDeleted, protocol.MessageDeleted{
		RoomID:    p.RoomID,
		MessageID: p.MessageID,
	})
}

func (h *Hub) onTyping(client *Client, env protocol.Envelope) {
	var p protocol.Typing
	if env.Decode(&p) != nil {
		return
	}
	h.broadcastRoom(p.RoomID, client, protocol.EventUserTyping, protocol.UserTyping{
		RoomID: p.RoomID,
		UserID: client.userID,
		Typing: env.Event == protocol.EventTypingStart,
	})
}

func (h *Hub) onCallInitiate(client *Client, env protocol.Envelope) {
	var p protocol.CallInitiate
	if env.Decode(&p) != nil {
		return
	}
	h.calls[p.CallID] = callRoute{initiator: client.userID, participant: p.ParticipantID}
	if peer, ok := h.byUser[p.ParticipantID]; ok {
		h.sendTo(peer, protocol.EventCallIncoming, p)
		return
	}
	// Callee offline: report the call ended right away
	delete(h.calls, p.CallID)
	h.sendTo(client, protocol.EventCallEnded, protocol.CallEnded{
		CallID: p.CallID,
		Status: domain.CallStatusMissed,
		Reason: "participant offline",
	})
}

// onCallAnswer relays an accept or reject to the call's other party
func (h *Hub) onCallAnswer(client *Client, env protocol.Envelope) {
	var p protocol.CallSignal
	if env.Decode(&p) != nil {
		return
	}
	route, ok := h.calls[p.CallID]
	if !ok {
		return
	}
	if env.Event == protocol.EventCallReject {
		delete(h.calls, p.CallID)
	}
	if peer, ok := h.byUser[route.other(client.userID)]; ok {
		h.sendTo(peer, env.Event, protocol.CallSignal{CallID: p.CallID, UserID: client.userID})
	}
}

func (h *Hub) onCallEnd(client *Client, env protocol.Envelope) {
	var p protocol.CallSignal
	if env.Decode(&p) != nil {
		return
	}
	route, ok := h.calls[p.CallID]
	if !ok {
		return
	}
	delete(h.calls, p.CallID)
	ended := protocol.CallEnded{CallID: p.CallID, Status: domain.CallStatusEnded}
	if peer, ok := h.byUser[route.other(client.userID)]; ok {
		h.sendTo(peer, protocol.EventCallEnded, ended)
	}
}

func (r callRoute) other(userID uuid.UUID) uuid.UUID {
	if r.initiator == userID {
		return r.participant
	}
	return r.initiator
}

func (h *Hub) sendTo(client *Client, event string, payload any) {
	env, err := protocol.NewEnvelope(event, payload)
	if err != nil {
		return
	}
	data, err := env.Marshal()
	if err != nil {
		return
	}
	select {
	case client.send <- data:
	default:
		// Slow consumer; drop the session
		h.removeClient(client)
	}
}

func (h *Hub) broadcastRoom(roomID uuid.UUID, except *Client, event string, payload any) {
	members, ok := h.rooms[roomID]
	if !ok {
		return
	}
	for client := range members {
		if client == except {
			continue
		}
		h.sendTo(client, event, payload)
	}
}

func (h *Hub) broadcastExcept(except *Client, event string, payload any) {
	for client := range h.clients {
		if client == except {
			continue
		}
		h.sendTo(client, event, payload)
	}
}
