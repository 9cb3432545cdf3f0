package protocol

import (
	"time"

	"github.com/google/uuid"

	"chatsync/internal/domain"
)

// RoomRef addresses a room for join/leave
type RoomRef struct {
	RoomID uuid.UUID `json:"room_id"`
}

// SendMessage is the client's outbound message frame
type SendMessage struct {
	RoomID        uuid.UUID              `json:"room_id"`
	CorrelationID uuid.UUID              `json:"correlation_id"`
	SenderID      uuid.UUID              `json:"sender_id"`
	ReceiverID    uuid.UUID              `json:"receiver_id"`
	Content       string                 `json:"content"`
	Type          domain.MessageType     `json:"type"`
	ReplyTo       *uuid.UUID             `json:"reply_to,omitempty"`
	Attachment    *domain.FileAttachment `json:"attachment,omitempty"`
}

// MessageSent is the server ack to the sender: the correlation id resolves
// to a server identity
type MessageSent struct {
	CorrelationID uuid.UUID `json:"correlation_id"`
	ServerID      uuid.UUID `json:"server_id"`
	Timestamp     time.Time `json:"timestamp"`
}

// MessageReceived carries a confirmed message to room subscribers
type MessageReceived struct {
	ServerID      uuid.UUID              `json:"server_id"`
	CorrelationID uuid.UUID              `json:"correlation_id"`
	RoomID        uuid.UUID              `json:"room_id"`
	SenderID      uuid.UUID              `json:"sender_id"`
	ReceiverID    uuid.UUID              `json:"receiver_id"`
	Content       string                 `json:"content"`
	Type          domain.MessageType     `json:"type"`
	Timestamp     time.Time              `json:"timestamp"`
	ReplyTo       *uuid.UUID             `json:"reply_to,omitempty"`
	Attachment    *domain.FileAttachment `json:"attachment,omitempty"`
}

// Message converts the wire frame into a confirmed domain message
func (p MessageReceived) Message() *domain.Message {
	ts := p.Timestamp
	return &domain.Message{
		ID:              p.ServerID,
		CorrelationID:   p.CorrelationID,
		RoomID:          p.RoomID,
		SenderID:        p.SenderID,
		ReceiverID:      p.ReceiverID,
		Content:         p.Content,
		Type:            p.Type,
		State:           domain.MessageStateSent,
		CreatedAt:       p.Timestamp,
		ServerTimestamp: &ts,
		ReplyToID:       p.ReplyTo,
		Attachment:      p.Attachment,
	}
}

// MarkAsRead asks the server to mark messages read
type MarkAsRead struct {
	RoomID     uuid.UUID   `json:"room_id"`
	MessageIDs []uuid.UUID `json:"message_ids"`
	UserID     uuid.UUID   `json:"user_id"`
}

// MessagesRead notifies the room that a user read messages
type MessagesRead struct {
	RoomID     uuid.UUID   `json:"room_id"`
	UserID     uuid.UUID   `json:"user_id"`
	MessageIDs []uuid.UUID `json:"message_ids,omitempty"`
}

// EditMessage asks the server to replace a message's content
type EditMessage struct {
	RoomID    uuid.UUID `json:"room_id"`
	MessageID uuid.UUID `json:"message_id"`
	Content   string    `json:"content"`
}

// MessageEdited confirms an edit to the room
type MessageEdited struct {
	RoomID    uuid.UUID `json:"room_id"`
	MessageID uuid.UUID `json:"message_id"`
	Content   string    `json:"content"`
	EditedAt  time.Time `json:"edited_at"`
}

// DeleteMessage asks the server to delete a message
type DeleteMessage struct {
	RoomID    uuid.UUID `json:"room_id"`
	MessageID uuid.UUID `json:"message_id"`
}

// MessageDeleted confirms a deletion to the room
type MessageDeleted struct {
	RoomID    uuid.UUID `json:"room_id"`
	MessageID uuid.UUID `json:"message_id"`
}

// Typing is the client's typing_start/typing_stop frame
type Typing struct {
	RoomID     uuid.UUID `json:"room_id"`
	SenderID   uuid.UUID `json:"sender_id"`
	ReceiverID uuid.UUID `json:"receiver_id"`
}

// UserTyping notifies the room of a peer's typing state
type UserTyping struct {
	RoomID uuid.UUID `json:"room_id"`
	UserID uuid.UUID `json:"user_id"`
	Typing bool      `json:"typing"`
}

// PresenceEntry is one user in the presence snapshot
type PresenceEntry struct {
	UserID     uuid.UUID             `json:"user_id"`
	Status     domain.PresenceStatus `json:"status,omitempty"`
	LastSeenAt time.Time             `json:"last_seen_at,omitempty"`
}

// UsersOnline is the authoritative presence snapshot sent on every
// (re)connect
type UsersOnline struct {
	Users []PresenceEntry `json:"users"`
}

// UserPresence is an incremental user_online/user_offline delta
type UserPresence struct {
	UserID uuid.UUID             `json:"user_id"`
	Status domain.PresenceStatus `json:"status,omitempty"`
}

// CallInitiate starts a call toward the room's peer
type CallInitiate struct {
	CallID        uuid.UUID       `json:"call_id"`
	RoomID        uuid.UUID       `json:"room_id"`
	InitiatorID   uuid.UUID       `json:"initiator_id"`
	ParticipantID uuid.UUID       `json:"participant_id"`
	Type          domain.CallType `json:"type"`
}

// CallSignal references an existing call for accept/reject/end
type CallSignal struct {
	CallID uuid.UUID `json:"call_id"`
	UserID uuid.UUID `json:"user_id,omitempty"`
}

// CallEnded notifies both parties of a terminal call state
type CallEnded struct {
	CallID uuid.UUID         `json:"call_id"`
	Status domain.CallStatus `json:"status"`
	Reason string            `json:"reason,omitempty"`
}
