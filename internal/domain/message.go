package domain

import (
	"time"

	"github.com/google/uuid"
)

// MessageType classifies the message payload
type MessageType string

const (
	MessageTypeText  MessageType = "text"
	MessageTypeFile  MessageType = "file"
	MessageTypeImage MessageType = "image"
	MessageTypeVoice MessageType = "voice"
)

// MessageState tracks the delivery lifecycle of a message
type MessageState string

const (
	// MessageStatePending is the optimistic local state before the server ack
	MessageStatePending MessageState = "pending"

	// MessageStateSent means the server acknowledged the message
	MessageStateSent MessageState = "sent"

	// MessageStateDelivered means the peer's client received the message
	MessageStateDelivered MessageState = "delivered"

	// MessageStateRead means the peer read the message
	MessageStateRead MessageState = "read"

	// MessageStateFailed means the send timed out or the connection dropped;
	// the message is kept and may be retried explicitly
	MessageStateFailed MessageState = "failed"
)

// Message represents a chat message entity.
// ID is server-assigned and only set once the message is confirmed;
// CorrelationID is client-generated and stable across the
// optimistic-to-confirmed transition.
type Message struct {
	ID              uuid.UUID       `json:"id,omitempty"`
	CorrelationID   uuid.UUID       `json:"correlation_id"`
	RoomID          uuid.UUID       `json:"room_id"`
	SenderID        uuid.UUID       `json:"sender_id"`
	ReceiverID      uuid.UUID       `json:"receiver_id"`
	Content         string          `json:"content"`
	Type            MessageType     `json:"type"`
	State           MessageState    `json:"state"`
	CreatedAt       time.Time       `json:"created_at"`
	ServerTimestamp *time.Time      `json:"server_timestamp,omitempty"`
	EditedAt        *time.Time      `json:"edited_at,omitempty"`
	ReplyToID       *uuid.UUID      `json:"reply_to_id,omitempty"`
	Attachment      *FileAttachment `json:"attachment,omitempty"`

	// Failure holds the reason of the last failed send or rolled-back
	// mutation for this message. Empty when the message is healthy.
	Failure string `json:"failure,omitempty"`
}

// Confirmed reports whether the message carries a server identity
func (m *Message) Confirmed() bool {
	return m.ServerTimestamp != nil
}

// OrderingTime is the timestamp messages are sorted by:
// the server timestamp once confirmed, the local submit time before that
func (m *Message) OrderingTime() time.Time {
	if m.ServerTimestamp != nil {
		return *m.ServerTimestamp
	}
	return m.CreatedAt
}

// FileAttachment is the result of the upload collaborator, carried as the
// payload of file messages
type FileAttachment struct {
	ID   uuid.UUID `json:"id"`
	URL  string    `json:"url"`
	Name string    `json:"name"`
	Size int64     `json:"size"`
}
