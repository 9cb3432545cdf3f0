// Package protocol defines the transport-agnostic wire events exchanged with
// the chat server: event names, payload shapes, and the envelope codec.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Wire event names
const (
	// Room subscription
	EventJoinRoom  = "join_room"
	EventLeaveRoom = "leave_room"

	// Messaging
	EventSendMessage     = "send_message"
	EventMessageSent     = "message_sent"
	EventMessageReceived = "message_received"

	// Message mutations
	EventMarkAsRead     = "mark_as_read"
	EventMessagesRead   = "messages_read"
	EventEditMessage    = "edit_message"
	EventMessageEdited  = "message_edited"
	EventDeleteMessage  = "delete_message"
	EventMessageDeleted = "message_deleted"

	// Typing indicators
	EventTypingStart = "typing_start"
	EventTypingStop  = "typing_stop"
	EventUserTyping  = "user_typing"

	// Presence
	EventUsersOnline = "users_online"
	EventUserOnline  = "user_online"
	EventUserOffline = "user_offline"

	// Call signaling
	EventCallInitiate = "call_initiate"
	EventCallIncoming = "call_incoming"
	EventCallAccept   = "call_accept"
	EventCallReject   = "call_reject"
	EventCallEnd      = "call_end"
	EventCallEnded    = "call_ended"
)

// Envelope wraps a named wire event and its raw payload
type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope marshals payload into an Envelope for event
func NewEnvelope(event string, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to encode %s payload: %w", event, err)
	}
	return Envelope{Event: event, Payload: raw}, nil
}

// Decode unmarshals the envelope payload into out
func (e Envelope) Decode(out any) error {
	if err := json.Unmarshal(e.Payload, out); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", e.Event, err)
	}
	return nil
}

// Marshal encodes the envelope for the wire
func (e Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Unmarshal decodes a wire frame into an Envelope
func Unmarshal(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("failed to decode envelope: %w", err)
	}
	if env.Event == "" {
		return Envelope{}, fmt.Errorf("envelope has no event name")
	}
	return env, nil
}
