package domain

import (
	"time"

	"github.com/google/uuid"
)

// ChatRoom represents a direct conversation between two users
type ChatRoom struct {
	ID             uuid.UUID    `json:"id"`
	Participants   [2]uuid.UUID `json:"participants"`
	LastActivityAt time.Time    `json:"last_activity_at"`
	UnreadCount    int          `json:"unread_count"`
}

// Peer returns the other participant of the room
func (r *ChatRoom) Peer(selfID uuid.UUID) uuid.UUID {
	if r.Participants[0] == selfID {
		return r.Participants[1]
	}
	return r.Participants[0]
}
