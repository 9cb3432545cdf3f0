package domain

import (
	"time"

	"github.com/google/uuid"
)

// CallType represents type of call
type CallType string

const (
	CallTypeVoice CallType = "voice"
	CallTypeVideo CallType = "video"
)

// CallStatus is the signaling state of a call session
type CallStatus string

const (
	// CallStatusRinging indicates a call is waiting to be answered
	CallStatusRinging CallStatus = "ringing"

	// CallStatusActive indicates a call is in progress
	CallStatusActive CallStatus = "active"

	// CallStatusEnded indicates a call has ended
	CallStatusEnded CallStatus = "ended"

	// CallStatusMissed indicates the ringing timed out before an answer
	CallStatusMissed CallStatus = "missed"
)

// Terminal reports whether the status ends the session
func (s CallStatus) Terminal() bool {
	return s == CallStatusEnded || s == CallStatusMissed
}

// CallSession represents the signaling state of a voice/video call.
// Muted and VideoOff are local UI flags, not signaling states.
type CallSession struct {
	ID            uuid.UUID  `json:"id"`
	RoomID        uuid.UUID  `json:"room_id"`
	InitiatorID   uuid.UUID  `json:"initiator_id"`
	ParticipantID uuid.UUID  `json:"participant_id"`
	Type          CallType   `json:"type"`
	Status        CallStatus `json:"status"`
	StartedAt     time.Time  `json:"started_at"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`

	Muted    bool `json:"-"`
	VideoOff bool `json:"-"`
}
