// Package constants defines application-wide constants for timeouts, limits, and durations.
package constants

import "time"

// Reconnection constants
const (
	// ReconnectBackoffBase is the first reconnect delay
	ReconnectBackoffBase = 1 * time.Second

	// ReconnectBackoffCap is the maximum reconnect delay
	ReconnectBackoffCap = 30 * time.Second

	// MaxReconnectAttempts is the attempt budget before the connection
	// becomes exhausted
	MaxReconnectAttempts = 10
)

// Message constants
const (
	// SendAckTimeout is how long a pending message waits for the server ack
	// before it is marked failed
	SendAckTimeout = 10 * time.Second

	// MaxMessageLength is the maximum allowed message length
	MaxMessageLength = 10000

	// MaxAttachmentSize is the maximum allowed attachment size in bytes (50MB)
	MaxAttachmentSize = 50 * 1024 * 1024
)

// Typing indicator constants
const (
	// TypingIdleStop is the idle window after which a local typing burst
	// emits its stop signal
	TypingIdleStop = 2 * time.Second

	// TypingExpiry removes a remote typing entry that was never explicitly
	// stopped, guarding against lost stop events
	TypingExpiry = 3 * time.Second
)

// Call constants
const (
	// RingingTimeout bounds how long a call may ring before it is missed
	RingingTimeout = 30 * time.Second

	// MaxCallDuration is the maximum allowed call duration (24 hours)
	MaxCallDuration = 24 * time.Hour
)

// Transport constants
const (
	// ConnectTimeout bounds a single connection attempt
	ConnectTimeout = 10 * time.Second

	// WebSocketPingInterval is the interval for WebSocket ping/pong
	WebSocketPingInterval = 60 * time.Second

	// WriteTimeout bounds a single outbound frame write
	WriteTimeout = 10 * time.Second

	// SendBufferSize is how many outbound envelopes are held while the
	// connection is down
	SendBufferSize = 256
)

// Server constants (sandbox server)
const (
	// GracefulShutdownTimeout is the timeout for graceful server shutdown
	GracefulShutdownTimeout = 30 * time.Second
)
