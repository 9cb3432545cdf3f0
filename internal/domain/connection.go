package domain

// ConnectionState is the lifecycle state of the logical session
type ConnectionState string

const (
	ConnDisconnected ConnectionState = "disconnected"
	ConnConnecting   ConnectionState = "connecting"
	ConnConnected    ConnectionState = "connected"
	ConnReconnecting ConnectionState = "reconnecting"

	// ConnExhausted means the reconnect attempt budget ran out;
	// no further automatic attempts are made
	ConnExhausted ConnectionState = "exhausted"
)
