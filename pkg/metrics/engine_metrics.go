package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Engine metrics for monitoring the synchronization lifecycle
var (
	// Message lifecycle metrics
	MessagesPending = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chatsync_messages_pending",
		Help: "Current number of optimistic messages awaiting a server ack",
	})

	MessagesSentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsync_messages_sent_total",
		Help: "Total number of messages confirmed by the server",
	}, []string{"message_type"})

	MessagesFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsync_messages_failed_total",
		Help: "Total number of messages that failed to send",
	}, []string{"reason"})

	MessagesIngestedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatsync_messages_ingested_total",
		Help: "Total number of inbound peer messages applied",
	})

	// Consistency metrics
	ReconciliationMismatchTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatsync_reconciliation_mismatch_total",
		Help: "Total number of acks referencing an unknown correlation id",
	})

	DuplicateEventsDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatsync_duplicate_events_dropped_total",
		Help: "Total number of events dropped by correlation-id dedup",
	})

	// Connection metrics
	ConnectionState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chatsync_connection_state",
		Help: "Connection state (0=disconnected 1=connecting 2=connected 3=reconnecting 4=exhausted)",
	})

	ReconnectAttemptsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatsync_reconnect_attempts_total",
		Help: "Total number of reconnection attempts",
	})

	SendBufferLength = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chatsync_send_buffer_length",
		Help: "Current number of outbound envelopes buffered while offline",
	})

	// Dispatch metrics
	EventsDispatchedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsync_events_dispatched_total",
		Help: "Total number of wire events dispatched to handlers",
	}, []string{"event"})

	// Typing metrics
	TypingExpiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatsync_typing_expired_total",
		Help: "Total number of remote typing entries removed by auto-expiry",
	})

	// Call metrics
	CallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsync_calls_total",
		Help: "Total number of call sessions by final status",
	}, []string{"status"})
)

// connection state gauge values, in lifecycle order
var connStateValues = map[string]float64{
	"disconnected": 0,
	"connecting":   1,
	"connected":    2,
	"reconnecting": 3,
	"exhausted":    4,
}

// SetConnectionState updates the connection state gauge
func SetConnectionState(state string) {
	if v, ok := connStateValues[state]; ok {
		ConnectionState.Set(v)
	}
}
