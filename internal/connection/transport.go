package connection

import (
	"context"

	"chatsync/internal/protocol"
)

// Transport is the wire the session runs over. The engine never touches a
// concrete socket; any implementation that can connect, exchange envelopes,
// and report its failures can carry a session.
//
// Receive and Errors must return stable channels that survive reconnects.
// A failed Connect must be reported through its return value, a dropped
// established connection through Errors.
type Transport interface {
	// Connect establishes (or re-establishes) the underlying connection
	Connect(ctx context.Context) error

	// Send writes one envelope. Callers serialize; implementations may
	// assume no concurrent Send calls.
	Send(ctx context.Context, env protocol.Envelope) error

	// Receive yields inbound envelopes in receipt order
	Receive() <-chan protocol.Envelope

	// Errors reports connection drops and fatal rejections
	Errors() <-chan error

	// Close releases the connection and both channels
	Close() error
}
