// Package transport carries fabric wire messages over WebSocket
// sessions. Encoding at the boundary is JSON; everything above this
// package works with decoded messages.
package transport

import (
	"context"

	"github.com/routefabric/meshd/internal/schema"
)

// Conn is one established, message-oriented session with a peer.
type Conn interface {
	// Send writes one message. The context bounds the write.
	Send(ctx context.Context, msg *schema.Message) error
	// Receive blocks for the next message. It returns an error when
	// the session is gone; callers fold that into a close action.
	Receive(ctx context.Context) (*schema.Message, error)
	// Ping performs a transport-level keepalive round trip.
	Ping(ctx context.Context) error
	// Close tears the session down with a close code.
	Close(code int, reason string) error
}

// Dialer opens outbound sessions.
type Dialer interface {
	Dial(ctx context.Context, endpoint string) (Conn, error)
}
