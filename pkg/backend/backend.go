// Package backend provides the relay's connection to an MCP server over its
// request/stream transport: one outbound message at a time, one lazy and
// possibly infinite stream of inbound messages.
//
// The adapter does not correlate requests with responses; a single backend
// connection carries many logically independent exchanges and correlation,
// where needed, lives in the payload's own request id.
package backend

import (
	"context"
)

// Event is one item produced by a connection's receive stream. Exactly one
// of Data and Err is set. A terminal Err event precedes channel close on
// mid-stream failure; a clean server close just closes the channel.
type Event struct {
	Data []byte
	Err  error
}

// Conn is one established connection to an MCP server. It is exclusively
// owned by the session that opened it.
type Conn interface {
	// Send delivers one message to the server. Fails with a
	// BackendWriteError when the connection is closed or the write is
	// rejected.
	Send(ctx context.Context, payload []byte) error

	// Events returns the server-initiated message stream. The channel is
	// unbounded in length, not restartable, and consumed by exactly one
	// task.
	Events() <-chan Event

	// Close releases the connection. Idempotent; always releases underlying
	// resources even if already closed.
	Close() error
}

// Dialer opens connections to MCP servers.
type Dialer interface {
	// Open establishes one request/stream-capable connection to the server
	// at target. Fails with a BackendUnreachable error on connect failure;
	// the ctx deadline bounds the whole handshake.
	Open(ctx context.Context, target string) (Conn, error)
}
