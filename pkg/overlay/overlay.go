// Package overlay provides the relay's attachment to the group-oriented
// overlay messaging network. The overlay delivers opaque envelopes between
// named endpoints; routing, identity and encryption belong to the overlay
// node and are opaque here.
package overlay

import (
	"context"
	"encoding/json"
)

// Kind classifies an envelope for the relay's session handling.
type Kind string

const (
	// KindData carries an opaque application payload.
	KindData Kind = "data"
	// KindClose signals explicit session closure from either side.
	KindClose Kind = "close"
	// KindError carries a best-effort error report toward a peer.
	KindError Kind = "error"
	// KindAttach announces an endpoint to the overlay node. Control only,
	// never delivered to sessions.
	KindAttach Kind = "attach"
)

// Envelope is one opaque message unit exchanged over the overlay.
type Envelope struct {
	// Source is the endpoint name the envelope originates from.
	Source string `json:"src"`
	// Destination is the endpoint name the envelope is addressed to.
	Destination string `json:"dst"`
	// SessionTag is an optional session-affinity tag carried unchanged in
	// both directions.
	SessionTag string `json:"tag,omitempty"`
	// Kind classifies the envelope.
	Kind Kind `json:"kind"`
	// Payload is the opaque message body. The relay inspects it only for
	// framing boundaries.
	Payload []byte `json:"payload,omitempty"`
}

// Encode renders the envelope as a single JSON document.
func (e Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEnvelope parses a single JSON document into an Envelope.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	err := json.Unmarshal(data, &env)
	return env, err
}

// Attachment is the relay's handle on the overlay network.
//
// Receive yields every envelope addressed to this node. The channel is
// infinite and not restartable; it is closed only when the attachment itself
// is torn down, never on a per-session basis.
type Attachment interface {
	// LocalEndpoint returns the endpoint name this attachment answers to.
	LocalEndpoint() string

	// Publish sends one envelope toward a remote endpoint. It blocks under
	// backpressure until capacity is available or ctx is done, and fails
	// when the attachment is down.
	Publish(ctx context.Context, env Envelope) error

	// Receive returns the channel of inbound envelopes.
	Receive() <-chan Envelope

	// Shutdown detaches from the overlay, terminating the receive channel.
	// It is idempotent.
	Shutdown(ctx context.Context) error
}
