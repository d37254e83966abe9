package overlay

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"sync"
	"sync/atomic"
	"time"

	relayerrors "github.com/overmesh/mcp-relay/pkg/errors"
)

// maxEnvelopeSize bounds a single overlay frame on the node link.
const maxEnvelopeSize = 4 * 1024 * 1024

// NodeAttachment links the relay to an external overlay node over a stream
// socket carrying newline-delimited JSON envelopes. Authentication and
// encryption are the node's concern; whatever the dialer provides (a TLS
// net.Conn included) is carried as-is.
type NodeAttachment struct {
	endpoint string
	conn     net.Conn
	out      chan Envelope
	done     chan struct{}
	closed   atomic.Bool
	writeMu  sync.Mutex
	once     sync.Once
}

// DialNode connects to an overlay node, announces the local endpoint name,
// and starts the receive loop. The ctx deadline bounds the dial.
func DialNode(ctx context.Context, address, endpoint string) (*NodeAttachment, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, relayerrors.OverlayDetached(endpoint, err)
	}
	return AttachConn(conn, endpoint)
}

// AttachConn wraps an established node connection. Used by DialNode and by
// deployments that bring their own (e.g. TLS) connection.
func AttachConn(conn net.Conn, endpoint string) (*NodeAttachment, error) {
	a := &NodeAttachment{
		endpoint: endpoint,
		conn:     conn,
		out:      make(chan Envelope, 64),
		done:     make(chan struct{}),
	}

	// Announce the local endpoint so the node can route to us.
	hello := Envelope{Source: endpoint, Kind: KindAttach}
	if err := a.write(hello, time.Time{}); err != nil {
		conn.Close()
		return nil, err
	}

	go a.readLoop()
	return a, nil
}

// LocalEndpoint returns the endpoint name announced to the node.
func (a *NodeAttachment) LocalEndpoint() string {
	return a.endpoint
}

// Publish writes one envelope to the node link.
func (a *NodeAttachment) Publish(ctx context.Context, env Envelope) error {
	if a.closed.Load() {
		return relayerrors.OverlayDetached(a.endpoint, nil)
	}
	if err := ctx.Err(); err != nil {
		return relayerrors.OverlayPublishError(env.Destination, err)
	}
	if env.Source == "" {
		env.Source = a.endpoint
	}
	var deadline time.Time
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	if err := a.write(env, deadline); err != nil {
		return relayerrors.OverlayPublishError(env.Destination, err)
	}
	return nil
}

// write frames and sends one envelope. The socket is shared by all sessions,
// so a per-call deadline must not outlive the call: it is armed and cleared
// under the write lock.
func (a *NodeAttachment) write(env Envelope, deadline time.Time) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	if !deadline.IsZero() {
		a.conn.SetWriteDeadline(deadline)
		defer a.conn.SetWriteDeadline(time.Time{})
	}
	_, err = a.conn.Write(data)
	return err
}

// Receive returns the channel of inbound envelopes. It is closed when the
// node link ends, for any reason.
func (a *NodeAttachment) Receive() <-chan Envelope {
	return a.out
}

// readLoop decodes envelopes off the socket until it fails or Shutdown
// closes the connection.
func (a *NodeAttachment) readLoop() {
	defer close(a.out)

	scanner := bufio.NewScanner(a.conn)
	scanner.Buffer(make([]byte, 64*1024), maxEnvelopeSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		env, err := DecodeEnvelope(line)
		if err != nil {
			// A garbled frame on the node link; skip it, the link itself
			// is still usable.
			continue
		}
		select {
		case a.out <- env:
		case <-a.done:
			return
		}
	}
}

// Shutdown closes the node link, which terminates the receive channel.
// Idempotent.
func (a *NodeAttachment) Shutdown(ctx context.Context) error {
	a.once.Do(func() {
		a.closed.Store(true)
		close(a.done)
		a.conn.Close()
	})
	return nil
}
