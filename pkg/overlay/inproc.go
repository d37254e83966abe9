package overlay

import (
	"context"
	"fmt"
	"sync"

	relayerrors "github.com/overmesh/mcp-relay/pkg/errors"
)

// Hub is an in-process overlay: a set of named endpoints exchanging
// envelopes through channels. It backs tests and loopback deployments where
// relay and peers share one process.
type Hub struct {
	mu        sync.RWMutex
	endpoints map[string]*HubAttachment
	buffer    int
}

// NewHub creates a hub whose attachments buffer the given number of inbound
// envelopes before publishers block.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 16
	}
	return &Hub{
		endpoints: make(map[string]*HubAttachment),
		buffer:    buffer,
	}
}

// Attach registers an endpoint name and returns its attachment. Names are
// unique per hub.
func (h *Hub) Attach(endpoint string) (*HubAttachment, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.endpoints[endpoint]; exists {
		return nil, fmt.Errorf("endpoint %q already attached", endpoint)
	}

	a := &HubAttachment{
		hub:      h,
		endpoint: endpoint,
		inbox:    make(chan Envelope, h.buffer),
		out:      make(chan Envelope),
		done:     make(chan struct{}),
	}
	h.endpoints[endpoint] = a
	go a.pump()
	return a, nil
}

func (h *Hub) lookup(endpoint string) (*HubAttachment, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	a, ok := h.endpoints[endpoint]
	return a, ok
}

func (h *Hub) detach(endpoint string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.endpoints, endpoint)
}

// HubAttachment is one endpoint's handle on an in-process Hub.
type HubAttachment struct {
	hub      *Hub
	endpoint string
	inbox    chan Envelope
	out      chan Envelope
	done     chan struct{}
	once     sync.Once
}

// pump moves envelopes from the publisher-facing inbox to the receive
// channel so that Shutdown can terminate the receive side without racing
// in-flight publishers.
func (a *HubAttachment) pump() {
	for {
		select {
		case env := <-a.inbox:
			select {
			case a.out <- env:
			case <-a.done:
				close(a.out)
				return
			}
		case <-a.done:
			close(a.out)
			return
		}
	}
}

// LocalEndpoint returns the endpoint name of this attachment.
func (a *HubAttachment) LocalEndpoint() string {
	return a.endpoint
}

// Publish delivers one envelope to the destination endpoint's inbox. It
// blocks when the destination buffer is full, throttling the caller.
func (a *HubAttachment) Publish(ctx context.Context, env Envelope) error {
	select {
	case <-a.done:
		return relayerrors.OverlayDetached(a.endpoint, nil)
	default:
	}

	dst, ok := a.hub.lookup(env.Destination)
	if !ok {
		return relayerrors.OverlayPublishError(env.Destination, fmt.Errorf("no such endpoint"))
	}

	if env.Source == "" {
		env.Source = a.endpoint
	}

	select {
	case dst.inbox <- env:
		return nil
	case <-dst.done:
		return relayerrors.OverlayPublishError(env.Destination, fmt.Errorf("endpoint detached"))
	case <-a.done:
		return relayerrors.OverlayDetached(a.endpoint, nil)
	case <-ctx.Done():
		return relayerrors.OverlayPublishError(env.Destination, ctx.Err())
	}
}

// Receive returns the channel of envelopes addressed to this endpoint.
func (a *HubAttachment) Receive() <-chan Envelope {
	return a.out
}

// Shutdown detaches the endpoint from the hub and closes the receive
// channel. Safe to call more than once.
func (a *HubAttachment) Shutdown(ctx context.Context) error {
	a.once.Do(func() {
		a.hub.detach(a.endpoint)
		close(a.done)
	})
	return nil
}
