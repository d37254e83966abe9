package backend

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"

	relayerrors "github.com/overmesh/mcp-relay/pkg/errors"
)

// SSEDialer opens Server-Sent-Events connections to MCP servers: a GET on
// the target streams server messages, and an `endpoint` event announces the
// URL outbound messages are POSTed to.
type SSEDialer struct {
	// Client is the HTTP client used for both the event stream and message
	// posts. http.DefaultClient when nil.
	Client *http.Client
}

// NewSSEDialer creates a dialer over the given client.
func NewSSEDialer(client *http.Client) *SSEDialer {
	if client == nil {
		client = http.DefaultClient
	}
	return &SSEDialer{Client: client}
}

// Open connects to the SSE endpoint and waits for the server's endpoint
// announcement before returning. The ctx deadline bounds the handshake only;
// the stream itself lives until Close, so callers may cancel ctx as soon as
// Open returns.
func (d *SSEDialer) Open(ctx context.Context, target string) (Conn, error) {
	// The GET carries the session-long event stream, so it runs under its
	// own context ended by Close. A watcher enforces the handshake bound;
	// the CAS decides who wins when ctx fires as the handshake completes.
	streamCtx, streamCancel := context.WithCancel(context.Background())
	var committed atomic.Bool
	handshakeDone := make(chan struct{})
	defer close(handshakeDone)
	go func() {
		select {
		case <-handshakeDone:
		case <-ctx.Done():
			if committed.CompareAndSwap(false, true) {
				streamCancel()
			}
		}
	}()

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, target, nil)
	if err != nil {
		streamCancel()
		return nil, relayerrors.BackendUnreachable(target, err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := d.Client.Do(req)
	if err != nil {
		streamCancel()
		return nil, relayerrors.BackendUnreachable(target, err)
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		streamCancel()
		return nil, relayerrors.BackendUnreachable(target,
			fmt.Errorf("unexpected status code %d", resp.StatusCode))
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		resp.Body.Close()
		streamCancel()
		return nil, relayerrors.BackendUnreachable(target,
			fmt.Errorf("expected content-type text/event-stream, got %q", ct))
	}

	conn := &sseConn{
		target:     target,
		client:     d.Client,
		body:       resp.Body,
		cancel:     streamCancel,
		events:     make(chan Event, 32),
		endpointCh: make(chan string, 1),
		closeCh:    make(chan struct{}),
	}
	go conn.readEvents()

	// The post URL arrives as the first event on the stream.
	select {
	case postTarget, ok := <-conn.endpointCh:
		if !ok {
			conn.Close()
			return nil, relayerrors.BackendUnreachable(target,
				fmt.Errorf("stream ended before endpoint announcement"))
		}
		postURL, err := resolveEndpoint(target, postTarget)
		if err != nil {
			conn.Close()
			return nil, relayerrors.BackendUnreachable(target, err)
		}
		conn.postURL = postURL
		if !committed.CompareAndSwap(false, true) {
			// The handshake bound expired on the line; the watcher already
			// tore the stream down.
			conn.Close()
			return nil, relayerrors.BackendUnreachable(target, ctx.Err())
		}
		return conn, nil
	case <-ctx.Done():
		conn.Close()
		return nil, relayerrors.BackendUnreachable(target, ctx.Err())
	}
}

// resolveEndpoint resolves the announced post target against the stream URL.
func resolveEndpoint(target, announced string) (string, error) {
	base, err := url.Parse(target)
	if err != nil {
		return "", err
	}
	ref, err := url.Parse(strings.TrimSpace(announced))
	if err != nil {
		return "", fmt.Errorf("invalid endpoint announcement %q: %w", announced, err)
	}
	return base.ResolveReference(ref).String(), nil
}

// sseConn is one SSE-backed connection to an MCP server.
type sseConn struct {
	target  string
	client  *http.Client
	body    io.ReadCloser
	cancel  context.CancelFunc
	postURL string

	events     chan Event
	endpointCh chan string
	closeCh    chan struct{}
	closed     atomic.Bool
	closeOnce  sync.Once
}

// Send POSTs one message to the announced endpoint.
func (c *sseConn) Send(ctx context.Context, payload []byte) error {
	if c.closed.Load() {
		return relayerrors.BackendWriteError(c.target, errors.New("connection closed"))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.postURL, bytes.NewReader(payload))
	if err != nil {
		return relayerrors.BackendWriteError(c.target, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return relayerrors.BackendWriteError(c.target, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return relayerrors.BackendWriteError(c.target,
			fmt.Errorf("status %d: %s", resp.StatusCode, bytes.TrimSpace(body)))
	}
	return nil
}

// Events returns the inbound message stream.
func (c *sseConn) Events() <-chan Event {
	return c.events
}

// Close terminates the stream and releases the response body. Idempotent.
func (c *sseConn) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.closeCh)
		c.body.Close()
		c.cancel()
	})
	return nil
}

// readEvents parses the SSE stream into events. The channel closes without
// a preceding Err event when the server ends the stream cleanly; a transport
// failure mid-stream emits one terminal Err first.
func (c *sseConn) readEvents() {
	defer close(c.events)
	defer close(c.endpointCh)
	defer c.body.Close()

	reader := bufio.NewReader(c.body)
	var eventName string
	var data bytes.Buffer

	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			if errors.Is(err, io.EOF) || c.closed.Load() {
				return
			}
			c.emit(Event{Err: relayerrors.BackendStreamError(c.target, err)})
			return
		}

		line = bytes.TrimRight(line, "\r\n")

		// Blank line terminates an event.
		if len(line) == 0 {
			if data.Len() > 0 {
				c.dispatch(eventName, data.Bytes())
			}
			eventName = ""
			data.Reset()
			continue
		}

		switch {
		case bytes.HasPrefix(line, []byte(":")):
			// SSE comment, keepalive noise.
		case bytes.HasPrefix(line, []byte("event:")):
			eventName = string(bytes.TrimSpace(line[len("event:"):]))
		case bytes.HasPrefix(line, []byte("data:")):
			data.Write(bytes.TrimPrefix(line[len("data:"):], []byte(" ")))
		}
	}
}

func (c *sseConn) dispatch(eventName string, data []byte) {
	switch eventName {
	case "endpoint":
		select {
		case c.endpointCh <- string(data):
		default:
		}
	default:
		// "message" or unnamed events carry server payloads.
		payload := make([]byte, len(data))
		copy(payload, data)
		c.emit(Event{Data: payload})
	}
}

func (c *sseConn) emit(ev Event) {
	select {
	case c.events <- ev:
	case <-c.closeCh:
	}
}
