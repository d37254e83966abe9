package relay

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/overmesh/mcp-relay/pkg/backend"
	relayerrors "github.com/overmesh/mcp-relay/pkg/errors"
	"github.com/overmesh/mcp-relay/pkg/logging"
	"github.com/overmesh/mcp-relay/pkg/overlay"
	"github.com/overmesh/mcp-relay/pkg/protocol"
)

type fakeConn struct {
	mu      sync.Mutex
	sent    [][]byte
	sendErr error
	events  chan backend.Event
	closed  atomic.Bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{events: make(chan backend.Event, 32)}
}

func (c *fakeConn) Send(ctx context.Context, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, append([]byte(nil), payload...))
	return nil
}

func (c *fakeConn) Events() <-chan backend.Event { return c.events }

func (c *fakeConn) Close() error {
	c.closed.Store(true)
	return nil
}

func (c *fakeConn) sentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

func (c *fakeConn) sentAt(i int) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sent[i]
}

type fakeDialer struct {
	mu      sync.Mutex
	conns   []*fakeConn
	openErr error
}

func (d *fakeDialer) Open(ctx context.Context, target string) (backend.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.openErr != nil {
		return nil, relayerrors.BackendUnreachable(target, d.openErr)
	}
	c := newFakeConn()
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) opened() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[i]
}

type harness struct {
	hub    *overlay.Hub
	peer   *overlay.HubAttachment
	dialer *fakeDialer
	relay  *Relay
	cancel context.CancelFunc
	runErr chan error
}

func testSettings() Settings {
	return Settings{
		BackendAddress: "http://mcp.local/sse",
		IdleTimeout:    5 * time.Second,
		OpenTimeout:    time.Second,
		Grace:          50 * time.Millisecond,
		PingInterval:   -1, // keepalive enabled per test
	}
}

func newHarness(t *testing.T, settings Settings) *harness {
	t.Helper()

	hub := overlay.NewHub(64)
	relayAtt, err := hub.Attach("relay-node")
	require.NoError(t, err)
	peer, err := hub.Attach("peer-a")
	require.NoError(t, err)

	dialer := &fakeDialer{}
	r := New(relayAtt, dialer, settings, WithLogger(logging.Nop()))

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- r.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case <-runErr:
		case <-time.After(3 * time.Second):
			t.Error("relay did not stop")
		}
	})

	return &harness{hub: hub, peer: peer, dialer: dialer, relay: r, cancel: cancel, runErr: runErr}
}

func (h *harness) publishData(t *testing.T, payload []byte) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, h.peer.Publish(ctx, overlay.Envelope{
		Destination: "relay-node",
		Kind:        overlay.KindData,
		Payload:     payload,
	}))
}

func (h *harness) publishClose(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, h.peer.Publish(ctx, overlay.Envelope{
		Destination: "relay-node",
		Kind:        overlay.KindClose,
	}))
}

func recvEnvelope(t *testing.T, a *overlay.HubAttachment) overlay.Envelope {
	t.Helper()
	select {
	case env, ok := <-a.Receive():
		require.True(t, ok, "attachment terminated while waiting for envelope")
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for envelope")
		return overlay.Envelope{}
	}
}

func requestFrame(id int) []byte {
	return []byte(fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"method":"tools/list"}`, id))
}

func responseFrame(id int) []byte {
	return []byte(fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":{"tools":[]}}`, id))
}

func TestRoundTrip(t *testing.T) {
	h := newHarness(t, testSettings())

	h.publishData(t, requestFrame(1))

	require.Eventually(t, func() bool {
		return h.dialer.opened() == 1 && h.dialer.conn(0).sentCount() == 1
	}, 2*time.Second, 5*time.Millisecond)
	conn := h.dialer.conn(0)
	assert.JSONEq(t, string(requestFrame(1)), string(conn.sentAt(0)))

	s, ok := h.relay.Registry().Lookup("peer-a")
	require.True(t, ok)
	assert.Equal(t, StateActive, s.State())

	conn.events <- backend.Event{Data: responseFrame(1)}

	env := recvEnvelope(t, h.peer)
	assert.Equal(t, overlay.KindData, env.Kind)
	assert.Equal(t, "relay-node", env.Source)
	assert.Equal(t, "peer-a", env.Destination)
	assert.JSONEq(t, string(responseFrame(1)), string(env.Payload))
}

func TestInboundOrderPreserved(t *testing.T) {
	h := newHarness(t, testSettings())

	const n = 10
	for i := 0; i < n; i++ {
		h.publishData(t, requestFrame(i))
	}

	require.Eventually(t, func() bool {
		return h.dialer.opened() == 1 && h.dialer.conn(0).sentCount() == n
	}, 2*time.Second, 5*time.Millisecond)

	conn := h.dialer.conn(0)
	for i := 0; i < n; i++ {
		assert.JSONEq(t, string(requestFrame(i)), string(conn.sentAt(i)), "message %d out of order", i)
	}
}

func TestOutboundOrderPreserved(t *testing.T) {
	h := newHarness(t, testSettings())

	h.publishData(t, requestFrame(0))
	require.Eventually(t, func() bool { return h.dialer.opened() == 1 }, time.Second, 5*time.Millisecond)
	conn := h.dialer.conn(0)

	const n = 10
	for i := 0; i < n; i++ {
		conn.events <- backend.Event{Data: responseFrame(i)}
	}
	for i := 0; i < n; i++ {
		env := recvEnvelope(t, h.peer)
		assert.JSONEq(t, string(responseFrame(i)), string(env.Payload), "message %d out of order", i)
	}
}

func TestSingleSessionPerPeer(t *testing.T) {
	h := newHarness(t, testSettings())

	const n = 20
	for i := 0; i < n; i++ {
		h.publishData(t, requestFrame(i))
	}

	require.Eventually(t, func() bool {
		return h.dialer.opened() == 1 && h.dialer.conn(0).sentCount() == n
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, h.relay.Registry().Len())
}

func TestPeerCloseDrainsInFlight(t *testing.T) {
	h := newHarness(t, testSettings())

	h.publishData(t, requestFrame(1))
	require.Eventually(t, func() bool {
		return h.dialer.opened() == 1 && h.dialer.conn(0).sentCount() == 1
	}, time.Second, 5*time.Millisecond)
	conn := h.dialer.conn(0)

	s, ok := h.relay.Registry().Lookup("peer-a")
	require.True(t, ok)

	conn.events <- backend.Event{Data: responseFrame(1)}
	h.publishClose(t)

	env := recvEnvelope(t, h.peer)
	assert.Equal(t, overlay.KindData, env.Kind)
	assert.JSONEq(t, string(responseFrame(1)), string(env.Payload))

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not close after peer close")
	}
	assert.Equal(t, "peer_close", s.Outcome())
	assert.Equal(t, StateClosed, s.State())
	assert.Equal(t, 0, h.relay.Registry().Len())
	assert.True(t, conn.closed.Load(), "backend connection not released")
}

func TestBackendConnectFailureReported(t *testing.T) {
	h := newHarness(t, testSettings())
	h.dialer.openErr = stderrors.New("connection refused")

	h.publishData(t, requestFrame(1))

	env := recvEnvelope(t, h.peer)
	assert.Equal(t, overlay.KindError, env.Kind)

	var resp protocol.Response
	require.NoError(t, json.Unmarshal(env.Payload, &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.ErrorCode(relayerrors.CodeBackendUnreachable), resp.Error.Code)

	require.Eventually(t, func() bool {
		return h.relay.Registry().Len() == 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestStreamFailureIsolatedPerSession(t *testing.T) {
	h := newHarness(t, testSettings())

	peerB, err := h.hub.Attach("peer-b")
	require.NoError(t, err)

	h.publishData(t, requestFrame(1))
	require.Eventually(t, func() bool { return h.dialer.opened() == 1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, peerB.Publish(ctx, overlay.Envelope{
		Destination: "relay-node",
		Kind:        overlay.KindData,
		Payload:     requestFrame(2),
	}))
	require.Eventually(t, func() bool { return h.dialer.opened() == 2 }, 2*time.Second, 5*time.Millisecond)

	// Fail the first session's stream mid-flight.
	sessionA, ok := h.relay.Registry().Lookup("peer-a")
	require.True(t, ok)
	connA := h.dialer.conn(0)
	connA.events <- backend.Event{Err: relayerrors.BackendStreamError("http://mcp.local/sse", stderrors.New("connection reset"))}
	close(connA.events)

	env := recvEnvelope(t, h.peer)
	assert.Equal(t, overlay.KindError, env.Kind)

	select {
	case <-sessionA.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("failed session did not close")
	}
	assert.Equal(t, "backend_error", sessionA.Outcome())

	// The second session keeps working.
	sessionB, ok := h.relay.Registry().Lookup("peer-b")
	require.True(t, ok)
	assert.Equal(t, StateActive, sessionB.State())

	h.dialer.conn(1).events <- backend.Event{Data: responseFrame(2)}
	envB := recvEnvelope(t, peerB)
	assert.Equal(t, overlay.KindData, envB.Kind)
	assert.JSONEq(t, string(responseFrame(2)), string(envB.Payload))
}

func TestSendFailureStillDrainsInFlight(t *testing.T) {
	h := newHarness(t, testSettings())

	h.publishData(t, requestFrame(1))
	require.Eventually(t, func() bool {
		return h.dialer.opened() == 1 && h.dialer.conn(0).sentCount() == 1
	}, time.Second, 5*time.Millisecond)
	conn := h.dialer.conn(0)

	s, ok := h.relay.Registry().Lookup("peer-a")
	require.True(t, ok)

	// A response is already in flight when the next send is rejected. The
	// receive stream is not known dead, so it must still be flushed.
	conn.mu.Lock()
	conn.sendErr = stderrors.New("posting failed")
	conn.mu.Unlock()
	conn.events <- backend.Event{Data: responseFrame(1)}
	h.publishData(t, requestFrame(2))

	env := recvEnvelope(t, h.peer)
	assert.Equal(t, overlay.KindData, env.Kind, "in-flight response lost after send failure")
	assert.JSONEq(t, string(responseFrame(1)), string(env.Payload))

	env = recvEnvelope(t, h.peer)
	assert.Equal(t, overlay.KindError, env.Kind)

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not close after send failure")
	}
	assert.Equal(t, "backend_error", s.Outcome())
}

func TestPingWithdrawnWhenPublishFails(t *testing.T) {
	hub := overlay.NewHub(8)
	att, err := hub.Attach("relay-node")
	require.NoError(t, err)
	r := New(att, &fakeDialer{}, testSettings(), WithLogger(logging.Nop()))

	// The peer endpoint does not exist, so the publish is rejected; the
	// provisional ping id must not linger and count toward the backlog.
	s := newSession("ghost", "ghost", "", logging.Nop())
	err = r.sendPing(context.Background(), s)
	require.Error(t, err)
	assert.Equal(t, 0, s.pingBacklog())
}

func TestCleanStreamEndCompletesSession(t *testing.T) {
	h := newHarness(t, testSettings())

	h.publishData(t, requestFrame(1))
	require.Eventually(t, func() bool { return h.dialer.opened() == 1 }, time.Second, 5*time.Millisecond)

	s, ok := h.relay.Registry().Lookup("peer-a")
	require.True(t, ok)

	close(h.dialer.conn(0).events)

	env := recvEnvelope(t, h.peer)
	assert.Equal(t, overlay.KindClose, env.Kind)

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not close after stream end")
	}
	assert.Equal(t, "completed", s.Outcome())
}

func TestIdleSessionEvicted(t *testing.T) {
	settings := testSettings()
	settings.IdleTimeout = 100 * time.Millisecond
	h := newHarness(t, settings)

	h.publishData(t, requestFrame(1))
	require.Eventually(t, func() bool { return h.dialer.opened() == 1 }, time.Second, 5*time.Millisecond)

	s, ok := h.relay.Registry().Lookup("peer-a")
	require.True(t, ok)

	env := recvEnvelope(t, h.peer)
	assert.Equal(t, overlay.KindClose, env.Kind)

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("idle session not evicted")
	}
	assert.Equal(t, "idle", s.Outcome())
	assert.Equal(t, 0, h.relay.Registry().Len())
}

func TestMalformedFrameDroppedSessionSurvives(t *testing.T) {
	h := newHarness(t, testSettings())

	h.publishData(t, []byte(`{not json`))
	h.publishData(t, requestFrame(1))

	require.Eventually(t, func() bool {
		return h.dialer.opened() == 1 && h.dialer.conn(0).sentCount() == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.JSONEq(t, string(requestFrame(1)), string(h.dialer.conn(0).sentAt(0)))

	s, ok := h.relay.Registry().Lookup("peer-a")
	require.True(t, ok)
	assert.Equal(t, StateActive, s.State())
}

func TestKeepaliveSilentPeerEvicted(t *testing.T) {
	settings := testSettings()
	settings.PingInterval = 20 * time.Millisecond
	settings.MaxPendingPings = 2
	h := newHarness(t, settings)

	h.publishData(t, requestFrame(1))
	require.Eventually(t, func() bool { return h.dialer.opened() == 1 }, time.Second, 5*time.Millisecond)

	s, ok := h.relay.Registry().Lookup("peer-a")
	require.True(t, ok)

	// First envelopes toward the peer must be keepalive pings.
	env := recvEnvelope(t, h.peer)
	require.Equal(t, overlay.KindData, env.Kind)
	var req protocol.Request
	require.NoError(t, json.Unmarshal(env.Payload, &req))
	assert.Equal(t, "ping", req.Method)

	// Never answering gets the peer declared gone.
	for {
		env := recvEnvelope(t, h.peer)
		if env.Kind == overlay.KindClose {
			break
		}
		require.Equal(t, overlay.KindData, env.Kind)
	}

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("silent peer session not evicted")
	}
	assert.Equal(t, "peer_silent", s.Outcome())
}

func TestKeepaliveReplyAbsorbed(t *testing.T) {
	settings := testSettings()
	settings.PingInterval = 20 * time.Millisecond
	settings.MaxPendingPings = 3
	h := newHarness(t, settings)

	h.publishData(t, requestFrame(1))
	require.Eventually(t, func() bool {
		return h.dialer.opened() == 1 && h.dialer.conn(0).sentCount() == 1
	}, time.Second, 5*time.Millisecond)
	conn := h.dialer.conn(0)

	// Answer every ping; the replies must never reach the backend.
	deadline := time.After(200 * time.Millisecond)
	for answered := 0; answered < 4; {
		select {
		case env := <-h.peer.Receive():
			require.Equal(t, overlay.KindData, env.Kind)
			id := protocol.RequestID(env.Payload)
			reply := []byte(fmt.Sprintf(`{"jsonrpc":"2.0","id":%s,"result":{}}`, id))
			h.publishData(t, reply)
			answered++
		case <-deadline:
			t.Fatal("not enough keepalives observed")
		}
	}

	s, ok := h.relay.Registry().Lookup("peer-a")
	require.True(t, ok)
	assert.Equal(t, StateActive, s.State())
	assert.Equal(t, 1, conn.sentCount(), "keepalive replies must not be forwarded")
}

func TestShutdownClosesAllSessions(t *testing.T) {
	h := newHarness(t, testSettings())

	peerB, err := h.hub.Attach("peer-b")
	require.NoError(t, err)

	h.publishData(t, requestFrame(1))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, peerB.Publish(ctx, overlay.Envelope{
		Destination: "relay-node",
		Kind:        overlay.KindData,
		Payload:     requestFrame(2),
	}))
	require.Eventually(t, func() bool { return h.dialer.opened() == 2 }, 2*time.Second, 5*time.Millisecond)

	h.cancel()
	select {
	case err := <-h.runErr:
		assert.ErrorIs(t, err, context.Canceled)
		h.runErr <- err // harness cleanup waits on this channel too
	case <-time.After(3 * time.Second):
		t.Fatal("relay did not stop")
	}
	assert.Equal(t, 0, h.relay.Registry().Len())
	assert.True(t, h.dialer.conn(0).closed.Load())
	assert.True(t, h.dialer.conn(1).closed.Load())
}

func TestSessionReusableIDAfterClose(t *testing.T) {
	h := newHarness(t, testSettings())

	h.publishData(t, requestFrame(1))
	require.Eventually(t, func() bool { return h.dialer.opened() == 1 }, time.Second, 5*time.Millisecond)
	first, ok := h.relay.Registry().Lookup("peer-a")
	require.True(t, ok)

	h.publishClose(t)
	select {
	case <-first.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not close")
	}

	// Same peer reconnects; a brand-new session takes the same id.
	h.publishData(t, requestFrame(2))
	require.Eventually(t, func() bool { return h.dialer.opened() == 2 }, 2*time.Second, 5*time.Millisecond)
	second, ok := h.relay.Registry().Lookup("peer-a")
	require.True(t, ok)
	assert.NotSame(t, first, second)
	assert.Equal(t, StateActive, second.State())
}
