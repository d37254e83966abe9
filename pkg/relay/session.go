package relay

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/overmesh/mcp-relay/pkg/backend"
	"github.com/overmesh/mcp-relay/pkg/logging"
)

// State is a session's lifecycle position.
type State int32

const (
	// StateOpening covers the backend connect attempt for a new peer.
	StateOpening State = iota
	// StateActive is the steady state with both forwarding directions live.
	StateActive
	// StateDraining lets in-flight backend responses flush before closure.
	StateDraining
	// StateClosed is terminal; the backend connection is released and the
	// registry entry removed.
	StateClosed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateOpening:
		return "opening"
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// closeReason distinguishes why a session's inbound queue was closed.
type closeReason int32

const (
	reasonNone closeReason = iota
	reasonPeerClose
	reasonTeardown
)

// Session pairs one overlay peer with one backend connection. The id is
// derived from the peer's overlay address; the backend connection is
// exclusively owned by the session's two forwarding tasks.
type Session struct {
	id   string
	peer string
	tag  string

	state atomic.Int32
	conn  backend.Conn

	inbound      *inboundQueue
	closeRequest atomic.Int32 // closeReason
	lastActivity atomic.Int64 // unix nanos

	pendingMu    sync.Mutex
	pending      map[string]time.Time // request-id -> submission time, diagnostics only
	pendingPings map[string]struct{}  // relay-issued keepalive ids

	cancel    context.CancelFunc
	closeOnce sync.Once
	closed    chan struct{}
	outcome   string

	logger logging.Logger
}

func newSession(id, peer, tag string, logger logging.Logger) *Session {
	s := &Session{
		id:           id,
		peer:         peer,
		tag:          tag,
		inbound:      newInboundQueue(),
		pending:      make(map[string]time.Time),
		pendingPings: make(map[string]struct{}),
		closed:       make(chan struct{}),
		logger:       logger.WithFields(logging.String("session_id", id)),
	}
	s.touch()
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Peer returns the overlay address replies are published to.
func (s *Session) Peer() string { return s.peer }

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// advance moves the state forward, never backward.
func (s *Session) advance(next State) {
	for {
		cur := s.state.Load()
		if cur >= int32(next) {
			return
		}
		if s.state.CompareAndSwap(cur, int32(next)) {
			return
		}
	}
}

// touch refreshes the idle clock.
func (s *Session) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

// idleFor returns how long the session has been silent.
func (s *Session) idleFor() time.Duration {
	return time.Duration(time.Now().UnixNano() - s.lastActivity.Load())
}

// enqueue hands one inbound payload to the forwarding task. Draining and
// closed sessions accept no new work.
func (s *Session) enqueue(payload []byte) bool {
	if s.State() >= StateDraining {
		return false
	}
	return s.inbound.Push(payload)
}

// peerClose reacts to an explicit close envelope: stop accepting inbound
// work and let the forwarding loops wind down.
func (s *Session) peerClose() {
	s.closeRequest.CompareAndSwap(int32(reasonNone), int32(reasonPeerClose))
	s.advance(StateDraining)
	s.inbound.Close()
}

// markPending records a forwarded request id for correlation diagnostics.
func (s *Session) markPending(id string) {
	if id == "" {
		return
	}
	s.pendingMu.Lock()
	s.pending[id] = time.Now()
	s.pendingMu.Unlock()
}

// resolvePending clears a request id once its response passed through.
func (s *Session) resolvePending(id string) {
	if id == "" {
		return
	}
	s.pendingMu.Lock()
	delete(s.pending, id)
	s.pendingMu.Unlock()
}

// pendingCount returns the number of requests still awaiting a response.
func (s *Session) pendingCount() int {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	return len(s.pending)
}

// markPing records a relay-issued keepalive id and returns how many are
// outstanding.
func (s *Session) markPing(id string) int {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	s.pendingPings[id] = struct{}{}
	return len(s.pendingPings)
}

// unmarkPing withdraws a keepalive id whose publish never went out.
func (s *Session) unmarkPing(id string) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	delete(s.pendingPings, id)
}

// absorbPing reports whether id belongs to an outstanding keepalive; a
// match clears the whole set, as any reply proves the peer alive.
func (s *Session) absorbPing(id string) bool {
	if id == "" {
		return false
	}
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	if _, ok := s.pendingPings[id]; !ok {
		return false
	}
	s.pendingPings = make(map[string]struct{})
	return true
}

// pingBacklog returns the number of unanswered keepalives.
func (s *Session) pingBacklog() int {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	return len(s.pendingPings)
}

// finish tears the session down: registry entry first, backend connection
// second, so no new message can be routed mid-teardown. Idempotent and safe
// to invoke concurrently with in-flight forwarding.
func (s *Session) finish(registry *Registry, outcome string, release func()) {
	s.closeOnce.Do(func() {
		s.outcome = outcome
		registry.Remove(s.id, s)
		s.inbound.Close()
		if s.conn != nil {
			s.conn.Close()
		}
		s.advance(StateClosed)
		if release != nil {
			release()
		}
		close(s.closed)
	})
}

// Done returns a channel closed once teardown completed.
func (s *Session) Done() <-chan struct{} {
	return s.closed
}

// Outcome returns the recorded close outcome, valid after Done.
func (s *Session) Outcome() string {
	return s.outcome
}
