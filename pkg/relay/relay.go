// Package relay bridges an overlay messaging attachment to MCP backend
// connections. Each remote overlay endpoint gets its own session with a
// dedicated backend connection and two forwarding tasks, one per direction.
// Sessions fail independently; a backend or peer failure never crosses over
// to another session.
package relay

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/overmesh/mcp-relay/pkg/backend"
	relayerrors "github.com/overmesh/mcp-relay/pkg/errors"
	"github.com/overmesh/mcp-relay/pkg/logging"
	"github.com/overmesh/mcp-relay/pkg/observability"
	"github.com/overmesh/mcp-relay/pkg/overlay"
	"github.com/overmesh/mcp-relay/pkg/protocol"
)

// Sentinel causes for forwarding-loop termination. They select the close
// outcome; anything else is a transport failure.
var (
	errPeerClose  = stderrors.New("peer closed session")
	errStreamEnd  = stderrors.New("backend stream ended")
	errPeerSilent = stderrors.New("peer stopped answering keepalives")
)

// Option customizes a Relay.
type Option func(*Relay)

// WithLogger sets the relay's logger.
func WithLogger(logger logging.Logger) Option {
	return func(r *Relay) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMetrics attaches Prometheus collectors.
func WithMetrics(m *observability.RelayMetrics) Option {
	return func(r *Relay) { r.metrics = m }
}

// WithTracing attaches an OpenTelemetry tracing provider.
func WithTracing(tp *observability.TracingProvider) Option {
	return func(r *Relay) { r.tracing = tp }
}

// Relay owns the session registry and the dispatch loop that routes inbound
// overlay envelopes to per-session forwarding tasks.
type Relay struct {
	attachment overlay.Attachment
	dialer     backend.Dialer
	settings   Settings
	registry   *Registry

	logger  logging.Logger
	metrics *observability.RelayMetrics
	tracing *observability.TracingProvider

	sessionCtx context.Context
	cancelAll  context.CancelFunc
	wg         sync.WaitGroup
}

// New creates a relay bridging the attachment to backends opened through the
// dialer.
func New(attachment overlay.Attachment, dialer backend.Dialer, settings Settings, opts ...Option) *Relay {
	r := &Relay{
		attachment: attachment,
		dialer:     dialer,
		settings:   settings.withDefaults(),
		registry:   NewRegistry(),
		logger:     logging.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Registry exposes the session table, mainly for inspection in tests and
// status endpoints.
func (r *Relay) Registry() *Registry {
	return r.registry
}

// Run drives the dispatch loop until ctx is done or the overlay attachment
// terminates. On return every session has been drained and torn down.
func (r *Relay) Run(ctx context.Context) error {
	r.sessionCtx, r.cancelAll = context.WithCancel(context.Background())
	defer r.cancelAll()

	r.logger.Info("relay started",
		logging.String("endpoint", r.attachment.LocalEndpoint()),
		logging.String("backend", r.settings.BackendAddress),
	)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("relay stopping", logging.Int("sessions", r.registry.Len()))
			r.shutdownSessions()
			return ctx.Err()
		case env, ok := <-r.attachment.Receive():
			if !ok {
				err := relayerrors.OverlayDetached(r.attachment.LocalEndpoint(), nil)
				r.logger.WithError(err).Error("overlay attachment terminated")
				r.shutdownSessions()
				return err
			}
			r.dispatch(env)
		}
	}
}

// shutdownSessions cancels every live session and waits for their teardowns.
func (r *Relay) shutdownSessions() {
	r.cancelAll()
	r.wg.Wait()
}

// dispatch routes one inbound envelope. It never blocks on a session: data
// payloads land in the session's queue and control envelopes flip flags.
func (r *Relay) dispatch(env overlay.Envelope) {
	switch env.Kind {
	case overlay.KindData:
		r.dispatchData(env)
	case overlay.KindClose:
		if s, ok := r.registry.Lookup(env.Source); ok {
			r.logger.Info("peer requested close", logging.String("session_id", s.id))
			s.peerClose()
		} else {
			r.logger.Debug("close for unknown session", logging.String("source", env.Source))
		}
	case overlay.KindError:
		r.logger.Warn("error report from peer",
			logging.String("source", env.Source),
			logging.String("payload", string(env.Payload)),
		)
	case overlay.KindAttach:
		// Control traffic for the overlay node, not for sessions.
	default:
		r.logger.Debug("envelope of unknown kind dropped", logging.String("kind", string(env.Kind)))
	}
}

func (r *Relay) dispatchData(env overlay.Envelope) {
	if s, ok := r.registry.Lookup(env.Source); ok {
		if !s.enqueue(env.Payload) {
			r.logger.Debug("payload dropped, session not accepting work",
				logging.String("session_id", s.id),
				logging.String("state", s.State().String()),
			)
		}
		return
	}

	s := newSession(env.Source, env.Source, env.SessionTag, r.logger)
	s.inbound.Push(env.Payload)
	if err := r.registry.Add(s); err != nil {
		// Lost a creation race; route to the winner instead.
		if winner, ok := r.registry.Lookup(env.Source); ok {
			winner.enqueue(env.Payload)
		}
		return
	}

	r.metrics.SessionOpened()
	r.wg.Add(1)
	s.logger.Info("session opened", logging.String("peer", s.peer))
	go r.runSession(s)
}

// runSession owns one session end to end: backend connect, both forwarding
// directions, the watchdog, draining and teardown.
func (r *Relay) runSession(s *Session) {
	defer r.wg.Done()

	sctx, cancel := context.WithCancel(r.sessionCtx)
	s.cancel = cancel
	defer cancel()

	_, span := r.tracing.StartSessionSpan(sctx, s.id, s.peer)

	conn, err := r.openBackend(sctx)
	if err != nil {
		r.metrics.ForwardError(relayerrors.ErrorName(err))
		s.logger.WithError(err).Error("backend connect failed")
		r.publishError(s, err)
		s.finish(r.registry, observability.OutcomeConnectFailed, func() {
			r.metrics.SessionClosed(observability.OutcomeConnectFailed)
		})
		r.tracing.EndSessionSpan(span, observability.OutcomeConnectFailed, err)
		return
	}
	s.conn = conn
	s.advance(StateActive)
	s.logger.Debug("session active")

	g, gctx := errgroup.WithContext(sctx)
	go func() {
		// Unblocks the inbound Pop once any forwarding task fails or the
		// session is cancelled.
		<-gctx.Done()
		s.closeRequest.CompareAndSwap(int32(reasonNone), int32(reasonTeardown))
		s.inbound.Close()
	}()
	g.Go(func() error { return r.forwardInbound(gctx, s) })
	g.Go(func() error { return r.forwardOutbound(gctx, s) })
	g.Go(func() error { return r.watchdog(gctx, s) })

	cause := g.Wait()
	outcome := r.classify(s, cause, sctx)

	if shouldDrain(outcome, cause) {
		s.advance(StateDraining)
		r.drainBackend(s)
	}
	r.notifyPeer(s, outcome, cause)

	s.finish(r.registry, outcome, func() {
		r.metrics.SessionClosed(outcome)
	})
	r.tracing.EndSessionSpan(span, outcome, spanError(outcome, cause))
	s.logger.Info("session closed",
		logging.String("outcome", outcome),
		logging.Int("pending_requests", s.pendingCount()),
	)
}

// openBackend dials the configured MCP server under the open timeout.
func (r *Relay) openBackend(ctx context.Context) (backend.Conn, error) {
	octx, cancel := context.WithTimeout(ctx, r.settings.OpenTimeout)
	defer cancel()

	conn, err := r.dialer.Open(octx, r.settings.BackendAddress)
	if err == nil {
		return conn, nil
	}
	if stderrors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return nil, relayerrors.BackendOpenTimeout(r.settings.BackendAddress, r.settings.OpenTimeout)
	}
	if _, ok := relayerrors.AsRelayError(err); ok {
		return nil, err
	}
	return nil, relayerrors.BackendUnreachable(r.settings.BackendAddress, err)
}

// forwardInbound moves queued overlay payloads to the backend, in arrival
// order. Malformed frames are dropped without disturbing the session;
// keepalive replies are absorbed before they reach the backend.
func (r *Relay) forwardInbound(ctx context.Context, s *Session) error {
	for {
		payload, ok := s.inbound.Pop()
		if !ok {
			if closeReason(s.closeRequest.Load()) == reasonPeerClose {
				return errPeerClose
			}
			return nil
		}
		s.touch()

		if err := protocol.Validate(payload); err != nil {
			ferr := relayerrors.ProtocolFraming(s.id, err)
			r.metrics.ForwardError(relayerrors.ErrorName(ferr))
			s.logger.WithError(ferr).Warn("dropping malformed inbound frame")
			continue
		}

		id := protocol.RequestID(payload)
		if protocol.IsResponse(payload) && s.absorbPing(id) {
			s.logger.Debug("keepalive reply absorbed", logging.String("request_id", id))
			continue
		}
		if protocol.IsRequest(payload) {
			s.markPending(id)
		}

		if err := s.conn.Send(ctx, payload); err != nil {
			if _, ok := relayerrors.AsRelayError(err); !ok {
				err = relayerrors.BackendWriteError(r.settings.BackendAddress, err)
			}
			r.metrics.ForwardError(relayerrors.ErrorName(err))
			return err
		}
		r.metrics.MessageForwarded(observability.DirectionOverlayToBackend)
	}
}

// forwardOutbound moves backend stream events to the overlay peer, in stream
// order. A clean end of stream completes the session; a mid-stream failure
// closes it with a backend error.
func (r *Relay) forwardOutbound(ctx context.Context, s *Session) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-s.conn.Events():
			if !ok {
				return errStreamEnd
			}
			if ev.Err != nil {
				r.metrics.ForwardError(relayerrors.ErrorName(ev.Err))
				return ev.Err
			}
			if err := r.publishData(ctx, s, ev.Data); err != nil {
				return err
			}
		}
	}
}

// publishData sends one backend message toward the overlay peer.
func (r *Relay) publishData(ctx context.Context, s *Session, data []byte) error {
	s.touch()
	if protocol.IsResponse(data) {
		s.resolvePending(protocol.RequestID(data))
	}

	start := time.Now()
	err := r.attachment.Publish(ctx, overlay.Envelope{
		Source:      r.attachment.LocalEndpoint(),
		Destination: s.peer,
		SessionTag:  s.tag,
		Kind:        overlay.KindData,
		Payload:     data,
	})
	r.metrics.ObservePublish(time.Since(start))
	if err != nil {
		perr := relayerrors.OverlayPublishError(s.peer, err)
		r.metrics.ForwardError(relayerrors.ErrorName(perr))
		return perr
	}
	r.metrics.MessageForwarded(observability.DirectionBackendToOverlay)
	return nil
}

// watchdog evicts idle sessions and keeps the overlay peer honest with
// periodic pings. A peer that leaves too many pings unanswered is treated as
// gone.
func (r *Relay) watchdog(ctx context.Context, s *Session) error {
	tick := r.settings.IdleTimeout / 4
	if r.settings.PingInterval > 0 && r.settings.PingInterval < tick {
		tick = r.settings.PingInterval
	}
	if tick <= 0 {
		tick = time.Second
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	lastPing := time.Now()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if idle := s.idleFor(); idle >= r.settings.IdleTimeout {
				return relayerrors.SessionIdle(s.id, idle)
			}
			if r.settings.PingInterval <= 0 || time.Since(lastPing) < r.settings.PingInterval {
				continue
			}
			if s.pingBacklog() >= r.settings.MaxPendingPings {
				return errPeerSilent
			}
			if err := r.sendPing(ctx, s); err != nil {
				return err
			}
			lastPing = time.Now()
		}
	}
}

// sendPing publishes one keepalive request toward the overlay peer and
// records its id so the reply can be filtered out of the forwarded stream.
func (r *Relay) sendPing(ctx context.Context, s *Session) error {
	req, err := protocol.NewRequest(uuid.NewString(), "ping", nil)
	if err != nil {
		return err
	}
	payload, err := req.Marshal()
	if err != nil {
		return err
	}

	// Mark before publishing so a reply cannot race the bookkeeping and
	// leak through to the backend.
	id := protocol.RequestID(payload)
	backlog := s.markPing(id)
	if err := r.attachment.Publish(ctx, overlay.Envelope{
		Source:      r.attachment.LocalEndpoint(),
		Destination: s.peer,
		SessionTag:  s.tag,
		Kind:        overlay.KindData,
		Payload:     payload,
	}); err != nil {
		s.unmarkPing(id)
		perr := relayerrors.OverlayPublishError(s.peer, err)
		r.metrics.ForwardError(relayerrors.ErrorName(perr))
		return perr
	}
	s.logger.Debug("keepalive sent", logging.Int("backlog", backlog))
	return nil
}

// classify maps the forwarding-loop cause to a close outcome.
func (r *Relay) classify(s *Session, cause error, sctx context.Context) string {
	switch {
	case stderrors.Is(cause, errPeerClose):
		return observability.OutcomePeerClose
	case stderrors.Is(cause, errStreamEnd):
		return observability.OutcomeCompleted
	case stderrors.Is(cause, errPeerSilent):
		return observability.OutcomePeerSilent
	case relayerrors.IsCode(cause, relayerrors.CodeSessionIdle):
		return observability.OutcomeIdle
	case relayerrors.IsCategory(cause, relayerrors.CategoryOverlay):
		return observability.OutcomeOverlayError
	case cause != nil:
		return observability.OutcomeBackendError
	case closeReason(s.closeRequest.Load()) == reasonPeerClose:
		return observability.OutcomePeerClose
	case sctx.Err() != nil:
		return observability.OutcomeShutdown
	default:
		return observability.OutcomeCompleted
	}
}

// shouldDrain reports whether the backend stream may still carry in-flight
// responses worth flushing. A rejected send says nothing about the receive
// stream, so write failures drain too; only a dead stream makes draining
// pointless.
func shouldDrain(outcome string, cause error) bool {
	if relayerrors.IsCode(cause, relayerrors.CodeBackendWriteError) {
		return true
	}
	switch outcome {
	case observability.OutcomePeerClose,
		observability.OutcomeIdle,
		observability.OutcomePeerSilent,
		observability.OutcomeShutdown:
		return true
	default:
		return false
	}
}

// drainBackend flushes backend messages that were already in flight when the
// session left Active, bounded by the grace window.
func (r *Relay) drainBackend(s *Session) {
	ctx, cancel := context.WithTimeout(context.Background(), r.settings.Grace)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-s.conn.Events():
			if !ok || ev.Err != nil {
				return
			}
			if err := r.publishData(ctx, s, ev.Data); err != nil {
				return
			}
		}
	}
}

// notifyPeer tells the overlay peer why its session ended: an error envelope
// for transport failures, a close envelope for relay-initiated closes. Best
// effort, published once, never retried.
func (r *Relay) notifyPeer(s *Session, outcome string, cause error) {
	switch outcome {
	case observability.OutcomePeerClose, observability.OutcomeOverlayError:
		// Peer already knows, or cannot be reached.
		return
	case observability.OutcomeBackendError:
		r.publishError(s, cause)
	default:
		r.publishClose(s)
	}
}

// publishError reports a session-fatal failure to the peer as a JSON-RPC
// error response wrapped in an error envelope.
func (r *Relay) publishError(s *Session, cause error) {
	code := relayerrors.CodeInternalError
	message := "session failed"
	var data interface{}
	if relayErr, ok := relayerrors.AsRelayError(cause); ok {
		code = relayErr.Code()
		message = relayErr.Message()
		data = relayErr.Data()
	}

	resp, err := protocol.NewErrorResponse(nil, protocol.ErrorCode(code), message, data)
	if err != nil {
		return
	}
	payload, err := resp.Marshal()
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.attachment.Publish(ctx, overlay.Envelope{
		Source:      r.attachment.LocalEndpoint(),
		Destination: s.peer,
		SessionTag:  s.tag,
		Kind:        overlay.KindError,
		Payload:     payload,
	}); err != nil {
		s.logger.WithError(err).Warn("error report to peer failed")
	}
}

// publishClose announces a relay-initiated close to the peer.
func (r *Relay) publishClose(s *Session) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.attachment.Publish(ctx, overlay.Envelope{
		Source:      r.attachment.LocalEndpoint(),
		Destination: s.peer,
		SessionTag:  s.tag,
		Kind:        overlay.KindClose,
	}); err != nil {
		s.logger.WithError(err).Warn("close notice to peer failed")
	}
}

// spanError picks the error recorded on the session span; expected closes
// produce none.
func spanError(outcome string, cause error) error {
	switch outcome {
	case observability.OutcomeCompleted,
		observability.OutcomePeerClose,
		observability.OutcomeShutdown:
		return nil
	default:
		return cause
	}
}
