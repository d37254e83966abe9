// Package mcprelay implements a session relay between a group-oriented
// overlay messaging network and MCP servers.
//
// Remote peers on the overlay address the relay by endpoint name and send
// opaque envelopes carrying JSON-RPC payloads. For each peer the relay opens
// one dedicated backend connection over the MCP request/stream transport and
// forwards both directions in order until the peer closes the session, goes
// idle, or the backend fails. Sessions are isolated: a failure in one never
// affects another.
//
// # Overview
//
// The module consists of several sub-packages:
//
//   - pkg/relay: the session registry, state machine and forwarding core
//   - pkg/overlay: overlay attachments (in-process hub and TCP node link)
//   - pkg/backend: backend connections (SSE request/stream transport)
//   - pkg/protocol: the JSON-RPC framing subset the relay inspects
//   - pkg/errors: structured errors with codes and categories
//   - pkg/logging: structured leveled logging
//   - pkg/observability: Prometheus metrics and OpenTelemetry tracing
//   - pkg/config: daemon configuration from the environment
//
// # Running a Relay
//
// To bridge an overlay node to an MCP server:
//
//	attachment, err := mcprelay.DialNode(ctx, "127.0.0.1:46357", "org/ns/relay")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	r := mcprelay.NewRelay(attachment, mcprelay.NewSSEDialer(nil), mcprelay.Settings{
//	    BackendAddress: "http://localhost:8000/sse",
//	})
//	if err := r.Run(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
// The cmd/mcp-relay command wraps this with configuration, metrics and
// signal handling.
package mcprelay
