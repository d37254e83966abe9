// Package mcprelay bridges a group-oriented overlay messaging network to MCP
// servers speaking a request/stream transport.
package mcprelay

import (
	"github.com/overmesh/mcp-relay/pkg/backend"
	"github.com/overmesh/mcp-relay/pkg/config"
	"github.com/overmesh/mcp-relay/pkg/observability"
	"github.com/overmesh/mcp-relay/pkg/overlay"
	"github.com/overmesh/mcp-relay/pkg/relay"
)

// Version represents the current version of the relay.
const Version = "1.0.0"

// These exports provide direct access to the core relay components
var (
	// NewRelay creates a relay bridging an overlay attachment to a backend
	// dialer
	NewRelay = relay.New

	// NewSSEDialer creates a backend dialer for the SSE transport
	NewSSEDialer = backend.NewSSEDialer

	// DialNode attaches to an overlay node over TCP
	DialNode = overlay.DialNode

	// NewHub creates an in-process overlay for loopback deployments
	NewHub = overlay.NewHub

	// NewRelayMetrics creates the relay's Prometheus collectors
	NewRelayMetrics = observability.NewRelayMetrics

	// NewTracingProvider installs an OpenTelemetry tracer provider
	NewTracingProvider = observability.NewTracingProvider

	// DefaultConfig returns the daemon configuration defaults
	DefaultConfig = config.Default

	// ConfigFromEnv loads the daemon configuration from the environment
	ConfigFromEnv = config.FromEnv
)

// Relay options
var (
	WithLogger  = relay.WithLogger
	WithMetrics = relay.WithMetrics
	WithTracing = relay.WithTracing
)

// Core types re-exported for convenience
type (
	// Relay owns the session registry and dispatch loop
	Relay = relay.Relay

	// Settings carries the relay's operating parameters
	Settings = relay.Settings

	// Envelope is one opaque message unit on the overlay
	Envelope = overlay.Envelope

	// Attachment is a handle on the overlay network
	Attachment = overlay.Attachment
)

// Session lifecycle states
const (
	StateOpening  = relay.StateOpening
	StateActive   = relay.StateActive
	StateDraining = relay.StateDraining
	StateClosed   = relay.StateClosed
)
