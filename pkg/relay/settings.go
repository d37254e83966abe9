package relay

import "time"

// Default durations applied when Settings leaves them zero.
const (
	DefaultIdleTimeout  = 5 * time.Minute
	DefaultOpenTimeout  = 10 * time.Second
	DefaultGrace        = 5 * time.Second
	DefaultPingInterval = 20 * time.Second

	// DefaultMaxPendingPings is the number of consecutive unanswered
	// keepalive pings after which a peer is considered gone.
	DefaultMaxPendingPings = 3
)

// Settings carries the relay's operating parameters.
type Settings struct {
	// BackendAddress is the MCP server every session's backend connection
	// is dialed to.
	BackendAddress string

	// IdleTimeout is how long a session may stay silent in both directions
	// before it is drained and closed.
	IdleTimeout time.Duration

	// OpenTimeout bounds the backend connect handshake.
	OpenTimeout time.Duration

	// Grace bounds the draining flush of in-flight backend messages during
	// session teardown.
	Grace time.Duration

	// PingInterval is the keepalive ping cadence toward overlay peers.
	// Zero applies DefaultPingInterval; negative disables keepalive.
	PingInterval time.Duration

	// MaxPendingPings is the number of consecutive unanswered pings that
	// marks a peer as silent.
	MaxPendingPings int
}

func (s Settings) withDefaults() Settings {
	if s.IdleTimeout <= 0 {
		s.IdleTimeout = DefaultIdleTimeout
	}
	if s.OpenTimeout <= 0 {
		s.OpenTimeout = DefaultOpenTimeout
	}
	if s.Grace <= 0 {
		s.Grace = DefaultGrace
	}
	if s.PingInterval == 0 {
		s.PingInterval = DefaultPingInterval
	}
	if s.MaxPendingPings <= 0 {
		s.MaxPendingPings = DefaultMaxPendingPings
	}
	return s
}
