// Package config loads the relay daemon's configuration from the
// environment, with sane defaults for everything but the addresses.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cast"
)

// Environment variable names read by FromEnv.
const (
	EnvNodeAddress     = "MCP_RELAY_NODE_ADDRESS"
	EnvEndpoint        = "MCP_RELAY_ENDPOINT"
	EnvBackendAddress  = "MCP_RELAY_BACKEND_ADDRESS"
	EnvIdleTimeout     = "MCP_RELAY_IDLE_TIMEOUT"
	EnvOpenTimeout     = "MCP_RELAY_OPEN_TIMEOUT"
	EnvGrace           = "MCP_RELAY_GRACE"
	EnvPingInterval    = "MCP_RELAY_PING_INTERVAL"
	EnvMaxPendingPings = "MCP_RELAY_MAX_PENDING_PINGS"
	EnvMetricsAddress  = "MCP_RELAY_METRICS_ADDRESS"
	EnvLogLevel        = "MCP_RELAY_LOG_LEVEL"
	EnvLogFormat       = "MCP_RELAY_LOG_FORMAT"
	EnvTraceExporter   = "MCP_RELAY_TRACE_EXPORTER"
	EnvTraceEndpoint   = "MCP_RELAY_TRACE_ENDPOINT"
	EnvTraceInsecure   = "MCP_RELAY_TRACE_INSECURE"
	EnvTraceSampleRate = "MCP_RELAY_TRACE_SAMPLE_RATE"
)

// Config carries everything the daemon needs to come up.
type Config struct {
	// NodeAddress is the overlay node's listen address (host:port).
	NodeAddress string
	// Endpoint is the overlay endpoint name this relay answers to.
	Endpoint string
	// BackendAddress is the MCP server URL sessions connect to.
	BackendAddress string

	IdleTimeout time.Duration
	OpenTimeout time.Duration
	Grace       time.Duration

	// PingInterval is the keepalive cadence toward overlay peers; zero
	// disables keepalive.
	PingInterval    time.Duration
	MaxPendingPings int

	// MetricsAddress is the Prometheus listen address; empty disables the
	// metrics endpoint.
	MetricsAddress string

	LogLevel  string
	LogFormat string // "text" or "json"

	TraceExporter   string // "otlp-grpc", "otlp-http" or "noop"
	TraceEndpoint   string
	TraceInsecure   bool
	TraceSampleRate float64
}

// Default returns the configuration with all non-address fields filled in.
func Default() Config {
	return Config{
		IdleTimeout:     5 * time.Minute,
		OpenTimeout:     10 * time.Second,
		Grace:           5 * time.Second,
		PingInterval:    20 * time.Second,
		MaxPendingPings: 3,
		LogLevel:        "info",
		LogFormat:       "text",
		TraceExporter:   "noop",
		TraceSampleRate: 1.0,
	}
}

// FromEnv builds a Config from MCP_RELAY_* environment variables on top of
// the defaults. Unset variables keep their default; set variables that do
// not parse fail loudly.
func FromEnv() (Config, error) {
	cfg := Default()

	var err error
	lookupString(EnvNodeAddress, &cfg.NodeAddress)
	lookupString(EnvEndpoint, &cfg.Endpoint)
	lookupString(EnvBackendAddress, &cfg.BackendAddress)
	lookupString(EnvMetricsAddress, &cfg.MetricsAddress)
	lookupString(EnvLogLevel, &cfg.LogLevel)
	lookupString(EnvLogFormat, &cfg.LogFormat)
	lookupString(EnvTraceExporter, &cfg.TraceExporter)
	lookupString(EnvTraceEndpoint, &cfg.TraceEndpoint)

	if err = lookupDuration(EnvIdleTimeout, &cfg.IdleTimeout); err != nil {
		return cfg, err
	}
	if err = lookupDuration(EnvOpenTimeout, &cfg.OpenTimeout); err != nil {
		return cfg, err
	}
	if err = lookupDuration(EnvGrace, &cfg.Grace); err != nil {
		return cfg, err
	}
	if err = lookupDuration(EnvPingInterval, &cfg.PingInterval); err != nil {
		return cfg, err
	}
	if err = lookupInt(EnvMaxPendingPings, &cfg.MaxPendingPings); err != nil {
		return cfg, err
	}
	if err = lookupBool(EnvTraceInsecure, &cfg.TraceInsecure); err != nil {
		return cfg, err
	}
	if err = lookupFloat(EnvTraceSampleRate, &cfg.TraceSampleRate); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate reports the first configuration problem found.
func (c Config) Validate() error {
	if c.NodeAddress == "" {
		return fmt.Errorf("%s is required", EnvNodeAddress)
	}
	if c.Endpoint == "" {
		return fmt.Errorf("%s is required", EnvEndpoint)
	}
	if c.BackendAddress == "" {
		return fmt.Errorf("%s is required", EnvBackendAddress)
	}
	if c.IdleTimeout <= 0 {
		return fmt.Errorf("idle timeout must be positive, got %v", c.IdleTimeout)
	}
	if c.OpenTimeout <= 0 {
		return fmt.Errorf("open timeout must be positive, got %v", c.OpenTimeout)
	}
	if c.Grace < 0 {
		return fmt.Errorf("grace must not be negative, got %v", c.Grace)
	}
	if c.MaxPendingPings <= 0 {
		return fmt.Errorf("max pending pings must be positive, got %d", c.MaxPendingPings)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("unsupported log format %q", c.LogFormat)
	}
	switch c.TraceExporter {
	case "noop", "otlp-grpc", "otlp-http", "":
	default:
		return fmt.Errorf("unsupported trace exporter %q", c.TraceExporter)
	}
	if c.TraceSampleRate < 0 || c.TraceSampleRate > 1 {
		return fmt.Errorf("trace sample rate must be in [0,1], got %v", c.TraceSampleRate)
	}
	return nil
}

func lookupString(key string, dst *string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
}

func lookupDuration(key string, dst *time.Duration) error {
	v, ok := os.LookupEnv(key)
	if !ok {
		return nil
	}
	d, err := cast.ToDurationE(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = d
	return nil
}

func lookupInt(key string, dst *int) error {
	v, ok := os.LookupEnv(key)
	if !ok {
		return nil
	}
	n, err := cast.ToIntE(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

func lookupBool(key string, dst *bool) error {
	v, ok := os.LookupEnv(key)
	if !ok {
		return nil
	}
	b, err := cast.ToBoolE(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = b
	return nil
}

func lookupFloat(key string, dst *float64) error {
	v, ok := os.LookupEnv(key)
	if !ok {
		return nil
	}
	f, err := cast.ToFloat64E(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = f
	return nil
}
