// Command mcp-relay bridges an overlay messaging node to an MCP server.
// Remote overlay endpoints send JSON-RPC payloads in opaque envelopes; the
// relay opens one backend connection per peer and forwards both directions
// until the peer closes, goes idle, or the backend fails.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"

	"github.com/overmesh/mcp-relay/pkg/backend"
	"github.com/overmesh/mcp-relay/pkg/config"
	"github.com/overmesh/mcp-relay/pkg/logging"
	"github.com/overmesh/mcp-relay/pkg/observability"
	"github.com/overmesh/mcp-relay/pkg/overlay"
	"github.com/overmesh/mcp-relay/pkg/relay"
)

var version = "dev"

type options struct {
	NodeAddress string        `short:"n" long:"node" description:"Overlay node address (host:port)"`
	Endpoint    string        `short:"e" long:"endpoint" description:"Overlay endpoint name this relay answers to"`
	Backend     string        `short:"b" long:"backend" description:"MCP server URL (SSE transport)"`
	IdleTimeout time.Duration `long:"idle-timeout" description:"Evict sessions silent for this long"`
	OpenTimeout time.Duration `long:"open-timeout" description:"Bound on the backend connect handshake"`
	Grace       time.Duration `long:"grace" description:"Drain window for in-flight responses on close"`
	Metrics     string        `long:"metrics" description:"Prometheus listen address (empty disables)"`
	LogLevel    string        `long:"log-level" description:"Log level (debug, info, warn, error)"`
	LogFormat   string        `long:"log-format" description:"Log format (text, json)"`
	Version     bool          `short:"v" long:"version" description:"Print version and exit"`
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "mcp-relay: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var opts options
	parser := flags.NewParser(&opts, flags.Default)
	parser.Usage = "[OPTIONS]"
	if _, err := parser.Parse(); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			return nil
		}
		return err
	}
	if opts.Version {
		fmt.Printf("mcp-relay %s\n", version)
		return nil
	}

	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}
	mergeFlags(&cfg, opts)
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := newLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var metrics *observability.RelayMetrics
	var metricsSrv *http.Server
	if cfg.MetricsAddress != "" {
		metrics = observability.NewRelayMetrics("")
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		metricsSrv = &http.Server{Addr: cfg.MetricsAddress, Handler: mux}
		go func() {
			logger.Info("metrics listening", logging.String("address", cfg.MetricsAddress))
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.WithError(err).Error("metrics listener failed")
			}
		}()
	}

	var tracing *observability.TracingProvider
	if cfg.TraceExporter != "" && cfg.TraceExporter != "noop" {
		tracing, err = observability.NewTracingProvider(observability.TracingConfig{
			ServiceName:    "mcp-relay",
			ServiceVersion: version,
			ExporterType:   observability.ExporterType(cfg.TraceExporter),
			Endpoint:       cfg.TraceEndpoint,
			Insecure:       cfg.TraceInsecure,
			SampleRate:     cfg.TraceSampleRate,
		})
		if err != nil {
			return fmt.Errorf("tracing setup: %w", err)
		}
	}

	attachment, err := overlay.DialNode(ctx, cfg.NodeAddress, cfg.Endpoint)
	if err != nil {
		return fmt.Errorf("overlay attach: %w", err)
	}

	// In the config, zero means "keepalive off"; the Settings layer uses
	// negative for that and zero for its default.
	pingInterval := cfg.PingInterval
	if pingInterval <= 0 {
		pingInterval = -1
	}

	r := relay.New(attachment, backend.NewSSEDialer(nil), relay.Settings{
		BackendAddress:  cfg.BackendAddress,
		IdleTimeout:     cfg.IdleTimeout,
		OpenTimeout:     cfg.OpenTimeout,
		Grace:           cfg.Grace,
		PingInterval:    pingInterval,
		MaxPendingPings: cfg.MaxPendingPings,
	},
		relay.WithLogger(logger),
		relay.WithMetrics(metrics),
		relay.WithTracing(tracing),
	)

	runErr := r.Run(ctx)
	if errors.Is(runErr, context.Canceled) {
		runErr = nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := attachment.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("overlay detach failed")
	}
	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Warn("metrics listener shutdown failed")
		}
	}
	if tracing != nil {
		if err := tracing.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Warn("tracing shutdown failed")
		}
	}

	if runErr != nil {
		return runErr
	}
	logger.Info("relay stopped")
	return nil
}

func mergeFlags(cfg *config.Config, opts options) {
	if opts.NodeAddress != "" {
		cfg.NodeAddress = opts.NodeAddress
	}
	if opts.Endpoint != "" {
		cfg.Endpoint = opts.Endpoint
	}
	if opts.Backend != "" {
		cfg.BackendAddress = opts.Backend
	}
	if opts.IdleTimeout > 0 {
		cfg.IdleTimeout = opts.IdleTimeout
	}
	if opts.OpenTimeout > 0 {
		cfg.OpenTimeout = opts.OpenTimeout
	}
	if opts.Grace > 0 {
		cfg.Grace = opts.Grace
	}
	if opts.Metrics != "" {
		cfg.MetricsAddress = opts.Metrics
	}
	if opts.LogLevel != "" {
		cfg.LogLevel = opts.LogLevel
	}
	if opts.LogFormat != "" {
		cfg.LogFormat = opts.LogFormat
	}
}

func newLogger(cfg config.Config) logging.Logger {
	var formatter logging.Formatter
	if cfg.LogFormat == "json" {
		formatter = logging.NewJSONFormatter()
	} else {
		formatter = logging.NewTextFormatter()
	}
	logger := logging.New(os.Stderr, formatter)
	logger.SetLevel(logging.ParseLevel(cfg.LogLevel))
	return logger
}
