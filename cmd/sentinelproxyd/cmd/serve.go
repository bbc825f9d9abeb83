package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/spf13/cobra"

	"github.com/sentinelproxy/sentinelproxy/internal/adapter/inbound/acceptor"
	"github.com/sentinelproxy/sentinelproxy/internal/adapter/outbound/broadcast"
	"github.com/sentinelproxy/sentinelproxy/internal/adapter/outbound/resolver"
	"github.com/sentinelproxy/sentinelproxy/internal/adapter/outbound/sqlitestore"
	"github.com/sentinelproxy/sentinelproxy/internal/adapter/outbound/telemetry"
	"github.com/sentinelproxy/sentinelproxy/internal/config"
	"github.com/sentinelproxy/sentinelproxy/internal/domain/connhandler"
	"github.com/sentinelproxy/sentinelproxy/internal/domain/snapshot"
)

var devMode bool

func init() {
	serveCmd.Flags().BoolVar(&devMode, "dev", false, "Enable development mode (forces debug logging)")
	serveCmd.Flags().IntVar(&portFlag, "port", 0, "Listen port (overrides config/env)")
	rootCmd.AddCommand(serveCmd)
}

var portFlag int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the proxy server",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfigRaw()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if devMode {
		cfg.DevMode = true
	}
	if portFlag != 0 {
		cfg.Proxy.Port = portFlag
	}
	cfg.SetDevDefaults()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), gracefulSignals()...)
	go func() {
		<-ctx.Done()
		stop() // Restore default: next Ctrl+C is an immediate exit.
	}()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.Log.Level),
	}))
	if configFile := config.ConfigFileUsed(); configFile != "" {
		logger.Info("loaded config", "file", configFile)
	}

	if err := run(ctx, cfg, logger); err != nil {
		return err
	}
	logger.Info("sentinelproxyd stopped")
	return nil
}

// run wires every component together and blocks until ctx is cancelled or
// the acceptor reports a fatal error: Store → Snapshot (+ reload loop) →
// Broadcaster → Telemetry sink → Resolver → ConnectionHandler → Acceptor.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	store, err := sqlitestore.Open(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer store.Close()

	snap := snapshot.New(store, logger)
	if err := snap.Reload(ctx); err != nil {
		return fmt.Errorf("failed initial blocklist load: %w", err)
	}
	if cfg.Policy.ReloadIntervalSeconds > 0 {
		snap.StartReloadLoop(ctx, time.Duration(cfg.Policy.ReloadIntervalSeconds)*time.Second)
		defer snap.Stop()
	}

	metrics := newMetrics()

	hub := broadcast.NewHub(logger)

	sink := telemetry.New(store, hub, metrics.telemetry, logger, telemetry.Config{
		QueueSize:   cfg.Telemetry.QueueSize,
		WorkerCount: cfg.Telemetry.WorkerCount,
	})
	sink.Start(ctx)
	defer sink.Stop()

	dnsResolver := resolver.New(cfg.DNS.Servers, time.Duration(cfg.DNS.TimeoutSeconds)*time.Second, logger)
	dnsResolver.StartCleanup(ctx)
	defer dnsResolver.Stop()

	handler := connhandler.New(snap, sink, dnsResolver, logger)
	handler.NoBroadcast = !cfg.Telemetry.Broadcast

	addr := net.JoinHostPort(cfg.Proxy.BindAddr, strconv.Itoa(cfg.Proxy.Port))
	acc := acceptor.New(addr, handler, logger)
	acc.ConnectionsTotal = metrics.connectionsTotal

	logger.Info("starting sentinelproxyd", "addr", addr, "store", cfg.Store.Path)
	return acc.Start(ctx)
}

type metricsBundle struct {
	connectionsTotal prometheus.Counter
	telemetry        *telemetry.Metrics
}

// newMetrics registers the process's Prometheus instruments once, against
// the default registerer, matching the teacher's promauto convention.
func newMetrics() *metricsBundle {
	return &metricsBundle{
		connectionsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "sentinelproxy_connections_total",
			Help: "Total number of accepted client connections.",
		}),
		telemetry: &telemetry.Metrics{
			QueueDepth: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "sentinelproxy_telemetry_queue_depth",
				Help: "Current depth of the telemetry task queue.",
			}),
			DropsTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "sentinelproxy_telemetry_drops_total",
				Help: "Total telemetry tasks dropped due to a full queue.",
			}),
			TasksTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "sentinelproxy_telemetry_tasks_total",
				Help: "Telemetry tasks processed, by outcome.",
			}, []string{"outcome"}),
		},
	}
}

// parseLogLevel converts a string log level to slog.Level, defaulting to
// Info for unrecognized values.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
