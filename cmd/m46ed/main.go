// Command m46ed is the userspace controller daemon for M46E/M46E-AS
// IPv4-over-IPv6 tunneling: it keeps the IPv4 stub and IPv6 backbone
// route tables in sync with the kernel FIB and with a peer daemon, and
// maintains the PMTU cache.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/trace"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/m46e-project/m46ed/internal/admin"
	"github.com/m46e-project/m46ed/internal/config"
	"github.com/m46e-project/m46ed/internal/fib"
	"github.com/m46e-project/m46ed/internal/handler"
	m46emetrics "github.com/m46e-project/m46ed/internal/metrics"
	"github.com/m46e-project/m46ed/internal/peersync"
	"github.com/m46e-project/m46ed/internal/pmtu"
	"github.com/m46e-project/m46ed/internal/route"
	"github.com/m46e-project/m46ed/internal/rtnl"
	"github.com/m46e-project/m46ed/internal/translate"
	appversion "github.com/m46e-project/m46ed/internal/version"
)

// shutdownTimeout is the maximum time to wait for HTTP servers to drain
// active connections during graceful shutdown.
const shutdownTimeout = 10 * time.Second

// flightRecorderMinAge is the minimum window age for the flight recorder.
const flightRecorderMinAge = 500 * time.Millisecond

// flightRecorderMaxBytes is the upper bound on flight recorder window size.
const flightRecorderMaxBytes = 2 * 1024 * 1024 // 2 MiB

// occupancyInterval is how often route table occupancy is published to
// the metrics collector.
const occupancyInterval = 10 * time.Second

// normalPrefixBits and asPrefixBits mirror the translator's mapping
// widths for the IPv6 unicast prefix that bounds the backbone
// observer's filter.
const (
	normalPrefixBits = 96
	asPrefixBits     = 80
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to configuration file (YAML)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load configuration",
			slog.String("error", err.Error()),
		)
		return 1
	}

	logLevel := new(slog.LevelVar)
	logLevel.Set(config.ParseLogLevel(cfg.Log.Level))
	logger := newLoggerWithLevel(cfg.Log, logLevel)

	logger.Info("m46ed starting",
		slog.String("version", appversion.Version),
		slog.String("admin_socket", cfg.Admin.SocketPath),
		slog.String("metrics_addr", cfg.Metrics.Addr),
	)

	fr := startFlightRecorder(logger)

	reg := prometheus.NewRegistry()
	collector := m46emetrics.NewCollector(reg)

	if err := runDaemon(cfg, *configPath, logLevel, collector, reg, logger, fr); err != nil {
		logger.Error("m46ed exited with error", slog.String("error", err.Error()))
		return 1
	}

	logger.Info("m46ed stopped")
	return 0
}

// runDaemon builds the dual route-sync engine plus the ambient stack
// (admin API, metrics, systemd integration) and runs them under one
// errgroup/signal-aware context until shutdown.
func runDaemon(
	cfg *config.Config,
	configPath string,
	logLevel *slog.LevelVar,
	collector *m46emetrics.Collector,
	reg *prometheus.Registry,
	logger *slog.Logger,
	fr *trace.FlightRecorder,
) error {
	mode, err := cfg.Tunnel.ModeEnum()
	if err != nil {
		return fmt.Errorf("tunnel mode: %w", err)
	}
	prefix, err := cfg.Tunnel.UnicastPrefixAddr()
	if err != nil {
		return fmt.Errorf("unicast prefix: %w", err)
	}
	pmtuType, err := cfg.PMTUD.PMTUType()
	if err != nil {
		return fmt.Errorf("pmtud type: %w", err)
	}

	source, err := rtnl.NewNetlinkSource()
	if err != nil {
		return fmt.Errorf("open netlink source: %w", err)
	}
	defer source.Close()

	// Only the IPv4 stub table filters by managed device; the backbone
	// table is bounded by the unicast prefix instead.
	v4Table := route.NewTable[route.V4Entry](cfg.Tunnel.RouteEntryMax, cfg.Tunnel.InterestSet())
	v6Table := route.NewTable[route.V6Entry](cfg.Tunnel.RouteEntryMax, nil)

	cache := pmtu.New(pmtuType, cfg.PMTUD.ExpireTime, cfg.PMTUD.DefaultMTU)
	cache.OnExpire = collector.IncPMTUTimerExpiration

	dispatcher := peersync.New(mode, prefix, v4Table, v6Table,
		cfg.Tunnel.IPv4IfIndex, cfg.Tunnel.IPv6IfIndex,
		source, peersync.StubTransport{}, cfg.Tunnel.RouteSync, logger,
		peersync.WithMetrics(collector))

	h := handler.New(mode, prefix, v4Table, v6Table, cache, dispatcher)
	adminSrv := admin.New(h, logger)
	metricsSrv := newMetricsServer(cfg.Metrics, reg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)

	v4obs := fib.NewV4Observer(source, v4Table, cfg.Tunnel.IPv4IfIndex, dispatcher, logger)
	v4obs.Metrics = collector

	prefixBits := normalPrefixBits
	if mode == translate.ModeAS {
		prefixBits = asPrefixBits
	}
	v6obs := fib.NewV6Observer(source, v6Table, cfg.Tunnel.IPv6IfIndex, prefix, prefixBits, dispatcher, v4obs.Ready, logger)
	v6obs.Metrics = collector

	g.Go(func() error { return v4obs.Run(gCtx) })
	g.Go(func() error { return v6obs.Run(gCtx) })
	g.Go(func() error { dispatcher.Run(gCtx); return nil })

	g.Go(func() error { return adminSrv.Serve(cfg.Admin.SocketPath) })
	g.Go(func() error {
		logger.Info("metrics server listening", slog.String("addr", cfg.Metrics.Addr))
		return listenAndServe(gCtx, metricsSrv, cfg.Metrics.Addr)
	})
	g.Go(func() error { return runWatchdog(gCtx, logger) })
	g.Go(func() error { return reportOccupancy(gCtx, v4Table, v6Table, cache, collector) })
	g.Go(func() error { return runReloader(gCtx, configPath, logLevel, cache, logger) })

	notifyReady(logger)

	g.Go(func() error {
		<-gCtx.Done()
		return gracefulShutdown(gCtx, logger, fr, adminSrv, metricsSrv)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("run daemon: %w", err)
	}
	return nil
}

// reportOccupancy periodically publishes route table and PMTU cache
// occupancy to the metrics collector.
func reportOccupancy(
	ctx context.Context,
	v4Table *route.Table[route.V4Entry],
	v6Table *route.Table[route.V6Entry],
	cache *pmtu.Cache,
	collector *m46emetrics.Collector,
) error {
	ticker := time.NewTicker(occupancyInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			collector.SetRouteTableEntries("v4", v4Table.Len())
			collector.SetRouteTableEntries("v6", v6Table.Len())
			collector.SetPMTUCacheEntries(len(cache.Snapshot()))
		}
	}
}

// -------------------------------------------------------------------------
// SIGHUP Reload — log level + PMTU cache reconfiguration
// -------------------------------------------------------------------------

// runReloader re-reads the configuration on SIGHUP, applying the new
// log level and rebuilding the PMTU cache with the new pmtud settings.
// Route-table and tunnel parameters require a restart and are left
// untouched. A no-op when the daemon was started without a config file.
func runReloader(
	ctx context.Context,
	configPath string,
	logLevel *slog.LevelVar,
	cache *pmtu.Cache,
	logger *slog.Logger,
) error {
	if configPath == "" {
		return nil
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-hup:
			cfg, err := config.Load(configPath)
			if err != nil {
				logger.Error("reload failed, keeping previous configuration",
					slog.String("error", err.Error()))
				continue
			}

			logLevel.Set(config.ParseLogLevel(cfg.Log.Level))

			pmtuType, err := cfg.PMTUD.PMTUType()
			if err != nil {
				logger.Error("reload failed, keeping previous pmtud configuration",
					slog.String("error", err.Error()))
				continue
			}
			cache.Restart(pmtuType, cfg.PMTUD.ExpireTime, cfg.PMTUD.DefaultMTU)

			logger.Info("configuration reloaded",
				slog.String("log_level", cfg.Log.Level),
				slog.String("pmtud_type", pmtuType.String()),
			)
		}
	}
}

// -------------------------------------------------------------------------
// Systemd Integration — sd_notify + watchdog
// -------------------------------------------------------------------------

func notifyReady(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		logger.Warn("failed to notify systemd readiness", slog.String("error", err.Error()))
		return
	}
	if sent {
		logger.Info("notified systemd: READY")
	}
}

func notifyStopping(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyStopping)
	if err != nil {
		logger.Warn("failed to notify systemd stopping", slog.String("error", err.Error()))
		return
	}
	if sent {
		logger.Info("notified systemd: STOPPING")
	}
}

// runWatchdog sends periodic watchdog keepalives to systemd at half the
// configured interval. No-op if the watchdog is not configured.
func runWatchdog(ctx context.Context, logger *slog.Logger) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		logger.Warn("failed to check systemd watchdog", slog.String("error", err.Error()))
		return nil
	}
	if interval == 0 {
		logger.Debug("systemd watchdog not configured, skipping keepalive")
		return nil
	}

	tickInterval := interval / 2
	logger.Info("systemd watchdog enabled",
		slog.Duration("watchdog_sec", interval),
		slog.Duration("keepalive_interval", tickInterval),
	)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, wdErr := daemon.SdNotify(false, daemon.SdNotifyWatchdog); wdErr != nil {
				logger.Warn("failed to send watchdog keepalive", slog.String("error", wdErr.Error()))
			}
		}
	}
}

// -------------------------------------------------------------------------
// Graceful Shutdown
// -------------------------------------------------------------------------

func gracefulShutdown(
	ctx context.Context,
	logger *slog.Logger,
	fr *trace.FlightRecorder,
	adminSrv *admin.Server,
	metricsSrv *http.Server,
) error {
	logger.Info("initiating graceful shutdown")
	notifyStopping(logger)

	if fr != nil {
		fr.Stop()
		logger.Debug("flight recorder stopped")
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	var shutdownErr error
	if err := adminSrv.Shutdown(); err != nil {
		shutdownErr = errors.Join(shutdownErr, fmt.Errorf("shutdown admin server: %w", err))
	}
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		shutdownErr = errors.Join(shutdownErr, fmt.Errorf("shutdown metrics server: %w", err))
	}
	return shutdownErr
}

// -------------------------------------------------------------------------
// Flight Recorder — Go 1.26 runtime/trace
// -------------------------------------------------------------------------

func startFlightRecorder(logger *slog.Logger) *trace.FlightRecorder {
	fr := trace.NewFlightRecorder(trace.FlightRecorderConfig{
		MinAge:   flightRecorderMinAge,
		MaxBytes: flightRecorderMaxBytes,
	})

	if err := fr.Start(); err != nil {
		logger.Warn("failed to start flight recorder", slog.String("error", err.Error()))
		return nil
	}

	logger.Info("flight recorder started",
		slog.Duration("min_age", flightRecorderMinAge),
		slog.Uint64("max_bytes", flightRecorderMaxBytes),
	)
	return fr
}

// -------------------------------------------------------------------------
// Server Setup
// -------------------------------------------------------------------------

// listenAndServe creates a TCP listener using net.ListenConfig (for
// noctx compliance) and serves HTTP requests until shutdown.
func listenAndServe(ctx context.Context, srv *http.Server, addr string) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve on %s: %w", addr, err)
	}
	return nil
}

// newMetricsServer creates an HTTP server for the Prometheus metrics endpoint.
func newMetricsServer(cfg config.MetricsConfig, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		cfg, err := config.Load(path)
		if err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
		return cfg, nil
	}
	return config.DefaultConfig(), nil
}

func newLoggerWithLevel(cfg config.LogConfig, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	switch cfg.Format {
	case "text":
		h = slog.NewTextHandler(os.Stdout, opts)
	default:
		h = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(h)
}
