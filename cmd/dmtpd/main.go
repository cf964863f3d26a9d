// Command dmtpd runs the OpenDMTP telemetry server: a combined TCP+UDP
// listener that accepts device connections, authenticates them against a
// pluggable store, ingests GPS events, and enforces per-device rate limits.
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
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/khansohel/traffometer-opendmtp-server-sub000/internal/config"
	"github.com/khansohel/traffometer-opendmtp-server-sub000/internal/dmtp"
	dmtpmetrics "github.com/khansohel/traffometer-opendmtp-server-sub000/internal/metrics"
	"github.com/khansohel/traffometer-opendmtp-server-sub000/internal/netio"
	memorystore "github.com/khansohel/traffometer-opendmtp-server-sub000/internal/store/memory"
	pgstore "github.com/khansohel/traffometer-opendmtp-server-sub000/internal/store/postgres"
	appversion "github.com/khansohel/traffometer-opendmtp-server-sub000/internal/version"
)

// shutdownTimeout bounds how long the metrics HTTP server is given to drain
// in-flight requests during graceful shutdown.
const shutdownTimeout = 10 * time.Second

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

	logger.Info("dmtpd starting",
		slog.String("version", appversion.Version),
		slog.Int("port", cfg.Listener.Port),
		slog.String("metrics_addr", cfg.Metrics.Addr),
		slog.String("store_driver", cfg.Store.Driver),
	)

	reg := prometheus.NewRegistry()
	collector := dmtpmetrics.NewCollector(reg)

	store, closeStore, err := openStore(context.Background(), cfg.Store, cfg)
	if err != nil {
		logger.Error("failed to open store", slog.String("error", err.Error()))
		return 1
	}
	defer closeStore()

	if err := runServers(cfg, store, collector, reg, logger, *configPath, logLevel); err != nil {
		logger.Error("dmtpd exited with error", slog.String("error", err.Error()))
		return 1
	}

	logger.Info("dmtpd stopped")
	return 0
}

// openStore constructs the configured Store backend. For the memory driver
// it is pre-populated from cfg.Devices.
func openStore(ctx context.Context, sc config.StoreConfig, cfg *config.Config) (dmtp.Store, func(), error) {
	switch sc.Driver {
	case "postgres":
		st, err := pgstore.New(ctx, sc.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres store: %w", err)
		}
		return st, st.Close, nil
	default:
		st := memorystore.NewFromConfig(cfg)
		return st, func() {}, nil
	}
}

// runServers runs the OpenDMTP listener and the metrics HTTP server under
// an errgroup with a signal-aware context.
func runServers(
	cfg *config.Config,
	store dmtp.Store,
	collector *dmtpmetrics.Collector,
	reg *prometheus.Registry,
	logger *slog.Logger,
	configPath string,
	logLevel *slog.LevelVar,
) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)

	factory := newSessionFactory(instrumentedStore{Store: store, metrics: collector}, logger)

	ln, err := netio.New(cfg.Listener, logger, collector, factory)
	if err != nil {
		return fmt.Errorf("create listener: %w", err)
	}

	metricsSrv := newMetricsServer(cfg.Metrics, reg)

	g.Go(func() error {
		logger.Info("dmtp listener running", slog.Int("port", cfg.Listener.Port))
		return ln.Run(gCtx)
	})

	g.Go(func() error {
		logger.Info("metrics server listening",
			slog.String("addr", cfg.Metrics.Addr),
			slog.String("path", cfg.Metrics.Path),
		)
		return listenAndServe(gCtx, metricsSrv, cfg.Metrics.Addr)
	})

	g.Go(func() error {
		return runWatchdog(gCtx, logger)
	})

	sigHUP := make(chan os.Signal, 1)
	signal.Notify(sigHUP, syscall.SIGHUP)
	g.Go(func() error {
		defer signal.Stop(sigHUP)
		handleSIGHUP(gCtx, sigHUP, configPath, logLevel, logger)
		return nil
	})

	notifyReady(logger)

	g.Go(func() error {
		<-gCtx.Done()
		return gracefulShutdown(gCtx, logger, metricsSrv)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("run servers: %w", err)
	}
	return nil
}

// instrumentedStore decorates a dmtp.Store so event-ingest outcomes feed
// the Prometheus counters; every other Store method passes through.
type instrumentedStore struct {
	dmtp.Store
	metrics *dmtpmetrics.Collector
}

func (s instrumentedStore) InsertEvent(ctx context.Context, ev dmtp.Event) (bool, error) {
	duplicate, err := s.Store.InsertEvent(ctx, ev)
	if err == nil {
		if duplicate {
			s.metrics.IncEventsDuplicate()
		} else {
			s.metrics.IncEventsIngested()
		}
	}
	return duplicate, err
}

// newSessionFactory builds the netio.SessionFactory the listener uses to
// construct one dmtp.Session per accepted connection or received datagram,
// minting a per-session trace identifier with github.com/google/uuid. The
// store arrives as a construction-time dependency, not process-wide mutable
// state.
func newSessionFactory(store dmtp.Store, logger *slog.Logger) netio.SessionFactory {
	return func(transport dmtp.Transport, peer, traceID string) *dmtp.Session {
		if traceID == "" {
			traceID = uuid.NewString()
		}
		return dmtp.NewSession(transport, peer, store,
			dmtp.WithLogger(logger),
			dmtp.WithTraceID(traceID),
		)
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
// configured watchdog interval. If no watchdog is configured the goroutine
// returns immediately.
func runWatchdog(ctx context.Context, logger *slog.Logger) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		logger.Warn("failed to check systemd watchdog", slog.String("error", err.Error()))
		return nil
	}
	if interval == 0 {
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
// SIGHUP Reload — dynamic log level
// -------------------------------------------------------------------------

func handleSIGHUP(ctx context.Context, sigHUP <-chan os.Signal, configPath string, logLevel *slog.LevelVar, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sigHUP:
			logger.Info("received SIGHUP, reloading configuration")
			reloadConfig(configPath, logLevel, logger)
		}
	}
}

// reloadConfig reloads the log level from a fresh read of configPath.
// Listener and rate-limit parameters are intentionally not hot-reloaded:
// the listener already owns bound sockets and per-device rate-limit state
// lives in the store, not in the process.
func reloadConfig(configPath string, logLevel *slog.LevelVar, logger *slog.Logger) {
	newCfg, err := loadConfig(configPath)
	if err != nil {
		logger.Error("failed to reload configuration, keeping current settings",
			slog.String("error", err.Error()),
		)
		return
	}

	oldLevel := logLevel.Level()
	newLevel := config.ParseLogLevel(newCfg.Log.Level)
	logLevel.Set(newLevel)

	logger.Info("configuration reloaded",
		slog.String("old_log_level", oldLevel.String()),
		slog.String("new_log_level", newLevel.String()),
	)
}

// -------------------------------------------------------------------------
// Graceful Shutdown
// -------------------------------------------------------------------------

func gracefulShutdown(ctx context.Context, logger *slog.Logger, servers ...*http.Server) error {
	logger.Info("initiating graceful shutdown")
	notifyStopping(logger)

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	var shutdownErr error
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			shutdownErr = errors.Join(shutdownErr, fmt.Errorf("shutdown server: %w", err))
		}
	}
	return shutdownErr
}

// -------------------------------------------------------------------------
// Server Setup
// -------------------------------------------------------------------------

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

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
