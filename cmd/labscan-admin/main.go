// Command labscan-admin is the admin core process (spec §1): it accepts
// agent WebSocket connections, broadcasts pairing advertisements over UDP,
// watches for stale agents, dispatches tasks, and serves the Control
// Surface the embedded UI shell talks to over local HTTP. Wiring pattern —
// flat config struct, envOrDefault-backed cobra flags, buildLogger,
// signal.NotifyContext, explicit component startup/shutdown order — is
// adapted from the teacher's cmd/server/main.go.
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

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pamod-madubashana/labscan/internal/broadcast"
	"github.com/pamod-madubashana/labscan/internal/clock"
	"github.com/pamod-madubashana/labscan/internal/controlapi"
	"github.com/pamod-madubashana/labscan/internal/events"
	"github.com/pamod-madubashana/labscan/internal/netprobe"
	"github.com/pamod-madubashana/labscan/internal/persistence"
	"github.com/pamod-madubashana/labscan/internal/session"
	"github.com/pamod-madubashana/labscan/internal/store"
	"github.com/pamod-madubashana/labscan/internal/tasks"
	"github.com/pamod-madubashana/labscan/internal/telemetry"
	"github.com/pamod-madubashana/labscan/internal/watchdog"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	wsAddr           string
	controlAddr      string
	udpPort          int
	pairSecretTTL    time.Duration
	heartbeatTimeout time.Duration
	logLevel         string
	dataDir          string
	persistDSN       string
	noPersist        bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "labscan-admin",
		Short: "LabScan admin core — pairing, monitoring, and task dispatch for agents",
		Long: `labscan-admin is the central component of the LabScan lab network
monitor. It accepts agent registrations over WebSocket, advertises itself
for pairing over UDP broadcast, tracks device health, and dispatches
on-demand probes, exposing all of it to an embedded UI shell over a local
Control Surface HTTP API.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.wsAddr, "ws-addr", envOrDefault("LABSCAN_WS_ADDR", ":8148"), "WebSocket listen address for agent connections")
	root.PersistentFlags().StringVar(&cfg.controlAddr, "control-addr", envOrDefault("LABSCAN_CONTROL_ADDR", "127.0.0.1:7778"), "Control Surface HTTP listen address (embedded UI only)")
	root.PersistentFlags().IntVar(&cfg.udpPort, "udp-port", envOrDefaultInt("LABSCAN_UDP_PORT", 8870), "UDP port for pairing broadcast and acks")
	root.PersistentFlags().DurationVar(&cfg.pairSecretTTL, "pair-secret-ttl", envOrDefaultDuration("LABSCAN_PAIR_SECRET_TTL", 0), "Unused unless rotated manually: pair tokens never expire on a timer (spec §9 Open Question)")
	root.PersistentFlags().DurationVar(&cfg.heartbeatTimeout, "heartbeat-timeout", envOrDefaultDuration("LABSCAN_HEARTBEAT_TIMEOUT", 22*time.Second), "Not applied: the watchdog always uses its fixed 22s staleness window")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("LABSCAN_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&cfg.dataDir, "data-dir", envOrDefault("LABSCAN_DATA_DIR", "./data"), "Directory for the persistence mirror's sqlite file")
	root.PersistentFlags().StringVar(&cfg.persistDSN, "persist-dsn", envOrDefault("LABSCAN_PERSIST_DSN", ""), "Override the persistence mirror's sqlite DSN (default: data-dir/labscan.db)")
	root.PersistentFlags().BoolVar(&cfg.noPersist, "no-persist", envOrDefault("LABSCAN_NO_PERSIST", "false") == "true", "Disable the optional persistence mirror entirely")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("labscan-admin %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("starting labscan admin core",
		zap.String("version", version),
		zap.String("ws_addr", cfg.wsAddr),
		zap.String("control_addr", cfg.controlAddr),
		zap.Int("udp_port", cfg.udpPort),
		zap.String("log_level", cfg.logLevel),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	clk := clock.System{}

	// --- 1. Persistence mirror (optional, spec §11/§12) ---
	var mirror *persistence.Mirror
	loopback := events.NewLoopbackBus(logger)
	var uiBus events.Bus = loopback

	if !cfg.noPersist {
		dsn := cfg.persistDSN
		if dsn == "" {
			if err := os.MkdirAll(cfg.dataDir, 0o755); err != nil {
				return fmt.Errorf("failed to create data dir: %w", err)
			}
			dsn = cfg.dataDir + "/labscan.db"
		}
		gormDB, err := persistence.Open(dsn, logger)
		if err != nil {
			logger.Warn("persistence mirror disabled: failed to open sqlite", zap.Error(err))
		} else {
			mirror = persistence.NewMirror(gormDB, logger)
			uiBus = events.NewFanoutBus(loopback, mirror)
		}
	}

	// --- 2. State store ---
	st := store.New(clk, logger, store.Config{
		WSPort:    addrPort(cfg.wsAddr),
		UDPPort:   cfg.udpPort,
		PairToken: clock.NewID(),
	})
	loopback.SetDevicesSnapshotProvider(func() any { return st.DevicesSnapshot() })

	emitter := events.New(uiBus, logger)
	metrics := telemetry.New()
	emitter.Dispatch(st.SetAdminFacts(netprobe.Probe(), clk.NowMS()))

	// --- 3. Periodic workers ---
	wd := watchdog.New(st, emitter, metrics, clk, logger)
	if err := wd.Start(ctx); err != nil {
		return fmt.Errorf("failed to start watchdog: %w", err)
	}
	defer wd.Stop()

	prov := broadcast.New(st, emitter, metrics, clk, logger, cfg.udpPort)
	if err := prov.Start(ctx); err != nil {
		logger.Error("broadcast provisioner disabled", zap.Error(err))
	}
	defer prov.Stop()

	reporter, err := telemetry.NewReporter(st, metrics, logger)
	if err != nil {
		return fmt.Errorf("failed to create telemetry reporter: %w", err)
	}
	if err := reporter.Start(ctx); err != nil {
		return fmt.Errorf("failed to start telemetry reporter: %w", err)
	}
	defer reporter.Stop() //nolint:errcheck

	// --- 4. Task coordinator ---
	coordinator := tasks.New(st, emitter, metrics, clk)

	// --- 5. Agent WebSocket server ---
	sessionHandler := session.NewHandler(st, emitter, metrics, clk, logger)
	wsMux := http.NewServeMux()
	wsMux.Handle("/ws/agent", sessionHandler)
	wsSrv := &http.Server{
		Addr:         cfg.wsAddr,
		Handler:      wsMux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  90 * time.Second,
	}

	go func() {
		logger.Info("agent websocket listener starting", zap.String("addr", cfg.wsAddr))
		emissions := st.SetOnline(true)
		emitter.Dispatch(emissions)
		if err := wsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("agent websocket listener error", zap.Error(err))
			cancel()
		}
	}()

	// --- 6. Control Surface HTTP API ---
	controlRouter := controlapi.NewRouter(controlapi.RouterConfig{
		Store:       st,
		Coordinator: coordinator,
		Emitter:     emitter,
		Mirror:      mirror,
		Metrics:     metrics,
		Clock:       clk,
		Logger:      logger,
		UIBus:       loopback,
	})
	controlSrv := &http.Server{
		Addr:         cfg.controlAddr,
		Handler:      controlRouter,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("control surface listening", zap.String("addr", cfg.controlAddr))
		if err := controlSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("control surface error", zap.Error(err))
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down labscan admin core")

	st.SetOnline(false)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := wsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("agent websocket listener shutdown error", zap.Error(err))
	}
	if err := controlSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("control surface shutdown error", zap.Error(err))
	}

	logger.Info("labscan admin core stopped")
	return nil
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envOrDefaultInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var out int
	if _, err := fmt.Sscanf(v, "%d", &out); err != nil {
		return defaultVal
	}
	return out
}

func envOrDefaultDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

// addrPort extracts the numeric port from a host:port listen address for
// storage in ServerStatus (spec §4.3's ws_port field). Falls back to 0 if
// the address has no parseable port (e.g. ":0" for an ephemeral bind in
// tests), which is an acceptable degraded display value, not a failure.
func addrPort(addr string) int {
	var port int
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == ':' {
			if _, err := fmt.Sscanf(addr[i+1:], "%d", &port); err != nil {
				return 0
			}
			return port
		}
	}
	return 0
}
