// Package main — cmd/gateway/main.go
//
// Templar gateway entrypoint.
//
// Startup sequence:
//  1. Load and validate config from /etc/templar-gateway/config.yaml.
//  2. Initialise structured logger (zap, JSON format).
//  3. Open the durable store (BoltDB), if enabled.
//  4. Start Prometheus metrics server (127.0.0.1:9091).
//  5. Construct Node Registry, Health Monitor, Delegation Manager.
//  6. Start the wire-protocol listener (node connections).
//  7. Start the Health Monitor sweep and the Delegation Manager's TTL sweep.
//  8. Start the gRPC health service (used by orchestrators for liveness).
//  9. Register SIGHUP handler and fsnotify config-file watch for hot-reload.
// 10. Block on SIGINT/SIGTERM for graceful shutdown.
//
// Shutdown sequence (on SIGINT/SIGTERM):
//  1. Cancel root context (propagates to the listener and metrics server).
//  2. Stop accepting new node connections.
//  3. Dispose the Delegation Manager (cancels every in-flight delegation).
//  4. Stop the Health Monitor.
//  5. Close the durable store.
//  6. Flush logger.
//  7. Exit 0.
//
// On config validation failure: exit 1 immediately.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/templar-ai/gateway/internal/breaker"
	"github.com/templar-ai/gateway/internal/clock"
	"github.com/templar-ai/gateway/internal/config"
	"github.com/templar-ai/gateway/internal/delegation"
	"github.com/templar-ai/gateway/internal/gatewayserver"
	healthmon "github.com/templar-ai/gateway/internal/health"
	"github.com/templar-ai/gateway/internal/observability"
	"github.com/templar-ai/gateway/internal/registry"
	"github.com/templar-ai/gateway/internal/store"
)

func main() {
	// ── Flags ────────────────────────────────────────────────────────────
	configPath := flag.String("config", "/etc/templar-gateway/config.yaml", "Path to config.yaml")
	grpcHealthAddr := flag.String("grpc-health-addr", "127.0.0.1:7791", "gRPC health service bind address")
	version := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *version {
		fmt.Printf("templar-gateway %s (commit=%s built=%s)\n",
			config.Version, config.GitCommit, config.BuildTime)
		os.Exit(0)
	}

	// ── Step 1: Load config ─────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: config load failed: %v\n", err)
		os.Exit(1)
	}

	// ── Step 2: Initialise logger ────────────────────────────────────────
	log, err := buildLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	log.Info("templar-gateway starting",
		zap.String("version", config.Version),
		zap.String("commit", config.GitCommit),
		zap.String("built", config.BuildTime),
		zap.String("gateway_id", cfg.GatewayID),
		zap.String("config", *configPath),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Step 3: Open durable store ───────────────────────────────────────
	var st store.Store = store.Nop{}
	if cfg.Store.Enabled {
		bdb, err := store.OpenBolt(cfg.Store.DBPath)
		if err != nil {
			log.Fatal("store open failed", zap.Error(err), zap.String("path", cfg.Store.DBPath))
		}
		defer bdb.Close() //nolint:errcheck
		st = bdb
		log.Info("durable store opened", zap.String("path", cfg.Store.DBPath))
	} else {
		log.Info("durable store disabled")
	}

	// ── Step 4: Prometheus metrics ───────────────────────────────────────
	metrics := observability.NewMetrics()
	go func() {
		if err := metrics.ServeMetrics(ctx, cfg.Observability.MetricsAddr); err != nil {
			log.Error("metrics server error", zap.Error(err))
		}
	}()
	log.Info("metrics server started", zap.String("addr", cfg.Observability.MetricsAddr))

	// ── Step 5: Registry, Health Monitor, Delegation Manager ─────────────
	clk := clock.Real
	reg := registry.New(clk)

	delegCfg := delegation.Config{
		MaxActiveDelegations:  cfg.Delegation.MaxActiveDelegations,
		MaxPerNodeDelegations: cfg.Delegation.MaxPerNodeDelegations,
		MaxDelegationTTL:      cfg.Delegation.MaxDelegationTTL,
		SweepInterval:         cfg.Delegation.SweepInterval,
		MinNodeTimeout:        cfg.Delegation.MinNodeTimeout,
		CircuitBreaker: breaker.Config{
			Threshold: cfg.Delegation.BreakerThreshold,
			Cooldown:  cfg.Delegation.BreakerCooldown,
		},
		StoreTimeout: cfg.Delegation.StoreTimeout,
	}

	listenerCfg := gatewayserver.Config{
		ListenAddr:     cfg.Listener.Addr,
		AuthToken:      cfg.Listener.AuthToken,
		MaxConnections: cfg.Listener.MaxConnections,
		MaxFrameBytes:  cfg.Listener.MaxFrameBytes,
	}
	sender := gatewayserver.NewSender(cfg.Listener.MaxFrameBytes)

	mon := healthmon.New(reg, sender, cfg.Health.SweepInterval, clk, log)
	deleg := delegation.New(reg, sender, st, delegCfg, clk, metrics, log)
	mon.OnNodeDead(func(ev healthmon.DeadEvent) {
		deleg.CleanupNode(ev.Node.NodeID)
	})

	srv := gatewayserver.New(listenerCfg, sender, reg, mon, deleg, log)

	// ── Step 6: Wire-protocol listener ───────────────────────────────────
	go func() {
		if err := srv.ListenAndServe(ctx); err != nil {
			log.Error("gateway listener error", zap.Error(err))
		}
	}()

	// ── Step 7: Sweeps ────────────────────────────────────────────────────
	mon.Start()
	deleg.StartSweep()
	log.Info("health monitor and delegation sweep started")

	// ── Step 8: gRPC health service ───────────────────────────────────────
	grpcHealth := health.NewServer()
	grpcHealth.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	grpcSrv := grpc.NewServer()
	healthpb.RegisterHealthServer(grpcSrv, grpcHealth)
	lis, err := net.Listen("tcp", *grpcHealthAddr)
	if err != nil {
		log.Fatal("grpc health listener failed", zap.Error(err))
	}
	go func() {
		if err := grpcSrv.Serve(lis); err != nil {
			log.Error("grpc health server error", zap.Error(err))
		}
	}()
	log.Info("grpc health service started", zap.String("addr", *grpcHealthAddr))

	// ── Step 9: Config hot-reload (SIGHUP and file watch) ────────────────
	applyReload := func(newCfg *config.Config) {
		// Destructive fields (listener.addr, store.db_path) require a
		// restart; only timeouts/caps/log level are safe to hot-swap,
		// and this gateway does not yet wire them back into the live
		// Delegation Manager, Health Monitor, or logger atomically.
		log.Info("config hot-reload parsed successfully; restart required to apply",
			zap.Int("max_active_delegations", newCfg.Delegation.MaxActiveDelegations))
	}

	sighup := make(chan os.Signal, 1)
	signal.Notify(sighup, syscall.SIGHUP)
	go func() {
		for range sighup {
			log.Info("SIGHUP received — reloading config...")
			newCfg, err := config.Load(*configPath)
			if err != nil {
				log.Error("config hot-reload failed — retaining old config", zap.Error(err))
				continue
			}
			applyReload(newCfg)
		}
	}()

	cfgChanges, cfgWatchErrs := config.Watch(ctx, *configPath)
	go func() {
		for {
			select {
			case newCfg, ok := <-cfgChanges:
				if !ok {
					return
				}
				log.Info("config file change detected — reloading config...")
				applyReload(newCfg)
			case err, ok := <-cfgWatchErrs:
				if !ok {
					continue
				}
				log.Warn("config hot-reload failed — retaining old config", zap.Error(err))
			}
		}
	}()

	// ── Step 10: Wait for shutdown signal ─────────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutdown signal received", zap.String("signal", sig.String()))

	cancel()
	grpcSrv.GracefulStop()
	deleg.Dispose()
	mon.Stop()

	shutdownTimer := time.NewTimer(5 * time.Second)
	defer shutdownTimer.Stop()
	<-shutdownTimer.C

	log.Info("templar-gateway shutdown complete")
}

// buildLogger constructs a zap.Logger with the given level and format.
func buildLogger(level, format string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var cfg zap.Config
	if format == "console" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)

	return cfg.Build()
}
