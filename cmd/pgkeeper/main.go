// Package main — cmd/pgkeeper/main.go
//
// pgkeeper supervisor entrypoint.
//
// Startup sequence:
//  1. Load and validate config from /etc/pgkeeper/config.yaml.
//  2. Initialise structured logger (zap, JSON or console format per config).
//  3. Open BoltDB storage.
//  4. Prune stale ledger entries.
//  5. Start Prometheus metrics server (127.0.0.1:9091).
//  6. Connect to the database and the configured DCS backend.
//  7. Start the peer-health poller.
//  8. Start the leader-lease acquisition loop.
//  9. Build observer, rate limiter, executor, HA loop.
//  10. Start the HA loop and the control-plane API server.
//  11. Register SIGHUP handler for config hot-reload.
//  12. Block on SIGINT/SIGTERM for graceful shutdown.
//
// Shutdown sequence (on SIGINT/SIGTERM):
//  1. Cancel root context (propagates to all goroutines).
//  2. Release the leader lease, if held, so another supervisor can take
//     over without waiting out the full TTL.
//  3. Wait up to ShutdownDrainTimeout for in-flight work to finish.
//  4. Close the database connection, the DCS client, and BoltDB.
//  5. Flush logger.
//  6. Exit 0.
//
// On config validation failure: exit 1 immediately.
package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	consulapi "github.com/hashicorp/consul/api"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/pgkeeper/pgkeeper/internal/config"
	"github.com/pgkeeper/pgkeeper/internal/controlapi"
	"github.com/pgkeeper/pgkeeper/internal/database"
	"github.com/pgkeeper/pgkeeper/internal/dcs"
	"github.com/pgkeeper/pgkeeper/internal/executor"
	"github.com/pgkeeper/pgkeeper/internal/haloop"
	"github.com/pgkeeper/pgkeeper/internal/member"
	"github.com/pgkeeper/pgkeeper/internal/observability"
	"github.com/pgkeeper/pgkeeper/internal/observer"
	"github.com/pgkeeper/pgkeeper/internal/ratelimit"
	"github.com/pgkeeper/pgkeeper/internal/storage"
)

// lagThreshold bounds the replay lag past which a streaming peer is
// downgraded to Lagging. Not yet exposed as a config knob.
const lagThreshold = 10 * time.Second

func main() {
	// ── Flags ─────────────────────────────────────────────────────────────────
	configPath := flag.String("config", "/etc/pgkeeper/config.yaml", "Path to config.yaml")
	printVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *printVersion {
		fmt.Printf("pgkeeper %s (commit=%s built=%s)\n",
			config.Version, config.GitCommit, config.BuildTime)
		os.Exit(0)
	}

	// ── Step 1: Load config ───────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: config load failed: %v\n", err)
		os.Exit(1)
	}

	// ── Step 2: Initialise logger ─────────────────────────────────────────────
	atomicLevel := zap.NewAtomicLevel()
	log, err := buildLogger(atomicLevel, cfg.Observability.LogLevel, cfg.Observability.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	log.Info("pgkeeper starting",
		zap.String("version", config.Version),
		zap.String("commit", config.GitCommit),
		zap.String("built", config.BuildTime),
		zap.String("node_id", cfg.NodeID),
		zap.String("cluster", cfg.ClusterName),
		zap.String("config", *configPath),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Step 3: Open BoltDB ───────────────────────────────────────────────────
	ledger, err := storage.Open(cfg.Storage.DBPath, cfg.Storage.RetentionDays)
	if err != nil {
		log.Fatal("BoltDB open failed", zap.Error(err), zap.String("path", cfg.Storage.DBPath))
	}
	defer ledger.Close() //nolint:errcheck
	log.Info("BoltDB opened", zap.String("path", cfg.Storage.DBPath))

	// ── Step 4: Prune stale ledger entries ────────────────────────────────────
	pruned, err := ledger.PruneOldLedgerEntries()
	if err != nil {
		log.Warn("ledger pruning failed", zap.Error(err))
	} else {
		log.Info("ledger pruned", zap.Int("deleted", pruned))
	}

	// ── Step 5: Prometheus metrics ─────────────────────────────────────────────
	metrics := observability.NewMetrics()
	go func() {
		if err := metrics.ServeMetrics(ctx, cfg.Observability.MetricsAddr); err != nil {
			log.Error("metrics server error", zap.Error(err))
		}
	}()
	log.Info("metrics server started", zap.String("addr", cfg.Observability.MetricsAddr))

	// ── Step 6: Connect to PostgreSQL and the DCS backend ─────────────────────
	pg, err := database.Open(cfg.Database.DSN, cfg.Database.ConnectTimeout,
		cfg.Database.ReloadPollInterval, cfg.Database.ReloadPollTimeout)
	if err != nil {
		log.Fatal("database connection failed", zap.Error(err))
	}
	defer pg.Close() //nolint:errcheck
	log.Info("database connected")

	dcsClient, err := buildDCSClient(cfg.DCS)
	if err != nil {
		log.Fatal("DCS client construction failed", zap.Error(err))
	}
	defer dcsClient.Close() //nolint:errcheck
	log.Info("DCS client constructed", zap.String("backend", cfg.DCS.Backend))

	// currentLease is read by the HA loop on every tick to decide whether
	// this supervisor may write. Updated only by the lease-acquisition
	// goroutine below.
	var currentLease atomic.Pointer[dcs.Lease]
	leaseFunc := func() dcs.Lease {
		p := currentLease.Load()
		if p == nil {
			return nil
		}
		return *p
	}

	// ── Step 7: Peer-health poller ─────────────────────────────────────────────
	registry := member.NewRegistry()
	poller := member.NewPoller(pg, dcsClient, registry, lagThreshold)

	go runPoller(ctx, poller, cfg.HALoop.TickPeriod, log)

	// ── Step 8: Leader-lease acquisition loop ─────────────────────────────────
	go runLeaseAcquisition(ctx, dcsClient, cfg.DCS.LeaseTTL, &currentLease, metrics, log)

	// ── Step 9: Build observer, rate limiter, executor, HA loop ───────────────
	store := dcs.NewSyncStore(dcsClient, cfg.NodeID, leaseFunc)
	obs := observer.New(pg, store, registry, cfg.Resolver.SyncWanted, log)
	limiter := ratelimit.New(cfg.RateLimit.Capacity, cfg.RateLimit.RefillPeriod)
	defer limiter.Close()
	exec := executor.New(pg, store, limiter, ledger, metrics, log)

	loop := haloop.New(obs, exec, leaseFunc, metrics, log, cfg.HALoop.TickPeriod)

	// ── Step 10: Start the HA loop and the control-plane API ─────────────────
	loopDone := make(chan struct{})
	go func() {
		loop.Run(ctx)
		close(loopDone)
	}()
	log.Info("HA loop started", zap.Duration("tick_period", cfg.HALoop.TickPeriod))

	if cfg.ControlAPI.Enabled {
		api := controlapi.NewServer(cfg.ControlAPI.SocketPath, loop, obs, ledger,
			func() bool { return leaseFunc() != nil }, log)
		go func() {
			if err := api.ListenAndServe(ctx); err != nil {
				log.Error("control API server error", zap.Error(err))
			}
		}()
		log.Info("control API listening", zap.String("socket", cfg.ControlAPI.SocketPath))
	} else {
		log.Info("control API disabled")
	}

	// ── Step 11: SIGHUP hot-reload ─────────────────────────────────────────────
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
			applyHotReload(newCfg, obs, atomicLevel, log)
		}
	}()

	// ── Step 12: Wait for shutdown signal ─────────────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutdown signal received", zap.String("signal", sig.String()))

	cancel()

	if lease := leaseFunc(); lease != nil {
		releaseCtx, releaseCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := lease.Release(releaseCtx); err != nil {
			log.Warn("failed to release leader lease on shutdown", zap.Error(err))
		}
		releaseCancel()
	}

	shutdownTimer := time.NewTimer(cfg.HALoop.ShutdownDrainTimeout)
	defer shutdownTimer.Stop()
	select {
	case <-loopDone:
	case <-shutdownTimer.C:
	}

	log.Info("pgkeeper shutdown complete")
}

// applyHotReload pushes the non-destructive fields of newCfg into the
// running supervisor (config.go: "Apply non-destructive changes only").
// Destructive fields (DCS endpoints, database DSN, control socket path)
// require a restart and are intentionally not read here.
func applyHotReload(newCfg *config.Config, obs *observer.Observer, level zap.AtomicLevel, log *zap.Logger) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(newCfg.Observability.LogLevel)); err == nil {
		level.SetLevel(zapLevel)
	}
	obs.SetSyncWanted(newCfg.Resolver.SyncWanted)
	log.Info("config hot-reload applied",
		zap.Int("synchronous_node_count", newCfg.Resolver.SyncWanted),
		zap.String("log_level", newCfg.Observability.LogLevel))
}

// runPoller refreshes the peer registry on the same cadence as the HA
// loop tick, independent of haloop so a restarted DCS watch or a slow
// database reconnect never blocks the resolver's read path.
func runPoller(ctx context.Context, poller *member.Poller, period time.Duration, log *zap.Logger) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := poller.Poll(ctx); err != nil {
				log.Warn("peer health poll failed", zap.Error(err))
			}
		}
	}
}

// runLeaseAcquisition blocks trying to acquire the DCS leader lease,
// publishes it to currentLease once held, and re-acquires automatically
// if the lease is lost — e.g. after a network partition healed.
func runLeaseAcquisition(ctx context.Context, client dcs.Client, ttl time.Duration, currentLease *atomic.Pointer[dcs.Lease], metrics *observability.Metrics, log *zap.Logger) {
	for {
		if ctx.Err() != nil {
			return
		}
		lease, err := client.AcquireLease(ctx, ttl)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn("leader lease acquisition failed, retrying", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		currentLease.Store(&lease)
		metrics.LeaderHeld.Set(1)
		log.Info("acquired leader lease", zap.Int64("token", lease.Token()))

		select {
		case <-ctx.Done():
			return
		case <-lease.Lost():
			currentLease.Store(nil)
			metrics.LeaderHeld.Set(0)
			log.Warn("leader lease lost, re-acquiring")
		}
	}
}

// buildDCSClient constructs the configured DCS backend.
func buildDCSClient(cfg config.DCSConfig) (dcs.Client, error) {
	switch cfg.Backend {
	case "etcd":
		etcdCfg := clientv3.Config{
			Endpoints:   cfg.Etcd.Endpoints,
			DialTimeout: cfg.Etcd.DialTimeout,
			Username:    cfg.Etcd.Username,
			Password:    cfg.Etcd.Password,
		}
		if cfg.Etcd.TLSCertFile != "" {
			tlsConfig, err := buildTLSConfig(cfg.Etcd.TLSCertFile, cfg.Etcd.TLSKeyFile, cfg.Etcd.TLSCAFile)
			if err != nil {
				return nil, fmt.Errorf("build etcd TLS config: %w", err)
			}
			etcdCfg.TLS = tlsConfig
		}
		return dcs.NewEtcdClient(etcdCfg, cfg.KeyPrefix)

	case "consul":
		consulCfg := consulapi.DefaultConfig()
		consulCfg.Address = cfg.Consul.Address
		consulCfg.Token = cfg.Consul.Token
		if cfg.Consul.Scheme != "" {
			consulCfg.Scheme = cfg.Consul.Scheme
		}
		if cfg.Consul.TLSCertFile != "" {
			consulCfg.TLSConfig = consulapi.TLSConfig{
				CertFile: cfg.Consul.TLSCertFile,
				KeyFile:  cfg.Consul.TLSKeyFile,
				CAFile:   cfg.Consul.TLSCAFile,
			}
		}
		cli, err := consulapi.NewClient(consulCfg)
		if err != nil {
			return nil, fmt.Errorf("build consul client: %w", err)
		}
		return dcs.NewConsulClient(cli, cfg.KeyPrefix), nil

	default:
		return nil, fmt.Errorf("unknown dcs backend %q", cfg.Backend)
	}
}

func buildTLSConfig(certFile, keyFile, caFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("load TLS keypair: %w", err)
	}
	tlsConfig := &tls.Config{Certificates: []tls.Certificate{cert}}

	if caFile != "" {
		caData, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caData) {
			return nil, fmt.Errorf("no certificates parsed from %q", caFile)
		}
		tlsConfig.RootCAs = pool
	}
	return tlsConfig, nil
}

// buildLogger constructs a zap.Logger with a mutable level, so SIGHUP can
// change verbosity without restarting the supervisor.
func buildLogger(level zap.AtomicLevel, levelName, format string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(levelName)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", levelName, err)
	}
	level.SetLevel(zapLevel)

	var cfg zap.Config
	if format == "console" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = level

	return cfg.Build()
}
