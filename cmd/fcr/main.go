// FCR service — runs commands against a fleet of network devices over
// interactive SSH and NETCONF sessions.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/marcus-qen/fcr/internal/config"
	"github.com/marcus-qen/fcr/internal/counters"
	"github.com/marcus-qen/fcr/internal/dispatch"
	"github.com/marcus-qen/fcr/internal/fcrclient"
	"github.com/marcus-qen/fcr/internal/inventory"
	"github.com/marcus-qen/fcr/internal/resolver"
	"github.com/marcus-qen/fcr/internal/server"
	"github.com/marcus-qen/fcr/internal/session"
	"github.com/marcus-qen/fcr/internal/telemetry"
	"github.com/marcus-qen/fcr/internal/transport"
	"github.com/marcus-qen/fcr/internal/vendors"
)

var (
	version = "dev"
	commit  = "none"
)

func newLogger(level string) (*zap.Logger, error) {
	zapCfg := zap.NewProductionConfig()
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	zapCfg.Level = zap.NewAtomicLevelAt(lvl)
	return zapCfg.Build()
}

func main() {
	configPath := flag.String("config", os.Getenv("FCR_CONFIG"), "path to config file")
	flag.Parse()

	bootLogger, _ := zap.NewProduction()

	cfg, err := config.Load(*configPath)
	if err != nil {
		bootLogger.Fatal("failed to load config", zap.Error(err))
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		bootLogger.Fatal("failed to build logger", zap.Error(err))
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTracing, err := telemetry.InitTraceProvider(ctx, cfg.OTLPEndpoint, version)
	if err != nil {
		logger.Fatal("failed to init tracing", zap.Error(err))
	}

	ctr := counters.New()

	vendorRegistry, err := vendors.NewRegistry(cfg.VendorConfig)
	if err != nil {
		logger.Fatal("failed to load vendor profiles", zap.Error(err))
	}
	logger.Info("vendor profiles loaded", zap.Strings("vendors", vendorRegistry.Names()))

	fetcher, closeFetcher, err := buildFetcher(cfg)
	if err != nil {
		logger.Fatal("failed to configure inventory backend", zap.Error(err))
	}
	defer closeFetcher()

	var cache *inventory.Cache
	if cfg.DataDir != "" {
		if err := os.MkdirAll(cfg.DataDir, 0750); err != nil {
			logger.Warn("cannot create data dir, inventory cache disabled",
				zap.String("dir", cfg.DataDir), zap.Error(err))
		} else if cache, err = inventory.NewCache(filepath.Join(cfg.DataDir, "inventory.db")); err != nil {
			logger.Warn("cannot open inventory cache", zap.Error(err))
			cache = nil
		} else {
			defer cache.Close()
		}
	}

	store, err := inventory.NewStore(fetcher, inventory.Options{
		NameFilter:      cfg.DeviceNameFilter,
		MaxFetchWorkers: cfg.MaxFetchWorkers,
		Cache:           cache,
	}, logger.Named("inventory"))
	if err != nil {
		logger.Fatal("failed to build inventory store", zap.Error(err))
	}

	go func() {
		if err := store.Refresh(ctx); err != nil {
			logger.Warn("initial inventory refresh failed", zap.Error(err))
		}
	}()

	registry := session.NewRegistry(ctr, logger.Named("registry"))

	// Periodic work: inventory refresh and idle-session sweep.
	sched := cron.New()
	refreshEvery := time.Duration(cfg.DeviceDBUpdateIntervalSec) * time.Second
	_, err = sched.AddFunc("@every "+refreshEvery.String(), func() {
		_ = store.Refresh(ctx)
	})
	if err != nil {
		logger.Fatal("failed to schedule inventory refresh", zap.Error(err))
	}
	sweepEvery := time.Duration(cfg.IdleSweepIntervalSec) * time.Second
	_, err = sched.AddFunc("@every "+sweepEvery.String(), func() {
		if n := registry.Sweep(); n > 0 {
			logger.Info("idle sweep evicted sessions", zap.Int("count", n))
		}
	})
	if err != nil {
		logger.Fatal("failed to schedule idle sweep", zap.Error(err))
	}
	sched.Start()
	defer sched.Stop()

	res := resolver.New(store, vendorRegistry, ctr, logger.Named("resolver"))

	peers := make([]dispatch.PeerClient, 0, len(cfg.Peers))
	for _, peerURL := range cfg.Peers {
		peers = append(peers, fcrclient.New(peerURL, 0))
	}

	transportLogger := logger.Named("transport")
	dial := func(ctx context.Context, tc transport.Config) (transport.Transport, error) {
		return transport.Dial(ctx, tc, transportLogger)
	}

	dispatcher := dispatch.New(res, registry, dial, peers, dispatch.Options{
		LBThreshold:        cfg.LBThreshold,
		RemoteCallOverhead: time.Duration(cfg.RemoteCallOverhead) * time.Second,
		BulkSessionLimit:   cfg.BulkSessionLimit,
		BulkRetryLimit:     cfg.BulkRetryLimit,
		BulkRunJitter:      time.Duration(cfg.BulkRunJitterSec) * time.Second,
		BulkRetryDelayMin:  time.Duration(cfg.BulkRetryDelayMinSec) * time.Second,
		BulkRetryDelayMax:  time.Duration(cfg.BulkRetryDelayMaxSec) * time.Second,
	}, ctr, logger.Named("dispatch"))

	api := server.New(dispatcher, ctr, logger.Named("api"), version)

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      api.Handler(),
		ReadTimeout:  time.Minute,
		WriteTimeout: 30 * time.Minute, // bulk calls hold the response open
		IdleTimeout:  2 * time.Minute,
	}

	logger.Info("starting command runner",
		zap.String("addr", cfg.ListenAddr),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.Int("peers", len(peers)),
		zap.Bool("inventory_cached", cache != nil))

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down...")

	exitMaxWait := time.Duration(cfg.ExitMaxWaitSec) * time.Second
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), exitMaxWait+10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown error", zap.Error(err))
	}

	registry.Shutdown(shutdownCtx, exitMaxWait)

	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}
}

// buildFetcher picks the inventory backend from config: YAML file, SQL
// database, or an empty static set when devices come fully specified in
// requests.
func buildFetcher(cfg config.Config) (inventory.Fetcher, func(), error) {
	noop := func() {}
	switch {
	case cfg.DeviceFile != "":
		return &inventory.FileFetcher{Path: cfg.DeviceFile}, noop, nil
	case cfg.DeviceDBDSN != "":
		driver := cfg.DeviceDBDriver
		if driver == "" {
			driver = "mysql"
		}
		f, err := inventory.NewSQLFetcher(driver, cfg.DeviceDBDSN)
		if err != nil {
			return nil, noop, err
		}
		return f, func() { _ = f.Close() }, nil
	default:
		return &inventory.StaticFetcher{}, noop, nil
	}
}
