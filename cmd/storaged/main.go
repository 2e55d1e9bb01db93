package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ruteri/tiered-content-storage/agents"
	"github.com/ruteri/tiered-content-storage/cache"
	"github.com/ruteri/tiered-content-storage/cmd/flags"
	"github.com/ruteri/tiered-content-storage/common"
	"github.com/ruteri/tiered-content-storage/config"
	"github.com/ruteri/tiered-content-storage/httpserver"
	"github.com/ruteri/tiered-content-storage/interfaces"
	"github.com/ruteri/tiered-content-storage/lifecycle"
	"github.com/ruteri/tiered-content-storage/metastore"
	"github.com/ruteri/tiered-content-storage/metrics"
	"github.com/ruteri/tiered-content-storage/routing"
	"github.com/ruteri/tiered-content-storage/service"
	"github.com/ruteri/tiered-content-storage/storage"
	"github.com/urfave/cli/v2"
)

const metadataGCInterval = 10 * time.Minute

func main() {
	var appFlags []cli.Flag
	appFlags = append(appFlags, flags.CommonFlags...)
	appFlags = append(appFlags, flags.ServerFlags...)
	appFlags = append(appFlags, flags.StorageFlags...)
	appFlags = append(appFlags, flags.MigrationFlags...)
	appFlags = append(appFlags, flags.EngineFlags...)

	app := &cli.App{
		Name:   "storaged",
		Usage:  "Serve tiered content-addressed storage",
		Flags:  appFlags,
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx)

	cfg, err := flags.LoadConfig(cCtx)
	if err != nil {
		logger.Error("Failed to load configuration", "err", err)
		return err
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("Invalid configuration", "err", err)
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srvCfg := flags.ConfigureServer(cCtx, logger)
	metricsSrv, err := metrics.New(common.PackageName, srvCfg.MetricsAddr)
	if err != nil {
		logger.Error("Failed to create metrics", "err", err)
		return err
	}
	srvCfg.Metrics = metricsSrv
	m := metricsSrv.Storage()

	if cfg.Storage.MetadataDir == "" {
		logger.Warn("No metadata directory configured, the index is kept in memory")
	}
	store, err := metastore.Open(metastore.Options{Dir: cfg.Storage.MetadataDir, Log: logger.With("component", "metastore")})
	if err != nil {
		logger.Error("Failed to open metadata store", "err", err)
		return err
	}
	defer store.Close()
	go store.RunGC(ctx, metadataGCInterval)

	factory := storage.NewFactory(cfg.Storage, logger)
	primary, err := factory.Primary()
	if err != nil {
		logger.Error("Failed to create storage driver", "backend", cfg.Storage.Backend, "err", err)
		return err
	}
	driver := metrics.InstrumentDriver(primary, m)

	if err := resolveReplicaTargets(factory, cfg); err != nil {
		logger.Error("Invalid replica target", "err", err)
		return err
	}
	locations, err := factory.LocationBackends(cfg.Agents.FetchTimeout)
	if err != nil {
		logger.Error("Failed to create location backends", "err", err)
		return err
	}

	var contentCache *cache.Cache
	if cfg.Cache.MaxMemoryMB > 0 {
		contentCache, err = cache.New(cfg.Cache, store, logger.With("component", "cache"), m)
		if err != nil {
			logger.Error("Failed to create cache", "err", err)
			return err
		}
		defer contentCache.Close()
		go contentCache.Run(ctx)
	}

	manager := lifecycle.NewManager(driver, store, cfg.Lifecycle, logger.With("component", "lifecycle"), m)
	go func() {
		if err := manager.Run(ctx); err != nil {
			logger.Error("Lifecycle manager stopped", "err", err)
		}
	}()

	agentLog := logger.With("component", "agents")
	coordinator := agents.NewCoordinator(store, locations, cfg.Agents, agentLog, m)
	if err := coordinator.Start(ctx); err != nil {
		logger.Error("Failed to start agents", "err", err)
		return err
	}

	svc := service.New(cfg, service.Components{
		Driver:    driver,
		Store:     store,
		Locations: locations,
		Router:    routing.New(store, store, cfg.Routing, logger.With("component", "router"), m),
		Cache:     contentCache,
		Lifecycle: manager,
		Drivers:   factory,
		Verifier:  agents.NewVerificationAgent(store, locations, cfg.Agents, agentLog, m),
		Metrics:   m,
		Log:       logger.With("component", "service"),
	})

	server, err := httpserver.New(srvCfg,
		httpserver.NewHandler(svc, cfg.Storage.MaxRangeBytes, logger),
		httpserver.NewAdminHandler(svc, cfg.Storage.AdminAPIKey, logger))
	if err != nil {
		logger.Error("Failed to create server", "err", err)
		return err
	}

	logger.Info("Starting storage server",
		slog.String("backend", cfg.Storage.Backend),
		slog.String("default_tier", string(cfg.Storage.DefaultTier)),
		slog.Int("replica_targets", len(cfg.Storage.ReplicaTargets)),
		slog.Bool("cache", contentCache != nil),
		slog.Bool("lifecycle", cfg.Lifecycle.Enabled))
	server.RunInBackground()

	<-ctx.Done()
	logger.Info("Shutdown signal received")

	server.Shutdown()
	if err := coordinator.Stop(); err != nil {
		logger.Error("Agents stopped with error", "err", err)
	}
	logger.Info("Server shutdown complete")
	return nil
}

// resolveReplicaTargets fills in the URL of driver-backed replica targets
// given only by type and tier.
func resolveReplicaTargets(factory *storage.Factory, cfg *config.Config) error {
	for i, target := range cfg.Storage.ReplicaTargets {
		if target.URL != "" {
			continue
		}
		var backend string
		switch target.Type {
		case interfaces.LocationLocal:
			backend = config.BackendFS
		case interfaces.LocationS3:
			backend = config.BackendS3
		default:
			continue
		}
		d, err := factory.Driver(backend)
		if err != nil {
			return fmt.Errorf("replica target %s: %w", target.Type, err)
		}
		tier := target.Tier
		if !tier.Valid() {
			tier = cfg.Storage.DefaultTier
		}
		cfg.Storage.ReplicaTargets[i] = d.Location(tier)
	}
	return nil
}
