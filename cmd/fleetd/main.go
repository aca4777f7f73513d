package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dd0wney/cluso-fleet/pkg/api"
	"github.com/dd0wney/cluso-fleet/pkg/archive"
	"github.com/dd0wney/cluso-fleet/pkg/auth"
	"github.com/dd0wney/cluso-fleet/pkg/cluster"
	"github.com/dd0wney/cluso-fleet/pkg/config"
	"github.com/dd0wney/cluso-fleet/pkg/connection"
	"github.com/dd0wney/cluso-fleet/pkg/extension"
	"github.com/dd0wney/cluso-fleet/pkg/health"
	"github.com/dd0wney/cluso-fleet/pkg/hostmgr"
	"github.com/dd0wney/cluso-fleet/pkg/hypervisor"
	"github.com/dd0wney/cluso-fleet/pkg/liveness"
	"github.com/dd0wney/cluso-fleet/pkg/logging"
	"github.com/dd0wney/cluso-fleet/pkg/metrics"
	"github.com/dd0wney/cluso-fleet/pkg/model"
	"github.com/dd0wney/cluso-fleet/pkg/parallel"
	"github.com/dd0wney/cluso-fleet/pkg/pubsub"
	"github.com/dd0wney/cluso-fleet/pkg/server"
	"github.com/dd0wney/cluso-fleet/pkg/storage"
	"github.com/dd0wney/cluso-fleet/pkg/transport"
)

const (
	responderWorkers    = 16
	storePingTimeout    = 2 * time.Second
	serializerQueueWarn = 10000
	systemMetricsPeriod = 10 * time.Second
)

func main() {
	configPath := flag.String("config", "", "Path to YAML configuration (FLEET_* variables override it)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fleetd: %v\n", err)
		os.Exit(1)
	}

	logger, closer, err := logging.New(cfg.Logging.Output, cfg.Logging.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fleetd: %v\n", err)
		os.Exit(1)
	}
	defer closer.Close()
	logger = logger.With(logging.NodeID(cfg.Node.ID))
	logging.SetDefaultLogger(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *configPath, logger); err != nil {
		logger.Error("fleetd stopped", logging.Error(err))
		closer.Close()
		os.Exit(1)
	}
	logger.Info("fleetd exited")
}

func run(ctx context.Context, cfg *config.Config, configPath string, logger logging.Logger) error {
	started := time.Now()
	reg := metrics.NewRegistry()

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	bus := pubsub.NewPubSub()
	defer bus.Shutdown()

	clusterCfg := cluster.ClusterConfig{
		NodeID:               cfg.Node.ID,
		NodeAddr:             cfg.Node.Addr,
		Peers:                cfg.Node.Peers,
		HeartbeatInterval:    cfg.Node.HeartbeatInterval,
		NodeTimeout:          cfg.Node.NodeTimeout,
		ReconnectAllOnBoot:   cfg.Reconnect.AllOnBoot,
		ReconnectParallelism: cfg.Reconnect.Parallelism,
		PageSize:             cfg.Reconnect.PageSize,
	}
	if err := clusterCfg.Validate(); err != nil {
		return err
	}
	membership := cluster.NewClusterMembership(cfg.Node.ID, cfg.Node.Addr, bus, reg)

	transportCfg := transport.Config{
		RequestTimeout:    cfg.Transport.RequestTimeout,
		DialTimeout:       cfg.Transport.DialTimeout,
		CompressThreshold: cfg.Transport.CompressThreshold,
		DefaultPort:       cfg.Transport.AgentPort,
	}
	client := transport.NewMangosTransport(transportCfg, logger)
	defer client.Close()

	table, err := buildHypervisors(cfg.Hypervisors)
	if err != nil {
		return err
	}
	extensions, err := buildExtensions(ctx, cfg.Archive, logger)
	if err != nil {
		return err
	}

	deps := hostmgr.Deps{
		Store:      store,
		Table:      table,
		Extensions: extensions,
		Transport:  client,
		Serializer: parallel.NewSerializer(logger, reg),
		Bus:        bus,
		Metrics:    reg,
		Logger:     logger,
	}
	if cfg.Auth.Secret != "" {
		tokens, err := auth.NewTokenManager(cfg.Auth.Secret, cfg.Auth.TokenTTL, cfg.Auth.Issuer)
		if err != nil {
			return err
		}
		deps.Tokens = tokens
	} else {
		logger.Warn("auth.secret is empty; connect requests are unsigned")
	}

	machine := connection.NewMachine(store, bus, reg, logger)
	tracker := liveness.NewTracker(cfg.Liveness.PingTimeout, machine, reg, logger)
	deps.Machine = machine
	deps.Liveness = tracker

	manager, err := hostmgr.NewManager(hostmgr.Config{
		NodeID:         cfg.Node.ID,
		NodeAddr:       cfg.Node.Addr,
		AdmissionLimit: cfg.Admission.Limit(),
	}, deps)
	if err != nil {
		return err
	}

	heartbeater := cluster.NewHeartbeater(clusterCfg, membership, client, logger)
	coordinator := cluster.NewCoordinator(clusterCfg, membership, store, manager, tracker, reg, logger)

	responder := transport.NewResponder(transportCfg, responderWorkers, logger)
	responder.HandleHeartbeat(heartbeater.HandleHeartbeat)
	responder.HandleMessage(manager.HandleMessage)
	if err := responder.Listen(transport.URL(cfg.Node.Addr, cfg.Transport.AgentPort)); err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Node.Addr, err)
	}

	overrides, err := buildOverrides(cfg, logger)
	if err != nil {
		return err
	}

	var ready atomic.Bool
	checker := health.NewHealthChecker()
	checker.RegisterCheck("store", health.StoreCheck(store.Ping, storePingTimeout))
	checker.RegisterCheck("membership", health.MembershipCheck(func() int {
		return len(membership.LiveNodeIDs())
	}, len(cfg.Node.Peers)))
	checker.RegisterCheck("serializer", health.BacklogCheck(deps.Serializer.Len, serializerQueueWarn))
	checker.RegisterReadinessCheck("startup", health.StartupCheck(ready.Load))

	apiOpts := api.Options{
		Hosts:     manager,
		Overrides: overrides,
		Health:    checker,
		Links:     store,
		Bus:       bus,
		Logger:    logger,
	}
	if cfg.Metrics.Enabled {
		apiOpts.Metrics = reg
	}
	httpServer := server.NewGracefulServer(cfg.HTTP.Listen, api.NewServer(apiOpts).Handler(), logger)
	httpServer.SetConfigReloadFunc(func() error {
		fresh, err := config.Load(configPath)
		if err != nil {
			return err
		}
		logger.SetLevel(logging.ParseLevel(fresh.Logging.Level))
		return overrides.Replace(fresh.Overrides)
	})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return responder.Serve(ctx) })
	g.Go(func() error { return httpServer.Run(ctx) })
	g.Go(func() error { return machine.Run(ctx) })
	g.Go(func() error { return ignoreCancel(manager.Run(ctx)) })
	g.Go(func() error {
		tracker.Run(ctx, cfg.Liveness.CheckInterval)
		return nil
	})
	g.Go(func() error {
		heartbeater.Run(ctx)
		return nil
	})
	g.Go(func() error {
		ticker := time.NewTicker(systemMetricsPeriod)
		defer ticker.Stop()
		for {
			reg.UpdateSystemMetrics(started)
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
		}
	})
	g.Go(func() error {
		return ignoreCancel(coordinator.Run(ctx, bus, cluster.RunHooks{
			// One heartbeat round so the startup sweep sees the peers that are already up
			BeforeStartup: heartbeater.Tick,
			Ready: func(result cluster.SweepResult) {
				ready.Store(true)
				logger.Info("management node ready",
					logging.Int("attempted", result.Attempted),
					logging.Int("failed", result.Failed),
					logging.Duration("sweep", result.Duration))
			},
		}))
	})

	logger.Info("fleetd started",
		logging.Address(cfg.Node.Addr),
		logging.String("http", cfg.HTTP.Listen),
		logging.String("store", cfg.Store.Driver),
		logging.Any("extensions", extensions.Names()))
	return g.Wait()
}

func openStore(ctx context.Context, cfg *config.Config, logger logging.Logger) (storage.Store, error) {
	var store storage.Store
	switch cfg.Store.Driver {
	case "postgres":
		pg, err := storage.NewPGStore(ctx, cfg.Store.DSN, cfg.Store.MaxConns)
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		store = pg
	default:
		store = storage.NewMemoryStore()
	}

	for _, seed := range cfg.Clusters {
		c := &model.Cluster{ID: seed.ID, ZoneID: seed.ZoneID, HypervisorType: model.HypervisorType(seed.HypervisorType)}
		if err := store.PutCluster(ctx, c); err != nil {
			store.Close()
			return nil, fmt.Errorf("seed cluster %s: %w", seed.ID, err)
		}
	}
	logger.Info("store opened", logging.String("driver", cfg.Store.Driver), logging.Count(len(cfg.Clusters)))
	return store, nil
}

func buildHypervisors(types []string) (*hypervisor.Table, error) {
	caps := make([]hypervisor.Capability, 0, len(types))
	for _, t := range types {
		caps = append(caps, hypervisor.NewGeneric(model.HypervisorType(t), nil))
	}
	return hypervisor.Build(caps...)
}

func buildExtensions(ctx context.Context, cfg config.ArchiveConfig, logger logging.Logger) (*extension.Dispatcher, error) {
	b := extension.NewBuilder()
	if cfg.Enabled {
		client, err := archive.NewS3Client(ctx, archive.Options{
			Region:    cfg.Region,
			Endpoint:  cfg.Endpoint,
			AccessKey: cfg.AccessKey,
			SecretKey: cfg.SecretKey,
		})
		if err != nil {
			return nil, err
		}
		b.Register(archive.New(client, cfg.Bucket, cfg.Prefix, logger))
	}
	return b.Build(logger)
}

// buildOverrides loads the configured overrides and logs the effective ratios of
// every affected cluster whenever one changes.
func buildOverrides(cfg *config.Config, logger logging.Logger) (*config.OverrideRegistry, error) {
	overrides := config.NewOverrideRegistry(config.DefaultRatios())
	if err := overrides.Replace(cfg.Overrides); err != nil {
		return nil, err
	}

	overrides.Subscribe(func(c config.Change) {
		for _, seed := range cfg.Clusters {
			switch c.Override.Scope {
			case config.ScopeZone:
				if seed.ZoneID != c.Override.ScopeID {
					continue
				}
			case config.ScopeCluster:
				if seed.ID != c.Override.ScopeID {
					continue
				}
			}
			logger.Info("capacity ratio recalculated",
				logging.ClusterID(seed.ID),
				logging.String("ratio", c.Override.Name),
				logging.Int("effective_percent", overrides.Effective(c.Override.Name, seed.ZoneID, seed.ID)))
		}
	})
	return overrides, nil
}

func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
