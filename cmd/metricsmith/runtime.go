package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"metricsmith/internal/cache"
	"metricsmith/internal/config"
	"metricsmith/internal/coordinator"
	"metricsmith/internal/deploy"
	"metricsmith/internal/history"
	"metricsmith/internal/interp"
	"metricsmith/internal/llm"
	"metricsmith/internal/logging"
	"metricsmith/internal/registry"
	"metricsmith/internal/synth"
	"metricsmith/internal/tracker"
)

// runtime holds the wired components shared by the serve and query commands.
type runtime struct {
	cfg     *config.Config
	tracker *tracker.Client
	reg     *registry.Registry
	manager *deploy.Manager
	cache   *cache.Cache
	history *history.Store
	coord   *coordinator.Coordinator
}

// buildRuntime loads configuration and wires the full resolution pipeline:
// tracker client, interpreter, registry restored from its snapshot, result
// cache, invocation history, oracle, and coordinator.
func buildRuntime(ctx context.Context) (*runtime, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if debugMode {
		cfg.Server.Debug = true
		cfg.Logging.DebugMode = true
	}

	if err := logging.Initialize(cfg.DataDir, cfg.Logging.DebugMode, cfg.Logging.Level, cfg.Logging.JSONFormat, cfg.Logging.Categories); err != nil {
		return nil, fmt.Errorf("failed to initialize logging: %w", err)
	}
	logging.Boot("metricsmith %s starting, data dir %s", cfg.Version, cfg.DataDir)

	trk := tracker.NewClient(cfg.Tracker)
	executor := interp.NewExecutor(cfg.GetExecTimeout(), trk.Symbols())

	reg := registry.New()
	manager, err := deploy.NewManager(cfg.RoutinesDir(), cfg.RegistryPath(), reg, executor)
	if err != nil {
		return nil, err
	}
	if err := reg.LoadFrom(cfg.RegistryPath(), manager.Loader()); err != nil {
		return nil, fmt.Errorf("failed to restore registry: %w", err)
	}
	logging.Boot("Registry restored with %d routine(s)", reg.Count())

	results := cache.New(cfg.GetCacheTTL(), cfg.Resolver.CacheMaxSize)
	if err := results.Load(cfg.CachePath()); err != nil {
		logger.Warn("Result cache snapshot not restored", zap.Error(err))
	}
	results.Persist(cfg.CachePath())

	hist, err := history.Open(cfg.HistoryPath())
	if err != nil {
		return nil, fmt.Errorf("failed to open history store: %w", err)
	}

	var oracle llm.Client
	if cfg.Oracle.APIKey != "" {
		gemini, err := llm.NewGeminiClient(ctx, cfg.Oracle.APIKey, cfg.Oracle.Model, cfg.Oracle.FallbackModel)
		if err != nil {
			return nil, fmt.Errorf("failed to create oracle client: %w", err)
		}
		oracle = gemini
	} else {
		logger.Warn("No oracle API key configured, synthesis will use seed templates only")
	}

	coord := coordinator.New(coordinator.Options{
		Registry:     reg,
		Cache:        results,
		Generator:    synth.NewGenerator(oracle),
		Deployer:     manager,
		Executor:     executor,
		MaxRetries:   cfg.Resolver.MaxRetries,
		History:      hist,
		SynthTimeout: cfg.GetOracleTimeout(),
	})

	return &runtime{
		cfg:     cfg,
		tracker: trk,
		reg:     reg,
		manager: manager,
		cache:   results,
		history: hist,
		coord:   coord,
	}, nil
}

// close flushes durable state. The registry snapshot is rewritten on every
// deploy so only the cache and history need attention here.
func (rt *runtime) close() {
	if err := rt.cache.Save(rt.cfg.CachePath()); err != nil {
		logger.Warn("Failed to save result cache snapshot", zap.Error(err))
	}
	if err := rt.history.Close(); err != nil {
		logger.Warn("Failed to close history store", zap.Error(err))
	}
	logging.CloseAll()
}
