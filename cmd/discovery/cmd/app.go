package cmd

import (
	"github.com/spf13/viper"

	"github.com/hugo-lorenzo-mato/discovery-ai/internal/adapters/agent"
	"github.com/hugo-lorenzo-mato/discovery-ai/internal/adapters/state"
	"github.com/hugo-lorenzo-mato/discovery-ai/internal/config"
	"github.com/hugo-lorenzo-mato/discovery-ai/internal/core"
	"github.com/hugo-lorenzo-mato/discovery-ai/internal/logging"
	"github.com/hugo-lorenzo-mato/discovery-ai/internal/schemas"
	"github.com/hugo-lorenzo-mato/discovery-ai/internal/service"
	"github.com/hugo-lorenzo-mato/discovery-ai/internal/service/discovery"
)

// app bundles the wired engine for one command invocation.
type app struct {
	cfg     *config.Config
	logger  *logging.Logger
	store   core.CheckpointStore
	manager *discovery.Manager
}

// buildApp loads configuration and wires the engine.
func buildApp() (*app, error) {
	loader := config.NewLoaderWithViper(viper.GetViper())
	if cfgFile != "" {
		loader = loader.WithConfigFile(cfgFile)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, err
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	logger := logging.New(logging.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	})

	store, err := state.NewStore(cfg.State.Backend, cfg.State.Path)
	if err != nil {
		return nil, err
	}

	suite := discovery.DefaultSuite()
	if cfg.SuiteFile != "" {
		suite, err = discovery.LoadSuite(cfg.SuiteFile)
		if err != nil {
			store.Close()
			return nil, err
		}
	}

	registry, err := agent.NewRegistryFromConfigs(cfg.Agents, logger)
	if err != nil {
		store.Close()
		return nil, err
	}

	retry := service.NewRetryPolicy(service.WithMaxAttempts(cfg.Pipeline.MaxRetries))
	scheduler := discovery.NewScheduler(store, cfg.Pipeline.MaxSendBacks, logger)
	invoker := discovery.NewInvoker(store, registry, retry, cfg.Pipeline.ConcurrencyLimit, logger)

	manager := discovery.NewManager(discovery.ManagerConfig{
		Store:         store,
		Scheduler:     scheduler,
		Invoker:       invoker,
		Validator:     schemas.NewValidator(),
		Policy:        discovery.NewSuitePolicy(suite),
		Agents:        registry,
		Logger:        logger,
		StageTimeout:  cfg.Pipeline.StageTimeout,
		SuiteVersion:  suite.Version,
		EngineVersion: appVersion,
	})

	return &app{
		cfg:     cfg,
		logger:  logger,
		store:   store,
		manager: manager,
	}, nil
}

// Close releases the app's resources.
func (a *app) Close() {
	if a.store != nil {
		_ = a.store.Close()
	}
}
