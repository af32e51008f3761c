package app

import (
	"context"
	"fmt"
	"io"
	"os"

	"bridgectl/internal/config"
	"bridgectl/pkg/logging"
)

// Application bootstraps bridgectl: it loads the configuration, sets up
// logging and wires the services every command uses.
//
//	cfg := app.NewConfig(false, false, "")
//	application, err := app.NewApplication(cfg)
//	if err != nil {
//	    return err
//	}
//	defer application.Close()
type Application struct {
	config   *Config
	services *Services
}

// NewApplication loads the configuration (layered, or from cfg.ConfigPath
// only) unless cfg.BridgeConfig is already set, then initializes logging and
// services.
func NewApplication(cfg *Config) (*Application, error) {
	if cfg.BridgeConfig == nil {
		var (
			bc  config.Config
			err error
		)
		if cfg.ConfigPath != "" {
			bc, err = config.LoadConfigFromPath(cfg.ConfigPath)
		} else {
			bc, err = config.LoadConfig()
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load bridgectl configuration: %w", err)
		}
		cfg.BridgeConfig = &bc
	}

	initLogging(cfg)

	services, err := InitializeServices(cfg)
	if err != nil {
		logging.Error("Bootstrap", err, "Failed to initialize services")
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	return &Application{
		config:   cfg,
		services: services,
	}, nil
}

// initLogging writes logs to stderr so stdout stays clean for -o json.
func initLogging(cfg *Config) {
	level, err := logging.ParseLevel(cfg.BridgeConfig.LogLevel)
	if err != nil {
		level = logging.LevelInfo
	}
	if cfg.Debug {
		level = logging.LevelDebug
	}
	var out io.Writer = os.Stderr
	if cfg.Silent {
		out = io.Discard
	}
	if logging.Format(cfg.BridgeConfig.LogFormat) == logging.FormatJSON {
		logging.Init(level, logging.FormatJSON, out)
		return
	}
	logging.InitForCLI(level, out)
}

// Services returns the wired components.
func (a *Application) Services() *Services {
	return a.services
}

// Config returns the application configuration.
func (a *Application) Config() *Config {
	return a.config
}

// Run serves the control API until ctx is cancelled or a signal arrives.
func (a *Application) Run(ctx context.Context) error {
	return runServe(ctx, a.config, a.services)
}

// Close releases the services.
func (a *Application) Close() error {
	return a.services.Close()
}
