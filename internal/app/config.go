package app

import (
	"bridgectl/internal/config"
)

// Config holds the application configuration
type Config struct {
	// Debug settings
	Debug  bool
	Silent bool

	// Custom configuration path (optional)
	// When set, disables layered configuration loading
	ConfigPath string

	// Listen overrides server.listen for `bridgectl serve`.
	Listen string

	// StopOnExit stops the bridge when serve shuts down.
	StopOnExit bool

	// Loaded bridgectl configuration; loaded on bootstrap when nil.
	BridgeConfig *config.Config
}

// NewConfig creates a new application configuration
func NewConfig(debug, silent bool, configPath string) *Config {
	return &Config{
		Debug:      debug,
		Silent:     silent,
		ConfigPath: configPath,
	}
}

// ListenAddress is the control API address, honoring the override.
func (c *Config) ListenAddress() string {
	if c.Listen != "" {
		return c.Listen
	}
	if c.BridgeConfig != nil && c.BridgeConfig.Server.Listen != "" {
		return c.BridgeConfig.Server.Listen
	}
	return config.DefaultListenAddress
}
