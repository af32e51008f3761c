package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"bridgectl/pkg/logging"

	"gopkg.in/yaml.v3"
)

const (
	userConfigDir     = ".config/bridgectl"
	projectConfigDir  = ".bridgectl"
	configFileName    = "config.yaml"
	recordFileName    = "backend.yaml"
	configSubsystem   = "ConfigLoader"
	maxValidPortValue = 65535
)

var osUserHomeDir = os.UserHomeDir

// getUserConfigPath returns the path of the user level config.yaml.
var getUserConfigPath = func() (string, error) {
	dir, err := GetUserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, configFileName), nil
}

// getProjectConfigPath returns the path of the project level config.yaml.
var getProjectConfigPath = func() (string, error) {
	wd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	return filepath.Join(wd, projectConfigDir, configFileName), nil
}

// GetUserConfigDir returns ~/.config/bridgectl.
func GetUserConfigDir() (string, error) {
	home, err := osUserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine user config directory: %w", err)
	}
	return filepath.Join(home, userConfigDir), nil
}

// RecordPath returns the backend record location inside configDir.
func RecordPath(configDir string) string {
	return filepath.Join(configDir, recordFileName)
}

// LoadConfig builds the configuration from the defaults, then the user
// config.yaml, then the project's .bridgectl/config.yaml. Missing files are
// skipped.
func LoadConfig() (Config, error) {
	cfg := GetDefaultConfig()

	userPath, err := getUserConfigPath()
	if err != nil {
		return Config{}, err
	}
	if err := overlayFile(&cfg, userPath, "user"); err != nil {
		return Config{}, err
	}

	projectPath, err := getProjectConfigPath()
	if err != nil {
		logging.Debug(configSubsystem, "Skipping project config: %v", err)
	} else if err := overlayFile(&cfg, projectPath, "project"); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadConfigFromPath loads a single config.yaml from dir over the defaults,
// disabling layering.
func LoadConfigFromPath(dir string) (Config, error) {
	cfg := GetDefaultConfig()
	if err := overlayFile(&cfg, filepath.Join(dir, configFileName), "custom"); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func overlayFile(cfg *Config, path, source string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logging.Debug(configSubsystem, "No %s config at %s", source, path)
			return nil
		}
		return &ConfigurationError{
			FilePath:  path,
			Source:    source,
			ErrorType: "io",
			Message:   err.Error(),
		}
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return &ConfigurationError{
			FilePath:    path,
			Source:      source,
			ErrorType:   "parse",
			Message:     err.Error(),
			Suggestions: []string{"check the YAML syntax", "durations use Go syntax such as 5s or 2m"},
		}
	}
	logging.Info(configSubsystem, "Loaded %s configuration from %s", source, path)
	return nil
}
