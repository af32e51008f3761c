package app

import (
	"path/filepath"

	"bridgectl/internal/backend"
	"bridgectl/internal/config"
	"bridgectl/internal/probe"
	"bridgectl/internal/supervisor"
	"bridgectl/internal/validator"
)

// bridgeDataDir is where the bridge keeps its state on the host.
const bridgeDataDir = ".devflow"

// backendSettings translates the configuration for the drivers.
func backendSettings(cfg config.Config, home string) backend.Settings {
	settings := backend.Settings{
		PackageName:         cfg.Install.PackageName,
		MinRuntimeVersion:   cfg.Validation.MinRuntimeVersion,
		MinWSLVersion:       cfg.Validation.MinWSLVersion,
		MinEngineAPIVersion: cfg.Validation.MinEngineAPIVersion,
		StopGrace:           cfg.Supervisor.StopGrace,
		DistroConcurrency:   cfg.Detection.DistroConcurrency,
		RemoteEndpoints:     cfg.Remote.Endpoints,
		DialTimeout:         cfg.Probe.AttemptTimeout,
	}
	if home != "" {
		settings.DataDir = filepath.Join(home, bridgeDataDir)
	}
	return settings
}

func validatorOptions(cfg config.Config) validator.Options {
	return validator.Options{
		CheckTimeout:    cfg.Validation.CheckTimeout,
		PortSearchRange: cfg.Validation.PortSearchRange,
		MinDiskFreeMB:   cfg.Validation.MinDiskFreeMB,
	}
}

func probePolicy(cfg config.Config) probe.Policy {
	return probe.Policy{
		InitialInterval: cfg.Probe.InitialInterval,
		MaxInterval:     cfg.Probe.MaxInterval,
		Multiplier:      cfg.Probe.Multiplier,
		AttemptTimeout:  cfg.Probe.AttemptTimeout,
	}
}

func supervisorOptions(cfg config.Config) supervisor.Options {
	return supervisor.Options{
		ProbeAttempts: cfg.Probe.MaxAttempts,
		ProbePolicy:   probePolicy(cfg),
		StartTimeout:  cfg.Supervisor.StartTimeout,
		Liveness: supervisor.LivenessPolicy{
			Interval:         cfg.Liveness.Interval,
			FailureThreshold: cfg.Liveness.FailureThreshold,
			ProbeAttempts:    cfg.Liveness.ProbeAttempts,
		},
	}
}
