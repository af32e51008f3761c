package config

import (
	"time"

	"bridgectl/internal/api"
)

const (
	// DefaultListenAddress is where `bridgectl serve` exposes its control API.
	DefaultListenAddress = "127.0.0.1:9880"

	// DefaultPackageName is the Python distribution that provides the bridge.
	DefaultPackageName = "devflow"
)

// GetDefaultConfig returns the built-in configuration.
func GetDefaultConfig() Config {
	return Config{
		LogLevel:  "info",
		LogFormat: "text",
		Backend: BackendDefaults{
			ContainerName: api.DefaultContainerName,
			Image:         api.DefaultImage,
			Distro:        api.DefaultDistro,
			Host:          api.DefaultHost,
			Port:          api.DefaultPort,
		},
		Detection: DetectionConfig{
			Timeout:           15 * time.Second,
			DistroConcurrency: 4,
		},
		Validation: ValidationConfig{
			CheckTimeout:        5 * time.Second,
			MinRuntimeVersion:   "3.10",
			MinWSLVersion:       "2",
			MinEngineAPIVersion: "1.40",
			PortSearchRange:     100,
			MinDiskFreeMB:       500,
		},
		Install: InstallConfig{
			PackageName: DefaultPackageName,
			StepTimeout: 10 * time.Minute,
		},
		Probe: ProbeConfig{
			MaxAttempts:     8,
			InitialInterval: 250 * time.Millisecond,
			MaxInterval:     4 * time.Second,
			Multiplier:      2.0,
			AttemptTimeout:  5 * time.Second,
		},
		Liveness: LivenessConfig{
			Interval:         15 * time.Second,
			FailureThreshold: 3,
			ProbeAttempts:    2,
		},
		Supervisor: SupervisorConfig{
			StartTimeout: 15 * time.Minute,
			StopGrace:    10 * time.Second,
		},
		Server: ServerConfig{
			Listen: DefaultListenAddress,
		},
	}
}
