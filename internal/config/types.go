package config

import (
	"time"

	"bridgectl/internal/api"
)

// Config is the top-level configuration of bridgectl, read from config.yaml.
type Config struct {
	LogLevel  string `yaml:"logLevel,omitempty"`
	LogFormat string `yaml:"logFormat,omitempty"`

	// Backend holds the connection defaults applied to configs that leave a
	// field empty.
	Backend    BackendDefaults  `yaml:"backend"`
	Remote     RemoteConfig     `yaml:"remote"`
	Detection  DetectionConfig  `yaml:"detection"`
	Validation ValidationConfig `yaml:"validation"`
	Install    InstallConfig    `yaml:"install"`
	Probe      ProbeConfig      `yaml:"probe"`
	Liveness   LivenessConfig   `yaml:"liveness"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	Server     ServerConfig     `yaml:"server"`
	Events     EventsConfig     `yaml:"events"`
}

// BackendDefaults are the per-kind connection defaults.
type BackendDefaults struct {
	Type          api.BackendType `yaml:"type,omitempty"`
	PythonPath    string          `yaml:"pythonPath,omitempty"`
	ContainerName string          `yaml:"containerName,omitempty"`
	Image         string          `yaml:"image,omitempty"`
	Distro        string          `yaml:"distro,omitempty"`
	Host          string          `yaml:"host,omitempty"`
	Port          int             `yaml:"port,omitempty"`
}

// RemoteConfig lists the remote bridge endpoints offered as candidates.
type RemoteConfig struct {
	Endpoints []string `yaml:"endpoints,omitempty"` // host:port
}

// DetectionConfig bounds environment probing.
type DetectionConfig struct {
	Timeout time.Duration `yaml:"timeout,omitempty"`
	// DistroConcurrency limits how many WSL distributions are queried at once.
	DistroConcurrency int `yaml:"distroConcurrency,omitempty"`
}

// ValidationConfig holds the minimum versions and check limits.
type ValidationConfig struct {
	CheckTimeout        time.Duration `yaml:"checkTimeout,omitempty"`
	MinRuntimeVersion   string        `yaml:"minRuntimeVersion,omitempty"`
	MinWSLVersion       string        `yaml:"minWslVersion,omitempty"`
	MinEngineAPIVersion string        `yaml:"minEngineApiVersion,omitempty"`
	PortSearchRange     int           `yaml:"portSearchRange,omitempty"`
	MinDiskFreeMB       int64         `yaml:"minDiskFreeMb,omitempty"`
}

// InstallConfig configures the bridge software installation.
type InstallConfig struct {
	PackageName string        `yaml:"packageName,omitempty"`
	StepTimeout time.Duration `yaml:"stepTimeout,omitempty"`
}

// ProbeConfig is the retry policy of a start-up health probe.
type ProbeConfig struct {
	MaxAttempts     int           `yaml:"maxAttempts,omitempty"`
	InitialInterval time.Duration `yaml:"initialInterval,omitempty"`
	MaxInterval     time.Duration `yaml:"maxInterval,omitempty"`
	Multiplier      float64       `yaml:"multiplier,omitempty"`
	AttemptTimeout  time.Duration `yaml:"attemptTimeout,omitempty"`
}

// LivenessConfig controls the checks made while the bridge is running.
// FailureThreshold is the number of consecutive failed checks tolerated before
// the bridge is declared dead; 1 drops to Error on the first failure.
type LivenessConfig struct {
	Interval         time.Duration `yaml:"interval,omitempty"`
	FailureThreshold int           `yaml:"failureThreshold,omitempty"`
	ProbeAttempts    int           `yaml:"probeAttempts,omitempty"`
}

// SupervisorConfig bounds start and stop.
type SupervisorConfig struct {
	StartTimeout time.Duration `yaml:"startTimeout,omitempty"`
	StopGrace    time.Duration `yaml:"stopGrace,omitempty"`
}

// ServerConfig configures the HTTP control surface of `bridgectl serve`.
type ServerConfig struct {
	Listen string `yaml:"listen,omitempty"`
}

// EventsConfig customizes lifecycle event messages. Templates maps an event
// reason such as "BridgeFailed" to a message template with {{.Target}},
// {{.Backend}}, {{.Port}}, {{.Process}}, {{.Error}}, {{.Duration}} and
// {{.StepCount}} placeholders and {{if .Field}}...{{end}} sections.
type EventsConfig struct {
	Templates map[string]string `yaml:"templates,omitempty"`
}

// DefaultBackendConfig builds a BackendConfig for kind from the configured
// defaults.
func (c Config) DefaultBackendConfig(kind api.BackendType) api.BackendConfig {
	b := c.Backend
	cfg := api.BackendConfig{
		Type: kind,
		Params: api.ConnectionParams{
			Host: b.Host,
			Port: b.Port,
		},
	}
	switch kind {
	case api.BackendLocalProcess:
		cfg.Params.PythonPath = b.PythonPath
	case api.BackendContainer:
		cfg.Params.ContainerName = b.ContainerName
		cfg.Params.Image = b.Image
	case api.BackendVirtualizedLinux:
		cfg.Params.Distro = b.Distro
	}
	return cfg.WithDefaults()
}
