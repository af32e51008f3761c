package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"bridgectl/internal/api"
	"bridgectl/internal/backend"
	"bridgectl/internal/client"
	"bridgectl/internal/config"
	"bridgectl/internal/containerizer"
	"bridgectl/internal/detector"
	"bridgectl/internal/events"
	"bridgectl/internal/installer"
	"bridgectl/internal/metrics"
	"bridgectl/internal/probe"
	"bridgectl/internal/process"
	"bridgectl/internal/supervisor"
	"bridgectl/internal/validator"
	"bridgectl/pkg/logging"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const eventLogFile = "events.log"

// Services holds every component of one bridgectl process, wired together.
type Services struct {
	Config    config.Config
	ConfigDir string

	Registry   *backend.Registry
	Detector   *detector.Detector
	Validator  *validator.Validator
	Installer  *installer.Orchestrator
	Tester     *probe.Tester
	Supervisor *supervisor.Supervisor
	Store      *config.RecordStore

	Metrics         *metrics.Metrics
	MetricsRegistry *prometheus.Registry
	Events          *events.Bus

	closers []io.Closer
}

// InitializeServices builds the component graph from cfg.BridgeConfig.
func InitializeServices(cfg *Config) (*Services, error) {
	if cfg.BridgeConfig == nil {
		return nil, fmt.Errorf("configuration not loaded")
	}
	bc := *cfg.BridgeConfig

	configDir, err := configDirFor(cfg)
	if err != nil {
		return nil, err
	}
	home, err := os.UserHomeDir()
	if err != nil {
		logging.Warn("Bootstrap", "Could not determine home directory: %v", err)
	}

	s := &Services{Config: bc, ConfigDir: configDir}

	s.MetricsRegistry = prometheus.NewRegistry()
	s.MetricsRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	s.Metrics = metrics.New(s.MetricsRegistry)

	var sink io.Writer
	if f, err := openEventLog(configDir); err != nil {
		logging.Warn("Bootstrap", "Event log disabled: %v", err)
	} else {
		sink = f
		s.closers = append(s.closers, f)
	}
	s.Events = events.NewBus(sink)
	for reason, template := range bc.Events.Templates {
		s.Events.SetTemplate(events.EventReason(reason), template)
	}

	runner := process.NewExec()
	settings := backendSettings(bc, home)

	var rt containerizer.ContainerRuntime
	if docker, err := containerizer.NewContainerRuntime(string(containerizer.RuntimeTypeDocker)); err != nil {
		logging.Warn("Bootstrap", "Container backend unavailable: %v", err)
	} else {
		rt = docker
		if c, ok := docker.(io.Closer); ok {
			s.closers = append(s.closers, c)
		}
	}

	s.Registry = backend.NewRegistry(
		backend.NewLocalDriver(runner, settings),
		backend.NewContainerDriver(runner, rt, settings),
		backend.NewWSLDriver(runner, settings),
		backend.NewRemoteDriver(settings),
	)
	s.Detector = detector.New(s.Registry, bc.Detection.Timeout, func(kind api.BackendType) api.ConnectionParams {
		return bc.DefaultBackendConfig(kind).Params
	}, s.Metrics)
	s.Validator = validator.New(s.Registry, nil, bridgeAnswers, validatorOptions(bc), s.Metrics)
	s.Installer = installer.New(s.Registry, s.Metrics, s.Events)
	s.Installer.SetStepTimeout(bc.Install.StepTimeout)
	s.Tester = probe.NewTester()
	s.Store = config.NewRecordStore(config.RecordPath(configDir))

	s.Supervisor = supervisor.New(supervisor.Deps{
		Registry:  s.Registry,
		Detector:  s.Detector,
		Validator: s.Validator,
		Installer: s.Installer,
		Prober:    s.Tester,
		Store:     s.Store,
		Metrics:   s.Metrics,
		Events:    s.Events,
	}, supervisorOptions(bc))

	return s, nil
}

// bridgeAnswers reports whether a bridge already serves addr, so a port held
// by it does not count as a conflict.
func bridgeAnswers(ctx context.Context, addr string) bool {
	_, err := probe.NewJSONRPCTarget(addr).Ping(ctx)
	return err == nil
}

func configDirFor(cfg *Config) (string, error) {
	if cfg.ConfigPath != "" {
		return cfg.ConfigPath, nil
	}
	return config.GetUserConfigDir()
}

func openEventLog(dir string) (*os.File, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	return os.OpenFile(filepath.Join(dir, eventLogFile), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
}

// ProbePolicy is the configured start-up probe policy.
func (s *Services) ProbePolicy() probe.Policy {
	return probePolicy(s.Config)
}

// Local exposes the in-process supervisor to the client package.
func (s *Services) Local() *client.Local {
	return &client.Local{
		Controller: s.Supervisor,
		Sessions:   s.Installer,
		Events:     s.Events,
		Close:      func() { _ = s.Close() },
	}
}

// Close cancels a start in flight and waits for it to clean up, stops
// monitoring, then releases the container runtime and event log. A running
// bridge is left running.
func (s *Services) Close() error {
	s.Supervisor.Close()
	var result *multierror.Error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i].Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	s.closers = nil
	return result.ErrorOrNil()
}
