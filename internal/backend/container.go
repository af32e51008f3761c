package backend

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"bridgectl/internal/api"
	"bridgectl/internal/containerizer"
	"bridgectl/internal/process"
	"bridgectl/internal/probe"
	"bridgectl/pkg/logging"
	pkgstrings "bridgectl/pkg/strings"
)

const (
	containerSubsystem = "ContainerBackend"
	// bridgeContainerPort is the port the bridge listens on inside the image.
	bridgeContainerPort = 9876
	containerDataDir    = "/root/.devflow"
	managedByLabel      = "io.devflow.managed-by"
	diagnosticLogLines  = 20
)

// ContainerDriver runs the bridge in a container on the local engine.
type ContainerDriver struct {
	runner   process.Runner
	runtime  containerizer.ContainerRuntime
	settings Settings
}

// NewContainerDriver creates the container driver. rt may be nil when no
// engine client could be created; detection then reports the failure.
func NewContainerDriver(runner process.Runner, rt containerizer.ContainerRuntime, settings Settings) *ContainerDriver {
	return &ContainerDriver{runner: runner, runtime: rt, settings: settings.withDefaults()}
}

func (d *ContainerDriver) Kind() api.BackendType { return api.BackendContainer }

func (d *ContainerDriver) Detect(ctx context.Context, params api.ConnectionParams) ([]api.EnvironmentCandidate, error) {
	if _, err := d.runner.LookPath("docker"); err != nil {
		return nil, nil
	}
	if d.runtime == nil {
		return nil, &api.DetectionError{Backend: d.Kind(), Op: "engine client", Err: errors.New("no container engine client")}
	}

	info, err := d.runtime.Ping(ctx)
	if err != nil {
		return nil, &api.DetectionError{Backend: d.Kind(), Op: "engine ping", Timeout: ctx.Err() != nil, Err: err}
	}

	name := params.ContainerName
	if name == "" {
		name = api.DefaultContainerName
	}
	image := params.Image
	if image == "" {
		image = api.DefaultImage
	}

	candidate := api.EnvironmentCandidate{
		Type:         d.Kind(),
		Identifier:   name,
		Running:      true,
		LayerVersion: info.APIVersion,
		DiskFreeMB:   hostDiskFreeMB(ctx, d.settings.DataDir),
		Default:      true,
	}

	existing, err := d.runtime.InspectContainer(ctx, name)
	switch {
	case err == nil:
		candidate.PublishedPorts = existing.HostPorts
		candidate.SoftwareInstalled = true
		candidate.SoftwareVersion = existing.ImageVersion
	case !errors.Is(err, containerizer.ErrContainerNotFound):
		return nil, &api.DetectionError{Backend: d.Kind(), Op: "inspect " + name, Timeout: ctx.Err() != nil, Err: err}
	}

	if !candidate.SoftwareInstalled {
		version, err := d.runtime.ImageVersion(ctx, image)
		switch {
		case err == nil:
			candidate.SoftwareInstalled = true
			candidate.SoftwareVersion = version
		case !errors.Is(err, containerizer.ErrImageNotFound):
			logging.Debug(containerSubsystem, "Image lookup for %s failed: %v", image, err)
		}
	}

	logging.Debug(containerSubsystem, "Engine %s (API %s), bridge container %s installed=%t",
		info.Version, info.APIVersion, name, candidate.SoftwareInstalled)
	return []api.EnvironmentCandidate{candidate}, nil
}

func (d *ContainerDriver) Select(candidates []api.EnvironmentCandidate, params api.ConnectionParams) (api.EnvironmentCandidate, bool) {
	for _, c := range candidates {
		if c.Identifier == params.ContainerName {
			return c, true
		}
	}
	return api.EnvironmentCandidate{}, false
}

func (d *ContainerDriver) Requirements(candidate api.EnvironmentCandidate, params api.ConnectionParams) Requirements {
	return Requirements{
		LayerName:       "container engine API",
		MinLayerVersion: d.settings.MinEngineAPIVersion,
		ChecksHostPort:  true,
	}
}

func (d *ContainerDriver) containerConfig(params api.ConnectionParams) containerizer.ContainerConfig {
	cfg := containerizer.ContainerConfig{
		Name:          params.ContainerName,
		Image:         params.Image,
		Ports:         []containerizer.PortMapping{{HostPort: params.Port, ContainerPort: bridgeContainerPort}},
		RestartPolicy: "unless-stopped",
		Labels:        map[string]string{managedByLabel: "bridgectl"},
	}
	if d.settings.DataDir != "" {
		cfg.Volumes = []string{filepath.Clean(d.settings.DataDir) + ":" + containerDataDir}
	}
	return cfg
}

func (d *ContainerDriver) InstallSteps(candidate api.EnvironmentCandidate, params api.ConnectionParams) []Step {
	return []Step{
		{
			Name: "Check container engine",
			Run: func(ctx context.Context, emit Emit) error {
				info, err := d.runtime.Ping(ctx)
				if err != nil {
					return fmt.Errorf("container engine not reachable: %w", err)
				}
				emit(fmt.Sprintf("Docker %s (API %s, %s)", info.Version, info.APIVersion, info.OS))
				return nil
			},
		},
		{
			Name: "Pull bridge image",
			Run: func(ctx context.Context, emit Emit) error {
				emit("Pulling " + params.Image)
				return d.runtime.PullImage(ctx, params.Image, func(line string) { emit(line) })
			},
		},
		{
			Name: "Remove previous container",
			Run: func(ctx context.Context, emit Emit) error {
				if err := d.runtime.RemoveContainer(ctx, params.ContainerName); err != nil {
					return err
				}
				emit("Removed " + params.ContainerName + " if it existed")
				return nil
			},
		},
		{
			Name: "Create bridge container",
			Run: func(ctx context.Context, emit Emit) error {
				id, err := d.runtime.CreateContainer(ctx, d.containerConfig(params))
				if err != nil {
					return err
				}
				emit(fmt.Sprintf("Created %s (%s) publishing port %d", params.ContainerName, pkgstrings.ShortID(id), params.Port))
				return nil
			},
		},
		{
			Name: "Verify image",
			Run: func(ctx context.Context, emit Emit) error {
				version, err := d.runtime.ImageVersion(ctx, params.Image)
				if err != nil {
					return err
				}
				emit(fmt.Sprintf("%s at version %s", params.Image, version))
				return nil
			},
		},
	}
}

// Launch starts the bridge container, creating it first when needed. An
// existing container that does not publish the requested port is recreated.
func (d *ContainerDriver) Launch(ctx context.Context, candidate api.EnvironmentCandidate, params api.ConnectionParams) (Handle, error) {
	name := params.ContainerName
	existing, err := d.runtime.InspectContainer(ctx, name)
	switch {
	case errors.Is(err, containerizer.ErrContainerNotFound):
		existing = nil
	case err != nil:
		return nil, fmt.Errorf("failed to inspect %s: %w", name, err)
	}

	if existing != nil && !publishes(existing.HostPorts, params.Port) {
		logging.Info(containerSubsystem, "Recreating %s to publish port %d", name, params.Port)
		if err := d.runtime.RemoveContainer(ctx, name); err != nil {
			return nil, err
		}
		existing = nil
	}

	if existing == nil {
		if _, err := d.runtime.CreateContainer(ctx, d.containerConfig(params)); err != nil {
			return nil, err
		}
	}

	adopted := existing != nil && existing.Running
	if adopted {
		logging.Info(containerSubsystem, "Adopting running container %s", name)
	} else if err := d.runtime.StartContainer(ctx, name); err != nil {
		return nil, err
	}

	h := &containerHandle{
		runtime: d.runtime,
		name:    name,
		target:  probe.NewJSONRPCTarget(params.Address()),
		grace:   d.settings.StopGrace,
		adopted: adopted,
	}
	if info, err := d.runtime.InspectContainer(ctx, name); err == nil {
		h.id = info.ID
	}
	return h, nil
}

func (d *ContainerDriver) Remediate(ctx context.Context, candidate api.EnvironmentCandidate, resolution api.Resolution) error {
	return fmt.Errorf("%w: %s for the container engine", api.ErrNotAutomatable, resolution.Action)
}

func publishes(ports []int, port int) bool {
	for _, p := range ports {
		if p == port {
			return true
		}
	}
	return false
}

type containerHandle struct {
	runtime containerizer.ContainerRuntime
	name    string
	id      string
	target  probe.Target
	grace   time.Duration
	adopted bool
}

func (h *containerHandle) Adopted() bool { return h.adopted }

func (h *containerHandle) Target() probe.Target { return h.target }

func (h *containerHandle) Describe() string {
	if h.id == "" {
		return "container " + h.name
	}
	return fmt.Sprintf("container %s (%s)", h.name, pkgstrings.ShortID(h.id))
}

func (h *containerHandle) Status(ctx context.Context) (Liveness, error) {
	info, err := h.runtime.InspectContainer(ctx, h.name)
	if errors.Is(err, containerizer.ErrContainerNotFound) {
		return Liveness{Alive: false, Detail: "container was removed"}, nil
	}
	if err != nil {
		return Liveness{}, err
	}
	if info.Running {
		return Liveness{Alive: true}, nil
	}

	l := Liveness{Alive: false, ExitCode: info.ExitCode, ExitKnown: true}
	if info.OOMKilled && l.ExitCode == 0 {
		l.ExitCode = 137
	}
	if logs, err := h.runtime.GetContainerLogs(ctx, h.name, diagnosticLogLines); err == nil {
		l.Detail = strings.TrimSpace(logs)
	}
	return l, nil
}

func (h *containerHandle) Terminate(ctx context.Context) error {
	err := h.runtime.StopContainer(ctx, h.name, h.grace)
	if errors.Is(err, containerizer.ErrContainerNotFound) {
		return nil
	}
	return err
}
