package containerizer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"bridgectl/pkg/logging"
	bstrings "bridgectl/pkg/strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
)

const dockerSubsystem = "Docker"

// versionLabel is the OCI annotation carrying the image version.
const versionLabel = "org.opencontainers.image.version"

// DockerRuntime implements ContainerRuntime on the Docker Engine API.
type DockerRuntime struct {
	cli *client.Client
}

// NewDockerRuntime creates a Docker runtime from the environment (DOCKER_HOST
// and friends). It does not contact the daemon.
func NewDockerRuntime() (*DockerRuntime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &DockerRuntime{cli: cli}, nil
}

// Close releases the underlying API client.
func (d *DockerRuntime) Close() error {
	return d.cli.Close()
}

func (d *DockerRuntime) Ping(ctx context.Context) (EngineInfo, error) {
	if _, err := d.cli.Ping(ctx); err != nil {
		return EngineInfo{}, fmt.Errorf("docker daemon not accessible: %w", err)
	}
	v, err := d.cli.ServerVersion(ctx)
	if err != nil {
		return EngineInfo{}, fmt.Errorf("failed to query docker version: %w", err)
	}
	return EngineInfo{Version: v.Version, APIVersion: v.APIVersion, OS: v.Os}, nil
}

func (d *DockerRuntime) ImageVersion(ctx context.Context, ref string) (string, error) {
	inspect, err := d.cli.ImageInspect(ctx, ref)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return "", fmt.Errorf("%w: %s", ErrImageNotFound, ref)
		}
		return "", fmt.Errorf("failed to inspect image %s: %w", ref, err)
	}
	if inspect.Config != nil {
		if v := inspect.Config.Labels[versionLabel]; v != "" {
			return v, nil
		}
	}
	return bstrings.ShortID(inspect.ID), nil
}

func (d *DockerRuntime) PullImage(ctx context.Context, ref string, progress func(line string)) error {
	logging.Info(dockerSubsystem, "Pulling image %s", ref)
	rc, err := d.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	defer rc.Close()

	if err := decodePullProgress(rc, progress); err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	return nil
}

func (d *DockerRuntime) InspectContainer(ctx context.Context, name string) (*ContainerInfo, error) {
	info, err := d.cli.ContainerInspect(ctx, name)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrContainerNotFound, name)
		}
		return nil, fmt.Errorf("failed to inspect container %s: %w", name, err)
	}
	if info.ContainerJSONBase == nil {
		return nil, fmt.Errorf("docker returned no state for container %s", name)
	}

	out := &ContainerInfo{
		ID:   info.ID,
		Name: strings.TrimPrefix(info.Name, "/"),
	}
	if info.State != nil {
		out.Running = info.State.Running
		out.Status = info.State.Status
		out.ExitCode = info.State.ExitCode
		out.OOMKilled = info.State.OOMKilled
	}
	if info.Config != nil {
		out.Image = info.Config.Image
		out.ImageVersion = info.Config.Labels[versionLabel]
	}

	ports := map[int]struct{}{}
	if info.HostConfig != nil {
		collectHostPorts(info.HostConfig.PortBindings, ports)
	}
	if info.NetworkSettings != nil {
		collectHostPorts(info.NetworkSettings.Ports, ports)
	}
	for p := range ports {
		out.HostPorts = append(out.HostPorts, p)
	}
	sort.Ints(out.HostPorts)
	return out, nil
}

func (d *DockerRuntime) CreateContainer(ctx context.Context, config ContainerConfig) (string, error) {
	exposed, bindings, err := portSpecs(config.Ports)
	if err != nil {
		return "", err
	}

	containerCfg := &container.Config{
		Image:        config.Image,
		Cmd:          config.Command,
		Env:          config.Env,
		ExposedPorts: exposed,
		Labels:       config.Labels,
	}
	hostCfg := &container.HostConfig{
		Binds:        config.Volumes,
		PortBindings: bindings,
	}
	if config.RestartPolicy != "" {
		hostCfg.RestartPolicy = container.RestartPolicy{Name: container.RestartPolicyMode(config.RestartPolicy)}
	}

	resp, err := d.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, config.Name)
	if err != nil {
		return "", fmt.Errorf("failed to create container %s: %w", config.Name, err)
	}
	for _, w := range resp.Warnings {
		logging.Warn(dockerSubsystem, "Create %s: %s", config.Name, w)
	}
	logging.Info(dockerSubsystem, "Created container %s (%s)", config.Name, bstrings.ShortID(resp.ID))
	return resp.ID, nil
}

func (d *DockerRuntime) StartContainer(ctx context.Context, name string) error {
	if err := d.cli.ContainerStart(ctx, name, container.StartOptions{}); err != nil {
		if errdefs.IsNotFound(err) {
			return fmt.Errorf("%w: %s", ErrContainerNotFound, name)
		}
		return fmt.Errorf("failed to start container %s: %w", name, err)
	}
	logging.Info(dockerSubsystem, "Started container %s", name)
	return nil
}

func (d *DockerRuntime) StopContainer(ctx context.Context, name string, timeout time.Duration) error {
	secs := int(timeout.Seconds())
	if err := d.cli.ContainerStop(ctx, name, container.StopOptions{Timeout: &secs}); err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to stop container %s: %w", name, err)
	}
	logging.Info(dockerSubsystem, "Stopped container %s", name)
	return nil
}

func (d *DockerRuntime) RemoveContainer(ctx context.Context, name string) error {
	err := d.cli.ContainerRemove(ctx, name, container.RemoveOptions{Force: true})
	if err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to remove container %s: %w", name, err)
	}
	return nil
}

func (d *DockerRuntime) GetContainerLogs(ctx context.Context, name string, tail int) (string, error) {
	rc, err := d.cli.ContainerLogs(ctx, name, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       strconv.Itoa(tail),
	})
	if err != nil {
		return "", fmt.Errorf("failed to read logs of %s: %w", name, err)
	}
	defer rc.Close()

	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, rc); err != nil {
		return "", fmt.Errorf("failed to read logs of %s: %w", name, err)
	}
	return buf.String(), nil
}

func collectHostPorts(pm nat.PortMap, into map[int]struct{}) {
	for _, bindings := range pm {
		for _, b := range bindings {
			if p, err := strconv.Atoi(b.HostPort); err == nil && p > 0 {
				into[p] = struct{}{}
			}
		}
	}
}

func portSpecs(mappings []PortMapping) (nat.PortSet, nat.PortMap, error) {
	exposed := nat.PortSet{}
	bindings := nat.PortMap{}
	for _, m := range mappings {
		if m.HostPort <= 0 || m.ContainerPort <= 0 {
			return nil, nil, fmt.Errorf("invalid port mapping %d:%d", m.HostPort, m.ContainerPort)
		}
		p := nat.Port(strconv.Itoa(m.ContainerPort) + "/tcp")
		exposed[p] = struct{}{}
		bindings[p] = append(bindings[p], nat.PortBinding{HostIP: "127.0.0.1", HostPort: strconv.Itoa(m.HostPort)})
	}
	return exposed, bindings, nil
}

// pullMessage is one entry of the engine's JSON pull progress stream.
type pullMessage struct {
	Status      string `json:"status"`
	ID          string `json:"id"`
	Error       string `json:"error"`
	ErrorDetail struct {
		Message string `json:"message"`
	} `json:"errorDetail"`
}

// decodePullProgress reports one line per layer status change and returns the
// first error the engine put into the stream.
func decodePullProgress(r io.Reader, progress func(line string)) error {
	dec := json.NewDecoder(r)
	last := map[string]string{}
	for {
		var msg pullMessage
		if err := dec.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("decode pull progress: %w", err)
		}
		if msg.Error != "" {
			return errors.New(msg.Error)
		}
		if msg.ErrorDetail.Message != "" {
			return errors.New(msg.ErrorDetail.Message)
		}
		if msg.Status == "" || last[msg.ID] == msg.Status {
			continue
		}
		last[msg.ID] = msg.Status
		if progress == nil {
			continue
		}
		if msg.ID != "" {
			progress(fmt.Sprintf("%s: %s", msg.ID, msg.Status))
		} else {
			progress(msg.Status)
		}
	}
}
