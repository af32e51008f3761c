package containerizer

import (
	"context"
	"errors"
	"time"
)

// ErrContainerNotFound is returned when the named container does not exist.
var ErrContainerNotFound = errors.New("container not found")

// ErrImageNotFound is returned when the image is not present locally.
var ErrImageNotFound = errors.New("image not found")

// ContainerRuntime defines the container engine operations the container
// backend needs.
type ContainerRuntime interface {
	// Ping checks that the engine daemon answers and reports its version.
	Ping(ctx context.Context) (EngineInfo, error)

	// ImageVersion returns the version label of a local image, falling back
	// to its short id, or ErrImageNotFound.
	ImageVersion(ctx context.Context, image string) (string, error)

	// PullImage pulls image, reporting progress lines as they arrive.
	PullImage(ctx context.Context, image string, progress func(line string)) error

	// InspectContainer returns the container state, or ErrContainerNotFound.
	InspectContainer(ctx context.Context, name string) (*ContainerInfo, error)

	// CreateContainer creates (but does not start) a container.
	CreateContainer(ctx context.Context, config ContainerConfig) (string, error)

	// StartContainer starts an existing container.
	StartContainer(ctx context.Context, name string) error

	// StopContainer stops a running container, killing it after timeout.
	StopContainer(ctx context.Context, name string, timeout time.Duration) error

	// RemoveContainer force-removes a container. Missing containers are not an error.
	RemoveContainer(ctx context.Context, name string) error

	// GetContainerLogs returns the last tail lines of container output.
	GetContainerLogs(ctx context.Context, name string, tail int) (string, error)
}

// EngineInfo describes the container engine daemon.
type EngineInfo struct {
	Version    string
	APIVersion string
	OS         string
}

// ContainerInfo is the observable state of a container.
type ContainerInfo struct {
	ID           string
	Name         string
	Image        string
	ImageVersion string
	Running      bool
	Status       string
	ExitCode     int
	OOMKilled    bool
	// HostPorts lists host ports published by the container.
	HostPorts []int
}

// PortMapping publishes ContainerPort on HostPort.
type PortMapping struct {
	HostPort      int
	ContainerPort int
}

// ContainerConfig holds the configuration for creating a container.
type ContainerConfig struct {
	Name          string
	Image         string
	Command       []string
	Env           []string
	Ports         []PortMapping
	Volumes       []string // host:container
	RestartPolicy string
	Labels        map[string]string
}
