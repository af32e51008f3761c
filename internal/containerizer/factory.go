package containerizer

import (
	"fmt"
	"strings"
)

// RuntimeType names a container engine.
type RuntimeType string

const (
	RuntimeTypeDocker RuntimeType = "docker"
)

// NewContainerRuntime connects to the engine of the given type. The Docker
// engine is found through DOCKER_HOST and the other DOCKER_* variables.
func NewContainerRuntime(runtimeType string) (ContainerRuntime, error) {
	switch RuntimeType(strings.ToLower(strings.TrimSpace(runtimeType))) {
	case RuntimeTypeDocker, "":
		return NewDockerRuntime()
	}
	return nil, fmt.Errorf("unsupported container runtime %q: only %s is supported", runtimeType, RuntimeTypeDocker)
}
