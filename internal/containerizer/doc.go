// Package containerizer provides the container engine abstraction used by the
// container backend.
//
// # Core Components
//
// ContainerRuntime: interface covering what the bridge needs from an engine
//   - Ping: daemon reachability and version
//   - ImageVersion / PullImage: bridge image presence and upgrades
//   - InspectContainer: state, exit code, OOM flag and published ports
//   - CreateContainer / StartContainer / StopContainer / RemoveContainer
//   - GetContainerLogs: recent output for failure diagnosis
//
// DockerRuntime: implementation on the Docker Engine API client, configured
// from the environment with API version negotiation.
package containerizer
