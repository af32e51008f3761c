package backend

import (
	"context"
	"fmt"
	"sort"
	"time"

	"bridgectl/internal/api"
	"bridgectl/internal/probe"
)

// Emit receives one line of step output.
type Emit func(text string)

// Step is one named unit of an installation. Run streams its output through
// emit and must stop promptly when ctx is cancelled.
type Step struct {
	Name string
	Run  func(ctx context.Context, emit Emit) error
}

// Requirements describe what the validator checks for a kind, beyond the
// universal checks. Empty minimum versions mean the check does not apply.
type Requirements struct {
	// StartCommand brings a stopped environment up.
	StartCommand []string

	LayerName       string
	MinLayerVersion string
	// LayerUpgradeCommand upgrades the isolation layer, if it can be scripted.
	LayerUpgradeCommand []string

	RuntimeName           string
	MinRuntimeVersion     string
	RuntimeInstallCommand []string

	// ChecksHostPort is false for kinds whose bridge is not bound on this host.
	ChecksHostPort bool
}

// Liveness is the state of a launched bridge as seen by its handle.
type Liveness struct {
	Alive bool
	// ExitCode is meaningful only when ExitKnown is true.
	ExitCode  int
	ExitKnown bool
	// Detail carries extra context, such as the last container log lines.
	Detail string
}

// Handle is a launched bridge process or container.
type Handle interface {
	// Target is the bridge endpoint for health probes.
	Target() probe.Target
	// Status reports whether the bridge process is still alive.
	Status(ctx context.Context) (Liveness, error)
	// Terminate stops the bridge and waits for it to go away.
	Terminate(ctx context.Context) error
	// Describe names the process for logs, e.g. "pid 4242" or a container id.
	Describe() string
}

// Driver is one backend kind.
type Driver interface {
	Kind() api.BackendType

	// Detect lists the environments of this kind. params names the
	// environment the caller is interested in, where the kind needs one (the
	// bridge container name, the interpreter path).
	Detect(ctx context.Context, params api.ConnectionParams) ([]api.EnvironmentCandidate, error)

	// Select picks the candidate params points at.
	Select(candidates []api.EnvironmentCandidate, params api.ConnectionParams) (api.EnvironmentCandidate, bool)

	Requirements(candidate api.EnvironmentCandidate, params api.ConnectionParams) Requirements

	// InstallSteps returns the ordered installation steps. A kind that is
	// managed externally returns none.
	InstallSteps(candidate api.EnvironmentCandidate, params api.ConnectionParams) []Step

	// Launch starts the bridge, or adopts one already serving params.
	Launch(ctx context.Context, candidate api.EnvironmentCandidate, params api.ConnectionParams) (Handle, error)

	// Remediate performs a resolution action, or returns api.ErrNotAutomatable.
	Remediate(ctx context.Context, candidate api.EnvironmentCandidate, resolution api.Resolution) error
}

// Settings are shared by all drivers.
type Settings struct {
	PackageName         string
	MinRuntimeVersion   string
	MinWSLVersion       string
	MinEngineAPIVersion string
	StopGrace           time.Duration
	DistroConcurrency   int
	RemoteEndpoints     []string
	DialTimeout         time.Duration
	// DataDir is the bridge data directory on the host (~/.devflow).
	DataDir string
}

func (s Settings) withDefaults() Settings {
	if s.PackageName == "" {
		s.PackageName = "devflow"
	}
	if s.MinRuntimeVersion == "" {
		s.MinRuntimeVersion = "3.10"
	}
	if s.MinWSLVersion == "" {
		s.MinWSLVersion = "2"
	}
	if s.MinEngineAPIVersion == "" {
		s.MinEngineAPIVersion = "1.40"
	}
	if s.StopGrace <= 0 {
		s.StopGrace = 10 * time.Second
	}
	if s.DistroConcurrency <= 0 {
		s.DistroConcurrency = 4
	}
	if s.DialTimeout <= 0 {
		s.DialTimeout = 2 * time.Second
	}
	return s
}

// Registry maps backend kinds to their drivers.
type Registry struct {
	drivers map[api.BackendType]Driver
}

// NewRegistry builds a registry. A later driver replaces an earlier one of the
// same kind.
func NewRegistry(drivers ...Driver) *Registry {
	r := &Registry{drivers: make(map[api.BackendType]Driver, len(drivers))}
	for _, d := range drivers {
		r.drivers[d.Kind()] = d
	}
	return r
}

// Get returns the driver for kind.
func (r *Registry) Get(kind api.BackendType) (Driver, error) {
	d, ok := r.drivers[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", api.ErrUnknownBackend, kind)
	}
	return d, nil
}

// Kinds lists the registered kinds in a stable order.
func (r *Registry) Kinds() []api.BackendType {
	kinds := make([]api.BackendType, 0, len(r.drivers))
	for k := range r.drivers {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}
