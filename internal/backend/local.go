package backend

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"
	"time"

	"bridgectl/internal/api"
	"bridgectl/internal/process"
	"bridgectl/internal/probe"
	"bridgectl/pkg/logging"

	"github.com/shirou/gopsutil/v3/disk"
)

const localSubsystem = "LocalBackend"

// diskUsage is overridden in tests.
var diskUsage = disk.UsageWithContext

// LocalDriver runs the bridge as a child process of the host interpreter.
type LocalDriver struct {
	runner   process.Runner
	settings Settings
}

// NewLocalDriver creates the local process driver.
func NewLocalDriver(runner process.Runner, settings Settings) *LocalDriver {
	return &LocalDriver{runner: runner, settings: settings.withDefaults()}
}

func (d *LocalDriver) Kind() api.BackendType { return api.BackendLocalProcess }

func (d *LocalDriver) toolchain(python string) pythonToolchain {
	return pythonToolchain{
		runner:      d.runner,
		python:      python,
		pkg:         d.settings.PackageName,
		windowsVenv: runtime.GOOS == "windows",
	}
}

func (d *LocalDriver) interpreters(params api.ConnectionParams) []string {
	if params.PythonPath != "" {
		return []string{params.PythonPath}
	}
	return []string{"python3", "python"}
}

// Detect reports the first usable interpreter. The host itself is always
// running.
func (d *LocalDriver) Detect(ctx context.Context, params api.ConnectionParams) ([]api.EnvironmentCandidate, error) {
	for _, python := range d.interpreters(params) {
		if _, err := d.runner.LookPath(python); err != nil {
			continue
		}

		tc := d.toolchain(python)
		version := tc.runtimeVersion(ctx)
		if version == "" {
			if ctx.Err() != nil {
				return nil, &api.DetectionError{Backend: d.Kind(), Op: "query " + python, Timeout: true, Err: ctx.Err()}
			}
			logging.Debug(localSubsystem, "%s is on PATH but does not run", python)
			continue
		}

		candidate := api.EnvironmentCandidate{
			Type:           d.Kind(),
			Identifier:     python,
			Running:        true,
			RuntimeVersion: version,
			DiskFreeMB:     hostDiskFreeMB(ctx, d.settings.DataDir),
			Default:        true,
		}
		candidate.SoftwareVersion, candidate.SoftwareInstalled = tc.installedVersion(ctx)
		return []api.EnvironmentCandidate{candidate}, nil
	}
	return nil, nil
}

func (d *LocalDriver) Select(candidates []api.EnvironmentCandidate, params api.ConnectionParams) (api.EnvironmentCandidate, bool) {
	for _, c := range candidates {
		if params.PythonPath == "" || c.Identifier == params.PythonPath {
			return c, true
		}
	}
	return api.EnvironmentCandidate{}, false
}

func (d *LocalDriver) Requirements(candidate api.EnvironmentCandidate, params api.ConnectionParams) Requirements {
	return Requirements{
		RuntimeName:           "Python",
		MinRuntimeVersion:     d.settings.MinRuntimeVersion,
		RuntimeInstallCommand: hostPythonInstallCommand(),
		ChecksHostPort:        true,
	}
}

func hostPythonInstallCommand() []string {
	switch runtime.GOOS {
	case "windows":
		return []string{"winget", "install", "Python.Python.3.12"}
	case "darwin":
		return []string{"brew", "install", "python@3.12"}
	default:
		return []string{"sudo", "apt-get", "install", "-y", "python3", "python3-pip"}
	}
}

func (d *LocalDriver) InstallSteps(candidate api.EnvironmentCandidate, params api.ConnectionParams) []Step {
	tc := d.toolchain(candidate.Identifier)
	return []Step{
		tc.checkPipStep(),
		tc.installPipxStep(),
		tc.installPackageStep(),
		tc.verifyStep(),
	}
}

func (d *LocalDriver) Launch(ctx context.Context, candidate api.EnvironmentCandidate, params api.ConnectionParams) (Handle, error) {
	target := probe.NewJSONRPCTarget(params.Address())
	if h, err := d.adopt(ctx, target, params.Port); h != nil || err != nil {
		return h, err
	}

	tc := d.toolchain(candidate.Identifier)
	args := tc.launchArgs(tc.interpreter(ctx), params.Port)

	spec := process.Spec{Name: args[0], Args: args[1:]}
	var logFile *os.File
	if d.settings.DataDir != "" {
		if err := os.MkdirAll(d.settings.DataDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		f, err := os.OpenFile(filepath.Join(d.settings.DataDir, "bridge.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open bridge log: %w", err)
		}
		logFile = f
		spec.Output = f
	}

	proc, err := d.runner.Start(spec)
	if err != nil {
		if logFile != nil {
			logFile.Close()
		}
		return nil, fmt.Errorf("failed to launch bridge: %w", err)
	}

	return &localHandle{
		proc:    proc,
		target:  target,
		grace:   d.settings.StopGrace,
		logFile: logFile,
	}, nil
}

// adopt takes over a bridge already answering on the port. It returns a nil
// handle when nothing answers, and an error when a bridge answers but its
// process cannot be found, since a new child could not bind the port.
func (d *LocalDriver) adopt(ctx context.Context, target *probe.JSONRPCTarget, port int) (Handle, error) {
	pingCtx, cancel := context.WithTimeout(ctx, d.settings.DialTimeout)
	defer cancel()
	if _, err := target.Ping(pingCtx); err != nil {
		return nil, nil
	}

	proc, err := findListener(ctx, port)
	if err != nil {
		return nil, fmt.Errorf("a bridge already serves %s but its process is unknown: %w", target.Address(), err)
	}
	logging.Info(localSubsystem, "Adopting bridge already serving %s (pid %d)", target.Address(), proc.PID())
	return &adoptedHandle{proc: proc, target: target, grace: d.settings.StopGrace}, nil
}

func (d *LocalDriver) Remediate(ctx context.Context, candidate api.EnvironmentCandidate, resolution api.Resolution) error {
	return fmt.Errorf("%w: %s on the host", api.ErrNotAutomatable, resolution.Action)
}

type localHandle struct {
	proc    *process.Process
	target  probe.Target
	grace   time.Duration
	logFile *os.File

	closeOnce sync.Once
}

func (h *localHandle) Target() probe.Target { return h.target }

func (h *localHandle) Describe() string { return "pid " + strconv.Itoa(h.proc.PID()) }

func (h *localHandle) Status(ctx context.Context) (Liveness, error) {
	if exited, code := h.proc.Exited(); exited {
		h.closeLog()
		return Liveness{Alive: false, ExitCode: code, ExitKnown: true}, nil
	}
	return Liveness{Alive: true}, nil
}

func (h *localHandle) Terminate(ctx context.Context) error {
	defer h.closeLog()
	return h.proc.Terminate(ctx, h.grace)
}

func (h *localHandle) closeLog() {
	h.closeOnce.Do(func() {
		if h.logFile != nil {
			h.logFile.Close()
		}
	})
}

// hostDiskFreeMB reports free space where the bridge keeps its data, or 0.
func hostDiskFreeMB(ctx context.Context, dir string) int64 {
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return 0
		}
		dir = home
	}
	for dir != "" {
		if _, err := os.Stat(dir); err == nil {
			break
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	usage, err := diskUsage(ctx, dir)
	if err != nil {
		logging.Debug(localSubsystem, "Disk usage of %s unavailable: %v", dir, err)
		return 0
	}
	return int64(usage.Free / (1024 * 1024))
}
