package backend

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"bridgectl/internal/api"
	"bridgectl/internal/process"
	"bridgectl/internal/probe"
	"bridgectl/pkg/logging"

	"github.com/panjf2000/ants/v2"
)

const wslSubsystem = "WSLBackend"

// pollInterval is how often a terminating guest process is checked.
var pollInterval = 250 * time.Millisecond

// WSLDriver runs the bridge inside a WSL distribution.
type WSLDriver struct {
	runner   process.Runner
	settings Settings
}

// NewWSLDriver creates the virtualized Linux driver.
func NewWSLDriver(runner process.Runner, settings Settings) *WSLDriver {
	return &WSLDriver{runner: runner, settings: settings.withDefaults()}
}

func (d *WSLDriver) Kind() api.BackendType { return api.BackendVirtualizedLinux }

func guestPrefix(distro string) []string {
	return []string{"wsl", "-d", distro, "--"}
}

func (d *WSLDriver) toolchain(distro string) pythonToolchain {
	return pythonToolchain{
		runner: d.runner,
		prefix: guestPrefix(distro),
		python: "python3",
		pkg:    d.settings.PackageName,
	}
}

// Detect lists the installed distributions. Only running distributions are
// queried for their interpreter and bridge version, so detection never boots
// a stopped one.
func (d *WSLDriver) Detect(ctx context.Context, params api.ConnectionParams) ([]api.EnvironmentCandidate, error) {
	if _, err := d.runner.LookPath("wsl"); err != nil {
		return nil, nil
	}

	out, err := d.runner.Output(ctx, "wsl", "--list", "--verbose")
	if err != nil {
		if strings.Contains(cleanWSLOutput(out+" "+err.Error()), "no installed distributions") {
			return nil, nil
		}
		return nil, &api.DetectionError{Backend: d.Kind(), Op: "wsl --list", Timeout: ctx.Err() != nil, Err: err}
	}

	candidates := parseDistroList(out)
	if err := d.inspectGuests(ctx, candidates); err != nil {
		return nil, &api.DetectionError{Backend: d.Kind(), Op: "query distributions", Timeout: ctx.Err() != nil, Err: err}
	}
	if ctx.Err() != nil {
		return nil, &api.DetectionError{Backend: d.Kind(), Op: "query distributions", Timeout: true, Err: ctx.Err()}
	}
	return candidates, nil
}

func (d *WSLDriver) inspectGuests(ctx context.Context, candidates []api.EnvironmentCandidate) error {
	pool, err := ants.NewPool(d.settings.DistroConcurrency)
	if err != nil {
		return err
	}
	defer pool.Release()

	var wg sync.WaitGroup
	for i := range candidates {
		if !candidates[i].Running {
			continue
		}
		c := &candidates[i]
		wg.Add(1)
		if err := pool.Submit(func() {
			defer wg.Done()
			d.inspectGuest(ctx, c)
		}); err != nil {
			wg.Done()
			return err
		}
	}
	wg.Wait()
	return nil
}

func (d *WSLDriver) inspectGuest(ctx context.Context, c *api.EnvironmentCandidate) {
	tc := d.toolchain(c.Identifier)
	c.RuntimeVersion = tc.runtimeVersion(ctx)
	if c.RuntimeVersion != "" {
		c.SoftwareVersion, c.SoftwareInstalled = tc.installedVersion(ctx)
	}

	out, err := tc.output(ctx, "sh", "-c", `df -Pm "$HOME" | tail -n 1`)
	if err == nil {
		c.DiskFreeMB = parseDFAvailable(out)
	}
	logging.Debug(wslSubsystem, "%s: python %q, bridge installed=%t %s", c.Identifier, c.RuntimeVersion, c.SoftwareInstalled, c.SoftwareVersion)
}

// cleanWSLOutput strips the NUL bytes and byte order mark wsl.exe leaves in
// its UTF-16 output.
func cleanWSLOutput(s string) string {
	s = strings.ReplaceAll(s, "\x00", "")
	return strings.ReplaceAll(s, "\ufeff", "")
}

// parseDistroList parses `wsl --list --verbose`.
func parseDistroList(out string) []api.EnvironmentCandidate {
	var candidates []api.EnvironmentCandidate
	for _, line := range strings.Split(cleanWSLOutput(out), "\n") {
		line = strings.TrimSpace(strings.TrimRight(line, "\r"))
		if line == "" {
			continue
		}
		isDefault := strings.HasPrefix(line, "*")
		line = strings.TrimSpace(strings.TrimPrefix(line, "*"))

		fields := strings.Fields(line)
		if len(fields) < 3 || (strings.EqualFold(fields[0], "NAME") && strings.EqualFold(fields[1], "STATE")) {
			continue
		}
		version := fields[len(fields)-1]
		state := fields[len(fields)-2]
		if _, err := strconv.Atoi(version); err != nil {
			continue
		}

		candidates = append(candidates, api.EnvironmentCandidate{
			Type:         api.BackendVirtualizedLinux,
			Identifier:   strings.Join(fields[:len(fields)-2], " "),
			Running:      strings.EqualFold(state, "Running"),
			LayerVersion: version,
			Default:      isDefault,
		})
	}
	return candidates
}

// parseDFAvailable reads the available MB column of a `df -Pm` line.
func parseDFAvailable(out string) int64 {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	fields := strings.Fields(lines[len(lines)-1])
	if len(fields) < 4 {
		return 0
	}
	mb, err := strconv.ParseInt(fields[3], 10, 64)
	if err != nil {
		return 0
	}
	return mb
}

func (d *WSLDriver) Select(candidates []api.EnvironmentCandidate, params api.ConnectionParams) (api.EnvironmentCandidate, bool) {
	for _, c := range candidates {
		if strings.EqualFold(c.Identifier, params.Distro) {
			return c, true
		}
	}
	return api.EnvironmentCandidate{}, false
}

func (d *WSLDriver) Requirements(candidate api.EnvironmentCandidate, params api.ConnectionParams) Requirements {
	distro := candidate.Identifier
	return Requirements{
		StartCommand:          append(guestPrefix(distro), "echo", "started"),
		LayerName:             "WSL",
		MinLayerVersion:       d.settings.MinWSLVersion,
		LayerUpgradeCommand:   []string{"wsl", "--set-version", distro, d.settings.MinWSLVersion},
		RuntimeName:           "Python",
		MinRuntimeVersion:     d.settings.MinRuntimeVersion,
		RuntimeInstallCommand: append(guestPrefix(distro), "sudo", "apt-get", "install", "-y", "python3", "python3-pip"),
		ChecksHostPort:        true,
	}
}

func (d *WSLDriver) InstallSteps(candidate api.EnvironmentCandidate, params api.ConnectionParams) []Step {
	tc := d.toolchain(candidate.Identifier)
	network := Step{
		Name: "Check network access",
		Run: func(ctx context.Context, emit Emit) error {
			if err := tc.stream(ctx, emit, "curl", "-sSfI", "-o", "/dev/null", "https://pypi.org/simple/"); err != nil {
				return fmt.Errorf("package index not reachable from %s: %w", candidate.Identifier, err)
			}
			emit("pypi.org reachable")
			return nil
		},
	}
	return []Step{
		network,
		tc.checkPipStep(),
		tc.installPipxStep(),
		tc.installPackageStep(),
		tc.verifyStep(),
	}
}

func bridgePattern(port int) string {
	// the bracket keeps pgrep from matching the shell that runs it
	return fmt.Sprintf("[b]ridge.main --tcp --port %d", port)
}

// Launch starts the bridge in the guest with nohup, or adopts one already
// serving the port.
func (d *WSLDriver) Launch(ctx context.Context, candidate api.EnvironmentCandidate, params api.ConnectionParams) (Handle, error) {
	distro := candidate.Identifier
	tc := d.toolchain(distro)
	cmdline := strings.Join(tc.launchArgs(tc.interpreter(ctx), params.Port), " ")

	script := fmt.Sprintf(
		`pid=$(pgrep -f '%s' | head -n 1); if [ -n "$pid" ]; then echo "adopted $pid"; exit 0; fi; `+
			`mkdir -p ~/.devflow; nohup %s > ~/.devflow/bridge.log 2>&1 & echo $!`,
		bridgePattern(params.Port), cmdline)

	out, err := tc.output(ctx, "sh", "-c", script)
	if err != nil {
		return nil, fmt.Errorf("failed to launch bridge in %s: %w", distro, err)
	}
	reply := strings.TrimSpace(cleanWSLOutput(out))
	pidText, adopted := strings.CutPrefix(reply, "adopted ")
	pid, err := strconv.Atoi(pidText)
	if err != nil {
		return nil, fmt.Errorf("unexpected launch output from %s: %q", distro, strings.TrimSpace(out))
	}
	logging.Info(wslSubsystem, "Bridge running in %s as pid %d", distro, pid)

	return &wslHandle{
		tc:      tc,
		distro:  distro,
		pid:     pid,
		target:  probe.NewJSONRPCTarget(params.Address()),
		grace:   d.settings.StopGrace,
		adopted: adopted,
	}, nil
}

func (d *WSLDriver) Remediate(ctx context.Context, candidate api.EnvironmentCandidate, resolution api.Resolution) error {
	req := d.Requirements(candidate, api.ConnectionParams{})
	var command []string
	switch resolution.Action {
	case api.ActionStartEnvironment:
		command = req.StartCommand
	case api.ActionUpgradeLayer:
		command = req.LayerUpgradeCommand
	default:
		return fmt.Errorf("%w: %s in %s", api.ErrNotAutomatable, resolution.Action, candidate.Identifier)
	}

	logging.Info(wslSubsystem, "Running %s", strings.Join(command, " "))
	err := d.runner.Stream(ctx, func(line string) {
		logging.Info(wslSubsystem, "%s", cleanWSLOutput(line))
	}, command[0], command[1:]...)
	if err != nil {
		return fmt.Errorf("%s failed: %w", resolution.Action, err)
	}
	return nil
}

type wslHandle struct {
	tc      pythonToolchain
	distro  string
	pid     int
	target  probe.Target
	grace   time.Duration
	adopted bool
}

func (h *wslHandle) Adopted() bool { return h.adopted }

func (h *wslHandle) Target() probe.Target { return h.target }

func (h *wslHandle) Describe() string { return fmt.Sprintf("pid %d in %s", h.pid, h.distro) }

func (h *wslHandle) alive(ctx context.Context) (bool, error) {
	_, err := h.tc.output(ctx, "kill", "-0", strconv.Itoa(h.pid))
	if err == nil {
		return true, nil
	}
	var cmdErr *process.CommandError
	if errors.As(err, &cmdErr) {
		return false, nil
	}
	return false, err
}

// Status cannot recover the exit code of a guest process once it is gone.
func (h *wslHandle) Status(ctx context.Context) (Liveness, error) {
	alive, err := h.alive(ctx)
	if err != nil {
		return Liveness{}, err
	}
	return Liveness{Alive: alive}, nil
}

func (h *wslHandle) Terminate(ctx context.Context) error {
	if alive, err := h.alive(ctx); err != nil || !alive {
		return err
	}
	if _, err := h.tc.output(ctx, "kill", "-TERM", strconv.Itoa(h.pid)); err != nil {
		logging.Debug(wslSubsystem, "SIGTERM to pid %d in %s failed: %v", h.pid, h.distro, err)
	}

	deadline := time.NewTimer(h.grace)
	defer deadline.Stop()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			logging.Warn(wslSubsystem, "pid %d in %s did not exit within %s, killing", h.pid, h.distro, h.grace)
			if _, err := h.tc.output(ctx, "kill", "-KILL", strconv.Itoa(h.pid)); err != nil {
				if alive, aerr := h.alive(ctx); aerr == nil && !alive {
					return nil
				}
				return fmt.Errorf("failed to kill pid %d in %s: %w", h.pid, h.distro, err)
			}
			return nil
		case <-ticker.C:
			if alive, err := h.alive(ctx); err == nil && !alive {
				return nil
			}
		}
	}
}
