package backend

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"bridgectl/internal/api"
	"bridgectl/internal/probe"
	"bridgectl/pkg/logging"
)

const remoteSubsystem = "RemoteBackend"

// RemoteDriver connects to a bridge that is managed elsewhere. It never
// installs or launches anything.
type RemoteDriver struct {
	settings Settings
	// newTarget is overridden in tests.
	newTarget func(addr string) probe.Target
}

// NewRemoteDriver creates the remote driver.
func NewRemoteDriver(settings Settings) *RemoteDriver {
	return &RemoteDriver{
		settings:  settings.withDefaults(),
		newTarget: func(addr string) probe.Target { return probe.NewJSONRPCTarget(addr) },
	}
}

func (d *RemoteDriver) Kind() api.BackendType { return api.BackendRemote }

func (d *RemoteDriver) endpoints(params api.ConnectionParams) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(addr string) {
		if addr == "" || seen[addr] {
			return
		}
		seen[addr] = true
		out = append(out, addr)
	}
	for _, e := range d.settings.RemoteEndpoints {
		add(e)
	}
	if params.Host != "" && params.Port != 0 {
		add(params.Address())
	}
	return out
}

// Detect reports one candidate per endpoint. Unreachable endpoints are listed
// as not running.
func (d *RemoteDriver) Detect(ctx context.Context, params api.ConnectionParams) ([]api.EnvironmentCandidate, error) {
	endpoints := d.endpoints(params)
	candidates := make([]api.EnvironmentCandidate, len(endpoints))

	var wg sync.WaitGroup
	for i, addr := range endpoints {
		wg.Add(1)
		go func(i int, addr string) {
			defer wg.Done()
			candidates[i] = d.inspect(ctx, addr)
		}(i, addr)
	}
	wg.Wait()

	if ctx.Err() != nil {
		return nil, &api.DetectionError{Backend: d.Kind(), Op: "dial endpoints", Timeout: true, Err: ctx.Err()}
	}
	return candidates, nil
}

func (d *RemoteDriver) inspect(ctx context.Context, addr string) api.EnvironmentCandidate {
	c := api.EnvironmentCandidate{Type: d.Kind(), Identifier: addr}

	dialCtx, cancel := context.WithTimeout(ctx, d.settings.DialTimeout)
	defer cancel()
	var dialer net.Dialer
	conn, err := dialer.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		logging.Debug(remoteSubsystem, "%s not reachable: %v", addr, err)
		return c
	}
	conn.Close()
	c.Running = true

	pingCtx, cancelPing := context.WithTimeout(ctx, d.settings.DialTimeout)
	defer cancelPing()
	if result, err := d.newTarget(addr).Ping(pingCtx); err == nil {
		c.SoftwareInstalled = true
		c.SoftwareVersion = result.Version
	}
	return c
}

func (d *RemoteDriver) Select(candidates []api.EnvironmentCandidate, params api.ConnectionParams) (api.EnvironmentCandidate, bool) {
	addr := params.Address()
	for _, c := range candidates {
		if c.Identifier == addr {
			return c, true
		}
	}
	return api.EnvironmentCandidate{}, false
}

func (d *RemoteDriver) Requirements(candidate api.EnvironmentCandidate, params api.ConnectionParams) Requirements {
	return Requirements{}
}

func (d *RemoteDriver) InstallSteps(candidate api.EnvironmentCandidate, params api.ConnectionParams) []Step {
	return nil
}

func (d *RemoteDriver) Launch(ctx context.Context, candidate api.EnvironmentCandidate, params api.ConnectionParams) (Handle, error) {
	return &remoteHandle{target: d.newTarget(params.Address()), timeout: d.settings.DialTimeout}, nil
}

func (d *RemoteDriver) Remediate(ctx context.Context, candidate api.EnvironmentCandidate, resolution api.Resolution) error {
	return fmt.Errorf("%w: %s is managed externally", api.ErrNotAutomatable, candidate.Identifier)
}

type remoteHandle struct {
	target  probe.Target
	timeout time.Duration
}

func (h *remoteHandle) Target() probe.Target { return h.target }

func (h *remoteHandle) Describe() string { return "remote " + h.target.Address() }

// Status treats a remote bridge as alive while it answers pings.
func (h *remoteHandle) Status(ctx context.Context) (Liveness, error) {
	pingCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	if _, err := h.target.Ping(pingCtx); err != nil {
		return Liveness{Alive: false, Detail: err.Error()}, nil
	}
	return Liveness{Alive: true}, nil
}

// Terminate only forgets the endpoint; the bridge keeps running.
func (h *remoteHandle) Terminate(ctx context.Context) error {
	return nil
}
