package supervisor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"bridgectl/internal/api"
	"bridgectl/internal/backend"
	"bridgectl/internal/probe"
)

type fakeTarget struct{ addr string }

func (t fakeTarget) Address() string { return t.addr }

func (t fakeTarget) Ping(ctx context.Context) (probe.PingResult, error) {
	return probe.PingResult{}, nil
}

type fakeHandle struct {
	addr       string
	alive      atomic.Bool
	exitCode   int
	adopted    bool
	terminated atomic.Int32
}

func (h *fakeHandle) Adopted() bool { return h.adopted }

func newFakeHandle(addr string) *fakeHandle {
	h := &fakeHandle{addr: addr}
	h.alive.Store(true)
	return h
}

func (h *fakeHandle) Target() probe.Target { return fakeTarget{h.addr} }
func (h *fakeHandle) Describe() string     { return "pid 4242" }

func (h *fakeHandle) Status(ctx context.Context) (backend.Liveness, error) {
	if h.alive.Load() {
		return backend.Liveness{Alive: true}, nil
	}
	return backend.Liveness{ExitCode: h.exitCode, ExitKnown: true}, nil
}

func (h *fakeHandle) Terminate(ctx context.Context) error {
	h.terminated.Add(1)
	h.alive.Store(false)
	return nil
}

// environment is the shared fake world the drivers, detector and validator see.
type environment struct {
	mu        sync.Mutex
	running   bool
	installed bool
	detectErr error
}

func (e *environment) candidate(kind api.BackendType, id string) api.EnvironmentCandidate {
	e.mu.Lock()
	defer e.mu.Unlock()
	return api.EnvironmentCandidate{
		Type:              kind,
		Identifier:        id,
		Running:           e.running,
		SoftwareInstalled: e.installed,
		RuntimeVersion:    "3.12.1",
	}
}

type fakeDriver struct {
	backend.Driver
	kind      api.BackendType
	env       *environment
	launches  atomic.Int32
	launchErr error
	// exited makes launched handles report an exit with code 1 at once.
	exited bool
	adopt  bool
	steps  []backend.Step

	mu      sync.Mutex
	handles []*fakeHandle
}

func (d *fakeDriver) Kind() api.BackendType { return d.kind }

func (d *fakeDriver) Select(candidates []api.EnvironmentCandidate, params api.ConnectionParams) (api.EnvironmentCandidate, bool) {
	if len(candidates) == 0 {
		return api.EnvironmentCandidate{}, false
	}
	return candidates[0], true
}

func (d *fakeDriver) Launch(ctx context.Context, candidate api.EnvironmentCandidate, params api.ConnectionParams) (backend.Handle, error) {
	d.launches.Add(1)
	if d.launchErr != nil {
		return nil, d.launchErr
	}
	h := newFakeHandle(params.Address())
	h.adopted = d.adopt
	if d.exited {
		h.alive.Store(false)
		h.exitCode = 1
	}
	d.mu.Lock()
	d.handles = append(d.handles, h)
	d.mu.Unlock()
	return h, nil
}

func (d *fakeDriver) InstallSteps(candidate api.EnvironmentCandidate, params api.ConnectionParams) []backend.Step {
	return d.steps
}

func (d *fakeDriver) lastHandle() *fakeHandle {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.handles) == 0 {
		return nil
	}
	return d.handles[len(d.handles)-1]
}

func (d *fakeDriver) Remediate(ctx context.Context, candidate api.EnvironmentCandidate, resolution api.Resolution) error {
	if resolution.Action != api.ActionStartEnvironment {
		return api.ErrNotAutomatable
	}
	d.env.mu.Lock()
	d.env.running = true
	d.env.mu.Unlock()
	return nil
}

type fakeDetector struct {
	env   *environment
	calls atomic.Int32
}

func (f *fakeDetector) DetectFor(ctx context.Context, kind api.BackendType, params api.ConnectionParams) ([]api.EnvironmentCandidate, error) {
	f.calls.Add(1)
	f.env.mu.Lock()
	err := f.env.detectErr
	f.env.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return []api.EnvironmentCandidate{f.env.candidate(kind, api.BackendConfig{Type: kind, Params: params}.Target())}, nil
}

type fakeValidator struct {
	calls atomic.Int32
}

func (f *fakeValidator) Validate(ctx context.Context, candidate api.EnvironmentCandidate, params api.ConnectionParams) (api.ValidationReport, error) {
	f.calls.Add(1)
	report := api.ValidationReport{BackendType: candidate.Type, Candidate: candidate.Identifier, Params: params}
	running := api.ValidationCheck{ID: api.CheckEnvironmentRunning, Blocking: true, Passed: candidate.Running}
	if !candidate.Running {
		running.FailureKind = api.FailureNotRunning
		running.Resolution = &api.Resolution{Action: api.ActionStartEnvironment, Command: []string{"wsl", "-d", candidate.Identifier, "--", "echo", "started"}}
	}
	report.Checks = append(report.Checks, running,
		api.ValidationCheck{ID: api.CheckSoftwareInstalled, Passed: candidate.SoftwareInstalled})
	return report, nil
}

type fakeInstaller struct {
	env   *environment
	calls atomic.Int32
	err   error
}

func (f *fakeInstaller) Install(ctx context.Context, candidate api.EnvironmentCandidate, params api.ConnectionParams, report api.ValidationReport) (api.InstallationSession, error) {
	f.calls.Add(1)
	session := api.InstallationSession{ID: "session-1", BackendType: candidate.Type, Candidate: candidate.Identifier}
	if f.err != nil {
		session.Status = api.SessionFailed
		return session, f.err
	}
	f.env.mu.Lock()
	f.env.installed = true
	f.env.mu.Unlock()
	session.Status = api.SessionSucceeded
	return session, nil
}

// fakeProber answers from reachable. When gate is set every probe first
// signals entered and then waits for gate to close.
type fakeProber struct {
	reachable atomic.Bool
	calls     atomic.Int32
	entered   chan struct{}
	gate      chan struct{}
	once      sync.Once
}

func newFakeProber() *fakeProber {
	p := &fakeProber{}
	p.reachable.Store(true)
	return p
}

func (p *fakeProber) Probe(ctx context.Context, target probe.Target, maxAttempts int, policy probe.Policy) api.HealthProbeResult {
	p.calls.Add(1)
	if p.gate != nil {
		p.once.Do(func() { close(p.entered) })
		select {
		case <-p.gate:
		case <-ctx.Done():
			return api.HealthProbeResult{AttemptCount: 1, LastError: ctx.Err()}
		}
	}
	if p.reachable.Load() {
		return api.HealthProbeResult{Reachable: true, AttemptCount: 1}
	}
	return api.HealthProbeResult{
		AttemptCount: maxAttempts,
		LastError:    &api.ConnectionError{Kind: api.ConnectionRefused, Endpoint: target.Address(), Err: errors.New("connection refused")},
	}
}

type memoryStore struct {
	mu     sync.Mutex
	record api.BackendRecord
	saves  int
}

func (m *memoryStore) Load() (api.BackendRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.record, nil
}

func (m *memoryStore) Save(record api.BackendRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record = record
	m.saves++
	return nil
}

func (m *memoryStore) saved() (api.BackendRecord, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.record, m.saves
}
