package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"bridgectl/internal/api"
	"bridgectl/internal/backend"
	"bridgectl/internal/events"
	"bridgectl/internal/metrics"
	"bridgectl/internal/probe"
	"bridgectl/internal/process"
	"bridgectl/pkg/logging"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/singleflight"
)

const subsystem = "Supervisor"

// Detector lists the candidates of a backend kind.
type Detector interface {
	DetectFor(ctx context.Context, kind api.BackendType, params api.ConnectionParams) ([]api.EnvironmentCandidate, error)
}

// Validator checks a candidate before it is used.
type Validator interface {
	Validate(ctx context.Context, candidate api.EnvironmentCandidate, params api.ConnectionParams) (api.ValidationReport, error)
}

// Installer installs the bridge software into a candidate.
type Installer interface {
	Install(ctx context.Context, candidate api.EnvironmentCandidate, params api.ConnectionParams, report api.ValidationReport) (api.InstallationSession, error)
}

// Prober confirms a launched bridge answers.
type Prober interface {
	Probe(ctx context.Context, target probe.Target, maxAttempts int, policy probe.Policy) api.HealthProbeResult
}

// RecordStore persists the selected backend.
type RecordStore interface {
	Load() (api.BackendRecord, error)
	Save(record api.BackendRecord) error
}

// LivenessPolicy controls the checks made while the bridge is running.
type LivenessPolicy struct {
	Interval time.Duration
	// FailureThreshold consecutive failed checks drop the bridge to Error.
	FailureThreshold int
	ProbeAttempts    int
}

// Options tune the supervisor.
type Options struct {
	ProbeAttempts int
	ProbePolicy   probe.Policy
	StartTimeout  time.Duration
	Liveness      LivenessPolicy
}

func (o Options) withDefaults() Options {
	if o.ProbeAttempts <= 0 {
		o.ProbeAttempts = 8
	}
	if o.StartTimeout <= 0 {
		o.StartTimeout = 15 * time.Minute
	}
	if o.Liveness.Interval <= 0 {
		o.Liveness.Interval = 15 * time.Second
	}
	if o.Liveness.FailureThreshold <= 0 {
		o.Liveness.FailureThreshold = 1
	}
	if o.Liveness.ProbeAttempts <= 0 {
		o.Liveness.ProbeAttempts = 1
	}
	return o
}

// Deps are the collaborators of a Supervisor. Metrics and Events may be nil.
type Deps struct {
	Registry  *backend.Registry
	Detector  Detector
	Validator Validator
	Installer Installer
	Prober    Prober
	Store     RecordStore
	Metrics   *metrics.Metrics
	Events    *events.Bus
}

// Supervisor owns the single active bridge. Mutating operations are
// serialized by one operation token; Status reads a snapshot.
type Supervisor struct {
	registry  *backend.Registry
	detector  Detector
	validator Validator
	installer Installer
	prober    Prober
	store     RecordStore
	metrics   *metrics.Metrics
	bus       *events.Bus
	opts      Options
	now       func() time.Time

	token  chan struct{}
	starts singleflight.Group

	// ctx bounds every start attempt; Close cancels it.
	ctx        context.Context
	cancel     context.CancelFunc
	attemptsMu sync.Mutex
	attempts   map[string]*attempt

	mu        sync.RWMutex
	state     api.BridgeState
	config    *api.BackendConfig
	handle    backend.Handle
	lastErr   error
	diagnosis string
	sessionID string
	since     time.Time

	monitorCancel context.CancelFunc
	monitorDone   chan struct{}
}

// New creates a Supervisor in the Stopped state.
func New(deps Deps, opts Options) *Supervisor {
	s := &Supervisor{
		registry:  deps.Registry,
		detector:  deps.Detector,
		validator: deps.Validator,
		installer: deps.Installer,
		prober:    deps.Prober,
		store:     deps.Store,
		metrics:   deps.Metrics,
		bus:       deps.Events,
		opts:      opts.withDefaults(),
		now:       time.Now,
		token:     make(chan struct{}, 1),
		state:     api.StateStopped,
	}
	s.since = s.now()
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.attempts = make(map[string]*attempt)
	s.metrics.SetState(api.StateStopped)
	return s
}

// attempt is a start shared by every caller waiting on the same
// configuration. It is cancelled when its last waiter gives up.
type attempt struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

func (s *Supervisor) join(key string) *attempt {
	s.attemptsMu.Lock()
	defer s.attemptsMu.Unlock()
	a, ok := s.attempts[key]
	if !ok {
		ctx, cancel := context.WithCancel(s.ctx)
		a = &attempt{ctx: ctx, cancel: cancel}
		s.attempts[key] = a
	}
	a.waiters++
	return a
}

// leave drops one waiter and reports whether it was the last.
func (s *Supervisor) leave(key string, a *attempt) bool {
	s.attemptsMu.Lock()
	defer s.attemptsMu.Unlock()
	a.waiters--
	if a.waiters > 0 {
		return false
	}
	if s.attempts[key] == a {
		delete(s.attempts, key)
	}
	return true
}

// acquire takes the operation token, giving up when ctx is done.
func (s *Supervisor) acquire(ctx context.Context) error {
	select {
	case s.token <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Supervisor) release() { <-s.token }

// conflict reports whether cfg may not start because another configuration
// is active, and whether cfg is already running.
func (s *Supervisor) conflict(cfg api.BackendConfig) (running bool, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.config == nil {
		return false, nil
	}
	active := s.state == api.StateRunning || s.state == api.StateStarting
	if !active {
		return false, nil
	}
	if !s.config.Equal(cfg) {
		return false, &api.ConfigConflictError{Active: *s.config, Requested: cfg}
	}
	return s.state == api.StateRunning, nil
}

// Start brings the bridge up with cfg. It returns at once when cfg is already
// running and fails with a ConfigConflictError while another configuration
// is active. Concurrent starts of the same configuration share one attempt.
// A caller whose ctx ends stops waiting; when no caller is left the attempt
// is cancelled, and Start returns only after its subordinate processes are
// gone.
func (s *Supervisor) Start(ctx context.Context, cfg api.BackendConfig) error {
	cfg = cfg.WithDefaults()
	if !cfg.Type.Valid() {
		return fmt.Errorf("%w: %q", api.ErrUnknownBackend, cfg.Type)
	}
	running, err := s.conflict(cfg)
	if err != nil {
		return err
	}
	if running {
		logging.Debug(subsystem, "%s already running", cfg)
		return nil
	}

	key := cfg.Key()
	for {
		a := s.join(key)
		ch := s.starts.DoChan(key, func() (interface{}, error) {
			return a, s.start(a.ctx, cfg)
		})

		select {
		case res := <-ch:
			if s.leave(key, a) {
				a.cancel()
			}
			// joined an attempt its own callers abandoned just before
			if ran, _ := res.Val.(*attempt); res.Err != nil && ran != a && ran != nil && ran.ctx.Err() != nil && ctx.Err() == nil && s.ctx.Err() == nil {
				continue
			}
			return res.Err
		case <-ctx.Done():
			if s.leave(key, a) {
				logging.Info(subsystem, "Cancelling start of %s", cfg)
				a.cancel()
				<-ch
			}
			return ctx.Err()
		}
	}
}

func (s *Supervisor) start(ctx context.Context, cfg api.BackendConfig) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()

	// a start of the same config may have finished while this one waited
	running, err := s.conflict(cfg)
	if err != nil || running {
		return err
	}

	s.stopMonitor()
	s.mu.Lock()
	leftover := s.handle
	s.handle = nil
	s.mu.Unlock()
	if leftover != nil {
		logging.Info(subsystem, "Releasing leftover bridge %s", leftover.Describe())
		if err := leftover.Terminate(ctx); err != nil {
			logging.Warn(subsystem, "Releasing %s failed: %v", leftover.Describe(), err)
		}
	}

	s.mu.Lock()
	c := cfg
	s.config = &c
	s.lastErr = nil
	s.diagnosis = ""
	s.sessionID = ""
	err = s.transition(api.StateStarting, events.ReasonBridgeStarting, events.EventData{})
	s.mu.Unlock()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.StartTimeout)
	defer cancel()

	began := s.now()
	handle, err := s.bringUp(ctx, cfg)

	s.mu.Lock()
	if err != nil {
		s.lastErr = err
		_ = s.transition(api.StateError, events.ReasonBridgeFailed, events.EventData{Error: err.Error()})
		s.mu.Unlock()
		logging.Error(subsystem, err, "Starting %s failed", cfg)
		return err
	}
	s.handle = handle
	reason := events.ReasonBridgeStarted
	if backend.IsAdopted(handle) {
		reason = events.ReasonBridgeAdopted
	}
	_ = s.transition(api.StateRunning, reason, events.EventData{
		Process:  handle.Describe(),
		Duration: s.now().Sub(began).Round(time.Millisecond),
	})
	s.startMonitor(handle)
	s.mu.Unlock()

	s.saveRecord(cfg)
	return nil
}

// bringUp runs detection, validation, installation when needed, launch and
// the start-up probe.
func (s *Supervisor) bringUp(ctx context.Context, cfg api.BackendConfig) (backend.Handle, error) {
	driver, err := s.registry.Get(cfg.Type)
	if err != nil {
		return nil, err
	}

	candidate, err := s.candidate(ctx, driver, cfg)
	if err != nil {
		return nil, err
	}

	report, err := s.validator.Validate(ctx, candidate, cfg.Params)
	if err != nil {
		return nil, err
	}
	if err := report.Err(); err != nil {
		return nil, err
	}

	if !candidate.SoftwareInstalled {
		session, err := s.installer.Install(ctx, candidate, cfg.Params, report)
		s.mu.Lock()
		s.sessionID = session.ID
		s.mu.Unlock()
		if err != nil {
			return nil, err
		}
	} else {
		logging.Debug(subsystem, "Bridge software %s already present in %s", candidate.SoftwareVersion, candidate.Identifier)
	}

	handle, err := driver.Launch(ctx, candidate, cfg.Params)
	if err != nil {
		return nil, fmt.Errorf("failed to launch bridge in %s: %w", candidate.Identifier, err)
	}
	logging.Info(subsystem, "Launched %s, probing %s", handle.Describe(), handle.Target().Address())

	result := s.prober.Probe(ctx, handle.Target(), s.opts.ProbeAttempts, s.opts.ProbePolicy)
	s.metrics.ObserveProbe(result)

	var probeErr error
	switch {
	case !result.Reachable:
		probeErr = fmt.Errorf("bridge at %s not reachable after %d attempt(s): %w",
			handle.Target().Address(), result.AttemptCount, result.LastError)
	default:
		// the answer may come from another process holding the port
		liveness, err := handle.Status(ctx)
		if err != nil {
			probeErr = fmt.Errorf("failed to check %s after it answered: %w", handle.Describe(), err)
		} else if !liveness.Alive {
			probeErr = fmt.Errorf("%s exited although %s answered; another process holds the port",
				handle.Describe(), handle.Target().Address())
		} else {
			return handle, nil
		}
	}
	s.recordDiagnosis(ctx, handle)

	var merr *multierror.Error
	merr = multierror.Append(merr, probeErr)
	if err := handle.Terminate(context.WithoutCancel(ctx)); err != nil {
		merr = multierror.Append(merr, fmt.Errorf("failed to stop %s: %w", handle.Describe(), err))
	}
	return nil, merr.ErrorOrNil()
}

// candidate detects the environments of cfg's kind and picks the one cfg
// names.
func (s *Supervisor) candidate(ctx context.Context, driver backend.Driver, cfg api.BackendConfig) (api.EnvironmentCandidate, error) {
	candidates, err := s.detector.DetectFor(ctx, cfg.Type, cfg.Params)
	if err != nil {
		return api.EnvironmentCandidate{}, err
	}
	candidate, ok := driver.Select(candidates, cfg.Params)
	if !ok {
		return api.EnvironmentCandidate{}, api.NewNotFoundError(string(cfg.Type)+" environment", cfg.Target())
	}
	return candidate, nil
}

// recordDiagnosis keeps the exit diagnosis of a handle that is no longer alive.
func (s *Supervisor) recordDiagnosis(ctx context.Context, handle backend.Handle) {
	liveness, err := handle.Status(ctx)
	if err != nil || liveness.Alive {
		return
	}
	diagnosis := "bridge exited"
	if liveness.ExitKnown {
		diagnosis = process.Diagnose(liveness.ExitCode).String()
	}
	if liveness.Detail != "" {
		diagnosis += "\n" + liveness.Detail
	}
	s.mu.Lock()
	s.diagnosis = diagnosis
	s.mu.Unlock()
}

func (s *Supervisor) saveRecord(cfg api.BackendConfig) {
	if s.store == nil {
		return
	}
	if err := s.store.Save(api.BackendRecord{Configured: true, DefaultBackend: &cfg}); err != nil {
		logging.Warn(subsystem, "Saving backend record failed: %v", err)
	}
}

// Stop terminates the bridge. Stopping a stopped bridge does nothing. In the
// Error state Stop releases whatever is left of the failed bridge and the
// state stays Error.
func (s *Supervisor) Stop(ctx context.Context) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()

	s.mu.RLock()
	state := s.state
	handle := s.handle
	s.mu.RUnlock()

	switch state {
	case api.StateStopped:
		return nil
	case api.StateError:
		s.stopMonitor()
		if handle == nil {
			return nil
		}
		err := handle.Terminate(ctx)
		s.mu.Lock()
		s.handle = nil
		s.mu.Unlock()
		if err != nil {
			return fmt.Errorf("failed to release %s: %w", handle.Describe(), err)
		}
		logging.Info(subsystem, "Released leftover bridge %s", handle.Describe())
		return nil
	}

	s.stopMonitor()
	if err := handle.Terminate(ctx); err != nil {
		err = fmt.Errorf("failed to stop %s: %w", handle.Describe(), err)
		s.mu.Lock()
		s.lastErr = err
		_ = s.transition(api.StateError, events.ReasonBridgeFailed, events.EventData{Error: err.Error()})
		s.mu.Unlock()
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.handle = nil
	return s.transition(api.StateStopped, events.ReasonBridgeStopped, events.EventData{Process: handle.Describe()})
}

// Install installs or upgrades the bridge software for cfg without starting
// it. It is refused while the bridge runs.
func (s *Supervisor) Install(ctx context.Context, cfg api.BackendConfig) (api.InstallationSession, error) {
	cfg = cfg.WithDefaults()
	if err := s.acquire(ctx); err != nil {
		return api.InstallationSession{}, err
	}
	defer s.release()

	if s.Status().State == api.StateRunning {
		return api.InstallationSession{}, api.ErrBridgeRunning
	}

	driver, err := s.registry.Get(cfg.Type)
	if err != nil {
		return api.InstallationSession{}, err
	}
	candidate, err := s.candidate(ctx, driver, cfg)
	if err != nil {
		return api.InstallationSession{}, err
	}
	report, err := s.validator.Validate(ctx, candidate, cfg.Params)
	if err != nil {
		return api.InstallationSession{}, err
	}
	return s.installer.Install(ctx, candidate, cfg.Params, report)
}

// Validate checks the environment cfg points at. It changes nothing and does
// not wait for a running operation.
func (s *Supervisor) Validate(ctx context.Context, cfg api.BackendConfig) (api.ValidationReport, error) {
	cfg = cfg.WithDefaults()
	driver, err := s.registry.Get(cfg.Type)
	if err != nil {
		return api.ValidationReport{}, err
	}
	candidate, err := s.candidate(ctx, driver, cfg)
	if err != nil {
		return api.ValidationReport{}, err
	}
	return s.validator.Validate(ctx, candidate, cfg.Params)
}

// Remediate performs the resolution that validation of cfg proposes for
// action, then validates again and returns the new report.
func (s *Supervisor) Remediate(ctx context.Context, cfg api.BackendConfig, action api.ResolutionAction) (api.ValidationReport, error) {
	cfg = cfg.WithDefaults()
	if err := s.acquire(ctx); err != nil {
		return api.ValidationReport{}, err
	}
	defer s.release()

	driver, err := s.registry.Get(cfg.Type)
	if err != nil {
		return api.ValidationReport{}, err
	}
	candidate, err := s.candidate(ctx, driver, cfg)
	if err != nil {
		return api.ValidationReport{}, err
	}
	report, err := s.validator.Validate(ctx, candidate, cfg.Params)
	if err != nil {
		return api.ValidationReport{}, err
	}

	var resolution *api.Resolution
	for _, check := range report.Failures() {
		if check.Resolution != nil && check.Resolution.Action == action {
			resolution = check.Resolution
			break
		}
	}
	if resolution == nil {
		return report, fmt.Errorf("no failed check of %s needs %s", candidate.Identifier, action)
	}

	data := events.EventData{Backend: cfg.Type, Target: candidate.Identifier}
	if err := driver.Remediate(ctx, candidate, *resolution); err != nil {
		data.Error = err.Error()
		s.bus.Publish(events.ReasonRemediationFailed, data, "")
		return report, err
	}
	s.bus.Publish(events.ReasonRemediationApplied, data, "")

	candidate, err = s.candidate(ctx, driver, cfg)
	if err != nil {
		return api.ValidationReport{}, err
	}
	return s.validator.Validate(ctx, candidate, cfg.Params)
}

// Reconfigure makes cfg the persisted default backend. It fails with a
// ConfigConflictError while another configuration is active.
func (s *Supervisor) Reconfigure(ctx context.Context, cfg api.BackendConfig) error {
	cfg = cfg.WithDefaults()
	if !cfg.Type.Valid() {
		return fmt.Errorf("%w: %q", api.ErrUnknownBackend, cfg.Type)
	}
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()

	if _, err := s.conflict(cfg); err != nil {
		return err
	}
	if s.store == nil {
		return errors.New("no backend record store configured")
	}
	if err := s.store.Save(api.BackendRecord{Configured: true, DefaultBackend: &cfg}); err != nil {
		return err
	}
	s.bus.Publish(events.ReasonConfigChanged, events.EventData{Backend: cfg.Type, Target: cfg.Target()}, "")
	return nil
}

// Restore reads the persisted record and starts the bridge when it asks for
// auto start. It returns the recorded configuration, or nil when none is
// recorded.
func (s *Supervisor) Restore(ctx context.Context) (*api.BackendConfig, error) {
	if s.store == nil {
		return nil, nil
	}
	record, err := s.store.Load()
	if err != nil {
		return nil, err
	}
	if !record.Configured || record.DefaultBackend == nil {
		logging.Debug(subsystem, "No backend configured yet")
		return nil, nil
	}
	cfg := record.DefaultBackend.WithDefaults()
	if !cfg.AutoStart {
		return &cfg, nil
	}
	logging.Info(subsystem, "Auto-starting %s", cfg)
	return &cfg, s.Start(ctx, cfg)
}

// Subscribe streams lifecycle events until ctx is done.
func (s *Supervisor) Subscribe(ctx context.Context) <-chan events.Event {
	if s.bus == nil {
		ch := make(chan events.Event)
		context.AfterFunc(ctx, func() { close(ch) })
		return ch
	}
	return s.bus.Subscribe(ctx)
}

// Close cancels a start in flight and waits for it to unwind, then stops
// liveness monitoring. A running bridge keeps running.
func (s *Supervisor) Close() {
	s.cancel()
	// start holds the token until its installer and launch are cleaned up
	s.token <- struct{}{}
	s.release()
	s.stopMonitor()
}
