package installer

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
	"bridgectl/pkg/logging"

	"github.com/google/uuid"
	cmap "github.com/orcaman/concurrent-map/v2"
)

const subsystem = "Installer"

var errCancelled = errors.New("cancelled")

// Orchestrator runs installation sessions, one at a time.
type Orchestrator struct {
	registry *backend.Registry
	metrics  *metrics.Metrics
	bus      *events.Bus
	sessions cmap.ConcurrentMap[string, *Session]
	now      func() time.Time
	// stepTimeout bounds each step; zero means unbounded.
	stepTimeout time.Duration

	mu       sync.Mutex
	active   *Session
	watchers map[chan *Session]struct{}
}

// New creates an Orchestrator. m and bus may be nil.
func New(registry *backend.Registry, m *metrics.Metrics, bus *events.Bus) *Orchestrator {
	return &Orchestrator{
		registry: registry,
		metrics:  m,
		bus:      bus,
		sessions: cmap.New[*Session](),
		now:      time.Now,
	}
}

// SetStepTimeout bounds every step of later sessions by d. A step that runs
// out of time fails with StepFailed.
func (o *Orchestrator) SetStepTimeout(d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stepTimeout = d
}

// checkPreconditions verifies report gates installation into candidate with params.
func checkPreconditions(candidate api.EnvironmentCandidate, params api.ConnectionParams, report api.ValidationReport) error {
	if report.BackendType != candidate.Type || report.Candidate != candidate.Identifier {
		return fmt.Errorf("report is for %s %q, not %s %q", report.BackendType, report.Candidate, candidate.Type, candidate.Identifier)
	}
	if report.Params != params {
		return fmt.Errorf("report was made for %s, not %s", report.Params.Address(), params.Address())
	}
	if len(report.Checks) == 0 {
		return errors.New("report has no checks")
	}
	return report.Err()
}

// Start begins a session in the background. The session outlives ctx; use
// Session.Cancel to stop it. Start fails with a PreconditionsNotMet
// InstallError when report does not allow installation, and with
// api.ErrInstallInProgress while another session runs.
func (o *Orchestrator) Start(ctx context.Context, candidate api.EnvironmentCandidate, params api.ConnectionParams, report api.ValidationReport) (*Session, error) {
	if err := checkPreconditions(candidate, params, report); err != nil {
		return nil, &api.InstallError{Kind: api.InstallPreconditionsNotMet, Cause: err}
	}
	driver, err := o.registry.Get(candidate.Type)
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.active != nil {
		return nil, fmt.Errorf("%w: session %s", api.ErrInstallInProgress, o.active.ID())
	}

	steps := driver.InstallSteps(candidate, params)
	names := make([]string, len(steps))
	for i, st := range steps {
		names[i] = st.Name
	}
	session := newSession(uuid.NewString(), candidate, names, o.now)

	runCtx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
	session.cancel = func() { cancel(errCancelled) }
	o.sessions.Set(session.ID(), session)
	o.active = session
	for ch := range o.watchers {
		select {
		case ch <- session:
		default:
			logging.Warn(subsystem, "Session %s: a log follower is not keeping up", session.ID())
		}
	}

	logging.Info(subsystem, "Session %s: installing into %s %s (%d steps)", session.ID(), candidate.Type, candidate.Identifier, len(steps))
	o.bus.Publish(events.ReasonInstallStarted, events.EventData{
		Backend: candidate.Type, Target: candidate.Identifier, StepCount: len(steps),
	}, "")

	go o.run(runCtx, session, candidate, steps)
	return session, nil
}

// Install starts a session and waits for it. Cancelling ctx cancels the
// session.
func (o *Orchestrator) Install(ctx context.Context, candidate api.EnvironmentCandidate, params api.ConnectionParams, report api.ValidationReport) (api.InstallationSession, error) {
	session, err := o.Start(ctx, candidate, params, report)
	if err != nil {
		return api.InstallationSession{}, err
	}
	stop := context.AfterFunc(ctx, session.cancel)
	defer stop()

	<-session.Done()
	return session.Snapshot(), session.Wait(context.Background())
}

// Get returns a snapshot of the session with id.
func (o *Orchestrator) Get(id string) (api.InstallationSession, error) {
	s, ok := o.sessions.Get(id)
	if !ok {
		return api.InstallationSession{}, api.NewNotFoundError("install session", id)
	}
	return s.Snapshot(), nil
}

// Session returns the live session with id.
func (o *Orchestrator) Session(id string) (*Session, bool) {
	return o.sessions.Get(id)
}

// Active returns a snapshot of the running session, if any.
func (o *Orchestrator) Active() (api.InstallationSession, bool) {
	o.mu.Lock()
	active := o.active
	o.mu.Unlock()
	if active == nil {
		return api.InstallationSession{}, false
	}
	return active.Snapshot(), true
}

// Log streams the log of session id from its first entry. The channel closes
// once the session has finished and every entry was delivered.
func (o *Orchestrator) Log(ctx context.Context, id string) (<-chan api.LogEntry, error) {
	s, ok := o.sessions.Get(id)
	if !ok {
		return nil, api.NewNotFoundError("install session", id)
	}
	return s.Subscribe(ctx), nil
}

// Follow streams the log of the running session and of every session started
// before ctx is done, each entry tagged with its session. The channel closes
// after ctx is done.
func (o *Orchestrator) Follow(ctx context.Context) <-chan api.SessionLogEntry {
	out := make(chan api.SessionLogEntry)
	sessions := o.watch(ctx)
	go func() {
		defer close(out)
		var wg sync.WaitGroup
		for s := range sessions {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for entry := range s.Subscribe(ctx) {
					select {
					case out <- api.SessionLogEntry{SessionID: s.ID(), LogEntry: entry}:
					case <-ctx.Done():
						return
					}
				}
			}()
		}
		wg.Wait()
	}()
	return out
}

// watch delivers the running session, then each new one, until ctx is done.
func (o *Orchestrator) watch(ctx context.Context) <-chan *Session {
	ch := make(chan *Session, 4)
	o.mu.Lock()
	if o.watchers == nil {
		o.watchers = make(map[chan *Session]struct{})
	}
	o.watchers[ch] = struct{}{}
	if o.active != nil {
		ch <- o.active
	}
	o.mu.Unlock()

	context.AfterFunc(ctx, func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		delete(o.watchers, ch)
		close(ch)
	})
	return ch
}

// Cancel cancels the session with id and waits for it to stop.
func (o *Orchestrator) Cancel(id string) error {
	s, ok := o.sessions.Get(id)
	if !ok {
		return api.NewNotFoundError("install session", id)
	}
	s.Cancel()
	return nil
}

func (o *Orchestrator) run(ctx context.Context, s *Session, candidate api.EnvironmentCandidate, steps []backend.Step) {
	started := o.now()
	defer func() {
		o.mu.Lock()
		if o.active == s {
			o.active = nil
		}
		o.mu.Unlock()
		close(s.done)
	}()

	if len(steps) == 0 {
		s.append(api.LogSuccess, "", fmt.Sprintf("%s is managed externally; nothing to install", candidate.Identifier))
	}

	for i, step := range steps {
		if ctx.Err() != nil {
			o.fail(s, candidate, &api.InstallError{Kind: api.InstallCancelled, SessionID: s.ID(), Step: step.Name, Cause: context.Cause(ctx)})
			return
		}

		s.setStep(i, api.StepRunning, "")
		s.append(api.LogInfo, step.Name, step.Name+"...")
		logging.Debug(subsystem, "Session %s: step %d/%d %s", s.ID(), i+1, len(steps), step.Name)

		stepStart := o.now()
		err := o.runStep(ctx, s, step)
		o.metrics.ObserveInstallStep(step.Name, o.now().Sub(stepStart), err)

		if err == nil && ctx.Err() != nil {
			err = context.Cause(ctx)
		}
		if err != nil {
			kind := api.InstallStepFailed
			if ctx.Err() != nil {
				kind = api.InstallCancelled
				err = context.Cause(ctx)
			}
			s.setStep(i, api.StepFailed, err.Error())
			o.fail(s, candidate, &api.InstallError{Kind: kind, SessionID: s.ID(), Step: step.Name, Cause: err})
			return
		}

		s.setStep(i, api.StepSucceeded, "")
		s.append(api.LogSuccess, step.Name, step.Name+" completed")
	}

	took := o.now().Sub(started).Round(time.Millisecond)
	s.append(api.LogSuccess, "", fmt.Sprintf("Installation completed in %s", took))
	s.finish(nil)
	o.metrics.ObserveInstallSession(candidate.Type, api.SessionSucceeded)
	logging.Info(subsystem, "Session %s succeeded in %s", s.ID(), took)
	o.bus.Publish(events.ReasonInstallSucceeded, events.EventData{
		Backend: candidate.Type, Target: candidate.Identifier, Duration: took,
	}, "")
}

func (o *Orchestrator) runStep(ctx context.Context, s *Session, step backend.Step) error {
	o.mu.Lock()
	timeout := o.stepTimeout
	o.mu.Unlock()

	stepCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	err := step.Run(stepCtx, func(text string) {
		s.append(api.LogInfo, step.Name, text)
	})
	if err != nil && ctx.Err() == nil && errors.Is(stepCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("timed out after %s: %w", timeout, err)
	}
	return err
}

func (o *Orchestrator) fail(s *Session, candidate api.EnvironmentCandidate, err *api.InstallError) {
	s.append(api.LogError, err.Step, err.Error())
	s.finish(err)
	o.metrics.ObserveInstallSession(candidate.Type, api.SessionFailed)
	logging.Error(subsystem, err, "Session %s failed", s.ID())
	o.bus.Publish(events.ReasonInstallFailed, events.EventData{
		Backend: candidate.Type, Target: candidate.Identifier, Error: err.Error(),
	}, "")
}
