package installer

import (
	"context"
	"sync"
	"time"

	"bridgectl/internal/api"
)

// Session is one running or finished installation attempt.
type Session struct {
	mu      sync.Mutex
	state   api.InstallationSession
	changed chan struct{}
	err     error

	cancel context.CancelFunc
	done   chan struct{}
	now    func() time.Time
}

func newSession(id string, candidate api.EnvironmentCandidate, steps []string, now func() time.Time) *Session {
	s := &Session{
		state: api.InstallationSession{
			ID:          id,
			BackendType: candidate.Type,
			Candidate:   candidate.Identifier,
			Status:      api.SessionRunning,
			StartedAt:   now(),
		},
		changed: make(chan struct{}),
		done:    make(chan struct{}),
		now:     now,
	}
	for _, name := range steps {
		s.state.Steps = append(s.state.Steps, api.StepState{Name: name, Status: api.StepPending})
	}
	return s
}

// ID returns the session id.
func (s *Session) ID() string { return s.state.ID }

// Snapshot returns a copy of the session.
func (s *Session) Snapshot() api.InstallationSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := s.state
	snap.Steps = append([]api.StepState(nil), s.state.Steps...)
	snap.Log = append([]api.LogEntry(nil), s.state.Log...)
	return snap
}

// Done is closed once the session reached a terminal status.
func (s *Session) Done() <-chan struct{} { return s.done }

// Wait blocks until the session finishes or ctx is done. It returns the
// session's InstallError, or nil on success.
func (s *Session) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel stops the session and returns once its steps have stopped running.
// Cancelling a finished session does nothing.
func (s *Session) Cancel() {
	s.cancel()
	<-s.done
}

// Subscribe streams the session log from the first entry. The channel closes
// after the last entry of a finished session, or when ctx is done.
func (s *Session) Subscribe(ctx context.Context) <-chan api.LogEntry {
	out := make(chan api.LogEntry)
	go func() {
		defer close(out)
		next := 0
		for {
			s.mu.Lock()
			pending := append([]api.LogEntry(nil), s.state.Log[next:]...)
			terminal := s.state.Terminal()
			changed := s.changed
			s.mu.Unlock()

			for _, entry := range pending {
				select {
				case out <- entry:
					next++
				case <-ctx.Done():
					return
				}
			}
			if terminal {
				return
			}
			select {
			case <-changed:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// notify wakes subscribers. Callers hold s.mu.
func (s *Session) notify() {
	close(s.changed)
	s.changed = make(chan struct{})
}

func (s *Session) append(level api.LogLevel, step, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return
	}
	s.state.Log = append(s.state.Log, api.LogEntry{Timestamp: s.now(), Level: level, Text: text, Step: step})
	s.notify()
}

func (s *Session) setStep(i int, status api.StepStatus, cause string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Steps[i].Status = status
	s.state.Steps[i].Cause = cause
	s.notify()
}

// finish records the terminal status. err is nil on success.
func (s *Session) finish(err *api.InstallError) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.FinishedAt = s.now()
	if err == nil {
		s.state.Status = api.SessionSucceeded
	} else {
		s.state.Status = api.SessionFailed
		s.state.FailureKind = err.Kind
		s.state.Cause = err.Error()
		s.err = err
	}
	s.notify()
}
