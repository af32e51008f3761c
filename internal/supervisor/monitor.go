package supervisor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bridgectl/internal/api"
	"bridgectl/internal/backend"
	"bridgectl/internal/events"
	"bridgectl/internal/process"
	"bridgectl/pkg/logging"
)

// startMonitor watches handle while the bridge runs. The caller holds s.mu.
func (s *Supervisor) startMonitor(handle backend.Handle) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.monitorCancel = cancel
	s.monitorDone = done
	go func() {
		defer close(done)
		s.monitor(ctx, handle)
	}()
}

// stopMonitor cancels the liveness monitor and waits for it. The caller must
// not hold s.mu.
func (s *Supervisor) stopMonitor() {
	s.mu.Lock()
	cancel, done := s.monitorCancel, s.monitorDone
	s.monitorCancel, s.monitorDone = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (s *Supervisor) monitor(ctx context.Context, handle backend.Handle) {
	policy := s.opts.Liveness
	ticker := time.NewTicker(policy.Interval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		err := s.checkLiveness(ctx, handle)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			if failures > 0 {
				logging.Info(subsystem, "Bridge %s healthy again", handle.Describe())
			}
			failures = 0
			continue
		}

		failures++
		s.metrics.IncLivenessFailure()
		logging.Warn(subsystem, "Liveness check %d/%d of %s failed: %v", failures, policy.FailureThreshold, handle.Describe(), err)
		if failures < policy.FailureThreshold {
			s.bus.Publish(events.ReasonHealthCheckFailed, s.eventData(err), "")
			continue
		}
		if s.markDead(ctx, handle, err) {
			return
		}
	}
}

var errNotAlive = errors.New("bridge process is gone")

// checkLiveness confirms the bridge process is alive and its endpoint answers.
func (s *Supervisor) checkLiveness(ctx context.Context, handle backend.Handle) error {
	liveness, err := handle.Status(ctx)
	if err != nil {
		return fmt.Errorf("status of %s: %w", handle.Describe(), err)
	}
	if !liveness.Alive {
		if liveness.ExitKnown {
			return fmt.Errorf("%w: %s", errNotAlive, process.Diagnose(liveness.ExitCode))
		}
		return errNotAlive
	}
	result := s.prober.Probe(ctx, handle.Target(), s.opts.Liveness.ProbeAttempts, s.opts.ProbePolicy)
	if !result.Reachable {
		return fmt.Errorf("endpoint %s: %w", handle.Target().Address(), result.LastError)
	}
	return nil
}

// markDead moves a running bridge to Error. It reports false when the
// monitor was cancelled before it could take the operation token.
func (s *Supervisor) markDead(ctx context.Context, handle backend.Handle, cause error) bool {
	if err := s.acquire(ctx); err != nil {
		return false
	}
	defer s.release()

	s.recordDiagnosis(ctx, handle)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != api.StateRunning || s.handle != handle {
		return true
	}
	s.lastErr = fmt.Errorf("bridge stopped responding: %w", cause)
	// the handle is kept so Stop or the next Start can release it
	if s.monitorCancel != nil {
		defer s.monitorCancel()
	}
	s.monitorCancel, s.monitorDone = nil, nil
	_ = s.transition(api.StateError, events.ReasonBridgeExited, events.EventData{Error: cause.Error()})
	return true
}

func (s *Supervisor) eventData(err error) events.EventData {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data := events.EventData{Error: err.Error()}
	if s.config != nil {
		data.Backend = s.config.Type
		data.Target = s.config.Target()
	}
	return data
}
