package supervisor

import (
	"fmt"

	"bridgectl/internal/api"
	"bridgectl/internal/events"
	"bridgectl/pkg/logging"
)

// transitions lists the allowed edges of the bridge state machine.
var transitions = map[api.BridgeState][]api.BridgeState{
	api.StateStopped:  {api.StateStarting},
	api.StateError:    {api.StateStarting},
	api.StateStarting: {api.StateRunning, api.StateError},
	api.StateRunning:  {api.StateStopped, api.StateError},
}

func canTransition(from, to api.BridgeState) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// transition moves to state `to` and publishes reason. The caller holds s.mu
// and the operation token.
func (s *Supervisor) transition(to api.BridgeState, reason events.EventReason, data events.EventData) error {
	from := s.state
	if !canTransition(from, to) {
		err := fmt.Errorf("invalid bridge state transition %s -> %s", from, to)
		logging.Error(subsystem, err, "Rejected transition")
		return err
	}
	s.state = to
	s.since = s.now()
	s.metrics.ObserveTransition(from, to)
	s.metrics.SetState(to)
	logging.Info(subsystem, "Bridge %s -> %s", from, to)

	if s.config != nil {
		data.Backend = s.config.Type
		data.Target = s.config.Target()
		if data.Port == 0 {
			data.Port = s.config.Params.Port
		}
	}
	s.bus.Publish(reason, data, to)
	return nil
}

// Status returns a consistent snapshot of the supervisor. It never waits for
// an in-flight operation.
func (s *Supervisor) Status() api.BridgeStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := api.BridgeStatus{
		State:     s.state,
		Diagnosis: s.diagnosis,
		SessionID: s.sessionID,
		Since:     s.since,
	}
	if s.config != nil {
		cfg := *s.config
		status.Config = &cfg
		if s.state == api.StateRunning && s.handle != nil {
			status.Endpoint = s.handle.Target().Address()
		}
	}
	if s.lastErr != nil {
		status.LastError = s.lastErr.Error()
	}
	return status
}

// LastError returns the error retained from the last failure, if any.
func (s *Supervisor) LastError() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

