package events

import (
	"time"

	"bridgectl/internal/api"
)

// EventType represents the severity of an event.
type EventType string

const (
	// EventTypeNormal indicates normal, non-problematic events.
	EventTypeNormal EventType = "Normal"

	// EventTypeWarning indicates events that may require attention.
	EventTypeWarning EventType = "Warning"
)

// EventReason represents the reason code for an event.
type EventReason string

// Bridge lifecycle reasons
const (
	ReasonBridgeStarting EventReason = "BridgeStarting"
	ReasonBridgeStarted  EventReason = "BridgeStarted"
	// ReasonBridgeAdopted means a bridge already serving the configuration was taken over.
	ReasonBridgeAdopted EventReason = "BridgeAdopted"
	ReasonBridgeStopped EventReason = "BridgeStopped"
	ReasonBridgeFailed  EventReason = "BridgeFailed"

	// ReasonBridgeExited means the liveness monitor found the bridge gone.
	ReasonBridgeExited EventReason = "BridgeExited"

	// ReasonHealthCheckFailed indicates one failed liveness probe below the threshold.
	ReasonHealthCheckFailed EventReason = "HealthCheckFailed"
)

// Installation reasons
const (
	ReasonInstallStarted   EventReason = "InstallStarted"
	ReasonInstallSucceeded EventReason = "InstallSucceeded"
	ReasonInstallFailed    EventReason = "InstallFailed"
)

// Configuration reasons
const (
	ReasonConfigChanged      EventReason = "ConfigChanged"
	ReasonRemediationApplied EventReason = "RemediationApplied"
	ReasonRemediationFailed  EventReason = "RemediationFailed"
)

// EventData holds contextual information for event message templating.
type EventData struct {
	// Target names the environment involved, e.g. a distribution or container.
	Target  string
	Backend api.BackendType
	Port    int

	// Process describes the bridge process, e.g. "pid 4242".
	Process string

	Error    string
	Duration time.Duration

	// StepCount is the number of installation steps.
	StepCount int
}

// Event is one published lifecycle event.
type Event struct {
	Time    time.Time       `json:"time"`
	Type    EventType       `json:"type"`
	Reason  EventReason     `json:"reason"`
	Message string          `json:"message"`
	Backend api.BackendType `json:"backend_type,omitempty"`
	Target  string          `json:"target,omitempty"`
	// State is the supervisor state after the event, when it changed.
	State api.BridgeState `json:"state,omitempty"`
}

// getEventType returns the appropriate EventType for a given EventReason.
func getEventType(reason EventReason) EventType {
	switch reason {
	case ReasonBridgeFailed,
		ReasonBridgeExited,
		ReasonHealthCheckFailed,
		ReasonInstallFailed,
		ReasonRemediationFailed:
		return EventTypeWarning
	default:
		return EventTypeNormal
	}
}
