package api

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnknownBackend is returned for backend kinds bridgectl has no driver for.
	ErrUnknownBackend = errors.New("unknown backend type")

	// ErrInstallInProgress is returned when an installation session is already running.
	ErrInstallInProgress = errors.New("an installation session is already running")

	// ErrBridgeRunning is returned by operations that need the bridge stopped first.
	ErrBridgeRunning = errors.New("bridge is running; stop it first")

	// ErrNotAutomatable is returned when a resolution action cannot be executed
	// by bridgectl itself and must be performed by the user.
	ErrNotAutomatable = errors.New("resolution cannot be performed automatically")
)

// NotFoundError reports a missing candidate or session.
type NotFoundError struct {
	ResourceType string
	ResourceName string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.ResourceType, e.ResourceName)
}

// NewNotFoundError creates a NotFoundError for the given resource.
func NewNotFoundError(resourceType, resourceName string) *NotFoundError {
	return &NotFoundError{ResourceType: resourceType, ResourceName: resourceName}
}

// IsNotFound checks if an error is or wraps a NotFoundError.
func IsNotFound(err error) bool {
	var notFoundErr *NotFoundError
	return errors.As(err, &notFoundErr)
}

// DetectionError means the probing mechanism for a backend kind is unusable,
// as opposed to it reporting zero candidates.
type DetectionError struct {
	Backend BackendType
	// Op describes what was being probed, e.g. "container engine ping".
	Op      string
	Timeout bool
	Err     error
}

func (e *DetectionError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("detect %s: %s timed out", e.Backend, e.Op)
	}
	return fmt.Sprintf("detect %s: %s: %v", e.Backend, e.Op, e.Err)
}

func (e *DetectionError) Unwrap() error { return e.Err }

// IsDetectionError checks if an error is or wraps a DetectionError.
func IsDetectionError(err error) bool {
	var detectionErr *DetectionError
	return errors.As(err, &detectionErr)
}

// ValidationError carries every failed gating check of a report. Kind is the
// failure kind of the first failed check.
type ValidationError struct {
	Kind      FailureKind
	Candidate string
	Failures  []ValidationCheck
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s (%s)", f.ID, f.FailureKind))
	}
	return fmt.Sprintf("validation of %s failed: %s", e.Candidate, strings.Join(parts, ", "))
}

// IsValidationError checks if an error is or wraps a ValidationError.
func IsValidationError(err error) bool {
	var validationErr *ValidationError
	return errors.As(err, &validationErr)
}

// InstallErrorKind classifies an InstallError.
type InstallErrorKind string

const (
	InstallPreconditionsNotMet InstallErrorKind = "preconditions_not_met"
	InstallStepFailed          InstallErrorKind = "step_failed"
	InstallCancelled           InstallErrorKind = "cancelled"
)

// InstallError ends an installation session. Step is empty for
// PreconditionsNotMet.
type InstallError struct {
	Kind      InstallErrorKind
	SessionID string
	Step      string
	Cause     error
}

func (e *InstallError) Error() string {
	switch e.Kind {
	case InstallPreconditionsNotMet:
		return fmt.Sprintf("install preconditions not met: %v", e.Cause)
	case InstallCancelled:
		if e.Step != "" {
			return fmt.Sprintf("install cancelled during step %q", e.Step)
		}
		return "install cancelled"
	default:
		return fmt.Sprintf("install step %q failed: %v", e.Step, e.Cause)
	}
}

func (e *InstallError) Unwrap() error { return e.Cause }

// IsInstallError checks if err is or wraps an InstallError of the given kind.
// An empty kind matches any InstallError.
func IsInstallError(err error, kind InstallErrorKind) bool {
	var installErr *InstallError
	if !errors.As(err, &installErr) {
		return false
	}
	return kind == "" || installErr.Kind == kind
}

// ConnectionErrorKind classifies a failed probe attempt.
type ConnectionErrorKind string

const (
	ConnectionRefused          ConnectionErrorKind = "refused"
	ConnectionTimeout          ConnectionErrorKind = "timeout"
	ConnectionProtocolMismatch ConnectionErrorKind = "protocol_mismatch"
)

// ConnectionError is the failure of one probe attempt against an endpoint.
type ConnectionError struct {
	Kind     ConnectionErrorKind
	Endpoint string
	Err      error
}

func (e *ConnectionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("connection to %s: %s", e.Endpoint, e.Kind)
	}
	return fmt.Sprintf("connection to %s: %s: %v", e.Endpoint, e.Kind, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// Transient reports whether retrying the attempt can help.
func (e *ConnectionError) Transient() bool {
	return e.Kind != ConnectionProtocolMismatch
}

// IsConnectionError checks if err is or wraps a ConnectionError of the given
// kind. An empty kind matches any ConnectionError.
func IsConnectionError(err error, kind ConnectionErrorKind) bool {
	var connErr *ConnectionError
	if !errors.As(err, &connErr) {
		return false
	}
	return kind == "" || connErr.Kind == kind
}

// ConfigConflictError is returned when a start is requested with a
// configuration that differs from the active one.
type ConfigConflictError struct {
	Active    BackendConfig
	Requested BackendConfig
}

func (e *ConfigConflictError) Error() string {
	return fmt.Sprintf("bridge is active with %s; stop it before starting %s", e.Active, e.Requested)
}

// IsConfigConflict checks if err is or wraps a ConfigConflictError.
func IsConfigConflict(err error) bool {
	var conflictErr *ConfigConflictError
	return errors.As(err, &conflictErr)
}
