package api

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// BackendType identifies where the bridge runs.
type BackendType string

const (
	BackendLocalProcess     BackendType = "local_process"
	BackendContainer        BackendType = "container"
	BackendVirtualizedLinux BackendType = "virtualized_linux"
	BackendRemote           BackendType = "remote"
)

// AllBackendTypes lists the backend kinds in detection order.
func AllBackendTypes() []BackendType {
	return []BackendType{BackendLocalProcess, BackendContainer, BackendVirtualizedLinux, BackendRemote}
}

// Valid reports whether b is one of the known backend kinds.
func (b BackendType) Valid() bool {
	switch b {
	case BackendLocalProcess, BackendContainer, BackendVirtualizedLinux, BackendRemote:
		return true
	}
	return false
}

// ParseBackendType accepts the canonical names plus the short aliases used on
// the command line ("local", "docker", "wsl").
func ParseBackendType(s string) (BackendType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "local_process", "local", "python", "local_python":
		return BackendLocalProcess, nil
	case "container", "docker":
		return BackendContainer, nil
	case "virtualized_linux", "wsl", "wsl2":
		return BackendVirtualizedLinux, nil
	case "remote":
		return BackendRemote, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownBackend, s)
}

const (
	DefaultContainerName = "devflow-backend"
	DefaultImage         = "ghcr.io/ao-cyber-systems/devflow:latest"
	DefaultDistro        = "Ubuntu"
	DefaultHost          = "127.0.0.1"
	DefaultPort          = 9876
)

// ConnectionParams carries the kind-specific connection settings. Fields that
// do not apply to a backend kind are left empty. The struct is comparable so
// two configurations can be checked for identity with ==.
type ConnectionParams struct {
	PythonPath    string `json:"python_path,omitempty" yaml:"python_path,omitempty"`
	ContainerName string `json:"container_name,omitempty" yaml:"container_name,omitempty"`
	Image         string `json:"image,omitempty" yaml:"image,omitempty"`
	Distro        string `json:"distro,omitempty" yaml:"distro,omitempty"`
	Host          string `json:"host,omitempty" yaml:"host,omitempty"`
	Port          int    `json:"port,omitempty" yaml:"port,omitempty"`
}

// Address returns host:port of the bridge endpoint.
func (p ConnectionParams) Address() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

// WithPort returns a copy of p using port.
func (p ConnectionParams) WithPort(port int) ConnectionParams {
	p.Port = port
	return p
}

// BackendConfig selects a backend kind and how to reach it.
type BackendConfig struct {
	Type      BackendType      `json:"backend_type" yaml:"backend_type"`
	Params    ConnectionParams `json:"connection_params" yaml:"connection_params"`
	AutoStart bool             `json:"auto_start,omitempty" yaml:"auto_start,omitempty"`
}

// WithDefaults fills the connection parameters the kind needs but the caller
// left empty.
func (c BackendConfig) WithDefaults() BackendConfig {
	if c.Params.Host == "" {
		c.Params.Host = DefaultHost
	}
	if c.Params.Port == 0 {
		c.Params.Port = DefaultPort
	}
	switch c.Type {
	case BackendContainer:
		if c.Params.ContainerName == "" {
			c.Params.ContainerName = DefaultContainerName
		}
		if c.Params.Image == "" {
			c.Params.Image = DefaultImage
		}
	case BackendVirtualizedLinux:
		if c.Params.Distro == "" {
			c.Params.Distro = DefaultDistro
		}
	}
	return c
}

// Equal reports whether both configurations are identical.
func (c BackendConfig) Equal(other BackendConfig) bool {
	return c == other
}

// Key is a stable string form of the configuration, used to join concurrent
// start requests for the same configuration.
func (c BackendConfig) Key() string {
	p := c.Params
	return strings.Join([]string{
		string(c.Type), p.PythonPath, p.ContainerName, p.Image, p.Distro, p.Host,
		strconv.Itoa(p.Port), strconv.FormatBool(c.AutoStart),
	}, "|")
}

// Target names the environment the configuration points at.
func (c BackendConfig) Target() string {
	switch c.Type {
	case BackendContainer:
		return c.Params.ContainerName
	case BackendVirtualizedLinux:
		return c.Params.Distro
	case BackendRemote:
		return c.Params.Address()
	default:
		if c.Params.PythonPath != "" {
			return c.Params.PythonPath
		}
		return "python3"
	}
}

func (c BackendConfig) String() string {
	return fmt.Sprintf("%s(%s, port %d)", c.Type, c.Target(), c.Params.Port)
}

// EnvironmentCandidate is one detected instance of a backend kind.
type EnvironmentCandidate struct {
	Type       BackendType `json:"backend_type" yaml:"backend_type"`
	Identifier string      `json:"identifier" yaml:"identifier"`
	Running    bool        `json:"running" yaml:"running"`
	// LayerVersion is the isolation layer version: WSL 1 or 2, or the
	// container engine API version.
	LayerVersion      string `json:"version_info,omitempty" yaml:"version_info,omitempty"`
	RuntimeVersion    string `json:"runtime_version,omitempty" yaml:"runtime_version,omitempty"`
	SoftwareInstalled bool   `json:"software_installed" yaml:"software_installed"`
	SoftwareVersion   string `json:"software_installed_version,omitempty" yaml:"software_installed_version,omitempty"`
	// DiskFreeMB is zero when unknown.
	DiskFreeMB     int64 `json:"disk_free_mb,omitempty" yaml:"disk_free_mb,omitempty"`
	PublishedPorts []int `json:"published_ports,omitempty" yaml:"published_ports,omitempty"`
	Default        bool  `json:"default,omitempty" yaml:"default,omitempty"`
}

// Publishes reports whether the candidate itself already exposes port on the host.
func (c EnvironmentCandidate) Publishes(port int) bool {
	for _, p := range c.PublishedPorts {
		if p == port {
			return true
		}
	}
	return false
}

// CheckID names one validation check.
type CheckID string

const (
	CheckEnvironmentRunning CheckID = "environment_running"
	CheckIsolationLayer     CheckID = "isolation_layer"
	CheckRuntime            CheckID = "runtime"
	CheckPortAvailable      CheckID = "port_available"
	CheckSoftwareInstalled  CheckID = "software_installed"
)

// FailureKind classifies a failed validation check.
type FailureKind string

const (
	FailureNone              FailureKind = ""
	FailureNotRunning        FailureKind = "not_running"
	FailureVersionTooOld     FailureKind = "version_too_old"
	FailureMissingDependency FailureKind = "missing_dependency"
	FailurePortConflict      FailureKind = "port_conflict"
	FailureTimeout           FailureKind = "timeout"
)

// ResolutionAction is a machine-readable remediation.
type ResolutionAction string

const (
	ActionStartEnvironment ResolutionAction = "start_environment"
	ActionUpgradeLayer     ResolutionAction = "upgrade_layer"
	ActionInstallRuntime   ResolutionAction = "install_runtime"
	ActionUpgradeRuntime   ResolutionAction = "upgrade_runtime"
	ActionChoosePort       ResolutionAction = "choose_port"
	ActionRetry            ResolutionAction = "retry"
)

// Resolution describes how to fix a failed check. Command is the exact
// remediation command when one exists.
type Resolution struct {
	Action        ResolutionAction `json:"action" yaml:"action"`
	Command       []string         `json:"command,omitempty" yaml:"command,omitempty"`
	SuggestedPort int              `json:"suggested_port,omitempty" yaml:"suggested_port,omitempty"`
	Description   string           `json:"description,omitempty" yaml:"description,omitempty"`
}

// ValidationCheck is the outcome of one precondition.
type ValidationCheck struct {
	ID          CheckID     `json:"id" yaml:"id"`
	Name        string      `json:"name" yaml:"name"`
	Passed      bool        `json:"passed" yaml:"passed"`
	Blocking    bool        `json:"blocking" yaml:"blocking"`
	FailureKind FailureKind `json:"failure_kind,omitempty" yaml:"failure_kind,omitempty"`
	Detail      string      `json:"detail,omitempty" yaml:"detail,omitempty"`
	Resolution  *Resolution `json:"resolution,omitempty" yaml:"resolution,omitempty"`
}

// ValidationReport is the ordered list of checks for one candidate and set of
// connection parameters.
type ValidationReport struct {
	BackendType BackendType       `json:"backend_type" yaml:"backend_type"`
	Candidate   string            `json:"candidate" yaml:"candidate"`
	Params      ConnectionParams  `json:"connection_params" yaml:"connection_params"`
	Checks      []ValidationCheck `json:"checks" yaml:"checks"`
	Warnings    []string          `json:"warnings,omitempty" yaml:"warnings,omitempty"`
}

// Passed reports whether every gating check passed. Informational checks do
// not count.
func (r ValidationReport) Passed() bool {
	return len(r.Failures()) == 0
}

// Failures returns the failed blocking checks in report order.
func (r ValidationReport) Failures() []ValidationCheck {
	var failed []ValidationCheck
	for _, c := range r.Checks {
		if c.Blocking && !c.Passed {
			failed = append(failed, c)
		}
	}
	return failed
}

// Check returns the check with the given id.
func (r ValidationReport) Check(id CheckID) (ValidationCheck, bool) {
	for _, c := range r.Checks {
		if c.ID == id {
			return c, true
		}
	}
	return ValidationCheck{}, false
}

// Err converts the failed gating checks into a ValidationError, or nil when
// the report allows progression.
func (r ValidationReport) Err() error {
	failed := r.Failures()
	if len(failed) == 0 {
		return nil
	}
	return &ValidationError{
		Kind:      failed[0].FailureKind,
		Candidate: r.Candidate,
		Failures:  failed,
	}
}

// StepStatus is the state of one installation step.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// StepState tracks one installation step inside a session.
type StepState struct {
	Name   string     `json:"name" yaml:"name"`
	Status StepStatus `json:"status" yaml:"status"`
	Cause  string     `json:"cause,omitempty" yaml:"cause,omitempty"`
}

// LogLevel is the level of an installation log entry.
type LogLevel string

const (
	LogInfo    LogLevel = "info"
	LogSuccess LogLevel = "success"
	LogError   LogLevel = "error"
)

// LogEntry is one line of installation progress.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp" yaml:"timestamp"`
	Level     LogLevel  `json:"level" yaml:"level"`
	Text      string    `json:"text" yaml:"text"`
	Step      string    `json:"step,omitempty" yaml:"step,omitempty"`
}

// SessionLogEntry is a log entry tagged with the session that produced it.
type SessionLogEntry struct {
	SessionID string `json:"session_id" yaml:"session_id"`
	LogEntry  `yaml:",inline"`
}

// SessionStatus is the overall status of an installation session.
type SessionStatus string

const (
	SessionRunning   SessionStatus = "running"
	SessionSucceeded SessionStatus = "succeeded"
	SessionFailed    SessionStatus = "failed"
)

// InstallationSession is a snapshot of one install attempt.
type InstallationSession struct {
	ID          string           `json:"id" yaml:"id"`
	BackendType BackendType      `json:"backend_type" yaml:"backend_type"`
	Candidate   string           `json:"candidate" yaml:"candidate"`
	Steps       []StepState      `json:"steps" yaml:"steps"`
	Log         []LogEntry       `json:"log" yaml:"log"`
	Status      SessionStatus    `json:"status" yaml:"status"`
	FailureKind InstallErrorKind `json:"failure_kind,omitempty" yaml:"failure_kind,omitempty"`
	Cause       string           `json:"cause,omitempty" yaml:"cause,omitempty"`
	StartedAt   time.Time        `json:"started_at" yaml:"started_at"`
	FinishedAt  time.Time        `json:"finished_at,omitempty" yaml:"finished_at,omitempty"`
}

// Terminal reports whether the session has finished.
func (s InstallationSession) Terminal() bool {
	return s.Status == SessionSucceeded || s.Status == SessionFailed
}

// BridgeState is the supervisor's lifecycle state.
type BridgeState string

const (
	StateStopped  BridgeState = "stopped"
	StateStarting BridgeState = "starting"
	StateRunning  BridgeState = "running"
	StateError    BridgeState = "error"
)

// BridgeStatus is a consistent snapshot of the supervisor.
type BridgeStatus struct {
	State     BridgeState    `json:"state" yaml:"state"`
	Config    *BackendConfig `json:"config,omitempty" yaml:"config,omitempty"`
	Endpoint  string         `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	LastError string         `json:"last_error,omitempty" yaml:"last_error,omitempty"`
	Diagnosis string         `json:"diagnosis,omitempty" yaml:"diagnosis,omitempty"`
	SessionID string         `json:"install_session,omitempty" yaml:"install_session,omitempty"`
	Since     time.Time      `json:"since" yaml:"since"`
}

// HealthProbeResult is the outcome of a bounded-retry probe. An unreachable
// result is not an error.
type HealthProbeResult struct {
	Reachable    bool            `json:"reachable" yaml:"reachable"`
	AttemptCount int             `json:"attempt_count" yaml:"attempt_count"`
	LastError    error           `json:"-" yaml:"-"`
	Delays       []time.Duration `json:"delays,omitempty" yaml:"delays,omitempty"`
}

// BackendRecord is the persisted backend selection.
type BackendRecord struct {
	Configured     bool           `json:"configured"`
	DefaultBackend *BackendConfig `json:"default_backend"`
}
