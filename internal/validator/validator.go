package validator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"bridgectl/internal/api"
	"bridgectl/internal/backend"
	"bridgectl/internal/metrics"
	"bridgectl/pkg/logging"

	"github.com/hashicorp/go-version"
)

const subsystem = "Validator"

// Options tune the checks.
type Options struct {
	CheckTimeout    time.Duration
	PortSearchRange int
	MinDiskFreeMB   int64
}

func (o Options) withDefaults() Options {
	if o.CheckTimeout <= 0 {
		o.CheckTimeout = 5 * time.Second
	}
	if o.PortSearchRange <= 0 {
		o.PortSearchRange = 100
	}
	return o
}

// BridgeCheck reports whether a bridge already answers at addr.
type BridgeCheck func(ctx context.Context, addr string) bool

// Validator runs the pre-launch checks for a candidate. It has no side
// effects, so the same inputs always give the same report.
type Validator struct {
	registry *backend.Registry
	ports    PortChecker
	bridge   BridgeCheck
	opts     Options
	metrics  *metrics.Metrics
}

// New creates a Validator. bridge may be nil.
func New(registry *backend.Registry, ports PortChecker, bridge BridgeCheck, opts Options, m *metrics.Metrics) *Validator {
	if ports == nil {
		ports = HostPorts{}
	}
	return &Validator{registry: registry, ports: ports, bridge: bridge, opts: opts.withDefaults(), metrics: m}
}

type checkFunc func(ctx context.Context) api.ValidationCheck

// Validate runs every check in order and reports all of them. The only error
// is an unknown backend kind.
func (v *Validator) Validate(ctx context.Context, candidate api.EnvironmentCandidate, params api.ConnectionParams) (api.ValidationReport, error) {
	driver, err := v.registry.Get(candidate.Type)
	if err != nil {
		return api.ValidationReport{}, err
	}
	req := driver.Requirements(candidate, params)

	report := api.ValidationReport{
		BackendType: candidate.Type,
		Candidate:   candidate.Identifier,
		Params:      params,
	}

	checks := []struct {
		id       api.CheckID
		name     string
		blocking bool
		run      checkFunc
	}{
		{api.CheckEnvironmentRunning, "Environment running", true, func(ctx context.Context) api.ValidationCheck {
			return checkRunning(candidate, req)
		}},
		{api.CheckIsolationLayer, "Isolation layer version", true, func(ctx context.Context) api.ValidationCheck {
			return checkLayer(candidate, req)
		}},
		{api.CheckRuntime, "Runtime version", true, func(ctx context.Context) api.ValidationCheck {
			return checkRuntime(candidate, req)
		}},
		{api.CheckPortAvailable, "Port available", true, func(ctx context.Context) api.ValidationCheck {
			return v.checkPort(ctx, candidate, params, req)
		}},
		{api.CheckSoftwareInstalled, "Bridge software installed", false, func(ctx context.Context) api.ValidationCheck {
			return checkSoftware(candidate)
		}},
	}

	for _, c := range checks {
		check := v.runCheck(ctx, c.run)
		check.ID = c.id
		check.Name = c.name
		check.Blocking = c.blocking
		if check.Passed {
			check.FailureKind = api.FailureNone
			check.Resolution = nil
		}
		report.Checks = append(report.Checks, check)
	}

	if v.opts.MinDiskFreeMB > 0 && candidate.DiskFreeMB > 0 && candidate.DiskFreeMB < v.opts.MinDiskFreeMB {
		report.Warnings = append(report.Warnings,
			fmt.Sprintf("only %d MB free on %s; at least %d MB is recommended", candidate.DiskFreeMB, candidate.Identifier, v.opts.MinDiskFreeMB))
	}

	v.metrics.ObserveValidation(report)
	if failures := report.Failures(); len(failures) > 0 {
		logging.Info(subsystem, "%s %s: %d check(s) failed", candidate.Type, candidate.Identifier, len(failures))
	} else {
		logging.Debug(subsystem, "%s %s passed validation", candidate.Type, candidate.Identifier)
	}
	return report, nil
}

// runCheck bounds one check by the per-check timeout.
func (v *Validator) runCheck(ctx context.Context, run checkFunc) api.ValidationCheck {
	ctx, cancel := context.WithTimeout(ctx, v.opts.CheckTimeout)
	defer cancel()

	done := make(chan api.ValidationCheck, 1)
	go func() { done <- run(ctx) }()

	select {
	case check := <-done:
		return check
	case <-ctx.Done():
		return api.ValidationCheck{
			Passed:      false,
			FailureKind: api.FailureTimeout,
			Detail:      fmt.Sprintf("check did not finish within %s", v.opts.CheckTimeout),
			Resolution:  &api.Resolution{Action: api.ActionRetry, Description: "run validation again"},
		}
	}
}

func checkRunning(candidate api.EnvironmentCandidate, req backend.Requirements) api.ValidationCheck {
	if candidate.Running {
		return api.ValidationCheck{Passed: true, Detail: candidate.Identifier + " is running"}
	}
	resolution := &api.Resolution{
		Action:      api.ActionStartEnvironment,
		Command:     req.StartCommand,
		Description: "start " + candidate.Identifier,
	}
	if candidate.Type == api.BackendRemote {
		resolution.Description = "start the bridge at " + candidate.Identifier
	}
	return api.ValidationCheck{
		FailureKind: api.FailureNotRunning,
		Detail:      candidate.Identifier + " is not running",
		Resolution:  resolution,
	}
}

// atLeast compares dotted versions. An unparsable actual version fails.
func atLeast(actual, minimum string) (bool, error) {
	min, err := version.NewVersion(minimum)
	if err != nil {
		return false, fmt.Errorf("invalid minimum version %q: %w", minimum, err)
	}
	got, err := version.NewVersion(strings.TrimSpace(actual))
	if err != nil {
		return false, fmt.Errorf("unrecognised version %q", actual)
	}
	return got.GreaterThanOrEqual(min), nil
}

func checkLayer(candidate api.EnvironmentCandidate, req backend.Requirements) api.ValidationCheck {
	if req.MinLayerVersion == "" {
		return api.ValidationCheck{Passed: true, Detail: "not applicable"}
	}
	ok, err := atLeast(candidate.LayerVersion, req.MinLayerVersion)
	if ok {
		return api.ValidationCheck{Passed: true, Detail: fmt.Sprintf("%s %s", req.LayerName, candidate.LayerVersion)}
	}
	detail := fmt.Sprintf("%s %s is older than the required %s", req.LayerName, candidate.LayerVersion, req.MinLayerVersion)
	if err != nil {
		detail = fmt.Sprintf("%s version unknown: %v", req.LayerName, err)
	}
	return api.ValidationCheck{
		FailureKind: api.FailureVersionTooOld,
		Detail:      detail,
		Resolution: &api.Resolution{
			Action:      api.ActionUpgradeLayer,
			Command:     req.LayerUpgradeCommand,
			Description: fmt.Sprintf("upgrade %s to %s or later", req.LayerName, req.MinLayerVersion),
		},
	}
}

func checkRuntime(candidate api.EnvironmentCandidate, req backend.Requirements) api.ValidationCheck {
	if req.MinRuntimeVersion == "" {
		return api.ValidationCheck{Passed: true, Detail: "not applicable"}
	}
	if !candidate.Running {
		return api.ValidationCheck{
			FailureKind: api.FailureNotRunning,
			Detail:      fmt.Sprintf("%s unknown while %s is not running", req.RuntimeName, candidate.Identifier),
			Resolution: &api.Resolution{
				Action:      api.ActionStartEnvironment,
				Command:     req.StartCommand,
				Description: "start " + candidate.Identifier,
			},
		}
	}
	if candidate.RuntimeVersion == "" {
		return api.ValidationCheck{
			FailureKind: api.FailureMissingDependency,
			Detail:      fmt.Sprintf("%s is not installed", req.RuntimeName),
			Resolution: &api.Resolution{
				Action:      api.ActionInstallRuntime,
				Command:     req.RuntimeInstallCommand,
				Description: fmt.Sprintf("install %s %s or later", req.RuntimeName, req.MinRuntimeVersion),
			},
		}
	}
	ok, err := atLeast(candidate.RuntimeVersion, req.MinRuntimeVersion)
	if ok {
		return api.ValidationCheck{Passed: true, Detail: fmt.Sprintf("%s %s", req.RuntimeName, candidate.RuntimeVersion)}
	}
	detail := fmt.Sprintf("%s %s is older than the required %s", req.RuntimeName, candidate.RuntimeVersion, req.MinRuntimeVersion)
	if err != nil {
		detail = err.Error()
	}
	return api.ValidationCheck{
		FailureKind: api.FailureVersionTooOld,
		Detail:      detail,
		Resolution: &api.Resolution{
			Action:      api.ActionUpgradeRuntime,
			Command:     req.RuntimeInstallCommand,
			Description: fmt.Sprintf("upgrade %s to %s or later", req.RuntimeName, req.MinRuntimeVersion),
		},
	}
}

func (v *Validator) checkPort(ctx context.Context, candidate api.EnvironmentCandidate, params api.ConnectionParams, req backend.Requirements) api.ValidationCheck {
	port := params.Port
	if !req.ChecksHostPort {
		return api.ValidationCheck{Passed: true, Detail: "not applicable"}
	}
	if candidate.Publishes(port) {
		return api.ValidationCheck{Passed: true, Detail: fmt.Sprintf("port %d is published by %s", port, candidate.Identifier)}
	}
	if v.ports.Available(ctx, params.Host, port) {
		return api.ValidationCheck{Passed: true, Detail: fmt.Sprintf("port %d is free", port)}
	}
	if v.bridge != nil && v.bridge(ctx, params.Address()) {
		return api.ValidationCheck{Passed: true, Detail: fmt.Sprintf("port %d is already served by a bridge", port)}
	}

	detail := fmt.Sprintf("port %d is in use", port)
	if holder := v.ports.Holder(ctx, port); holder != "" {
		detail += " by " + holder
	}
	resolution := &api.Resolution{Action: api.ActionChoosePort, Description: "choose another port"}
	if next := nextFreePort(ctx, v.ports, params.Host, port, v.opts.PortSearchRange); next != 0 {
		resolution.SuggestedPort = next
		resolution.Description = fmt.Sprintf("use port %d instead", next)
	}
	return api.ValidationCheck{
		FailureKind: api.FailurePortConflict,
		Detail:      detail,
		Resolution:  resolution,
	}
}

func checkSoftware(candidate api.EnvironmentCandidate) api.ValidationCheck {
	if candidate.SoftwareInstalled {
		detail := "installed"
		if candidate.SoftwareVersion != "" {
			detail = "version " + candidate.SoftwareVersion + " installed"
		}
		return api.ValidationCheck{Passed: true, Detail: detail}
	}
	return api.ValidationCheck{
		FailureKind: api.FailureMissingDependency,
		Detail:      "not installed; it will be installed on first start",
	}
}
