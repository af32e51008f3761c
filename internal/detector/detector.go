package detector

import (
	"context"
	"fmt"
	"time"

	"bridgectl/internal/api"
	"bridgectl/internal/backend"
	"bridgectl/internal/metrics"
	"bridgectl/pkg/logging"

	"golang.org/x/sync/errgroup"
)

const subsystem = "Detector"

// DefaultTimeout bounds one detection when none is configured.
const DefaultTimeout = 15 * time.Second

// ParamsFunc returns the default connection parameters of a kind.
type ParamsFunc func(kind api.BackendType) api.ConnectionParams

// Detector lists the environments each backend kind could use. It never
// changes anything on the machine.
type Detector struct {
	registry *backend.Registry
	timeout  time.Duration
	defaults ParamsFunc
	metrics  *metrics.Metrics
}

// New creates a Detector. defaults may be nil, in which case the built-in
// connection defaults are used.
func New(registry *backend.Registry, timeout time.Duration, defaults ParamsFunc, m *metrics.Metrics) *Detector {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if defaults == nil {
		defaults = func(kind api.BackendType) api.ConnectionParams {
			return api.BackendConfig{Type: kind}.WithDefaults().Params
		}
	}
	return &Detector{registry: registry, timeout: timeout, defaults: defaults, metrics: m}
}

// Detect lists the candidates of kind using its default connection parameters.
func (d *Detector) Detect(ctx context.Context, kind api.BackendType) ([]api.EnvironmentCandidate, error) {
	return d.DetectFor(ctx, kind, d.defaults(kind))
}

// DetectFor lists the candidates of kind, looking for the environment params
// names. A tool that is not installed yields an empty list; a tool that is
// installed but does not answer yields a DetectionError, as does running
// past the detection timeout.
func (d *Detector) DetectFor(ctx context.Context, kind api.BackendType, params api.ConnectionParams) ([]api.EnvironmentCandidate, error) {
	driver, err := d.registry.Get(kind)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	type outcome struct {
		candidates []api.EnvironmentCandidate
		err        error
	}
	done := make(chan outcome, 1)
	start := time.Now()
	go func() {
		candidates, err := driver.Detect(ctx, params)
		done <- outcome{candidates, err}
	}()

	var result outcome
	select {
	case result = <-done:
	case <-ctx.Done():
		result.err = ctx.Err()
	}

	if result.err != nil && ctx.Err() != nil && !api.IsDetectionError(result.err) {
		result.err = &api.DetectionError{Backend: kind, Op: "detect", Timeout: true, Err: result.err}
	}
	d.metrics.ObserveDetection(kind, time.Since(start), result.err)

	if result.err != nil {
		logging.Warn(subsystem, "Detection of %s failed: %v", kind, result.err)
		return nil, result.err
	}
	logging.Debug(subsystem, "Detected %d %s candidate(s) in %s", len(result.candidates), kind, time.Since(start).Round(time.Millisecond))
	return result.candidates, nil
}

// Result is the detection outcome of one kind.
type Result struct {
	Type       api.BackendType            `json:"backend_type" yaml:"backend_type"`
	Candidates []api.EnvironmentCandidate `json:"candidates" yaml:"candidates"`
	Error      string                     `json:"error,omitempty" yaml:"error,omitempty"`
	err        error
}

// Err returns the detection error, if any.
func (r Result) Err() error { return r.err }

// DetectAll detects every registered kind concurrently. A failing kind does
// not abort the others; its error is kept in its Result.
func (d *Detector) DetectAll(ctx context.Context) []Result {
	kinds := d.registry.Kinds()
	results := make([]Result, len(kinds))

	g, gctx := errgroup.WithContext(ctx)
	for i, kind := range kinds {
		g.Go(func() error {
			candidates, err := d.Detect(gctx, kind)
			results[i] = Result{Type: kind, Candidates: candidates, err: err}
			if err != nil {
				results[i].Error = err.Error()
			}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// Recommendation is the suggested backend kind and why.
type Recommendation struct {
	Type   api.BackendType `json:"backend_type" yaml:"backend_type"`
	Reason string          `json:"reason" yaml:"reason"`
	// Candidate is the environment the recommendation is based on, if any.
	Candidate *api.EnvironmentCandidate `json:"candidate,omitempty" yaml:"candidate,omitempty"`
	Results   []Result                  `json:"detected" yaml:"detected"`
}

// Recommend detects every kind and suggests one: the bridge already
// installed on the host, then a reachable container engine, then a Linux
// distribution, then a bare host interpreter. Without any of these it falls
// back to the container kind so the user can install an engine.
func (d *Detector) Recommend(ctx context.Context) Recommendation {
	results := d.DetectAll(ctx)
	rec := recommend(results)
	rec.Results = results
	logging.Info(subsystem, "Recommending %s: %s", rec.Type, rec.Reason)
	return rec
}

func recommend(results []Result) Recommendation {
	byKind := make(map[api.BackendType][]api.EnvironmentCandidate, len(results))
	for _, r := range results {
		byKind[r.Type] = r.Candidates
	}

	pick := func(kind api.BackendType, match func(api.EnvironmentCandidate) bool) *api.EnvironmentCandidate {
		for _, c := range byKind[kind] {
			if match(c) {
				c := c
				return &c
			}
		}
		return nil
	}
	anyCandidate := func(api.EnvironmentCandidate) bool { return true }

	if c := pick(api.BackendLocalProcess, func(c api.EnvironmentCandidate) bool { return c.SoftwareInstalled }); c != nil {
		return Recommendation{Type: api.BackendLocalProcess, Candidate: c,
			Reason: fmt.Sprintf("the bridge is already installed for %s", c.Identifier)}
	}
	if c := pick(api.BackendContainer, func(c api.EnvironmentCandidate) bool { return c.Running }); c != nil {
		return Recommendation{Type: api.BackendContainer, Candidate: c,
			Reason: fmt.Sprintf("container engine is running (API %s)", c.LayerVersion)}
	}
	if c := pick(api.BackendVirtualizedLinux, func(c api.EnvironmentCandidate) bool { return c.Default }); c != nil {
		return Recommendation{Type: api.BackendVirtualizedLinux, Candidate: c,
			Reason: fmt.Sprintf("WSL distribution %s is available", c.Identifier)}
	}
	if c := pick(api.BackendVirtualizedLinux, anyCandidate); c != nil {
		return Recommendation{Type: api.BackendVirtualizedLinux, Candidate: c,
			Reason: fmt.Sprintf("WSL distribution %s is available", c.Identifier)}
	}
	if c := pick(api.BackendLocalProcess, anyCandidate); c != nil {
		return Recommendation{Type: api.BackendLocalProcess, Candidate: c,
			Reason: fmt.Sprintf("Python %s is available on the host", c.RuntimeVersion)}
	}
	return Recommendation{Type: api.BackendContainer, Reason: "no usable environment found; install a container engine"}
}
