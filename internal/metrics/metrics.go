// Package metrics exposes the Prometheus collectors of bridgectl.
//
// Every method is safe to call on a nil *Metrics, so components can be built
// without instrumentation in tests.
package metrics

import (
	"time"

	"bridgectl/internal/api"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "bridgectl"

// Metrics holds the collectors.
type Metrics struct {
	bridgeState       *prometheus.GaugeVec
	transitions       *prometheus.CounterVec
	detectionDuration *prometheus.HistogramVec
	detectionErrors   *prometheus.CounterVec
	validationFails   *prometheus.CounterVec
	installSessions   *prometheus.CounterVec
	installSteps      *prometheus.HistogramVec
	probeAttempts     *prometheus.HistogramVec
	livenessFailures  prometheus.Counter
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		bridgeState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "bridge_state",
			Help:      "1 for the current bridge lifecycle state, 0 otherwise.",
		}, []string{"state"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bridge_transitions_total",
			Help:      "Bridge lifecycle transitions.",
		}, []string{"from", "to"}),
		detectionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "detection_duration_seconds",
			Help:      "Time spent detecting environments per backend kind.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"backend"}),
		detectionErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "detection_errors_total",
			Help:      "Detections that failed per backend kind.",
		}, []string{"backend"}),
		validationFails: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "validation_failures_total",
			Help:      "Failed validation checks by check and failure kind.",
		}, []string{"check", "kind"}),
		installSessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "install_sessions_total",
			Help:      "Finished installation sessions by backend kind and status.",
		}, []string{"backend", "status"}),
		installSteps: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "install_step_duration_seconds",
			Help:      "Duration of installation steps.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
		}, []string{"step", "status"}),
		probeAttempts: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "probe_attempts",
			Help:      "Attempts used per health probe.",
			Buckets:   []float64{1, 2, 3, 4, 6, 8, 12, 16},
		}, []string{"reachable"}),
		livenessFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "liveness_failures_total",
			Help:      "Failed liveness checks of a running bridge.",
		}),
	}

	reg.MustRegister(
		m.bridgeState,
		m.transitions,
		m.detectionDuration,
		m.detectionErrors,
		m.validationFails,
		m.installSessions,
		m.installSteps,
		m.probeAttempts,
		m.livenessFailures,
	)
	m.SetState(api.StateStopped)
	return m
}

// SetState marks state as the current bridge state.
func (m *Metrics) SetState(state api.BridgeState) {
	if m == nil {
		return
	}
	for _, s := range []api.BridgeState{api.StateStopped, api.StateStarting, api.StateRunning, api.StateError} {
		v := 0.0
		if s == state {
			v = 1
		}
		m.bridgeState.WithLabelValues(string(s)).Set(v)
	}
}

func (m *Metrics) ObserveTransition(from, to api.BridgeState) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(string(from), string(to)).Inc()
	m.SetState(to)
}

func (m *Metrics) ObserveDetection(kind api.BackendType, took time.Duration, err error) {
	if m == nil {
		return
	}
	m.detectionDuration.WithLabelValues(string(kind)).Observe(took.Seconds())
	if err != nil {
		m.detectionErrors.WithLabelValues(string(kind)).Inc()
	}
}

func (m *Metrics) ObserveValidation(report api.ValidationReport) {
	if m == nil {
		return
	}
	for _, check := range report.Checks {
		if !check.Passed {
			m.validationFails.WithLabelValues(string(check.ID), string(check.FailureKind)).Inc()
		}
	}
}

func (m *Metrics) ObserveInstallStep(step string, took time.Duration, err error) {
	if m == nil {
		return
	}
	status := "succeeded"
	if err != nil {
		status = "failed"
	}
	m.installSteps.WithLabelValues(step, status).Observe(took.Seconds())
}

func (m *Metrics) ObserveInstallSession(kind api.BackendType, status api.SessionStatus) {
	if m == nil {
		return
	}
	m.installSessions.WithLabelValues(string(kind), string(status)).Inc()
}

func (m *Metrics) ObserveProbe(result api.HealthProbeResult) {
	if m == nil {
		return
	}
	reachable := "false"
	if result.Reachable {
		reachable = "true"
	}
	m.probeAttempts.WithLabelValues(reachable).Observe(float64(result.AttemptCount))
}

func (m *Metrics) IncLivenessFailure() {
	if m == nil {
		return
	}
	m.livenessFailures.Inc()
}
