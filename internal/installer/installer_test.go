package installer

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"bridgectl/internal/api"
	"bridgectl/internal/backend"
	"bridgectl/internal/events"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stepDriver hands out a fixed step list; the rest of the driver is unused.
type stepDriver struct {
	backend.Driver
	steps func() []backend.Step
}

func (d *stepDriver) Kind() api.BackendType { return api.BackendVirtualizedLinux }

func (d *stepDriver) InstallSteps(api.EnvironmentCandidate, api.ConnectionParams) []backend.Step {
	return d.steps()
}

var ubuntu = api.EnvironmentCandidate{
	Type:         api.BackendVirtualizedLinux,
	Identifier:   "Ubuntu",
	Running:      true,
	LayerVersion: "2",
}

var params = api.ConnectionParams{Distro: "Ubuntu", Host: "127.0.0.1", Port: 9876}

func passingReport() api.ValidationReport {
	report := api.ValidationReport{BackendType: ubuntu.Type, Candidate: ubuntu.Identifier, Params: params}
	for _, id := range []api.CheckID{api.CheckEnvironmentRunning, api.CheckIsolationLayer, api.CheckRuntime, api.CheckPortAvailable} {
		report.Checks = append(report.Checks, api.ValidationCheck{ID: id, Passed: true, Blocking: true})
	}
	report.Checks = append(report.Checks, api.ValidationCheck{ID: api.CheckSoftwareInstalled, Blocking: false})
	return report
}

func okStep(name string, runs *atomic.Int32) backend.Step {
	return backend.Step{Name: name, Run: func(ctx context.Context, emit backend.Emit) error {
		if runs != nil {
			runs.Add(1)
		}
		emit(name + " output")
		return nil
	}}
}

func newOrchestrator(steps func() []backend.Step) *Orchestrator {
	return New(backend.NewRegistry(&stepDriver{steps: steps}), nil, events.NewBus(nil))
}

func TestInstallSucceeds(t *testing.T) {
	o := newOrchestrator(func() []backend.Step {
		return []backend.Step{okStep("one", nil), okStep("two", nil)}
	})

	session, err := o.Install(context.Background(), ubuntu, params, passingReport())
	require.NoError(t, err)
	assert.Equal(t, api.SessionSucceeded, session.Status)
	assert.NotEmpty(t, session.ID)
	for _, st := range session.Steps {
		assert.Equal(t, api.StepSucceeded, st.Status)
	}

	texts := make([]string, 0, len(session.Log))
	for _, e := range session.Log {
		texts = append(texts, e.Text)
	}
	assert.Equal(t, []string{"one...", "one output", "one completed", "two...", "two output", "two completed"}, texts[:6])
	assert.Equal(t, api.LogSuccess, session.Log[len(session.Log)-1].Level)

	_, active := o.Active()
	assert.False(t, active)
}

func TestInstallFailsAtStepThenFreshSessionCompletes(t *testing.T) {
	var attempt atomic.Int32
	var runs atomic.Int32
	o := newOrchestrator(func() []backend.Step {
		n := attempt.Add(1)
		fetch := backend.Step{Name: "fetch", Run: func(ctx context.Context, emit backend.Emit) error {
			runs.Add(1)
			if n == 1 {
				emit("Could not resolve host: pypi.org")
				return errors.New("network unreachable")
			}
			return nil
		}}
		return []backend.Step{okStep("one", &runs), okStep("two", &runs), fetch, okStep("four", &runs), okStep("five", &runs)}
	})

	first, err := o.Install(context.Background(), ubuntu, params, passingReport())
	require.Error(t, err)
	var installErr *api.InstallError
	require.ErrorAs(t, err, &installErr)
	assert.Equal(t, api.InstallStepFailed, installErr.Kind)
	assert.Equal(t, "fetch", installErr.Step)

	assert.Equal(t, api.SessionFailed, first.Status)
	assert.Equal(t, api.InstallStepFailed, first.FailureKind)
	assert.Equal(t, []api.StepStatus{api.StepSucceeded, api.StepSucceeded, api.StepFailed, api.StepPending, api.StepPending},
		statuses(first))
	assert.Contains(t, first.Steps[2].Cause, "network unreachable")
	assert.Equal(t, int32(3), runs.Load())

	second, err := o.Install(context.Background(), ubuntu, params, passingReport())
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, api.SessionSucceeded, second.Status)

	again, err := o.Get(first.ID)
	require.NoError(t, err)
	assert.Equal(t, api.SessionFailed, again.Status, "finished sessions are never rewritten")
}

func TestInstallTwiceUpgradesInPlace(t *testing.T) {
	var runs atomic.Int32
	o := newOrchestrator(func() []backend.Step {
		return []backend.Step{okStep("install --force", &runs)}
	})
	for i := 0; i < 2; i++ {
		session, err := o.Install(context.Background(), ubuntu, params, passingReport())
		require.NoError(t, err)
		assert.Equal(t, api.SessionSucceeded, session.Status)
	}
	assert.Equal(t, int32(2), runs.Load())
}

func TestInstallPreconditions(t *testing.T) {
	o := newOrchestrator(func() []backend.Step { return nil })

	failing := passingReport()
	failing.Checks[3] = api.ValidationCheck{ID: api.CheckPortAvailable, Blocking: true, FailureKind: api.FailurePortConflict}

	otherCandidate := passingReport()
	otherCandidate.Candidate = "Debian"

	otherPort := passingReport()
	otherPort.Params = params.WithPort(9877)

	for name, report := range map[string]api.ValidationReport{
		"failed gating check": failing,
		"other candidate":     otherCandidate,
		"other port":          otherPort,
		"empty report":        {BackendType: ubuntu.Type, Candidate: ubuntu.Identifier, Params: params},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := o.Start(context.Background(), ubuntu, params, report)
			assert.True(t, api.IsInstallError(err, api.InstallPreconditionsNotMet), "got %v", err)
		})
	}

	failingSoftwareOnly := passingReport()
	_, err := o.Install(context.Background(), ubuntu, params, failingSoftwareOnly)
	assert.NoError(t, err, "the informational check never gates")
}

func TestInstallInProgress(t *testing.T) {
	release := make(chan struct{})
	o := newOrchestrator(func() []backend.Step {
		return []backend.Step{{Name: "slow", Run: func(ctx context.Context, emit backend.Emit) error {
			<-release
			return nil
		}}}
	})

	session, err := o.Start(context.Background(), ubuntu, params, passingReport())
	require.NoError(t, err)

	_, err = o.Start(context.Background(), ubuntu, params, passingReport())
	assert.ErrorIs(t, err, api.ErrInstallInProgress)

	close(release)
	require.NoError(t, session.Wait(context.Background()))

	_, err = o.Start(context.Background(), ubuntu, params, passingReport())
	assert.NoError(t, err)
}

func TestCancel(t *testing.T) {
	stepStarted := make(chan struct{})
	var stopped atomic.Bool
	o := newOrchestrator(func() []backend.Step {
		return []backend.Step{
			{Name: "download", Run: func(ctx context.Context, emit backend.Emit) error {
				close(stepStarted)
				<-ctx.Done()
				time.Sleep(20 * time.Millisecond)
				stopped.Store(true)
				return ctx.Err()
			}},
			okStep("verify", nil),
		}
	})

	session, err := o.Start(context.Background(), ubuntu, params, passingReport())
	require.NoError(t, err)
	<-stepStarted

	require.NoError(t, o.Cancel(session.ID()))
	assert.True(t, stopped.Load(), "cancel returns after the step stopped")

	snap := session.Snapshot()
	assert.Equal(t, api.SessionFailed, snap.Status)
	assert.Equal(t, api.InstallCancelled, snap.FailureKind)
	assert.Equal(t, []api.StepStatus{api.StepFailed, api.StepPending}, statuses(snap))
	assert.True(t, api.IsInstallError(session.Wait(context.Background()), api.InstallCancelled))
}

func TestInstallCallerContextCancels(t *testing.T) {
	o := newOrchestrator(func() []backend.Step {
		return []backend.Step{{Name: "hang", Run: func(ctx context.Context, emit backend.Emit) error {
			<-ctx.Done()
			return ctx.Err()
		}}}
	})
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	session, err := o.Install(ctx, ubuntu, params, passingReport())
	assert.True(t, api.IsInstallError(err, api.InstallCancelled))
	assert.Equal(t, api.SessionFailed, session.Status)
}

func TestSubscribeReplaysAndFollows(t *testing.T) {
	gate := make(chan struct{})
	o := newOrchestrator(func() []backend.Step {
		return []backend.Step{{Name: "pull", Run: func(ctx context.Context, emit backend.Emit) error {
			emit("layer 1")
			<-gate
			for i := 2; i <= 3; i++ {
				emit(fmt.Sprintf("layer %d", i))
			}
			return nil
		}}}
	})

	session, err := o.Start(context.Background(), ubuntu, params, passingReport())
	require.NoError(t, err)

	early := session.Subscribe(context.Background())
	close(gate)

	var texts []string
	for entry := range early {
		texts = append(texts, entry.Text)
	}
	assert.Equal(t, []string{"pull...", "layer 1", "layer 2", "layer 3", "pull completed"}, texts[:5])

	var replay []string
	for entry := range session.Subscribe(context.Background()) {
		replay = append(replay, entry.Text)
	}
	assert.Equal(t, texts, replay, "late subscribers get the whole log")
}

func TestFollowTagsEntriesWithSession(t *testing.T) {
	gate := make(chan struct{})
	o := newOrchestrator(func() []backend.Step {
		return []backend.Step{{Name: "pull", Run: func(ctx context.Context, emit backend.Emit) error {
			<-gate
			emit("layer 1")
			return nil
		}}}
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	entries := o.Follow(ctx)
	session, err := o.Start(context.Background(), ubuntu, params, passingReport())
	require.NoError(t, err)
	close(gate)
	require.NoError(t, session.Wait(context.Background()))

	var texts []string
	for len(texts) < 3 {
		entry := <-entries
		assert.Equal(t, session.ID(), entry.SessionID)
		texts = append(texts, entry.Text)
	}
	assert.Equal(t, []string{"pull...", "layer 1", "pull completed"}, texts)

	cancel()
	for range entries {
	}
}

func TestFollowReplaysRunningSession(t *testing.T) {
	release := make(chan struct{})
	o := newOrchestrator(func() []backend.Step {
		return []backend.Step{{Name: "slow", Run: func(ctx context.Context, emit backend.Emit) error {
			emit("working")
			<-release
			return nil
		}}}
	})
	session, err := o.Start(context.Background(), ubuntu, params, passingReport())
	require.NoError(t, err)

	active, ok := o.Active()
	require.True(t, ok)
	assert.Equal(t, session.ID(), active.ID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	entries := o.Follow(ctx)
	first := <-entries
	assert.Equal(t, session.ID(), first.SessionID)
	assert.Equal(t, "slow...", first.Text)

	close(release)
	require.NoError(t, session.Wait(context.Background()))
	cancel()
	for range entries {
	}
	_, ok = o.Active()
	assert.False(t, ok)
}

func TestLogOfSession(t *testing.T) {
	o := newOrchestrator(func() []backend.Step { return []backend.Step{okStep("verify", nil)} })
	session, err := o.Install(context.Background(), ubuntu, params, passingReport())
	require.NoError(t, err)

	entries, err := o.Log(context.Background(), session.ID)
	require.NoError(t, err)
	var texts []string
	for entry := range entries {
		texts = append(texts, entry.Text)
	}
	assert.Contains(t, texts, "verify completed")

	_, err = o.Log(context.Background(), "nope")
	assert.True(t, api.IsNotFound(err))
}

func TestNoSteps(t *testing.T) {
	o := newOrchestrator(func() []backend.Step { return nil })
	session, err := o.Install(context.Background(), ubuntu, params, passingReport())
	require.NoError(t, err)
	assert.Equal(t, api.SessionSucceeded, session.Status)
	assert.Empty(t, session.Steps)
}

func TestGetUnknown(t *testing.T) {
	o := newOrchestrator(func() []backend.Step { return nil })
	_, err := o.Get("nope")
	assert.True(t, api.IsNotFound(err))
	assert.True(t, api.IsNotFound(o.Cancel("nope")))
}

func statuses(s api.InstallationSession) []api.StepStatus {
	out := make([]api.StepStatus, len(s.Steps))
	for i, st := range s.Steps {
		out[i] = st.Status
	}
	return out
}

func TestStepTimeout(t *testing.T) {
	o := newOrchestrator(func() []backend.Step {
		return []backend.Step{
			{Name: "Pull image", Run: func(ctx context.Context, emit backend.Emit) error {
				<-ctx.Done()
				return ctx.Err()
			}},
			okStep("Start", nil),
		}
	})
	o.SetStepTimeout(20 * time.Millisecond)

	session, err := o.Install(context.Background(), ubuntu, params, passingReport())
	require.Error(t, err)
	assert.True(t, api.IsInstallError(err, api.InstallStepFailed), "a slow step fails rather than cancels")
	assert.Contains(t, err.Error(), "timed out after 20ms")
	assert.Equal(t, api.StepFailed, session.Steps[0].Status)
	assert.Equal(t, api.StepPending, session.Steps[1].Status)
}
