package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"bridgectl/internal/api"
	"bridgectl/internal/events"
	"bridgectl/internal/metrics"
	"bridgectl/pkg/logging"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeController struct {
	status    api.BridgeStatus
	startErr  error
	started   []api.BackendConfig
	stopped   int
	session   api.InstallationSession
	installEr error
	report    api.ValidationReport
	bus       *events.Bus
}

func (f *fakeController) Status() api.BridgeStatus { return f.status }

func (f *fakeController) Start(ctx context.Context, cfg api.BackendConfig) error {
	f.started = append(f.started, cfg)
	if f.startErr != nil {
		f.status.State = api.StateError
		return f.startErr
	}
	f.status = api.BridgeStatus{State: api.StateRunning, Config: &cfg, Endpoint: cfg.Params.Address()}
	return nil
}

func (f *fakeController) Stop(ctx context.Context) error {
	f.stopped++
	f.status = api.BridgeStatus{State: api.StateStopped}
	return nil
}

func (f *fakeController) Install(ctx context.Context, cfg api.BackendConfig) (api.InstallationSession, error) {
	return f.session, f.installEr
}

func (f *fakeController) Remediate(ctx context.Context, cfg api.BackendConfig, action api.ResolutionAction) (api.ValidationReport, error) {
	if action == api.ActionChoosePort {
		return api.ValidationReport{}, api.ErrNotAutomatable
	}
	return f.report, nil
}

func (f *fakeController) Subscribe(ctx context.Context) <-chan events.Event {
	return f.bus.Subscribe(ctx)
}

type fakeSessions map[string]api.InstallationSession

func (f fakeSessions) Get(id string) (api.InstallationSession, error) {
	s, ok := f[id]
	if !ok {
		return api.InstallationSession{}, api.NewNotFoundError("install session", id)
	}
	return s, nil
}

func (f fakeSessions) Cancel(id string) error {
	s, ok := f[id]
	if !ok {
		return api.NewNotFoundError("install session", id)
	}
	s.Status = api.SessionFailed
	s.FailureKind = api.InstallCancelled
	f[id] = s
	return nil
}

func (f fakeSessions) Active() (api.InstallationSession, bool) {
	for _, s := range f {
		if s.Status == api.SessionRunning {
			return s, true
		}
	}
	return api.InstallationSession{}, false
}

func (f fakeSessions) Log(ctx context.Context, id string) (<-chan api.LogEntry, error) {
	s, ok := f[id]
	if !ok {
		return nil, api.NewNotFoundError("install session", id)
	}
	ch := make(chan api.LogEntry, len(s.Log))
	for _, entry := range s.Log {
		ch <- entry
	}
	close(ch)
	return ch, nil
}

// Follow replays the running session, then holds the stream open until ctx
// is done.
func (f fakeSessions) Follow(ctx context.Context) <-chan api.SessionLogEntry {
	ch := make(chan api.SessionLogEntry)
	active, ok := f.Active()
	go func() {
		defer close(ch)
		if ok {
			for _, entry := range active.Log {
				select {
				case ch <- api.SessionLogEntry{SessionID: active.ID, LogEntry: entry}:
				case <-ctx.Done():
					return
				}
			}
		}
		<-ctx.Done()
	}()
	return ch
}

func newTestServer(ctrl *fakeController, sessions fakeSessions) *Server {
	if ctrl.bus == nil {
		ctrl.bus = events.NewBus(nil)
	}
	if ctrl.status.State == "" {
		ctrl.status.State = api.StateStopped
	}
	return New(ctrl, sessions, Options{Events: ctrl.bus})
}

func do(t *testing.T, s *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestStartAppliesDefaults(t *testing.T) {
	ctrl := &fakeController{}
	s := newTestServer(ctrl, nil)

	rec := do(t, s, http.MethodPost, "/v1/start", StartRequest{Config: api.BackendConfig{Type: api.BackendContainer}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	require.Len(t, ctrl.started, 1)
	assert.Equal(t, api.DefaultContainerName, ctrl.started[0].Params.ContainerName)
	assert.Equal(t, api.DefaultPort, ctrl.started[0].Params.Port)

	var status api.BridgeStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, api.StateRunning, status.State)
	assert.Equal(t, "127.0.0.1:9876", status.Endpoint)
}

func TestStartErrorsRoundTrip(t *testing.T) {
	running := api.BackendConfig{Type: api.BackendLocalProcess}.WithDefaults()
	requested := running.WithDefaults()
	requested.Params.Port = 9999

	tests := []struct {
		name       string
		err        error
		wantStatus int
		check      func(t *testing.T, err error)
	}{
		{
			name: "validation",
			err: &api.ValidationError{Kind: api.FailurePortConflict, Candidate: "python3", Failures: []api.ValidationCheck{
				{ID: api.CheckPortAvailable, FailureKind: api.FailurePortConflict, Resolution: &api.Resolution{Action: api.ActionChoosePort, SuggestedPort: 9877}},
			}},
			wantStatus: http.StatusUnprocessableEntity,
			check: func(t *testing.T, err error) {
				var verr *api.ValidationError
				require.ErrorAs(t, err, &verr)
				assert.Equal(t, api.FailurePortConflict, verr.Kind)
				require.Len(t, verr.Failures, 1)
				assert.Equal(t, 9877, verr.Failures[0].Resolution.SuggestedPort)
			},
		},
		{
			name:       "conflict",
			err:        &api.ConfigConflictError{Active: running, Requested: requested},
			wantStatus: http.StatusConflict,
			check: func(t *testing.T, err error) {
				var cerr *api.ConfigConflictError
				require.ErrorAs(t, err, &cerr)
				assert.Equal(t, 9999, cerr.Requested.Params.Port)
			},
		},
		{
			name:       "install failure",
			err:        &api.InstallError{Kind: api.InstallStepFailed, SessionID: "s1", Step: "Install bridge"},
			wantStatus: http.StatusInternalServerError,
			check: func(t *testing.T, err error) {
				assert.True(t, api.IsInstallError(err, api.InstallStepFailed))
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(&fakeController{startErr: tt.err}, nil)
			rec := do(t, s, http.MethodPost, "/v1/start", StartRequest{Config: running})
			require.Equal(t, tt.wantStatus, rec.Code)

			var resp ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			tt.check(t, resp.AsError())
		})
	}
}

func TestStartRejectsBadBodies(t *testing.T) {
	s := newTestServer(&fakeController{}, nil)

	rec := do(t, s, http.MethodPost, "/v1/start", map[string]interface{}{"config": map[string]string{"backend_type": "vm"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), CodeUnknownBackend)

	req := httptest.NewRequest(http.MethodPost, "/v1/start", strings.NewReader(`{"cfg": {}}`))
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), CodeBadRequest)
}

func TestStopAndStatus(t *testing.T) {
	ctrl := &fakeController{status: api.BridgeStatus{State: api.StateRunning}}
	s := newTestServer(ctrl, nil)

	rec := do(t, s, http.MethodPost, "/v1/stop", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, ctrl.stopped)

	rec = do(t, s, http.MethodGet, "/v1/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"state":"stopped"`)

	rec = do(t, s, http.MethodGet, "/v1/stop", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestInstallReturnsFailedSession(t *testing.T) {
	ctrl := &fakeController{
		session:   api.InstallationSession{ID: "s1", Status: api.SessionFailed, FailureKind: api.InstallStepFailed},
		installEr: &api.InstallError{Kind: api.InstallStepFailed, SessionID: "s1"},
	}
	s := newTestServer(ctrl, nil)

	rec := do(t, s, http.MethodPost, "/v1/install", StartRequest{Config: api.BackendConfig{Type: api.BackendVirtualizedLinux}})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"failed"`)

	ctrl.session = api.InstallationSession{}
	ctrl.installEr = api.ErrBridgeRunning
	rec = do(t, s, http.MethodPost, "/v1/install", StartRequest{Config: api.BackendConfig{Type: api.BackendVirtualizedLinux}})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), CodeBridgeRunning)
}

func TestRemediate(t *testing.T) {
	ctrl := &fakeController{report: api.ValidationReport{Candidate: "Ubuntu"}}
	s := newTestServer(ctrl, nil)
	cfg := api.BackendConfig{Type: api.BackendVirtualizedLinux}

	rec := do(t, s, http.MethodPost, "/v1/remediate", RemediateRequest{Config: cfg, Action: api.ActionStartEnvironment})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"candidate":"Ubuntu"`)

	rec = do(t, s, http.MethodPost, "/v1/remediate", RemediateRequest{Config: cfg, Action: api.ActionChoosePort})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), CodeNotAutomatable)
}

func TestSessions(t *testing.T) {
	sessions := fakeSessions{"abc": {ID: "abc", Status: api.SessionRunning}}
	s := newTestServer(&fakeController{}, sessions)

	rec := do(t, s, http.MethodGet, "/v1/installs/abc", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"running"`)

	rec = do(t, s, http.MethodDelete, "/v1/installs/abc", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"failure_kind":"cancelled"`)

	rec = do(t, s, http.MethodGet, "/v1/installs/nope", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, api.IsNotFound(resp.AsError()))
	assert.Equal(t, "nope", resp.ResourceName)
}

func TestActiveSession(t *testing.T) {
	s := newTestServer(&fakeController{}, fakeSessions{"done": {ID: "done", Status: api.SessionSucceeded}})
	rec := do(t, s, http.MethodGet, "/v1/installs/active", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	s = newTestServer(&fakeController{}, fakeSessions{"abc": {ID: "abc", Status: api.SessionRunning}})
	rec = do(t, s, http.MethodGet, "/v1/installs/active", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"id":"abc"`)
}

func TestSessionLog(t *testing.T) {
	sessions := fakeSessions{"abc": {ID: "abc", Status: api.SessionSucceeded, Log: []api.LogEntry{
		{Level: api.LogInfo, Text: "pull...", Step: "pull"},
		{Level: api.LogSuccess, Text: "pull completed", Step: "pull"},
	}}}
	s := newTestServer(&fakeController{}, sessions)

	rec := do(t, s, http.MethodGet, "/v1/installs/abc/log", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/x-ndjson", rec.Header().Get("Content-Type"))

	dec := json.NewDecoder(rec.Body)
	var texts []string
	for dec.More() {
		var entry api.LogEntry
		require.NoError(t, dec.Decode(&entry))
		texts = append(texts, entry.Text)
	}
	assert.Equal(t, []string{"pull...", "pull completed"}, texts)

	rec = do(t, s, http.MethodGet, "/v1/installs/nope/log", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestFollowSessions(t *testing.T) {
	sessions := fakeSessions{"abc": {ID: "abc", Status: api.SessionRunning, Log: []api.LogEntry{
		{Level: api.LogInfo, Text: "download...", Step: "download"},
	}}}
	s := newTestServer(&fakeController{}, sessions)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/v1/installs/stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var entry api.SessionLogEntry
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&entry))
	assert.Equal(t, "abc", entry.SessionID)
	assert.Equal(t, "download...", entry.Text)
}

func TestRecentEvents(t *testing.T) {
	bus := events.NewBus(nil)
	for i := 0; i < 3; i++ {
		bus.Publish(events.ReasonBridgeStarting, events.EventData{Target: "Ubuntu"}, api.StateStarting)
	}
	s := newTestServer(&fakeController{bus: bus}, nil)

	rec := do(t, s, http.MethodGet, "/v1/events?limit=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got []events.Event
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Len(t, got, 2)

	rec = do(t, s, http.MethodGet, "/v1/events?limit=x", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEventStream(t *testing.T) {
	bus := events.NewBus(nil)
	s := newTestServer(&fakeController{bus: bus}, nil)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/v1/events/stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	bus.Publish(events.ReasonBridgeStopped, events.EventData{Target: "Ubuntu", Backend: "wsl"}, api.StateStopped)

	var ev events.Event
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&ev))
	assert.Equal(t, events.ReasonBridgeStopped, ev.Reason)
}

func TestLogStream(t *testing.T) {
	logging.Init(logging.LevelInfo, logging.FormatText, io.Discard)
	s := newTestServer(&fakeController{bus: events.NewBus(nil)}, nil)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/v1/logs/stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	logging.Error("Supervisor", errors.New("exit 137"), "Bridge on %s died", "Ubuntu")

	dec := json.NewDecoder(resp.Body)
	var line logLine
	for line.Subsystem != "Supervisor" {
		require.NoError(t, dec.Decode(&line))
	}
	assert.Equal(t, "Bridge on Ubuntu died", line.Message)
	assert.Equal(t, "exit 137", line.Error)
}

func TestHealthAndMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	m.SetState(api.StateRunning)

	ctrl := &fakeController{status: api.BridgeStatus{State: api.StateStopped}, bus: events.NewBus(nil)}
	s := New(ctrl, nil, Options{Registry: reg, Events: ctrl.bus})

	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/live", nil).Code)
	assert.Equal(t, http.StatusServiceUnavailable, do(t, s, http.MethodGet, "/ready", nil).Code)

	ctrl.status.State = api.StateRunning
	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/ready", nil).Code)

	rec := do(t, s, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "bridgectl_")
}

func TestServeShutsDownOnCancel(t *testing.T) {
	s := New(&fakeController{status: api.BridgeStatus{State: api.StateStopped}, bus: events.NewBus(nil)}, nil, Options{Listen: "127.0.0.1:0"})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.ListenAndServe(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
