package backend

import (
	"bufio"
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"bridgectl/internal/api"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withDiskFree(t *testing.T, freeMB uint64) {
	t.Helper()
	original := diskUsage
	t.Cleanup(func() { diskUsage = original })
	diskUsage = func(ctx context.Context, path string) (*disk.UsageStat, error) {
		return &disk.UsageStat{Path: path, Free: freeMB * 1024 * 1024}, nil
	}
}

func TestLocalDriver_Detect(t *testing.T) {
	withDiskFree(t, 2048)
	runner := newFakeRunner("python3")
	runner.on("3.12.1\n", nil, "python3", "-c", runtimeVersionScript)

	candidates, err := NewLocalDriver(runner, Settings{}).Detect(context.Background(), api.ConnectionParams{})
	require.NoError(t, err)
	require.Len(t, candidates, 1)

	c := candidates[0]
	assert.Equal(t, "python3", c.Identifier)
	assert.True(t, c.Running)
	assert.Equal(t, "3.12.1", c.RuntimeVersion)
	assert.False(t, c.SoftwareInstalled)
	assert.Equal(t, int64(2048), c.DiskFreeMB)
}

func TestLocalDriver_DetectFallsBackToPython(t *testing.T) {
	withDiskFree(t, 100)
	runner := newFakeRunner("python")
	runner.on("3.10.0\n", nil, "python", "-c", runtimeVersionScript)
	runner.on("0.4.2\n", nil, "python", "-c", softwareVersionScript("devflow"))

	candidates, err := NewLocalDriver(runner, Settings{}).Detect(context.Background(), api.ConnectionParams{})
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, "python", candidates[0].Identifier)
	assert.True(t, candidates[0].SoftwareInstalled)
	assert.Equal(t, "0.4.2", candidates[0].SoftwareVersion)
}

func TestPythonToolchain_PrefersPipxVenv(t *testing.T) {
	withDiskFree(t, 100)
	runner := newFakeRunner("python3")
	runner.on("3.11.2\n", nil, "python3", "-c", runtimeVersionScript)
	runner.on("/home/dev/.local/pipx/venvs\n", nil, "pipx", "environment", "--value", "PIPX_LOCAL_VENVS")
	venvPython := "/home/dev/.local/pipx/venvs/devflow/bin/python"
	runner.on("", nil, venvPython, "-c", "pass")
	runner.on("0.5.0\n", nil, venvPython, "-c", softwareVersionScript("devflow"))

	tc := NewLocalDriver(runner, Settings{}).toolchain("python3")
	tc.windowsVenv = false

	version, ok := tc.installedVersion(context.Background())
	require.True(t, ok)
	assert.Equal(t, "0.5.0", version)
}

func TestLocalDriver_DetectWithoutPython(t *testing.T) {
	candidates, err := NewLocalDriver(newFakeRunner(), Settings{}).Detect(context.Background(), api.ConnectionParams{})
	require.NoError(t, err)
	assert.Empty(t, candidates)
}

func TestLocalDriver_SelectHonoursPythonPath(t *testing.T) {
	driver := NewLocalDriver(newFakeRunner(), Settings{})
	candidates := []api.EnvironmentCandidate{{Identifier: "/opt/py/bin/python3"}}

	_, ok := driver.Select(candidates, api.ConnectionParams{})
	assert.True(t, ok)
	_, ok = driver.Select(candidates, api.ConnectionParams{PythonPath: "/opt/py/bin/python3"})
	assert.True(t, ok)
	_, ok = driver.Select(candidates, api.ConnectionParams{PythonPath: "/usr/bin/python3"})
	assert.False(t, ok)
}

func TestLocalDriver_InstallSteps(t *testing.T) {
	driver := NewLocalDriver(newFakeRunner(), Settings{})
	steps := driver.InstallSteps(api.EnvironmentCandidate{Identifier: "python3"}, api.ConnectionParams{})

	names := make([]string, len(steps))
	for i, s := range steps {
		names[i] = s.Name
	}
	assert.Equal(t, []string{"Check pip", "Install pipx", "Install bridge package", "Verify installation"}, names)
}

func TestLocalDriver_VerifyFailsWhenNotImportable(t *testing.T) {
	driver := NewLocalDriver(newFakeRunner("python3"), Settings{})
	steps := driver.InstallSteps(api.EnvironmentCandidate{Identifier: "python3"}, api.ConnectionParams{})

	err := steps[3].Run(context.Background(), func(string) {})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not importable")
}

// servePong answers every system.ping on a local port until the test ends.
func servePong(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				_, _ = bufio.NewReader(conn).ReadString('\n')
				_, _ = conn.Write([]byte(`{"jsonrpc":"2.0","result":{"pong":true,"version":"0.4.2"},"id":1}` + "\n"))
			}()
		}
	}()
	return ln
}

func paramsFor(t *testing.T, addr string) api.ConnectionParams {
	t.Helper()
	host, port, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	portNum, err := strconv.Atoi(port)
	require.NoError(t, err)
	return api.ConnectionParams{Host: host, Port: portNum}
}

type fakeHostProcess struct {
	mu          sync.Mutex
	pid         int32
	running     bool
	ignoresTerm bool
	signals     []string
}

func (f *fakeHostProcess) PID() int32 { return f.pid }

func (f *fakeHostProcess) Running(ctx context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func (f *fakeHostProcess) Terminate(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signals = append(f.signals, "TERM")
	if !f.ignoresTerm {
		f.running = false
	}
	return nil
}

func (f *fakeHostProcess) Kill(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signals = append(f.signals, "KILL")
	f.running = false
	return nil
}

func withListener(t *testing.T, proc hostProcess, err error) *int {
	t.Helper()
	original := findListener
	t.Cleanup(func() { findListener = original })
	var asked int
	findListener = func(ctx context.Context, port int) (hostProcess, error) {
		asked = port
		return proc, err
	}
	return &asked
}

func TestLocalDriver_LaunchAdoptsServingBridge(t *testing.T) {
	ln := servePong(t)
	params := paramsFor(t, ln.Addr().String())
	host := &fakeHostProcess{pid: 31337, running: true}
	asked := withListener(t, host, nil)
	runner := newFakeRunner("python3")
	driver := NewLocalDriver(runner, Settings{StopGrace: 50 * time.Millisecond})

	handle, err := driver.Launch(context.Background(), api.EnvironmentCandidate{Identifier: "python3"}, params)
	require.NoError(t, err)
	assert.True(t, IsAdopted(handle))
	assert.Equal(t, params.Port, *asked)
	assert.Equal(t, "pid 31337 (adopted)", handle.Describe())
	assert.Equal(t, ln.Addr().String(), handle.Target().Address())

	status, err := handle.Status(context.Background())
	require.NoError(t, err)
	assert.True(t, status.Alive)

	require.NoError(t, handle.Terminate(context.Background()))
	assert.Equal(t, []string{"TERM"}, host.signals)
	status, err = handle.Status(context.Background())
	require.NoError(t, err)
	assert.False(t, status.Alive)
}

func TestLocalDriver_LaunchRefusesUnknownListener(t *testing.T) {
	ln := servePong(t)
	withListener(t, nil, errors.New("no process found listening"))
	driver := NewLocalDriver(newFakeRunner("python3"), Settings{})

	_, err := driver.Launch(context.Background(), api.EnvironmentCandidate{Identifier: "python3"}, paramsFor(t, ln.Addr().String()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already serves")
}

func TestLocalDriver_LaunchSpawnsWhenPortIsQuiet(t *testing.T) {
	closed, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := closed.Addr().String()
	closed.Close()
	asked := withListener(t, nil, errors.New("unexpected lookup"))
	driver := NewLocalDriver(newFakeRunner("python3"), Settings{})

	_, err = driver.Launch(context.Background(), api.EnvironmentCandidate{Identifier: "python3"}, paramsFor(t, addr))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fake runner cannot start processes")
	assert.Zero(t, *asked)
}

func TestAdoptedHandle_KillsAfterGrace(t *testing.T) {
	host := &fakeHostProcess{pid: 7, running: true, ignoresTerm: true}
	h := &adoptedHandle{proc: host, grace: 30 * time.Millisecond, poll: 5 * time.Millisecond}

	require.NoError(t, h.Terminate(context.Background()))
	assert.Equal(t, []string{"TERM", "KILL"}, host.signals)
	assert.False(t, host.Running(context.Background()))
}

func TestRemoteDriver(t *testing.T) {
	ln := servePong(t)

	closed, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	closedAddr := closed.Addr().String()
	closed.Close()

	driver := NewRemoteDriver(Settings{RemoteEndpoints: []string{ln.Addr().String(), closedAddr}})
	candidates, err := driver.Detect(context.Background(), api.ConnectionParams{})
	require.NoError(t, err)
	require.Len(t, candidates, 2)

	assert.True(t, candidates[0].Running)
	assert.True(t, candidates[0].SoftwareInstalled)
	assert.Equal(t, "0.4.2", candidates[0].SoftwareVersion)
	assert.False(t, candidates[1].Running)

	params := paramsFor(t, ln.Addr().String())

	selected, ok := driver.Select(candidates, params)
	require.True(t, ok)
	assert.Equal(t, ln.Addr().String(), selected.Identifier)

	assert.Empty(t, driver.InstallSteps(selected, params))
	assert.ErrorIs(t, driver.Remediate(context.Background(), selected, api.Resolution{Action: api.ActionStartEnvironment}), api.ErrNotAutomatable)

	handle, err := driver.Launch(context.Background(), selected, params)
	require.NoError(t, err)
	status, err := handle.Status(context.Background())
	require.NoError(t, err)
	assert.True(t, status.Alive)
	assert.NoError(t, handle.Terminate(context.Background()))
}

func TestRegistry(t *testing.T) {
	registry := NewRegistry(NewRemoteDriver(Settings{}), NewWSLDriver(newFakeRunner(), Settings{}))

	d, err := registry.Get(api.BackendRemote)
	require.NoError(t, err)
	assert.Equal(t, api.BackendRemote, d.Kind())

	_, err = registry.Get(api.BackendContainer)
	assert.ErrorIs(t, err, api.ErrUnknownBackend)

	assert.Equal(t, []api.BackendType{api.BackendRemote, api.BackendVirtualizedLinux}, registry.Kinds())
}
