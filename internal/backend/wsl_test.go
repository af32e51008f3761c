package backend

import (
	"context"
	"errors"
	"strings"
	"testing"

	"bridgectl/internal/api"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// utf16ish interleaves NUL bytes the way wsl.exe output looks when read as bytes.
func utf16ish(s string) string {
	var b strings.Builder
	b.WriteString("\ufeff")
	for _, r := range s {
		b.WriteRune(r)
		b.WriteByte(0)
	}
	return b.String()
}

const distroList = `  NAME            STATE           VERSION
* Ubuntu          Running         2
  Debian          Stopped         1
  Ubuntu 22.04    Running         2
`

func TestParseDistroList(t *testing.T) {
	candidates := parseDistroList(utf16ish(strings.ReplaceAll(distroList, "\n", "\r\n")))
	require.Len(t, candidates, 3)

	assert.Equal(t, "Ubuntu", candidates[0].Identifier)
	assert.True(t, candidates[0].Running)
	assert.True(t, candidates[0].Default)
	assert.Equal(t, "2", candidates[0].LayerVersion)

	assert.Equal(t, "Debian", candidates[1].Identifier)
	assert.False(t, candidates[1].Running)
	assert.False(t, candidates[1].Default)
	assert.Equal(t, "1", candidates[1].LayerVersion)

	assert.Equal(t, "Ubuntu 22.04", candidates[2].Identifier)
	for _, c := range candidates {
		assert.Equal(t, api.BackendVirtualizedLinux, c.Type)
	}
}

func TestParseDFAvailable(t *testing.T) {
	assert.Equal(t, int64(48213), parseDFAvailable("/dev/sdc  257926  196541  48213  81% /\n"))
	assert.Equal(t, int64(0), parseDFAvailable("garbage"))
}

func guest(distro string, args ...string) []string {
	return append(guestPrefix(distro), args...)
}

func scriptedWSL() *fakeRunner {
	r := newFakeRunner("wsl")
	r.on(utf16ish(distroList), nil, "wsl", "--list", "--verbose")
	r.on("3.11.4\n", nil, guest("Ubuntu", "python3", "-c", runtimeVersionScript)...)
	r.on("0.4.2\n", nil, guest("Ubuntu", "python3", "-c", softwareVersionScript("devflow"))...)
	r.on("/dev/sdc 257926 196541 48213 81% /\n", nil, guest("Ubuntu", "sh", "-c", `df -Pm "$HOME" | tail -n 1`)...)
	r.on("3.8.10\n", nil, guest("Ubuntu 22.04", "python3", "-c", runtimeVersionScript)...)
	return r
}

func TestWSLDriver_Detect(t *testing.T) {
	runner := scriptedWSL()
	driver := NewWSLDriver(runner, Settings{DistroConcurrency: 2})

	candidates, err := driver.Detect(context.Background(), api.ConnectionParams{})
	require.NoError(t, err)
	require.Len(t, candidates, 3)

	ubuntu := candidates[0]
	assert.Equal(t, "3.11.4", ubuntu.RuntimeVersion)
	assert.True(t, ubuntu.SoftwareInstalled)
	assert.Equal(t, "0.4.2", ubuntu.SoftwareVersion)
	assert.Equal(t, int64(48213), ubuntu.DiskFreeMB)

	debian := candidates[1]
	assert.Empty(t, debian.RuntimeVersion)
	assert.False(t, debian.SoftwareInstalled)
	assert.False(t, runner.called(guest("Debian", "python3", "-c", runtimeVersionScript)...),
		"stopped distributions must not be started by detection")

	older := candidates[2]
	assert.Equal(t, "3.8.10", older.RuntimeVersion)
	assert.False(t, older.SoftwareInstalled)

	selected, ok := driver.Select(candidates, api.ConnectionParams{Distro: "ubuntu"})
	require.True(t, ok)
	assert.Equal(t, "Ubuntu", selected.Identifier)
	_, ok = driver.Select(candidates, api.ConnectionParams{Distro: "Arch"})
	assert.False(t, ok)
}

func TestWSLDriver_DetectWithoutTool(t *testing.T) {
	candidates, err := NewWSLDriver(newFakeRunner(), Settings{}).Detect(context.Background(), api.ConnectionParams{})
	require.NoError(t, err)
	assert.Empty(t, candidates)
}

func TestWSLDriver_DetectNoDistributions(t *testing.T) {
	runner := newFakeRunner("wsl").on(
		utf16ish("Windows Subsystem for Linux has no installed distributions."),
		errors.New("exit status 4294967295"),
		"wsl", "--list", "--verbose")

	candidates, err := NewWSLDriver(runner, Settings{}).Detect(context.Background(), api.ConnectionParams{})
	require.NoError(t, err)
	assert.Empty(t, candidates)
}

func TestWSLDriver_DetectBroken(t *testing.T) {
	runner := newFakeRunner("wsl").on("", errors.New("the service is not responding"), "wsl", "--list", "--verbose")

	_, err := NewWSLDriver(runner, Settings{}).Detect(context.Background(), api.ConnectionParams{})
	require.Error(t, err)
	assert.True(t, api.IsDetectionError(err))
}

func TestWSLDriver_Requirements(t *testing.T) {
	driver := NewWSLDriver(newFakeRunner(), Settings{})
	req := driver.Requirements(api.EnvironmentCandidate{Identifier: "Ubuntu"}, api.ConnectionParams{})

	assert.Equal(t, []string{"wsl", "-d", "Ubuntu", "--", "echo", "started"}, req.StartCommand)
	assert.Equal(t, []string{"wsl", "--set-version", "Ubuntu", "2"}, req.LayerUpgradeCommand)
	assert.Equal(t, "2", req.MinLayerVersion)
	assert.Equal(t, "3.10", req.MinRuntimeVersion)
	assert.True(t, req.ChecksHostPort)
}

func TestWSLDriver_InstallSteps(t *testing.T) {
	runner := scriptedWSL()
	runner.on("HTTP/2 200\n", nil, guest("Ubuntu", "curl", "-sSfI", "-o", "/dev/null", "https://pypi.org/simple/")...)
	runner.on("pip 23.0.1\n", nil, guest("Ubuntu", "python3", "-m", "pip", "--version")...)
	runner.on("Successfully installed pipx\n", nil, guest("Ubuntu", "python3", "-m", "pip", "install", "--user", "--upgrade", "pipx")...)
	runner.on("installed package devflow 0.4.2\n", nil, guest("Ubuntu", "python3", "-m", "pipx", "install", "--force", "devflow")...)

	driver := NewWSLDriver(runner, Settings{})
	steps := driver.InstallSteps(api.EnvironmentCandidate{Identifier: "Ubuntu"}, api.ConnectionParams{})

	names := make([]string, len(steps))
	for i, s := range steps {
		names[i] = s.Name
	}
	assert.Equal(t, []string{
		"Check network access", "Check pip", "Install pipx", "Install bridge package", "Verify installation",
	}, names)

	var lines []string
	for _, s := range steps {
		require.NoError(t, s.Run(context.Background(), func(text string) { lines = append(lines, text) }), s.Name)
	}
	assert.Contains(t, lines, "installed package devflow 0.4.2")
	assert.Contains(t, lines, "devflow 0.4.2 installed")
}

func TestWSLDriver_InstallPackageFallsBackToPip(t *testing.T) {
	runner := newFakeRunner("wsl")
	runner.on("No matching distribution", errors.New("exit 1"), guest("Ubuntu", "python3", "-m", "pipx", "install", "--force", "devflow")...)
	runner.on("Successfully installed devflow-0.4.2\n", nil, guest("Ubuntu", "python3", "-m", "pip", "install", "--user", "--upgrade", "devflow")...)

	driver := NewWSLDriver(runner, Settings{})
	step := driver.InstallSteps(api.EnvironmentCandidate{Identifier: "Ubuntu"}, api.ConnectionParams{})[3]

	var lines []string
	require.NoError(t, step.Run(context.Background(), func(text string) { lines = append(lines, text) }))
	assert.Contains(t, lines, "Successfully installed devflow-0.4.2")
}

func TestWSLDriver_Remediate(t *testing.T) {
	runner := newFakeRunner("wsl")
	runner.on("started\n", nil, guest("Ubuntu", "echo", "started")...)
	runner.on("Conversion complete.\n", nil, "wsl", "--set-version", "Ubuntu", "2")
	driver := NewWSLDriver(runner, Settings{})
	candidate := api.EnvironmentCandidate{Identifier: "Ubuntu"}

	require.NoError(t, driver.Remediate(context.Background(), candidate, api.Resolution{Action: api.ActionStartEnvironment}))
	assert.True(t, runner.called(guest("Ubuntu", "echo", "started")...))

	require.NoError(t, driver.Remediate(context.Background(), candidate, api.Resolution{Action: api.ActionUpgradeLayer}))
	assert.True(t, runner.called("wsl", "--set-version", "Ubuntu", "2"))

	err := driver.Remediate(context.Background(), candidate, api.Resolution{Action: api.ActionInstallRuntime})
	assert.ErrorIs(t, err, api.ErrNotAutomatable)
}

func TestWSLDriver_LaunchAndStatus(t *testing.T) {
	runner := newFakeRunner("wsl")
	driver := NewWSLDriver(runner, Settings{})
	params := api.BackendConfig{Type: api.BackendVirtualizedLinux}.WithDefaults().Params

	script := `pid=$(pgrep -f '[b]ridge.main --tcp --port 9876' | head -n 1); if [ -n "$pid" ]; then echo "adopted $pid"; exit 0; fi; ` +
		`mkdir -p ~/.devflow; nohup python3 -u -m bridge.main --tcp --port 9876 > ~/.devflow/bridge.log 2>&1 & echo $!`
	runner.on("4242\n", nil, guest("Ubuntu", "sh", "-c", script)...)
	runner.on("", nil, guest("Ubuntu", "kill", "-0", "4242")...)

	handle, err := driver.Launch(context.Background(), api.EnvironmentCandidate{Identifier: "Ubuntu"}, params)
	require.NoError(t, err)
	assert.Equal(t, "pid 4242 in Ubuntu", handle.Describe())
	assert.Equal(t, "127.0.0.1:9876", handle.Target().Address())

	assert.False(t, IsAdopted(handle))

	status, err := handle.Status(context.Background())
	require.NoError(t, err)
	assert.True(t, status.Alive)

	runner.on("adopted 4242\n", nil, guest("Ubuntu", "sh", "-c", script)...)
	handle, err = driver.Launch(context.Background(), api.EnvironmentCandidate{Identifier: "Ubuntu"}, params)
	require.NoError(t, err)
	assert.True(t, IsAdopted(handle))
	assert.Equal(t, "pid 4242 in Ubuntu", handle.Describe())
}

func TestWSLHandle_TerminateGoneProcess(t *testing.T) {
	runner := newFakeRunner("wsl")
	h := &wslHandle{tc: NewWSLDriver(runner, Settings{}).toolchain("Ubuntu"), distro: "Ubuntu", pid: 7}

	// kill -0 is unscripted, so the process counts as gone
	require.NoError(t, h.Terminate(context.Background()))
	assert.False(t, runner.called(guest("Ubuntu", "kill", "-TERM", "7")...))
}
