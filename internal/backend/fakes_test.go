package backend

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"bridgectl/internal/containerizer"
	"bridgectl/internal/process"
)

type fakeResponse struct {
	out string
	err error
}

// fakeRunner answers commands from a table keyed by the full command line.
// Unknown commands fail like a missing program would.
type fakeRunner struct {
	mu        sync.Mutex
	tools     map[string]bool
	responses map[string]fakeResponse
	calls     []string
}

func newFakeRunner(tools ...string) *fakeRunner {
	f := &fakeRunner{tools: make(map[string]bool), responses: make(map[string]fakeResponse)}
	for _, t := range tools {
		f.tools[t] = true
	}
	return f
}

func cmdline(parts ...string) string {
	return strings.Join(parts, " ")
}

func (f *fakeRunner) on(out string, err error, parts ...string) *fakeRunner {
	f.responses[cmdline(parts...)] = fakeResponse{out: out, err: err}
	return f
}

func (f *fakeRunner) called(parts ...string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	want := cmdline(parts...)
	for _, c := range f.calls {
		if c == want {
			return true
		}
	}
	return false
}

func (f *fakeRunner) respond(name string, args []string) fakeResponse {
	key := cmdline(append([]string{name}, args...)...)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, key)
	if resp, ok := f.responses[key]; ok {
		return resp
	}
	return fakeResponse{err: &process.CommandError{Command: key, ExitCode: 127}}
}

func (f *fakeRunner) LookPath(name string) (string, error) {
	if f.tools[name] {
		return "/usr/bin/" + name, nil
	}
	return "", process.ErrToolNotFound
}

func (f *fakeRunner) Output(ctx context.Context, name string, args ...string) (string, error) {
	resp := f.respond(name, args)
	return resp.out, resp.err
}

func (f *fakeRunner) Stream(ctx context.Context, onLine func(string), name string, args ...string) error {
	resp := f.respond(name, args)
	for _, line := range strings.Split(strings.TrimSpace(resp.out), "\n") {
		if line != "" {
			onLine(line)
		}
	}
	return resp.err
}

func (f *fakeRunner) Start(spec process.Spec) (*process.Process, error) {
	return nil, errors.New("fake runner cannot start processes")
}

// fakeRuntime is an in-memory container engine.
type fakeRuntime struct {
	mu         sync.Mutex
	pingErr    error
	info       containerizer.EngineInfo
	images     map[string]string
	containers map[string]*containerizer.ContainerInfo
	logs       string
	ops        []string
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{
		info:       containerizer.EngineInfo{Version: "27.3.1", APIVersion: "1.47", OS: "linux"},
		images:     make(map[string]string),
		containers: make(map[string]*containerizer.ContainerInfo),
	}
}

func (f *fakeRuntime) record(op string) {
	f.ops = append(f.ops, op)
}

func (f *fakeRuntime) Ping(ctx context.Context) (containerizer.EngineInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("ping")
	return f.info, f.pingErr
}

func (f *fakeRuntime) ImageVersion(ctx context.Context, image string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.images[image]
	if !ok {
		return "", containerizer.ErrImageNotFound
	}
	return v, nil
}

func (f *fakeRuntime) PullImage(ctx context.Context, image string, progress func(string)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("pull " + image)
	progress("latest: Pulling from ao-cyber-systems/devflow")
	progress("Status: Downloaded newer image")
	f.images[image] = "0.4.2"
	return nil
}

func (f *fakeRuntime) InspectContainer(ctx context.Context, name string) (*containerizer.ContainerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[name]
	if !ok {
		return nil, containerizer.ErrContainerNotFound
	}
	copied := *c
	return &copied, nil
}

func (f *fakeRuntime) CreateContainer(ctx context.Context, config containerizer.ContainerConfig) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("create " + config.Name)
	info := &containerizer.ContainerInfo{
		ID:           "sha256:0123456789abcdef0123",
		Name:         config.Name,
		Image:        config.Image,
		ImageVersion: f.images[config.Image],
	}
	for _, p := range config.Ports {
		info.HostPorts = append(info.HostPorts, p.HostPort)
	}
	f.containers[config.Name] = info
	return info.ID, nil
}

func (f *fakeRuntime) StartContainer(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("start " + name)
	c, ok := f.containers[name]
	if !ok {
		return containerizer.ErrContainerNotFound
	}
	c.Running = true
	return nil
}

func (f *fakeRuntime) StopContainer(ctx context.Context, name string, timeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("stop " + name)
	if c, ok := f.containers[name]; ok {
		c.Running = false
		c.ExitCode = 143
	}
	return nil
}

func (f *fakeRuntime) RemoveContainer(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("remove " + name)
	delete(f.containers, name)
	return nil
}

func (f *fakeRuntime) GetContainerLogs(ctx context.Context, name string, tail int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.logs, nil
}
