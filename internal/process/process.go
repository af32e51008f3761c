package process

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"bridgectl/pkg/logging"
)

// Spec describes a long running subordinate process.
type Spec struct {
	Name   string
	Args   []string
	Env    []string
	Dir    string
	Output io.Writer
}

// Process is a handle on a started subordinate process. It exposes the
// liveness signal (Done and ExitCode) and termination.
type Process struct {
	cmd  *exec.Cmd
	done chan struct{}

	mu       sync.Mutex
	exitCode int
	waitErr  error
}

// Start launches spec in its own process group. The process is not tied to
// any context; call Terminate to stop it.
func (e *Exec) Start(spec Spec) (*Process, error) {
	cmd := execCommandContext(context.Background(), spec.Name, spec.Args...)
	cmd.Env = append(cmd.Environ(), spec.Env...)
	cmd.Dir = spec.Dir
	if spec.Output != nil {
		cmd.Stdout = spec.Output
		cmd.Stderr = spec.Output
	}
	setProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		return nil, commandError(context.Background(), cmd, spec.Name, spec.Args, err, "")
	}

	p := &Process{cmd: cmd, done: make(chan struct{})}
	go p.wait()
	logging.Info(processSubsystem, "Started %s (pid %d)", spec.Name, cmd.Process.Pid)
	return p, nil
}

func (p *Process) wait() {
	err := p.cmd.Wait()
	p.mu.Lock()
	p.exitCode = exitCodeOf(p.cmd.ProcessState)
	p.waitErr = err
	p.mu.Unlock()
	close(p.done)
}

// PID returns the operating system process id.
func (p *Process) PID() int {
	return p.cmd.Process.Pid
}

// Done is closed once the process has exited.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Exited reports whether the process has exited and with which code.
func (p *Process) Exited() (bool, int) {
	select {
	case <-p.done:
		p.mu.Lock()
		defer p.mu.Unlock()
		return true, p.exitCode
	default:
		return false, 0
	}
}

// Terminate asks the process group to stop, escalating to a kill after
// grace. It returns once the process has exited or ctx ends.
func (p *Process) Terminate(ctx context.Context, grace time.Duration) error {
	if exited, _ := p.Exited(); exited {
		return nil
	}

	if err := terminateGroup(p.cmd); err != nil {
		logging.Debug(processSubsystem, "Graceful termination of pid %d failed: %v", p.PID(), err)
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-p.done:
		return nil
	case <-timer.C:
		logging.Warn(processSubsystem, "pid %d did not exit within %s, killing", p.PID(), grace)
	case <-ctx.Done():
	}

	if err := killGroup(p.cmd); err != nil {
		logging.Debug(processSubsystem, "Kill of pid %d failed: %v", p.PID(), err)
	}

	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for pid %d to exit: %w", p.PID(), ctx.Err())
	}
}
