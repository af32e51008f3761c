package backend

import (
	"context"
	"fmt"
	"time"

	"bridgectl/internal/probe"

	gopsnet "github.com/shirou/gopsutil/v3/net"
	"github.com/shirou/gopsutil/v3/process"
)

// IsAdopted reports whether h took over a bridge that was already running
// instead of starting one.
func IsAdopted(h Handle) bool {
	a, ok := h.(interface{ Adopted() bool })
	return ok && a.Adopted()
}

// hostProcess is a process on this host that bridgectl did not start.
type hostProcess interface {
	PID() int32
	Running(ctx context.Context) bool
	Terminate(ctx context.Context) error
	Kill(ctx context.Context) error
}

type psProcess struct {
	p *process.Process
}

func (p psProcess) PID() int32 { return p.p.Pid }

func (p psProcess) Running(ctx context.Context) bool {
	running, err := p.p.IsRunningWithContext(ctx)
	return err == nil && running
}

func (p psProcess) Terminate(ctx context.Context) error { return p.p.TerminateWithContext(ctx) }

func (p psProcess) Kill(ctx context.Context) error { return p.p.KillWithContext(ctx) }

// findListener returns the process listening on a TCP port. Overridden in tests.
var findListener = func(ctx context.Context, port int) (hostProcess, error) {
	conns, err := gopsnet.ConnectionsWithContext(ctx, "tcp")
	if err != nil {
		return nil, fmt.Errorf("failed to list connections: %w", err)
	}
	for _, c := range conns {
		if c.Status != "LISTEN" || int(c.Laddr.Port) != port || c.Pid == 0 {
			continue
		}
		p, err := process.NewProcessWithContext(ctx, c.Pid)
		if err != nil {
			return nil, fmt.Errorf("failed to open pid %d: %w", c.Pid, err)
		}
		return psProcess{p: p}, nil
	}
	return nil, fmt.Errorf("no process found listening on port %d", port)
}

// adoptedHandle controls a bridge found serving the port at launch.
type adoptedHandle struct {
	proc   hostProcess
	target probe.Target
	grace  time.Duration
	poll   time.Duration
}

func (h *adoptedHandle) Adopted() bool { return true }

func (h *adoptedHandle) Target() probe.Target { return h.target }

func (h *adoptedHandle) Describe() string { return fmt.Sprintf("pid %d (adopted)", h.proc.PID()) }

func (h *adoptedHandle) Status(ctx context.Context) (Liveness, error) {
	if h.proc.Running(ctx) {
		return Liveness{Alive: true}, nil
	}
	return Liveness{Alive: false, Detail: "adopted bridge process is gone"}, nil
}

// Terminate signals the process, escalates to a kill after the grace period
// and returns once it is gone.
func (h *adoptedHandle) Terminate(ctx context.Context) error {
	if !h.proc.Running(ctx) {
		return nil
	}
	if err := h.proc.Terminate(ctx); err != nil && h.proc.Running(ctx) {
		return fmt.Errorf("failed to signal pid %d: %w", h.proc.PID(), err)
	}
	if h.waitGone(ctx, h.grace) {
		return nil
	}
	if err := h.proc.Kill(ctx); err != nil && h.proc.Running(ctx) {
		return fmt.Errorf("failed to kill pid %d: %w", h.proc.PID(), err)
	}
	if h.waitGone(ctx, h.grace) {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("pid %d still running after kill", h.proc.PID())
}

func (h *adoptedHandle) waitGone(ctx context.Context, limit time.Duration) bool {
	poll := h.poll
	if poll <= 0 {
		poll = 100 * time.Millisecond
	}
	deadline := time.NewTimer(limit)
	defer deadline.Stop()
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		if !h.proc.Running(ctx) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-deadline.C:
			return !h.proc.Running(ctx)
		case <-ticker.C:
		}
	}
}
