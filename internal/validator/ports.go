package validator

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"bridgectl/pkg/logging"

	gopsnet "github.com/shirou/gopsutil/v3/net"
	"github.com/shirou/gopsutil/v3/process"
)

// PortChecker answers whether a host port can be bound and who holds it.
type PortChecker interface {
	Available(ctx context.Context, host string, port int) bool
	// Holder names the process listening on port, or "" when unknown.
	Holder(ctx context.Context, port int) string
}

// HostPorts checks ports on the local machine.
type HostPorts struct{}

func (HostPorts) Available(ctx context.Context, host string, port int) bool {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}

func (HostPorts) Holder(ctx context.Context, port int) string {
	conns, err := gopsnet.ConnectionsWithContext(ctx, "tcp")
	if err != nil {
		logging.Debug(subsystem, "Listing connections failed: %v", err)
		return ""
	}
	for _, c := range conns {
		if c.Status != "LISTEN" || int(c.Laddr.Port) != port || c.Pid == 0 {
			continue
		}
		proc, err := process.NewProcessWithContext(ctx, c.Pid)
		if err != nil {
			return fmt.Sprintf("pid %d", c.Pid)
		}
		name, err := proc.NameWithContext(ctx)
		if err != nil || name == "" {
			return fmt.Sprintf("pid %d", c.Pid)
		}
		return fmt.Sprintf("%s (pid %d)", name, c.Pid)
	}
	return ""
}

// nextFreePort returns the first available port above port, searching at
// most span ports, or 0.
func nextFreePort(ctx context.Context, ports PortChecker, host string, port, span int) int {
	for p := port + 1; p <= port+span && p <= 65535; p++ {
		if ctx.Err() != nil {
			return 0
		}
		if ports.Available(ctx, host, p) {
			return p
		}
	}
	return 0
}
