package probe

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"time"

	"bridgectl/internal/api"
)

// PingResult is what a successful ping reports about the bridge.
type PingResult struct {
	Version string
}

// Target is a bridge endpoint that can be pinged. Failed pings return an
// *api.ConnectionError, or the context error when ctx was cancelled.
type Target interface {
	Address() string
	Ping(ctx context.Context) (PingResult, error)
}

const pingRequest = `{"jsonrpc":"2.0","method":"system.ping","params":null,"id":1}` + "\n"

// maxReplyBytes caps how much of a reply line is read.
const maxReplyBytes = 64 * 1024

// JSONRPCTarget pings a bridge speaking newline delimited JSON-RPC 2.0 over TCP.
type JSONRPCTarget struct {
	addr string
}

// NewJSONRPCTarget returns a target for host:port.
func NewJSONRPCTarget(addr string) *JSONRPCTarget {
	return &JSONRPCTarget{addr: addr}
}

func (t *JSONRPCTarget) Address() string {
	return t.addr
}

type rpcReply struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result"`
	Error   *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type pingPayload struct {
	Pong    bool   `json:"pong"`
	Version string `json:"version"`
}

// Ping sends one system.ping request and waits for one reply line.
func (t *JSONRPCTarget) Ping(ctx context.Context) (PingResult, error) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", t.addr)
	if err != nil {
		return PingResult{}, t.classify(ctx, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	defer stop()

	if _, err := io.WriteString(conn, pingRequest); err != nil {
		return PingResult{}, t.classify(ctx, err)
	}

	reader := bufio.NewReader(io.LimitReader(conn, maxReplyBytes))
	line, err := reader.ReadBytes('\n')
	if err != nil && !(errors.Is(err, io.EOF) && len(line) > 0) {
		return PingResult{}, t.classify(ctx, err)
	}

	return t.decode(line)
}

func (t *JSONRPCTarget) decode(line []byte) (PingResult, error) {
	var reply rpcReply
	if err := json.Unmarshal(line, &reply); err != nil {
		return PingResult{}, t.mismatch(fmt.Errorf("undecodable reply: %w", err))
	}
	if reply.JSONRPC != "2.0" {
		return PingResult{}, t.mismatch(fmt.Errorf("unsupported jsonrpc version %q", reply.JSONRPC))
	}
	if reply.Error != nil {
		return PingResult{}, t.mismatch(fmt.Errorf("rpc error %d: %s", reply.Error.Code, reply.Error.Message))
	}
	if len(reply.Result) == 0 || string(reply.Result) == "null" {
		return PingResult{}, t.mismatch(errors.New("reply carries no result"))
	}

	var payload pingPayload
	if err := json.Unmarshal(reply.Result, &payload); err != nil {
		// a non-object result still proves the endpoint speaks the protocol
		return PingResult{}, nil
	}
	return PingResult{Version: payload.Version}, nil
}

func (t *JSONRPCTarget) mismatch(err error) error {
	return &api.ConnectionError{Kind: api.ConnectionProtocolMismatch, Endpoint: t.addr, Err: err}
}

// classify maps a network error onto the connection error kinds. Cancellation
// of ctx itself is returned unchanged.
func (t *JSONRPCTarget) classify(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return ctx.Err()
	}

	var netErr net.Error
	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		return &api.ConnectionError{Kind: api.ConnectionRefused, Endpoint: t.addr, Err: err}
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, syscall.ETIMEDOUT):
		return &api.ConnectionError{Kind: api.ConnectionTimeout, Endpoint: t.addr, Err: err}
	case errors.As(err, &netErr) && netErr.Timeout():
		return &api.ConnectionError{Kind: api.ConnectionTimeout, Endpoint: t.addr, Err: err}
	default:
		// resets, early EOF while the bridge is still booting, unreachable hosts
		return &api.ConnectionError{Kind: api.ConnectionRefused, Endpoint: t.addr, Err: err}
	}
}
