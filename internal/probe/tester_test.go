package probe

import (
	"bufio"
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"bridgectl/internal/api"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// instantTimer fires immediately so retries do not sleep in tests.
type instantTimer struct {
	c chan time.Time
}

func (t *instantTimer) Start(time.Duration) {
	t.c = make(chan time.Time, 1)
	t.c <- time.Now()
}

func (t *instantTimer) Stop() {}

func (t *instantTimer) C() <-chan time.Time { return t.c }

func newTestTester() *Tester {
	return &Tester{timer: &instantTimer{}}
}

var testPolicy = Policy{
	InitialInterval: 10 * time.Millisecond,
	MaxInterval:     80 * time.Millisecond,
	Multiplier:      2,
	AttemptTimeout:  time.Second,
}

// serveLines answers every connection with reply, after reading one line.
func serveLines(t *testing.T, reply string) (string, *atomic.Int32) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	var requests atomic.Int32
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				if _, err := bufio.NewReader(c).ReadString('\n'); err != nil {
					return
				}
				requests.Add(1)
				_, _ = c.Write([]byte(reply + "\n"))
			}(conn)
		}
	}()
	return ln.Addr().String(), &requests
}

// closedPort returns an address nobody listens on.
func closedPort(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func TestJSONRPCTarget_Ping(t *testing.T) {
	addr, _ := serveLines(t, `{"jsonrpc":"2.0","result":{"pong":true,"version":"0.4.2"},"id":1}`)

	result, err := NewJSONRPCTarget(addr).Ping(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "0.4.2", result.Version)
}

func TestJSONRPCTarget_Mismatch(t *testing.T) {
	tests := []struct {
		name  string
		reply string
	}{
		{name: "method not found", reply: `{"jsonrpc":"2.0","error":{"code":-32601,"message":"Method not found"},"id":1}`},
		{name: "wrong version", reply: `{"jsonrpc":"1.0","result":{"pong":true},"id":1}`},
		{name: "not json", reply: `HTTP/1.1 400 Bad Request`},
		{name: "null result", reply: `{"jsonrpc":"2.0","result":null,"id":1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			addr, _ := serveLines(t, tt.reply)
			_, err := NewJSONRPCTarget(addr).Ping(context.Background())
			assert.True(t, api.IsConnectionError(err, api.ConnectionProtocolMismatch), "got %v", err)
		})
	}
}

func TestJSONRPCTarget_Refused(t *testing.T) {
	_, err := NewJSONRPCTarget(closedPort(t)).Ping(context.Background())
	assert.True(t, api.IsConnectionError(err, api.ConnectionRefused), "got %v", err)
}

func TestJSONRPCTarget_Timeout(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	// accept but never answer
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			defer conn.Close()
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = NewJSONRPCTarget(ln.Addr().String()).Ping(ctx)
	assert.True(t, api.IsConnectionError(err, api.ConnectionTimeout), "got %v", err)
}

func TestProbe_Reachable(t *testing.T) {
	addr, requests := serveLines(t, `{"jsonrpc":"2.0","result":{"pong":true},"id":1}`)

	result := newTestTester().Probe(context.Background(), NewJSONRPCTarget(addr), 5, testPolicy)
	assert.True(t, result.Reachable)
	assert.Equal(t, 1, result.AttemptCount)
	assert.Nil(t, result.LastError)
	assert.Empty(t, result.Delays)
	assert.Equal(t, int32(1), requests.Load())
}

func TestProbe_RefusedUsesAllAttempts(t *testing.T) {
	result := newTestTester().Probe(context.Background(), NewJSONRPCTarget(closedPort(t)), 5, testPolicy)

	assert.False(t, result.Reachable)
	assert.Equal(t, 5, result.AttemptCount)
	assert.True(t, api.IsConnectionError(result.LastError, api.ConnectionRefused))
	require.Len(t, result.Delays, 4)
	assert.Equal(t, []time.Duration{
		10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond, 80 * time.Millisecond,
	}, result.Delays)
}

func TestProbe_DelaysCapAtMaxInterval(t *testing.T) {
	result := newTestTester().Probe(context.Background(), NewJSONRPCTarget(closedPort(t)), 8, testPolicy)

	require.Len(t, result.Delays, 7)
	for i := 1; i < len(result.Delays); i++ {
		if result.Delays[i-1] < testPolicy.MaxInterval {
			assert.Greater(t, result.Delays[i], result.Delays[i-1])
		}
		assert.LessOrEqual(t, result.Delays[i], testPolicy.MaxInterval)
	}
}

func TestProbe_MismatchShortCircuits(t *testing.T) {
	addr, requests := serveLines(t, `{"jsonrpc":"2.0","error":{"code":-32601,"message":"Method not found"},"id":1}`)

	result := newTestTester().Probe(context.Background(), NewJSONRPCTarget(addr), 8, testPolicy)
	assert.False(t, result.Reachable)
	assert.Equal(t, 1, result.AttemptCount)
	assert.Empty(t, result.Delays)
	assert.True(t, api.IsConnectionError(result.LastError, api.ConnectionProtocolMismatch))
	assert.Equal(t, int32(1), requests.Load())
}

func TestProbe_SingleAttempt(t *testing.T) {
	result := newTestTester().Probe(context.Background(), NewJSONRPCTarget(closedPort(t)), 0, testPolicy)
	assert.Equal(t, 1, result.AttemptCount)
	assert.False(t, result.Reachable)
}

type flakyTarget struct {
	failures int
	calls    int
}

func (f *flakyTarget) Address() string { return "flaky:1" }

func (f *flakyTarget) Ping(context.Context) (PingResult, error) {
	f.calls++
	if f.calls <= f.failures {
		return PingResult{}, &api.ConnectionError{Kind: api.ConnectionRefused, Endpoint: "flaky:1", Err: errors.New("refused")}
	}
	return PingResult{Version: "1"}, nil
}

func TestProbe_RecoversAfterTransientFailures(t *testing.T) {
	target := &flakyTarget{failures: 2}
	result := newTestTester().Probe(context.Background(), target, 5, testPolicy)

	assert.True(t, result.Reachable)
	assert.Equal(t, 3, result.AttemptCount)
	assert.Len(t, result.Delays, 2)
	assert.Nil(t, result.LastError)
}

func TestProbe_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := NewTester().Probe(ctx, NewJSONRPCTarget(closedPort(t)), 5, testPolicy)
	assert.False(t, result.Reachable)
	assert.LessOrEqual(t, result.AttemptCount, 1)
}
