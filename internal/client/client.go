package client

import (
	"context"
	"time"

	"bridgectl/internal/api"
	"bridgectl/internal/events"
	"bridgectl/internal/server"
	"bridgectl/pkg/logging"
)

const subsystem = "Client"

// DefaultDialTimeout bounds the check for a running control server.
const DefaultDialTimeout = 500 * time.Millisecond

// BridgeClient abstracts the in-process supervisor and a remote one.
type BridgeClient interface {
	Status(ctx context.Context) (api.BridgeStatus, error)
	Start(ctx context.Context, cfg api.BackendConfig) (api.BridgeStatus, error)
	Stop(ctx context.Context) (api.BridgeStatus, error)
	Install(ctx context.Context, cfg api.BackendConfig) (api.InstallationSession, error)
	Remediate(ctx context.Context, cfg api.BackendConfig, action api.ResolutionAction) (api.ValidationReport, error)
	Session(ctx context.Context, id string) (api.InstallationSession, error)
	CancelSession(ctx context.Context, id string) (api.InstallationSession, error)
	Events(ctx context.Context, limit int) ([]events.Event, error)
	Follow(ctx context.Context) (<-chan events.Event, error)
	ActiveSession(ctx context.Context) (api.InstallationSession, bool, error)
	SessionLog(ctx context.Context, id string) (<-chan api.LogEntry, error)
	FollowInstalls(ctx context.Context) (<-chan api.SessionLogEntry, error)

	// IsRemote reports whether calls go to a `bridgectl serve` process.
	IsRemote() bool
	Close() error
}

// Local is an in-process supervisor with its session store.
type Local struct {
	Controller server.Controller
	Sessions   server.Sessions
	Events     *events.Bus
	// Close releases the supervisor; it may be nil.
	Close func()
}

// LocalFactory builds the in-process fallback on demand.
type LocalFactory func() (*Local, error)

// New returns a client for the control server at addr when it answers, and
// the in-process fallback otherwise. A nil local makes the server mandatory.
func New(ctx context.Context, addr string, local LocalFactory) (BridgeClient, error) {
	if addr != "" {
		remote := NewHTTPClient(addr)
		dialCtx, cancel := context.WithTimeout(ctx, DefaultDialTimeout)
		_, err := remote.Status(dialCtx)
		cancel()
		if err == nil {
			logging.Debug(subsystem, "Using control server at %s", addr)
			return remote, nil
		}
		logging.Debug(subsystem, "Control server at %s not reachable: %v", addr, err)
	}
	if local == nil {
		return nil, &ServerUnavailableError{Address: addr}
	}
	l, err := local()
	if err != nil {
		return nil, err
	}
	return &localClient{l: l}, nil
}

// ServerUnavailableError is returned when an operation needs `bridgectl
// serve` and it is not running.
type ServerUnavailableError struct {
	Address string
}

func (e *ServerUnavailableError) Error() string {
	return "no bridgectl server is listening on " + e.Address + "; run `bridgectl serve` first"
}

type localClient struct {
	l *Local
}

func (c *localClient) Status(ctx context.Context) (api.BridgeStatus, error) {
	return c.l.Controller.Status(), nil
}

func (c *localClient) Start(ctx context.Context, cfg api.BackendConfig) (api.BridgeStatus, error) {
	err := c.l.Controller.Start(ctx, cfg)
	return c.l.Controller.Status(), err
}

func (c *localClient) Stop(ctx context.Context) (api.BridgeStatus, error) {
	err := c.l.Controller.Stop(ctx)
	return c.l.Controller.Status(), err
}

func (c *localClient) Install(ctx context.Context, cfg api.BackendConfig) (api.InstallationSession, error) {
	return c.l.Controller.Install(ctx, cfg)
}

func (c *localClient) Remediate(ctx context.Context, cfg api.BackendConfig, action api.ResolutionAction) (api.ValidationReport, error) {
	return c.l.Controller.Remediate(ctx, cfg, action)
}

func (c *localClient) Session(ctx context.Context, id string) (api.InstallationSession, error) {
	return c.l.Sessions.Get(id)
}

func (c *localClient) CancelSession(ctx context.Context, id string) (api.InstallationSession, error) {
	if err := c.l.Sessions.Cancel(id); err != nil {
		return api.InstallationSession{}, err
	}
	return c.l.Sessions.Get(id)
}

func (c *localClient) Events(ctx context.Context, limit int) ([]events.Event, error) {
	if c.l.Events == nil {
		return nil, nil
	}
	return c.l.Events.Recent(limit), nil
}

func (c *localClient) Follow(ctx context.Context) (<-chan events.Event, error) {
	return c.l.Controller.Subscribe(ctx), nil
}

func (c *localClient) ActiveSession(ctx context.Context) (api.InstallationSession, bool, error) {
	session, ok := c.l.Sessions.Active()
	return session, ok, nil
}

func (c *localClient) SessionLog(ctx context.Context, id string) (<-chan api.LogEntry, error) {
	return c.l.Sessions.Log(ctx, id)
}

func (c *localClient) FollowInstalls(ctx context.Context) (<-chan api.SessionLogEntry, error) {
	return c.l.Sessions.Follow(ctx), nil
}

func (c *localClient) IsRemote() bool { return false }

func (c *localClient) Close() error {
	if c.l.Close != nil {
		c.l.Close()
	}
	return nil
}
