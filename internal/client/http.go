package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"bridgectl/internal/api"
	"bridgectl/internal/events"
	"bridgectl/internal/server"
)

// HTTPClient talks to the control API of `bridgectl serve`.
type HTTPClient struct {
	base string
	http *http.Client
}

// NewHTTPClient creates a client for the server listening on addr (host:port).
func NewHTTPClient(addr string) *HTTPClient {
	return &HTTPClient{base: "http://" + addr, http: &http.Client{}}
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("control server request %s %s failed: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		var e server.ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&e); err != nil || e.Code == "" {
			return fmt.Errorf("control server returned %s", resp.Status)
		}
		return e.AsError()
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response of %s %s: %w", method, path, err)
	}
	return nil
}

func (c *HTTPClient) Status(ctx context.Context) (api.BridgeStatus, error) {
	var status api.BridgeStatus
	err := c.do(ctx, http.MethodGet, "/v1/status", nil, &status)
	return status, err
}

// Start blocks until the remote start finishes; a failed start still
// returns the resulting status.
func (c *HTTPClient) Start(ctx context.Context, cfg api.BackendConfig) (api.BridgeStatus, error) {
	var status api.BridgeStatus
	if err := c.do(ctx, http.MethodPost, "/v1/start", server.StartRequest{Config: cfg}, &status); err != nil {
		status, _ = c.Status(context.WithoutCancel(ctx))
		return status, err
	}
	return status, nil
}

func (c *HTTPClient) Stop(ctx context.Context) (api.BridgeStatus, error) {
	var status api.BridgeStatus
	if err := c.do(ctx, http.MethodPost, "/v1/stop", nil, &status); err != nil {
		status, _ = c.Status(context.WithoutCancel(ctx))
		return status, err
	}
	return status, nil
}

// Install returns the session snapshot. A session that ended in failure is
// returned together with its InstallError.
func (c *HTTPClient) Install(ctx context.Context, cfg api.BackendConfig) (api.InstallationSession, error) {
	var session api.InstallationSession
	if err := c.do(ctx, http.MethodPost, "/v1/install", server.StartRequest{Config: cfg}, &session); err != nil {
		return session, err
	}
	if session.Status == api.SessionFailed {
		return session, &api.InstallError{Kind: session.FailureKind, SessionID: session.ID, Step: failedStep(session), Cause: fmt.Errorf("%s", session.Cause)}
	}
	return session, nil
}

func failedStep(s api.InstallationSession) string {
	for _, step := range s.Steps {
		if step.Status == api.StepFailed {
			return step.Name
		}
	}
	return ""
}

func (c *HTTPClient) Remediate(ctx context.Context, cfg api.BackendConfig, action api.ResolutionAction) (api.ValidationReport, error) {
	var report api.ValidationReport
	err := c.do(ctx, http.MethodPost, "/v1/remediate", server.RemediateRequest{Config: cfg, Action: action}, &report)
	return report, err
}

func (c *HTTPClient) Session(ctx context.Context, id string) (api.InstallationSession, error) {
	var session api.InstallationSession
	err := c.do(ctx, http.MethodGet, "/v1/installs/"+url.PathEscape(id), nil, &session)
	return session, err
}

func (c *HTTPClient) CancelSession(ctx context.Context, id string) (api.InstallationSession, error) {
	var session api.InstallationSession
	err := c.do(ctx, http.MethodDelete, "/v1/installs/"+url.PathEscape(id), nil, &session)
	return session, err
}

func (c *HTTPClient) Events(ctx context.Context, limit int) ([]events.Event, error) {
	var out []events.Event
	err := c.do(ctx, http.MethodGet, "/v1/events?limit="+strconv.Itoa(limit), nil, &out)
	return out, err
}

// Follow streams events until ctx is cancelled or the server goes away.
func (c *HTTPClient) Follow(ctx context.Context) (<-chan events.Event, error) {
	return stream[events.Event](ctx, c, "/v1/events/stream")
}

// ActiveSession returns the running installation session, if any.
func (c *HTTPClient) ActiveSession(ctx context.Context) (api.InstallationSession, bool, error) {
	var session api.InstallationSession
	err := c.do(ctx, http.MethodGet, "/v1/installs/active", nil, &session)
	if api.IsNotFound(err) {
		return session, false, nil
	}
	return session, err == nil, err
}

// SessionLog streams the log of session id. The channel closes when the
// session has finished.
func (c *HTTPClient) SessionLog(ctx context.Context, id string) (<-chan api.LogEntry, error) {
	return stream[api.LogEntry](ctx, c, "/v1/installs/"+url.PathEscape(id)+"/log")
}

// FollowInstalls streams the log of every installation session until ctx is
// cancelled.
func (c *HTTPClient) FollowInstalls(ctx context.Context) (<-chan api.SessionLogEntry, error) {
	return stream[api.SessionLogEntry](ctx, c, "/v1/installs/stream")
}

// stream reads one JSON value per line from path until the server closes the
// response or ctx is cancelled.
func stream[T any](ctx context.Context, c *HTTPClient, path string) (<-chan T, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to follow %s: %w", path, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		var e server.ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&e); err != nil || e.Code == "" {
			return nil, fmt.Errorf("control server returned %s", resp.Status)
		}
		return nil, e.AsError()
	}

	ch := make(chan T)
	go func() {
		defer close(ch)
		defer resp.Body.Close()
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			var v T
			if err := json.Unmarshal(scanner.Bytes(), &v); err != nil {
				continue
			}
			select {
			case ch <- v:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

func (c *HTTPClient) IsRemote() bool { return true }

func (c *HTTPClient) Close() error {
	c.http.CloseIdleConnections()
	return nil
}
