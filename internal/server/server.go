package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"bridgectl/internal/api"
	"bridgectl/internal/events"
	"bridgectl/pkg/logging"

	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const subsystem = "Server"

const (
	// DefaultReadHeaderTimeout is the default timeout for reading request headers.
	DefaultReadHeaderTimeout = 10 * time.Second
	// DefaultIdleTimeout is the default idle timeout for keepalive connections.
	DefaultIdleTimeout = 120 * time.Second
	// DefaultShutdownTimeout bounds graceful shutdown.
	DefaultShutdownTimeout = 10 * time.Second

	defaultEventLimit = 50
	maxBodyBytes      = 1 << 20
	goroutineLimit    = 10000
)

// Controller is the supervisor surface served over HTTP.
type Controller interface {
	Status() api.BridgeStatus
	Start(ctx context.Context, cfg api.BackendConfig) error
	Stop(ctx context.Context) error
	Install(ctx context.Context, cfg api.BackendConfig) (api.InstallationSession, error)
	Remediate(ctx context.Context, cfg api.BackendConfig, action api.ResolutionAction) (api.ValidationReport, error)
	Subscribe(ctx context.Context) <-chan events.Event
}

// Sessions looks up installation sessions and streams their logs.
type Sessions interface {
	Get(id string) (api.InstallationSession, error)
	Cancel(id string) error
	Active() (api.InstallationSession, bool)
	Log(ctx context.Context, id string) (<-chan api.LogEntry, error)
	Follow(ctx context.Context) <-chan api.SessionLogEntry
}

// StartRequest is the body of POST /v1/start and POST /v1/install.
type StartRequest struct {
	Config api.BackendConfig `json:"config"`
}

// RemediateRequest is the body of POST /v1/remediate.
type RemediateRequest struct {
	Config api.BackendConfig    `json:"config"`
	Action api.ResolutionAction `json:"action"`
}

// Options configures the server. Registry may be nil, in which case /metrics
// and the health check gauges are not served.
type Options struct {
	Listen   string
	Events   *events.Bus
	Registry *prometheus.Registry
}

// Server is the HTTP control surface of a supervisor.
type Server struct {
	ctrl     Controller
	sessions Sessions
	opts     Options
	health   healthcheck.Handler
	handler  http.Handler
}

// New creates a Server.
func New(ctrl Controller, sessions Sessions, opts Options) *Server {
	s := &Server{ctrl: ctrl, sessions: sessions, opts: opts}

	if opts.Registry != nil {
		s.health = healthcheck.NewMetricsHandler(opts.Registry, "bridgectl")
	} else {
		s.health = healthcheck.NewHandler()
	}
	s.health.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(goroutineLimit))
	s.health.AddReadinessCheck("bridge-running", func() error {
		status := ctrl.Status()
		if status.State != api.StateRunning {
			return fmt.Errorf("bridge is %s", status.State)
		}
		return nil
	})

	s.handler = s.logRequests(s.routes())
	return s
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/status", s.handleStatus)
	mux.HandleFunc("POST /v1/start", s.handleStart)
	mux.HandleFunc("POST /v1/stop", s.handleStop)
	mux.HandleFunc("POST /v1/install", s.handleInstall)
	mux.HandleFunc("POST /v1/remediate", s.handleRemediate)
	mux.HandleFunc("GET /v1/installs/active", s.handleActiveSession)
	mux.HandleFunc("GET /v1/installs/stream", s.handleFollowSessions)
	mux.HandleFunc("GET /v1/installs/{id}", s.handleGetSession)
	mux.HandleFunc("GET /v1/installs/{id}/log", s.handleSessionLog)
	mux.HandleFunc("DELETE /v1/installs/{id}", s.handleCancelSession)
	mux.HandleFunc("GET /v1/events", s.handleEvents)
	mux.HandleFunc("GET /v1/events/stream", s.handleEventStream)
	mux.HandleFunc("GET /v1/logs/stream", s.handleLogStream)

	mux.HandleFunc("/live", s.health.LiveEndpoint)
	mux.HandleFunc("/ready", s.health.ReadyEndpoint)
	if s.opts.Registry != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.opts.Registry, promhttp.HandlerOpts{}))
	}
	return mux
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.opts.Listen, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	httpServer := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: DefaultReadHeaderTimeout,
		IdleTimeout:       DefaultIdleTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Info(subsystem, "Control API listening on %s", ln.Addr())
		errCh <- httpServer.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logging.Warn(subsystem, "Graceful shutdown failed: %v", err)
		return httpServer.Close()
	}
	logging.Info(subsystem, "Control API stopped")
	return nil
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logging.Debug(subsystem, "%s %s (%s)", r.Method, r.URL.Path, time.Since(start).Round(time.Millisecond))
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Debug(subsystem, "Writing response failed: %v", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	status, body := toResponse(err)
	if status >= http.StatusInternalServerError {
		logging.Error(subsystem, err, "Request failed")
	}
	writeJSON(w, status, body)
}

func badRequest(w http.ResponseWriter, format string, args ...interface{}) {
	writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: fmt.Sprintf(format, args...), Code: CodeBadRequest})
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		badRequest(w, "invalid request body: %v", err)
		return false
	}
	return true
}

func decodeConfig(w http.ResponseWriter, r *http.Request) (api.BackendConfig, bool) {
	var req StartRequest
	if !decode(w, r, &req) {
		return api.BackendConfig{}, false
	}
	if !req.Config.Type.Valid() {
		writeError(w, fmt.Errorf("%w: %q", api.ErrUnknownBackend, req.Config.Type))
		return api.BackendConfig{}, false
	}
	return req.Config.WithDefaults(), true
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.Status())
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	cfg, ok := decodeConfig(w, r)
	if !ok {
		return
	}
	if err := s.ctrl.Start(r.Context(), cfg); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.ctrl.Status())
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.Stop(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.ctrl.Status())
}

func (s *Server) handleInstall(w http.ResponseWriter, r *http.Request) {
	cfg, ok := decodeConfig(w, r)
	if !ok {
		return
	}
	session, err := s.ctrl.Install(r.Context(), cfg)
	if err != nil && session.ID == "" {
		writeError(w, err)
		return
	}
	// A failed session is still a result; the client reads its status.
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleRemediate(w http.ResponseWriter, r *http.Request) {
	var req RemediateRequest
	if !decode(w, r, &req) {
		return
	}
	if !req.Config.Type.Valid() {
		writeError(w, fmt.Errorf("%w: %q", api.ErrUnknownBackend, req.Config.Type))
		return
	}
	report, err := s.ctrl.Remediate(r.Context(), req.Config.WithDefaults(), req.Action)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	session, err := s.sessions.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleCancelSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.sessions.Cancel(id); err != nil {
		writeError(w, err)
		return
	}
	session, err := s.sessions.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := defaultEventLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			badRequest(w, "invalid limit %q", v)
			return
		}
		limit = n
	}
	recent := []events.Event{}
	if s.opts.Events != nil {
		recent = s.opts.Events.Recent(limit)
	}
	writeJSON(w, http.StatusOK, recent)
}

func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	streamNDJSON(w, s.ctrl.Subscribe(r.Context()))
}

func (s *Server) handleActiveSession(w http.ResponseWriter, r *http.Request) {
	session, ok := s.sessions.Active()
	if !ok {
		writeError(w, api.NewNotFoundError("install session", "active"))
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleSessionLog(w http.ResponseWriter, r *http.Request) {
	ch, err := s.sessions.Log(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	streamNDJSON(w, ch)
}

func (s *Server) handleFollowSessions(w http.ResponseWriter, r *http.Request) {
	streamNDJSON(w, s.sessions.Follow(r.Context()))
}

// streamNDJSON writes one JSON line per value until ch closes. Producers
// close ch when the request context is done.
func streamNDJSON[T any](w http.ResponseWriter, ch <-chan T) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, errors.New("streaming unsupported"))
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	enc := json.NewEncoder(w)
	for v := range ch {
		if err := enc.Encode(v); err != nil {
			return
		}
		flusher.Flush()
	}
}

// logLine is the wire form of a log entry.
type logLine struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Subsystem string    `json:"subsystem"`
	Message   string    `json:"message"`
	Error     string    `json:"error,omitempty"`
}

func (s *Server) handleLogStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, errors.New("streaming unsupported"))
		return
	}
	ch := make(chan logging.LogEntry, 64)
	logging.AddSink(ch)
	defer logging.RemoveSink(ch)

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	enc := json.NewEncoder(w)
	for {
		select {
		case <-r.Context().Done():
			return
		case entry := <-ch:
			line := logLine{
				Timestamp: entry.Timestamp,
				Level:     entry.Level.String(),
				Subsystem: entry.Subsystem,
				Message:   entry.Message,
			}
			if entry.Err != nil {
				line.Error = entry.Err.Error()
			}
			if err := enc.Encode(line); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
