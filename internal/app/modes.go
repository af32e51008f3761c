package app

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"bridgectl/internal/api"
	"bridgectl/internal/config"
	"bridgectl/internal/server"
	"bridgectl/pkg/logging"
)

// stopOnExitTimeout bounds the final stop when serve exits with StopOnExit.
const stopOnExitTimeout = 30 * time.Second

// runServe keeps one supervisor alive behind the control API.
//
// On start it restores the recorded backend (auto-starting it when asked),
// watches the record for edits made by other processes, and serves until
// SIGINT or SIGTERM.
func runServe(ctx context.Context, cfg *Config, s *Services) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if restored, err := s.Supervisor.Restore(ctx); err != nil {
		logging.Error("Serve", err, "Failed to restore the recorded backend")
	} else if restored != nil {
		logging.Info("Serve", "Recorded backend: %s", restored)
	}

	if err := config.WatchRecord(ctx, s.Store.Path(), func(record api.BackendRecord) {
		onRecordChange(s, record)
	}); err != nil {
		logging.Warn("Serve", "Not watching %s: %v", s.Store.Path(), err)
	}

	srv := server.New(s.Supervisor, s.Installer, server.Options{
		Listen:   cfg.ListenAddress(),
		Events:   s.Events,
		Registry: s.MetricsRegistry,
	})
	err := srv.ListenAndServe(ctx)

	if cfg.StopOnExit {
		logging.Info("Serve", "--- Stopping the bridge ---")
		stopCtx, cancel := context.WithTimeout(context.Background(), stopOnExitTimeout)
		if stopErr := s.Supervisor.Stop(stopCtx); stopErr != nil {
			logging.Error("Serve", stopErr, "Failed to stop the bridge")
		}
		cancel()
	}
	return err
}

// onRecordChange reports a record edited behind the supervisor's back. The
// active bridge is not restarted; the next start uses the new record.
func onRecordChange(s *Services, record api.BackendRecord) {
	if !record.Configured || record.DefaultBackend == nil {
		return
	}
	next := record.DefaultBackend.WithDefaults()
	status := s.Supervisor.Status()
	if status.Config != nil && status.Config.Equal(next) {
		return
	}
	if status.State == api.StateRunning {
		logging.Warn("Serve", "Default backend changed to %s; restart the bridge to apply it", next)
		return
	}
	logging.Info("Serve", "Default backend changed to %s", next)
}
