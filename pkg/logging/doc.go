// Package logging provides the structured logging used across bridgectl.
//
// It wraps Go's slog package with a small subsystem-oriented API so call sites
// read the same everywhere:
//
//	logging.InitForCLI(logging.LevelInfo, os.Stderr)
//
//	logging.Info("Supervisor", "Bridge %s is running", cfg.Type)
//	logging.Debug("Detector", "Probing %d distributions", n)
//	logging.Warn("Validator", "Low disk space on %s", candidate.Identifier)
//	logging.Error("Installer", err, "Step %s failed", step.Name)
//
// # Subsystems
//
// Every entry carries a subsystem attribute. The subsystems used by the
// application are Bootstrap, Config, Detector, Validator, Installer, Probe,
// Supervisor, Docker, Process and Server.
//
// # Output
//
// Init selects a text or JSON handler and a minimum level. Entries can also be
// mirrored into channels registered with AddSink, for example to stream the
// daemon log over HTTP. Sink sends never block the caller.
package logging
