// Package app provides application bootstrap and lifecycle management for
// bridgectl.
//
// # Components
//
//  1. Bootstrap (bootstrap.go): loads the configuration, initializes logging
//     and builds the services.
//  2. Configuration (config.go): process level settings taken from the
//     command line.
//  3. Configuration adapter (config_adapter.go): translates config.Config
//     into the options of the drivers, validator, probe and supervisor.
//  4. Services (services.go): the component graph of one process.
//  5. Modes (modes.go): the long-running serve mode.
//
// # Configuration Loading Strategies
//
// Layered configuration (default):
//  1. Built-in defaults
//  2. User configuration (~/.config/bridgectl/config.yaml)
//  3. Project configuration (./.bridgectl/config.yaml)
//
// Single path configuration (--config-path) loads one directory only and
// also keeps the backend record and event log there.
//
// # Serve Mode
//
// Serve restores the recorded backend, auto-starting it when the record asks
// for it, watches the record file for edits, and exposes the supervisor over
// the control API until SIGINT or SIGTERM. The bridge keeps running after
// serve exits unless StopOnExit is set.
package app
