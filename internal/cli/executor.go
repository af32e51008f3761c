package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"bridgectl/internal/api"
	"bridgectl/internal/app"
	"bridgectl/internal/client"
	"bridgectl/internal/config"
	"bridgectl/internal/formatting"
	"bridgectl/pkg/logging"

	"github.com/briandowns/spinner"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"
)

// Executor runs one bridgectl command: it owns the bootstrapped application,
// the output formatter and the progress spinner.
type Executor struct {
	flags     *CommandFlags
	app       *app.Application
	formatter formatting.Formatter
	format    formatting.OutputFormat
	out       io.Writer
	errOut    io.Writer
}

// NewExecutor bootstraps the application for cmd. Logs are only shown with
// --debug.
func NewExecutor(cmd *cobra.Command, flags *CommandFlags) (*Executor, error) {
	format, err := formatting.ParseFormat(flags.OutputFormat)
	if err != nil {
		return nil, err
	}

	cfg := app.NewConfig(flags.Debug, !flags.Debug, flags.ConfigPath)
	application, err := app.NewApplication(cfg)
	if err != nil {
		return nil, err
	}

	out := cmd.OutOrStdout()
	return &Executor{
		flags:     flags,
		app:       application,
		formatter: formatting.New(formatting.Options{Format: format, Quiet: flags.Quiet, Out: out}),
		format:    format,
		out:       out,
		errOut:    cmd.ErrOrStderr(),
	}, nil
}

// Formatter renders command results.
func (e *Executor) Formatter() formatting.Formatter {
	return e.formatter
}

// Services returns the in-process components.
func (e *Executor) Services() *app.Services {
	return e.app.Services()
}

// Structured reports whether output is JSON or YAML.
func (e *Executor) Structured() bool {
	return e.format != formatting.FormatTable
}

// Backend resolves the backend configuration the command acts on.
func (e *Executor) Backend(flags BackendFlags) (api.BackendConfig, error) {
	s := e.Services()
	record, err := s.Store.Load()
	if err != nil {
		return api.BackendConfig{}, err
	}
	var override *config.ProjectOverride
	if wd, err := os.Getwd(); err == nil {
		override, err = config.LoadProjectOverride(wd)
		if err != nil {
			return api.BackendConfig{}, err
		}
	}
	return ResolveBackend(Sources{Config: s.Config, Record: record, Override: override}, flags)
}

// Client connects to `bridgectl serve` when it runs. Without it, commands
// that allow it use the in-process supervisor; the others fail with a
// ServerUnavailableError.
func (e *Executor) Client(ctx context.Context, allowLocal bool) (client.BridgeClient, error) {
	var local client.LocalFactory
	if allowLocal {
		local = func() (*client.Local, error) { return e.Services().Local(), nil }
	}
	return client.New(ctx, e.flags.Server, local)
}

// Spin runs fn behind a progress spinner on stderr. The spinner is skipped
// for quiet and structured output.
func (e *Executor) Spin(message string, fn func() error) error {
	if e.flags.Quiet || e.Structured() {
		return fn()
	}
	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(e.errOut))
	s.Suffix = " " + message
	s.Start()
	err := fn()
	if err != nil {
		s.FinalMSG = text.FgRed.Sprint("✗ "+message) + "\n"
	}
	s.Stop()
	return err
}

// logSettle is how long WithInstallLog waits for trailing log lines once the
// command has finished.
const logSettle = 200 * time.Millisecond

// WithInstallLog runs fn while printing installation log lines to stderr as
// they arrive. It falls back to Spin when the log cannot be followed, and is
// silent for quiet and structured output.
func (e *Executor) WithInstallLog(ctx context.Context, c client.BridgeClient, message string, fn func() error) error {
	if e.flags.Quiet || e.Structured() {
		return fn()
	}
	followCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	entries, err := c.FollowInstalls(followCtx)
	if err != nil {
		logging.Debug("CLI", "Install log unavailable: %v", err)
		return e.Spin(message, fn)
	}

	fmt.Fprintln(e.errOut, message)
	printed := make(chan struct{}, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for entry := range entries {
			fmt.Fprintln(e.errOut, formatting.LogLine(entry.LogEntry))
			select {
			case printed <- struct{}{}:
			default:
			}
		}
	}()

	err = fn()
	settle := time.NewTimer(logSettle)
	defer settle.Stop()
	for waiting := true; waiting; {
		select {
		case <-printed:
			settle.Reset(logSettle)
		case <-settle.C:
			waiting = false
		}
	}
	cancel()
	<-done
	return err
}

// PrintSessionLog prints log lines until the channel closes.
func (e *Executor) PrintSessionLog(entries <-chan api.LogEntry) {
	for entry := range entries {
		if e.flags.Quiet || e.Structured() {
			continue
		}
		fmt.Fprintln(e.errOut, formatting.LogLine(entry))
	}
}

// Say prints a human readable line unless output is quiet or structured.
func (e *Executor) Say(format string, args ...interface{}) {
	if e.flags.Quiet || e.Structured() {
		return
	}
	fmt.Fprintf(e.errOut, format+"\n", args...)
}

// Close releases the application.
func (e *Executor) Close() error {
	return e.app.Close()
}
