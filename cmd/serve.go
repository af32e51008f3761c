package cmd

import (
	"context"
	"fmt"

	"bridgectl/internal/app"

	"github.com/spf13/cobra"
)

// serveListen overrides server.listen from the configuration.
var serveListen string

// serveStopOnExit stops the bridge when serve shuts down.
var serveStopOnExit bool

// serveCmd runs the supervisor as a long-lived process with its control API.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Supervise the bridge and expose the control API",
	Long: `Runs the bridge supervisor until interrupted. On start it restores the
recorded default backend and starts it when auto start is set, then keeps the
bridge under liveness monitoring.

The control API listens on server.listen (default 127.0.0.1:9880):
  GET  /v1/status            current bridge status
  POST /v1/start, /v1/stop   start or stop the bridge
  POST /v1/install           install the bridge software
  POST /v1/remediate         apply a validation resolution
  GET  /v1/events[/stream]   lifecycle events
  GET  /live, /ready         health checks
  GET  /metrics              Prometheus metrics

Other bridgectl commands use this API when it is reachable.

Configuration:
  bridgectl loads config.yaml from ~/.config/bridgectl, overlaid by
  .bridgectl/config.yaml in the current directory. Use --config-path to load
  a single directory instead.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := app.NewConfig(flags.Debug, false, flags.ConfigPath)
	cfg.Listen = serveListen
	cfg.StopOnExit = serveStopOnExit

	application, err := app.NewApplication(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}
	defer application.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return application.Run(ctx)
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveListen, "listen", "", "Control API address (default from server.listen)")
	serveCmd.Flags().BoolVar(&serveStopOnExit, "stop-on-exit", false, "Stop the bridge when serve exits")
}
