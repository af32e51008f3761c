package cmd

import (
	"errors"
	"fmt"

	"bridgectl/internal/api"
	"bridgectl/internal/client"
	"bridgectl/internal/cli"

	"github.com/spf13/cobra"
)

var setDefaultAutoStart bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or change the bridgectl configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration and the default backend",
	Args:  cobra.NoArgs,
	RunE:  runConfigShow,
}

var configSetDefaultCmd = &cobra.Command{
	Use:   "set-default",
	Short: "Record the default backend",
	Long: `Records the backend later commands and 'bridgectl serve' use when none
is given. With --auto-start, 'bridgectl serve' starts it on launch.

Fails with exit code 3 while the bridge runs with another backend.

Examples:
  bridgectl config set-default --backend docker --auto-start
  bridgectl config set-default --backend wsl --distro Debian`,
	Args: cobra.NoArgs,
	RunE: runConfigSetDefault,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetDefaultCmd)

	registerBackendFlags(configSetDefaultCmd)
	configSetDefaultCmd.Flags().BoolVar(&setDefaultAutoStart, "auto-start", false, "Start the backend when bridgectl serve launches")
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	executor, err := newExecutor(cmd)
	if err != nil {
		return err
	}
	defer executor.Close()

	s := executor.Services()
	record, err := s.Store.Load()
	if err != nil {
		return err
	}

	if executor.Structured() {
		return executor.Formatter().Data(map[string]interface{}{
			"config_dir": s.ConfigDir,
			"config":     s.Config,
			"record":     record,
		})
	}

	defaultBackend := "none"
	autoStart := false
	if record.Configured && record.DefaultBackend != nil {
		defaultBackend = record.DefaultBackend.String()
		autoStart = record.DefaultBackend.AutoStart
	}
	c := s.Config
	return executor.Formatter().Data(map[string]interface{}{
		"config dir":                s.ConfigDir,
		"record file":               s.Store.Path(),
		"default backend":           defaultBackend,
		"auto start":                autoStart,
		"server.listen":             c.Server.Listen,
		"install.packageName":       c.Install.PackageName,
		"validation.minRuntime":     c.Validation.MinRuntimeVersion,
		"probe.maxAttempts":         c.Probe.MaxAttempts,
		"liveness.interval":         c.Liveness.Interval,
		"liveness.failureThreshold": c.Liveness.FailureThreshold,
		"supervisor.startTimeout":   c.Supervisor.StartTimeout,
	})
}

func runConfigSetDefault(cmd *cobra.Command, args []string) error {
	executor, err := newExecutor(cmd)
	if err != nil {
		return err
	}
	defer executor.Close()

	cfg, err := executor.Backend(flags.BackendFlags)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("auto-start") {
		cfg.AutoStart = setDefaultAutoStart
	}

	ctx := cmd.Context()
	if err := checkServerConflict(cmd, cfg); err != nil {
		return err
	}
	if err := executor.Services().Supervisor.Reconfigure(ctx, cfg); err != nil {
		return err
	}

	if executor.Structured() {
		return executor.Formatter().Data(api.BackendRecord{Configured: true, DefaultBackend: &cfg})
	}
	fmt.Fprintln(cmd.OutOrStdout(), cli.FormatSuccess("Default backend set to "+cfg.String()))
	return nil
}

// checkServerConflict refuses cfg when a running serve process has another
// configuration active.
func checkServerConflict(cmd *cobra.Command, cfg api.BackendConfig) error {
	c, err := client.New(cmd.Context(), flags.Server, nil)
	if err != nil {
		var unavailable *client.ServerUnavailableError
		if errors.As(err, &unavailable) {
			return nil
		}
		return err
	}
	defer c.Close()

	status, err := c.Status(cmd.Context())
	if err != nil {
		return err
	}
	active := status.State == api.StateRunning || status.State == api.StateStarting
	if active && status.Config != nil && !status.Config.Equal(cfg) {
		return &api.ConfigConflictError{Active: *status.Config, Requested: cfg}
	}
	return nil
}
