package cmd

import (
	"bridgectl/internal/api"

	"github.com/spf13/cobra"
)

// startCmd represents the start command
var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the bridge",
	Long: `Starts the bridge on the selected backend: detects the environment,
validates it, installs the bridge software when missing (printing the
installation log as it happens), launches the bridge and waits until it
answers its health probe.

The backend comes from the flags, then .bridgectl/backend.yaml in the current
directory, then the recorded default, then backend.type in config.yaml.

Examples:
  bridgectl start
  bridgectl start --backend docker --port 9900
  bridgectl start --backend wsl --distro Ubuntu-22.04

Without 'bridgectl serve' the bridge is started from this process and is not
monitored once the command returns.`,
	Args: cobra.NoArgs,
	RunE: runStart,
}

func init() {
	rootCmd.AddCommand(startCmd)
	registerBackendFlags(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	executor, err := newExecutor(cmd)
	if err != nil {
		return err
	}
	defer executor.Close()

	cfg, err := executor.Backend(flags.BackendFlags)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	c, err := executor.Client(ctx, true)
	if err != nil {
		return err
	}
	defer c.Close()

	var status api.BridgeStatus
	err = executor.WithInstallLog(ctx, c, "Starting bridge on "+cfg.String(), func() error {
		status, err = c.Start(ctx, cfg)
		return err
	})
	if ferr := executor.Formatter().Status(status); ferr != nil && err == nil {
		err = ferr
	}
	if err == nil && !c.IsRemote() {
		executor.Say("Started without 'bridgectl serve'; the bridge is not monitored after this command exits.")
	}
	return err
}
