package cmd

import (
	"bridgectl/internal/api"

	"github.com/spf13/cobra"
)

// stopCmd represents the stop command
var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the bridge",
	Long: `Stops the bridge supervised by 'bridgectl serve' and waits for it to exit.
Stopping a bridge that is not running does nothing.`,
	Args: cobra.NoArgs,
	RunE: runStop,
}

func init() {
	rootCmd.AddCommand(stopCmd)
}

func runStop(cmd *cobra.Command, args []string) error {
	executor, err := newExecutor(cmd)
	if err != nil {
		return err
	}
	defer executor.Close()

	ctx := cmd.Context()
	c, err := executor.Client(ctx, false)
	if err != nil {
		return err
	}
	defer c.Close()

	var status api.BridgeStatus
	err = executor.Spin("Stopping bridge", func() error {
		status, err = c.Stop(ctx)
		return err
	})
	if ferr := executor.Formatter().Status(status); ferr != nil && err == nil {
		err = ferr
	}
	return err
}
