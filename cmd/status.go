package cmd

import (
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the bridge state",
	Long: `Shows the state of the bridge: the active backend, the endpoint, when the
state last changed and, after a failure, the last error and exit diagnosis.`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	executor, err := newExecutor(cmd)
	if err != nil {
		return err
	}
	defer executor.Close()

	ctx := cmd.Context()
	c, err := executor.Client(ctx, true)
	if err != nil {
		return err
	}
	defer c.Close()

	status, err := c.Status(ctx)
	if err != nil {
		return err
	}
	if !c.IsRemote() {
		executor.Say("bridgectl serve is not running; showing the state of this process.")
	}
	return executor.Formatter().Status(status)
}
