package cmd

import (
	"bridgectl/internal/api"

	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check that the selected environment can run the bridge",
	Long: `Runs the pre-launch checks against the selected environment: that it is
running, the isolation layer and runtime versions, and that the bridge port is
free. Every failed check comes with a resolution; automatable ones can be
applied with 'bridgectl remediate'.

Validation changes nothing. The command exits with code 2 when a blocking
check fails.`,
	Args: cobra.NoArgs,
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
	registerBackendFlags(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	executor, err := newExecutor(cmd)
	if err != nil {
		return err
	}
	defer executor.Close()

	cfg, err := executor.Backend(flags.BackendFlags)
	if err != nil {
		return err
	}

	var report api.ValidationReport
	err = executor.Spin("Validating "+cfg.String(), func() error {
		report, err = executor.Services().Supervisor.Validate(cmd.Context(), cfg)
		return err
	})
	if err != nil {
		return err
	}
	if err := executor.Formatter().Report(report); err != nil {
		return err
	}
	return report.Err()
}
