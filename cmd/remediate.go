package cmd

import (
	"fmt"
	"strings"

	"bridgectl/internal/api"

	"github.com/spf13/cobra"
)

var remediateActions = []string{
	string(api.ActionStartEnvironment),
	string(api.ActionUpgradeLayer),
	string(api.ActionInstallRuntime),
	string(api.ActionUpgradeRuntime),
}

var remediateCmd = &cobra.Command{
	Use:   "remediate <action>",
	Short: "Apply the resolution of a failed validation check",
	Long: `Applies the resolution validation proposes for a failed check, then
validates again and shows the new report.

Actions:
  start_environment  start the stopped environment
  upgrade_layer      upgrade the isolation layer (e.g. wsl --set-version)
  install_runtime    install the Python runtime
  upgrade_runtime    upgrade the Python runtime

Actions a backend cannot perform on its own fail; run the command shown by
'bridgectl validate' instead.`,
	Args:      cobra.ExactArgs(1),
	ValidArgs: remediateActions,
	RunE:      runRemediate,
}

func init() {
	rootCmd.AddCommand(remediateCmd)
	registerBackendFlags(remediateCmd)
}

func runRemediate(cmd *cobra.Command, args []string) error {
	action := api.ResolutionAction(strings.ToLower(args[0]))
	known := false
	for _, a := range remediateActions {
		if string(action) == a {
			known = true
			break
		}
	}
	if !known {
		return fmt.Errorf("unknown action '%s'. Available actions: %s", args[0], strings.Join(remediateActions, ", "))
	}

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

	var report api.ValidationReport
	err = executor.Spin(fmt.Sprintf("Applying %s", action), func() error {
		report, err = c.Remediate(ctx, cfg, action)
		return err
	})
	if len(report.Checks) > 0 {
		if ferr := executor.Formatter().Report(report); ferr != nil && err == nil {
			err = ferr
		}
	}
	if err != nil {
		return err
	}
	return report.Err()
}
