package cmd

import (
	"errors"

	"bridgectl/internal/api"
	"bridgectl/internal/cli"

	"github.com/spf13/cobra"
)

// activeSession is the --attach value that selects the running session.
const activeSession = "active"

var installAttach string

var installCmd = &cobra.Command{
	Use:   "install",
	Short: "Install the bridge software into the selected environment",
	Long: `Installs the bridge software into the selected environment, step by step,
printing the installation log as it happens. The environment must pass
validation first. Only one installation runs at a time; a second request
fails with exit code 3.

Examples:
  bridgectl install --backend local --python /usr/bin/python3.12
  bridgectl install --backend docker -o json

  # Follow the installation 'bridgectl serve' is running
  bridgectl install --attach
  bridgectl install --attach=5f0c2a`,
	Args: cobra.NoArgs,
	RunE: runInstall,
}

func init() {
	rootCmd.AddCommand(installCmd)
	registerBackendFlags(installCmd)

	installCmd.Flags().StringVar(&installAttach, "attach", "", "Follow the log of a running installation (session id, default the active one)")
	installCmd.Flags().Lookup("attach").NoOptDefVal = activeSession
}

func runInstall(cmd *cobra.Command, args []string) error {
	executor, err := newExecutor(cmd)
	if err != nil {
		return err
	}
	defer executor.Close()

	if installAttach != "" {
		return attachInstall(cmd, executor, installAttach)
	}

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

	var session api.InstallationSession
	err = executor.WithInstallLog(ctx, c, "Installing bridge software on "+cfg.String(), func() error {
		session, err = c.Install(ctx, cfg)
		return err
	})
	if session.ID != "" {
		if ferr := executor.Formatter().Session(session); ferr != nil && err == nil {
			err = ferr
		}
	}
	return err
}

// attachInstall prints the log of session id until it finishes, then its
// result.
func attachInstall(cmd *cobra.Command, executor *cli.Executor, id string) error {
	ctx := cmd.Context()
	c, err := executor.Client(ctx, true)
	if err != nil {
		return err
	}
	defer c.Close()

	if id == activeSession {
		active, ok, err := c.ActiveSession(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return api.NewNotFoundError("install session", activeSession)
		}
		id = active.ID
	}

	entries, err := c.SessionLog(ctx, id)
	if err != nil {
		return err
	}
	executor.PrintSessionLog(entries)

	session, err := c.Session(ctx, id)
	if err != nil {
		return err
	}
	if err := executor.Formatter().Session(session); err != nil {
		return err
	}
	if session.Status == api.SessionFailed {
		return &api.InstallError{Kind: session.FailureKind, SessionID: session.ID, Cause: errors.New(session.Cause)}
	}
	return nil
}
