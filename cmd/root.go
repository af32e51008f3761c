package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"bridgectl/internal/cli"

	"github.com/spf13/cobra"
)

// flags are shared by every subcommand. The backend selection flags are
// registered only on the commands that act on a backend.
var flags cli.CommandFlags

// rootCmd represents the base command for the bridgectl application.
// It is the entry point when the application is called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "bridgectl",
	Short: "Run the DevFlow bridge on the backend that fits your machine",
	Long: `bridgectl finds the environments able to host the DevFlow bridge
(a local Python interpreter, a container engine, a WSL distribution or a
remote host), checks them, installs the bridge software and keeps the bridge
running and healthy.

Commands run in-process unless 'bridgectl serve' is running, in which case
they are sent to it.`,
	// SilenceUsage prevents Cobra from printing the usage message on errors that are handled by the application.
	SilenceUsage:  true,
	SilenceErrors: true,
}

// SetVersion sets the version for the root command.
// This function is typically called from the main package to inject the application version at build time.
func SetVersion(v string) {
	rootCmd.Version = v
}

// GetVersion returns the current version of the application.
func GetVersion() string {
	return rootCmd.Version
}

// Execute is the main entry point for the CLI application.
// It runs the root command and exits with a code scripts can branch on.
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "bridgectl version %s\n" .Version}}`)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, cli.FormatError(err))
		os.Exit(cli.ExitCode(err))
	}
}

func init() {
	cli.RegisterCommonFlags(rootCmd, &flags)

	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newSelfUpdateCmd())
}

// newExecutor bootstraps the application for cmd with the shared flags.
func newExecutor(cmd *cobra.Command) (*cli.Executor, error) {
	return cli.NewExecutor(cmd, &flags)
}

// registerBackendFlags adds the backend selection flags to cmd.
func registerBackendFlags(cmd *cobra.Command) {
	cli.RegisterBackendFlags(cmd, &flags.BackendFlags)
}
