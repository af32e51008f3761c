package cmd

import (
	"fmt"

	"bridgectl/internal/api"
	"bridgectl/internal/probe"

	"github.com/spf13/cobra"
)

var testAttempts int

// testCmd represents the test command
var testCmd = &cobra.Command{
	Use:   "test [host:port]",
	Short: "Probe a bridge health endpoint",
	Long: `Sends system.ping to a bridge and retries with exponential backoff until
it answers or the attempts run out. Without an address the endpoint of the
selected backend is probed.

Examples:
  bridgectl test
  bridgectl test 10.0.0.5:9876 --attempts 3`,
	Args: cobra.MaximumNArgs(1),
	RunE: runTest,
}

func init() {
	rootCmd.AddCommand(testCmd)
	registerBackendFlags(testCmd)

	testCmd.Flags().IntVar(&testAttempts, "attempts", 0, "Maximum number of attempts (default from probe.maxAttempts)")
}

func runTest(cmd *cobra.Command, args []string) error {
	executor, err := newExecutor(cmd)
	if err != nil {
		return err
	}
	defer executor.Close()

	s := executor.Services()
	var address string
	if len(args) == 1 {
		address = args[0]
	} else {
		cfg, err := executor.Backend(flags.BackendFlags)
		if err != nil {
			return err
		}
		address = cfg.Params.Address()
	}

	attempts := testAttempts
	if attempts <= 0 {
		attempts = s.Config.Probe.MaxAttempts
	}

	var result api.HealthProbeResult
	_ = executor.Spin("Probing "+address, func() error {
		result = s.Tester.Probe(cmd.Context(), probe.NewJSONRPCTarget(address), attempts, s.ProbePolicy())
		return nil
	})
	if err := executor.Formatter().Probe(address, result); err != nil {
		return err
	}
	if !result.Reachable {
		if result.LastError != nil {
			return fmt.Errorf("bridge at %s is unreachable: %w", address, result.LastError)
		}
		return fmt.Errorf("bridge at %s is unreachable", address)
	}
	return nil
}
