package cmd

import (
	"bridgectl/internal/api"
	"bridgectl/internal/detector"

	"github.com/spf13/cobra"
)

var detectCmd = &cobra.Command{
	Use:   "detect [backend]",
	Short: "List the environments that can host the bridge",
	Long: `Probes the machine for every backend kind, or only the one given, and
lists the environments found with their runtime and bridge versions.

Examples:
  bridgectl detect
  bridgectl detect wsl -o json`,
	Args:      cobra.MaximumNArgs(1),
	ValidArgs: []string{"local", "container", "wsl", "remote"},
	RunE:      runDetect,
}

var recommendCmd = &cobra.Command{
	Use:   "recommend",
	Short: "Suggest the backend to use on this machine",
	Long: `Detects every backend kind and recommends one: a bridge that is already
installed, then a reachable container engine, then a Linux distribution, then
a bare Python interpreter.`,
	Args: cobra.NoArgs,
	RunE: runRecommend,
}

func init() {
	rootCmd.AddCommand(detectCmd)
	rootCmd.AddCommand(recommendCmd)
}

func runDetect(cmd *cobra.Command, args []string) error {
	executor, err := newExecutor(cmd)
	if err != nil {
		return err
	}
	defer executor.Close()

	d := executor.Services().Detector
	var results []detector.Result
	err = executor.Spin("Detecting environments", func() error {
		if len(args) == 0 {
			results = d.DetectAll(cmd.Context())
			return nil
		}
		kind, err := api.ParseBackendType(args[0])
		if err != nil {
			return err
		}
		candidates, err := d.Detect(cmd.Context(), kind)
		if err != nil {
			return err
		}
		results = []detector.Result{{Type: kind, Candidates: candidates}}
		return nil
	})
	if err != nil {
		return err
	}
	return executor.Formatter().Detection(results)
}

func runRecommend(cmd *cobra.Command, args []string) error {
	executor, err := newExecutor(cmd)
	if err != nil {
		return err
	}
	defer executor.Close()

	var rec detector.Recommendation
	_ = executor.Spin("Detecting environments", func() error {
		rec = executor.Services().Detector.Recommend(cmd.Context())
		return nil
	})
	return executor.Formatter().Recommendation(rec)
}
