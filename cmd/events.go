package cmd

import (
	"github.com/spf13/cobra"
)

var (
	eventsLimit  int
	eventsFollow bool
)

// eventsCmd represents the events command
var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "List bridge lifecycle events",
	Long: `Lists the recent lifecycle events of the bridge supervised by
'bridgectl serve': state changes, installation steps, health probe results
and configuration changes.

Examples:
  # List the 50 most recent events
  bridgectl events

  # Keep printing events as they happen
  bridgectl events --follow

  # Machine readable
  bridgectl events --limit 10 -o json

Note: 'bridgectl serve' must be running.`,
	Args: cobra.NoArgs,
	RunE: runEvents,
}

func init() {
	rootCmd.AddCommand(eventsCmd)

	eventsCmd.Flags().IntVar(&eventsLimit, "limit", 50, "Limit number of events returned")
	eventsCmd.Flags().BoolVarP(&eventsFollow, "follow", "f", false, "Stream new events until interrupted")
}

func runEvents(cmd *cobra.Command, args []string) error {
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

	recent, err := c.Events(ctx, eventsLimit)
	if err != nil {
		return err
	}
	for _, e := range recent {
		if err := executor.Formatter().Event(e); err != nil {
			return err
		}
	}
	if !eventsFollow {
		if len(recent) == 0 {
			executor.Say("No events yet.")
		}
		return nil
	}

	stream, err := c.Follow(ctx)
	if err != nil {
		return err
	}
	for e := range stream {
		if err := executor.Formatter().Event(e); err != nil {
			return err
		}
	}
	return nil
}
