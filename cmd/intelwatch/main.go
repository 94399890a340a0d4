// intelwatch follows chat logs, resolves the standing of reported pilots
// and raises deduplicated alerts.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is set via ldflags at build time
var version = "0.1.0"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "intelwatch",
		Short: "Watch intel chat logs and alert on hostile pilots",
		Long: `intelwatch follows the chat logs written by the game client, extracts
pilot and system reports, checks each pilot against the configured
reputation services and publishes messages, alerts and map positions to
the configured outputs.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newRunCommand())
	root.AddCommand(newParseCommand())
	root.AddCommand(newValidateCommand())
	root.AddCommand(newVersionCommand())
	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "intelwatch %s\n", version)
		},
	}
}
