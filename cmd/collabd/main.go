// Command collabd runs the collaboration relay.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configName string
	rootCmd := &cobra.Command{
		Use:          "collabd",
		Short:        "Real-time collaboration relay",
		Long:         "collabd admits collaboration clients over WebSocket, sequences document operations and fans presence, session and notification frames out to every client of a tenant.",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&configName, "config", "collab", "config file name, without extension")

	rootCmd.AddCommand(
		newServeCmd(&configName),
		newMigrateCmd(&configName),
	)
	return rootCmd
}
