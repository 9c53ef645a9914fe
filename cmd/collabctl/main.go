// Command collabctl is a line-oriented collaboration client.
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
		Use:          "collabctl",
		Short:        "Edit shared documents from the terminal",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&configName, "config", "collab", "config file name, without extension")
	rootCmd.AddCommand(newEditCmd(&configName))
	return rootCmd
}
