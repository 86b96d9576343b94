// Package cli implements the chatscribe command line interface.
package cli

import (
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	// version can be overridden at build time via:
	// go build -ldflags "-X github.com/chatscribe/chatscribe/internal/cli.version=1.2.3"
	version = "0.4.0"
	logo    = "\n" +
		"       _           _               _ _\n" +
		"   ___| |__   __ _| |_ ___  ___ _ _(_) |__   ___\n" +
		"  / __| '_ \\ / _` | __/ __|/ __| '__| | '_ \\ / _ \\\n" +
		" | (__| | | | (_| | |_\\__ \\ (__| |  | | |_) |  __/\n" +
		"  \\___|_| |_|\\__,_|\\__|___/\\___|_|  |_|_.__/ \\___|\n"
)

var rootCmd = &cobra.Command{
	Use:   "chatscribe",
	Short: "chatscribe - group chat ingestion engine",
	Long:  color.CyanString(logo) + "\nContinuous ingestion of group-chat messages into sqlite with live fan-out.",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(backfillCmd)
	rootCmd.AddCommand(deadletterCmd)
}
