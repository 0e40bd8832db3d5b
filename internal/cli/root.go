// Package cli provides the command-line interface for mediarelay.
package cli

import (
	"github.com/spf13/cobra"
)

var (
	cfgFile string
	verbose bool
)

// Version information - set by the main package at startup.
var (
	Version   = "dev"
	BuildTime = "unknown"
)

// NewRootCmd creates the root command.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "mediarelay",
		Short: "Media ingestion and relay daemon",
		Long: `mediarelay ` + Version + ` - Built: ` + BuildTime + `
Watches an inbound message channel for archives, media files, and
download links, stages everything through durable on-disk queues, and
relays the media to a single recipient in fixed-size albums.

State lives under the configured data directory; a restart resumes
downloads, extractions, and uploads where the previous process died.`,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "configuration file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newVersionCmd())
	return rootCmd
}

// Execute runs the CLI.
func Execute() error {
	return NewRootCmd().Execute()
}
