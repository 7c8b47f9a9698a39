package cmd

import (
	"github.com/spf13/cobra"
)

// Version is injected at build time via -ldflags
var Version = "dev"

// NewRootCommand creates and returns the root cobra command for rhythm
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rhythm",
		Short: "Behavioral session telemetry with a compact flow encoding",
		Long: `Rhythm records page views, clicks, scrolls and dwell time per tab as
compact BEAT flows, keeps them in a bounded pool of session slots on a shared
key-value surface, and batches finished sessions to collection endpoints.

Configuration is loaded from .rhythm/config.yaml if present, then from
RHYTHM_* environment variables (a .env file is read first), then from flags.`,
		Version: Version,
		// Silence usage on errors to avoid duplicate help text
		SilenceUsage: true,
	}

	flags := cmd.PersistentFlags()
	flags.String("config", "", "Path to config file (default: .rhythm/config.yaml)")
	flags.String("surface", "", "Storage backend: memory, file, sqlite, redis")
	flags.String("storage-path", "", "Directory (file) or database (sqlite) of the surface")
	flags.String("log-level", "", "Log level: trace, debug, info, warn, error")
	flags.StringSlice("sink", nil, "Delivery target URL, repeatable (\"-\" writes to stdout)")

	cmd.AddCommand(NewSimulateCommand())
	cmd.AddCommand(NewDecodeCommand())
	cmd.AddCommand(NewHashCommand())
	cmd.AddCommand(NewSlotsCommand())
	cmd.AddCommand(NewFlushCommand())

	return cmd
}
