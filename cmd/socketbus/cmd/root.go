package cmd

import (
	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X ...cmd.version=..."
var version = "dev"

var (
	verbose bool
	debug   bool
)

var rootCmd = &cobra.Command{
	Use:   "socketbus",
	Short: "socketbus event server",
	Long: `socketbus is an event bus reachable over WebSocket and raw TCP.

Clients on either transport exchange {"type", "data"} JSON envelopes,
emit named events, receive replies and subscribe to broadcast topics.
Servers are configured with HCL files and command line flags.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "debug output")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "info", "log level (debug, info, warn, error)")
}
