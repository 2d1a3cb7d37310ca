package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/Tyrowin/flowsync/internal/config"
)

var (
	configFile string

	// v collects flags, environment and the config file for every command.
	v = config.New()
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "flowsync",
	Short: "Real-time collaboration server",
	Long: `FlowSync relays shared-document edits and presence between the
members of a room over WebSocket.

Use 'flowsync serve' to start the server and 'flowsync rooms' to inspect a
running one.`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configFile, "config", "", "Configuration file (YAML)")
	flags.String("log-level", "", "Log level (debug, info, warn, error)")
	flags.Bool("log-dev", false, "Human-readable development logging")

	cobra.CheckErr(v.BindPFlag("log.level", flags.Lookup("log-level")))
	cobra.CheckErr(v.BindPFlag("log.development", flags.Lookup("log-dev")))
}
