// Package cli defines the kassad command tree.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configFile string
	debug      bool
	quiet      bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "kassad",
	Short: "kassad - point-of-sale transaction daemon",
	Long: `kassad is the transactional core of a point-of-sale system: active
receipts under a serializable write envelope, an append-only fiscal log with
external signing, storno credit accounting with manager approvals, hybrid
catalog search, and a duplex websocket command channel.`,
	Version: "0.1.0-dev",
}

// Execute runs the command tree. Called once from main.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "conf", "kassad.toml", "configuration file path")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable normally suppressed debug logging")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "log warnings and errors only")
}
