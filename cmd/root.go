package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time.
var Version = "dev"

// configFile overrides the default config path for every command.
var configFile string

var rootCmd = &cobra.Command{
	Use:   "dispatchd",
	Short: "dispatchd — in-process message dispatching runtime",
	Long: `dispatchd pools messages in named channels and fires consumer rules
when their size, age and group conditions hold.`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.Version = Version
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Config file (default ~/.dispatchd/config.json)")
}
