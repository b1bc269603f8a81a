// Package cmd implements CLI commands using cobra framework.
package cmd

import (
	"github.com/spf13/cobra"
)

var (
	// Global flags
	configFile string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "divert",
	Short: "divert - capture, rewrite and reinject network packets",
	Long: `divert opens packet diversion sessions through the WinDivert driver,
decodes the captured IPv4/IPv6 packets, optionally rewrites them and
reinjects them with recomputed checksums.

Commands:
  relay     run worker handles that forward or redirect matching packets
  inspect   decode a hex packet and show its headers and checksums`,
	Version:       "0.1.0",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "",
		"config file path (defaults and DIVERT_* env vars when empty)")

	rootCmd.AddCommand(relayCmd)
	rootCmd.AddCommand(inspectCmd)
}
