package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "fleetforge",
	Short: "Control plane for remote development environments",
	Long: `FleetForge manages a fleet of remote development instances: it
provisions them on cloud providers, tracks their lifecycle, dispatches
commands to them over SSH and streams their telemetry to clients.`,
}

// Execute adds all child commands to the root command and sets flags
// appropriately. This is called by main.main().
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
