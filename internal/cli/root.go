// Package cli implements the weightsync command-line front end.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	rootCmd    *cobra.Command
)

func init() {
	rootCmd = &cobra.Command{
		Use:   "weightsync",
		Short: "Sync body-composition measurements from a smart scale account to Garmin Connect",
		Long: `weightsync fetches weight and body-composition history from the scale vendor's
cloud, filters it, encodes it as FIT files and uploads them to Garmin Connect.

Profiles, saved credentials and sync history live in the configured store.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default ./weightsync.yaml)")

	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(usersCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(exportCmd)
}

// Execute runs the root command.
func Execute(version string) error {
	rootCmd.Version = version
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return err
	}
	return nil
}
