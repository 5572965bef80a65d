// Command halo is the operator CLI for the Halo daemon: install/manage
// automation apps, inspect scheduler jobs, and answer pending escalations
// over the daemon's admin HTTP API.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var apiAddr string

var rootCmd = &cobra.Command{
	Use:   "halo",
	Short: "Halo CLI - manage the Halo automation daemon",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&apiAddr, "api", "http://127.0.0.1:7337", "admin API address")

	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(appCmd)
	rootCmd.AddCommand(jobCmd)
	rootCmd.AddCommand(eventCmd)
	rootCmd.AddCommand(healthCmd)
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check daemon health",
	RunE: func(cmd *cobra.Command, args []string) error {
		health, err := CheckHealth()
		if err != nil {
			if health != nil {
				fmt.Printf("Status:  unhealthy\nDB:      %s\n", health.DB)
			}
			return err
		}
		fmt.Printf("Status:  ok\nDB:      %s\nVersion: %s\nTime:    %s\n", health.DB, health.Version, health.Time)
		return nil
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
