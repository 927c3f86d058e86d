// Package cmd wires the imedge command line: run the agent, check a
// configuration, print the version.
package cmd

import (
	"github.com/spf13/cobra"

	"github.com/intellimaint/edge/config"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:           "imedge",
	Short:         "Industrial telemetry edge agent",
	Long:          "imedge polls PLCs and OPC UA servers, persists telemetry locally and evaluates alarm rules at the edge.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", config.DefaultPath, "path to the agent configuration file")
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}
