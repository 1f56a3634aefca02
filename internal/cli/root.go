// Package cli provides the command-line interface for sensorpress.
package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

// Version and Commit are set via ldflags at build time.
var (
	Version = "dev"
	Commit  = "none"
)

const defaultConfigDir = ".sensorpress"

var configDir string

var rootCmd = &cobra.Command{
	Use:           "sensorpress",
	Short:         "Publish new records from many sources to one blog",
	Long:          "sensorpress pulls new records from feeds, APIs and scripts, interleaves them so quiet sources stay visible, and publishes them to Ghost or a local content store without duplicates.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Printf("sensorpress %s (%s)\n", Version, Commit)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configDir, "config-dir", defaultConfigDir, "directory holding config.yaml")
	rootCmd.AddCommand(versionCmd)
}

// Execute runs the root command with ctx.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}
