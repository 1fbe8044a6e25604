package cmd

import (
	"github.com/spf13/cobra"

	"crosslight/internal/config"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "crosslight",
	Short: "Adaptive traffic signal controller for a single intersection",
	Long: `crosslight runs the signal controller for one intersection:
ingests sensor snapshots, adapts green durations to queue pressure,
handles emergency preemption, coordinates with neighboring
intersections, and falls back to a fixed failsafe program whenever its
inputs cannot be trusted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runController()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to the YAML configuration file")
}

// Execute runs the CLI. main stays tiny.
func Execute() error {
	return rootCmd.Execute()
}

func loadConfig() (config.Config, error) {
	return config.Load(configPath)
}
