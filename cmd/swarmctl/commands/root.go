// Package commands implements the swarmctl command tree.
package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "swarmctl",
	Short: "Operate a file-backed agent swarm",
	Long: `swarmctl inspects and repairs task boards, feeds the shared task pool,
runs agents that claim and execute pooled tasks, and drives quorum votes
over the configured message bus.

Configuration is read from --config, ./swarm.toml, ./swarm.yaml or
~/.config/swarm/, then SWARM_* environment variables.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
	FParseErrWhitelist: cobra.FParseErrWhitelist{},
}

// Execute runs the root command.
func Execute() error {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true
	return rootCmd.Execute()
}

// SetVersionInfo sets the version reported by --version.
func SetVersionInfo(v, c, d string) {
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", v, c, d)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (.toml, .yaml or .yml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override log level (debug, info, warn, error)")
}
