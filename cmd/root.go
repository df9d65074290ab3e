// Package cmd contains all the commands included in the binary file.
package cmd

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// NewRootCommand enables all children commands to read flags from CLI flags, environment variables prefixed with KVFLOW, or config.yaml (in that order).
func NewRootCommand() *cobra.Command {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	viper.SetEnvPrefix("KVFLOW")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	configPaths := []string{"/etc/kvflow", "$HOME/.kvflow", "."}
	for _, path := range configPaths {
		viper.AddConfigPath(path)
	}

	return &cobra.Command{
		Use:   "kvflow",
		Short: "A partitioned key/value index server that streams secondary index queries",
		Long: `A partitioned key/value index server that streams secondary index queries.

Objects are replicated across the vnodes of a fixed partition ring. Index queries
are answered by scanning a covering set of vnodes and streaming matching keys
back while the scan is still running.`,
		SilenceUsage: true,
	}
}
