package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kvflow/kvflow/internal/build"
)

// NewVersionCommand returns the command to get the kvflow version.
func NewVersionCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Return the kvflow version",
		Long:  "Return the kvflow version.",
		RunE:  version,
		Args:  cobra.NoArgs,
	}

	return cmd
}

// print out the built version
func version(cmd *cobra.Command, _ []string) error {
	_, err := fmt.Fprintf(cmd.OutOrStdout(), "kvflow version %s date %s commit id %s\n", build.Version, build.Date, build.Commit)
	return err
}
