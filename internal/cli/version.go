package cli

import (
	"github.com/spf13/cobra"

	"github.com/ambiyansyah-risyal/reqflow"
)

// NewVersionCommand creates the version command.
func NewVersionCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := &OutputFormatter{Format: rootOpts.Format, Writer: cmd.OutOrStdout()}
			return formatter.Write(reqflow.GetVersionInfo(), reqflow.GetVersion())
		},
	}
}
