// Package cli implements the docpipectl command tree. Commands only read
// configuration and compute derived values; none of them talk to a running
// service.
package cli

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "docpipectl",
	Short: "Operator tooling for the document workflow service",
	Long: `docpipectl inspects workflow-service deployments from the outside:
it renders the permission set an integration mode needs and checks
configuration files before they are rolled out.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
