// Package cli implements the poolgate command line.
package cli

import (
	"github.com/spf13/cobra"
)

// NewRootCommand assembles the poolgate command tree.
func NewRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "poolgate",
		Short: "Storage gateway over local, object and WebDAV pools",
		Long: `poolgate registers storage pools (local directories, S3-compatible buckets,
WebDAV servers), keeps one of them active, and runs file operations against a
single pool or federated across all of them. Configuration comes from the
environment; DATABASE_URL is required.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	AddGlobalFlags(rootCmd)

	rootCmd.AddCommand(NewPoolsCommand())
	rootCmd.AddCommand(NewFilesCommand())
	rootCmd.AddCommand(NewFederationCommand())
	rootCmd.AddCommand(NewMigrateCommand())
	rootCmd.AddCommand(NewVersionCommand())

	return rootCmd
}
