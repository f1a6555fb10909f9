package cli

import (
	"context"
	"os"

	"github.com/spf13/cobra"
)

// NewFederationCommand creates the federation command
func NewFederationCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "federation",
		Short: "Run operations across every pool",
		Long: `Fan a listing or search out to every registered pool. Pools that fail or
do not answer within FEDERATION_TIMEOUT are left out of the result.`,
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "ls [path]",
		Short: "List a path in every pool",
		Args:  cobra.MaximumNArgs(1),
		RunE: run(func(ctx context.Context, a *app, args []string) error {
			p := "/"
			if len(args) == 1 {
				p = args[0]
			}
			items, err := a.gw.ListAllFiles(ctx, p)
			if err != nil {
				return err
			}
			return newPrinter(os.Stdout).items(items)
		}),
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "search <query>",
		Short: "Match root entries of every pool by name",
		Args:  cobra.ExactArgs(1),
		RunE: run(func(ctx context.Context, a *app, args []string) error {
			items, err := a.gw.SearchFiles(ctx, args[0])
			if err != nil {
				return err
			}
			return newPrinter(os.Stdout).items(items)
		}),
	})

	return cmd
}
