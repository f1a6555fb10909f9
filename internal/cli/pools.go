package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/fruitsalade/poolgate/internal/gateway"
)

// NewPoolsCommand creates the pools command
func NewPoolsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pools",
		Short: "Manage storage pools",
		Long: `Register, inspect and activate storage pools. A pool is a configured
backend (local, object or webdav). At most one pool is active; file commands
without --pool address it.`,
	}

	cmd.AddCommand(newPoolsListCommand())
	cmd.AddCommand(newPoolsShowCommand())
	cmd.AddCommand(newPoolsCreateCommand())
	cmd.AddCommand(newPoolsSetConfigCommand())
	cmd.AddCommand(newPoolsActivateCommand())
	cmd.AddCommand(newPoolsDeactivateCommand())
	cmd.AddCommand(newPoolsDeleteCommand())

	return cmd
}

func newPoolsListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List pools",
		Args:  cobra.NoArgs,
		RunE: run(func(ctx context.Context, a *app, _ []string) error {
			pools, err := a.gw.ListPools(ctx)
			if err != nil {
				return err
			}
			return newPrinter(os.Stdout).pools(pools)
		}),
	}
}

func newPoolsShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show [id]",
		Short: "Show a pool, the active one by default",
		Args:  cobra.MaximumNArgs(1),
		RunE: run(func(ctx context.Context, a *app, args []string) error {
			var id int64
			if len(args) == 1 {
				var err error
				if id, err = parsePoolID(args[0]); err != nil {
					return err
				}
			}
			p, err := a.gw.GetPool(ctx, id)
			if err != nil {
				return err
			}
			return newPrinter(os.Stdout).pool(p)
		}),
	}
}

// readConfigArg accepts inline JSON or @file.
func readConfigArg(s string) (json.RawMessage, error) {
	raw := []byte(s)
	if len(s) > 1 && s[0] == '@' {
		b, err := os.ReadFile(s[1:])
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		raw = b
	}
	if !json.Valid(raw) {
		return nil, fmt.Errorf("config is not valid JSON")
	}
	return raw, nil
}

func newPoolsCreateCommand() *cobra.Command {
	var (
		kind     string
		config   string
		activate bool
	)

	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Register a new pool",
		Long: `Register a new pool. The config is a JSON object, inline or as @file:

  local:  {"path": "/srv/pool"}
  object: {"endpoint": "http://minio:9000", "bucket": "b", "access_key": "...",
           "secret_key": "...", "region": "us-east-1", "prefix": "opt/"}
  webdav: {"url": "https://dav.example.com", "username": "u", "password": "p",
           "path": "/remote.php/dav/files/u"}`,
		Args: cobra.ExactArgs(1),
		RunE: run(func(ctx context.Context, a *app, args []string) error {
			raw, err := readConfigArg(config)
			if err != nil {
				return err
			}
			p, err := a.gw.CreatePool(ctx, gateway.CreatePoolRequest{
				Name:     args[0],
				Kind:     kind,
				Config:   raw,
				Activate: activate,
			})
			if err != nil {
				return err
			}
			return newPrinter(os.Stdout).pool(p)
		}),
	}

	cmd.Flags().StringVarP(&kind, "kind", "k", "", "pool kind: local, object (s3) or webdav")
	cmd.Flags().StringVarP(&config, "config", "c", "", "pool config as JSON or @file")
	cmd.Flags().BoolVar(&activate, "activate", false, "make the new pool the active one")
	_ = cmd.MarkFlagRequired("kind")
	_ = cmd.MarkFlagRequired("config")

	return cmd
}

func newPoolsSetConfigCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "set-config <id> <json|@file>",
		Short: "Replace the config of a pool",
		Args:  cobra.ExactArgs(2),
		RunE: run(func(ctx context.Context, a *app, args []string) error {
			id, err := parsePoolID(args[0])
			if err != nil {
				return err
			}
			raw, err := readConfigArg(args[1])
			if err != nil {
				return err
			}
			if err := a.gw.UpdatePoolConfig(ctx, id, raw); err != nil {
				return err
			}
			return newPrinter(os.Stdout).result("set-config", "pool "+args[0], true, "updated")
		}),
	}
}

func poolStateCommand(use, short, action string, fn func(ctx context.Context, gw *gateway.Gateway, id int64) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: run(func(ctx context.Context, a *app, args []string) error {
			id, err := parsePoolID(args[0])
			if err != nil {
				return err
			}
			if err := fn(ctx, a.gw, id); err != nil {
				return err
			}
			return newPrinter(os.Stdout).result(use, "pool "+strconv.FormatInt(id, 10), true, action)
		}),
	}
}

func newPoolsActivateCommand() *cobra.Command {
	return poolStateCommand("activate", "Make a pool the active one", "activated",
		func(ctx context.Context, gw *gateway.Gateway, id int64) error { return gw.ActivatePool(ctx, id) })
}

func newPoolsDeactivateCommand() *cobra.Command {
	return poolStateCommand("deactivate", "Clear the active flag of a pool", "deactivated",
		func(ctx context.Context, gw *gateway.Gateway, id int64) error { return gw.DeactivatePool(ctx, id) })
}

func newPoolsDeleteCommand() *cobra.Command {
	return poolStateCommand("delete", "Delete an inactive pool and its file records", "deleted",
		func(ctx context.Context, gw *gateway.Gateway, id int64) error { return gw.DeletePool(ctx, id) })
}
