package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fruitsalade/poolgate/internal/config"
	"github.com/fruitsalade/poolgate/internal/gateway"
	"github.com/fruitsalade/poolgate/internal/logging"
	"github.com/fruitsalade/poolgate/internal/metadata/postgres"
	"github.com/fruitsalade/poolgate/internal/metrics"
)

// app is the wiring shared by every command that touches pools.
type app struct {
	cfg   *config.Config
	store *postgres.Store
	gw    *gateway.Gateway
}

func setup() (*config.Config, error) {
	if err := validateGlobalFlags(); err != nil {
		return nil, err
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("configuration error: %w", err)
	}
	if globalFlags.LogLevel != "" {
		cfg.LogLevel = globalFlags.LogLevel
	}
	if err := logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat}); err != nil {
		return nil, fmt.Errorf("logging init error: %w", err)
	}
	return cfg, nil
}

func openApp(ctx context.Context, cfg *config.Config) (*app, error) {
	store, err := postgres.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if cfg.AutoMigrate {
		if err := store.Migrate(); err != nil {
			store.Close()
			return nil, err
		}
	}
	gw, err := gateway.Open(store, cfg)
	if err != nil {
		store.Close()
		return nil, err
	}
	return &app{cfg: cfg, store: store, gw: gw}, nil
}

func (a *app) close() {
	a.gw.Close()
	if err := a.store.Close(); err != nil {
		logging.Warn("closing database", zap.Error(err))
	}
}

// run wraps a command body: it loads config, opens the store and gateway,
// tags the context with an operation id, and flushes metrics afterwards.
func run(fn func(ctx context.Context, a *app, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := setup()
		if err != nil {
			return err
		}
		defer logging.Sync()

		ctx := logging.WithOperationID(cmd.Context(), logging.NewOperationID())
		a, err := openApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.close()

		err = fn(ctx, a, args)
		if err != nil {
			logging.WithContext(ctx).Debug("command failed", zap.String("command", cmd.CommandPath()), zap.Error(err))
		}
		if cfg.MetricsTextfile != "" {
			if werr := metrics.WriteTextfile(cfg.MetricsTextfile); werr != nil {
				logging.Warn("writing metrics textfile", zap.String("path", cfg.MetricsTextfile), zap.Error(werr))
			}
		}
		return err
	}
}
