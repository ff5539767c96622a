// Package commands implements the CLI subcommands for the auditlane binary.
package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/dwsmith1983/auditlane/internal/config"
	intlambda "github.com/dwsmith1983/auditlane/internal/lambda"
	"github.com/dwsmith1983/auditlane/internal/provider"
	"github.com/dwsmith1983/auditlane/pkg/types"
)

// configDirFlag registers the shared --config-dir flag.
func configDirFlag(cmd *cobra.Command, dir *string) {
	cmd.Flags().StringVarP(dir, "config-dir", "c", ".", "directory containing "+config.FileName)
}

// loadConfig reads and validates the config, then resolves secret-backed settings.
func loadConfig(ctx context.Context, dir string) (*types.ProjectConfig, error) {
	cfg, err := config.Load(dir)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if err := config.ResolveSecrets(ctx, cfg, nil); err != nil {
		return nil, err
	}
	return cfg, nil
}

// openProvider creates and starts the configured storage provider.
func openProvider(ctx context.Context, cfg *types.ProjectConfig) (provider.Provider, error) {
	prov, err := intlambda.NewProvider(cfg, cliLogger(cfg))
	if err != nil {
		return nil, err
	}
	if err := prov.Start(ctx); err != nil {
		return nil, fmt.Errorf("connecting to provider: %w", err)
	}
	return prov, nil
}

func cliLogger(cfg *types.ProjectConfig) *slog.Logger {
	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		level = slog.LevelWarn
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
