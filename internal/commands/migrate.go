package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/dwsmith1983/auditlane/internal/config"
	"github.com/dwsmith1983/auditlane/pkg/types"
)

// NewMigrateCmd creates the migrate command.
func NewMigrateCmd() *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create the DynamoDB table or migrate the SQL schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Minute)
			defer cancel()
			cfg, err := loadConfig(ctx, dir)
			if err != nil {
				return err
			}
			return runMigrate(ctx, cfg)
		},
	}
	configDirFlag(cmd, &dir)
	return cmd
}

// runMigrate forces schema creation on and starts the provider, which
// creates or migrates the schema as part of Start.
func runMigrate(ctx context.Context, cfg *types.ProjectConfig) error {
	switch cfg.Provider {
	case config.ProviderDynamoDB:
		if dc := config.DynamoDB(cfg); dc != nil {
			dc.CreateTable = true
		}
	case config.ProviderSQL:
		if sc := config.SQL(cfg); sc != nil {
			sc.AutoMigrate = true
		}
	}
	prov, err := openProvider(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = prov.Stop(ctx) }()

	fmt.Printf("%s %s schema is up to date\n", color.GreenString("✓"), cfg.Provider)
	return nil
}
