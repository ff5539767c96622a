package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	intlambda "github.com/dwsmith1983/auditlane/internal/lambda"
	"github.com/dwsmith1983/auditlane/pkg/types"
)

// NewAuditCmd creates the audit command.
func NewAuditCmd() *cobra.Command {
	var (
		dir         string
		profile     string
		requestedBy string
	)
	cmd := &cobra.Command{
		Use:   "audit <project-id> <revision-id>",
		Short: "Request an audit of a committed revision",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()
			cfg, err := loadConfig(ctx, dir)
			if err != nil {
				return err
			}
			d, err := intlambda.Build(ctx, cfg, cliLogger(cfg))
			if err != nil {
				return err
			}
			defer func() { _ = d.Shutdown(ctx) }()

			if requestedBy == "" {
				requestedBy = "cli:" + os.Getenv("USER")
			}
			run, err := d.Runs.RequestAudit(ctx, args[0], args[1], requestedBy,
				types.AuditOptions{Profile: types.AuditProfile(profile)})
			if err != nil {
				return err
			}
			fmt.Printf("%s audit %s queued (profile %s)\n", color.GreenString("✓"), run.ID, run.Profile)
			return nil
		},
	}
	configDirFlag(cmd, &dir)
	cmd.Flags().StringVar(&profile, "profile", "", "audit profile, defaults to pipeline.defaultProfile")
	cmd.Flags().StringVar(&requestedBy, "requested-by", "", "requester recorded on the run")
	return cmd
}
