package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	intlambda "github.com/dwsmith1983/auditlane/internal/lambda"
	"github.com/dwsmith1983/auditlane/internal/watchdog"
)

// NewSweepCmd creates the sweep command.
func NewSweepCmd() *cobra.Command {
	var (
		dir   string
		every time.Duration
	)
	cmd := &cobra.Command{
		Use:   "sweep <project-id>...",
		Short: "Terminate stuck audit runs and schedule cleanup of abandoned working copies",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := loadConfig(ctx, dir)
			if err != nil {
				return err
			}
			d, err := intlambda.Build(ctx, cfg, cliLogger(cfg))
			if err != nil {
				return err
			}
			defer func() { _ = d.Shutdown(context.Background()) }()

			if every <= 0 {
				printSweep(os.Stdout, watchdog.Sweep(ctx, d.WatchdogOptions(), args))
				return nil
			}

			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()
			w := watchdog.New(d.WatchdogOptions(), func(context.Context) ([]string, error) {
				return args, nil
			}, every)
			w.Start(ctx)
			<-ctx.Done()
			w.Stop(context.Background())
			return nil
		},
	}
	configDirFlag(cmd, &dir)
	cmd.Flags().DurationVar(&every, "every", 0, "keep sweeping at this interval until interrupted")
	return cmd
}

func printSweep(w io.Writer, report watchdog.Report) {
	for _, r := range report.StuckRuns {
		_, _ = fmt.Fprintf(w, "%s %s/%s stuck in %s for %s, terminated\n",
			color.RedString("✗"), r.ProjectID, r.AuditRunID, r.Status, r.Age.Truncate(time.Second))
	}
	for _, c := range report.AbandonedCopies {
		_, _ = fmt.Fprintf(w, "%s %s/%s idle for %s, cleanup queued\n",
			color.YellowString("•"), c.ProjectID, c.WorkingCopyID, c.Idle.Truncate(time.Second))
	}
	if len(report.StuckRuns) == 0 && len(report.AbandonedCopies) == 0 {
		_, _ = fmt.Fprintf(w, "%s nothing to sweep\n", color.GreenString("✓"))
	}
}
