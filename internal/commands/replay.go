package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/dwsmith1983/auditlane/internal/findings"
)

// ErrReplayMismatch is returned when stored finding state disagrees with its history.
var ErrReplayMismatch = errors.New("finding replay found mismatches")

// NewReplayFindingsCmd creates the replay-findings command.
func NewReplayFindingsCmd() *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "replay-findings <project-id>",
		Short: "Replay finding transitions in completion order and report drift",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Minute)
			defer cancel()
			cfg, err := loadConfig(ctx, dir)
			if err != nil {
				return err
			}
			prov, err := openProvider(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() { _ = prov.Stop(ctx) }()

			report, err := findings.NewEngine(prov).Replay(ctx, args[0])
			if err != nil {
				return err
			}
			return printReplay(os.Stdout, report)
		},
	}
	configDirFlag(cmd, &dir)
	return cmd
}

func printReplay(w io.Writer, report *findings.ReplayReport) error {
	_, _ = fmt.Fprintf(w, "Project %s: %d findings, %d transitions replayed\n",
		report.ProjectID, report.Findings, report.Transitions)
	if len(report.Mismatches) == 0 {
		_, _ = fmt.Fprintf(w, "%s stored status matches history\n", color.GreenString("✓"))
		return nil
	}
	for _, m := range report.Mismatches {
		_, _ = fmt.Fprintf(w, "%s %s (%s): stored %s, replayed %s\n",
			color.RedString("✗"), m.FindingID, m.Fingerprint, m.Stored, m.Replayed)
	}
	return fmt.Errorf("%w: %d", ErrReplayMismatch, len(report.Mismatches))
}
