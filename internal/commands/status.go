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

	"github.com/dwsmith1983/auditlane/internal/provider"
	"github.com/dwsmith1983/auditlane/pkg/types"
)

const statusRunLimit = 10

// NewStatusCmd creates the status command.
func NewStatusCmd() *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "status <project-id>",
		Short: "Show a project's lifecycle, recent audit runs and findings",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
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
			return printStatus(ctx, os.Stdout, prov, args[0])
		},
	}
	configDirFlag(cmd, &dir)
	return cmd
}

func printStatus(ctx context.Context, w io.Writer, prov provider.Provider, projectID string) error {
	p, err := prov.GetProject(ctx, projectID)
	if err != nil {
		return fmt.Errorf("loading project %q: %w", projectID, err)
	}

	bold := color.New(color.Bold)
	_, _ = bold.Fprintf(w, "%s (%s)\n", p.Name, p.ID)
	_, _ = fmt.Fprintf(w, "  State: %s\n", colorState(p.LifecycleState))

	active, err := prov.GetActiveAuditRun(ctx, projectID)
	switch {
	case errors.Is(err, provider.ErrNotFound):
		_, _ = fmt.Fprintln(w, "  Active run: none")
	case err != nil:
		return fmt.Errorf("loading active run: %w", err)
	default:
		_, _ = fmt.Fprintf(w, "  Active run: %s (%s)\n", active.ID, colorRun(active.Status))
	}

	runs, err := prov.ListAuditRuns(ctx, projectID, statusRunLimit)
	if err != nil {
		return fmt.Errorf("listing audit runs: %w", err)
	}
	_, _ = fmt.Fprintln(w)
	_, _ = bold.Fprintln(w, "Recent audit runs:")
	if len(runs) == 0 {
		_, _ = fmt.Fprintln(w, "  (none)")
	}
	for _, r := range runs {
		_, _ = fmt.Fprintf(w, "  %s  %-10s  revision=%s  profile=%s  %s\n",
			r.ID, colorRun(r.Status), r.RevisionID, r.Profile, r.CreatedAt.Format(time.RFC3339))
	}

	list, err := prov.ListFindings(ctx, projectID)
	if err != nil {
		return fmt.Errorf("listing findings: %w", err)
	}
	counts := make(map[types.FindingStatus]int)
	for _, f := range list {
		counts[f.CurrentStatus]++
	}
	_, _ = fmt.Fprintln(w)
	_, _ = bold.Fprintf(w, "Findings: %d\n", len(list))
	for _, s := range []types.FindingStatus{types.FindingOpened, types.FindingRegressed, types.FindingUnchanged, types.FindingResolved} {
		if counts[s] > 0 {
			_, _ = fmt.Fprintf(w, "  %-10s %d\n", s, counts[s])
		}
	}
	return nil
}

func colorState(s types.ProjectLifecycleState) string {
	switch s {
	case types.ProjectReady:
		return color.GreenString(string(s))
	case types.ProjectDeleted:
		return color.RedString(string(s))
	default:
		return color.YellowString(string(s))
	}
}

func colorRun(s types.AuditRunStatus) string {
	switch s {
	case types.RunCompleted:
		return color.GreenString(string(s))
	case types.RunFailed, types.RunCancelled:
		return color.RedString(string(s))
	default:
		return color.YellowString(string(s))
	}
}
