package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dwsmith1983/auditlane/internal/commands"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:   "auditlane",
		Short: "Smart-contract audit pipeline administration",
		Long: `auditlane manages projects, revisions and audit runs for smart-contract
audits: it migrates the storage schema, requests audits of committed
revisions and checks finding history against stored state.`,
		Version:      version,
		SilenceUsage: true,
	}

	root.AddCommand(
		commands.NewMigrateCmd(),
		commands.NewStatusCmd(),
		commands.NewAuditCmd(),
		commands.NewReplayFindingsCmd(),
		commands.NewSweepCmd(),
		&cobra.Command{
			Use:   "version",
			Short: "Print the auditlane version",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Println(version)
			},
		},
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
