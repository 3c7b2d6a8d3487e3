package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/gammadia/batchmpi/cli/ui"
	"github.com/gammadia/batchmpi/runner"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete the resources left behind by interrupted or failed runs",
	Args:  cobra.NoArgs,

	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := openEnvironment(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close()

		resources, err := env.ledger.List(cmd.Context())
		if err != nil {
			return err
		}
		if len(resources) == 0 {
			cmd.Println(color.HiGreenString("Nothing to clean up"))
			return nil
		}

		for _, resource := range resources {
			cmd.Printf("%-9s  %-50s  %-8s  %s\n", resource.Kind, color.HiCyanString(resource.ID), resource.Backend, humanize.Time(resource.CreatedAt))
		}
		if lo.Must(cmd.Flags().GetBool("dry-run")) {
			return nil
		}

		if !lo.Must(cmd.Flags().GetBool("yes")) {
			if ok, err := ui.Confirm(fmt.Sprintf("Delete the %d resource(s) of backend '%s'?", len(resources), env.backend)); err != nil {
				return err
			} else if !ok {
				return nil
			}
		}

		config := env.runnerConfig()
		config.Observer = ui.NewProgress(cmd.ErrOrStderr(), verbose).Observe
		r, err := runner.New(env.client, env.store, env.ledger, config)
		if err != nil {
			return err
		}

		report, err := r.Cleanup(cmd.Context())
		if report != nil {
			cmd.Printf("Deleted %d resource(s)\n", len(report.Deleted))
			if len(report.Skipped) > 0 {
				cmd.PrintErrln(color.HiYellowString("Skipped %d resource(s) of other backends", len(report.Skipped)))
			}
		}
		return err
	},
}

func init() {
	cleanupCmd.Flags().BoolP("dry-run", "n", false, "list the resources without deleting them")
	cleanupCmd.Flags().BoolP("yes", "y", false, "do not ask for confirmation")
}
