package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/gammadia/batchmpi/cli/ui"
	"github.com/gammadia/batchmpi/jobfile"
	"github.com/gammadia/batchmpi/runner"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var runCmd = &cobra.Command{
	Use:   "run [JOBDIR] [ARGS...]",
	Short: "Provision a pool, run a job on it and tear everything down",
	Args:  cobra.MinimumNArgs(1),

	RunE: func(cmd *cobra.Command, args []string) error {
		job, err := readJob(cmd, args)
		if err != nil {
			return err
		}

		if lo.Must(cmd.Flags().GetBool("dry-run")) {
			cmd.Println(ui.SectionHeaderColor.Sprint("  Job  "))
			return yaml.NewEncoder(cmd.OutOrStdout()).Encode(job)
		}

		env, err := openEnvironment(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close()

		progress := ui.NewProgress(cmd.ErrOrStderr(), verbose)
		config := env.runnerConfig()
		config.Observer = progress.Observe
		config.KeepOnFailure = lo.Must(cmd.Flags().GetBool("keep-on-failure"))
		config.DownloadDir = lo.Must(cmd.Flags().GetString("download"))
		config.Archive = lo.Must(cmd.Flags().GetBool("archive"))
		if !lo.Must(cmd.Flags().GetBool("yes")) {
			config.Confirm = func(plan runner.Plan) (bool, error) {
				printPlan(cmd, plan)
				return ui.Confirm("Proceed with pool creation?")
			}
		}

		r, err := runner.New(env.client, env.store, env.ledger, config)
		if err != nil {
			return err
		}

		result, err := r.Run(cmd.Context(), runner.NewPlan(job))
		if errors.Is(err, runner.ErrDeclined) {
			cmd.PrintErrln(color.HiYellowString("Aborted, nothing was created"))
			return nil
		}
		if err != nil {
			if config.KeepOnFailure {
				cmd.PrintErrln(color.HiYellowString("Resources were kept, run 'batchmpi cleanup' to delete them"))
			}
			return fmt.Errorf("job '%s' failed: %w", job.Name, err)
		}

		cmd.Printf("Job '%s' completed in %s\n", job.Name, result.Elapsed.Round(time.Second))
		cmd.Printf("Output container: %s\n", color.HiCyanString(result.OutputContainer))
		if result.Downloaded != "" {
			cmd.Printf("Downloaded %s to %s\n", humanize.Bytes(uint64(result.DownloadedSize)), result.Downloaded)
		}
		if result.ExitCode != nil && *result.ExitCode != 0 {
			return fmt.Errorf("task '%s' exited with code %d", result.TaskID, *result.ExitCode)
		}
		return nil
	},
}

func init() {
	runCmd.Flags().BoolP("dry-run", "n", false, "show the resolved job without running it")
	runCmd.Flags().StringArrayP("param", "p", nil, "jobfile parameters to set (key=value)")
	runCmd.Flags().BoolP("yes", "y", false, "do not ask for confirmation before creating the pool")
	runCmd.Flags().Bool("keep-on-failure", false, "keep every resource of a failed run for inspection")
	runCmd.Flags().String("download", "", "download the output container into this directory")
	if home, err := os.UserHomeDir(); err == nil {
		runCmd.Flags().Lookup("download").NoOptDefVal = home
	}
	runCmd.Flags().Bool("archive", false, "download the output as a .tar.zst archive")
}

func readJob(cmd *cobra.Command, args []string) (*jobfile.Job, error) {
	var spinner *ui.Spinner
	if !verbose {
		spinner = ui.NewSpinner("Reading jobfile")
	}

	job, err := jobfile.Read(args[0], jobfile.ReadOptions{
		Args:   args[1:],
		Params: lo.SliceToMap(lo.Must(cmd.Flags().GetStringArray("param")), func(item string) (key, value string) { key, value, _ = strings.Cut(item, "="); return }),
	})
	if err != nil {
		spinner.Fail()
		if e, ok := err.(jobfile.UnmarshalError); ok && verbose {
			cmd.PrintErrln(e.Source)
		}
		return nil, fmt.Errorf("failed to read job from '%s': %w", args[0], err)
	}
	spinner.Success()
	return job, nil
}

func printPlan(cmd *cobra.Command, plan runner.Plan) {
	job := plan.Job
	cmd.PrintErrln(ui.SectionHeaderColor.Sprint("  Plan  "))
	cmd.PrintErrf("  pool       %s (%d x %s, %s)\n", plan.PoolID, job.NodeCount, job.VMSize, job.Image)
	cmd.PrintErrf("  job        %s\n", plan.JobID)
	cmd.PrintErrf("  task       %s (%d instance(s), max runtime %s)\n", plan.TaskID, job.Instances, job.MaxRuntime)
	cmd.PrintErrf("  containers %s, %s\n", plan.InputContainer, plan.OutputContainer)
	if plan.PersistentContainer != "" {
		cmd.PrintErrf("  persistent %s\n", plan.PersistentContainer)
	}
}
