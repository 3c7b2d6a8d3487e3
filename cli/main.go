package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/gammadia/batchmpi/cli/flags"
	"github.com/gammadia/batchmpi/cli/log"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
)

// Versioning information set at build time
var version, commit = "dev", "n/a"

var verbose bool

var batchmpiCmd = &cobra.Command{
	Use:   "batchmpi",
	Short: "batchmpi runs MPI jobs on a freshly provisioned pool of compute nodes.",

	SilenceUsage:  true,
	SilenceErrors: true,

	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if verbose && !cmd.Flags().Changed(flags.LogLevel) {
			lo.Must0(cmd.Flags().Set(flags.LogLevel, "INFO"))
		}
		return log.Init(os.Stderr)
	},
}

func init() {
	batchmpiCmd.AddCommand(cleanupCmd)
	batchmpiCmd.AddCommand(imagesCmd)
	batchmpiCmd.AddCommand(runCmd)
	batchmpiCmd.AddCommand(versionCmd)

	batchmpiCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	flags.Init(batchmpiCmd.PersistentFlags())
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	batchmpiCmd.SetOut(os.Stdout)
	if err := batchmpiCmd.ExecuteContext(ctx); err != nil {
		lo.Must(fmt.Fprintln(os.Stderr, color.HiRedString(fmt.Sprint(err))))
		os.Exit(1)
	}
}
