package main

import (
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show the version number of batchmpi",
	Args:  cobra.NoArgs,

	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.Printf("batchmpi version %s (%s)\n", version, commit[:min(len(commit), 7)])
		return nil
	},
}
