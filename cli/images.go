package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var imagesCmd = &cobra.Command{
	Use:   "images [JOBDIR] [ARGS...]",
	Short: "Show the image and node agent a job's pool would boot",
	Args:  cobra.MinimumNArgs(1),

	RunE: func(cmd *cobra.Command, args []string) error {
		job, err := readJob(cmd, args)
		if err != nil {
			return err
		}

		env, err := openEnvironment(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close()

		image, err := env.client.ResolveImage(cmd.Context(), job.Image)
		if err != nil {
			return fmt.Errorf("failed to resolve image '%s': %w", job.Image, err)
		}

		cmd.Printf("image       %s\n", color.HiCyanString(image.Reference.String()))
		cmd.Printf("node agent  %s\n", image.NodeAgentSKU)
		return nil
	},
}

func init() {
	imagesCmd.Flags().StringArrayP("param", "p", nil, "jobfile parameters to set (key=value)")
}
