// SPDX-License-Identifier: MIT
package cmd

import (
	"fmt"
	"os"
	"time"

	"denoiser/internal/audio"
	applog "denoiser/internal/log"

	"github.com/spf13/cobra"
)

func newDenoiseCommand(a *app) *cobra.Command {
	var local bool
	cmd := &cobra.Command{
		Use:   "denoise <input> <output.wav>",
		Short: "Denoise an audio file offline",
		Long: "Decode <input> (WAV or Ogg Vorbis), resample it to the pipeline rate, " +
			"run it through the transform and write the reconstruction as 16-bit mono WAV.",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := a.cfg
			if cmd.Flags().Changed("local") {
				cfg.Transform.Local = local
			}
			start := time.Now()

			ctx, cancel := signalContext()
			defer cancel()

			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			clip, err := audio.Decode(data, cfg.Signal.SampleRate)
			if err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}

			rec, err := newReconstructor(ctx, cfg)
			if err != nil {
				return err
			}
			out, err := rec.Reconstruct(ctx, clip.Samples)
			if err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}
			if err := audio.WriteWAVFile(args[1], audio.Clip{Samples: out, SampleRate: clip.SampleRate}); err != nil {
				return err
			}

			applog.Infof("Denoise: %s (%s) -> %s, %d samples dropped from the tail, %s",
				args[0], clip.Duration(), args[1], len(clip.Samples)-len(out), applog.Since(start))
			return nil
		},
	}
	cmd.Flags().BoolVar(&local, "local", false, "Load fold checkpoints in-process instead of calling the transform service")
	return cmd
}
