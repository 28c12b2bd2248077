package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"denoiser/internal/audio"
	"denoiser/internal/capture"
	applog "denoiser/internal/log"

	"github.com/spf13/cobra"
)

// gateFrame is the frame size the silence gate trims by.
const gateFrame = 160

func newRecordCommand(a *app) *cobra.Command {
	var (
		device   int
		duration time.Duration
		gate     float64
		out      string
	)
	cmd := &cobra.Command{
		Use:   "record",
		Short: "Record clean speech from an input device into the corpus",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			cfg := a.cfg
			if cmd.Flags().Changed("device") {
				cfg.Recording.Device = device
			}
			if cmd.Flags().Changed("duration") {
				cfg.Recording.Duration = duration
			}

			if err := capture.Initialize(); err != nil {
				return err
			}
			defer func() {
				if terr := capture.Terminate(); terr != nil && err == nil {
					err = terr
				}
			}()

			rec, err := capture.NewRecorder(cfg.Recording, cfg.Signal.SampleRate)
			if err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()

			clip, err := rec.Record(ctx)
			if err != nil {
				return err
			}
			if gate > 0 {
				clip.Samples = capture.NewGate(gate).Trim(clip.Samples, gateFrame)
			}
			if len(clip.Samples) == 0 {
				return fmt.Errorf("record: nothing captured above the gate threshold")
			}

			if out == "" {
				if err := os.MkdirAll(cfg.Recording.OutputDir, 0o755); err != nil {
					return err
				}
				out = filepath.Join(cfg.Recording.OutputDir,
					fmt.Sprintf("recording-%s.wav", time.Now().Format("20060102-150405")))
			}
			if err := audio.WriteWAVFile(out, clip); err != nil {
				return err
			}
			applog.Infof("Record: %s of audio saved to %s", clip.Duration().Round(time.Millisecond), out)
			return nil
		},
	}
	cmd.Flags().IntVarP(&device, "device", "i", -1, "Input device index (-1 for the system default)")
	cmd.Flags().DurationVarP(&duration, "duration", "t", 0, "Recording length (default from config)")
	cmd.Flags().Float64Var(&gate, "gate", 0, "Trim leading and trailing frames below this fraction of full scale")
	cmd.Flags().StringVarP(&out, "output", "o", "", "Output WAV path (default: a timestamped file in recording.output_dir)")
	return cmd
}

func newDevicesCommand(_ *app) *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List audio input devices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			if err := capture.Initialize(); err != nil {
				return err
			}
			defer func() {
				if terr := capture.Terminate(); terr != nil && err == nil {
					err = terr
				}
			}()
			return capture.ListDevices(cmd.OutOrStdout())
		},
	}
}
