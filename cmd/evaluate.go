package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"

	"denoiser/internal/analysis"
	"denoiser/internal/audio"
	"denoiser/internal/config"
	"denoiser/internal/dataset"
	applog "denoiser/internal/log"
	"denoiser/internal/noise"
	"denoiser/internal/reconstruct"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// segmentFrame is the segmental SNR frame length in samples.
const segmentFrame = 256

// FileScore compares the noisy input and the reconstruction of one file
// against its clean source.
type FileScore struct {
	File     string         `yaml:"file"`
	Samples  int            `yaml:"samples"`
	Noisy    analysis.Score `yaml:"noisy"`
	Denoised analysis.Score `yaml:"denoised"`
}

func newEvaluateCommand(a *app) *cobra.Command {
	var (
		local  bool
		output string
	)
	cmd := &cobra.Command{
		Use:   "evaluate [clean.wav ...]",
		Short: "Score the ensemble on held-out clean speech",
		Long: "Corrupt each clean file with the configured Gaussian noise, denoise it and " +
			"report SNR, segmental SNR, log-spectral distance and per-band SNR before and after. " +
			"Without arguments the held-out test files of the corpus are used.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := a.cfg
			if cmd.Flags().Changed("local") {
				cfg.Transform.Local = local
			}

			files := args
			if len(files) == 0 {
				all, err := dataset.SearchWAV(cfg.Dataset.Path)
				if err != nil {
					return err
				}
				_, files = dataset.SplitTail(all, cfg.Dataset.TestFiles)
			}
			if len(files) == 0 {
				return dataset.ErrNoFiles
			}

			ctx, cancel := signalContext()
			defer cancel()

			rec, err := newReconstructor(ctx, cfg)
			if err != nil {
				return err
			}
			scores, err := evaluate(ctx, cfg, rec, files)
			if err != nil {
				return err
			}
			if err := printScores(cmd.OutOrStdout(), scores); err != nil {
				return err
			}
			if output != "" {
				data, err := yaml.Marshal(scores)
				if err != nil {
					return err
				}
				if err := os.WriteFile(output, data, 0o644); err != nil {
					return err
				}
				applog.Infof("Evaluate: scores written to %s", output)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&local, "local", false, "Load fold checkpoints in-process instead of calling the transform service")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Write per-file scores as YAML to this path")
	return cmd
}

// evaluate scores every file. Files shorter than one window are skipped
// with a warning.
func evaluate(ctx context.Context, cfg *config.Config, rec *reconstruct.Reconstructor, files []string) ([]FileScore, error) {
	rate := cfg.Signal.SampleRate
	inj, err := noise.NewInjector(cfg.Dataset.NoiseLoc, cfg.Dataset.NoiseScale, cfg.Training.Seed)
	if err != nil {
		return nil, err
	}
	spectrum, err := analysis.SpectrumFor(rec.WindowSize(), float64(rate))
	if err != nil {
		return nil, err
	}
	bands := analysis.SpeechBands(float64(rate))

	scores := make([]FileScore, 0, len(files))
	for _, path := range files {
		clip, err := audio.ReadWAVFile(path)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		clean := audio.Resample(clip.Samples, clip.SampleRate, rate)
		if len(clean) < rec.WindowSize() {
			applog.Warnf("Evaluate: skipping %s: %d samples is shorter than one %d-sample window",
				filepath.Base(path), len(clean), rec.WindowSize())
			continue
		}
		noisy := inj.InjectSamples(clean)

		denoised, err := rec.Reconstruct(ctx, noisy)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}

		n := len(denoised)
		scores = append(scores, FileScore{
			File:     path,
			Samples:  n,
			Noisy:    analysis.Compare(clean[:n], noisy[:n], segmentFrame, spectrum, bands),
			Denoised: analysis.Compare(clean[:n], denoised, segmentFrame, spectrum, bands),
		})
	}
	if len(scores) == 0 {
		return nil, fmt.Errorf("evaluate: no file was long enough to score")
	}
	return scores, nil
}

func printScores(w io.Writer, scores []FileScore) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "FILE\tSNR IN\tSNR OUT\tSEGSNR IN\tSEGSNR OUT\tLSD IN\tLSD OUT")
	for _, s := range scores {
		fmt.Fprintf(tw, "%s\t%.2f\t%.2f\t%.2f\t%.2f\t%.2f\t%.2f\n",
			filepath.Base(s.File),
			s.Noisy.SNR, s.Denoised.SNR,
			s.Noisy.SegSNR, s.Denoised.SegSNR,
			s.Noisy.LSD, s.Denoised.LSD)
	}
	return tw.Flush()
}
