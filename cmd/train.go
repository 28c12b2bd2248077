package cmd

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"denoiser/internal/config"
	"denoiser/internal/dataset"
	applog "denoiser/internal/log"
	"denoiser/internal/model"
	"denoiser/internal/noise"
	"denoiser/internal/pcm"
	"denoiser/internal/storage"
	"denoiser/internal/training"
	"denoiser/internal/transport"
	"denoiser/internal/transport/udp"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
)

// udpInterval is how often the UDP publisher emits the latest epoch.
const udpInterval = 100 * time.Millisecond

type trainFlags struct {
	dataset   string
	folds     int
	maxEpochs int
	seed      uint64
	report    string
	noBar     bool
}

func newTrainCommand(a *app) *cobra.Command {
	var f trainFlags
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train the K-fold autoencoder ensemble on a WAV corpus",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := a.cfg
			if cmd.Flags().Changed("dataset") {
				cfg.Dataset.Path = f.dataset
			}
			if cmd.Flags().Changed("folds") {
				cfg.Training.Folds = f.folds
			}
			if cmd.Flags().Changed("max-epochs") {
				cfg.Training.MaxEpochs = f.maxEpochs
			}
			if cmd.Flags().Changed("seed") {
				cfg.Training.Seed = f.seed
			}
			if cmd.Flags().Changed("report") {
				cfg.Training.ReportFile = f.report
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()
			return runTrain(ctx, cfg, !f.noBar)
		},
	}

	cmd.Flags().StringVarP(&f.dataset, "dataset", "d", config.DefaultDatasetPath, "Corpus root searched recursively for .wav files")
	cmd.Flags().IntVarP(&f.folds, "folds", "k", config.DefaultFolds, "Number of cross-validation folds")
	cmd.Flags().IntVar(&f.maxEpochs, "max-epochs", config.DefaultMaxEpochs, "Upper bound on epochs per fold")
	cmd.Flags().Uint64Var(&f.seed, "seed", config.DefaultSeed, "Seed for fold shuffling, noise and weight init")
	cmd.Flags().StringVarP(&f.report, "report", "r", "", "Write a YAML training report to this path")
	cmd.Flags().BoolVar(&f.noBar, "no-progress", false, "Disable the corpus loading progress bar")
	return cmd
}

func runTrain(ctx context.Context, cfg *config.Config, showBar bool) error {
	start := time.Now()
	width := cfg.Signal.WindowSize

	files, err := dataset.SearchWAV(cfg.Dataset.Path)
	if err != nil {
		return fmt.Errorf("search corpus: %w", err)
	}
	trainFiles, testFiles := dataset.SplitTail(files, cfg.Dataset.TestFiles)
	applog.Infof("Train: %d corpus files under %s (%d train, %d test)",
		len(files), cfg.Dataset.Path, len(trainFiles), len(testFiles))

	trainDS, testDS, err := loadCorpus(trainFiles, testFiles, width, showBar)
	if err != nil {
		return err
	}

	scaler, err := pcm.NewScaler(cfg.Signal.BitDepth)
	if err != nil {
		return err
	}
	inj, err := noise.NewInjector(cfg.Dataset.NoiseLoc, cfg.Dataset.NoiseScale, cfg.Training.Seed)
	if err != nil {
		return err
	}

	var data training.Data
	var dropped int
	if data.Train, dropped, err = training.Prepare(trainDS, inj, scaler, width); err != nil {
		return fmt.Errorf("prepare training set: %w", err)
	}
	if dropped > 0 {
		applog.Warnf("Train: dropped %d training chunks shorter than %d samples", dropped, width)
	}
	if testDS != nil {
		if data.Test, _, err = training.Prepare(testDS, inj, scaler, width); err != nil {
			return fmt.Errorf("prepare test set: %w", err)
		}
	}
	applog.Infof("Train: %d training rows, %d test rows of %d samples (%s)",
		data.Train.Rows(), data.Test.Rows(), width, applog.Since(start))

	store, err := storage.New(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	telemetry, err := newTelemetry(cfg.Telemetry)
	if err != nil {
		return err
	}
	defer func() {
		if err := telemetry.Close(); err != nil {
			applog.Warnf("Train: closing telemetry: %v", err)
		}
	}()

	t := cfg.Training
	trainer, err := training.NewTrainer(training.Options{
		Folds:   t.Folds,
		Seed:    t.Seed,
		Weights: t.Weights(),
		Fit: training.FitConfig{
			MaxEpochs:       t.MaxEpochs,
			LearningRate:    t.LearningRate,
			LRFactor:        t.LRFactor,
			LRPatience:      t.LRPatience,
			MinLearningRate: t.MinLearningRate,
			ESPatience:      t.ESPatience,
		},
	}, model.NewFactory(model.Config{Layers: cfg.Layers(), BatchSize: t.BatchSize, Seed: t.Seed}), store)
	if err != nil {
		return err
	}
	trainer.WithTelemetry(telemetry)

	res, runErr := trainer.Run(ctx, data)
	if res != nil && t.ReportFile != "" {
		if err := res.Report.WriteFile(t.ReportFile); err != nil {
			applog.Errorf("Train: %v", err)
		} else {
			applog.Infof("Train: report written to %s", t.ReportFile)
		}
	}
	if runErr != nil {
		return runErr
	}

	if res.Report.TestMSE != nil {
		applog.Infof("Train: done in %s, %d/%d folds in ensemble, test MSE %.6g",
			applog.Since(start), res.Report.IncludedFolds, t.Folds, *res.Report.TestMSE)
	} else {
		applog.Infof("Train: done in %s, %d/%d folds in ensemble", applog.Since(start), res.Report.IncludedFolds, t.Folds)
	}
	return nil
}

// loadCorpus windows the train and test files, with a progress bar on the
// terminal when showBar is set. testDS is nil when there are no test files.
func loadCorpus(trainFiles, testFiles []string, width int, showBar bool) (trainDS, testDS *dataset.Dataset, err error) {
	builder := dataset.NewBuilder(width)

	var p *mpb.Progress
	if showBar {
		p = mpb.New(mpb.WithWidth(64))
		bar := p.AddBar(int64(len(trainFiles)+len(testFiles)),
			mpb.PrependDecorators(
				decor.Name("Loading corpus: "),
				decor.CountersNoUnit("%d / %d"),
			),
			mpb.AppendDecorators(
				decor.Percentage(),
				decor.EwmaETA(decor.ET_STYLE_GO, 60),
			),
		)
		last := time.Now()
		builder.Progress = func(string, int) {
			bar.EwmaIncrement(time.Since(last))
			last = time.Now()
		}
		defer func() {
			if err != nil {
				bar.Abort(false)
			}
			p.Wait()
		}()
	} else {
		builder.Progress = func(path string, chunks int) {
			applog.Debugf("Train: %s -> %d chunks", filepath.Base(path), chunks)
		}
	}

	if trainDS, err = builder.Build(trainFiles); err != nil {
		return nil, nil, err
	}
	if len(testFiles) > 0 {
		if testDS, err = builder.Build(testFiles); err != nil {
			return nil, nil, err
		}
	}
	return trainDS, testDS, nil
}

// newTelemetry fans training events out to the log and, when configured,
// a WebSocket server and a UDP target.
func newTelemetry(cfg config.TelemetryConfig) (transport.Fanout, error) {
	sinks := transport.Fanout{transport.NewLoggingTransport()}
	if cfg.WebSocketAddr != "" {
		sinks = append(sinks, transport.NewWebSocketTransport(cfg.WebSocketAddr))
	}
	if cfg.UDPTarget != "" {
		sender, err := udp.NewUDPSender(cfg.UDPTarget)
		if err != nil {
			return nil, multierror.Append(err, sinks.Close()).ErrorOrNil()
		}
		pub, err := udp.NewUDPPublisher(udpInterval, sender)
		if err != nil {
			return nil, multierror.Append(err, sender.Close(), sinks.Close()).ErrorOrNil()
		}
		pub.Start()
		sinks = append(sinks, pub)
	}
	return sinks, nil
}
