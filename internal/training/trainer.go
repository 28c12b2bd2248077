// SPDX-License-Identifier: MIT
/*
Package training fits one fresh transform per cross-validation fold and
combines the folds' test-set predictions into a weighted ensemble.

Folds run sequentially and share nothing but the read-only scaled data.
Each fold checkpoints on strict validation improvement and is restored
from its best checkpoint before it predicts. A fold whose loss goes
non-finite is reported as diverged and left out of the ensemble; the
remaining weights are renormalised.
*/
package training

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"denoiser/internal/dataset"
	applog "denoiser/internal/log"
	"denoiser/internal/metrics"
	"denoiser/internal/model"
	"denoiser/internal/noise"
	"denoiser/internal/pcm"
	"denoiser/internal/storage"
	"denoiser/internal/transport"

	"gonum.org/v1/gonum/mat"
)

// ErrNoUsableFolds reports a run in which every fold diverged.
var ErrNoUsableFolds = errors.New("training: no usable folds")

// CheckpointStore is the subset of storage.CheckpointStore the trainer needs.
type CheckpointStore interface {
	Save(ctx context.Context, key string, data []byte) error
	Open(ctx context.Context, key string) (io.ReadCloser, error)
}

// Options configures a Trainer.
type Options struct {
	Folds   int
	Seed    uint64
	Weights []float64 // One per fold; empty means 1/Folds each.
	Fit     FitConfig
}

// Data is the scaled training corpus and held-out test set.
type Data struct {
	Train Pair
	Test  Pair
}

// Result is the outcome of a training run.
type Result struct {
	Report *Report
	// Predictions is the weighted ensemble prediction for Data.Test.X, or
	// nil when there is no test set.
	Predictions *mat.Dense
}

// Trainer runs K-fold cross-validated training.
type Trainer struct {
	opts    Options
	factory model.Factory
	store   CheckpointStore
	sink    transport.Transport
}

// NewTrainer validates opts and returns a Trainer.
func NewTrainer(opts Options, factory model.Factory, store CheckpointStore) (*Trainer, error) {
	if factory == nil || store == nil {
		return nil, fmt.Errorf("training: factory and store are required")
	}
	if opts.Folds < 2 {
		return nil, fmt.Errorf("training: need at least 2 folds, got %d", opts.Folds)
	}
	if len(opts.Weights) == 0 {
		opts.Weights = make([]float64, opts.Folds)
		for i := range opts.Weights {
			opts.Weights[i] = 1 / float64(opts.Folds)
		}
	}
	if len(opts.Weights) != opts.Folds {
		return nil, fmt.Errorf("training: %d fold weights for %d folds", len(opts.Weights), opts.Folds)
	}
	if opts.Fit.MaxEpochs <= 0 {
		return nil, fmt.Errorf("training: max epochs must be positive")
	}
	return &Trainer{opts: opts, factory: factory, store: store}, nil
}

// WithTelemetry sends epoch and fold events to sink.
func (t *Trainer) WithTelemetry(sink transport.Transport) *Trainer {
	t.sink = sink
	return t
}

func (t *Trainer) emit(event any) {
	if t.sink == nil {
		return
	}
	if err := t.sink.Send(event); err != nil {
		applog.Debugf("Trainer: telemetry: %v", err)
	}
}

// Run trains every fold in order and returns the ensemble prediction for
// the test set together with a report.
func (t *Trainer) Run(ctx context.Context, data Data) (*Result, error) {
	start := time.Now()
	folds, err := KFold{Splits: t.opts.Folds, Shuffle: true, Seed: t.opts.Seed}.Split(data.Train.Rows())
	if err != nil {
		return nil, err
	}

	report := &Report{
		StartedAt: start.UTC(),
		TrainRows: data.Train.Rows(),
		TestRows:  data.Test.Rows(),
	}
	var acc model.Accumulator
	included := 0

	for i, fold := range folds {
		applog.Infof("Trainer: fold %d/%d (%d train, %d validation rows)",
			i+1, len(folds), len(fold.Train), len(fold.Val))

		fr, pred, err := t.runFold(ctx, i, fold, data)
		report.Folds = append(report.Folds, fr)
		t.emit(transport.FoldEvent{
			Type:      transport.TypeFold,
			Fold:      i + 1,
			Epochs:    fr.Epochs,
			BestEpoch: fr.BestEpoch,
			ValLoss:   fr.ValLoss,
			Stop:      string(fr.Stop),
			Diverged:  fr.Diverged,
			Time:      time.Now(),
		})

		if errors.Is(err, ErrDiverged) {
			applog.Warnf("Trainer: fold %d excluded from ensemble: %v", i+1, err)
			metrics.TrainingFoldsTotal.WithLabelValues("diverged").Inc()
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("fold %d: %w", i+1, err)
		}

		metrics.TrainingFoldsTotal.WithLabelValues("included").Inc()
		metrics.TrainingValLoss.WithLabelValues(metrics.FoldLabel(i)).Set(fr.ValLoss)
		included++
		if pred != nil {
			if err := acc.Add(pred, t.opts.Weights[i]); err != nil {
				return nil, fmt.Errorf("fold %d: %w", i+1, err)
			}
		}
	}

	report.IncludedFolds = included
	report.Duration = time.Since(start).Round(time.Millisecond).String()
	if included == 0 {
		return &Result{Report: report}, ErrNoUsableFolds
	}

	res := &Result{Report: report}
	if data.Test.Rows() > 0 {
		preds, err := acc.Result()
		if err != nil {
			return res, fmt.Errorf("%w: %v", ErrNoUsableFolds, err)
		}
		mse, err := model.MSE(preds, data.Test.Y)
		if err != nil {
			return res, err
		}
		report.TestMSE = &mse
		res.Predictions = preds
		applog.Infof("Trainer: ensemble of %d folds, test MSE %.6g", included, mse)
	}

	if err := t.publish(ctx, report); err != nil {
		return res, err
	}
	return res, nil
}

// publish stores the report as the run's manifest. Serving loads exactly
// the folds it lists, so diverged folds and checkpoints left over from
// earlier runs are never picked up.
func (t *Trainer) publish(ctx context.Context, report *Report) error {
	data, err := report.Marshal()
	if err != nil {
		return err
	}
	if err := t.store.Save(ctx, storage.ManifestKey, data); err != nil {
		return fmt.Errorf("publish manifest: %w", err)
	}
	applog.Infof("Trainer: manifest published with %d folds", len(report.Ensemble()))
	return nil
}

// runFold fits a fresh transform on one fold. On divergence the returned
// error wraps ErrDiverged and the report is still filled in.
func (t *Trainer) runFold(ctx context.Context, i int, fold Fold, data Data) (FoldReport, *mat.Dense, error) {
	fr := FoldReport{
		Fold:      i + 1,
		Weight:    t.opts.Weights[i],
		TrainRows: len(fold.Train),
		ValRows:   len(fold.Val),
	}

	tr := Pair{X: gatherRows(data.Train.X, fold.Train), Y: gatherRows(data.Train.Y, fold.Train)}
	va := Pair{X: gatherRows(data.Train.X, fold.Val), Y: gatherRows(data.Train.Y, fold.Val)}

	m, err := t.factory(i)
	if err != nil {
		return fr, nil, fmt.Errorf("build transform: %w", err)
	}

	key := storage.FoldKey(i)
	save := func(ctx context.Context, m model.Transform) error {
		var buf bytes.Buffer
		if err := m.Save(&buf); err != nil {
			return err
		}
		if err := t.store.Save(ctx, key, buf.Bytes()); err != nil {
			return err
		}
		fr.SHA256 = storage.Checksum(buf.Bytes())
		metrics.CheckpointsSavedTotal.Inc()
		return nil
	}
	label := metrics.FoldLabel(i)
	observe := func(s EpochStats) {
		metrics.TrainingEpochsTotal.WithLabelValues(label).Inc()
		metrics.TrainingLearningRate.WithLabelValues(label).Set(s.LearningRate)
		t.emit(transport.EpochEvent{
			Type:         transport.TypeEpoch,
			Fold:         i + 1,
			Epoch:        s.Epoch,
			TrainLoss:    s.TrainLoss,
			ValLoss:      s.ValLoss,
			LearningRate: s.LearningRate,
			Improved:     s.Improved,
			Time:         time.Now(),
		})
	}

	res, err := Fit(ctx, m, tr, va, t.opts.Fit, save, observe)
	fr.Epochs, fr.BestEpoch, fr.FinalLR, fr.Stop = res.Epochs, res.BestEpoch, res.FinalLR, res.Stop
	if errors.Is(err, ErrDiverged) {
		fr.Diverged, fr.SHA256 = true, ""
		return fr, nil, err
	}
	if err != nil {
		return fr, nil, err
	}

	if err := restore(ctx, t.store, key, m); err != nil {
		return fr, nil, err
	}
	fr.Checkpoint = key
	if fr.ValLoss, err = m.Loss(ctx, va.X, va.Y); err != nil {
		return fr, nil, fmt.Errorf("evaluate: %w", err)
	}
	applog.Infof("Trainer: fold %d val_loss %.6g (best epoch %d of %d, %s)",
		i+1, fr.ValLoss, fr.BestEpoch, fr.Epochs, fr.Stop)

	if data.Test.Rows() == 0 {
		return fr, nil, nil
	}
	pred, err := m.Predict(ctx, data.Test.X)
	if err != nil {
		return fr, nil, fmt.Errorf("predict test set: %w", err)
	}
	r, c := data.Test.X.Dims()
	if err := pcm.CheckShape(pred, r, c); err != nil {
		return fr, nil, err
	}
	return fr, pred, nil
}

func restore(ctx context.Context, store CheckpointStore, key string, m model.Transform) error {
	rc, err := store.Open(ctx, key)
	if err != nil {
		return fmt.Errorf("open checkpoint %s: %w", key, err)
	}
	defer rc.Close()
	if err := m.Load(rc); err != nil {
		return fmt.Errorf("restore checkpoint %s: %w", key, err)
	}
	return nil
}

func gatherRows(m *mat.Dense, rows []int) *mat.Dense {
	_, c := m.Dims()
	out := mat.NewDense(len(rows), c, nil)
	for i, r := range rows {
		out.SetRow(i, m.RawRowView(r))
	}
	return out
}

// Prepare builds a scaled training pair from clean chunks: ragged chunks are
// dropped (their count is returned), a noisy copy is drawn with inj, and
// both sides go through scaler. X is noisy, Y is clean.
func Prepare(ds *dataset.Dataset, inj *noise.Injector, scaler pcm.Scaler, width int) (Pair, int, error) {
	uniform, dropped := ds.Uniform(width)
	if uniform.Len() == 0 {
		return Pair{}, dropped, fmt.Errorf("training: no %d-sample chunks", width)
	}
	clean, err := pcm.Batch(uniform.Chunks, width)
	if err != nil {
		return Pair{}, dropped, err
	}
	noisy, err := pcm.Batch(inj.Inject(uniform.Chunks), width)
	if err != nil {
		return Pair{}, dropped, err
	}
	return Pair{X: scaler.TransformDense(noisy), Y: scaler.TransformDense(clean)}, dropped, nil
}
