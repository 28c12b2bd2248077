// SPDX-License-Identifier: MIT
package training

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"math"
	"path/filepath"
	"sort"
	"testing"

	"denoiser/internal/dataset"
	"denoiser/internal/model"
	"denoiser/internal/noise"
	"denoiser/internal/pcm"
	"denoiser/internal/storage"
	"denoiser/internal/transport"
	"denoiser/pkg/utils"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

// scripted is a Transform whose losses follow a script. Its parameters are
// the number of epochs trained; Predict fills with fill, or with the
// restored epoch when fill is zero.
type scripted struct {
	train []float64
	val   []float64
	fill  float64

	epoch    int
	loaded   int
	restored bool
	lrs      []float64
}

func (s *scripted) TrainEpoch(_ context.Context, _, _ *mat.Dense, lr float64) (float64, error) {
	s.epoch++
	s.restored = false
	s.lrs = append(s.lrs, lr)
	if s.epoch <= len(s.train) {
		return s.train[s.epoch-1], nil
	}
	return 0.1, nil
}

func (s *scripted) Loss(context.Context, *mat.Dense, *mat.Dense) (float64, error) {
	idx := s.epoch
	if s.restored {
		idx = s.loaded
	}
	return s.val[min(idx, len(s.val))-1], nil
}

func (s *scripted) Predict(_ context.Context, x *mat.Dense) (*mat.Dense, error) {
	r, c := x.Dims()
	v := s.fill
	if v == 0 {
		v = float64(s.loaded)
	}
	out := mat.NewDense(r, c, nil)
	out.Apply(func(_, _ int, _ float64) float64 { return v }, out)
	return out, nil
}

func (s *scripted) Save(w io.Writer) error {
	return binary.Write(w, binary.LittleEndian, int64(s.epoch))
}

func (s *scripted) Load(r io.Reader) error {
	var e int64
	if err := binary.Read(r, binary.LittleEndian, &e); err != nil {
		return err
	}
	s.loaded, s.restored = int(e), true
	return nil
}

var _ model.Transform = (*scripted)(nil)

func fitConfig() FitConfig {
	return FitConfig{MaxEpochs: 100, LearningRate: 1, LRFactor: 0.5, LRPatience: 2, MinLearningRate: 0.3, ESPatience: 3}
}

func runFit(t *testing.T, s *scripted, cfg FitConfig) (FitResult, []int, []EpochStats, error) {
	t.Helper()
	var saved []int
	var seen []EpochStats
	save := func(_ context.Context, m model.Transform) error {
		saved = append(saved, m.(*scripted).epoch)
		return nil
	}
	res, err := Fit(context.Background(), s, Pair{}, Pair{}, cfg, save, func(e EpochStats) { seen = append(seen, e) })
	return res, saved, seen, err
}

func TestKFoldPartition(t *testing.T) {
	folds, err := KFold{Splits: 3, Shuffle: true, Seed: 8080}.Split(10)
	require.NoError(t, err)
	require.Len(t, folds, 3)

	var all []int
	for i, f := range folds {
		assert.Len(t, f.Val, []int{4, 3, 3}[i], "leading folds take the remainder")
		assert.Len(t, f.Train, 10-len(f.Val))
		assert.True(t, sort.IntsAreSorted(f.Val))
		assert.True(t, sort.IntsAreSorted(f.Train))

		inVal := map[int]bool{}
		for _, v := range f.Val {
			inVal[v] = true
		}
		for _, tr := range f.Train {
			assert.False(t, inVal[tr], "index %d in both sets of fold %d", tr, i)
		}
		all = append(all, f.Val...)
	}
	sort.Ints(all)
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, all)
}

func TestKFoldDeterminism(t *testing.T) {
	a, _ := KFold{Splits: 4, Shuffle: true, Seed: 1}.Split(40)
	b, _ := KFold{Splits: 4, Shuffle: true, Seed: 1}.Split(40)
	c, _ := KFold{Splits: 4, Shuffle: true, Seed: 2}.Split(40)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)

	plain, err := KFold{Splits: 3}.Split(7)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2}, plain[0].Val)
	assert.Equal(t, []int{3, 4}, plain[1].Val)
	assert.Equal(t, []int{0, 1, 2, 5, 6}, plain[2].Train)
}

func TestKFoldErrors(t *testing.T) {
	_, err := KFold{Splits: 1}.Split(10)
	assert.Error(t, err)
	_, err = KFold{Splits: 5}.Split(4)
	assert.Error(t, err)
}

func TestFitPlateauThenEarlyStop(t *testing.T) {
	s := &scripted{val: []float64{1.0, 0.9, 0.95, 0.95, 0.95}}
	res, saved, seen, err := runFit(t, s, fitConfig())
	require.NoError(t, err)

	assert.Equal(t, StopEarly, res.Stop)
	assert.Equal(t, 5, res.Epochs)
	assert.Equal(t, 2, res.BestEpoch)
	assert.Equal(t, 0.9, res.BestValLoss)
	assert.Equal(t, []int{1, 2}, saved)
	assert.Equal(t, []float64{1, 1, 1, 1, 0.5}, s.lrs)
	assert.Equal(t, 0.5, res.FinalLR)
	require.Len(t, seen, 5)
	assert.True(t, seen[1].Improved)
	assert.False(t, seen[2].Improved)
}

func TestFitImprovementResetsBothCounters(t *testing.T) {
	s := &scripted{val: []float64{1, 2, 2, 0.5, 2, 2, 2}}
	res, saved, _, err := runFit(t, s, fitConfig())
	require.NoError(t, err)

	assert.Equal(t, StopEarly, res.Stop)
	assert.Equal(t, 7, res.Epochs)
	assert.Equal(t, 4, res.BestEpoch)
	assert.Equal(t, []int{1, 4}, saved)
	// Reduced after epochs 3 and 6, floored at 0.3.
	assert.Equal(t, []float64{1, 1, 1, 0.5, 0.5, 0.5, 0.3}, s.lrs)
}

func TestFitEqualLossIsNotImprovement(t *testing.T) {
	cfg := fitConfig()
	cfg.ESPatience = 2
	res, saved, _, err := runFit(t, &scripted{val: []float64{1, 1, 1}}, cfg)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Epochs)
	assert.Equal(t, 1, res.BestEpoch)
	assert.Equal(t, []int{1}, saved)
}

func TestFitMaxEpochs(t *testing.T) {
	cfg := fitConfig()
	cfg.MaxEpochs = 4
	res, saved, _, err := runFit(t, &scripted{val: []float64{5, 4, 3, 2, 1}}, cfg)
	require.NoError(t, err)
	assert.Equal(t, StopMaxEpochs, res.Stop)
	assert.Equal(t, 4, res.Epochs)
	assert.Equal(t, []int{1, 2, 3, 4}, saved)
}

func TestFitDivergence(t *testing.T) {
	tests := []struct {
		name string
		s    *scripted
	}{
		{"NaN validation", &scripted{val: []float64{1, math.NaN()}}},
		{"Inf training", &scripted{train: []float64{0.1, math.Inf(1)}, val: []float64{1, 0.5}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, saved, _, err := runFit(t, tt.s, fitConfig())
			assert.ErrorIs(t, err, ErrDiverged)
			assert.Equal(t, StopDiverged, res.Stop)
			assert.Equal(t, 2, res.Epochs)
			assert.Equal(t, []int{1}, saved)
		})
	}
}

func TestFitCheckpointErrorAndCancel(t *testing.T) {
	save := func(context.Context, model.Transform) error { return errors.New("disk full") }
	_, err := Fit(context.Background(), &scripted{val: []float64{1}}, Pair{}, Pair{}, fitConfig(), save, nil)
	assert.ErrorContains(t, err, "disk full")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Fit(ctx, &scripted{val: []float64{1}}, Pair{}, Pair{}, fitConfig(), nil, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func testData(rows, testRows, width int) Data {
	fill := func(r int) *mat.Dense {
		m := mat.NewDense(r, width, nil)
		m.Apply(func(i, j int, _ float64) float64 { return float64(i*width+j) / 1000 }, m)
		return m
	}
	return Data{
		Train: Pair{X: fill(rows), Y: fill(rows)},
		Test:  Pair{X: fill(testRows), Y: fill(testRows)},
	}
}

func TestTrainerExcludesDivergedFolds(t *testing.T) {
	scripts := map[int]*scripted{
		0: {fill: 1, val: []float64{1, 0.5}},
		1: {fill: 2, val: []float64{1, 0.5}},
		2: {fill: 100, val: []float64{1, math.NaN()}},
		3: {fill: 4, val: []float64{1, 0.5}},
		4: {fill: 5, val: []float64{1, 0.5}},
	}
	factory := func(fold int) (model.Transform, error) { return scripts[fold], nil }
	store := storage.NewLocalStore(t.TempDir())
	sink := &utils.MockTransport{}

	cfg := fitConfig()
	cfg.ESPatience = 2
	tr, err := NewTrainer(Options{Folds: 5, Seed: 8080, Fit: cfg}, factory, store)
	require.NoError(t, err)
	tr.WithTelemetry(sink)

	res, err := tr.Run(context.Background(), testData(20, 3, 4))
	require.NoError(t, err)

	// Mean of the included folds' constant predictions: (1+2+4+5)/4.
	for _, v := range res.Predictions.RawMatrix().Data {
		assert.InDelta(t, 3.0, v, 1e-12)
	}

	rep := res.Report
	assert.Equal(t, 4, rep.IncludedFolds)
	require.Len(t, rep.Folds, 5)
	assert.True(t, rep.Folds[2].Diverged)
	assert.Equal(t, StopDiverged, rep.Folds[2].Stop)
	assert.Equal(t, 0.5, rep.Folds[0].ValLoss)
	assert.Equal(t, 2, rep.Folds[0].BestEpoch)
	require.NotNil(t, rep.TestMSE)

	keys, err := store.List(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"fold-1.bin", "fold-2.bin", "fold-3.bin", "fold-4.bin", "fold-5.bin", "manifest.yaml"}, keys)

	manifest := readManifest(t, store)
	var listed []int
	for _, f := range manifest.Ensemble() {
		listed = append(listed, f.Fold)
		data := readKey(t, store, f.Checkpoint)
		assert.Equal(t, storage.Checksum(data), f.SHA256, "fold %d checksum", f.Fold)
		assert.Equal(t, 0.2, f.Weight)
	}
	assert.Equal(t, []int{1, 2, 4, 5}, listed, "diverged fold is left out of the manifest")
	assert.Empty(t, manifest.Folds[2].SHA256)

	var folds, epochs int
	for _, e := range sink.Events() {
		switch e.(type) {
		case transport.FoldEvent:
			folds++
		case transport.EpochEvent:
			epochs++
		}
	}
	assert.Equal(t, 5, folds)
	assert.Greater(t, epochs, 5)
}

func readKey(t *testing.T, store storage.CheckpointStore, key string) []byte {
	t.Helper()
	rc, err := store.Open(context.Background(), key)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return data
}

func readManifest(t *testing.T, store storage.CheckpointStore) *Report {
	t.Helper()
	r, err := ParseReport(readKey(t, store, storage.ManifestKey))
	require.NoError(t, err)
	return r
}

func TestTrainerRestoresBestCheckpoint(t *testing.T) {
	factory := func(int) (model.Transform, error) {
		return &scripted{val: []float64{3, 1, 2, 2}}, nil
	}
	cfg := fitConfig()
	cfg.ESPatience = 2
	tr, err := NewTrainer(Options{Folds: 2, Fit: cfg}, factory, storage.NewLocalStore(t.TempDir()))
	require.NoError(t, err)

	res, err := tr.Run(context.Background(), testData(6, 2, 3))
	require.NoError(t, err)

	for _, f := range res.Report.Folds {
		assert.Equal(t, 4, f.Epochs)
		assert.Equal(t, 2, f.BestEpoch)
		assert.Equal(t, 1.0, f.ValLoss, "validation loss is measured on the restored weights")
	}
	// Predictions come from the epoch-2 parameters.
	assert.Equal(t, 2.0, res.Predictions.At(1, 2))
}

func TestTrainerAllDiverged(t *testing.T) {
	factory := func(int) (model.Transform, error) {
		return &scripted{val: []float64{math.Inf(1)}}, nil
	}
	store := storage.NewLocalStore(t.TempDir())
	tr, err := NewTrainer(Options{Folds: 2, Fit: fitConfig()}, factory, store)
	require.NoError(t, err)

	res, err := tr.Run(context.Background(), testData(4, 1, 2))
	assert.ErrorIs(t, err, ErrNoUsableFolds)
	require.NotNil(t, res)
	assert.Zero(t, res.Report.IncludedFolds)
	assert.False(t, store.Exists(context.Background(), storage.ManifestKey), "nothing is published")
}

func TestTrainerWithoutTestSet(t *testing.T) {
	factory := func(int) (model.Transform, error) { return &scripted{fill: 1, val: []float64{1}}, nil }
	cfg := fitConfig()
	cfg.MaxEpochs = 1
	tr, err := NewTrainer(Options{Folds: 2, Fit: cfg}, factory, storage.NewLocalStore(t.TempDir()))
	require.NoError(t, err)

	data := testData(4, 1, 2)
	data.Test = Pair{}
	res, err := tr.Run(context.Background(), data)
	require.NoError(t, err)
	assert.Nil(t, res.Predictions)
	assert.Nil(t, res.Report.TestMSE)
}

func TestNewTrainerValidation(t *testing.T) {
	factory := func(int) (model.Transform, error) { return &scripted{}, nil }
	store := storage.NewLocalStore(t.TempDir())

	_, err := NewTrainer(Options{Folds: 1, Fit: fitConfig()}, factory, store)
	assert.Error(t, err)
	_, err = NewTrainer(Options{Folds: 3, Weights: []float64{1, 1}, Fit: fitConfig()}, factory, store)
	assert.Error(t, err)
	_, err = NewTrainer(Options{Folds: 2, Fit: FitConfig{}}, factory, store)
	assert.Error(t, err)
	_, err = NewTrainer(Options{Folds: 2, Fit: fitConfig()}, nil, store)
	assert.Error(t, err)
}

func TestTrainerWithAutoEncoder(t *testing.T) {
	ds := &dataset.Dataset{}
	wave := utils.GenerateComplexWave(16*40, 16000)
	for _, c := range pcm.Window(wave, 16) {
		ds.Chunks = append(ds.Chunks, c)
		ds.Rates = append(ds.Rates, 16000)
	}
	inj, err := noise.NewInjector(0, 500, 1)
	require.NoError(t, err)
	pair, dropped, err := Prepare(ds, inj, pcm.MustScaler(16), 16)
	require.NoError(t, err)
	assert.Zero(t, dropped)

	test := Pair{X: mat.DenseCopyOf(pair.X.Slice(0, 5, 0, 16)), Y: mat.DenseCopyOf(pair.Y.Slice(0, 5, 0, 16))}
	factory := model.NewFactory(model.Config{Layers: []int{16, 8, 16}, BatchSize: 8, Seed: 1})
	cfg := FitConfig{MaxEpochs: 3, LearningRate: 0.001, LRFactor: 0.5, LRPatience: 5, ESPatience: 25}
	tr, err := NewTrainer(Options{Folds: 2, Seed: 1, Fit: cfg}, factory, storage.NewLocalStore(t.TempDir()))
	require.NoError(t, err)

	res, err := tr.Run(context.Background(), Data{Train: pair, Test: test})
	require.NoError(t, err)
	r, c := res.Predictions.Dims()
	assert.Equal(t, 5, r)
	assert.Equal(t, 16, c)
	assert.Equal(t, 2, res.Report.IncludedFolds)
}

func TestPrepare(t *testing.T) {
	ds := &dataset.Dataset{
		Chunks: [][]int16{{0, 100, -100, 32767}, {1, 2, 3}, {-32768, 0, 0, 0}},
		Rates:  []int{8000, 8000, 8000},
	}
	inj, err := noise.NewInjector(0, 0, 1)
	require.NoError(t, err)

	pair, dropped, err := Prepare(ds, inj, pcm.MustScaler(16), 4)
	require.NoError(t, err)
	assert.Equal(t, 1, dropped)
	assert.Equal(t, 2, pair.Rows())
	assert.True(t, mat.Equal(pair.X, pair.Y), "zero noise leaves X == Y")
	assert.Equal(t, 0.5, pair.Y.At(0, 0))
	assert.Equal(t, 0.0, pair.Y.At(1, 0))

	_, _, err = Prepare(&dataset.Dataset{Chunks: [][]int16{{1}}, Rates: []int{1}}, inj, pcm.MustScaler(16), 4)
	assert.Error(t, err)
}

func TestReportRoundTrip(t *testing.T) {
	mse := 0.0125
	r := &Report{
		Duration:      "1.5s",
		TrainRows:     100,
		TestRows:      10,
		IncludedFolds: 1,
		TestMSE:       &mse,
		Folds: []FoldReport{
			{Fold: 1, Weight: 0.5, Epochs: 30, BestEpoch: 5, ValLoss: 0.01, Stop: StopEarly},
			{Fold: 2, Weight: 0.5, Epochs: 2, Stop: StopDiverged, Diverged: true},
		},
	}
	path := filepath.Join(t.TempDir(), "report.yaml")
	require.NoError(t, r.WriteFile(path))

	got, err := ReadReport(path)
	require.NoError(t, err)
	assert.Equal(t, r.Folds, got.Folds)
	assert.Equal(t, mse, *got.TestMSE)

	_, err = ReadReport(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
