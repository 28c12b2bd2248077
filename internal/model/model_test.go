// SPDX-License-Identifier: MIT
package model

import (
	"bytes"
	"context"
	"errors"
	"math/rand/v2"
	"testing"

	"denoiser/internal/pcm"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

// constPredictor returns a matrix filled with v.
type constPredictor float64

func (c constPredictor) Predict(_ context.Context, x *mat.Dense) (*mat.Dense, error) {
	r, cols := x.Dims()
	out := mat.NewDense(r, cols, nil)
	out.Apply(func(_, _ int, _ float64) float64 { return float64(c) }, out)
	return out, nil
}

type failingPredictor struct{}

func (failingPredictor) Predict(context.Context, *mat.Dense) (*mat.Dense, error) {
	return nil, errors.New("boom")
}

type widePredictor struct{}

func (widePredictor) Predict(_ context.Context, x *mat.Dense) (*mat.Dense, error) {
	r, c := x.Dims()
	return mat.NewDense(r, c+1, nil), nil
}

func TestIdentityCopies(t *testing.T) {
	x := mat.NewDense(2, 2, []float64{1, 2, 3, 4})
	got, err := Identity{}.Predict(context.Background(), x)
	require.NoError(t, err)
	assert.True(t, mat.Equal(x, got))

	got.Set(0, 0, 99)
	assert.Equal(t, 1.0, x.At(0, 0))
}

func TestAccumulatorEqualWeightsIsMean(t *testing.T) {
	const k = 4
	var acc Accumulator
	preds := make([]*mat.Dense, k)
	for i := range preds {
		preds[i] = mat.NewDense(2, 3, []float64{
			float64(i), float64(2 * i), 1,
			-float64(i), 0.5, float64(i * i),
		})
		require.NoError(t, acc.Add(preds[i], 1.0/k))
	}

	got, err := acc.Result()
	require.NoError(t, err)
	want := mat.NewDense(2, 3, []float64{1.5, 3, 1, -1.5, 0.5, 3.5})
	assert.True(t, mat.EqualApprox(want, got, 1e-12), "got %v", mat.Formatted(got))
	assert.Equal(t, k, acc.Count())
	assert.InDelta(t, 1.0, acc.Weight(), 1e-12)
}

func TestAccumulatorRenormalises(t *testing.T) {
	var acc Accumulator
	require.NoError(t, acc.Add(mat.NewDense(1, 2, []float64{2, 4}), 0.1))
	require.NoError(t, acc.Add(mat.NewDense(1, 2, []float64{4, 8}), 0.1))

	got, err := acc.Result()
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{3, 6}, got.RawRowView(0), 1e-12)
}

func TestAccumulatorErrors(t *testing.T) {
	var acc Accumulator
	_, err := acc.Result()
	assert.ErrorIs(t, err, ErrEmptyEnsemble)

	require.NoError(t, acc.Add(mat.NewDense(1, 2, nil), 0))
	_, err = acc.Result()
	assert.ErrorIs(t, err, ErrEmptyEnsemble)

	assert.ErrorIs(t, acc.Add(mat.NewDense(2, 2, nil), 1), pcm.ErrShapeMismatch)
	assert.Error(t, acc.Add(mat.NewDense(1, 2, nil), -1))
}

func TestEnsemble(t *testing.T) {
	ctx := context.Background()
	x := mat.NewDense(3, 2, nil)

	e, err := NewEnsemble(
		Member{Predictor: constPredictor(1), Weight: 1},
		Member{Predictor: constPredictor(4), Weight: 2},
		Member{Predictor: failingPredictor{}, Weight: 0},
	)
	require.NoError(t, err)
	assert.Equal(t, 3, e.Size())

	got, err := e.Predict(ctx, x)
	require.NoError(t, err)
	assert.InDelta(t, 3.0, got.At(2, 1), 1e-12)

	_, err = NewEnsemble()
	assert.ErrorIs(t, err, ErrEmptyEnsemble)
	_, err = NewEnsemble(Member{Predictor: nil, Weight: 1})
	assert.Error(t, err)

	e, _ = NewEnsemble(Member{Predictor: failingPredictor{}, Weight: 1})
	_, err = e.Predict(ctx, x)
	assert.ErrorContains(t, err, "boom")

	e, _ = NewEnsemble(Member{Predictor: widePredictor{}, Weight: 1})
	_, err = e.Predict(ctx, x)
	assert.ErrorIs(t, err, pcm.ErrShapeMismatch)
}

func smallConfig() Config {
	return Config{Layers: []int{8, 6, 4, 6, 8}, BatchSize: 16, Seed: 3}
}

func randomBatch(rows, cols int, seed uint64) *mat.Dense {
	rng := rand.New(rand.NewPCG(seed, seed))
	data := make([]float64, rows*cols)
	for i := range data {
		data[i] = 0.25 + 0.5*rng.Float64()
	}
	return mat.NewDense(rows, cols, data)
}

func TestNewAutoEncoderValidates(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"too few layers", Config{Layers: []int{8}, BatchSize: 1}},
		{"zero width", Config{Layers: []int{8, 0, 8}, BatchSize: 1}},
		{"in != out", Config{Layers: []int{8, 4, 6}, BatchSize: 1}},
		{"zero batch", Config{Layers: []int{8, 4, 8}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewAutoEncoder(tt.cfg)
			assert.Error(t, err)
		})
	}
}

func TestAutoEncoderPredictShape(t *testing.T) {
	ae, err := NewAutoEncoder(smallConfig())
	require.NoError(t, err)
	assert.Equal(t, []int{8, 6, 4, 6, 8}, ae.Layers())

	x := randomBatch(37, 8, 1)
	p, err := ae.Predict(context.Background(), x)
	require.NoError(t, err)
	r, c := p.Dims()
	assert.Equal(t, 37, r)
	assert.Equal(t, 8, c)
	for _, v := range p.RawMatrix().Data {
		assert.True(t, v > 0 && v < 1, "sigmoid output %g out of range", v)
	}

	_, err = ae.Predict(context.Background(), randomBatch(2, 7, 1))
	assert.Error(t, err)
}

func TestAutoEncoderLearns(t *testing.T) {
	ctx := context.Background()
	ae, err := NewAutoEncoder(smallConfig())
	require.NoError(t, err)

	// Targets centred well away from the untrained sigmoid midpoint.
	x := randomBatch(64, 8, 2)
	x.Apply(func(_, _ int, v float64) float64 { return 0.6 + 0.4*v }, x)
	before, err := ae.Loss(ctx, x, x)
	require.NoError(t, err)

	var last float64
	for range 200 {
		last, err = ae.TrainEpoch(ctx, x, x, 0.01)
		require.NoError(t, err)
	}
	after, err := ae.Loss(ctx, x, x)
	require.NoError(t, err)

	assert.Less(t, after, before/2, "loss %g -> %g", before, after)
	assert.Less(t, last, before)
}

func TestAutoEncoderTrainEpochErrors(t *testing.T) {
	ae, err := NewAutoEncoder(smallConfig())
	require.NoError(t, err)

	_, err = ae.TrainEpoch(context.Background(), randomBatch(4, 8, 1), randomBatch(3, 8, 1), 0.01)
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = ae.TrainEpoch(ctx, randomBatch(4, 8, 1), randomBatch(4, 8, 1), 0.01)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestAutoEncoderSaveLoad(t *testing.T) {
	ctx := context.Background()
	a, err := NewAutoEncoder(smallConfig())
	require.NoError(t, err)
	x := randomBatch(20, 8, 4)
	_, err = a.TrainEpoch(ctx, x, x, 0.01)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, a.Save(&buf))

	cfg := smallConfig()
	cfg.Seed = 99
	b, err := NewAutoEncoder(cfg)
	require.NoError(t, err)
	require.NoError(t, b.Load(bytes.NewReader(buf.Bytes())))

	pa, err := a.Predict(ctx, x)
	require.NoError(t, err)
	pb, err := b.Predict(ctx, x)
	require.NoError(t, err)
	assert.True(t, mat.Equal(pa, pb))
}

func TestAutoEncoderLoadRejects(t *testing.T) {
	a, _ := NewAutoEncoder(smallConfig())
	var buf bytes.Buffer
	require.NoError(t, a.Save(&buf))

	other, _ := NewAutoEncoder(Config{Layers: []int{8, 5, 8}, BatchSize: 4})
	assert.ErrorIs(t, other.Load(bytes.NewReader(buf.Bytes())), ErrCheckpoint)

	assert.ErrorIs(t, a.Load(bytes.NewReader([]byte("nope"))), ErrCheckpoint)
	assert.ErrorIs(t, a.Load(bytes.NewReader(buf.Bytes()[:buf.Len()-3])), ErrCheckpoint)

	// A failed load leaves the parameters untouched.
	x := randomBatch(3, 8, 5)
	before, _ := a.Predict(context.Background(), x)
	_ = a.Load(bytes.NewReader(buf.Bytes()[:buf.Len()-3]))
	after, _ := a.Predict(context.Background(), x)
	assert.True(t, mat.Equal(before, after))
}

func TestFactorySeedsPerFold(t *testing.T) {
	f := NewFactory(smallConfig())
	a, err := f(0)
	require.NoError(t, err)
	b, err := f(1)
	require.NoError(t, err)

	x := randomBatch(2, 8, 6)
	pa, _ := a.Predict(context.Background(), x)
	pb, _ := b.Predict(context.Background(), x)
	assert.False(t, mat.Equal(pa, pb))
}

func TestMSE(t *testing.T) {
	got, err := MSE(mat.NewDense(1, 2, []float64{1, 3}), mat.NewDense(1, 2, []float64{0, 1}))
	require.NoError(t, err)
	assert.Equal(t, 2.5, got)

	_, err = MSE(mat.NewDense(1, 2, nil), mat.NewDense(2, 1, nil))
	assert.Error(t, err)
}

func BenchmarkAutoEncoderTrainEpoch(b *testing.B) {
	ae, _ := NewAutoEncoder(Config{Layers: []int{320, 240, 160, 240, 320}, BatchSize: 256, Seed: 1})
	x := randomBatch(1024, 320, 1)
	ctx := context.Background()

	b.ReportAllocs()
	for b.Loop() {
		_, _ = ae.TrainEpoch(ctx, x, x, 0.001)
	}
}
