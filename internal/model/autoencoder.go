// SPDX-License-Identifier: MIT
package model

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Adam defaults, matching the usual Keras settings.
const (
	adamBeta1   = 0.9
	adamBeta2   = 0.999
	adamEpsilon = 1e-7
)

// Config shapes an AutoEncoder.
type Config struct {
	// Layers lists every layer width including input and output, e.g.
	// [320, 240, 160, 240, 320]. Input and output widths must match.
	Layers    []int
	BatchSize int
	Seed      uint64
}

func (c Config) validate() error {
	if len(c.Layers) < 2 {
		return fmt.Errorf("model: need at least 2 layers, got %d", len(c.Layers))
	}
	for i, n := range c.Layers {
		if n <= 0 {
			return fmt.Errorf("model: layer %d has width %d", i, n)
		}
	}
	if c.Layers[0] != c.Layers[len(c.Layers)-1] {
		return fmt.Errorf("model: input width %d != output width %d", c.Layers[0], c.Layers[len(c.Layers)-1])
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("model: batch size must be positive, got %d", c.BatchSize)
	}
	return nil
}

// dense is one fully connected layer with its Adam moments.
type dense struct {
	w *mat.Dense    // in x out
	b *mat.VecDense // out

	mw, vw *mat.Dense
	mb, vb *mat.VecDense
}

// AutoEncoder is a fully connected compress/reconstruct network: ReLU on
// hidden layers, sigmoid on the output so predictions stay in the scaled
// [0, 1) range. It is trained with Adam on mean squared error.
//
// Predict and Loss only read parameters and are safe to call concurrently;
// TrainEpoch and Load are not.
type AutoEncoder struct {
	cfg    Config
	layers []*dense
	step   int
	rng    *rand.Rand
}

// NewAutoEncoder returns a Glorot-uniform initialised network.
func NewAutoEncoder(cfg Config) (*AutoEncoder, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewPCG(cfg.Seed, cfg.Seed+1))

	ae := &AutoEncoder{cfg: cfg, rng: rng}
	for i := 0; i+1 < len(cfg.Layers); i++ {
		in, out := cfg.Layers[i], cfg.Layers[i+1]
		limit := math.Sqrt(6 / float64(in+out))
		w := make([]float64, in*out)
		for j := range w {
			w[j] = (rng.Float64()*2 - 1) * limit
		}
		ae.layers = append(ae.layers, newDense(mat.NewDense(in, out, w), mat.NewVecDense(out, nil)))
	}
	return ae, nil
}

// NewFactory returns a Factory building autoencoders whose seed is offset
// by the fold index.
func NewFactory(cfg Config) Factory {
	return func(fold int) (Transform, error) {
		c := cfg
		c.Layers = append([]int(nil), cfg.Layers...)
		c.Seed = cfg.Seed + uint64(fold)
		return NewAutoEncoder(c)
	}
}

func newDense(w *mat.Dense, b *mat.VecDense) *dense {
	in, out := w.Dims()
	return &dense{
		w:  w,
		b:  b,
		mw: mat.NewDense(in, out, nil),
		vw: mat.NewDense(in, out, nil),
		mb: mat.NewVecDense(out, nil),
		vb: mat.NewVecDense(out, nil),
	}
}

// Layers returns the layer widths, input and output included.
func (ae *AutoEncoder) Layers() []int {
	return append([]int(nil), ae.cfg.Layers...)
}

func (ae *AutoEncoder) checkInput(x *mat.Dense) error {
	r, c := x.Dims()
	if r == 0 {
		return fmt.Errorf("model: empty batch")
	}
	if c != ae.cfg.Layers[0] {
		return fmt.Errorf("model: input width %d, network expects %d", c, ae.cfg.Layers[0])
	}
	return nil
}

// forward returns the activations of every layer, input first.
func (ae *AutoEncoder) forward(x *mat.Dense) []*mat.Dense {
	acts := make([]*mat.Dense, 0, len(ae.layers)+1)
	acts = append(acts, x)
	for i, l := range ae.layers {
		var z mat.Dense
		z.Mul(acts[i], l.w)
		raw := z.RawMatrix()
		bias := l.b.RawVector().Data
		last := i == len(ae.layers)-1
		for r := 0; r < raw.Rows; r++ {
			row := raw.Data[r*raw.Stride : r*raw.Stride+raw.Cols]
			floats.Add(row, bias)
			if last {
				for j, v := range row {
					row[j] = 1 / (1 + math.Exp(-v))
				}
			} else {
				for j, v := range row {
					if v < 0 {
						row[j] = 0
					}
				}
			}
		}
		acts = append(acts, &z)
	}
	return acts
}

func (ae *AutoEncoder) Predict(ctx context.Context, x *mat.Dense) (*mat.Dense, error) {
	if err := ae.checkInput(x); err != nil {
		return nil, err
	}
	rows, _ := x.Dims()
	out := mat.NewDense(rows, ae.cfg.Layers[len(ae.cfg.Layers)-1], nil)
	for start := 0; start < rows; start += ae.cfg.BatchSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := min(start+ae.cfg.BatchSize, rows)
		acts := ae.forward(x.Slice(start, end, 0, x.RawMatrix().Cols).(*mat.Dense))
		out.Slice(start, end, 0, out.RawMatrix().Cols).(*mat.Dense).Copy(acts[len(acts)-1])
	}
	return out, nil
}

func (ae *AutoEncoder) Loss(ctx context.Context, x, y *mat.Dense) (float64, error) {
	p, err := ae.Predict(ctx, x)
	if err != nil {
		return 0, err
	}
	return MSE(p, y)
}

// TrainEpoch shuffles the rows and runs one Adam step per minibatch.
func (ae *AutoEncoder) TrainEpoch(ctx context.Context, x, y *mat.Dense, lr float64) (float64, error) {
	if err := ae.checkInput(x); err != nil {
		return 0, err
	}
	rows, _ := x.Dims()
	if yr, yc := y.Dims(); yr != rows || yc != ae.cfg.Layers[len(ae.cfg.Layers)-1] {
		return 0, fmt.Errorf("model: target is %dx%d, want %dx%d", yr, yc, rows, ae.cfg.Layers[len(ae.cfg.Layers)-1])
	}

	order := ae.rng.Perm(rows)
	var total float64
	for start := 0; start < rows; start += ae.cfg.BatchSize {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		idx := order[start:min(start+ae.cfg.BatchSize, rows)]
		loss := ae.trainBatch(gather(x, idx), gather(y, idx), lr)
		total += loss * float64(len(idx))
	}
	return total / float64(rows), nil
}

func gather(m *mat.Dense, idx []int) *mat.Dense {
	_, c := m.Dims()
	out := mat.NewDense(len(idx), c, nil)
	for i, r := range idx {
		out.SetRow(i, m.RawRowView(r))
	}
	return out
}

// trainBatch backpropagates one minibatch and applies an Adam update. It returns
// the minibatch loss before the update.
func (ae *AutoEncoder) trainBatch(x, y *mat.Dense, lr float64) float64 {
	acts := ae.forward(x)
	out := acts[len(acts)-1]
	n, d := out.Dims()

	// dL/dout for mean squared error over every element.
	var grad mat.Dense
	grad.Sub(out, y)
	loss := mat.Sum(denseSquare(&grad)) / float64(n*d)
	grad.Scale(2/float64(n*d), &grad)

	ae.step++
	t := float64(ae.step)
	corr1 := 1 - math.Pow(adamBeta1, t)
	corr2 := 1 - math.Pow(adamBeta2, t)

	for i := len(ae.layers) - 1; i >= 0; i-- {
		l := ae.layers[i]
		a := acts[i+1]

		// Through the activation.
		g := grad.RawMatrix()
		ar := a.RawMatrix()
		last := i == len(ae.layers)-1
		for r := 0; r < g.Rows; r++ {
			grow := g.Data[r*g.Stride : r*g.Stride+g.Cols]
			arow := ar.Data[r*ar.Stride : r*ar.Stride+ar.Cols]
			for j := range grow {
				if last {
					grow[j] *= arow[j] * (1 - arow[j])
				} else if arow[j] <= 0 {
					grow[j] = 0
				}
			}
		}

		var dw mat.Dense
		dw.Mul(acts[i].T(), &grad)
		db := make([]float64, l.b.Len())
		for r := 0; r < g.Rows; r++ {
			floats.Add(db, g.Data[r*g.Stride:r*g.Stride+g.Cols])
		}

		if i > 0 {
			var prev mat.Dense
			prev.Mul(&grad, l.w.T())
			grad = prev
		}

		adam(l.w.RawMatrix().Data, dw.RawMatrix().Data, l.mw.RawMatrix().Data, l.vw.RawMatrix().Data, lr, corr1, corr2)
		adam(l.b.RawVector().Data, db, l.mb.RawVector().Data, l.vb.RawVector().Data, lr, corr1, corr2)
	}
	return loss
}

func adam(param, grad, m, v []float64, lr, corr1, corr2 float64) {
	for i, g := range grad {
		m[i] = adamBeta1*m[i] + (1-adamBeta1)*g
		v[i] = adamBeta2*v[i] + (1-adamBeta2)*g*g
		param[i] -= lr * (m[i] / corr1) / (math.Sqrt(v[i]/corr2) + adamEpsilon)
	}
}

func denseSquare(m *mat.Dense) *mat.Dense {
	var sq mat.Dense
	sq.MulElem(m, m)
	return &sq
}

// MSE returns the mean squared error over every element of p and y.
func MSE(p, y mat.Matrix) (float64, error) {
	pr, pc := p.Dims()
	yr, yc := y.Dims()
	if pr != yr || pc != yc {
		return 0, fmt.Errorf("model: prediction %dx%d vs target %dx%d", pr, pc, yr, yc)
	}
	if pr*pc == 0 {
		return 0, fmt.Errorf("model: empty batch")
	}
	var diff mat.Dense
	diff.Sub(p, y)
	return mat.Sum(denseSquare(&diff)) / float64(pr*pc), nil
}
