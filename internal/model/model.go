// SPDX-License-Identifier: MIT
/*
Package model defines the transform capability the training loop fits and
the serving path calls, plus the weighted ensemble that combines fold
models. Batches are gonum matrices with one scaled chunk per row.
*/
package model

import (
	"context"
	"errors"
	"fmt"
	"io"

	"denoiser/internal/pcm"

	"gonum.org/v1/gonum/mat"
)

// ErrEmptyEnsemble reports an ensemble with no members or zero total weight.
var ErrEmptyEnsemble = errors.New("model: ensemble has no weight")

// Predictor maps a batch of scaled noisy chunks to scaled clean chunks of
// the same shape.
type Predictor interface {
	Predict(ctx context.Context, x *mat.Dense) (*mat.Dense, error)
}

// Transform is a trainable Predictor whose parameters can be persisted.
type Transform interface {
	Predictor

	// TrainEpoch runs one pass over (x, y) at learning rate lr and returns
	// the mean training loss.
	TrainEpoch(ctx context.Context, x, y *mat.Dense, lr float64) (float64, error)
	// Loss returns the mean squared error of Predict(x) against y.
	Loss(ctx context.Context, x, y *mat.Dense) (float64, error)

	Save(w io.Writer) error
	Load(r io.Reader) error
}

// Factory builds a fresh, untrained Transform for a fold.
type Factory func(fold int) (Transform, error)

// Identity returns its input unchanged.
type Identity struct{}

func (Identity) Predict(_ context.Context, x *mat.Dense) (*mat.Dense, error) {
	return mat.DenseCopyOf(x), nil
}

// Accumulator is a running weighted sum of equally shaped predictions.
type Accumulator struct {
	sum    *mat.Dense
	weight float64
	count  int
}

// Add accumulates w*p. Every prediction must match the shape of the first.
func (a *Accumulator) Add(p mat.Matrix, w float64) error {
	if w < 0 {
		return fmt.Errorf("model: negative ensemble weight %g", w)
	}
	r, c := p.Dims()
	if a.sum == nil {
		a.sum = mat.NewDense(r, c, nil)
	} else if err := pcm.CheckShape(p, a.sum.RawMatrix().Rows, a.sum.RawMatrix().Cols); err != nil {
		return err
	}

	var scaled mat.Dense
	scaled.Scale(w, p)
	a.sum.Add(a.sum, &scaled)
	a.weight += w
	a.count++
	return nil
}

// Count returns how many predictions were added.
func (a *Accumulator) Count() int { return a.count }

// Weight returns the total weight added so far.
func (a *Accumulator) Weight() float64 { return a.weight }

// Result divides the running sum by the total weight, so weights need not
// sum to one.
func (a *Accumulator) Result() (*mat.Dense, error) {
	if a.sum == nil || a.weight == 0 {
		return nil, ErrEmptyEnsemble
	}
	var out mat.Dense
	out.Scale(1/a.weight, a.sum)
	return &out, nil
}

// Member is one weighted predictor of an Ensemble.
type Member struct {
	Predictor Predictor
	Weight    float64
}

// Ensemble averages member predictions by weight.
type Ensemble struct {
	members []Member
}

// NewEnsemble returns an Ensemble over members. Zero-weight members are kept
// but contribute nothing.
func NewEnsemble(members ...Member) (*Ensemble, error) {
	var total float64
	for i, m := range members {
		if m.Predictor == nil {
			return nil, fmt.Errorf("model: ensemble member %d has no predictor", i)
		}
		if m.Weight < 0 {
			return nil, fmt.Errorf("model: ensemble member %d has negative weight %g", i, m.Weight)
		}
		total += m.Weight
	}
	if total == 0 {
		return nil, ErrEmptyEnsemble
	}
	return &Ensemble{members: members}, nil
}

// Size returns the number of members.
func (e *Ensemble) Size() int { return len(e.members) }

func (e *Ensemble) Predict(ctx context.Context, x *mat.Dense) (*mat.Dense, error) {
	rows, cols := x.Dims()
	var acc Accumulator
	for i, m := range e.members {
		if m.Weight == 0 {
			continue
		}
		p, err := m.Predictor.Predict(ctx, x)
		if err != nil {
			return nil, fmt.Errorf("model: ensemble member %d: %w", i, err)
		}
		if err := pcm.CheckShape(p, rows, cols); err != nil {
			return nil, fmt.Errorf("model: ensemble member %d: %w", i, err)
		}
		if err := acc.Add(p, m.Weight); err != nil {
			return nil, err
		}
	}
	return acc.Result()
}
