// SPDX-License-Identifier: MIT
/*
Package pcm holds the numeric contract shared by training and serving:
the bit-depth Scaler, the fixed-window chunking of sample sequences and
the saturating casts back to 16-bit PCM.

Every function here is pure. Both the training loop and the inference
reconstructor build their Scaler from the same configured bit depth; a
mismatch between the two sides shifts reconstructed amplitude, so the
Scaler is passed around as a value rather than held globally.
*/
package pcm

import (
	"fmt"

	"denoiser/pkg/bitint"

	"gonum.org/v1/gonum/mat"
)

// Scaler maps signed b-bit PCM into [0, 1) and back:
//
//	Transform(x)        = (x + 2^(b-1)) * 2^(-b)
//	InverseTransform(y) = y / 2^(-b) - 2^(b-1)
//
// All factors are powers of two, so for b <= 32 the round trip is exact
// in float64.
type Scaler struct {
	bits   int
	offset float64
	scale  float64
}

// NewScaler returns a Scaler for the given bit depth (1..32).
func NewScaler(bits int) (Scaler, error) {
	if bits < 1 || bits > 32 {
		return Scaler{}, fmt.Errorf("pcm: bit depth must be in [1, 32], got %d", bits)
	}
	return Scaler{
		bits:   bits,
		offset: float64(bitint.Pow2(bits - 1)),
		scale:  bitint.InvPow2(bits),
	}, nil
}

// MustScaler is NewScaler for constant bit depths.
func MustScaler(bits int) Scaler {
	s, err := NewScaler(bits)
	if err != nil {
		panic(err)
	}
	return s
}

// Bits returns the bit depth the scaler was built for.
func (s Scaler) Bits() int { return s.bits }

func (s Scaler) Transform(x float64) float64 {
	return (x + s.offset) * s.scale
}

func (s Scaler) InverseTransform(y float64) float64 {
	return y/s.scale - s.offset
}

// TransformDense returns a new matrix with Transform applied element-wise.
func (s Scaler) TransformDense(m mat.Matrix) *mat.Dense {
	var out mat.Dense
	out.Apply(func(_, _ int, v float64) float64 { return s.Transform(v) }, m)
	return &out
}

// InverseDense returns a new matrix with InverseTransform applied element-wise.
func (s Scaler) InverseDense(m mat.Matrix) *mat.Dense {
	var out mat.Dense
	out.Apply(func(_, _ int, v float64) float64 { return s.InverseTransform(v) }, m)
	return &out
}
