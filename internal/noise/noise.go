// Package noise corrupts clean PCM with additive Gaussian noise for training.
package noise

import (
	"fmt"
	"math"
	"math/rand/v2"

	"denoiser/internal/pcm"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

// Injector adds independent N(loc, scale²) noise to every sample. Noise is
// truncated toward zero before the saturating add, so output stays int16.
// An Injector is not safe for concurrent use.
type Injector struct {
	dist distuv.Normal
}

// NewInjector returns an Injector drawing from a PCG source seeded with seed.
// Negative or non-finite parameters are rejected.
func NewInjector(loc, scale float64, seed uint64) (*Injector, error) {
	if math.IsNaN(loc) || math.IsInf(loc, 0) {
		return nil, fmt.Errorf("noise: loc must be finite, got %g", loc)
	}
	if math.IsNaN(scale) || math.IsInf(scale, 0) || scale < 0 {
		return nil, fmt.Errorf("noise: scale must be finite and >= 0, got %g", scale)
	}
	return &Injector{
		dist: distuv.Normal{
			Mu:    loc,
			Sigma: scale,
			Src:   rand.NewPCG(seed, seed^0x9e3779b97f4a7c15),
		},
	}, nil
}

func (in *Injector) draw() int64 {
	v := in.dist.Rand()
	// Clamp before the integer conversion; anything past int16 range
	// saturates anyway.
	v = math.Max(-1<<20, math.Min(1<<20, v))
	return int64(v)
}

// InjectSamples returns a noisy copy of samples.
func (in *Injector) InjectSamples(samples []int16) []int16 {
	out := make([]int16, len(samples))
	for i, s := range samples {
		out[i] = pcm.SaturatingAdd(s, in.draw())
	}
	return out
}

// Inject returns noisy copies of every chunk, preserving shape.
func (in *Injector) Inject(chunks [][]int16) [][]int16 {
	out := make([][]int16, len(chunks))
	for i, c := range chunks {
		out[i] = in.InjectSamples(c)
	}
	return out
}

// InjectDense returns a noisy copy of an integer-valued PCM batch.
func (in *Injector) InjectDense(m mat.Matrix) *mat.Dense {
	var out mat.Dense
	out.Apply(func(_, _ int, v float64) float64 {
		return float64(pcm.SaturatingAdd(pcm.ToInt16(v), in.draw()))
	}, m)
	return &out
}
