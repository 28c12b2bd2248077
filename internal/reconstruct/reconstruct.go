// SPDX-License-Identifier: MIT
/*
Package reconstruct turns a noisy sample sequence into its denoised
counterpart through a Predictor. The HTTP boundary, the offline denoise
command and the evaluate scorer all go through Reconstructor so the three
share one numeric path.
*/
package reconstruct

import (
	"context"
	"fmt"

	"denoiser/internal/metrics"
	"denoiser/internal/model"
	"denoiser/internal/pcm"
)

// Reconstructor windows, scales, predicts and reassembles PCM audio.
type Reconstructor struct {
	scaler     pcm.Scaler
	windowSize int
	predictor  model.Predictor
}

// New returns a Reconstructor. scaler and windowSize must match the values
// the predictor was trained with.
func New(scaler pcm.Scaler, windowSize int, predictor model.Predictor) (*Reconstructor, error) {
	if windowSize <= 0 {
		return nil, fmt.Errorf("reconstruct: window size must be positive, got %d", windowSize)
	}
	if predictor == nil {
		return nil, fmt.Errorf("reconstruct: predictor is required")
	}
	return &Reconstructor{scaler: scaler, windowSize: windowSize, predictor: predictor}, nil
}

// WindowSize returns the chunk width fed to the predictor.
func (r *Reconstructor) WindowSize() int { return r.windowSize }

// Reconstruct denoises samples. The output holds len(samples) rounded down
// to a multiple of the window size. Input shorter than one window, or a
// predictor answer of the wrong shape, fails with pcm.ErrShapeMismatch.
func (r *Reconstructor) Reconstruct(ctx context.Context, samples []int16) ([]int16, error) {
	chunks := pcm.Window(samples, r.windowSize)
	batch, err := pcm.Batch(chunks, r.windowSize)
	if err != nil {
		return nil, err
	}
	rows := len(chunks)

	pred, err := r.predictor.Predict(ctx, r.scaler.TransformDense(batch))
	if err != nil {
		return nil, err
	}
	if err := pcm.CheckShape(pred, rows, r.windowSize); err != nil {
		return nil, err
	}

	out := pcm.ToInt16Slice(pcm.Flatten(r.scaler.InverseDense(pred)))
	metrics.ChunksReconstructedTotal.Add(float64(rows))
	return out, nil
}
