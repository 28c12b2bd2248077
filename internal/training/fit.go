// SPDX-License-Identifier: MIT
package training

import (
	"context"
	"errors"
	"fmt"
	"math"

	"denoiser/internal/model"

	"gonum.org/v1/gonum/mat"
)

// ErrDiverged reports a non-finite training or validation loss.
var ErrDiverged = errors.New("training: loss diverged")

// StopReason records why a fit ended.
type StopReason string

const (
	StopMaxEpochs StopReason = "max_epochs"
	StopEarly     StopReason = "early_stopping"
	StopDiverged  StopReason = "diverged"
)

// FitConfig drives the epoch loop.
type FitConfig struct {
	MaxEpochs       int
	LearningRate    float64
	LRFactor        float64 // Multiplier applied after LRPatience epochs without improvement.
	LRPatience      int
	MinLearningRate float64
	ESPatience      int // Epochs without improvement before stopping.
}

// Pair is a noisy input batch and its clean target, row-aligned.
type Pair struct {
	X, Y *mat.Dense
}

// Rows returns the number of rows in the pair.
func (p Pair) Rows() int {
	if p.X == nil {
		return 0
	}
	r, _ := p.X.Dims()
	return r
}

// EpochStats describes one finished epoch.
type EpochStats struct {
	Epoch        int // 1-based
	TrainLoss    float64
	ValLoss      float64
	LearningRate float64 // Rate used for this epoch.
	Improved     bool
}

// FitResult summarises a fit.
type FitResult struct {
	BestEpoch   int // 0 when no epoch finished with a finite loss.
	BestValLoss float64
	Epochs      int
	FinalLR     float64
	Stop        StopReason
}

// Checkpointer persists the transform's current parameters.
type Checkpointer func(ctx context.Context, t model.Transform) error

// Fit trains t on train while monitoring the validation loss on val. Per
// epoch, in order: a strict improvement checkpoints and resets both plateau
// counters; otherwise the counters grow, the learning rate is multiplied by
// LRFactor (floored at MinLearningRate) every LRPatience stale epochs, and
// the loop stops after ESPatience stale epochs. MaxEpochs caps the loop.
//
// A non-finite loss stops the fit with Stop == StopDiverged and an error
// wrapping ErrDiverged. observe, when non-nil, sees every finished epoch.
func Fit(ctx context.Context, t model.Transform, train, val Pair, cfg FitConfig, save Checkpointer, observe func(EpochStats)) (FitResult, error) {
	res := FitResult{BestValLoss: math.Inf(1), FinalLR: cfg.LearningRate, Stop: StopMaxEpochs}
	lr := cfg.LearningRate
	lrWait, esWait := 0, 0

	for epoch := 1; epoch <= cfg.MaxEpochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		trainLoss, err := t.TrainEpoch(ctx, train.X, train.Y, lr)
		if err != nil {
			return res, fmt.Errorf("epoch %d: train: %w", epoch, err)
		}
		res.Epochs = epoch
		if !finite(trainLoss) {
			res.Stop = StopDiverged
			return res, fmt.Errorf("%w: epoch %d train loss %g", ErrDiverged, epoch, trainLoss)
		}

		valLoss, err := t.Loss(ctx, val.X, val.Y)
		if err != nil {
			return res, fmt.Errorf("epoch %d: validate: %w", epoch, err)
		}
		if !finite(valLoss) {
			res.Stop = StopDiverged
			return res, fmt.Errorf("%w: epoch %d val loss %g", ErrDiverged, epoch, valLoss)
		}

		stats := EpochStats{Epoch: epoch, TrainLoss: trainLoss, ValLoss: valLoss, LearningRate: lr}
		stop := false
		if valLoss < res.BestValLoss {
			stats.Improved = true
			res.BestValLoss = valLoss
			res.BestEpoch = epoch
			lrWait, esWait = 0, 0
			if save != nil {
				if err := save(ctx, t); err != nil {
					return res, fmt.Errorf("epoch %d: checkpoint: %w", epoch, err)
				}
			}
		} else {
			lrWait++
			esWait++
			if lrWait >= cfg.LRPatience {
				lr = math.Max(lr*cfg.LRFactor, cfg.MinLearningRate)
				lrWait = 0
			}
			if esWait >= cfg.ESPatience {
				stop = true
			}
		}
		res.FinalLR = lr

		if observe != nil {
			observe(stats)
		}
		if stop {
			res.Stop = StopEarly
			break
		}
	}
	return res, nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
