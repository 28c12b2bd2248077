package config

import "strings"

// Weights returns the per-fold ensemble weights, defaulting to 1/Folds each.
func (t TrainingConfig) Weights() []float64 {
	if len(t.FoldWeights) == t.Folds && t.Folds > 0 {
		return append([]float64(nil), t.FoldWeights...)
	}
	w := make([]float64, t.Folds)
	for i := range w {
		w[i] = 1 / float64(t.Folds)
	}
	return w
}

// Layers returns the full autoencoder layer widths, window in and window out.
func (c *Config) Layers() []int {
	layers := make([]int, 0, len(c.Training.HiddenLayers)+2)
	layers = append(layers, c.Signal.WindowSize)
	layers = append(layers, c.Training.HiddenLayers...)
	return append(layers, c.Signal.WindowSize)
}

// S3Enabled reports whether checkpoints go to object storage.
func (s StorageConfig) S3Enabled() bool {
	return strings.EqualFold(s.Backend, "s3")
}
