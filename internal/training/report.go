package training

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// FoldReport summarises one fold.
type FoldReport struct {
	Fold      int        `yaml:"fold"`
	Weight    float64    `yaml:"weight"`
	TrainRows int        `yaml:"train_rows"`
	ValRows   int        `yaml:"val_rows"`
	Epochs    int        `yaml:"epochs"`
	BestEpoch int        `yaml:"best_epoch"`
	ValLoss   float64    `yaml:"val_loss"` // After restoring the best checkpoint.
	FinalLR   float64    `yaml:"final_learning_rate"`
	Stop      StopReason `yaml:"stop"`
	Diverged  bool       `yaml:"diverged"`

	// Set only for folds that entered the ensemble.
	Checkpoint string `yaml:"checkpoint,omitempty"`
	SHA256     string `yaml:"sha256,omitempty"`
}

// Report summarises a training run. The same document is stored next to
// the fold checkpoints as the run's manifest.
type Report struct {
	StartedAt     time.Time    `yaml:"started_at"`
	Duration      string       `yaml:"duration"`
	TrainRows     int          `yaml:"train_rows"`
	TestRows      int          `yaml:"test_rows"`
	IncludedFolds int          `yaml:"included_folds"`
	TestMSE       *float64     `yaml:"test_mse,omitempty"`
	Folds         []FoldReport `yaml:"folds"`
}

// Ensemble returns the folds whose checkpoints make up the run's ensemble.
func (r *Report) Ensemble() []FoldReport {
	var out []FoldReport
	for _, f := range r.Folds {
		if !f.Diverged && f.Checkpoint != "" {
			out = append(out, f)
		}
	}
	return out
}

// Marshal encodes the report as YAML.
func (r *Report) Marshal() ([]byte, error) {
	data, err := yaml.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("failed to encode report: %w", err)
	}
	return data, nil
}

// WriteFile writes the report as YAML.
func (r *Report) WriteFile(path string) error {
	data, err := r.Marshal()
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	return nil
}

// ParseReport decodes a report produced by Marshal.
func ParseReport(data []byte) (*Report, error) {
	var r Report
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to parse report: %w", err)
	}
	return &r, nil
}

// ReadReport loads a report written by WriteFile.
func ReadReport(path string) (*Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read report: %w", err)
	}
	return ParseReport(data)
}
