package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
)

// Core configuration constants that define the boundaries and defaults
// for the denoising pipeline.
const (
	// Signal path shared by training and serving
	DefaultWindowSize = 320   // Samples per chunk (20ms at 16kHz)
	DefaultBitDepth   = 16    // PCM bit depth the scaler is built for
	DefaultSampleRate = 16000 // Target rate for decoded request audio

	// Dataset and corruption
	DefaultDatasetPath = "cmu_us_awb_arctic/wav"
	DefaultTestFiles   = 10     // Trailing corpus files held out as test set
	DefaultNoiseLoc    = 0.0    // Mean of the additive noise
	DefaultNoiseScale  = 4000.0 // Standard deviation, in PCM units

	// Cross-validated training
	DefaultFolds           = 10
	DefaultSeed            = 8080
	DefaultMaxEpochs       = 5000
	DefaultBatchSize       = 1024
	DefaultLearningRate    = 0.001
	DefaultLRFactor        = 0.5
	DefaultLRPatience      = 5
	DefaultMinLearningRate = 0.0
	DefaultESPatience      = 25

	// Checkpoint storage
	DefaultStorageBackend = "local"
	DefaultCheckpointDir  = "checkpoints"

	// Transform service
	DefaultTransformEndpoint  = "http://model_deployment:8501"
	DefaultTransformModel     = "test"
	DefaultTransformSignature = "serving_default"
	DefaultTransformTimeout   = 10 * time.Second
	DefaultTransformRetries   = 0 // Failures surface to the caller
	DefaultRetryBackoff       = 100 * time.Millisecond

	// Public HTTP boundary
	DefaultServerAddr        = ":5000"
	DefaultMaxBodyBytes      = 10 << 20
	DefaultRequestsPerMinute = 4
	DefaultRequestsPerHour   = 100
	DefaultRequestsPerDay    = 1000

	// Transform host
	DefaultHostAddr     = ":8501"
	DefaultHostDebounce = 500 * time.Millisecond

	// Corpus capture
	DefaultDeviceID        = MinDeviceID
	DefaultFramesPerBuffer = 512
	DefaultRecordDuration  = 5 * time.Second
	DefaultRecordingDir    = "recordings"

	// Hardware and processing limits
	MinDeviceID     = -1     // -1 represents system default device
	MinSampleRate   = 8000   // Minimum usable sample rate (Hz)
	MaxSampleRate   = 192000 // Maximum supported sample rate (Hz)
	MaxBufferFrames = 8192   // Maximum frames per buffer
	MaxBitDepth     = 32
)

// DefaultHiddenLayers is the encoder/decoder shape between the input and
// output layers, both of which are DefaultWindowSize wide.
var DefaultHiddenLayers = []int{240, 160, 240}

// NewConfig creates a Config populated with default values. It is the base
// that YAML files and environment variables are applied on top of.
func NewConfig() *Config {
	return &Config{
		LogLevel:  "info",
		LogFormat: "console",
		Signal: SignalConfig{
			WindowSize: DefaultWindowSize,
			BitDepth:   DefaultBitDepth,
			SampleRate: DefaultSampleRate,
		},
		Dataset: DatasetConfig{
			Path:       DefaultDatasetPath,
			TestFiles:  DefaultTestFiles,
			NoiseLoc:   DefaultNoiseLoc,
			NoiseScale: DefaultNoiseScale,
		},
		Training: TrainingConfig{
			Folds:           DefaultFolds,
			Seed:            DefaultSeed,
			MaxEpochs:       DefaultMaxEpochs,
			BatchSize:       DefaultBatchSize,
			LearningRate:    DefaultLearningRate,
			LRFactor:        DefaultLRFactor,
			LRPatience:      DefaultLRPatience,
			MinLearningRate: DefaultMinLearningRate,
			ESPatience:      DefaultESPatience,
			HiddenLayers:    append([]int(nil), DefaultHiddenLayers...),
		},
		Storage: StorageConfig{
			Backend: DefaultStorageBackend,
			Dir:     DefaultCheckpointDir,
		},
		Transform: TransformConfig{
			Endpoint:     DefaultTransformEndpoint,
			Model:        DefaultTransformModel,
			Signature:    DefaultTransformSignature,
			Timeout:      DefaultTransformTimeout,
			MaxRetries:   DefaultTransformRetries,
			RetryBackoff: DefaultRetryBackoff,
		},
		Server: ServerConfig{
			Addr:              DefaultServerAddr,
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      60 * time.Second,
			MaxBodyBytes:      DefaultMaxBodyBytes,
			RequestsPerMinute: DefaultRequestsPerMinute,
			RequestsPerHour:   DefaultRequestsPerHour,
			RequestsPerDay:    DefaultRequestsPerDay,
			CORSOrigins:       []string{"*"},
		},
		Host: HostConfig{
			Addr:     DefaultHostAddr,
			Watch:    false,
			Debounce: DefaultHostDebounce,
		},
		Recording: RecordingConfig{
			Device:          DefaultDeviceID,
			FramesPerBuffer: DefaultFramesPerBuffer,
			Duration:        DefaultRecordDuration,
			OutputDir:       DefaultRecordingDir,
		},
	}
}

// Validate reports every problem with the configuration at once.
func (c *Config) Validate() error {
	var errs *multierror.Error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = multierror.Append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Signal.WindowSize > 0, "signal.window_size must be positive, got %d", c.Signal.WindowSize)
	check(c.Signal.BitDepth >= 2 && c.Signal.BitDepth <= MaxBitDepth,
		"signal.bit_depth must be in [2, %d], got %d", MaxBitDepth, c.Signal.BitDepth)
	check(c.Signal.SampleRate >= MinSampleRate && c.Signal.SampleRate <= MaxSampleRate,
		"signal.sample_rate must be in [%d, %d], got %d", MinSampleRate, MaxSampleRate, c.Signal.SampleRate)

	check(c.Dataset.TestFiles >= 0, "dataset.test_files must not be negative")
	check(c.Dataset.NoiseScale >= 0, "dataset.noise_scale must not be negative, got %g", c.Dataset.NoiseScale)

	t := c.Training
	check(t.Folds >= 2, "training.folds must be at least 2, got %d", t.Folds)
	check(len(t.FoldWeights) == 0 || len(t.FoldWeights) == t.Folds,
		"training.fold_weights has %d entries, want 0 or %d", len(t.FoldWeights), t.Folds)
	for i, w := range t.FoldWeights {
		check(w >= 0, "training.fold_weights[%d] must not be negative, got %g", i, w)
	}
	check(t.MaxEpochs > 0, "training.max_epochs must be positive")
	check(t.BatchSize > 0, "training.batch_size must be positive")
	check(t.LearningRate > 0, "training.learning_rate must be positive")
	check(t.LRFactor > 0 && t.LRFactor < 1, "training.lr_factor must be in (0, 1), got %g", t.LRFactor)
	check(t.LRPatience > 0, "training.lr_patience must be positive")
	check(t.ESPatience > 0, "training.es_patience must be positive")
	for i, h := range t.HiddenLayers {
		check(h > 0, "training.hidden_layers[%d] must be positive, got %d", i, h)
	}

	switch strings.ToLower(c.Storage.Backend) {
	case "local":
		check(c.Storage.Dir != "", "storage.dir must be set for the local backend")
	case "s3":
		check(c.Storage.S3.Bucket != "", "storage.s3.bucket must be set for the s3 backend")
	default:
		errs = multierror.Append(errs, fmt.Errorf("storage.backend must be local or s3, got %q", c.Storage.Backend))
	}

	check(c.Transform.Timeout > 0, "transform.timeout must be positive")
	check(c.Transform.MaxRetries >= 0, "transform.max_retries must not be negative")
	check(c.Server.MaxBodyBytes > 0, "server.max_body_bytes must be positive")
	check(c.Server.RequestsPerMinute >= 0 && c.Server.RequestsPerHour >= 0 && c.Server.RequestsPerDay >= 0,
		"server rate limits must not be negative")
	check(c.Recording.FramesPerBuffer > 0 && c.Recording.FramesPerBuffer <= MaxBufferFrames,
		"recording.frames_per_buffer must be in [1, %d]", MaxBufferFrames)
	check(c.Recording.Device >= MinDeviceID, "recording.device must be >= %d", MinDeviceID)

	return errs.ErrorOrNil()
}
