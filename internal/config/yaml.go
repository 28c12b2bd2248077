// SPDX-License-Identifier: MIT
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every environment override, e.g.
// DENOISER_TRAINING_FOLDS=5.
const EnvPrefix = "DENOISER_"

// Config represents the main application configuration structure, loaded from YAML.
type Config struct {
	LogLevel  string          `yaml:"log_level" env:"LOG_LEVEL"`   // Logging level (e.g., "debug", "info", "warn", "error").
	LogFormat string          `yaml:"log_format" env:"LOG_FORMAT"` // "console" or "json".
	Signal    SignalConfig    `yaml:"signal" envPrefix:"SIGNAL_"`
	Dataset   DatasetConfig   `yaml:"dataset" envPrefix:"DATASET_"`
	Training  TrainingConfig  `yaml:"training" envPrefix:"TRAINING_"`
	Storage   StorageConfig   `yaml:"storage" envPrefix:"STORAGE_"`
	Transform TransformConfig `yaml:"transform" envPrefix:"TRANSFORM_"`
	Server    ServerConfig    `yaml:"server" envPrefix:"SERVER_"`
	Host      HostConfig      `yaml:"host" envPrefix:"HOST_"`
	Telemetry TelemetryConfig `yaml:"telemetry" envPrefix:"TELEMETRY_"`
	Recording RecordingConfig `yaml:"recording" envPrefix:"RECORDING_"`
}

// SignalConfig pins the numeric contract between training and serving.
type SignalConfig struct {
	WindowSize int `yaml:"window_size" env:"WINDOW_SIZE"` // Samples per chunk fed to the transform.
	BitDepth   int `yaml:"bit_depth" env:"BIT_DEPTH"`     // PCM bit depth used by the scaler.
	SampleRate int `yaml:"sample_rate" env:"SAMPLE_RATE"` // Rate request audio is resampled to.
}

// DatasetConfig describes the training corpus and how it is corrupted.
type DatasetConfig struct {
	Path       string  `yaml:"path" env:"PATH"`               // Root directory searched recursively for WAV files.
	TestFiles  int     `yaml:"test_files" env:"TEST_FILES"`   // Number of trailing files held out as the test set.
	NoiseLoc   float64 `yaml:"noise_loc" env:"NOISE_LOC"`     // Gaussian noise mean.
	NoiseScale float64 `yaml:"noise_scale" env:"NOISE_SCALE"` // Gaussian noise standard deviation.
}

// TrainingConfig holds the cross-validation and optimiser settings.
type TrainingConfig struct {
	Folds           int       `yaml:"folds" env:"FOLDS"`
	Seed            uint64    `yaml:"seed" env:"SEED"`                 // Seeds the fold shuffle, noise and weight init.
	FoldWeights     []float64 `yaml:"fold_weights" env:"FOLD_WEIGHTS"` // Empty means 1/folds each.
	MaxEpochs       int       `yaml:"max_epochs" env:"MAX_EPOCHS"`
	BatchSize       int       `yaml:"batch_size" env:"BATCH_SIZE"`
	LearningRate    float64   `yaml:"learning_rate" env:"LEARNING_RATE"`
	LRFactor        float64   `yaml:"lr_factor" env:"LR_FACTOR"`     // Multiplier applied on a plateau.
	LRPatience      int       `yaml:"lr_patience" env:"LR_PATIENCE"` // Epochs without improvement before reducing.
	MinLearningRate float64   `yaml:"min_learning_rate" env:"MIN_LEARNING_RATE"`
	ESPatience      int       `yaml:"es_patience" env:"ES_PATIENCE"` // Epochs without improvement before stopping.
	HiddenLayers    []int     `yaml:"hidden_layers" env:"HIDDEN_LAYERS"`
	ReportFile      string    `yaml:"report_file" env:"REPORT_FILE"` // Optional YAML training report.
}

// StorageConfig selects where fold checkpoints live.
type StorageConfig struct {
	Backend string   `yaml:"backend" env:"BACKEND"` // "local" or "s3".
	Dir     string   `yaml:"dir" env:"DIR"`         // Local checkpoint directory.
	S3      S3Config `yaml:"s3" envPrefix:"S3_"`
}

// S3Config holds S3-compatible object store settings.
type S3Config struct {
	Bucket    string `yaml:"bucket" env:"BUCKET"`
	Prefix    string `yaml:"prefix" env:"PREFIX"`
	Region    string `yaml:"region" env:"REGION"`
	Endpoint  string `yaml:"endpoint" env:"ENDPOINT"`
	AccessKey string `yaml:"access_key" env:"ACCESS_KEY"`
	SecretKey string `yaml:"secret_key" env:"SECRET_KEY"`
}

// TransformConfig points the serving boundary at the transform service.
type TransformConfig struct {
	Endpoint     string        `yaml:"endpoint" env:"ENDPOINT"`
	Model        string        `yaml:"model" env:"MODEL"`
	Signature    string        `yaml:"signature" env:"SIGNATURE"`
	Timeout      time.Duration `yaml:"timeout" env:"TIMEOUT"`
	MaxRetries   int           `yaml:"max_retries" env:"MAX_RETRIES"`
	RetryBackoff time.Duration `yaml:"retry_backoff" env:"RETRY_BACKOFF"`
	Local        bool          `yaml:"local" env:"LOCAL"` // Load checkpoints in-process instead of calling Endpoint.
}

// ServerConfig holds settings for the public HTTP boundary.
type ServerConfig struct {
	Addr              string        `yaml:"addr" env:"ADDR"`
	ReadTimeout       time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout      time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	MaxBodyBytes      int64         `yaml:"max_body_bytes" env:"MAX_BODY_BYTES"`
	RequestsPerMinute int           `yaml:"requests_per_minute" env:"REQUESTS_PER_MINUTE"` // Per client on /audio, 0 disables.
	RequestsPerHour   int           `yaml:"requests_per_hour" env:"REQUESTS_PER_HOUR"`     // Per client on every route, 0 disables.
	RequestsPerDay    int           `yaml:"requests_per_day" env:"REQUESTS_PER_DAY"`       // Per client on every route, 0 disables.
	CORSOrigins       []string      `yaml:"cors_origins" env:"CORS_ORIGINS"`
}

// HostConfig holds settings for the in-repo transform host.
type HostConfig struct {
	Addr     string        `yaml:"addr" env:"ADDR"`
	Watch    bool          `yaml:"watch" env:"WATCH"` // Reload the ensemble when a training run publishes a new manifest.
	Debounce time.Duration `yaml:"debounce" env:"DEBOUNCE"`
}

// TelemetryConfig enables live training progress streams. Empty disables.
type TelemetryConfig struct {
	WebSocketAddr string `yaml:"websocket_addr" env:"WEBSOCKET_ADDR"` // e.g. ":8090", served at /ws.
	UDPTarget     string `yaml:"udp_target" env:"UDP_TARGET"`         // e.g. "127.0.0.1:9090".
}

// RecordingConfig holds settings for microphone corpus capture.
type RecordingConfig struct {
	Device          int           `yaml:"device" env:"DEVICE"` // PortAudio device index (-1 for default).
	FramesPerBuffer int           `yaml:"frames_per_buffer" env:"FRAMES_PER_BUFFER"`
	LowLatency      bool          `yaml:"low_latency" env:"LOW_LATENCY"`
	Duration        time.Duration `yaml:"duration" env:"DURATION"`
	OutputDir       string        `yaml:"output_dir" env:"OUTPUT_DIR"`
}

// LoadConfig loads configuration from a YAML file specified by path. If path is empty,
// it searches default locations ("config.yaml", "denoiser.yaml"). If no file is found, it
// uses built-in defaults. A ".env" file in the working directory is loaded into the
// process environment, then DENOISER_* variables override the result before validation.
func LoadConfig(path string) (*Config, error) {
	cfg := NewConfig()

	if path == "" {
		for _, candidate := range []string{"config.yaml", "denoiser.yaml"} {
			if _, err := os.Stat(candidate); err == nil {
				path = candidate
				break
			}
		}
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides loads .env (silently skipped when missing; variables already
// set in the environment win) and then binds DENOISER_* variables onto cfg.
func (cfg *Config) applyEnvOverrides() error {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(".env"); err != nil {
			return fmt.Errorf("load .env: %w", err)
		}
	}
	return env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix})
}

// Marshal renders the configuration as YAML, used by `denoiser config`.
func (cfg *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(cfg)
}
