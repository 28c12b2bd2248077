// Package storage persists fold checkpoints on local disk or in an
// S3-compatible object store.
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"time"

	"denoiser/internal/config"
)

// CheckpointStore abstracts checkpoint storage backends.
type CheckpointStore interface {
	// Save stores data under key, replacing any previous object.
	Save(ctx context.Context, key string, data []byte) error

	// Open returns a reader for the object stored under key.
	Open(ctx context.Context, key string) (io.ReadCloser, error)

	// Exists checks if an object is stored under key.
	Exists(ctx context.Context, key string) bool

	// List returns every stored key in lexical order.
	List(ctx context.Context) ([]string, error)

	// Type returns "local" or "s3".
	Type() string
}

// ManifestKey is where a finished training run records which fold
// checkpoints it produced. It is written after every fold file, so its
// appearance marks the run as complete.
const ManifestKey = "manifest.yaml"

// Checksum returns the hex SHA-256 of a checkpoint.
func Checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// FoldKey names the checkpoint of a zero-based fold: fold-1.bin, fold-2.bin, ...
func FoldKey(fold int) string {
	return fmt.Sprintf("fold-%d.bin", fold+1)
}

// New creates a CheckpointStore based on config. An S3 backend is checked
// for bucket access before it is returned.
func New(ctx context.Context, cfg config.StorageConfig) (CheckpointStore, error) {
	if !cfg.S3Enabled() {
		return NewLocalStore(cfg.Dir), nil
	}

	s3store, err := NewS3Store(ctx, cfg.S3)
	if err != nil {
		return nil, fmt.Errorf("S3 init failed: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := s3store.HeadBucket(ctx); err != nil {
		return nil, fmt.Errorf("S3 startup check failed (bucket=%q endpoint=%q): %w",
			cfg.S3.Bucket, cfg.S3.Endpoint, err)
	}
	s3store.log.Info().Str("bucket", cfg.S3.Bucket).Str("endpoint", cfg.S3.Endpoint).Msg("S3 connection verified")
	return s3store, nil
}
