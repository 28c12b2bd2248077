package cmd

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"denoiser/internal/audio"
	"denoiser/internal/config"
	"denoiser/internal/model"
	"denoiser/internal/pcm"
	"denoiser/internal/reconstruct"
	"denoiser/internal/serving"
	"denoiser/internal/storage"
	"denoiser/pkg/utils"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func TestRootCommandTree(t *testing.T) {
	root := NewRootCommand()
	for _, name := range []string{"train", "serve", "serve-model", "denoise", "evaluate", "record", "devices", "config"} {
		c, _, err := root.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, c.Name())
	}
}

func TestConfigCommandMasksSecret(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "denoiser.yaml")
	require.NoError(t, os.WriteFile(path, []byte("storage:\n  s3:\n    secret_key: hunter2\n"), 0o644))

	var out bytes.Buffer
	root := NewRootCommand()
	root.SetOut(&out)
	root.SetArgs([]string{"config", "--config", path})
	require.NoError(t, root.Execute())

	assert.Contains(t, out.String(), "window_size: 320")
	assert.NotContains(t, out.String(), "hunter2")
}

func TestEvaluateIdentity(t *testing.T) {
	dir := t.TempDir()
	long := filepath.Join(dir, "long.wav")
	short := filepath.Join(dir, "short.wav")
	require.NoError(t, audio.WriteWAVFile(long, audio.Clip{Samples: utils.GenerateSineWave(3300, 16000, 440), SampleRate: 16000}))
	require.NoError(t, audio.WriteWAVFile(short, audio.Clip{Samples: utils.GenerateSineWave(100, 16000, 440), SampleRate: 16000}))

	cfg := config.NewConfig()
	rec := identityReconstructor(t)

	scores, err := evaluate(context.Background(), cfg, rec, []string{long, short})
	require.NoError(t, err)
	require.Len(t, scores, 1, "files shorter than one window are skipped")

	s := scores[0]
	assert.Equal(t, long, s.File)
	assert.Equal(t, 3200, s.Samples)
	assert.Equal(t, s.Noisy.SNR, s.Denoised.SNR, "identity leaves the noisy signal unchanged")
	assert.Equal(t, s.Noisy.LSD, s.Denoised.LSD)

	var out bytes.Buffer
	require.NoError(t, printScores(&out, scores))
	assert.Contains(t, out.String(), "long.wav")
}

func TestEvaluateNothingScorable(t *testing.T) {
	short := filepath.Join(t.TempDir(), "short.wav")
	require.NoError(t, audio.WriteWAVFile(short, audio.Clip{Samples: make([]int16, 10), SampleRate: 16000}))

	_, err := evaluate(context.Background(), config.NewConfig(), identityReconstructor(t), []string{short})
	assert.Error(t, err)
}

// dropColumn answers with one column fewer than it was given.
type dropColumn struct{}

func (dropColumn) Predict(_ context.Context, x *mat.Dense) (*mat.Dense, error) {
	r, c := x.Dims()
	return mat.DenseCopyOf(x.Slice(0, r, 0, c-1)), nil
}

func TestEvaluateShapeMismatchIsFatal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.wav")
	require.NoError(t, audio.WriteWAVFile(path, audio.Clip{Samples: utils.GenerateSineWave(3200, 16000, 440), SampleRate: 16000}))

	scaler, err := pcm.NewScaler(16)
	require.NoError(t, err)
	rec, err := reconstruct.New(scaler, config.DefaultWindowSize, dropColumn{})
	require.NoError(t, err)

	scores, err := evaluate(context.Background(), config.NewConfig(), rec, []string{path})
	assert.ErrorIs(t, err, pcm.ErrShapeMismatch)
	assert.Nil(t, scores)
}

func TestLoadStoredEnsembleNeedsManifest(t *testing.T) {
	store := storage.NewLocalStore(t.TempDir())
	_, err := loadStoredEnsemble(context.Background(), config.NewConfig(), store)
	assert.ErrorIs(t, err, serving.ErrNoManifest)
}

func TestRunUntilDone(t *testing.T) {
	stopped := make(chan struct{})
	start := func() error {
		<-stopped
		return http.ErrServerClosed
	}
	shutdown := func(context.Context) error {
		close(stopped)
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := runUntilDone(ctx, start, shutdown)
	assert.ErrorIs(t, err, http.ErrServerClosed)

	boom := errors.New("listen failed")
	err = runUntilDone(context.Background(), func() error { return boom }, shutdown)
	assert.ErrorIs(t, err, boom)
}

func identityReconstructor(t *testing.T) *reconstruct.Reconstructor {
	t.Helper()
	scaler, err := pcm.NewScaler(16)
	require.NoError(t, err)
	rec, err := reconstruct.New(scaler, config.DefaultWindowSize, model.Identity{})
	require.NoError(t, err)
	return rec
}
