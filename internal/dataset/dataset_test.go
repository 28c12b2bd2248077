// SPDX-License-Identifier: MIT
package dataset

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"denoiser/internal/audio"
	"denoiser/internal/pcm"
	"denoiser/pkg/utils"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mapLoader(clips map[string]audio.Clip) Loader {
	return func(path string) (audio.Clip, error) {
		c, ok := clips[path]
		if !ok {
			return audio.Clip{}, os.ErrNotExist
		}
		return c, nil
	}
}

func seq(n int, start int16) []int16 {
	out := make([]int16, n)
	for i := range out {
		out[i] = start + int16(i)
	}
	return out
}

func TestBuildPreservesFileOrder(t *testing.T) {
	clips := map[string]audio.Clip{
		"a.wav": {Samples: seq(700, 0), SampleRate: 16000},
		"b.wav": {Samples: seq(960, 1000), SampleRate: 8000},
	}
	b := NewBuilder(320).WithLoader(mapLoader(clips))

	a, err := b.Build([]string{"a.wav"})
	require.NoError(t, err)
	bb, err := b.Build([]string{"b.wav"})
	require.NoError(t, err)
	both, err := b.Build([]string{"a.wav", "b.wav"})
	require.NoError(t, err)

	assert.Equal(t, append(a.Chunks, bb.Chunks...), both.Chunks)
	assert.Equal(t, []int{16000, 16000, 8000, 8000, 8000}, both.Rates)
	assert.Equal(t, 5, both.Len())
}

func TestBuildErrors(t *testing.T) {
	b := NewBuilder(320).WithLoader(mapLoader(map[string]audio.Clip{
		"ok.wav": {Samples: seq(640, 0), SampleRate: 16000},
	}))

	_, err := b.Build(nil)
	assert.ErrorIs(t, err, ErrNoFiles)

	_, err = b.Build([]string{"ok.wav", "missing.wav"})
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
	assert.Contains(t, err.Error(), "missing.wav")

	_, err = NewBuilder(0).Build([]string{"ok.wav"})
	assert.Error(t, err)
}

func TestBuildFromDisk(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tone.wav")
	require.NoError(t, audio.WriteWAVFile(path, audio.Clip{
		Samples:    utils.GenerateSineWave(3200+17, 16000, 440),
		SampleRate: 16000,
	}))

	var seen []string
	b := NewBuilder(320)
	b.Progress = func(p string, chunks int) {
		seen = append(seen, p)
		assert.Equal(t, 10, chunks)
	}

	ds, err := b.Build([]string{path})
	require.NoError(t, err)
	assert.Equal(t, 10, ds.Len())
	assert.Equal(t, []string{path}, seen)

	_, err = b.Build([]string{filepath.Join(dir, "nope.wav")})
	assert.Error(t, err)
}

func TestUniformAndMatrix(t *testing.T) {
	ds := &Dataset{
		Chunks: [][]int16{seq(4, 0), seq(3, 0), seq(4, 10)},
		Rates:  []int{1, 2, 3},
	}

	_, err := ds.Matrix(4)
	assert.True(t, errors.Is(err, pcm.ErrShapeMismatch))

	u, dropped := ds.Uniform(4)
	assert.Equal(t, 1, dropped)
	assert.Equal(t, []int{1, 3}, u.Rates)

	m, err := u.Matrix(4)
	require.NoError(t, err)
	assert.Equal(t, 13.0, m.At(1, 3))
}

func TestSearchWAV(t *testing.T) {
	root := t.TempDir()
	for _, p := range []string{"b.wav", "a.WAV", "sub/c.wav", "notes.txt", "sub/d.wav.bak"} {
		full := filepath.Join(root, p)
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, nil, 0o644))
	}

	files, err := SearchWAV(root)
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(root, "a.WAV"),
		filepath.Join(root, "b.wav"),
		filepath.Join(root, "sub", "c.wav"),
	}, files)

	_, err = SearchWAV(filepath.Join(root, "missing"))
	assert.Error(t, err)
}

func TestSplitTail(t *testing.T) {
	files := []string{"1", "2", "3", "4"}

	tests := []struct {
		n     int
		train []string
		test  []string
	}{
		{0, []string{"1", "2", "3", "4"}, []string{}},
		{1, []string{"1", "2", "3"}, []string{"4"}},
		{4, []string{}, []string{"1", "2", "3", "4"}},
		{10, []string{}, []string{"1", "2", "3", "4"}},
		{-1, []string{"1", "2", "3", "4"}, []string{}},
	}
	for _, tt := range tests {
		train, test := SplitTail(files, tt.n)
		assert.Equal(t, tt.train, train, "n=%d", tt.n)
		assert.Equal(t, tt.test, test, "n=%d", tt.n)
	}
}
