// SPDX-License-Identifier: MIT
/*
Package dataset turns a corpus of mono WAV files into the chunk batch the
training loop consumes. Chunks keep file order: the chunks of [A, B] are
the chunks of A followed by the chunks of B.
*/
package dataset

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"

	"denoiser/internal/audio"
	applog "denoiser/internal/log"
	"denoiser/internal/pcm"

	"gonum.org/v1/gonum/mat"
)

// ErrNoFiles reports an empty corpus.
var ErrNoFiles = errors.New("dataset: no input files")

// Dataset is an ordered chunk batch with one sample-rate tag per chunk.
type Dataset struct {
	Chunks [][]int16
	Rates  []int
}

// Len returns the number of chunks.
func (d *Dataset) Len() int { return len(d.Chunks) }

// Uniform returns a copy holding only chunks exactly width samples long,
// and how many were dropped. Short files yield a single short chunk, which
// cannot enter a fixed-width batch.
func (d *Dataset) Uniform(width int) (*Dataset, int) {
	out := &Dataset{
		Chunks: make([][]int16, 0, len(d.Chunks)),
		Rates:  make([]int, 0, len(d.Rates)),
	}
	for i, c := range d.Chunks {
		if len(c) != width {
			continue
		}
		out.Chunks = append(out.Chunks, c)
		out.Rates = append(out.Rates, d.Rates[i])
	}
	return out, len(d.Chunks) - len(out.Chunks)
}

// Matrix converts the chunks to a numeric batch, failing with
// pcm.ErrShapeMismatch on any ragged row.
func (d *Dataset) Matrix(width int) (*mat.Dense, error) {
	return pcm.Batch(d.Chunks, width)
}

// Loader reads one corpus file.
type Loader func(path string) (audio.Clip, error)

// Builder windows corpus files into a Dataset.
type Builder struct {
	windowSize int
	load       Loader

	// Progress, when set, is called after each file is windowed.
	Progress func(path string, chunks int)
}

// NewBuilder returns a Builder reading WAV files from disk.
func NewBuilder(windowSize int) *Builder {
	return &Builder{windowSize: windowSize, load: audio.ReadWAVFile}
}

// WithLoader replaces the file loader.
func (b *Builder) WithLoader(load Loader) *Builder {
	b.load = load
	return b
}

// Build loads every file in order. The first unreadable or malformed file
// aborts the build; the error names the file.
func (b *Builder) Build(files []string) (*Dataset, error) {
	if len(files) == 0 {
		return nil, ErrNoFiles
	}
	if b.windowSize <= 0 {
		return nil, fmt.Errorf("dataset: invalid window size %d", b.windowSize)
	}

	ds := &Dataset{}
	for _, path := range files {
		clip, err := b.load(path)
		if err != nil {
			return nil, fmt.Errorf("dataset: load %s: %w", path, err)
		}

		chunks := pcm.Window(clip.Samples, b.windowSize)
		ds.Chunks = append(ds.Chunks, chunks...)
		for range chunks {
			ds.Rates = append(ds.Rates, clip.SampleRate)
		}
		if b.Progress != nil {
			b.Progress(path, len(chunks))
		}
	}

	applog.Debugf("Dataset: %d files -> %d chunks", len(files), len(ds.Chunks))
	return ds, nil
}

// SearchWAV returns every .wav file (any case) under root, in lexical order.
func SearchWAV(root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.EqualFold(filepath.Ext(path), ".wav") {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("dataset: search %s: %w", root, err)
	}
	sort.Strings(files)
	return files, nil
}

// SplitTail holds out the last n files as the test set.
func SplitTail(files []string, n int) (train, test []string) {
	n = max(0, min(n, len(files)))
	cut := len(files) - n
	return files[:cut:cut], files[cut:]
}
