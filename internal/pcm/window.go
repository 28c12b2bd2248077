// SPDX-License-Identifier: MIT
package pcm

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// ErrShapeMismatch reports a chunk whose width differs from the window size
// on its way into or out of the transform. It is never coerced.
var ErrShapeMismatch = errors.New("pcm: chunk width does not match window size")

// Window splits samples into consecutive chunks of size samples each,
// dropping the trailing len(samples) % size samples. When len(samples) <= size
// the whole run is returned as a single, possibly short, chunk.
//
// Chunks alias samples; callers that mutate a chunk mutate the input.
func Window(samples []int16, size int) [][]int16 {
	if size <= 0 {
		return nil
	}
	n := len(samples)
	if n <= size {
		return [][]int16{samples}
	}

	count := n / size
	chunks := make([][]int16, count)
	for i := range chunks {
		chunks[i] = samples[i*size : (i+1)*size : (i+1)*size]
	}
	return chunks
}

// Unwindow concatenates chunks in order.
func Unwindow(chunks [][]int16) []int16 {
	total := 0
	for _, c := range chunks {
		total += len(c)
	}
	out := make([]int16, 0, total)
	for _, c := range chunks {
		out = append(out, c...)
	}
	return out
}

// Batch copies chunks into a rows x width matrix. Any chunk whose length is
// not width fails with ErrShapeMismatch.
func Batch(chunks [][]int16, width int) (*mat.Dense, error) {
	if len(chunks) == 0 || width <= 0 {
		return nil, fmt.Errorf("%w: empty batch", ErrShapeMismatch)
	}
	data := make([]float64, len(chunks)*width)
	for i, c := range chunks {
		if len(c) != width {
			return nil, fmt.Errorf("%w: chunk %d has %d samples, want %d", ErrShapeMismatch, i, len(c), width)
		}
		row := data[i*width : (i+1)*width]
		for j, v := range c {
			row[j] = float64(v)
		}
	}
	return mat.NewDense(len(chunks), width, data), nil
}

// CheckShape verifies m is rows x width.
func CheckShape(m mat.Matrix, rows, width int) error {
	r, c := m.Dims()
	if r != rows || c != width {
		return fmt.Errorf("%w: got %dx%d, want %dx%d", ErrShapeMismatch, r, c, rows, width)
	}
	return nil
}

// Flatten concatenates the rows of m, the numeric-batch form of Unwindow.
func Flatten(m mat.Matrix) []float64 {
	r, c := m.Dims()
	out := make([]float64, 0, r*c)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			out = append(out, m.At(i, j))
		}
	}
	return out
}

// ToInt16 rounds half away from zero and saturates to the int16 range.
// NaN maps to 0.
func ToInt16(v float64) int16 {
	switch {
	case math.IsNaN(v):
		return 0
	case v >= math.MaxInt16:
		return math.MaxInt16
	case v <= math.MinInt16:
		return math.MinInt16
	}
	return int16(math.Round(v))
}

// ToInt16Slice applies ToInt16 to every element.
func ToInt16Slice(v []float64) []int16 {
	out := make([]int16, len(v))
	for i, x := range v {
		out[i] = ToInt16(x)
	}
	return out
}

// SaturatingAdd returns a+b clamped to the int16 range.
func SaturatingAdd(a int16, b int64) int16 {
	s := int64(a) + b
	if s > math.MaxInt16 {
		return math.MaxInt16
	}
	if s < math.MinInt16 {
		return math.MinInt16
	}
	return int16(s)
}
