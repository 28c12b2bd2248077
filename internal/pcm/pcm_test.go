// SPDX-License-Identifier: MIT
package pcm

import (
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func ramp(n int) []int16 {
	s := make([]int16, n)
	for i := range s {
		s[i] = int16(i%2000 - 1000)
	}
	return s
}

func TestScalerRoundTrip(t *testing.T) {
	s := MustScaler(16)
	for x := math.MinInt16; x <= math.MaxInt16; x++ {
		y := s.Transform(float64(x))
		if y < 0 || y >= 1 {
			t.Fatalf("Transform(%d) = %v, outside [0, 1)", x, y)
		}
		if got := s.InverseTransform(y); got != float64(x) {
			t.Fatalf("InverseTransform(Transform(%d)) = %v", x, got)
		}
	}
}

func TestScalerConstants(t *testing.T) {
	s := MustScaler(16)
	assert.Equal(t, 16, s.Bits())
	assert.Equal(t, 0.5, s.Transform(0))
	assert.Equal(t, 0.0, s.Transform(-32768))
	assert.Equal(t, 0.0, s.InverseTransform(0.5))
}

func TestNewScalerRejectsBitDepth(t *testing.T) {
	for _, b := range []int{0, -1, 33} {
		_, err := NewScaler(b)
		assert.Error(t, err, "bits=%d", b)
	}
}

func TestScalerDense(t *testing.T) {
	s := MustScaler(8)
	m := mat.NewDense(2, 2, []float64{-128, 0, 64, 127})
	back := s.InverseDense(s.TransformDense(m))
	assert.True(t, mat.Equal(m, back))
}

func TestWindowRoundTrip(t *testing.T) {
	seq := ramp(10 * 320)
	chunks := Window(seq, 320)
	require.Len(t, chunks, 10)
	for _, c := range chunks {
		require.Len(t, c, 320)
	}
	assert.Equal(t, seq, Unwindow(chunks))
}

func TestWindowTruncation(t *testing.T) {
	tests := []struct{ k, r int }{{1, 1}, {3, 100}, {7, 319}}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("k=%d,r=%d", tt.k, tt.r), func(t *testing.T) {
			seq := ramp(tt.k*320 + tt.r)
			chunks := Window(seq, 320)
			require.Len(t, chunks, tt.k)
			assert.Equal(t, seq[:tt.k*320], Unwindow(chunks))
		})
	}
}

func TestWindowShortSequence(t *testing.T) {
	for _, n := range []int{0, 1, 100, 320} {
		t.Run(fmt.Sprint(n), func(t *testing.T) {
			chunks := Window(ramp(n), 320)
			require.Len(t, chunks, 1)
			assert.Len(t, chunks[0], n)
		})
	}
}

func TestWindowChunksDoNotOverlap(t *testing.T) {
	chunks := Window(ramp(960), 320)
	chunks[0] = append(chunks[0], 7)
	assert.Equal(t, int16(ramp(960)[320]), chunks[1][0], "append on one chunk must not clobber the next")
}

func TestBatch(t *testing.T) {
	m, err := Batch(Window(ramp(640), 320), 320)
	require.NoError(t, err)
	r, c := m.Dims()
	assert.Equal(t, 2, r)
	assert.Equal(t, 320, c)
	assert.Equal(t, float64(ramp(640)[321]), m.At(1, 1))

	_, err = Batch([][]int16{make([]int16, 320), make([]int16, 100)}, 320)
	assert.ErrorIs(t, err, ErrShapeMismatch)

	_, err = Batch(nil, 320)
	assert.ErrorIs(t, err, ErrShapeMismatch)
}

func TestCheckShape(t *testing.T) {
	m := mat.NewDense(3, 320, nil)
	assert.NoError(t, CheckShape(m, 3, 320))
	assert.ErrorIs(t, CheckShape(m, 3, 160), ErrShapeMismatch)
	assert.ErrorIs(t, CheckShape(m, 2, 320), ErrShapeMismatch)
}

func TestFlatten(t *testing.T) {
	m := mat.NewDense(2, 3, []float64{1, 2, 3, 4, 5, 6})
	assert.Equal(t, []float64{1, 2, 3, 4, 5, 6}, Flatten(m))
}

func TestToInt16(t *testing.T) {
	tests := []struct {
		in   float64
		want int16
	}{
		{0.4, 0},
		{0.5, 1},
		{-0.5, -1},
		{-1.6, -2},
		{4.999999999, 5}, // ensemble averaging lands just below the integer
		{-2.9999999, -3},
		{40000, math.MaxInt16},
		{-40000, math.MinInt16},
		{math.Inf(1), math.MaxInt16},
		{math.NaN(), 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ToInt16(tt.in), "ToInt16(%v)", tt.in)
	}
}

func TestSaturatingAdd(t *testing.T) {
	assert.Equal(t, int16(math.MaxInt16), SaturatingAdd(32000, 5000))
	assert.Equal(t, int16(math.MinInt16), SaturatingAdd(-32000, -5000))
	assert.Equal(t, int16(12), SaturatingAdd(10, 2))
}

func BenchmarkWindow(b *testing.B) {
	seq := ramp(16000 * 5)
	b.ReportAllocs()
	for b.Loop() {
		Window(seq, 320)
	}
}
