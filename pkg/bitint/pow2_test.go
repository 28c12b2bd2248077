// SPDX-License-Identifier: MIT
package bitint

import (
	"fmt"
	"testing"
)

func TestNextPowerOfTwo(t *testing.T) {
	tests := []struct {
		n        int
		expected int
	}{
		{-10, 1},     // Negative number
		{0, 1},       // Zero
		{8, 8},       // Already power of two
		{10, 16},     // Not power of two
		{320, 512},   // One PCM window
		{1000, 1024}, // Large number
		{3, 4},       // Small non-power
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d→%d", tt.n, tt.expected), func(t *testing.T) {
			result := NextPowerOfTwo(tt.n)
			if result != tt.expected {
				t.Errorf("NextPowerOfTwo(%d) = %d, expected %d", tt.n, result, tt.expected)
			}
		})
	}
}

func TestIsPowerOfTwo(t *testing.T) {
	tests := []struct {
		n        int
		expected bool
	}{
		{-2, false},     // Negative number
		{0, false},      // Zero
		{1, true},       // One
		{8, true},       // Power of two
		{320, false},    // Window size
		{1 << 20, true}, // Large power of two
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d→%t", tt.n, tt.expected), func(t *testing.T) {
			result := IsPowerOfTwo(tt.n)
			if result != tt.expected {
				t.Errorf("IsPowerOfTwo(%d) = %v, expected %v", tt.n, result, tt.expected)
			}
		})
	}
}

func TestPow2(t *testing.T) {
	tests := []struct {
		exp      int
		expected int64
	}{
		{-1, 0},
		{0, 1},
		{7, 128},
		{15, 32768},
		{31, 2147483648},
		{MaxExponent + 1, 0},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("2^%d", tt.exp), func(t *testing.T) {
			if got := Pow2(tt.exp); got != tt.expected {
				t.Errorf("Pow2(%d) = %d, expected %d", tt.exp, got, tt.expected)
			}
		})
	}
}

func TestInvPow2(t *testing.T) {
	for _, exp := range []int{1, 8, 16, 24, 32} {
		t.Run(fmt.Sprintf("2^-%d", exp), func(t *testing.T) {
			got := InvPow2(exp) * float64(Pow2(exp))
			if got != 1 {
				t.Errorf("InvPow2(%d) * Pow2(%d) = %v, expected exactly 1", exp, exp, got)
			}
		})
	}
}

func TestSignedRange(t *testing.T) {
	tests := []struct {
		bits   int
		lo, hi int64
	}{
		{8, -128, 127},
		{16, -32768, 32767},
		{24, -8388608, 8388607},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d-bit", tt.bits), func(t *testing.T) {
			lo, hi := SignedRange(tt.bits)
			if lo != tt.lo || hi != tt.hi {
				t.Errorf("SignedRange(%d) = [%d, %d], expected [%d, %d]", tt.bits, lo, hi, tt.lo, tt.hi)
			}
		})
	}
}

func BenchmarkNextPowerOfTwo(b *testing.B) {
	var i int
	b.ReportAllocs()
	for b.Loop() {
		NextPowerOfTwo(i % 10000)
		i++
	}
}

func BenchmarkInvPow2(b *testing.B) {
	var i int
	b.ReportAllocs()
	for b.Loop() {
		InvPow2(i % 32)
		i++
	}
}
