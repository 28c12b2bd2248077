/*
Package bitint provides power-of-2 helpers used for PCM bit-depth
arithmetic and FFT sizing.

Usage:

	// Offset that centers signed b-bit samples at zero
	offset := bitint.Pow2(bits - 1) // 32768 for 16-bit PCM

	// Reciprocal of the full b-bit range
	scale := bitint.InvPow2(bits) // 1/65536 for 16-bit PCM

	// Pad a frame to the next valid FFT size
	fftSize := bitint.NextPowerOfTwo(320) // Returns 512

----------------------------------------------------------------------

What this code does:

	NextPowerOfTwo returns the next power of 2 greater than or
	equal to size. For powers of 2, it returns the same value.
	The subtraction (size-1) is what keeps exact powers of 2
	from being doubled: bits.Len64(8) is 4, bits.Len64(7) is 3.

	Pow2 and InvPow2 are exact for every exponent a PCM bit depth
	can take, so a scaler built from them round-trips integer
	samples without drift.
*/
package bitint

import (
	"math"
	"math/bits"
)

// MaxExponent is the largest exponent Pow2 accepts.
const MaxExponent = 62

// NextPowerOfTwo returns the next power of 2 >= size.
//
// Examples:
//
//	Input  Output  Explanation
//	4      4      Already power of 2 (preserved)
//	5      8      Next power after 5
//	320    512    One PCM window padded for FFT
//	0      1      Handle zero case
//	-1     1      Handle negative case
func NextPowerOfTwo(size int) int {
	if size <= 0 {
		return 1
	}

	// 64-bit platforms (where int is 64-bit)
	if ^uint(0)>>63 == 1 {
		return int(1 << (bits.Len64(uint64(size - 1))))
	}

	// 32-bit platforms
	return int(1 << (bits.Len32(uint32(size - 1))))
}

// IsPowerOfTwo checks if n is a power of 2 using bit manipulation.
//
//	Input  Output  Binary
//	8      true    1000 & 0111 = 0000
//	7      false   0111 & 0110 = 0110
//	0      false   Not positive
func IsPowerOfTwo(n int) bool {
	return n > 0 && (n&(n-1)) == 0
}

// Pow2 returns 2^exp as an int64. Exponents outside [0, MaxExponent]
// return 0.
func Pow2(exp int) int64 {
	if exp < 0 || exp > MaxExponent {
		return 0
	}
	return int64(1) << uint(exp)
}

// InvPow2 returns 2^(-exp) exactly.
func InvPow2(exp int) float64 {
	return math.Ldexp(1, -exp)
}

// SignedRange returns the inclusive bounds of a signed integer
// with the given bit depth, e.g. [-32768, 32767] for 16 bits.
func SignedRange(bitDepth int) (lo, hi int64) {
	half := Pow2(bitDepth - 1)
	return -half, half - 1
}
