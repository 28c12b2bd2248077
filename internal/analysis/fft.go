// SPDX-License-Identifier: MIT
package analysis

import (
	"fmt"
	"math"
	"strings"

	applog "denoiser/internal/log"
	"denoiser/pkg/bitint"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/dsp/window"
)

// WindowFunc defines the type for selecting an FFT window function.
type WindowFunc int

// Enum for available window functions.
const (
	BartlettHann WindowFunc = iota
	Blackman
	BlackmanNuttall
	Hann
	Hamming
	Lanczos
	Nuttall
)

// Spectrum computes windowed power spectra of fixed-size PCM frames.
// A Spectrum reuses its buffers and is not safe for concurrent use.
type Spectrum struct {
	fft        *fourier.FFT
	size       int
	sampleRate float64

	input  []float64
	coeffs []complex128
	window []float64
}

// NewSpectrum returns a Spectrum of fftSize points (a power of two).
func NewSpectrum(fftSize int, sampleRate float64, windowType WindowFunc) (*Spectrum, error) {
	if !bitint.IsPowerOfTwo(fftSize) {
		return nil, fmt.Errorf("fft size must be a power of 2, got %d", fftSize)
	}
	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %f", sampleRate)
	}

	coeffs := make([]float64, fftSize)
	applyWindow(coeffs, windowType)
	applog.Debugf("Analysis: spectrum size %d at %.0f Hz, window %d", fftSize, sampleRate, windowType)

	return &Spectrum{
		fft:        fourier.NewFFT(fftSize),
		size:       fftSize,
		sampleRate: sampleRate,
		input:      make([]float64, fftSize),
		coeffs:     make([]complex128, fftSize/2+1),
		window:     coeffs,
	}, nil
}

// SpectrumFor picks the smallest power-of-two size that covers frame samples.
func SpectrumFor(frame int, sampleRate float64) (*Spectrum, error) {
	return NewSpectrum(bitint.NextPowerOfTwo(frame), sampleRate, Hann)
}

// Size returns the number of FFT points.
func (s *Spectrum) Size() int { return s.size }

// Bins returns the number of power values Power writes.
func (s *Spectrum) Bins() int { return len(s.coeffs) }

// Power writes the power spectrum of frame into dst, which must hold
// Bins() values. frame is normalised to [-1, 1), windowed and zero-padded
// to Size().
func (s *Spectrum) Power(dst []float64, frame []int16) error {
	if len(dst) != len(s.coeffs) {
		return fmt.Errorf("destination slice length %d does not match required length %d", len(dst), len(s.coeffs))
	}
	const norm = 1.0 / 32768
	for i := range s.size {
		if i < len(frame) {
			s.input[i] = float64(frame[i]) * norm * s.window[i]
		} else {
			s.input[i] = 0
		}
	}
	s.fft.Coefficients(s.coeffs, s.input)
	for i, c := range s.coeffs {
		dst[i] = real(c)*real(c) + imag(c)*imag(c)
	}
	return nil
}

// FrequencyForBin returns the centre frequency (Hz) of a bin.
func (s *Spectrum) FrequencyForBin(bin int) float64 {
	if bin < 0 || bin >= len(s.coeffs) {
		return 0
	}
	return float64(bin) * s.sampleRate / float64(s.size)
}

// ParseWindowFunc converts a string name (case-insensitive) to a WindowFunc
// enum, returns a known default (Hann) and an error if the name is unknown.
func ParseWindowFunc(name string) (WindowFunc, error) {
	switch strings.ToLower(name) {
	case "bartletthann":
		return BartlettHann, nil
	case "blackman":
		return Blackman, nil
	case "blackmannuttall":
		return BlackmanNuttall, nil
	case "hann", "hanning":
		return Hann, nil
	case "hamming":
		return Hamming, nil
	case "lanczos":
		return Lanczos, nil
	case "nuttall":
		return Nuttall, nil
	default:
		return Hann, fmt.Errorf("unknown FFT window function name: '%s'", name)
	}
}

// applyWindow fills coeffs with the selected window, Hann when unknown.
func applyWindow(coeffs []float64, windowType WindowFunc) {
	for i := range coeffs {
		coeffs[i] = 1.0
	}
	switch windowType {
	case BartlettHann:
		window.BartlettHann(coeffs)
	case Blackman:
		window.Blackman(coeffs)
	case BlackmanNuttall:
		window.BlackmanNuttall(coeffs)
	case Hann:
		window.Hann(coeffs)
	case Hamming:
		window.Hamming(coeffs)
	case Lanczos:
		window.Lanczos(coeffs)
	case Nuttall:
		window.Nuttall(coeffs)
	default:
		applog.Warnf("Analysis: unknown window function type %d, defaulting to Hann", windowType)
		window.Hann(coeffs)
	}
}

// powerDB converts a power ratio to decibels.
func powerDB(ratio float64) float64 {
	return 10 * math.Log10(ratio)
}
