// SPDX-License-Identifier: MIT
package audio

import (
	"bytes"
	"fmt"
	"math"

	"github.com/jfreymuth/oggvorbis"
)

// Decode turns an uploaded byte stream into a mono clip at targetRate.
// WAV (integer PCM) and Ogg Vorbis are recognised by their magic bytes.
func Decode(data []byte, targetRate int) (Clip, error) {
	if targetRate <= 0 {
		return Clip{}, fmt.Errorf("audio: invalid target rate %d", targetRate)
	}
	if len(data) < 12 {
		return Clip{}, fmt.Errorf("%w: %d bytes", ErrMalformed, len(data))
	}

	var (
		samples []int16
		rate    int
	)
	switch {
	case bytes.HasPrefix(data, []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WAVE")):
		p, err := decodeWAV(bytes.NewReader(data))
		if err != nil {
			return Clip{}, err
		}
		samples, rate = p.mono(), p.sampleRate
	case bytes.HasPrefix(data, []byte("OggS")):
		floats, format, err := oggvorbis.ReadAll(bytes.NewReader(data))
		if err != nil {
			return Clip{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if format.Channels < 1 || format.SampleRate <= 0 {
			return Clip{}, fmt.Errorf("%w: invalid Vorbis header", ErrMalformed)
		}
		samples, rate = floatMono(floats, format.Channels), format.SampleRate
	default:
		return Clip{}, fmt.Errorf("%w: unrecognised container", ErrUnsupported)
	}

	return Clip{Samples: Resample(samples, rate, targetRate), SampleRate: targetRate}, nil
}

// floatMono averages interleaved [-1, 1] floats to saturated 16-bit samples.
func floatMono(data []float32, channels int) []int16 {
	frames := len(data) / channels
	out := make([]int16, frames)
	for i := range out {
		var sum float64
		for c := 0; c < channels; c++ {
			sum += float64(data[i*channels+c])
		}
		v := math.Round(sum / float64(channels) * 32768)
		out[i] = int16(math.Max(math.MinInt16, math.Min(math.MaxInt16, v)))
	}
	return out
}

// Resample converts samples from one rate to another by linear
// interpolation. Equal rates return the input unchanged.
func Resample(samples []int16, from, to int) []int16 {
	if from == to || from <= 0 || to <= 0 || len(samples) == 0 {
		return samples
	}

	n := int(int64(len(samples)) * int64(to) / int64(from))
	out := make([]int16, n)
	step := float64(from) / float64(to)
	last := len(samples) - 1
	for i := range out {
		pos := float64(i) * step
		j := int(pos)
		if j >= last {
			out[i] = samples[last]
			continue
		}
		frac := pos - float64(j)
		v := float64(samples[j])*(1-frac) + float64(samples[j+1])*frac
		out[i] = int16(math.Round(v))
	}
	return out
}
