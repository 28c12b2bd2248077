// SPDX-License-Identifier: MIT
package capture

import "math"

// Gate trims leading and trailing silence from a recording so corpus files
// start and end on speech. Threshold is a fraction of full scale in [0, 1].
type Gate struct {
	threshold int32
}

// NewGate returns a Gate with the threshold clamped to [0, 1].
func NewGate(threshold float64) *Gate {
	g := &Gate{}
	g.SetThreshold(threshold)
	return g
}

// SetThreshold adjusts the gate threshold.
// The value is in the range of 0.0-1.0 where 0=always open, 1=always closed.
func (g *Gate) SetThreshold(threshold float64) {
	if threshold < 0.0 {
		threshold = 0.0
	}
	if threshold > 1.0 {
		threshold = 1.0
	}
	g.threshold = int32(threshold * float64(math.MaxInt16))
}

// Threshold returns the current threshold as a fraction of full scale.
func (g *Gate) Threshold() float64 {
	return float64(g.threshold) / float64(math.MaxInt16)
}

// Open reports whether any sample in frame exceeds the threshold.
func (g *Gate) Open(frame []int16) bool {
	var peak int32
	for _, s := range frame {
		v := int32(s)
		mask := v >> 31
		amplitude := (v ^ mask) - mask
		diff := amplitude - peak
		peak += (diff & (diff >> 31)) ^ diff
	}
	return peak > g.threshold
}

// Trim drops frameSize-sized frames from both ends of samples while the
// gate stays closed. The result aliases samples.
func (g *Gate) Trim(samples []int16, frameSize int) []int16 {
	if frameSize <= 0 {
		return samples
	}
	start, end := 0, len(samples)
	for start < end {
		stop := min(start+frameSize, end)
		if g.Open(samples[start:stop]) {
			break
		}
		start = stop
	}
	for end > start {
		from := max(end-frameSize, start)
		if g.Open(samples[from:end]) {
			break
		}
		end = from
	}
	return samples[start:end]
}
