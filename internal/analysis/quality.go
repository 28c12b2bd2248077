/*
Package analysis scores denoised audio against its clean reference:
signal-to-noise ratio, segmental SNR, log-spectral distance and per-band
SNR over the speech range. All scores compare the overlapping prefix of
the two signals.
*/
package analysis

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Segmental SNR clamps each frame to this range so silent or perfect frames
// do not dominate the mean.
const (
	MinSegmentSNR = -10.0
	MaxSegmentSNR = 35.0
)

// lsdFloor keeps empty spectral bins out of log(0).
const lsdFloor = 1e-10

// SNR returns the signal-to-noise ratio in dB of test against clean. An
// exact match is +Inf; a silent reference is -Inf unless test is silent too.
func SNR(clean, test []int16) float64 {
	n := min(len(clean), len(test))
	signal, noise := energies(clean[:n], test[:n])
	switch {
	case noise == 0:
		return math.Inf(1)
	case signal == 0:
		return math.Inf(-1)
	}
	return powerDB(signal / noise)
}

// SegmentalSNR averages the clamped SNR of consecutive frame-sized segments.
// Segments where the reference is silent are skipped. NaN when no segment
// counts.
func SegmentalSNR(clean, test []int16, frame int) float64 {
	n := min(len(clean), len(test))
	if frame <= 0 {
		return math.NaN()
	}
	var segs []float64
	for start := 0; start+frame <= n; start += frame {
		signal, noise := energies(clean[start:start+frame], test[start:start+frame])
		if signal == 0 {
			continue
		}
		snr := MaxSegmentSNR
		if noise > 0 {
			snr = math.Max(MinSegmentSNR, math.Min(MaxSegmentSNR, powerDB(signal/noise)))
		}
		segs = append(segs, snr)
	}
	if len(segs) == 0 {
		return math.NaN()
	}
	return stat.Mean(segs, nil)
}

// LogSpectralDistance is the mean over frames of the RMS difference, in dB,
// between the power spectra of clean and test. Frames are Size() samples
// long and do not overlap. Zero means identical spectra.
func LogSpectralDistance(clean, test []int16, s *Spectrum) float64 {
	n := min(len(clean), len(test))
	p := make([]float64, s.Bins())
	q := make([]float64, s.Bins())
	diff := make([]float64, s.Bins())

	var dists []float64
	for start := 0; start+s.Size() <= n; start += s.Size() {
		_ = s.Power(p, clean[start:start+s.Size()])
		_ = s.Power(q, test[start:start+s.Size()])
		for k := range diff {
			diff[k] = powerDB((p[k] + lsdFloor) / (q[k] + lsdFloor))
		}
		dists = append(dists, math.Sqrt(floats.Dot(diff, diff)/float64(len(diff))))
	}
	if len(dists) == 0 {
		return math.NaN()
	}
	return stat.Mean(dists, nil)
}

// Score is a full comparison of one signal against its reference.
type Score struct {
	SNR    float64            `yaml:"snr_db"`
	SegSNR float64            `yaml:"segmental_snr_db"`
	LSD    float64            `yaml:"log_spectral_distance_db"`
	Bands  map[string]float64 `yaml:"band_snr_db,omitempty"`
}

// Compare scores test against clean. frame is the segmental SNR segment
// length; s sets the spectral frame for LSD and band SNR.
func Compare(clean, test []int16, frame int, s *Spectrum, bands []FrequencyBand) Score {
	return Score{
		SNR:    SNR(clean, test),
		SegSNR: SegmentalSNR(clean, test, frame),
		LSD:    LogSpectralDistance(clean, test, s),
		Bands:  BandSNR(clean, test, s, bands),
	}
}

// energies returns sum(clean^2) and sum((clean-test)^2).
func energies(clean, test []int16) (signal, noise float64) {
	for i, c := range clean {
		cv := float64(c)
		d := cv - float64(test[i])
		signal += cv * cv
		noise += d * d
	}
	return signal, noise
}
