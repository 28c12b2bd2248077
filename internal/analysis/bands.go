package analysis

import "math"

// FrequencyBand is a named frequency range, LowHz inclusive, HighHz exclusive.
type FrequencyBand struct {
	Name   string
	LowHz  float64
	HighHz float64
}

// SpeechBands splits the range up to Nyquist into the bands speech
// intelligibility is usually judged on.
func SpeechBands(sampleRate float64) []FrequencyBand {
	return []FrequencyBand{
		{Name: "low", LowHz: 0, HighHz: 500},
		{Name: "mid", LowHz: 500, HighHz: 2000},
		{Name: "high", LowHz: 2000, HighHz: sampleRate/2 + 1},
	}
}

// BandSNR returns, per band, the SNR in dB of test against clean summed over
// every frame. The error spectrum is the spectrum of clean-test. Bands with
// no reference energy are left out; an exact match is +Inf.
func BandSNR(clean, test []int16, s *Spectrum, bands []FrequencyBand) map[string]float64 {
	if len(bands) == 0 {
		return nil
	}
	n := min(len(clean), len(test))
	signal := make([]float64, len(bands))
	noise := make([]float64, len(bands))

	p := make([]float64, s.Bins())
	e := make([]float64, s.Bins())
	residual := make([]int16, s.Size())

	for start := 0; start+s.Size() <= n; start += s.Size() {
		frame := clean[start : start+s.Size()]
		for i := range residual {
			d := int32(frame[i]) - int32(test[start+i])
			residual[i] = int16(max(-32768, min(32767, d)))
		}
		_ = s.Power(p, frame)
		_ = s.Power(e, residual)

		for k := range p {
			f := s.FrequencyForBin(k)
			for b, band := range bands {
				if f >= band.LowHz && f < band.HighHz {
					signal[b] += p[k]
					noise[b] += e[k]
					break
				}
			}
		}
	}

	out := make(map[string]float64, len(bands))
	for b, band := range bands {
		if signal[b] == 0 {
			continue
		}
		if noise[b] == 0 {
			out[band.Name] = math.Inf(1)
			continue
		}
		out[band.Name] = powerDB(signal[b] / noise[b])
	}
	return out
}
