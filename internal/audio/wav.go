// SPDX-License-Identifier: MIT
/*
Package audio converts between encoded audio (WAV, Ogg Vorbis) and the
mono 16-bit sample sequences the denoising pipeline works on.

Corpus files must already be mono PCM. Request audio is more forgiving:
it is downmixed to mono and resampled to the configured target rate
before the pipeline sees it.
*/
package audio

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

var (
	// ErrMalformed reports bytes that cannot be decoded as audio.
	ErrMalformed = errors.New("audio: malformed input")
	// ErrUnsupported reports well-formed audio in a layout the pipeline does not accept.
	ErrUnsupported = errors.New("audio: unsupported format")
)

const wavFormatPCM = 1

// Clip is a mono sample sequence tagged with its sample rate.
type Clip struct {
	Samples    []int16
	SampleRate int
}

// Duration returns the playback length of the clip.
func (c Clip) Duration() time.Duration {
	if c.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(c.Samples)) * time.Second / time.Duration(c.SampleRate)
}

// pcm is a decoded interleaved buffer before channel and depth reduction.
type pcm struct {
	data       []int
	channels   int
	sampleRate int
	bitDepth   int
}

func decodeWAV(r io.ReadSeeker) (pcm, error) {
	d := wav.NewDecoder(r)
	if !d.IsValidFile() {
		return pcm{}, fmt.Errorf("%w: not a valid WAV stream", ErrMalformed)
	}
	if d.WavAudioFormat != wavFormatPCM {
		return pcm{}, fmt.Errorf("%w: WAV audio format %d (only integer PCM)", ErrUnsupported, d.WavAudioFormat)
	}
	switch d.BitDepth {
	case 16, 24, 32:
	default:
		return pcm{}, fmt.Errorf("%w: %d-bit WAV", ErrUnsupported, d.BitDepth)
	}

	buf, err := d.FullPCMBuffer()
	if err != nil {
		return pcm{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if buf.Format == nil || buf.Format.NumChannels < 1 || buf.Format.SampleRate <= 0 {
		return pcm{}, fmt.Errorf("%w: missing format chunk", ErrMalformed)
	}
	return pcm{
		data:       buf.Data,
		channels:   buf.Format.NumChannels,
		sampleRate: buf.Format.SampleRate,
		bitDepth:   int(d.BitDepth),
	}, nil
}

// mono averages interleaved channels and reduces the result to 16 bits.
func (p pcm) mono() []int16 {
	shift := uint(p.bitDepth - 16)
	frames := len(p.data) / p.channels
	out := make([]int16, frames)
	for i := range out {
		var sum int64
		for c := 0; c < p.channels; c++ {
			sum += int64(p.data[i*p.channels+c])
		}
		out[i] = int16((sum / int64(p.channels)) >> shift)
	}
	return out
}

// DecodeWAV reads a mono integer-PCM WAV stream. Multi-channel input is
// rejected with ErrUnsupported.
func DecodeWAV(r io.ReadSeeker) (Clip, error) {
	p, err := decodeWAV(r)
	if err != nil {
		return Clip{}, err
	}
	if p.channels != 1 {
		return Clip{}, fmt.Errorf("%w: %d channels, corpus audio must be mono", ErrUnsupported, p.channels)
	}
	return Clip{Samples: p.mono(), SampleRate: p.sampleRate}, nil
}

// ReadWAVFile loads a mono WAV file from disk.
func ReadWAVFile(path string) (Clip, error) {
	f, err := os.Open(path)
	if err != nil {
		return Clip{}, err
	}
	defer f.Close()

	clip, err := DecodeWAV(f)
	if err != nil {
		return Clip{}, fmt.Errorf("%s: %w", path, err)
	}
	return clip, nil
}

// EncodeWAV writes clip as 16-bit mono PCM.
func EncodeWAV(w io.WriteSeeker, clip Clip) error {
	if clip.SampleRate <= 0 {
		return fmt.Errorf("audio: invalid sample rate %d", clip.SampleRate)
	}
	enc := wav.NewEncoder(w, clip.SampleRate, 16, 1, wavFormatPCM)

	data := make([]int, len(clip.Samples))
	for i, s := range clip.Samples {
		data[i] = int(s)
	}
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: clip.SampleRate},
		Data:           data,
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		return fmt.Errorf("audio: write WAV samples: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("audio: finalize WAV: %w", err)
	}
	return nil
}

// WAVBytes encodes clip into an in-memory WAV file.
func WAVBytes(clip Clip) ([]byte, error) {
	var sb seekBuffer
	if err := EncodeWAV(&sb, clip); err != nil {
		return nil, err
	}
	return sb.Bytes(), nil
}

// WriteWAVFile encodes clip to path, replacing any existing file.
func WriteWAVFile(path string, clip Clip) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := EncodeWAV(f, clip); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
