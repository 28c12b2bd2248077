// SPDX-License-Identifier: MIT
package capture

import (
	"context"
	"errors"
	"fmt"
	"time"

	"denoiser/internal/audio"
	"denoiser/internal/config"
	applog "denoiser/internal/log"

	"github.com/gordonklaus/portaudio"
)

// inputStream is the subset of *portaudio.Stream the recorder drives.
type inputStream interface {
	Start() error
	Read() error
	Stop() error
	Close() error
}

// openStream opens a blocking mono int16 input stream that fills buf on Read.
var openStream = func(params portaudio.StreamParameters, buf []int16) (inputStream, error) {
	return portaudio.OpenStream(params, buf)
}

// Recorder captures mono 16-bit audio from one input device.
type Recorder struct {
	cfg        config.RecordingConfig
	sampleRate int

	device  *portaudio.DeviceInfo
	latency time.Duration

	// Pre-allocated stream buffer, refilled by each blocking Read.
	buf []int16
}

// NewRecorder resolves the configured input device. sampleRate should be
// the pipeline rate so recordings go into the corpus without resampling.
func NewRecorder(cfg config.RecordingConfig, sampleRate int) (*Recorder, error) {
	if sampleRate < config.MinSampleRate || sampleRate > config.MaxSampleRate {
		return nil, fmt.Errorf("capture: sample rate %d out of range", sampleRate)
	}
	device, err := InputDevice(cfg.Device)
	if err != nil {
		return nil, err
	}

	r := &Recorder{
		cfg:        cfg,
		sampleRate: sampleRate,
		device:     device,
		buf:        make([]int16, cfg.FramesPerBuffer),
	}
	if cfg.LowLatency {
		r.latency = device.DefaultLowInputLatency
	} else {
		r.latency = device.DefaultHighInputLatency
	}
	return r, nil
}

// Record captures until cfg.Duration worth of frames has been read or ctx
// is cancelled, whichever is first. Cancellation returns what was captured.
func (r *Recorder) Record(ctx context.Context) (audio.Clip, error) {
	params := portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   r.device,
			Channels: 1,
			Latency:  r.latency,
		},
		FramesPerBuffer: len(r.buf),
		SampleRate:      float64(r.sampleRate),
	}

	stream, err := openStream(params, r.buf)
	if err != nil {
		return audio.Clip{}, fmt.Errorf("capture: open stream: %w", err)
	}
	defer stream.Close()

	if err := stream.Start(); err != nil {
		return audio.Clip{}, fmt.Errorf("capture: start stream: %w", err)
	}

	want := int(r.cfg.Duration.Seconds() * float64(r.sampleRate))
	samples := make([]int16, 0, want+len(r.buf))
	applog.Infof("Recorder: capturing %s from %q at %d Hz", r.cfg.Duration, r.device.Name, r.sampleRate)

	for len(samples) < want {
		if ctx.Err() != nil {
			break
		}
		if err := stream.Read(); err != nil {
			// Input overflow drops frames but the stream stays usable.
			if errors.Is(err, portaudio.InputOverflowed) {
				applog.Warnf("Recorder: input overflowed, frames dropped")
				continue
			}
			stream.Stop()
			return audio.Clip{}, fmt.Errorf("capture: read: %w", err)
		}
		samples = append(samples, r.buf...)
	}

	if err := stream.Stop(); err != nil {
		return audio.Clip{}, fmt.Errorf("capture: stop stream: %w", err)
	}
	if len(samples) > want {
		samples = samples[:want]
	}
	return audio.Clip{Samples: samples, SampleRate: r.sampleRate}, nil
}
