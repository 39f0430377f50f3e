package audio

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"os"
)

// ErrUnsupportedFormat is returned when the bytes are neither WAV nor MP3.
var ErrUnsupportedFormat = errors.New("unsupported audio format")

type Audio struct {
	Samples    []float32
	SampleRate int
}

func NewAudio(samples []float32, sampleRate int) *Audio {
	return &Audio{
		Samples:    samples,
		SampleRate: sampleRate,
	}
}

// Silence returns d seconds of zero samples at sampleRate.
func Silence(seconds float64, sampleRate int) []float32 {
	n := int(math.Round(seconds * float64(sampleRate)))
	if n <= 0 {
		return nil
	}
	return make([]float32, n)
}

func (a *Audio) Duration() float64 {
	if a.SampleRate == 0 {
		return 0
	}
	return float64(len(a.Samples)) / float64(a.SampleRate)
}

// Resample converts to the target rate with linear interpolation. It
// returns the receiver unchanged when the rates already match.
func (a *Audio) Resample(target int) *Audio {
	if target <= 0 || a.SampleRate == target || len(a.Samples) == 0 {
		return a
	}

	ratio := float64(a.SampleRate) / float64(target)
	n := int(float64(len(a.Samples)) / ratio)
	out := make([]float32, n)
	last := len(a.Samples) - 1
	for i := range out {
		pos := float64(i) * ratio
		idx := int(pos)
		if idx >= last {
			out[i] = a.Samples[last]
			continue
		}
		frac := float32(pos - float64(idx))
		out[i] = a.Samples[idx]*(1-frac) + a.Samples[idx+1]*frac
	}
	return &Audio{Samples: out, SampleRate: target}
}

// Decode sniffs the container and decodes WAV or MP3 bytes to mono float32.
func Decode(data []byte) (*Audio, error) {
	switch {
	case len(data) >= 12 && bytes.Equal(data[0:4], []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WAVE")):
		return DecodeWAV(data)
	case len(data) >= 3 && bytes.Equal(data[0:3], []byte("ID3")):
		return DecodeMP3(data)
	case len(data) >= 2 && data[0] == 0xFF && data[1]&0xE0 == 0xE0:
		return DecodeMP3(data)
	default:
		return nil, ErrUnsupportedFormat
	}
}

func LoadFile(path string) (*Audio, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read audio file: %w", err)
	}
	a, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return a, nil
}

func downmix(interleaved []float32, channels int) []float32 {
	if channels <= 1 {
		return interleaved
	}
	frames := len(interleaved) / channels
	mono := make([]float32, frames)
	for i := 0; i < frames; i++ {
		var sum float32
		for c := 0; c < channels; c++ {
			sum += interleaved[i*channels+c]
		}
		mono[i] = sum / float32(channels)
	}
	return mono
}
