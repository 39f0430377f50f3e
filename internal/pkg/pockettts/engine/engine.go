// Package engine is the contract between the C boundary and the speech
// synthesis backends. A backend only supplies a speaker encoder and a
// single-text chunk stream; file handling, prompt artifacts, pause
// rendering and long-text chaining are shared here.
package engine

import (
	"errors"
	"fmt"

	"pockettts/internal/pkg/pockettts/preprocess"
)

var (
	ErrUnknownVariant    = errors.New("unknown model variant")
	ErrUnknownBackend    = errors.New("unknown backend")
	ErrModelNotFound     = errors.New("model weights not found")
	ErrInvalidParams     = errors.New("invalid generation parameters")
	ErrInvalidVoiceState = errors.New("invalid voice state")
	ErrEmptyText         = preprocess.ErrEmptyText
)

// Model is a loaded engine and is safe for concurrent use. Close must not
// run while streams created from the Model are still open.
type Model interface {
	SampleRate() int
	Variant() Variant
	Params() Params

	VoiceStateFromAudioFile(path string) (*VoiceState, error)
	VoiceStateFromPromptFile(path string) (*VoiceState, error)
	VoiceStateFromAudioBytes(data []byte) (*VoiceState, error)
	VoiceStateFromPromptBytes(data []byte) (*VoiceState, error)

	Generate(text string, state *VoiceState) (Tensor, error)
	GenerateWithPauses(text string, state *VoiceState) (Tensor, error)
	GenerateStream(text string, state *VoiceState) Stream
	GenerateStreamLong(text string, state *VoiceState) Stream

	Close() error
}

// Stream yields audio chunks one at a time. Next reports ok=false once the
// sequence is exhausted.
type Stream interface {
	Next() (chunk Tensor, ok bool, err error)
	Close() error
}

// Tensor is a dense float32 array in row-major order.
type Tensor struct {
	Data  []float32
	Shape []int64
}

func NewTensor(data []float32, shape ...int64) Tensor {
	if len(shape) == 0 {
		shape = []int64{int64(len(data))}
	}
	return Tensor{Data: data, Shape: shape}
}

func (t Tensor) NumElements() int64 {
	n := int64(1)
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

// Flatten returns the samples as one dimension after checking that the
// data agrees with the shape.
func (t Tensor) Flatten() ([]float32, error) {
	for _, d := range t.Shape {
		if d < 0 {
			return nil, fmt.Errorf("cannot flatten tensor with shape %v", t.Shape)
		}
	}
	if n := t.NumElements(); n != int64(len(t.Data)) {
		return nil, fmt.Errorf("cannot flatten tensor with shape %v: holds %d elements", t.Shape, len(t.Data))
	}
	return t.Data, nil
}

func (t Tensor) Clone() Tensor {
	return Tensor{
		Data:  append([]float32(nil), t.Data...),
		Shape: append([]int64(nil), t.Shape...),
	}
}

type Params struct {
	Temperature  float32
	DecodeSteps  int
	EOSThreshold float32
}

func DefaultParams() Params {
	return Params{
		Temperature:  0.7,
		DecodeSteps:  1,
		EOSThreshold: -4.0,
	}
}

func (p Params) Validate() error {
	if p.Temperature < 0 {
		return fmt.Errorf("%w: temperature %v is negative", ErrInvalidParams, p.Temperature)
	}
	if p.DecodeSteps < 1 {
		return fmt.Errorf("%w: decode steps must be at least 1, got %d", ErrInvalidParams, p.DecodeSteps)
	}
	return nil
}
