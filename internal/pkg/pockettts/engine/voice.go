package engine

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"pockettts/internal/pkg/pockettts/safetensors"
)

const (
	// PromptTensor is the tensor name exported voice prompts store their
	// conditioning under.
	PromptTensor = "audio_prompt"
	PromptExt    = ".safetensors"
)

// IsPromptPath reports whether path names a voice prompt rather than an
// audio clip. Only the extension is inspected.
func IsPromptPath(path string) bool {
	return strings.EqualFold(filepath.Ext(path), PromptExt)
}

// VoiceState conditions generation toward one voice. It is a value: the
// boundary clones it whenever a stream captures it.
type VoiceState struct {
	BatchSize int
	Seed      uint64
	// Prompt is the speaker conditioning, shape [1, frames, dim]. Nil for
	// the unconditioned default voice.
	Prompt *Tensor
}

func InitStates(batchSize int, seed uint64) *VoiceState {
	return &VoiceState{BatchSize: batchSize, Seed: seed}
}

// DefaultVoiceState is the library baseline: one batch element, seed 0.
func DefaultVoiceState() *VoiceState {
	return InitStates(1, 0)
}

func (v *VoiceState) Clone() *VoiceState {
	if v == nil {
		return nil
	}
	c := &VoiceState{BatchSize: v.BatchSize, Seed: v.Seed}
	if v.Prompt != nil {
		p := v.Prompt.Clone()
		c.Prompt = &p
	}
	return c
}

func (v *VoiceState) PromptFrames() int {
	if v == nil || v.Prompt == nil || len(v.Prompt.Shape) != 3 {
		return 0
	}
	return int(v.Prompt.Shape[1])
}

func (v *VoiceState) validate(dim int) error {
	if v.BatchSize != 1 {
		return fmt.Errorf("%w: batch size %d, only 1 is supported", ErrInvalidVoiceState, v.BatchSize)
	}
	if v.Prompt == nil {
		return nil
	}
	shape := v.Prompt.Shape
	if len(shape) != 3 || shape[0] != 1 || shape[1] < 1 {
		return fmt.Errorf("%w: prompt shape %v, want [1, frames, dim]", ErrInvalidVoiceState, shape)
	}
	if dim > 0 && shape[2] != int64(dim) {
		return fmt.Errorf("%w: prompt dim %d, model expects %d", ErrInvalidVoiceState, shape[2], dim)
	}
	if v.Prompt.NumElements() != int64(len(v.Prompt.Data)) {
		return fmt.Errorf("%w: prompt holds %d values for shape %v", ErrInvalidVoiceState, len(v.Prompt.Data), shape)
	}
	return nil
}

// VoiceStateFromPrompt builds a voice state from a parsed prompt artifact.
// Rank-2 prompts are promoted to a batch of one.
func VoiceStateFromPrompt(f *safetensors.File) (*VoiceState, error) {
	data, shape, err := f.Float32(PromptTensor)
	if err != nil {
		return nil, err
	}
	if len(shape) == 2 {
		shape = append([]int64{1}, shape...)
	}

	state := DefaultVoiceState()
	if s, ok := f.Metadata["seed"]; ok {
		seed, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: seed metadata %q: %v", ErrInvalidVoiceState, s, err)
		}
		state.Seed = seed
	}
	state.Prompt = &Tensor{Data: data, Shape: shape}
	return state, nil
}

// ExportPrompt encodes a voice state as a prompt artifact readable by
// VoiceStateFromPrompt.
func ExportPrompt(v *VoiceState) ([]byte, error) {
	if v == nil || v.Prompt == nil {
		return nil, fmt.Errorf("%w: nothing to export", ErrInvalidVoiceState)
	}
	return safetensors.Encode(
		[]safetensors.Tensor{{Name: PromptTensor, Shape: v.Prompt.Shape, Data: v.Prompt.Data}},
		map[string]string{"seed": strconv.FormatUint(v.Seed, 10)},
	)
}
