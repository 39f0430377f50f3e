package engine

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"pockettts/internal/pkg/pockettts/audio"
	"pockettts/internal/pkg/pockettts/preprocess"
	"pockettts/internal/pkg/pockettts/safetensors"
)

type model struct {
	backend Backend
	variant Variant
	params  Params

	closeOnce sync.Once
	closeErr  error
}

// NewModel wraps a backend that was constructed outside the registry.
func NewModel(backend Backend, variant Variant, params Params) Model {
	return &model{backend: backend, variant: variant, params: params}
}

func (m *model) SampleRate() int  { return m.backend.SampleRate() }
func (m *model) Variant() Variant { return m.variant }
func (m *model) Params() Params   { return m.params }

func (m *model) VoiceStateFromAudioFile(path string) (*VoiceState, error) {
	a, err := audio.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read reference audio: %w", err)
	}
	return m.encode(a)
}

func (m *model) VoiceStateFromAudioBytes(data []byte) (*VoiceState, error) {
	a, err := audio.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode reference audio: %w", err)
	}
	return m.encode(a)
}

func (m *model) encode(a *audio.Audio) (*VoiceState, error) {
	if len(a.Samples) == 0 {
		return nil, fmt.Errorf("%w: reference audio holds no samples", ErrInvalidVoiceState)
	}
	a = a.Resample(m.backend.SampleRate())

	state, err := m.backend.EncodeReference(a.Samples)
	if err != nil {
		return nil, fmt.Errorf("failed to encode reference audio: %w", err)
	}
	if err := state.validate(m.backend.ConditioningDim()); err != nil {
		return nil, err
	}
	log.Debug().Int("frames", state.PromptFrames()).Float64("seconds", a.Duration()).Msg("Encoded reference voice")
	return state, nil
}

func (m *model) VoiceStateFromPromptFile(path string) (*VoiceState, error) {
	f, err := safetensors.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read voice prompt: %w", err)
	}
	return m.prompt(f)
}

func (m *model) VoiceStateFromPromptBytes(data []byte) (*VoiceState, error) {
	f, err := safetensors.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse voice prompt: %w", err)
	}
	return m.prompt(f)
}

func (m *model) prompt(f *safetensors.File) (*VoiceState, error) {
	state, err := VoiceStateFromPrompt(f)
	if err != nil {
		return nil, fmt.Errorf("failed to load voice prompt: %w", err)
	}
	if err := state.validate(m.backend.ConditioningDim()); err != nil {
		return nil, err
	}
	return state, nil
}

// resolve returns a private copy of state, or the default voice when state
// is nil.
func (m *model) resolve(state *VoiceState) (*VoiceState, error) {
	if state == nil {
		return DefaultVoiceState(), nil
	}
	if err := state.validate(m.backend.ConditioningDim()); err != nil {
		return nil, err
	}
	return state.Clone(), nil
}

func (m *model) Generate(text string, state *VoiceState) (Tensor, error) {
	return Drain(m.GenerateStream(text, state))
}

func (m *model) GenerateWithPauses(text string, state *VoiceState) (Tensor, error) {
	segments, err := preprocess.SplitPauses(text)
	if err != nil {
		return Tensor{}, err
	}

	var samples []float32
	spoken := false
	for _, seg := range segments {
		if preprocess.Normalize(seg.Text) != "" {
			out, err := m.Generate(seg.Text, state)
			if err != nil {
				return Tensor{}, err
			}
			samples = append(samples, out.Data...)
			spoken = true
		}
		samples = append(samples, audio.Silence(seg.Pause.Seconds(), m.SampleRate())...)
	}
	if !spoken {
		return Tensor{}, ErrEmptyText
	}
	return NewTensor(samples, 1, int64(len(samples))), nil
}

func (m *model) GenerateStream(text string, state *VoiceState) Stream {
	prompt, err := preprocess.Prepare(text)
	if err != nil {
		return ErrorStream(err)
	}
	own, err := m.resolve(state)
	if err != nil {
		return ErrorStream(err)
	}
	return m.backend.NewStream(prompt, own)
}

// GenerateStreamLong splits text into segments of at most
// preprocess.DefaultChunkChars and streams each from the same voice state.
func (m *model) GenerateStreamLong(text string, state *VoiceState) Stream {
	own, err := m.resolve(state)
	if err != nil {
		return ErrorStream(err)
	}
	chunks := preprocess.ChunkText(preprocess.Normalize(text), preprocess.DefaultChunkChars)
	if len(chunks) == 0 {
		return ErrorStream(ErrEmptyText)
	}
	log.Debug().Int("segments", len(chunks)).Msg("Streaming long text")

	parts := make([]func() Stream, len(chunks))
	for i, chunk := range chunks {
		parts[i] = func() Stream { return m.GenerateStream(chunk, own) }
	}
	return Chain(parts...)
}

func (m *model) Close() error {
	m.closeOnce.Do(func() {
		m.closeErr = m.backend.Close()
	})
	return m.closeErr
}
