package ffi

import (
	"unsafe"

	"github.com/rs/zerolog/log"

	"pockettts/internal/pkg/pockettts/engine"
)

// VoiceState is exclusively owned by the caller.
type VoiceState struct {
	state *engine.VoiceState
}

func VoiceStateDefault() (v *VoiceState) {
	defer recoverHandle("voice_state_default", &v)
	begin()
	return &VoiceState{state: engine.DefaultVoiceState()}
}

func VoiceStateFromPath(m *Model, path unsafe.Pointer) (v *VoiceState) {
	defer recoverHandle("voice_state_from_path", &v)
	begin()
	if m == nil || m.shared == nil {
		fail(ErrNullModel)
		return nil
	}
	p, err := goString(path)
	if err != nil {
		fail(err)
		return nil
	}

	var state *engine.VoiceState
	if engine.IsPromptPath(p) {
		state, err = m.shared.VoiceStateFromPromptFile(p)
	} else {
		state, err = m.shared.VoiceStateFromAudioFile(p)
	}
	if err != nil {
		fail(err)
		return nil
	}
	log.Debug().Str("path", p).Bool("prompt", engine.IsPromptPath(p)).Int("frames", state.PromptFrames()).Msg("Voice state loaded")
	return &VoiceState{state: state}
}

func voiceFromBytes(data unsafe.Pointer, n uintptr, load func([]byte) (*engine.VoiceState, error)) *VoiceState {
	b, err := goBytes(data, n)
	if err != nil {
		fail(err)
		return nil
	}
	state, err := load(b)
	if err != nil {
		fail(err)
		return nil
	}
	return &VoiceState{state: state}
}

// VoiceStateFromAudioBytes builds a voice from an in-memory WAV or MP3 clip.
func VoiceStateFromAudioBytes(m *Model, data unsafe.Pointer, n uintptr) (v *VoiceState) {
	defer recoverHandle("voice_state_from_audio_bytes", &v)
	begin()
	if m == nil || m.shared == nil {
		fail(ErrNullModel)
		return nil
	}
	return voiceFromBytes(data, n, m.shared.VoiceStateFromAudioBytes)
}

// VoiceStateFromPromptBytes builds a voice from an in-memory prompt artifact.
func VoiceStateFromPromptBytes(m *Model, data unsafe.Pointer, n uintptr) (v *VoiceState) {
	defer recoverHandle("voice_state_from_prompt_bytes", &v)
	begin()
	if m == nil || m.shared == nil {
		fail(ErrNullModel)
		return nil
	}
	return voiceFromBytes(data, n, m.shared.VoiceStateFromPromptBytes)
}

func VoiceStateFree(v *VoiceState) {
	defer recoverVoid("voice_state_free")
	if v == nil {
		return
	}
	v.state = nil
}

// engineState maps a null handle to nil, which the engine reads as the
// default voice.
func (v *VoiceState) engineState() *engine.VoiceState {
	if v == nil {
		return nil
	}
	return v.state
}
