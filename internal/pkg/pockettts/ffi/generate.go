package ffi

import (
	"unsafe"

	"pockettts/internal/pkg/pockettts/engine"
)

type generateFunc func(m engine.Model, text string, state *engine.VoiceState) (engine.Tensor, error)

func generate(m *Model, text unsafe.Pointer, v *VoiceState, outPtr *unsafe.Pointer, outLen *uintptr, run generateFunc) int32 {
	if m == nil || m.shared == nil {
		fail(ErrNullModel)
		return StatusError
	}
	if outPtr == nil || outLen == nil {
		fail(ErrNullOutput)
		return StatusError
	}
	*outPtr, *outLen = nil, 0

	s, err := goString(text)
	if err != nil {
		fail(err)
		return StatusError
	}

	out, err := run(m.shared.Model, s, v.engineState())
	if err != nil {
		fail(err)
		return StatusError
	}
	samples, err := out.Flatten()
	if err != nil {
		fail(err)
		return StatusError
	}
	handoff(samples, outPtr, outLen)
	return StatusOK
}

// Generate synthesises text in one call. A null voice state uses the
// default voice for this call only.
func Generate(m *Model, text unsafe.Pointer, v *VoiceState, outPtr *unsafe.Pointer, outLen *uintptr) (status int32) {
	defer recoverStatus("generate", &status)
	begin()
	return generate(m, text, v, outPtr, outLen, engine.Model.Generate)
}

// GenerateWithPauses honours [pause] markers and ellipses.
func GenerateWithPauses(m *Model, text unsafe.Pointer, v *VoiceState, outPtr *unsafe.Pointer, outLen *uintptr) (status int32) {
	defer recoverStatus("generate_with_pauses", &status)
	begin()
	return generate(m, text, v, outPtr, outLen, engine.Model.GenerateWithPauses)
}
