package ffi

import (
	"unsafe"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"pockettts/internal/pkg/pockettts/engine"
)

type cursorState int

const (
	cursorActive cursorState = iota
	cursorExhausted
	cursorFailed
)

func (s cursorState) String() string {
	switch s {
	case cursorActive:
		return "active"
	case cursorExhausted:
		return "exhausted"
	case cursorFailed:
		return "failed"
	}
	return "unknown"
}

// Stream is a generation cursor. It owns a share of the model and its own
// copy of the voice state, so the caller may free both while it runs. The
// engine stream reads nothing else.
type Stream struct {
	id    string
	model *sharedModel
	voice *engine.VoiceState
	inner engine.Stream
	state cursorState
}

// StreamNew starts a cursor. longText selects segment by segment streaming
// for inputs of any length. A null voice state uses a default voice owned
// by the cursor.
func StreamNew(m *Model, text unsafe.Pointer, v *VoiceState, longText int32) (s *Stream) {
	defer recoverHandle("stream_new", &s)
	begin()
	if m == nil || m.shared == nil {
		fail(ErrNullModel)
		return nil
	}
	t, err := goString(text)
	if err != nil {
		fail(err)
		return nil
	}

	voice := engine.DefaultVoiceState()
	if st := v.engineState(); st != nil {
		voice = st.Clone()
	}

	// Retain only once the inner stream exists.
	var inner engine.Stream
	if longText != 0 {
		inner = m.shared.GenerateStreamLong(t, voice)
	} else {
		inner = m.shared.GenerateStream(t, voice)
	}
	s = &Stream{
		id:    uuid.NewString(),
		model: m.shared.retain(),
		voice: voice,
		inner: inner,
	}
	log.Debug().Str("stream", s.id).Bool("long", longText != 0).Int("chars", len(t)).Msg("Stream created")
	return s
}

// StreamNext returns StatusData with one chunk, StatusOK once the cursor is
// exhausted, or StatusError. A cursor that failed keeps failing.
func StreamNext(s *Stream, outPtr *unsafe.Pointer, outLen *uintptr) (status int32) {
	defer recoverStatus("stream_next", &status)
	begin()
	if s == nil || s.inner == nil {
		fail(ErrNullStream)
		return StatusError
	}
	if outPtr == nil || outLen == nil {
		fail(ErrNullOutput)
		return StatusError
	}
	*outPtr, *outLen = nil, 0

	switch s.state {
	case cursorExhausted:
		return StatusOK
	case cursorFailed:
		fail(ErrStreamTerminated)
		return StatusError
	}

	chunk, ok, err := s.inner.Next()
	if err != nil {
		s.state = cursorFailed
		log.Debug().Str("stream", s.id).Err(err).Msg("Stream failed")
		fail(err)
		return StatusError
	}
	if !ok {
		s.state = cursorExhausted
		log.Debug().Str("stream", s.id).Msg("Stream exhausted")
		return StatusOK
	}

	samples, err := chunk.Flatten()
	if err != nil {
		s.state = cursorFailed
		fail(err)
		return StatusError
	}
	handoff(samples, outPtr, outLen)
	return StatusData
}

// StreamFree tears down the engine stream, the voice copy and the model
// share together.
func StreamFree(s *Stream) {
	defer recoverVoid("stream_free")
	if s == nil || s.inner == nil {
		return
	}
	if err := s.inner.Close(); err != nil {
		log.Warn().Str("stream", s.id).Err(err).Msg("Failed to close stream")
	}
	log.Debug().Str("stream", s.id).Stringer("state", s.state).Msg("Stream freed")
	s.inner, s.voice = nil, nil
	s.model.release()
	s.model = nil
}
