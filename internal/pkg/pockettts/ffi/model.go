package ffi

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/rs/zerolog/log"

	"pockettts/internal/pkg/pockettts/engine"
)

// sharedModel counts the handle and every cursor created from it. The
// engine closes when the last share is released.
type sharedModel struct {
	engine.Model
	refs atomic.Int32
}

func newShared(m engine.Model) *sharedModel {
	s := &sharedModel{Model: m}
	s.refs.Store(1)
	return s
}

func (s *sharedModel) retain() *sharedModel {
	s.refs.Add(1)
	return s
}

func (s *sharedModel) release() {
	if s.refs.Add(-1) != 0 {
		return
	}
	if err := s.Close(); err != nil {
		log.Warn().Err(err).Str("variant", s.Variant().Name).Msg("Failed to close model")
		return
	}
	log.Debug().Str("variant", s.Variant().Name).Msg("Model closed")
}

// Model is the caller's share of a loaded engine.
type Model struct {
	shared *sharedModel
}

// loadModel resolves from the storage root when dir is nil.
func loadModel(variant, dir unsafe.Pointer, params *engine.Params) *Model {
	name, err := goString(variant)
	if err != nil {
		fail(err)
		return nil
	}
	var path string
	if dir != nil {
		if path, err = goString(dir); err != nil {
			fail(err)
			return nil
		}
		if path == "" {
			fail(fmt.Errorf("%w: model directory is empty", engine.ErrModelNotFound))
			return nil
		}
	}

	p := engine.DefaultParams()
	if params != nil {
		p = *params
	}

	var m engine.Model
	if dir == nil {
		m, err = engine.LoadWithParams(name, p)
	} else {
		m, err = engine.LoadWithParamsFromDir(name, path, p)
	}
	if err != nil {
		fail(err)
		return nil
	}

	log.Debug().Str("variant", name).Str("dir", path).Int("sample_rate", m.SampleRate()).Msg("Model loaded")
	return &Model{shared: newShared(m)}
}

// ModelLoad loads variant from the configured storage root.
func ModelLoad(variant unsafe.Pointer) (m *Model) {
	defer recoverHandle("model_load", &m)
	begin()
	return loadModel(variant, nil, nil)
}

func ModelLoadWithParams(variant unsafe.Pointer, temperature float32, decodeSteps uintptr, eosThreshold float32) (m *Model) {
	defer recoverHandle("model_load_with_params", &m)
	begin()
	return loadModel(variant, nil, &engine.Params{
		Temperature:  temperature,
		DecodeSteps:  int(decodeSteps),
		EOSThreshold: eosThreshold,
	})
}

// ModelLoadFromDir loads variant from dir. dir must not be null.
func ModelLoadFromDir(variant, dir unsafe.Pointer) (m *Model) {
	defer recoverHandle("model_load_from_dir", &m)
	begin()
	if dir == nil {
		fail(ErrNullPointer)
		return nil
	}
	return loadModel(variant, dir, nil)
}

func ModelLoadWithParamsFromDir(variant, dir unsafe.Pointer, temperature float32, decodeSteps uintptr, eosThreshold float32) (m *Model) {
	defer recoverHandle("model_load_with_params_from_dir", &m)
	begin()
	if dir == nil {
		fail(ErrNullPointer)
		return nil
	}
	return loadModel(variant, dir, &engine.Params{
		Temperature:  temperature,
		DecodeSteps:  int(decodeSteps),
		EOSThreshold: eosThreshold,
	})
}

// ModelFree drops the caller's share. Cursors created from m keep the
// engine alive until they are freed.
func ModelFree(m *Model) {
	defer recoverVoid("model_free")
	if m == nil || m.shared == nil {
		return
	}
	m.shared.release()
	m.shared = nil
}

// ModelSampleRate returns 0 for a null handle.
func ModelSampleRate(m *Model) (rate uint32) {
	defer func() {
		if r := recover(); r != nil {
			report("model_sample_rate", r)
			rate = 0
		}
	}()
	if m == nil || m.shared == nil {
		return 0
	}
	return uint32(m.shared.SampleRate())
}
