// Package onnx runs the exported pocket-tts graphs with ONNX Runtime. A
// stream produces one 80ms frame per Next: backbone step, flow decode, then
// the streaming codec decoder.
package onnx

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"

	"pockettts/internal/pkg/pockettts/engine"
	"pockettts/internal/pkg/pockettts/preprocess"
)

const BackendName = "onnx"

func init() {
	engine.Register(BackendName, New)
}

type Backend struct {
	pipeline  *Pipeline
	tokenizer *Tokenizer
	params    engine.Params
	rate      int

	closeOnce sync.Once
	closeErr  error
}

func New(cfg engine.Config) (engine.Backend, error) {
	tokenizer, err := NewTokenizer(filepath.Join(cfg.ModelDir, "vocab.json"))
	if err != nil {
		return nil, fmt.Errorf("failed to create tokenizer: %w", err)
	}

	if err := acquireRuntime(cfg.OnnxRuntimeLib); err != nil {
		return nil, err
	}
	pipeline, err := NewPipeline(cfg.ModelDir, cfg.Variant.Int8, cfg.IntraOpThreads)
	if err != nil {
		releaseRuntime()
		return nil, fmt.Errorf("failed to create pipeline: %w", err)
	}

	log.Info().Str("variant", cfg.Variant.Name).Str("dir", cfg.ModelDir).Bool("int8", cfg.Variant.Int8).
		Int("vocab", tokenizer.VocabSize()).Msg("Loaded ONNX model")

	return &Backend{
		pipeline:  pipeline,
		tokenizer: tokenizer,
		params:    cfg.Params,
		rate:      cfg.Variant.SampleRate,
	}, nil
}

func (b *Backend) SampleRate() int      { return b.rate }
func (b *Backend) ConditioningDim() int { return hiddenDim }

func (b *Backend) EncodeReference(samples []float32) (*engine.VoiceState, error) {
	data, shape, err := b.pipeline.EncodeReference(samples)
	if err != nil {
		return nil, err
	}
	state := engine.DefaultVoiceState()
	state.Prompt = &engine.Tensor{Data: data, Shape: shape}
	return state, nil
}

func (b *Backend) NewStream(prompt preprocess.Prompt, state *engine.VoiceState) engine.Stream {
	return newStream(b.pipeline, b.tokenizer, b.params, prompt, state)
}

func (b *Backend) Close() error {
	b.closeOnce.Do(func() {
		b.closeErr = errors.Join(b.pipeline.Close(), releaseRuntime())
	})
	return b.closeErr
}
