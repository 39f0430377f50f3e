// Package enginetest provides a deterministic backend so the layers above
// the engine can be tested without model weights. Audio and prompt parsing
// are the real ones; only synthesis is synthetic.
package enginetest

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"pockettts/internal/pkg/pockettts/engine"
	"pockettts/internal/pkg/pockettts/preprocess"
)

const (
	BackendName = "enginetest"
	VariantName = "enginetest"
	SampleRate  = 24000
	// Dim is the conditioning dimension of encoded and accepted prompts.
	Dim = 4
	// FramesPerSecond of reference audio in an encoded prompt.
	FramesPerSecond = 12.5
	// SamplesPerWord is the length of every chunk. A stream yields one
	// chunk per word of the prepared prompt.
	SamplesPerWord = 480
	// FailWord makes a stream fail when it reaches that word.
	FailWord = "explode"
	// CorruptMarker in a model directory makes loading fail.
	CorruptMarker = "corrupt"
)

var ErrBackendClosed = errors.New("enginetest: backend used after close")

type Backend struct {
	rate int

	mu      sync.Mutex
	encoded int
	streams int
	closed  bool
}

func New(sampleRate int) *Backend {
	return &Backend{rate: sampleRate}
}

func (b *Backend) SampleRate() int      { return b.rate }
func (b *Backend) ConditioningDim() int { return Dim }

func (b *Backend) EncodeReference(samples []float32) (*engine.VoiceState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBackendClosed
	}
	b.encoded++

	frames := int(float64(len(samples)) / float64(b.rate) * FramesPerSecond)
	if frames < 1 {
		frames = 1
	}
	var energy float64
	for _, s := range samples {
		energy += float64(s) * float64(s)
	}
	energy = math.Sqrt(energy / float64(len(samples)))

	data := make([]float32, frames*Dim)
	for i := range data {
		data[i] = float32(energy) * float32(i%Dim+1)
	}
	state := engine.DefaultVoiceState()
	state.Prompt = &engine.Tensor{Data: data, Shape: []int64{1, int64(frames), Dim}}
	return state, nil
}

func (b *Backend) NewStream(prompt preprocess.Prompt, state *engine.VoiceState) engine.Stream {
	b.mu.Lock()
	b.streams++
	b.mu.Unlock()

	var bias float32
	if state.Prompt != nil && len(state.Prompt.Data) > 0 {
		bias = state.Prompt.Data[0]
	}
	return &stream{
		backend: b,
		words:   strings.Fields(prompt.Text),
		rng:     rand.New(rand.NewPCG(state.Seed, uint64(len(prompt.Text)))),
		bias:    bias,
	}
}

func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errors.New("enginetest: backend closed twice")
	}
	b.closed = true
	return nil
}

func (b *Backend) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Encoded counts EncodeReference calls.
func (b *Backend) Encoded() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.encoded
}

// Streams counts NewStream calls.
func (b *Backend) Streams() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.streams
}

type stream struct {
	backend *Backend
	words   []string
	rng     *rand.Rand
	bias    float32
	closed  bool
}

func (s *stream) Next() (engine.Tensor, bool, error) {
	if s.closed {
		return engine.Tensor{}, false, engine.ErrStreamClosed
	}
	if s.backend.Closed() {
		return engine.Tensor{}, false, ErrBackendClosed
	}
	if len(s.words) == 0 {
		return engine.Tensor{}, false, nil
	}

	word := s.words[0]
	s.words = s.words[1:]
	if strings.EqualFold(strings.Trim(word, ".,!?;:"), FailWord) {
		return engine.Tensor{}, false, fmt.Errorf("enginetest: synthesis failed at %q", word)
	}

	data := make([]float32, SamplesPerWord)
	for i := range data {
		data[i] = s.bias + float32(s.rng.NormFloat64())*0.1
	}
	return engine.NewTensor(data, 1, SamplesPerWord), true, nil
}

func (s *stream) Close() error {
	s.closed = true
	return nil
}

var (
	registerOnce sync.Once
	loadedMu     sync.Mutex
	loaded       []*Backend
)

// Register adds the enginetest backend and variant to the engine registry.
// Safe to call from every test.
func Register() {
	registerOnce.Do(func() {
		engine.Register(BackendName, func(cfg engine.Config) (engine.Backend, error) {
			if _, err := os.Stat(filepath.Join(cfg.ModelDir, CorruptMarker)); err == nil {
				return nil, errors.New("enginetest: corrupt weights")
			}
			b := New(cfg.Variant.SampleRate)
			loadedMu.Lock()
			loaded = append(loaded, b)
			loadedMu.Unlock()
			return b, nil
		})
		engine.RegisterVariant(engine.Variant{Name: VariantName, Backend: BackendName, SampleRate: SampleRate})
	})
}

// Last returns the backend created by the most recent load, or nil.
func Last() *Backend {
	loadedMu.Lock()
	defer loadedMu.Unlock()
	if len(loaded) == 0 {
		return nil
	}
	return loaded[len(loaded)-1]
}

// ModelDir creates an empty model directory for VariantName under root, the
// layout Load expects below the storage root.
func ModelDir(root string) (string, error) {
	dir := filepath.Join(root, VariantName)
	return dir, os.MkdirAll(dir, 0o755)
}
