package onnx

import (
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	ort "github.com/yalue/onnxruntime_go"

	"pockettts/internal/pkg/pockettts/engine"
	"pockettts/internal/pkg/pockettts/preprocess"
)

// framesPerSecond is the latent frame rate of the codec.
const framesPerSecond = 12.5

// maxFrames bounds generation at two seconds past a three tokens per
// second reading speed.
func maxFrames(tokens int) int {
	seconds := float64(tokens)/3 + 2
	return int(math.Ceil(seconds * framesPerSecond))
}

// stopper decides when a stream has produced its last frame.
type stopper struct {
	threshold float32
	after     int
	limit     int

	frames int
	eosAt  int
}

func newStopper(threshold float32, after, limit int) *stopper {
	return &stopper{threshold: threshold, after: after, limit: limit, eosAt: -1}
}

func (s *stopper) done() bool {
	if s.frames >= s.limit {
		return true
	}
	return s.eosAt >= 0 && s.frames > s.eosAt+s.after
}

// observe records the end-of-speech logit of the frame being produced.
func (s *stopper) observe(eosLogit float32) {
	if s.eosAt < 0 && eosLogit > s.threshold {
		s.eosAt = s.frames
	}
	s.frames++
}

// lsdTimes is the (s, t) pair of every decode step over [0, 1].
func lsdTimes(steps int) [][2]float32 {
	times := make([][2]float32, steps)
	for i := range times {
		times[i] = [2]float32{float32(i) / float32(steps), float32(i+1) / float32(steps)}
	}
	return times
}

func noise(rng *rand.Rand, n int, temperature float32) []float32 {
	x := make([]float32, n)
	if temperature == 0 {
		return x
	}
	std := math.Sqrt(float64(temperature))
	for i := range x {
		x[i] = float32(rng.NormFloat64() * std)
	}
	return x
}

func bosLatent() []float32 {
	x := make([]float32, latentDim)
	for i := range x {
		x[i] = float32(math.NaN())
	}
	return x
}

type stream struct {
	id       string
	pipeline *Pipeline
	tok      *Tokenizer
	params   engine.Params
	prompt   preprocess.Prompt
	voice    *engine.VoiceState
	rng      *rand.Rand

	started bool
	done    bool
	closed  bool

	pending []float32
	prev    []float32
	lm      []ort.Value
	dec     []ort.Value
	stop    *stopper
}

func newStream(p *Pipeline, tok *Tokenizer, params engine.Params, prompt preprocess.Prompt, voice *engine.VoiceState) *stream {
	return &stream{
		id:       uuid.NewString(),
		pipeline: p,
		tok:      tok,
		params:   params,
		prompt:   prompt,
		voice:    voice,
		rng:      rand.New(rand.NewPCG(voice.Seed, uint64(len(prompt.Text)))),
	}
}

func (s *stream) start() error {
	tokens := s.tok.Encode(s.prompt.Text)
	if len(tokens) == 0 {
		return engine.ErrEmptyText
	}
	embeds, err := s.pipeline.TextEmbeddings(tokens)
	if err != nil {
		return fmt.Errorf("failed to get text embeddings: %w", err)
	}

	if s.voice.Prompt != nil {
		s.pending = append(append([]float32(nil), s.voice.Prompt.Data...), embeds...)
	} else {
		s.pending = embeds
	}
	s.prev = bosLatent()
	s.stop = newStopper(s.params.EOSThreshold, s.prompt.FramesAfterEOS, maxFrames(len(tokens)))

	if s.lm, err = newState(lmStates()); err != nil {
		return fmt.Errorf("failed to create lm_main state: %w", err)
	}
	if s.dec, err = newState(decoderStates); err != nil {
		return fmt.Errorf("failed to create decoder state: %w", err)
	}

	log.Debug().Str("stream", s.id).Int("tokens", len(tokens)).Int("prompt_frames", s.voice.PromptFrames()).
		Int("max_frames", s.stop.limit).Msg("Stream started")
	return nil
}

func (s *stream) Next() (engine.Tensor, bool, error) {
	if s.closed {
		return engine.Tensor{}, false, engine.ErrStreamClosed
	}
	if s.done {
		return engine.Tensor{}, false, nil
	}
	if !s.started {
		s.started = true
		if err := s.start(); err != nil {
			s.finish()
			return engine.Tensor{}, false, err
		}
	}
	if s.stop.done() {
		log.Debug().Str("stream", s.id).Int("frames", s.stop.frames).Msg("Stream finished")
		s.finish()
		return engine.Tensor{}, false, nil
	}

	frame, err := s.step()
	if err != nil {
		s.finish()
		return engine.Tensor{}, false, fmt.Errorf("frame %d: %w", s.stop.frames, err)
	}
	return engine.NewTensor(frame, 1, int64(len(frame))), true, nil
}

func (s *stream) step() ([]float32, error) {
	cond, eos, lm, err := s.pipeline.lmStep(s.prev, s.pending, s.lm)
	s.lm = lm
	if err != nil {
		return nil, err
	}
	s.pending = []float32{}
	s.stop.observe(eos)

	x := noise(s.rng, latentDim, s.params.Temperature)
	steps := float32(s.params.DecodeSteps)
	for _, st := range lsdTimes(s.params.DecodeSteps) {
		dir, err := s.pipeline.flow(cond, st[0], st[1], x)
		if err != nil {
			return nil, err
		}
		for i := range x {
			x[i] += dir[i] / steps
		}
	}

	audio, dec, err := s.pipeline.decode(x, s.dec)
	s.dec = dec
	if err != nil {
		return nil, err
	}
	s.prev = x
	return audio, nil
}

func (s *stream) finish() {
	s.done = true
	destroyAll(s.lm)
	destroyAll(s.dec)
	s.lm, s.dec, s.pending = nil, nil, nil
}

func (s *stream) Close() error {
	if s.closed {
		return nil
	}
	s.finish()
	s.closed = true
	return nil
}
