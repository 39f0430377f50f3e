package onnx

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	ort "github.com/yalue/onnxruntime_go"
)

const (
	lmLayers          = 6
	lmStateCount      = lmLayers * 3
	decoderStateCount = 56
	latentDim         = 32
	hiddenDim         = 1024
	maxContext        = 1000
)

type dtype int

const (
	dtypeFloat dtype = iota
	dtypeInt64
	dtypeBool
)

type stateSpec struct {
	kind  dtype
	shape []int64
}

func f32(shape ...int64) stateSpec { return stateSpec{dtypeFloat, shape} }
func i64(shape ...int64) stateSpec { return stateSpec{dtypeInt64, shape} }
func flag() stateSpec              { return stateSpec{dtypeBool, []int64{1}} }

// decoderStates is the streaming state layout of the Mimi decoder export:
// convolution padding buffers with their first-frame flags, then the two
// transformer KV caches with offsets.
var decoderStates = []stateSpec{
	flag(), f32(1, 512, 6), flag(), f32(1, 64, 2), f32(1, 256, 6), flag(), f32(1, 256, 2),
	flag(), f32(1, 128, 0), f32(1, 128, 5), flag(), f32(1, 128, 2), flag(), f32(1, 64, 0),
	f32(1, 64, 4), flag(), f32(1, 64, 2), flag(), f32(1, 32, 0),
	f32(2, 1, 8, maxContext, 64), i64(1), i64(1), f32(2, 1, 8, maxContext, 64), i64(1), i64(1),
	flag(), f32(1, 512, 16), flag(), f32(1, 1, 6), flag(), f32(1, 64, 2), flag(), f32(1, 32, 0),
	flag(), f32(1, 512, 2), flag(), f32(1, 64, 4), flag(), f32(1, 128, 2), flag(), f32(1, 64, 0),
	flag(), f32(1, 128, 5), flag(), f32(1, 256, 2), flag(), f32(1, 128, 0), flag(), f32(1, 256, 6),
	f32(2, 1, 8, maxContext, 64), i64(1), i64(1), f32(2, 1, 8, maxContext, 64), i64(1), i64(1),
	f32(1, 512, 16),
}

// lmStates is one KV cache, scratch buffer and position per transformer layer.
func lmStates() []stateSpec {
	specs := make([]stateSpec, 0, lmStateCount)
	for i := 0; i < lmLayers; i++ {
		specs = append(specs, f32(2, 1, maxContext, 16, 64), f32(0), i64(1))
	}
	return specs
}

func newState(specs []stateSpec) ([]ort.Value, error) {
	values := make([]ort.Value, 0, len(specs))
	for i, spec := range specs {
		size := int64(1)
		for _, d := range spec.shape {
			size *= d
		}

		var v ort.Value
		var err error
		shape := ort.NewShape(spec.shape...)
		switch spec.kind {
		case dtypeBool:
			v, err = ort.NewCustomDataTensor(shape, make([]byte, max(size, 1)), ort.TensorElementDataTypeBool)
		case dtypeInt64:
			v, err = ort.NewTensor(shape, make([]int64, max(size, 1)))
		default:
			v, err = ort.NewTensor(shape, make([]float32, max(size, 1)))
		}
		if err != nil {
			destroyAll(values)
			return nil, fmt.Errorf("failed to create state_%d tensor: %w", i, err)
		}
		values = append(values, v)
	}
	return values, nil
}

type Pipeline struct {
	textConditioner *ort.DynamicAdvancedSession
	lmMain          *ort.DynamicAdvancedSession
	lmFlow          *ort.DynamicAdvancedSession
	encoder         *ort.DynamicAdvancedSession
	decoder         *ort.DynamicAdvancedSession
}

// graphPath prefers the int8 export of a graph when asked for and present.
func graphPath(dir, name string, useInt8 bool) string {
	if useInt8 {
		p := filepath.Join(dir, name+"_int8.onnx")
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return filepath.Join(dir, name+".onnx")
}

func stateNames(prefix string, n int) []string {
	names := make([]string, n)
	for i := range names {
		names[i] = fmt.Sprintf("%sstate_%d", prefix, i)
	}
	return names
}

func NewPipeline(modelDir string, useInt8 bool, intraOpThreads int) (*Pipeline, error) {
	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("failed to create session options: %w", err)
	}
	defer opts.Destroy()
	if intraOpThreads > 0 {
		if err := opts.SetIntraOpNumThreads(intraOpThreads); err != nil {
			return nil, fmt.Errorf("failed to set intra-op threads: %w", err)
		}
	}

	p := &Pipeline{}
	graphs := []struct {
		session **ort.DynamicAdvancedSession
		name    string
		quant   bool
		inputs  []string
		outputs []string
	}{
		{&p.textConditioner, "text_conditioner", false, []string{"token_ids"}, []string{"embeddings"}},
		{&p.lmMain, "lm_main", true,
			append([]string{"sequence", "text_embeddings"}, stateNames("", lmStateCount)...),
			append([]string{"conditioning", "eos_logit"}, stateNames("out_", lmStateCount)...)},
		{&p.lmFlow, "lm_flow", true, []string{"c", "s", "t", "x"}, []string{"flow_dir"}},
		{&p.encoder, "encoder", false, []string{"audio"}, []string{"latents"}},
		{&p.decoder, "decoder", true,
			append([]string{"latent"}, stateNames("", decoderStateCount)...),
			append([]string{"audio_frame"}, stateNames("out_", decoderStateCount)...)},
	}

	for _, g := range graphs {
		path := graphPath(modelDir, g.name, useInt8 && g.quant)
		s, err := ort.NewDynamicAdvancedSession(path, g.inputs, g.outputs, opts)
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("failed to load %s: %w", g.name, err)
		}
		*g.session = s
	}
	return p, nil
}

func (p *Pipeline) TextEmbeddings(ids []int64) ([]float32, error) {
	in, err := ort.NewTensor(ort.NewShape(1, int64(len(ids))), ids)
	if err != nil {
		return nil, fmt.Errorf("failed to create token_ids tensor: %w", err)
	}
	defer in.Destroy()

	return runOne(p.textConditioner, "text_conditioner", in)
}

// EncodeReference returns the speaker latents of a mono clip, shaped
// [1, frames, hiddenDim].
func (p *Pipeline) EncodeReference(samples []float32) ([]float32, []int64, error) {
	in, err := ort.NewTensor(ort.NewShape(1, 1, int64(len(samples))), samples)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create audio tensor: %w", err)
	}
	defer in.Destroy()

	outputs := []ort.Value{nil}
	if err := p.encoder.Run([]ort.Value{in}, outputs); err != nil {
		return nil, nil, fmt.Errorf("failed to run encoder: %w", err)
	}
	defer destroyAll(outputs)

	t, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, nil, errors.New("unexpected encoder output type")
	}
	data := append([]float32(nil), t.GetData()...)
	shape := append([]int64(nil), t.GetShape()...)
	if len(shape) != 3 || shape[2] != hiddenDim {
		return nil, nil, fmt.Errorf("encoder returned latents of shape %v", shape)
	}
	return data, shape, nil
}

// lmStep advances the backbone by one frame. sequence is the previous
// latent, embeds the conditioning that is still to be consumed. The
// states passed in are destroyed and replaced by the returned ones.
func (p *Pipeline) lmStep(sequence []float32, embeds []float32, states []ort.Value) (cond []float32, eos float32, next []ort.Value, err error) {
	seq, err := ort.NewTensor(ort.NewShape(1, int64(len(sequence)/latentDim), latentDim), sequence)
	if err != nil {
		return nil, 0, states, fmt.Errorf("failed to create sequence tensor: %w", err)
	}
	defer seq.Destroy()
	emb, err := ort.NewTensor(ort.NewShape(1, int64(len(embeds)/hiddenDim), hiddenDim), nonEmpty(embeds))
	if err != nil {
		return nil, 0, states, fmt.Errorf("failed to create text_embeddings tensor: %w", err)
	}
	defer emb.Destroy()

	outputs := make([]ort.Value, 2+lmStateCount)
	if err := p.lmMain.Run(append([]ort.Value{seq, emb}, states...), outputs); err != nil {
		destroyAll(outputs)
		return nil, 0, states, fmt.Errorf("failed to run lm_main: %w", err)
	}
	defer func() {
		outputs[0].Destroy()
		outputs[1].Destroy()
	}()

	c, ok := outputs[0].(*ort.Tensor[float32])
	e, ok2 := outputs[1].(*ort.Tensor[float32])
	if !ok || !ok2 || len(e.GetData()) == 0 {
		destroyAll(outputs[2:])
		return nil, 0, states, errors.New("unexpected lm_main output")
	}

	destroyAll(states)
	return append([]float32(nil), c.GetData()...), e.GetData()[0], outputs[2:], nil
}

// flow evaluates the flow direction for x between times s and t.
func (p *Pipeline) flow(cond []float32, s, t float32, x []float32) ([]float32, error) {
	n := int64(len(x) / latentDim)
	inputs := make([]ort.Value, 0, 4)
	defer func() { destroyAll(inputs) }()

	for _, in := range []struct {
		shape ort.Shape
		data  []float32
	}{
		{ort.NewShape(n, hiddenDim), cond},
		{ort.NewShape(n, 1), filled(int(n), s)},
		{ort.NewShape(n, 1), filled(int(n), t)},
		{ort.NewShape(n, latentDim), x},
	} {
		v, err := ort.NewTensor(in.shape, in.data)
		if err != nil {
			return nil, fmt.Errorf("failed to create lm_flow input: %w", err)
		}
		inputs = append(inputs, v)
	}

	outputs := []ort.Value{nil}
	if err := p.lmFlow.Run(inputs, outputs); err != nil {
		return nil, fmt.Errorf("failed to run lm_flow: %w", err)
	}
	defer destroyAll(outputs)

	dir, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, errors.New("unexpected lm_flow output type")
	}
	return append([]float32(nil), dir.GetData()...), nil
}

// decode turns one latent frame into audio, carrying the decoder state.
func (p *Pipeline) decode(latent []float32, states []ort.Value) ([]float32, []ort.Value, error) {
	in, err := ort.NewTensor(ort.NewShape(1, 1, latentDim), latent)
	if err != nil {
		return nil, states, fmt.Errorf("failed to create latent tensor: %w", err)
	}
	defer in.Destroy()

	outputs := make([]ort.Value, 1+decoderStateCount)
	if err := p.decoder.Run(append([]ort.Value{in}, states...), outputs); err != nil {
		destroyAll(outputs)
		return nil, states, fmt.Errorf("failed to run decoder: %w", err)
	}
	defer outputs[0].Destroy()

	frame, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		destroyAll(outputs[1:])
		return nil, states, errors.New("unexpected decoder output type")
	}

	destroyAll(states)
	return append([]float32(nil), frame.GetData()...), outputs[1:], nil
}

// nonEmpty backs zero-sized tensors with one element so the data pointer
// handed to the runtime is valid.
func nonEmpty[T any](data []T) []T {
	if len(data) == 0 {
		return make([]T, 1)
	}
	return data
}

func filled(n int, v float32) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func runOne(session *ort.DynamicAdvancedSession, name string, in ort.Value) ([]float32, error) {
	outputs := []ort.Value{nil}
	if err := session.Run([]ort.Value{in}, outputs); err != nil {
		return nil, fmt.Errorf("failed to run %s: %w", name, err)
	}
	defer destroyAll(outputs)

	t, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("unexpected %s output type", name)
	}
	return append([]float32(nil), t.GetData()...), nil
}

func (p *Pipeline) Close() error {
	var errs []error
	for _, s := range []*ort.DynamicAdvancedSession{p.textConditioner, p.lmMain, p.lmFlow, p.encoder, p.decoder} {
		if s != nil {
			errs = append(errs, s.Destroy())
		}
	}
	return errors.Join(errs...)
}

func destroyAll(values []ort.Value) {
	for _, v := range values {
		if v != nil {
			v.Destroy()
		}
	}
}
