package engine_test

import (
	"bytes"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"pockettts/internal/pkg/pockettts/audio"
	"pockettts/internal/pkg/pockettts/engine"
	"pockettts/internal/pkg/pockettts/engine/enginetest"
)

func newModel(t *testing.T) engine.Model {
	t.Helper()
	enginetest.Register()
	m, err := engine.LoadFromDir(enginetest.VariantName, t.TempDir())
	if err != nil {
		t.Fatalf("LoadFromDir: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func drain(t *testing.T, s engine.Stream) (chunks int, samples []float32) {
	t.Helper()
	defer s.Close()
	for {
		chunk, ok, err := s.Next()
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if !ok {
			return chunks, samples
		}
		chunks++
		samples = append(samples, chunk.Data...)
	}
}

func TestLoad(t *testing.T) {
	enginetest.Register()
	root := t.TempDir()
	if _, err := enginetest.ModelDir(root); err != nil {
		t.Fatal(err)
	}
	prev := engine.CurrentOptions()
	engine.Configure(engine.Options{StorageRoot: root})
	t.Cleanup(func() { engine.Configure(prev) })

	m, err := engine.Load(enginetest.VariantName)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	defer m.Close()

	if got := m.SampleRate(); got != enginetest.SampleRate {
		t.Errorf("SampleRate() = %d, want %d", got, enginetest.SampleRate)
	}
	if got := m.Params(); got != engine.DefaultParams() {
		t.Errorf("Params() = %+v, want defaults", got)
	}
}

func TestLoad_Errors(t *testing.T) {
	enginetest.Register()
	corrupt := t.TempDir()
	if err := os.WriteFile(filepath.Join(corrupt, enginetest.CorruptMarker), nil, 0o644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		variant string
		dir     string
		params  engine.Params
		want    error
	}{
		{"unknown variant", "no-such-variant", t.TempDir(), engine.DefaultParams(), engine.ErrUnknownVariant},
		{"missing dir", enginetest.VariantName, filepath.Join(t.TempDir(), "absent"), engine.DefaultParams(), engine.ErrModelNotFound},
		{"bad decode steps", enginetest.VariantName, t.TempDir(), engine.Params{Temperature: 0.7}, engine.ErrInvalidParams},
		{"negative temperature", enginetest.VariantName, t.TempDir(), engine.Params{Temperature: -1, DecodeSteps: 1}, engine.ErrInvalidParams},
		{"corrupt weights", enginetest.VariantName, corrupt, engine.DefaultParams(), nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := engine.LoadWithParamsFromDir(tt.variant, tt.dir, tt.params)
			if err == nil {
				m.Close()
				t.Fatal("expected an error")
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Errorf("error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestListVariants(t *testing.T) {
	found := map[string]engine.Variant{}
	for _, v := range engine.ListVariants() {
		found[v.Name] = v
	}
	for _, name := range []string{"b6369a24", "b6369a24-int8"} {
		v, ok := found[name]
		if !ok {
			t.Errorf("variant %s not listed", name)
			continue
		}
		if v.SampleRate != 24000 || v.Backend != "onnx" {
			t.Errorf("variant %s = %+v", name, v)
		}
	}
	if !found["b6369a24-int8"].Int8 {
		t.Error("b6369a24-int8 should use int8 weights")
	}
}

func TestGenerate_MatchesStream(t *testing.T) {
	m := newModel(t)
	text := "The quick brown fox jumps over the lazy dog."

	state := engine.InitStates(1, 42)
	out, err := m.Generate(text, state)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	chunks, streamed := drain(t, m.GenerateStream(text, state))

	if chunks != 9 {
		t.Errorf("stream yielded %d chunks, want 9", chunks)
	}
	if len(out.Shape) != 2 || out.Shape[0] != 1 || out.Shape[1] != int64(len(out.Data)) {
		t.Errorf("Generate shape = %v for %d samples", out.Shape, len(out.Data))
	}
	if len(streamed) != len(out.Data) {
		t.Fatalf("stream has %d samples, Generate has %d", len(streamed), len(out.Data))
	}
	for i := range streamed {
		if streamed[i] != out.Data[i] {
			t.Fatalf("sample %d differs: %v != %v", i, streamed[i], out.Data[i])
		}
	}
}

func TestGenerate_SeedChangesOutput(t *testing.T) {
	m := newModel(t)
	a, err := m.Generate("hello world", engine.InitStates(1, 1))
	if err != nil {
		t.Fatal(err)
	}
	b, err := m.Generate("hello world", engine.InitStates(1, 2))
	if err != nil {
		t.Fatal(err)
	}
	if a.Data[0] == b.Data[0] && a.Data[1] == b.Data[1] {
		t.Error("different seeds produced identical audio")
	}
}

func TestGenerate_EmptyText(t *testing.T) {
	m := newModel(t)
	if _, err := m.Generate("   ", nil); !errors.Is(err, engine.ErrEmptyText) {
		t.Errorf("Generate error = %v, want ErrEmptyText", err)
	}
	if _, _, err := m.GenerateStreamLong("", nil).Next(); !errors.Is(err, engine.ErrEmptyText) {
		t.Errorf("GenerateStreamLong error = %v, want ErrEmptyText", err)
	}
}

func TestGenerate_RejectsBatch(t *testing.T) {
	m := newModel(t)
	if _, err := m.Generate("hello", engine.InitStates(2, 0)); !errors.Is(err, engine.ErrInvalidVoiceState) {
		t.Errorf("error = %v, want ErrInvalidVoiceState", err)
	}
}

func TestGenerateWithPauses(t *testing.T) {
	m := newModel(t)

	out, err := m.GenerateWithPauses("Hello there [pause:1s] friend", nil)
	if err != nil {
		t.Fatalf("GenerateWithPauses: %v", err)
	}
	speech := 3 * enginetest.SamplesPerWord
	if want := speech + enginetest.SampleRate; len(out.Data) != want {
		t.Errorf("got %d samples, want %d", len(out.Data), want)
	}
	silence := out.Data[2*enginetest.SamplesPerWord : 2*enginetest.SamplesPerWord+enginetest.SampleRate]
	for i, v := range silence {
		if v != 0 {
			t.Fatalf("pause sample %d = %v, want 0", i, v)
		}
	}

	if _, err := m.GenerateWithPauses("[pause] [pause:2s]", nil); !errors.Is(err, engine.ErrEmptyText) {
		t.Errorf("markers only: error = %v, want ErrEmptyText", err)
	}
	if _, err := m.GenerateWithPauses("a [pause:soon] b", nil); err == nil {
		t.Error("invalid pause duration: expected an error")
	}
}

func TestGenerateStreamLong(t *testing.T) {
	m := newModel(t)

	var text bytes.Buffer
	for i := 0; i < 40; i++ {
		text.WriteString("This sentence repeats to fill the buffer. ")
	}
	before := enginetest.Last().Streams()

	chunks, samples := drain(t, m.GenerateStreamLong(text.String(), nil))
	if want := 40 * 7; chunks != want {
		t.Errorf("long stream yielded %d chunks, want %d", chunks, want)
	}
	if len(samples) != chunks*enginetest.SamplesPerWord {
		t.Errorf("got %d samples for %d chunks", len(samples), chunks)
	}
	if segments := enginetest.Last().Streams() - before; segments < 2 {
		t.Errorf("long text used %d segments, want several", segments)
	}
}

func TestStream_Failure(t *testing.T) {
	m := newModel(t)
	s := m.GenerateStream("one two "+enginetest.FailWord+" four five", nil)
	defer s.Close()

	for i := 0; i < 2; i++ {
		if _, ok, err := s.Next(); !ok || err != nil {
			t.Fatalf("chunk %d: ok=%v err=%v", i, ok, err)
		}
	}
	if _, _, err := s.Next(); err == nil {
		t.Fatal("expected a synthesis error")
	}
}

func TestVoiceState_FromAudioBytes(t *testing.T) {
	m := newModel(t)

	samples := make([]float32, 16000)
	for i := range samples {
		samples[i] = float32(0.5 * math.Sin(2*math.Pi*220*float64(i)/16000))
	}
	var wav bytes.Buffer
	if err := audio.NewAudio(samples, 16000).WriteWAV(&wav); err != nil {
		t.Fatal(err)
	}

	state, err := m.VoiceStateFromAudioBytes(wav.Bytes())
	if err != nil {
		t.Fatalf("VoiceStateFromAudioBytes: %v", err)
	}
	if got := enginetest.Last().Encoded(); got != 1 {
		t.Errorf("EncodeReference called %d times, want 1", got)
	}
	if frames := state.PromptFrames(); frames != 12 {
		t.Errorf("PromptFrames() = %d, want 12", frames)
	}

	if _, err := m.VoiceStateFromAudioBytes([]byte("definitely not audio")); !errors.Is(err, audio.ErrUnsupportedFormat) {
		t.Errorf("garbage bytes: error = %v, want ErrUnsupportedFormat", err)
	}
}

func TestVoiceState_PromptRoundTrip(t *testing.T) {
	m := newModel(t)

	state := engine.InitStates(1, 7)
	state.Prompt = &engine.Tensor{
		Data:  []float32{1, 2, 3, 4, 5, 6, 7, 8},
		Shape: []int64{1, 2, enginetest.Dim},
	}
	data, err := engine.ExportPrompt(state)
	if err != nil {
		t.Fatalf("ExportPrompt: %v", err)
	}

	path := filepath.Join(t.TempDir(), "voice.safetensors")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	got, err := m.VoiceStateFromPromptFile(path)
	if err != nil {
		t.Fatalf("VoiceStateFromPromptFile: %v", err)
	}
	if got.Seed != 7 || got.PromptFrames() != 2 {
		t.Errorf("loaded state = seed %d, %d frames", got.Seed, got.PromptFrames())
	}
	if enginetest.Last().Encoded() != 0 {
		t.Error("prompt loading should not run the speaker encoder")
	}

	state.Prompt.Shape = []int64{1, 1, 8}
	wrongDim, err := engine.ExportPrompt(state)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.VoiceStateFromPromptBytes(wrongDim); !errors.Is(err, engine.ErrInvalidVoiceState) {
		t.Errorf("wrong dim: error = %v, want ErrInvalidVoiceState", err)
	}
}

func TestVoiceState_Clone(t *testing.T) {
	state := engine.InitStates(1, 3)
	state.Prompt = &engine.Tensor{Data: []float32{1, 2}, Shape: []int64{1, 1, 2}}

	c := state.Clone()
	c.Prompt.Data[0] = 99
	c.Seed = 4
	if state.Prompt.Data[0] != 1 || state.Seed != 3 {
		t.Error("Clone shares memory with the original")
	}
	if (*engine.VoiceState)(nil).Clone() != nil {
		t.Error("Clone of nil should be nil")
	}
}

func TestTensor_Flatten(t *testing.T) {
	if _, err := engine.NewTensor([]float32{1, 2, 3}, 2, 2).Flatten(); err == nil {
		t.Error("Flatten accepted a shape that disagrees with the data")
	}
	got, err := engine.NewTensor([]float32{1, 2, 3, 4}, 1, 2, 2).Flatten()
	if err != nil || len(got) != 4 {
		t.Errorf("Flatten = %v, %v", got, err)
	}
}

func TestChain(t *testing.T) {
	m := newModel(t)
	opened := 0
	part := func(text string) func() engine.Stream {
		return func() engine.Stream {
			opened++
			return m.GenerateStream(text, nil)
		}
	}

	s := engine.Chain(part("one two"), part("three"))
	if opened != 0 {
		t.Errorf("Chain opened %d parts before the first Next", opened)
	}
	chunks, _ := drain(t, s)
	if chunks != 3 || opened != 2 {
		t.Errorf("chunks=%d opened=%d, want 3 and 2", chunks, opened)
	}
	if _, _, err := s.Next(); !errors.Is(err, engine.ErrStreamClosed) {
		t.Errorf("Next after Close: error = %v, want ErrStreamClosed", err)
	}
}

func TestModel_CloseOnce(t *testing.T) {
	m := newModel(t)
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if !enginetest.Last().Closed() {
		t.Error("backend not closed")
	}
}

func TestIsPromptPath(t *testing.T) {
	tests := map[string]bool{
		"x.safetensors":         true,
		"X.SAFETENSORS":         true,
		"dir.wav/v.SafeTensors": true,
		"x.wav":                 false,
		"x":                     false,
		"x.safetensors.wav":     false,
	}
	for path, want := range tests {
		if got := engine.IsPromptPath(path); got != want {
			t.Errorf("IsPromptPath(%q) = %v, want %v", path, got, want)
		}
	}
}
