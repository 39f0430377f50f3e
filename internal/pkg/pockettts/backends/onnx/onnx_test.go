package onnx

import (
	"math/rand/v2"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestTokenizer_Encode(t *testing.T) {
	tok := newTokenizer(map[string]int64{
		"<unk>":  0,
		"▁":      1,
		"▁hello": 2,
		"▁he":    3,
		"llo":    4,
		"▁w":     5,
		"or":     6,
		"ld":     7,
		".":      8,
		"▁é":     9,
	})

	tests := []struct {
		text string
		want []int64
	}{
		{"hello", []int64{2}},
		{"  hello   world.", []int64{2, 5, 6, 7, 8}},
		{"héllo", []int64{1, 0, 0, 4}},
		{"é", []int64{9}},
		{"", nil},
		{"   ", nil},
	}
	for _, tt := range tests {
		if got := tok.Encode(tt.text); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("Encode(%q) = %v, want %v", tt.text, got, tt.want)
		}
	}
}

func TestNewTokenizer(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vocab.json")
	if err := os.WriteFile(path, []byte(`{"<unk>": 3, "▁a": 7}`), 0o644); err != nil {
		t.Fatal(err)
	}
	tok, err := NewTokenizer(path)
	if err != nil {
		t.Fatalf("NewTokenizer: %v", err)
	}
	if tok.VocabSize() != 2 {
		t.Errorf("VocabSize() = %d, want 2", tok.VocabSize())
	}
	if got := tok.Encode("a b"); !reflect.DeepEqual(got, []int64{7, 3, 3}) {
		t.Errorf("Encode = %v, want [7 3 3]", got)
	}

	if err := os.WriteFile(path, []byte(`{}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := NewTokenizer(path); err == nil {
		t.Error("empty vocab: expected an error")
	}
	if _, err := NewTokenizer(filepath.Join(dir, "missing.json")); err == nil {
		t.Error("missing vocab: expected an error")
	}
}

func TestStopper(t *testing.T) {
	logits := []float32{-9, -9, -1, -9, -9, -9, -9}

	tests := []struct {
		name   string
		after  int
		limit  int
		frames int
	}{
		{"tail of one", 1, 100, 4},
		{"tail of three", 3, 100, 6},
		{"limit first", 3, 2, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStopper(-4, tt.after, tt.limit)
			frames := 0
			for _, l := range logits {
				if s.done() {
					break
				}
				s.observe(l)
				frames++
			}
			if frames != tt.frames {
				t.Errorf("produced %d frames, want %d", frames, tt.frames)
			}
		})
	}
}

func TestLSDTimes(t *testing.T) {
	got := lsdTimes(4)
	want := [][2]float32{{0, 0.25}, {0.25, 0.5}, {0.5, 0.75}, {0.75, 1}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("lsdTimes(4) = %v, want %v", got, want)
	}
	if one := lsdTimes(1); len(one) != 1 || one[0] != [2]float32{0, 1} {
		t.Errorf("lsdTimes(1) = %v", one)
	}
}

func TestMaxFrames(t *testing.T) {
	tests := map[int]int{0: 25, 3: 38, 30: 150}
	for tokens, want := range tests {
		if got := maxFrames(tokens); got != want {
			t.Errorf("maxFrames(%d) = %d, want %d", tokens, got, want)
		}
	}
}

func TestNoise(t *testing.T) {
	for _, v := range noise(rand.New(rand.NewPCG(1, 2)), latentDim, 0) {
		if v != 0 {
			t.Fatal("zero temperature should give zero noise")
		}
	}
	a := noise(rand.New(rand.NewPCG(1, 2)), latentDim, 0.7)
	b := noise(rand.New(rand.NewPCG(1, 2)), latentDim, 0.7)
	if !reflect.DeepEqual(a, b) {
		t.Error("same seed produced different noise")
	}
}

func TestStateLayouts(t *testing.T) {
	if n := len(decoderStates); n != decoderStateCount {
		t.Errorf("decoder layout has %d states, want %d", n, decoderStateCount)
	}
	lm := lmStates()
	if len(lm) != lmStateCount {
		t.Fatalf("lm layout has %d states, want %d", len(lm), lmStateCount)
	}
	for i := 2; i < len(lm); i += 3 {
		if lm[i].kind != dtypeInt64 {
			t.Errorf("lm state %d should be the int64 position", i)
		}
	}
}

func TestGraphPath(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "lm_main_int8.onnx"), nil, 0o644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		int8 bool
		want string
	}{
		{"lm_main", true, "lm_main_int8.onnx"},
		{"lm_main", false, "lm_main.onnx"},
		{"decoder", true, "decoder.onnx"},
	}
	for _, tt := range tests {
		if got := graphPath(dir, tt.name, tt.int8); got != filepath.Join(dir, tt.want) {
			t.Errorf("graphPath(%s, %v) = %s, want %s", tt.name, tt.int8, got, tt.want)
		}
	}
}

func TestLibraryPath(t *testing.T) {
	t.Setenv("ONNXRUNTIME_LIB_PATH", "")
	if got := libraryPath("/opt/ort/libonnxruntime.so", "linux"); got != "/opt/ort/libonnxruntime.so" {
		t.Errorf("configured path ignored: %s", got)
	}
	if got := libraryPath("", "plan9"); got != "libonnxruntime.so" {
		t.Errorf("fallback = %s", got)
	}

	t.Setenv("ONNXRUNTIME_LIB_PATH", "/env/libonnxruntime.so")
	if got := libraryPath("", "linux"); got != "/env/libonnxruntime.so" {
		t.Errorf("env path ignored: %s", got)
	}
}
