package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"pockettts/internal/pkg/pockettts/preprocess"
)

// Backend is what a synthesis implementation provides. Model wraps it with
// the shared behaviour.
type Backend interface {
	SampleRate() int
	// ConditioningDim is the last dimension voice prompts must have, or 0
	// when the backend accepts any.
	ConditioningDim() int
	// EncodeReference turns mono samples at SampleRate into a voice state.
	EncodeReference(samples []float32) (*VoiceState, error)
	// NewStream synthesises one prepared prompt. The state is owned by the
	// stream.
	NewStream(prompt preprocess.Prompt, state *VoiceState) Stream
	Close() error
}

// Config is handed to a backend factory.
type Config struct {
	Variant        Variant
	ModelDir       string
	Params         Params
	OnnxRuntimeLib string
	IntraOpThreads int
}

type BackendFactory func(cfg Config) (Backend, error)

// Variant is a named, published set of weights.
type Variant struct {
	Name       string
	Backend    string
	SampleRate int
	Int8       bool
}

// Options are process-wide loading defaults.
type Options struct {
	// StorageRoot holds one directory per variant for Load and LoadWithParams.
	StorageRoot    string
	OnnxRuntimeLib string
	IntraOpThreads int
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]BackendFactory)
	variants   = map[string]Variant{
		"b6369a24":      {Name: "b6369a24", Backend: "onnx", SampleRate: 24000},
		"b6369a24-int8": {Name: "b6369a24-int8", Backend: "onnx", SampleRate: 24000, Int8: true},
	}
	options = Options{StorageRoot: defaultStorageRoot()}
)

func defaultStorageRoot() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "pocket-tts", "models")
	}
	return filepath.Join(".", "models")
}

func Register(name string, factory BackendFactory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if factory == nil {
		panic("engine: Register factory is nil")
	}
	if _, dup := registry[name]; dup {
		panic("engine: Register called twice for " + name)
	}
	registry[name] = factory
}

func RegisterVariant(v Variant) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if v.Name == "" || v.Backend == "" || v.SampleRate <= 0 {
		panic(fmt.Sprintf("engine: RegisterVariant with incomplete variant %+v", v))
	}
	if _, dup := variants[v.Name]; dup {
		panic("engine: RegisterVariant called twice for " + v.Name)
	}
	variants[v.Name] = v
}

func ListBackends() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func ListVariants() []Variant {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]Variant, 0, len(variants))
	for _, v := range variants {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func LookupVariant(name string) (Variant, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	v, ok := variants[name]
	if !ok {
		return Variant{}, fmt.Errorf("%w %q", ErrUnknownVariant, name)
	}
	return v, nil
}

func Configure(opts Options) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if opts.StorageRoot == "" {
		opts.StorageRoot = defaultStorageRoot()
	}
	options = opts
}

func CurrentOptions() Options {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return options
}

// Load resolves variant under the configured storage root.
func Load(variant string) (Model, error) {
	return load(variant, "", DefaultParams())
}

func LoadWithParams(variant string, params Params) (Model, error) {
	return load(variant, "", params)
}

// LoadFromDir resolves the weights of variant from dir instead of the
// storage root.
func LoadFromDir(variant, dir string) (Model, error) {
	return load(variant, dir, DefaultParams())
}

func LoadWithParamsFromDir(variant, dir string, params Params) (Model, error) {
	return load(variant, dir, params)
}

func load(name, dir string, params Params) (Model, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}

	v, err := LookupVariant(name)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve model variant: %w", err)
	}

	opts := CurrentOptions()
	if dir == "" {
		dir = filepath.Join(opts.StorageRoot, v.Name)
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("failed to resolve model variant %s: %w: %s", v.Name, ErrModelNotFound, dir)
	}

	registryMu.RLock()
	factory, ok := registry[v.Backend]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("failed to resolve model variant %s: %w %q (registered: %v)",
			v.Name, ErrUnknownBackend, v.Backend, ListBackends())
	}

	backend, err := factory(Config{
		Variant:        v,
		ModelDir:       dir,
		Params:         params,
		OnnxRuntimeLib: opts.OnnxRuntimeLib,
		IntraOpThreads: opts.IntraOpThreads,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load weights for %s from %s: %w", v.Name, dir, err)
	}

	return NewModel(backend, v, params), nil
}
