package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"pockettts/internal/pkg/pockettts/engine"
	"pockettts/internal/pkg/pockettts/logging"
)

// ErrHelp is returned by LoadAndParse after printing usage for -h.
var ErrHelp = pflag.ErrHelp

type Config struct {
	ModelDir       string `mapstructure:"model_dir"`
	Variant        string `mapstructure:"variant"`
	OnnxRuntimeLib string `mapstructure:"onnxruntime_lib"`
	IntraOpThreads int    `mapstructure:"intra_op_threads"`

	LogLevel      string `mapstructure:"log_level"`
	LogFile       string `mapstructure:"log_file"`
	LogMaxSizeMB  int    `mapstructure:"log_max_size_mb"`
	LogMaxBackups int    `mapstructure:"log_max_backups"`
	LogMaxAgeDays int    `mapstructure:"log_max_age_days"`
	LogCompress   bool   `mapstructure:"log_compress"`

	// Command line only.
	Text         string  `mapstructure:"text"`
	Output       string  `mapstructure:"output"`
	Voice        string  `mapstructure:"voice"`
	ExportVoice  string  `mapstructure:"export_voice"`
	Seed         uint64  `mapstructure:"seed"`
	Stream       bool    `mapstructure:"stream"`
	Long         bool    `mapstructure:"long"`
	Pauses       bool    `mapstructure:"pauses"`
	Temperature  float32 `mapstructure:"temperature"`
	DecodeSteps  int     `mapstructure:"decode_steps"`
	EOSThreshold float32 `mapstructure:"eos_threshold"`
	ListVariants bool    `mapstructure:"list_variants"`
}

func (c *Config) Params() engine.Params {
	return engine.Params{
		Temperature:  c.Temperature,
		DecodeSteps:  c.DecodeSteps,
		EOSThreshold: c.EOSThreshold,
	}
}

func (c *Config) EngineOptions() engine.Options {
	return engine.Options{
		StorageRoot:    c.ModelDir,
		OnnxRuntimeLib: c.OnnxRuntimeLib,
		IntraOpThreads: c.IntraOpThreads,
	}
}

func (c *Config) LogOptions() logging.Options {
	return logging.Options{
		Level:      c.LogLevel,
		File:       c.LogFile,
		MaxSizeMB:  c.LogMaxSizeMB,
		MaxBackups: c.LogMaxBackups,
		MaxAgeDays: c.LogMaxAgeDays,
		Compress:   c.LogCompress,
	}
}

func newViper(logLevel string) *viper.Viper {
	v := viper.New()
	params := engine.DefaultParams()

	v.SetDefault("model_dir", "")
	v.SetDefault("variant", "b6369a24")
	v.SetDefault("onnxruntime_lib", "")
	v.SetDefault("intra_op_threads", 0)
	v.SetDefault("log_level", logLevel)
	v.SetDefault("log_file", "")
	v.SetDefault("log_max_size_mb", 10)
	v.SetDefault("log_max_backups", 3)
	v.SetDefault("log_max_age_days", 28)
	v.SetDefault("log_compress", false)

	v.SetDefault("text", "")
	v.SetDefault("output", "output.wav")
	v.SetDefault("voice", "")
	v.SetDefault("export_voice", "")
	v.SetDefault("seed", 0)
	v.SetDefault("stream", false)
	v.SetDefault("long", false)
	v.SetDefault("pauses", false)
	v.SetDefault("temperature", params.Temperature)
	v.SetDefault("decode_steps", params.DecodeSteps)
	v.SetDefault("eos_threshold", params.EOSThreshold)
	v.SetDefault("list_variants", false)
	return v
}

// read loads the config file, then lets POCKET_TTS_* variables override it.
func read(v *viper.Viper, configFile string) (*Config, error) {
	if configFile == "" {
		configFile = os.Getenv("POCKET_TTS_CONFIG")
	}
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("pocket-tts")
		v.SetConfigType("toml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "pocket-tts"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	v.SetEnvPrefix("POCKET_TTS")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Load reads the configuration of the shared library. There are no flags;
// a missing config file is not an error.
func Load() (*Config, error) {
	return read(newViper("warn"), "")
}

// LoadAndParse reads the command line configuration. Text comes from -t,
// -f, stdin when -t is "-", or the remaining arguments.
func LoadAndParse(args []string, stdin io.Reader) (*Config, error) {
	v := newViper("info")

	flagSet := pflag.NewFlagSet("pockettts", pflag.ContinueOnError)
	configFile := flagSet.StringP("config", "c", "", "Path to config file")
	flagSet.StringP("text", "t", "", "Text to synthesize (use '-' to read from stdin)")
	flagSet.StringP("file", "f", "", "Read text from file")
	flagSet.StringP("output", "o", "", "Output WAV file")
	flagSet.StringP("voice", "v", "", "Reference voice: an audio clip or a .safetensors prompt")
	flagSet.String("export-voice", "", "Write the voice prompt to this .safetensors file and exit")
	flagSet.Uint64("seed", 0, "Seed for sampling noise")
	flagSet.StringP("model-dir", "m", "", "Directory holding one sub-directory per model variant")
	flagSet.String("variant", "", "Model variant")
	flagSet.String("onnxruntime-lib", "", "Path to the onnxruntime shared library")
	flagSet.Int("threads", 0, "Intra-op threads, 0 lets the runtime decide")
	flagSet.Bool("stream", false, "Generate chunk by chunk")
	flagSet.Bool("long", false, "Stream long text segment by segment")
	flagSet.Bool("pauses", false, "Honour [pause] markers")
	flagSet.Float32("temperature", 0, "Sampling temperature")
	flagSet.Int("decode-steps", 0, "Flow decode steps per frame")
	flagSet.Float32("eos-threshold", 0, "End of speech logit threshold")
	flagSet.StringP("log-level", "l", "", "Log level (debug, info, warn, error)")
	flagSet.String("log-file", "", "Log file path")
	flagSet.Bool("list-variants", false, "List known model variants and exit")
	helpFlag := flagSet.BoolP("help", "h", false, "Show help message")

	if err := flagSet.Parse(args); err != nil {
		return nil, fmt.Errorf("failed to parse flags: %w", err)
	}

	if *helpFlag {
		fmt.Fprintf(os.Stderr, "Usage: pockettts [options] [text]\n\nOptions:\n")
		flagSet.PrintDefaults()
		return nil, ErrHelp
	}

	bindings := map[string]string{
		"text":             "text",
		"output":           "output",
		"voice":            "voice",
		"export_voice":     "export-voice",
		"seed":             "seed",
		"model_dir":        "model-dir",
		"variant":          "variant",
		"onnxruntime_lib":  "onnxruntime-lib",
		"intra_op_threads": "threads",
		"stream":           "stream",
		"long":             "long",
		"pauses":           "pauses",
		"temperature":      "temperature",
		"decode_steps":     "decode-steps",
		"eos_threshold":    "eos-threshold",
		"log_level":        "log-level",
		"log_file":         "log-file",
		"list_variants":    "list-variants",
	}
	for key, name := range bindings {
		if err := v.BindPFlag(key, flagSet.Lookup(name)); err != nil {
			return nil, err
		}
	}

	cfg, err := read(v, *configFile)
	if err != nil {
		return nil, err
	}

	textFile, _ := flagSet.GetString("file")
	if textFile != "" {
		content, err := os.ReadFile(textFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read text file: %w", err)
		}
		cfg.Text = strings.TrimSpace(string(content))
	} else if cfg.Text == "-" {
		content, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("failed to read from stdin: %w", err)
		}
		cfg.Text = strings.TrimSpace(string(content))
	} else if cfg.Text == "" {
		cfg.Text = strings.Join(flagSet.Args(), " ")
	}

	if cfg.Text == "" && !cfg.ListVariants && cfg.ExportVoice == "" {
		return nil, fmt.Errorf("text is required (use -t, -f, or provide as argument)")
	}
	if cfg.ExportVoice != "" && cfg.Voice == "" {
		return nil, fmt.Errorf("--export-voice needs a reference voice (-v)")
	}
	if cfg.Stream && cfg.Pauses {
		return nil, fmt.Errorf("--pauses cannot be combined with --stream")
	}
	if err := cfg.Params().Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}
