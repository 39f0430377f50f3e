package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"pockettts/internal/pkg/pockettts/audio"
	"pockettts/internal/pkg/pockettts/config"
	"pockettts/internal/pkg/pockettts/engine"
	"pockettts/internal/pkg/pockettts/logging"

	_ "pockettts/internal/pkg/pockettts/backends/onnx"
)

// Version is set at link time with -ldflags "-X main.Version=...".
var Version = "dev"

func main() {
	fmt.Fprintf(os.Stderr, "pockettts %s\n", Version)

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	cfg, err := config.LoadAndParse(os.Args[1:], os.Stdin)
	if errors.Is(err, config.ErrHelp) {
		return
	}
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to parse configuration")
	}

	closer, err := logging.Setup(cfg.LogOptions())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to setup logging")
	}
	defer closer.Close()

	engine.Configure(cfg.EngineOptions())

	if cfg.ListVariants {
		for _, v := range engine.ListVariants() {
			fmt.Fprintf(os.Stdout, "%s\tbackend=%s\tsample_rate=%d\tint8=%t\n", v.Name, v.Backend, v.SampleRate, v.Int8)
		}
		return
	}

	params := cfg.Params()
	log.Debug().
		Str("variant", cfg.Variant).
		Str("model_dir", cfg.ModelDir).
		Str("voice", cfg.Voice).
		Float32("temperature", params.Temperature).
		Int("decode_steps", params.DecodeSteps).
		Float32("eos_threshold", params.EOSThreshold).
		Msg("Configuration loaded")

	log.Info().Str("variant", cfg.Variant).Msg("Loading model...")
	m, err := engine.LoadWithParams(cfg.Variant, params)
	if err != nil {
		log.Fatal().Err(err).Str("variant", cfg.Variant).Msg("Failed to load model")
	}
	defer m.Close()

	state, err := loadVoice(m, cfg.Voice)
	if err != nil {
		log.Fatal().Err(err).Str("voice", cfg.Voice).Msg("Failed to load voice")
	}
	state.Seed = cfg.Seed

	if cfg.ExportVoice != "" {
		data, err := engine.ExportPrompt(state)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to export voice")
		}
		if err := os.WriteFile(cfg.ExportVoice, data, 0o644); err != nil {
			log.Fatal().Err(err).Msg("Failed to write voice prompt")
		}
		log.Info().Str("output", cfg.ExportVoice).Int("frames", state.PromptFrames()).Msg("Voice prompt exported")
		return
	}

	log.Info().Str("text", truncateText(cfg.Text, 50)).Msg("Generating speech...")
	startTime := time.Now()

	samples, err := synthesize(m, cfg, state)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to generate audio")
	}
	result := audio.NewAudio(samples, m.SampleRate())

	log.Info().
		Dur("elapsed", time.Since(startTime)).
		Float64("duration_sec", result.Duration()).
		Msg("Audio generated")

	if err := result.SaveWAV(cfg.Output); err != nil {
		log.Fatal().Err(err).Msg("Failed to save audio")
	}

	log.Info().Str("output", cfg.Output).Msg("Audio saved successfully")
}

func loadVoice(m engine.Model, path string) (*engine.VoiceState, error) {
	switch {
	case path == "":
		return engine.DefaultVoiceState(), nil
	case engine.IsPromptPath(path):
		return m.VoiceStateFromPromptFile(path)
	default:
		log.Info().Str("reference", path).Msg("Encoding reference audio...")
		return m.VoiceStateFromAudioFile(path)
	}
}

func synthesize(m engine.Model, cfg *config.Config, state *engine.VoiceState) ([]float32, error) {
	var (
		t   engine.Tensor
		err error
	)
	switch {
	case cfg.Pauses:
		t, err = m.GenerateWithPauses(cfg.Text, state)
	case cfg.Long:
		return collect(m.GenerateStreamLong(cfg.Text, state))
	case cfg.Stream:
		return collect(m.GenerateStream(cfg.Text, state))
	default:
		t, err = m.Generate(cfg.Text, state)
	}
	if err != nil {
		return nil, err
	}
	return t.Flatten()
}

func collect(s engine.Stream) ([]float32, error) {
	defer s.Close()
	var samples []float32
	for chunks := 0; ; chunks++ {
		chunk, ok, err := s.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			log.Debug().Int("chunks", chunks).Int("samples", len(samples)).Msg("Stream finished")
			return samples, nil
		}
		data, err := chunk.Flatten()
		if err != nil {
			return nil, err
		}
		samples = append(samples, data...)
	}
}

func truncateText(text string, maxLen int) string {
	runes := []rune(text)
	if len(runes) <= maxLen {
		return text
	}
	return string(runes[:maxLen]) + "..."
}
