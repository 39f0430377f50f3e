package onnx

import (
	"fmt"
	"os"
	"runtime"
	"sync"

	"github.com/rs/zerolog/log"
	ort "github.com/yalue/onnxruntime_go"
)

var (
	ortMu   sync.Mutex
	ortRefs int
)

var libCandidates = map[string][]string{
	"linux": {
		"/usr/lib/libonnxruntime.so",
		"/usr/local/lib/libonnxruntime.so",
		"./libonnxruntime.so",
		"./lib/libonnxruntime.so",
	},
	"windows": {
		"onnxruntime.dll",
		"./onnxruntime.dll",
		"./lib/onnxruntime.dll",
	},
	"darwin": {
		"/usr/local/lib/libonnxruntime.dylib",
		"/opt/homebrew/lib/libonnxruntime.dylib",
		"./libonnxruntime.dylib",
	},
}

var libFallback = map[string]string{
	"windows": "onnxruntime.dll",
	"darwin":  "libonnxruntime.dylib",
}

// libraryPath picks the onnxruntime shared library: the configured path,
// then ONNXRUNTIME_LIB_PATH, then the first existing platform location,
// then the bare library name for the dynamic loader.
func libraryPath(configured, goos string) string {
	if configured != "" {
		return configured
	}
	if env := os.Getenv("ONNXRUNTIME_LIB_PATH"); env != "" {
		return env
	}
	for _, p := range libCandidates[goos] {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	if name, ok := libFallback[goos]; ok {
		return name
	}
	return "libonnxruntime.so"
}

// acquireRuntime initialises the process-wide ORT environment on first use.
// Every successful call must be paired with releaseRuntime.
func acquireRuntime(configured string) error {
	ortMu.Lock()
	defer ortMu.Unlock()

	if ortRefs == 0 {
		path := libraryPath(configured, runtime.GOOS)
		ort.SetSharedLibraryPath(path)
		if err := ort.InitializeEnvironment(); err != nil {
			return fmt.Errorf("failed to initialize ONNX runtime from %s: %w", path, err)
		}
		log.Debug().Str("lib", path).Msg("ONNX runtime initialized")
	}
	ortRefs++
	return nil
}

func releaseRuntime() error {
	ortMu.Lock()
	defer ortMu.Unlock()

	if ortRefs == 0 {
		return nil
	}
	ortRefs--
	if ortRefs > 0 {
		return nil
	}
	log.Debug().Msg("Destroying ONNX runtime environment")
	return ort.DestroyEnvironment()
}
