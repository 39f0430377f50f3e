// Package ffi implements the C boundary of the engine in plain Go. Every
// function follows the C calling convention: opaque handles, nil on
// failure, status codes, out-parameters and raw memory. Failures leave a
// diagnostic in the process-wide error slot. Nothing panics across the
// boundary. The cgo package only converts types.
package ffi

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"pockettts/internal/pkg/pockettts/config"
	"pockettts/internal/pkg/pockettts/engine"
	"pockettts/internal/pkg/pockettts/logging"
)

const (
	StatusOK    int32 = 0
	StatusData  int32 = 1
	StatusError int32 = -1
)

var (
	ErrNullPointer      = errors.New("null pointer")
	ErrEmptyBuffer      = errors.New("empty buffer")
	ErrNullModel        = errors.New("model is null")
	ErrNullStream       = errors.New("stream is null")
	ErrNullOutput       = errors.New("output pointers are null")
	ErrStreamTerminated = errors.New("stream terminated by a previous error")
)

var initOnce sync.Once

// ensureInit reads the library configuration and sets up logging once per
// process. A broken config file is logged and the defaults are used.
func ensureInit() {
	initOnce.Do(func() {
		cfg, err := config.Load()
		if err != nil {
			cfg = &config.Config{LogLevel: "warn"}
		}
		// The log file stays open for the life of the process.
		_, logErr := logging.Setup(cfg.LogOptions())
		if logErr != nil {
			log.Warn().Err(logErr).Msg("Failed to open log file")
		}
		if err != nil {
			log.Warn().Err(err).Msg("Failed to load configuration, using defaults")
		}
		engine.Configure(cfg.EngineOptions())
	})
}

// begin runs at the start of every fallible call.
func begin() {
	ensureInit()
	errs.clear()
}

func fail(err error) {
	errs.set(err.Error())
}

func report(name string, r any) {
	log.Warn().Str("func", name).Interface("panic", r).Msg("Recovered panic at the C boundary")
	errs.set(fmt.Sprintf("internal error: %v", r))
}

// The recover helpers must be deferred directly.

func recoverHandle[T any](name string, h **T) {
	if r := recover(); r != nil {
		report(name, r)
		*h = nil
	}
}

func recoverStatus(name string, status *int32) {
	if r := recover(); r != nil {
		report(name, r)
		*status = StatusError
	}
}

func recoverVoid(name string) {
	if r := recover(); r != nil {
		report(name, r)
	}
}
