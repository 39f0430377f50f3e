// Command libpockettts is the C shared library:
//
//	go build -buildmode=c-shared -o libpocket_tts.so ./cmd/libpockettts
//
// include/pocket_tts.h is the public header. Handles are malloc'd tokens
// holding a cgo.Handle, so no Go pointer is ever held by C.
package main

/*
#include <stdint.h>
#include <stdlib.h>

typedef struct pocket_tts_model_t pocket_tts_model_t;
typedef struct pocket_tts_voice_state_t pocket_tts_voice_state_t;
typedef struct pocket_tts_stream_t pocket_tts_stream_t;
*/
import "C"

import (
	"runtime/cgo"
	"unsafe"

	_ "pockettts/internal/pkg/pockettts/backends/onnx"
	"pockettts/internal/pkg/pockettts/ffi"
)

func init() {
	ffi.SetAllocator(cAllocator{})
}

func main() {}

type cAllocator struct{}

func (cAllocator) Handoff(samples []float32) unsafe.Pointer {
	p := C.malloc(C.size_t(len(samples)) * C.size_t(unsafe.Sizeof(float32(0))))
	copy(unsafe.Slice((*float32)(p), len(samples)), samples)
	return p
}

func (cAllocator) Release(p unsafe.Pointer, _ int) { C.free(p) }

func (cAllocator) CString(s string) unsafe.Pointer { return unsafe.Pointer(C.CString(s)) }

func (cAllocator) FreeCString(p unsafe.Pointer) { C.free(p) }

func newToken[T any](v *T) unsafe.Pointer {
	if v == nil {
		return nil
	}
	p := C.malloc(C.size_t(unsafe.Sizeof(C.uintptr_t(0))))
	*(*C.uintptr_t)(p) = C.uintptr_t(cgo.NewHandle(v))
	return p
}

func lookup[T any](p unsafe.Pointer) *T {
	if p == nil {
		return nil
	}
	v, _ := cgo.Handle(*(*C.uintptr_t)(p)).Value().(*T)
	return v
}

func dropToken[T any](p unsafe.Pointer) *T {
	if p == nil {
		return nil
	}
	h := cgo.Handle(*(*C.uintptr_t)(p))
	v, _ := h.Value().(*T)
	h.Delete()
	C.free(p)
	return v
}

func outParams(outPtr **C.float, outLen *C.size_t) (*unsafe.Pointer, *uintptr) {
	return (*unsafe.Pointer)(unsafe.Pointer(outPtr)), (*uintptr)(unsafe.Pointer(outLen))
}

//export pocket_tts_last_error_message
func pocket_tts_last_error_message() *C.char {
	return (*C.char)(ffi.LastErrorMessage())
}

//export pocket_tts_clear_error
func pocket_tts_clear_error() {
	ffi.ClearError()
}

//export pocket_tts_model_load
func pocket_tts_model_load(variant *C.char) *C.pocket_tts_model_t {
	return (*C.pocket_tts_model_t)(newToken(ffi.ModelLoad(unsafe.Pointer(variant))))
}

//export pocket_tts_model_load_with_params
func pocket_tts_model_load_with_params(variant *C.char, temp C.float, steps C.size_t, eos C.float) *C.pocket_tts_model_t {
	m := ffi.ModelLoadWithParams(unsafe.Pointer(variant), float32(temp), uintptr(steps), float32(eos))
	return (*C.pocket_tts_model_t)(newToken(m))
}

//export pocket_tts_model_load_from_dir
func pocket_tts_model_load_from_dir(variant, dir *C.char) *C.pocket_tts_model_t {
	m := ffi.ModelLoadFromDir(unsafe.Pointer(variant), unsafe.Pointer(dir))
	return (*C.pocket_tts_model_t)(newToken(m))
}

//export pocket_tts_model_load_with_params_from_dir
func pocket_tts_model_load_with_params_from_dir(variant, dir *C.char, temp C.float, steps C.size_t, eos C.float) *C.pocket_tts_model_t {
	m := ffi.ModelLoadWithParamsFromDir(unsafe.Pointer(variant), unsafe.Pointer(dir), float32(temp), uintptr(steps), float32(eos))
	return (*C.pocket_tts_model_t)(newToken(m))
}

//export pocket_tts_model_free
func pocket_tts_model_free(model *C.pocket_tts_model_t) {
	ffi.ModelFree(dropToken[ffi.Model](unsafe.Pointer(model)))
}

//export pocket_tts_model_sample_rate
func pocket_tts_model_sample_rate(model *C.pocket_tts_model_t) C.uint32_t {
	return C.uint32_t(ffi.ModelSampleRate(lookup[ffi.Model](unsafe.Pointer(model))))
}

//export pocket_tts_voice_state_default
func pocket_tts_voice_state_default() *C.pocket_tts_voice_state_t {
	return (*C.pocket_tts_voice_state_t)(newToken(ffi.VoiceStateDefault()))
}

//export pocket_tts_voice_state_from_path
func pocket_tts_voice_state_from_path(model *C.pocket_tts_model_t, path *C.char) *C.pocket_tts_voice_state_t {
	v := ffi.VoiceStateFromPath(lookup[ffi.Model](unsafe.Pointer(model)), unsafe.Pointer(path))
	return (*C.pocket_tts_voice_state_t)(newToken(v))
}

//export pocket_tts_voice_state_from_audio_bytes
func pocket_tts_voice_state_from_audio_bytes(model *C.pocket_tts_model_t, data *C.uint8_t, n C.size_t) *C.pocket_tts_voice_state_t {
	v := ffi.VoiceStateFromAudioBytes(lookup[ffi.Model](unsafe.Pointer(model)), unsafe.Pointer(data), uintptr(n))
	return (*C.pocket_tts_voice_state_t)(newToken(v))
}

//export pocket_tts_voice_state_from_prompt_bytes
func pocket_tts_voice_state_from_prompt_bytes(model *C.pocket_tts_model_t, data *C.uint8_t, n C.size_t) *C.pocket_tts_voice_state_t {
	v := ffi.VoiceStateFromPromptBytes(lookup[ffi.Model](unsafe.Pointer(model)), unsafe.Pointer(data), uintptr(n))
	return (*C.pocket_tts_voice_state_t)(newToken(v))
}

//export pocket_tts_voice_state_free
func pocket_tts_voice_state_free(state *C.pocket_tts_voice_state_t) {
	ffi.VoiceStateFree(dropToken[ffi.VoiceState](unsafe.Pointer(state)))
}

//export pocket_tts_generate
func pocket_tts_generate(model *C.pocket_tts_model_t, text *C.char, state *C.pocket_tts_voice_state_t, outPtr **C.float, outLen *C.size_t) C.int {
	p, n := outParams(outPtr, outLen)
	return C.int(ffi.Generate(lookup[ffi.Model](unsafe.Pointer(model)), unsafe.Pointer(text), lookup[ffi.VoiceState](unsafe.Pointer(state)), p, n))
}

//export pocket_tts_generate_with_pauses
func pocket_tts_generate_with_pauses(model *C.pocket_tts_model_t, text *C.char, state *C.pocket_tts_voice_state_t, outPtr **C.float, outLen *C.size_t) C.int {
	p, n := outParams(outPtr, outLen)
	return C.int(ffi.GenerateWithPauses(lookup[ffi.Model](unsafe.Pointer(model)), unsafe.Pointer(text), lookup[ffi.VoiceState](unsafe.Pointer(state)), p, n))
}

//export pocket_tts_stream_new
func pocket_tts_stream_new(model *C.pocket_tts_model_t, text *C.char, state *C.pocket_tts_voice_state_t, longText C.int) *C.pocket_tts_stream_t {
	s := ffi.StreamNew(lookup[ffi.Model](unsafe.Pointer(model)), unsafe.Pointer(text), lookup[ffi.VoiceState](unsafe.Pointer(state)), int32(longText))
	return (*C.pocket_tts_stream_t)(newToken(s))
}

//export pocket_tts_stream_next
func pocket_tts_stream_next(stream *C.pocket_tts_stream_t, outPtr **C.float, outLen *C.size_t) C.int {
	p, n := outParams(outPtr, outLen)
	return C.int(ffi.StreamNext(lookup[ffi.Stream](unsafe.Pointer(stream)), p, n))
}

//export pocket_tts_stream_free
func pocket_tts_stream_free(stream *C.pocket_tts_stream_t) {
	ffi.StreamFree(dropToken[ffi.Stream](unsafe.Pointer(stream)))
}

//export pocket_tts_audio_free
func pocket_tts_audio_free(ptr *C.float, n C.size_t) {
	ffi.AudioFree(unsafe.Pointer(ptr), uintptr(n))
}
