package ffi

import (
	"runtime"
	"sync"
	"unsafe"
)

// Allocator owns the memory handed across the boundary. The shared library
// installs one backed by the C heap; the default keeps Go memory pinned.
type Allocator interface {
	// Handoff returns a stable pointer to a copy of samples, or the
	// samples themselves.
	Handoff(samples []float32) unsafe.Pointer
	Release(p unsafe.Pointer, n int)
	CString(s string) unsafe.Pointer
	FreeCString(p unsafe.Pointer)
}

var (
	allocMu     sync.RWMutex
	activeAlloc Allocator = newGoAllocator()
)

// SetAllocator replaces the allocator. It must run before the first
// boundary call.
func SetAllocator(a Allocator) {
	allocMu.Lock()
	defer allocMu.Unlock()
	activeAlloc = a
}

func allocator() Allocator {
	allocMu.RLock()
	defer allocMu.RUnlock()
	return activeAlloc
}

type pinned struct {
	pinner runtime.Pinner
}

// goAllocator pins Go memory until it is released.
type goAllocator struct {
	mu   sync.Mutex
	live map[unsafe.Pointer]*pinned
}

func newGoAllocator() *goAllocator {
	return &goAllocator{live: make(map[unsafe.Pointer]*pinned)}
}

func (a *goAllocator) pin(p unsafe.Pointer) unsafe.Pointer {
	entry := &pinned{}
	entry.pinner.Pin(p)
	a.mu.Lock()
	a.live[p] = entry
	a.mu.Unlock()
	return p
}

func (a *goAllocator) unpin(p unsafe.Pointer) {
	a.mu.Lock()
	entry, ok := a.live[p]
	delete(a.live, p)
	a.mu.Unlock()
	if ok {
		entry.pinner.Unpin()
	}
}

func (a *goAllocator) Handoff(samples []float32) unsafe.Pointer {
	return a.pin(unsafe.Pointer(unsafe.SliceData(samples)))
}

func (a *goAllocator) Release(p unsafe.Pointer, _ int) { a.unpin(p) }

func (a *goAllocator) CString(s string) unsafe.Pointer {
	b := append([]byte(s), 0)
	return a.pin(unsafe.Pointer(unsafe.SliceData(b)))
}

func (a *goAllocator) FreeCString(p unsafe.Pointer) { a.unpin(p) }

// outstanding counts pinned allocations.
func (a *goAllocator) outstanding() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.live)
}

// handoff gives samples to the caller. Empty output is reported as a nil
// pointer with length zero, which AudioFree accepts.
func handoff(samples []float32, outPtr *unsafe.Pointer, outLen *uintptr) {
	if len(samples) == 0 {
		*outPtr, *outLen = nil, 0
		return
	}
	*outPtr = allocator().Handoff(samples)
	*outLen = uintptr(len(samples))
}

// AudioFree releases a buffer returned by Generate, GenerateWithPauses or
// StreamNext. A nil pointer or zero length is a no-op.
func AudioFree(p unsafe.Pointer, n uintptr) {
	defer recoverVoid("audio_free")
	if p == nil || n == 0 {
		return
	}
	allocator().Release(p, int(n))
}
