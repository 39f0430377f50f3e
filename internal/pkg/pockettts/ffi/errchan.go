package ffi

import (
	"strings"
	"sync"
	"unsafe"
)

// fallbackMessage replaces diagnostics that cannot be a C string.
const fallbackMessage = "error"

// errorSlot holds the last diagnostic of the process. It is shared by every
// thread, so concurrent callers may read each other's message.
type errorSlot struct {
	mu      sync.Mutex
	message string
	cstr    unsafe.Pointer
}

var errs errorSlot

func (e *errorSlot) set(message string) {
	if strings.IndexByte(message, 0) >= 0 {
		message = fallbackMessage
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.reset()
	e.message = message
	e.cstr = allocator().CString(message)
}

func (e *errorSlot) clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.reset()
}

func (e *errorSlot) reset() {
	if e.cstr != nil {
		allocator().FreeCString(e.cstr)
	}
	e.cstr = nil
	e.message = ""
}

// peek never blocks: a slot that is being written reads as empty.
func (e *errorSlot) peek() (unsafe.Pointer, string) {
	if !e.mu.TryLock() {
		return nil, ""
	}
	defer e.mu.Unlock()
	return e.cstr, e.message
}

// LastErrorMessage returns the pending diagnostic as a NUL-terminated
// string, or nil. The string stays valid until the next fallible call or
// ClearError.
func LastErrorMessage() unsafe.Pointer {
	p, _ := errs.peek()
	return p
}

func ClearError() {
	errs.clear()
}
