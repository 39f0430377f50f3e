package ffi

import (
	"strings"
	"unsafe"

	"golang.org/x/text/encoding/unicode"
)

// goString copies a NUL-terminated string. Ill-formed UTF-8 is replaced
// with U+FFFD instead of failing.
func goString(p unsafe.Pointer) (string, error) {
	if p == nil {
		return "", ErrNullPointer
	}
	n := 0
	for *(*byte)(unsafe.Add(p, n)) != 0 {
		n++
	}
	raw := string(unsafe.Slice((*byte)(p), n))

	s, err := unicode.UTF8.NewDecoder().String(raw)
	if err != nil {
		return strings.ToValidUTF8(raw, "�"), nil
	}
	return s, nil
}

// goBytes copies a pointer and length pair.
func goBytes(p unsafe.Pointer, n uintptr) ([]byte, error) {
	if n == 0 {
		return nil, ErrEmptyBuffer
	}
	if p == nil {
		return nil, ErrNullPointer
	}
	return append([]byte(nil), unsafe.Slice((*byte)(p), n)...), nil
}
