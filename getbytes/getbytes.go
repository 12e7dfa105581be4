// Package getbytes views slices of fixed-width words as raw bytes without
// copying. The byte order is the host's native order, which is the order
// the digitizer DMA engine writes and the order .ast files are stored in.
package getbytes

import (
	"unsafe"
)

// Word is any fixed-width integer type that can be viewed as bytes.
type Word interface {
	~uint8 | ~uint16 | ~uint32 | ~uint64 | ~int8 | ~int16 | ~int32 | ~int64
}

// FromWords returns the bytes backing d. The result aliases d.
func FromWords[T Word](d []T) []byte {
	if len(d) == 0 {
		return []byte{}
	}
	outlength := uintptr(len(d)) * unsafe.Sizeof(d[0])
	return unsafe.Slice((*byte)(unsafe.Pointer(&d[0])), outlength)
}

// AppendWords appends the native-order bytes of d to dst.
func AppendWords[T Word](dst []byte, d ...T) []byte {
	return append(dst, FromWords(d)...)
}
