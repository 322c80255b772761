package hostarray

// This file defines AlignedAlloc, modelled after mm_malloc, but on Go managed memory.

import (
	"fmt"
	"unsafe"
)

// BufferAlignment is the default alignment of the host storage allocated by New.
// Page-locking and mapped transfers are faster (and for some drivers only possible) on aligned memory.
const BufferAlignment = 64

// AlignedAlloc returns a zero-filled byte slice of the given size whose first byte is aligned to alignment.
// The alignment must be a power of 2.
//
// It uses a strategy of allocating extra bytes and slicing at the first aligned offset, so the
// underlying Go array is kept alive by the returned slice.
func AlignedAlloc(size, alignment uintptr) []byte {
	if alignment == 0 || alignment&(alignment-1) != 0 {
		panic(fmt.Sprintf("AlignedAlloc: alignment must be a power of 2, got %d", alignment))
	}
	if size == 0 {
		return []byte{}
	}
	buf := make([]byte, size+alignment)
	offset := uintptr(unsafe.Pointer(unsafe.SliceData(buf))) % alignment
	if offset != 0 {
		offset = alignment - offset
	}
	return buf[offset : offset+size : offset+size]
}

// IsAligned returns whether ptr is aligned to alignment.
func IsAligned(ptr unsafe.Pointer, alignment uintptr) bool {
	return uintptr(ptr)%alignment == 0
}
