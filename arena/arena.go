// Package arena provides backing memory for allocator heaps: aligned Go
// memory that is not zeroed, and anonymous memory mappings.
package arena

import (
	"unsafe"

	"github.com/bytedance/gopkg/lang/dirtmake"

	"github.com/QuangTung97/o1heap/allocator"
)

const alignment = int(allocator.Alignment)

func alignUp(addr uintptr) uintptr {
	return (addr + allocator.Alignment - 1) &^ (allocator.Alignment - 1)
}

// Make returns size bytes of Go memory aligned to allocator.Alignment.
// The contents are not zeroed.
func Make(size int) []byte {
	if size <= 0 {
		return nil
	}

	buf := dirtmake.Bytes(size+alignment, size+alignment)
	addr := uintptr(unsafe.Pointer(&buf[0]))
	shift := int(alignUp(addr) - addr)
	return buf[shift : shift+size : shift+size]
}

// IsAligned reports whether b starts on an allocator.Alignment boundary.
func IsAligned(b []byte) bool {
	if len(b) == 0 {
		return false
	}
	addr := uintptr(unsafe.Pointer(&b[0]))
	return addr == alignUp(addr)
}
