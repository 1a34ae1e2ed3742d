package allocator

import (
	"math/bits"
	"unsafe"
)

const (
	wordSize = unsafe.Sizeof(uintptr(0))

	// Alignment is the alignment of every pointer returned by Allocate
	// and the alignment required of the arena base: 16 bytes on 32-bit
	// targets, 32 bytes on 64-bit targets.
	Alignment = 4 * wordSize

	// FragmentSizeMin is the size of the smallest fragment: one header
	// followed by Alignment bytes of payload.
	FragmentSizeMin = 2 * Alignment

	// FragmentSizeMax is the largest fragment the bin table can classify.
	FragmentSizeMax = uintptr(1) << (bits.UintSize - 1)

	headerSize = Alignment

	nullOffset = ^uintptr(0)

	usedFlag uintptr = 1
)

// fragmentHeader sits at the start of every fragment. The links are
// byte offsets from the arena base in address order, not free-list links.
type fragmentHeader struct {
	next uintptr
	prev uintptr
	size uintptr
	meta uintptr // bit 0: used, remaining bits: bin index while free
}

// freeLinks lives in the payload of a free fragment.
type freeLinks struct {
	nextFree uintptr
	prevFree uintptr
}

// the header must be exactly one Alignment so payloads stay aligned
var _ [headerSize - unsafe.Sizeof(fragmentHeader{})]struct{}
var _ [unsafe.Sizeof(fragmentHeader{}) - headerSize]struct{}
var _ [Alignment - unsafe.Sizeof(freeLinks{})]struct{}

func (f *fragmentHeader) isUsed() bool {
	return f.meta&usedFlag != 0
}

func (f *fragmentHeader) binIndex() uint {
	return uint(f.meta >> 1)
}

func (f *fragmentHeader) markUsed() {
	f.meta = usedFlag
}

func (f *fragmentHeader) markFree(bin uint) {
	f.meta = uintptr(bin) << 1
}

// MinArenaSize returns the smallest arena Init accepts.
func MinArenaSize() uintptr {
	return FragmentSizeMin
}
