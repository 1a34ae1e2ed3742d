package allocator

import (
	"math/bits"
	"unsafe"
)

// Heap is the control block of one arena. It is not safe for concurrent
// use: callers serialize every call themselves.
type Heap struct {
	base     unsafe.Pointer
	capacity uintptr

	bins            [BinCount]uintptr
	nonEmptyBinMask uint

	diag Diagnostics

	touched uint64
}

// Init builds a heap over size bytes starting at base. The memory must
// stay valid, and must not be used by anything else, for as long as the
// heap is used. Go pointers must not be stored in allocated blocks when
// the arena is Go memory: the collector does not scan it.
func Init(base unsafe.Pointer, size uintptr) (*Heap, error) {
	if base == nil {
		return nil, ErrNullPointer
	}
	if uintptr(base)%Alignment != 0 {
		return nil, ErrMisaligned
	}
	if size < MinArenaSize() {
		return nil, ErrTooSmall
	}

	capacity := size &^ (FragmentSizeMin - 1)
	if capacity > FragmentSizeMax {
		capacity = FragmentSizeMax
	}

	h := &Heap{
		base:     base,
		capacity: capacity,
	}
	for i := range h.bins {
		h.bins[i] = nullOffset
	}

	frag := h.fragment(0)
	frag.next = nullOffset
	frag.prev = nullOffset
	frag.size = capacity
	h.rebin(0, frag)

	h.diag.Capacity = capacity
	h.touched = 0
	return h, nil
}

// New is Init over the memory of arena.
func New(arena []byte) (*Heap, error) {
	if arena == nil {
		return nil, ErrNullPointer
	}
	if len(arena) == 0 {
		return nil, ErrTooSmall
	}
	return Init(unsafe.Pointer(&arena[0]), uintptr(len(arena)))
}

func (h *Heap) fragment(off uintptr) *fragmentHeader {
	h.touched++
	return (*fragmentHeader)(unsafe.Add(h.base, off))
}

func (h *Heap) links(off uintptr) *freeLinks {
	return (*freeLinks)(unsafe.Add(h.base, off+headerSize))
}

// Allocate returns an Alignment-aligned block of at least amount bytes,
// or nil when no free fragment is large enough. A zero amount yields a
// minimum-size block. The work done does not depend on the arena size or
// on how fragmented it is.
func (h *Heap) Allocate(amount uintptr) unsafe.Pointer {
	if amount > h.capacity-headerSize {
		h.diag.onOOM()
		return nil
	}

	fragSize := fragmentSizeFor(amount)
	idx, ok := h.findBin(fragSize)
	if !ok {
		h.diag.onOOM()
		return nil
	}

	off := h.bins[idx]
	frag := h.fragment(off)
	h.unbin(off, frag)

	if leftover := frag.size - fragSize; leftover >= FragmentSizeMin {
		restOff := off + fragSize
		rest := h.fragment(restOff)
		rest.size = leftover
		rest.prev = off
		rest.next = frag.next
		if frag.next != nullOffset {
			h.fragment(frag.next).prev = restOff
		}

		frag.next = restOff
		frag.size = fragSize
		h.rebin(restOff, rest)
	}

	frag.markUsed()
	h.diag.onAllocate(frag.size)

	return unsafe.Add(h.base, off+headerSize)
}

// Free returns a block obtained from Allocate on this heap and merges it
// with its free address-order neighbours. Free(nil) does nothing. Passing
// any other pointer, or freeing twice, corrupts the heap.
func (h *Heap) Free(ptr unsafe.Pointer) {
	if ptr == nil {
		return
	}

	off := uintptr(ptr) - uintptr(h.base) - headerSize
	frag := h.fragment(off)
	h.diag.onFree(frag.size)

	var prev, next *fragmentHeader
	prevOff, nextOff := frag.prev, frag.next
	if prevOff != nullOffset {
		prev = h.fragment(prevOff)
	}
	if nextOff != nullOffset {
		next = h.fragment(nextOff)
	}

	joinLeft := prev != nil && !prev.isUsed()
	joinRight := next != nil && !next.isUsed()

	if joinRight {
		h.unbin(nextOff, next)
		frag.size += next.size
		frag.next = next.next
	}
	if joinLeft {
		h.unbin(prevOff, prev)
		prev.size += frag.size
		prev.next = frag.next
		off, frag = prevOff, prev
	}

	if (joinLeft || joinRight) && frag.next != nullOffset {
		succ := next
		if joinRight {
			succ = h.fragment(frag.next)
		}
		succ.prev = off
	}

	h.rebin(off, frag)
}

// MaxAllocationSize returns the largest amount Allocate is guaranteed to
// satisfy right now.
func (h *Heap) MaxAllocationSize() uintptr {
	if h.nonEmptyBinMask == 0 {
		return 0
	}
	top := uint(bits.Len(h.nonEmptyBinMask)) - 1
	return (FragmentSizeMin << top) - headerSize
}

// UsableSize returns the payload bytes behind a pointer from Allocate.
func (h *Heap) UsableSize(ptr unsafe.Pointer) uintptr {
	off := uintptr(ptr) - uintptr(h.base) - headerSize
	return h.header(off).size - headerSize
}

// Capacity ...
func (h *Heap) Capacity() uintptr {
	return h.capacity
}

// Offset converts a pointer into the arena to its offset from the base.
func (h *Heap) Offset(ptr unsafe.Pointer) uintptr {
	return uintptr(ptr) - uintptr(h.base)
}

// ToRealAddr ...
func (h *Heap) ToRealAddr(off uintptr) unsafe.Pointer {
	return unsafe.Add(h.base, off)
}

// Touched returns how many fragment headers Allocate and Free have
// visited since Init.
func (h *Heap) Touched() uint64 {
	return h.touched
}
