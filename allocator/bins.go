package allocator

import "math/bits"

// BinCount is the number of size-class bins, one per bit of the occupancy mask.
const BinCount = bits.UintSize

func log2Floor(x uintptr) uint {
	return uint(bits.Len(uint(x))) - 1
}

func log2Ceil(x uintptr) uint {
	if x <= 1 {
		return 0
	}
	return uint(bits.Len(uint(x - 1)))
}

// binIndexOf returns the bin of a free fragment: bin i holds sizes in
// [FragmentSizeMin<<i, FragmentSizeMin<<(i+1)).
func binIndexOf(size uintptr) uint {
	return log2Floor(size / FragmentSizeMin)
}

// fragmentSizeFor rounds a request plus its header up to a power of two
// no smaller than FragmentSizeMin.
func fragmentSizeFor(amount uintptr) uintptr {
	size := amount + headerSize
	if size < FragmentSizeMin {
		return FragmentSizeMin
	}
	return uintptr(1) << log2Ceil(size)
}

// findBin returns the smallest non-empty bin whose every fragment can hold
// a fragment of the given power-of-two size.
func (h *Heap) findBin(fragSize uintptr) (uint, bool) {
	optimal := binIndexOf(fragSize)
	suitable := h.nonEmptyBinMask &^ (uint(1)<<optimal - 1)
	if suitable == 0 {
		return 0, false
	}
	return uint(bits.TrailingZeros(suitable)), true
}

// rebin marks the fragment free and pushes it to the head of its bin.
func (h *Heap) rebin(off uintptr, frag *fragmentHeader) {
	idx := binIndexOf(frag.size)
	frag.markFree(idx)

	links := h.links(off)
	links.prevFree = nullOffset
	links.nextFree = h.bins[idx]
	if h.bins[idx] != nullOffset {
		h.links(h.bins[idx]).prevFree = off
	}

	h.bins[idx] = off
	h.nonEmptyBinMask |= uint(1) << idx
}

// unbin removes a free fragment from its bin using its own links.
func (h *Heap) unbin(off uintptr, frag *fragmentHeader) {
	idx := frag.binIndex()
	links := h.links(off)

	if links.nextFree != nullOffset {
		h.links(links.nextFree).prevFree = links.prevFree
	}

	if links.prevFree != nullOffset {
		h.links(links.prevFree).nextFree = links.nextFree
		return
	}

	h.bins[idx] = links.nextFree
	if links.nextFree == nullOffset {
		h.nonEmptyBinMask &^= uint(1) << idx
	}
}

// contentOfBin lists the offsets in a bin, head first.
func (h *Heap) contentOfBin(idx uint) []uintptr {
	var result []uintptr
	off := h.bins[idx]
	for off != nullOffset {
		result = append(result, off)
		off = h.links(off).nextFree
	}
	return result
}
