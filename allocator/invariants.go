package allocator

import "unsafe"

// InvariantsHold walks every fragment and every bin and reports whether
// the structure is consistent. It is linear in the number of fragments and
// is meant for self-tests, never for the allocation path. A false result
// means the heap has been corrupted, e.g. by a double free or by writing
// past the end of a block.
func (h *Heap) InvariantsHold() bool {
	free, ok := h.walkFragments()
	if !ok {
		return false
	}
	if !h.walkBins(free) {
		return false
	}
	return h.diag.consistent(h.capacity)
}

func (h *Heap) header(off uintptr) *fragmentHeader {
	return (*fragmentHeader)(unsafe.Add(h.base, off))
}

func (h *Heap) validOffset(off uintptr) bool {
	return off < h.capacity && off%FragmentSizeMin == 0
}

// walkFragments follows heap order from the first fragment and returns the
// bin index of every free fragment keyed by offset.
func (h *Heap) walkFragments() (map[uintptr]uint, bool) {
	free := make(map[uintptr]uint)

	var total, used uintptr
	prevOff := nullOffset
	prevFree := false

	for off := uintptr(0); off != nullOffset; {
		if !h.validOffset(off) {
			return nil, false
		}

		frag := h.header(off)
		if frag.prev != prevOff {
			return nil, false
		}
		if frag.size < FragmentSizeMin || frag.size%FragmentSizeMin != 0 || frag.size > h.capacity-off {
			return nil, false
		}

		end := off + frag.size
		if frag.next == nullOffset {
			if end != h.capacity {
				return nil, false
			}
		} else if frag.next != end {
			return nil, false
		}

		if frag.isUsed() {
			if frag.meta != usedFlag {
				return nil, false
			}
			used += frag.size
			prevFree = false
		} else {
			// two free neighbours must have been merged
			if prevFree {
				return nil, false
			}
			if frag.binIndex() != binIndexOf(frag.size) {
				return nil, false
			}
			free[off] = frag.binIndex()
			prevFree = true
		}

		total += frag.size
		prevOff = off
		off = frag.next
	}

	if total != h.capacity || used != h.diag.Allocated {
		return nil, false
	}
	return free, true
}

// walkBins checks the occupancy mask against the bin heads and that the
// bins hold exactly the free fragments found in heap order.
func (h *Heap) walkBins(free map[uintptr]uint) bool {
	for i, head := range h.bins {
		idx := uint(i)
		bitSet := h.nonEmptyBinMask&(uint(1)<<idx) != 0
		if bitSet != (head != nullOffset) {
			return false
		}

		prevOff := nullOffset
		for off := head; off != nullOffset; {
			bin, ok := free[off]
			if !ok || bin != idx {
				return false
			}
			delete(free, off)

			links := h.links(off)
			if links.prevFree != prevOff {
				return false
			}
			prevOff = off
			off = links.nextFree
		}
	}
	return len(free) == 0
}
