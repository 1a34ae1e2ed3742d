package allocator

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLog2(t *testing.T) {
	table := []struct {
		x     uintptr
		floor uint
		ceil  uint
	}{
		{x: 1, floor: 0, ceil: 0},
		{x: 2, floor: 1, ceil: 1},
		{x: 3, floor: 1, ceil: 2},
		{x: 4, floor: 2, ceil: 2},
		{x: 1000, floor: 9, ceil: 10},
		{x: 1024, floor: 10, ceil: 10},
	}
	for _, e := range table {
		assert.Equal(t, e.floor, log2Floor(e.x), "x=%d", e.x)
		assert.Equal(t, e.ceil, log2Ceil(e.x), "x=%d", e.x)
	}
}

func TestFragmentSizeFor(t *testing.T) {
	assert.Equal(t, FragmentSizeMin, fragmentSizeFor(0))
	assert.Equal(t, FragmentSizeMin, fragmentSizeFor(Alignment))
	assert.Equal(t, 2*FragmentSizeMin, fragmentSizeFor(Alignment+1))
	assert.Equal(t, uintptr(128), fragmentSizeFor(64))
	assert.Equal(t, uintptr(4096), fragmentSizeFor(4000))
	assert.Equal(t, uintptr(4096), fragmentSizeFor(4096-headerSize))
	assert.Equal(t, uintptr(8192), fragmentSizeFor(4096-headerSize+1))
}

func TestBinIndexOf(t *testing.T) {
	assert.Equal(t, uint(0), binIndexOf(FragmentSizeMin))
	assert.Equal(t, uint(0), binIndexOf(2*FragmentSizeMin-FragmentSizeMin/2))
	assert.Equal(t, uint(1), binIndexOf(2*FragmentSizeMin))
	assert.Equal(t, uint(1), binIndexOf(3*FragmentSizeMin))
	assert.Equal(t, uint(2), binIndexOf(4*FragmentSizeMin))
}

func TestFindBin(t *testing.T) {
	h := &Heap{}

	_, ok := h.findBin(FragmentSizeMin)
	assert.False(t, ok)

	h.nonEmptyBinMask = 0b10100
	table := []struct {
		name     string
		size     uintptr
		expected uint
		ok       bool
	}{
		{name: "smallest", size: FragmentSizeMin, expected: 2, ok: true},
		{name: "exact", size: 4 * FragmentSizeMin, expected: 2, ok: true},
		{name: "skip", size: 8 * FragmentSizeMin, expected: 4, ok: true},
		{name: "top", size: 16 * FragmentSizeMin, expected: 4, ok: true},
		{name: "none", size: 32 * FragmentSizeMin, ok: false},
	}
	for _, e := range table {
		t.Run(e.name, func(t *testing.T) {
			idx, ok := h.findBin(e.size)
			assert.Equal(t, e.ok, ok)
			if ok {
				assert.Equal(t, e.expected, idx)
			}
		})
	}
}

func TestRebinUnbin(t *testing.T) {
	h := newTestHeap(t, 4096)

	// carve three free fragments of the same class by hand
	h.unbin(0, h.header(0))
	assert.Equal(t, uint(0), h.nonEmptyBinMask)

	offsets := []uintptr{0, FragmentSizeMin, 2 * FragmentSizeMin}
	for _, off := range offsets {
		frag := h.header(off)
		frag.size = FragmentSizeMin
		h.rebin(off, frag)
	}
	assert.Equal(t, []uintptr{2 * FragmentSizeMin, FragmentSizeMin, 0}, h.contentOfBin(0))
	assert.Equal(t, uint(1), h.nonEmptyBinMask)

	h.unbin(FragmentSizeMin, h.header(FragmentSizeMin))
	assert.Equal(t, []uintptr{2 * FragmentSizeMin, 0}, h.contentOfBin(0))

	h.unbin(2*FragmentSizeMin, h.header(2*FragmentSizeMin))
	assert.Equal(t, []uintptr{0}, h.contentOfBin(0))
	assert.Equal(t, nullOffset, h.links(0).prevFree)
	assert.Equal(t, uint(1), h.nonEmptyBinMask)

	h.unbin(0, h.header(0))
	assert.Equal(t, []uintptr(nil), h.contentOfBin(0))
	assert.Equal(t, uint(0), h.nonEmptyBinMask)
}
