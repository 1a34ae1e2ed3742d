package allocator

import (
	"errors"
	"math/rand"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestArena(size int) []byte {
	buf := make([]byte, size+int(Alignment))
	addr := uintptr(unsafe.Pointer(&buf[0]))
	shift := int((addr+Alignment-1)&^(Alignment-1) - addr)
	return buf[shift : shift+size : shift+size]
}

func newTestHeap(t *testing.T, size int) *Heap {
	h, err := New(newTestArena(size))
	require.NoError(t, err)
	return h
}

func fragmentOf(h *Heap, ptr unsafe.Pointer) (uintptr, *fragmentHeader) {
	off := h.Offset(ptr) - headerSize
	return off, h.header(off)
}

func sumFragmentSizes(h *Heap) uintptr {
	var total uintptr
	for off := uintptr(0); off != nullOffset; off = h.header(off).next {
		total += h.header(off).size
	}
	return total
}

func TestConstants(t *testing.T) {
	assert.Equal(t, 4*unsafe.Sizeof(uintptr(0)), Alignment)
	assert.True(t, Alignment == 16 || Alignment == 32)
	assert.Equal(t, Alignment, unsafe.Sizeof(fragmentHeader{}))
	assert.Equal(t, 2*Alignment, MinArenaSize())
}

func TestInit_Errors(t *testing.T) {
	arena := newTestArena(4096)

	table := []struct {
		name string
		base unsafe.Pointer
		size uintptr
		err  error
	}{
		{
			name: "null",
			base: nil,
			size: 4096,
			err:  ErrNullPointer,
		},
		{
			name: "misaligned",
			base: unsafe.Pointer(&arena[8]),
			size: 2048,
			err:  ErrMisaligned,
		},
		{
			name: "too-small",
			base: unsafe.Pointer(&arena[0]),
			size: MinArenaSize() - 1,
			err:  ErrTooSmall,
		},
	}

	for _, e := range table {
		t.Run(e.name, func(t *testing.T) {
			h, err := Init(e.base, e.size)
			assert.Nil(t, h)
			assert.True(t, errors.Is(err, e.err))
			assert.NotEmpty(t, err.Error())
		})
	}
}

func TestNew_Errors(t *testing.T) {
	_, err := New(nil)
	assert.Equal(t, ErrNullPointer, err)

	_, err = New([]byte{})
	assert.Equal(t, ErrTooSmall, err)

	_, err = New(newTestArena(int(MinArenaSize())))
	assert.NoError(t, err)
}

func TestInit_Fresh(t *testing.T) {
	h := newTestHeap(t, 4096)

	assert.Equal(t, uintptr(4096), h.Capacity())
	assert.Equal(t, Diagnostics{Capacity: 4096}, h.Diagnostics())
	assert.Equal(t, uint(1)<<binIndexOf(4096), h.nonEmptyBinMask)
	assert.Equal(t, []uintptr{0}, h.contentOfBin(binIndexOf(4096)))
	assert.Equal(t, uintptr(4096)-headerSize, h.MaxAllocationSize())
	assert.True(t, h.InvariantsHold())

	frag := h.header(0)
	assert.Equal(t, nullOffset, frag.next)
	assert.Equal(t, nullOffset, frag.prev)
	assert.Equal(t, uintptr(4096), frag.size)
	assert.False(t, frag.isUsed())
}

func TestInit_CapacityRoundedDown(t *testing.T) {
	h := newTestHeap(t, 4096+int(FragmentSizeMin)-1)
	assert.Equal(t, uintptr(4096), h.Diagnostics().Capacity)
	assert.True(t, h.InvariantsHold())
}

func TestAllocate_Split(t *testing.T) {
	h := newTestHeap(t, 4096)

	p := h.Allocate(64)
	require.NotNil(t, p)

	off, frag := fragmentOf(h, p)
	assert.Equal(t, uintptr(0), off)
	assert.Equal(t, uintptr(128), frag.size)
	assert.True(t, frag.isUsed())
	assert.Equal(t, uintptr(128), frag.next)

	rest := h.header(128)
	assert.Equal(t, uintptr(4096-128), rest.size)
	assert.Equal(t, uintptr(0), rest.prev)
	assert.Equal(t, nullOffset, rest.next)
	assert.Equal(t, []uintptr{128}, h.contentOfBin(binIndexOf(4096-128)))
	assert.Equal(t, uint(1)<<binIndexOf(4096-128), h.nonEmptyBinMask)

	assert.True(t, h.InvariantsHold())
}

func TestAllocate_NoSplitWhenExact(t *testing.T) {
	h := newTestHeap(t, 4096)

	p := h.Allocate(4096 - headerSize)
	require.NotNil(t, p)
	assert.Equal(t, uint(0), h.nonEmptyBinMask)
	assert.Equal(t, uintptr(0), h.MaxAllocationSize())
	assert.Nil(t, h.Allocate(0))
	assert.True(t, h.InvariantsHold())
}

func TestAllocate_ZeroSize(t *testing.T) {
	h := newTestHeap(t, 4096)

	p := h.Allocate(0)
	require.NotNil(t, p)
	assert.Equal(t, FragmentSizeMin, h.Diagnostics().Allocated)
	assert.Equal(t, Alignment, h.UsableSize(p))

	h.Free(p)
	assert.Equal(t, uintptr(0), h.Diagnostics().Allocated)
	assert.True(t, h.InvariantsHold())
}

func TestAllocate_TooLarge(t *testing.T) {
	h := newTestHeap(t, 4096)

	assert.Nil(t, h.Allocate(4096))
	assert.Nil(t, h.Allocate(^uintptr(0)))
	assert.Equal(t, Diagnostics{Capacity: 4096, OOMCount: 2}, h.Diagnostics())
	assert.True(t, h.InvariantsHold())
}

func TestAllocate_Alignment(t *testing.T) {
	h := newTestHeap(t, 1<<16)

	var ptrs []unsafe.Pointer
	for size := uintptr(0); size < 700; size += 37 {
		p := h.Allocate(size)
		require.NotNil(t, p)
		assert.Equal(t, uintptr(0), uintptr(p)%Alignment)
		assert.GreaterOrEqual(t, h.UsableSize(p), size)
		ptrs = append(ptrs, p)
	}
	for _, p := range ptrs {
		h.Free(p)
	}

	assert.Equal(t, uintptr(0), h.Diagnostics().Allocated)
	assert.True(t, h.InvariantsHold())
}

func TestScenario_CoalesceReclaimsArena(t *testing.T) {
	require.LessOrEqual(t, MinArenaSize(), uintptr(4096))
	h := newTestHeap(t, 4096)

	p1 := h.Allocate(64)
	require.NotNil(t, p1)
	assert.Equal(t, uintptr(0), uintptr(p1)%Alignment)
	assert.GreaterOrEqual(t, h.Diagnostics().Allocated, uintptr(64))

	before := h.Diagnostics()
	assert.Nil(t, h.Allocate(4000))
	after := h.Diagnostics()
	assert.Equal(t, uint64(1), after.OOMCount)
	before.OOMCount = 1
	assert.Equal(t, before, after)

	h.Free(p1)
	assert.Equal(t, uintptr(0), h.Diagnostics().Allocated)

	p2 := h.Allocate(4000)
	require.NotNil(t, p2)
	assert.Equal(t, uintptr(4096), h.Diagnostics().Allocated)
	assert.Equal(t, uintptr(4096), h.Diagnostics().PeakAllocated)
	assert.True(t, h.InvariantsHold())
}

func TestScenario_UsedNeighboursAreNotMerged(t *testing.T) {
	h := newTestHeap(t, 4096)

	p1 := h.Allocate(64)
	p2 := h.Allocate(64)
	p3 := h.Allocate(64)
	require.NotNil(t, p1)
	require.NotNil(t, p2)
	require.NotNil(t, p3)

	h.Free(p2)

	off, frag := fragmentOf(h, p2)
	assert.False(t, frag.isUsed())
	assert.Equal(t, uintptr(128), frag.size)
	assert.Equal(t, []uintptr{off}, h.contentOfBin(binIndexOf(128)))

	_, left := fragmentOf(h, p1)
	_, right := fragmentOf(h, p3)
	assert.True(t, left.isUsed())
	assert.True(t, right.isUsed())
	assert.Equal(t, uintptr(128), left.size)
	assert.Equal(t, uintptr(128), right.size)

	assert.Equal(t, uintptr(256), h.Diagnostics().Allocated)
	assert.True(t, h.InvariantsHold())

	// the hole is reused before splitting the tail
	p4 := h.Allocate(64)
	assert.Equal(t, p2, p4)
}

func TestFree_CoalesceDirections(t *testing.T) {
	table := []struct {
		name  string
		order []int
	}{
		{name: "left-then-right", order: []int{0, 1, 2}},
		{name: "right-then-left", order: []int{2, 1, 0}},
		{name: "outer-then-middle", order: []int{0, 2, 1}},
		{name: "middle-then-outer", order: []int{1, 0, 2}},
	}

	for _, e := range table {
		t.Run(e.name, func(t *testing.T) {
			h := newTestHeap(t, 4096)

			ptrs := []unsafe.Pointer{h.Allocate(100), h.Allocate(200), h.Allocate(300)}
			for _, p := range ptrs {
				require.NotNil(t, p)
			}

			for _, i := range e.order {
				h.Free(ptrs[i])
				assert.True(t, h.InvariantsHold())
			}

			assert.Equal(t, uintptr(0), h.Diagnostics().Allocated)
			assert.Equal(t, []uintptr{0}, h.contentOfBin(binIndexOf(4096)))
			assert.Equal(t, uint(1)<<binIndexOf(4096), h.nonEmptyBinMask)
		})
	}
}

func TestFree_Nil(t *testing.T) {
	h := newTestHeap(t, 4096)
	h.Free(nil)
	assert.Equal(t, Diagnostics{Capacity: 4096}, h.Diagnostics())
}

func TestAllocateFree_AnyOrderReturnsToEmpty(t *testing.T) {
	sizes := [][2]uintptr{{0, 0}, {1, 4000}, {100, 200}, {1000, 1000}, {2000, 31}}

	for _, s := range sizes {
		for _, reverse := range []bool{false, true} {
			h := newTestHeap(t, 8192)

			p1 := h.Allocate(s[0])
			p2 := h.Allocate(s[1])
			require.NotNil(t, p1)
			require.NotNil(t, p2)

			if reverse {
				h.Free(p2)
				h.Free(p1)
			} else {
				h.Free(p1)
				h.Free(p2)
			}

			assert.Equal(t, uintptr(0), h.Diagnostics().Allocated)
			assert.NotNil(t, h.Allocate(8192-headerSize))
			assert.True(t, h.InvariantsHold())
		}
	}
}

func TestDiagnostics_Idempotent(t *testing.T) {
	h := newTestHeap(t, 4096)
	h.Allocate(10)
	h.Allocate(5000)

	d1 := h.Diagnostics()
	d2 := h.Diagnostics()
	assert.Equal(t, d1, d2)
	assert.Equal(t, uint64(1), d1.AllocCount)
	assert.Equal(t, uint64(1), d1.OOMCount)
}

func TestMaxAllocationSize(t *testing.T) {
	h := newTestHeap(t, 4096)

	p := h.Allocate(h.MaxAllocationSize())
	require.NotNil(t, p)
	h.Free(p)

	p1 := h.Allocate(900)
	require.NotNil(t, p1)

	// 1024 used, 3072 left in the bin starting at 2048
	assert.Equal(t, uintptr(2048)-headerSize, h.MaxAllocationSize())
	assert.NotNil(t, h.Allocate(h.MaxAllocationSize()))
}

func TestUsableSize_DoesNotTouch(t *testing.T) {
	h := newTestHeap(t, 4096)

	p := h.Allocate(100)
	require.NotNil(t, p)

	before := h.Touched()
	assert.Equal(t, fragmentSizeFor(100)-headerSize, h.UsableSize(p))
	assert.Equal(t, before, h.Touched())
}

func TestTouchedFragmentsBounded(t *testing.T) {
	for _, holes := range []int{0, 1, 16, 256, 1024} {
		h := newTestHeap(t, 1<<20)

		var ptrs []unsafe.Pointer
		for i := 0; i < 2*holes; i++ {
			p := h.Allocate(40)
			require.NotNil(t, p)
			ptrs = append(ptrs, p)
		}
		for i := 0; i < len(ptrs); i += 2 {
			h.Free(ptrs[i])
		}
		require.True(t, h.InvariantsHold())

		for _, size := range []uintptr{0, 40, 1000, 100000} {
			before := h.Touched()
			p := h.Allocate(size)
			require.NotNil(t, p)
			assert.LessOrEqual(t, h.Touched()-before, uint64(3), "holes=%d size=%d", holes, size)

			before = h.Touched()
			h.Free(p)
			assert.LessOrEqual(t, h.Touched()-before, uint64(4), "holes=%d size=%d", holes, size)
		}
		assert.True(t, h.InvariantsHold())
	}
}

func TestRandomSequence_Invariants(t *testing.T) {
	h := newTestHeap(t, 1<<16)
	rng := rand.New(rand.NewSource(42))

	var live []unsafe.Pointer
	for i := 0; i < 5000; i++ {
		if len(live) > 0 && rng.Intn(3) == 0 {
			k := rng.Intn(len(live))
			h.Free(live[k])
			live[k] = live[len(live)-1]
			live = live[:len(live)-1]
		} else {
			p := h.Allocate(uintptr(rng.Intn(2000)))
			if p != nil {
				assert.Equal(t, uintptr(0), uintptr(p)%Alignment)
				live = append(live, p)
			}
		}

		require.True(t, h.InvariantsHold(), "op %d", i)
		require.Equal(t, h.Capacity(), sumFragmentSizes(h))
	}

	for _, p := range live {
		h.Free(p)
	}
	d := h.Diagnostics()
	assert.Equal(t, uintptr(0), d.Allocated)
	assert.Equal(t, d.AllocCount, d.FreeCount)
	assert.LessOrEqual(t, d.PeakAllocated, d.Capacity)
	assert.True(t, h.InvariantsHold())
	assert.NotNil(t, h.Allocate(h.Capacity()-headerSize))
}

func TestInvariants_DetectOverrun(t *testing.T) {
	h := newTestHeap(t, 4096)

	p1 := h.Allocate(64)
	p2 := h.Allocate(64)
	require.NotNil(t, p1)
	require.NotNil(t, p2)
	require.True(t, h.InvariantsHold())

	overrun := unsafe.Slice((*byte)(p1), h.UsableSize(p1)+wordSize)
	for i := range overrun {
		overrun[i] = 0xAB
	}
	assert.False(t, h.InvariantsHold())
}

func TestInvariants_DetectDoubleFree(t *testing.T) {
	h := newTestHeap(t, 4096)

	p1 := h.Allocate(64)
	p2 := h.Allocate(64)
	p3 := h.Allocate(64)
	require.NotNil(t, p1)
	require.NotNil(t, p3)

	h.Free(p2)
	require.True(t, h.InvariantsHold())

	h.Free(p2)
	assert.False(t, h.InvariantsHold())
}

func TestInvariants_DetectMaskCorruption(t *testing.T) {
	h := newTestHeap(t, 4096)
	h.nonEmptyBinMask |= 1
	assert.False(t, h.InvariantsHold())
}
