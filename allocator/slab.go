package allocator

import "unsafe"

// Slab hands out fixed-size elements carved from chunks allocated on a
// Heap. Freed elements go back to the slab's own free list; chunks go
// back to the heap only on Release.
type Slab struct {
	heap *Heap

	elemSize        uintptr
	chunkSize       uintptr
	numElemPerChunk uintptr
	unusedBytes     uint64
	memoryUsage     uint64

	chunks   []unsafe.Pointer
	freeList uintptr
}

type slabListHead struct {
	next uintptr
}

func roundUpWord(size uintptr) uintptr {
	return (size + wordSize - 1) &^ (wordSize - 1)
}

// NewSlab panics when elemSize is zero or a chunk cannot hold one element.
func NewSlab(heap *Heap, elemSize uintptr, chunkSize uintptr) *Slab {
	if elemSize == 0 {
		panic("elemSize must > 0")
	}
	elemSize = roundUpWord(elemSize)
	if chunkSize < elemSize {
		panic("chunkSize must >= elemSize")
	}

	return &Slab{
		heap: heap,

		elemSize:        elemSize,
		chunkSize:       chunkSize,
		numElemPerChunk: chunkSize / elemSize,
		unusedBytes:     uint64(chunkSize % elemSize),

		freeList: nullOffset,
	}
}

func (s *Slab) contentOfList() []uintptr {
	var result []uintptr
	for n := s.freeList; n != nullOffset; n = s.listHead(n).next {
		result = append(result, n)
	}
	return result
}

func (s *Slab) listHead(off uintptr) *slabListHead {
	return (*slabListHead)(s.heap.ToRealAddr(off))
}

// pushChunk threads every element of a new chunk onto the free list.
func (s *Slab) pushChunk(chunk unsafe.Pointer) {
	base := s.heap.Offset(chunk)
	for i := s.numElemPerChunk; i > 0; i-- {
		off := base + (i-1)*s.elemSize
		s.listHead(off).next = s.freeList
		s.freeList = off
	}
	s.chunks = append(s.chunks, chunk)
	s.memoryUsage += s.unusedBytes
}

// Allocate returns one element, taking a new chunk from the heap when the
// free list is empty. It fails only when the heap is out of memory.
func (s *Slab) Allocate() (unsafe.Pointer, bool) {
	if s.freeList == nullOffset {
		chunk := s.heap.Allocate(s.chunkSize)
		if chunk == nil {
			return nil, false
		}
		s.pushChunk(chunk)
	}

	off := s.freeList
	s.freeList = s.listHead(off).next
	s.memoryUsage += uint64(s.elemSize)

	return s.heap.ToRealAddr(off), true
}

// Deallocate ...
func (s *Slab) Deallocate(ptr unsafe.Pointer) {
	s.memoryUsage -= uint64(s.elemSize)
	off := s.heap.Offset(ptr)
	s.listHead(off).next = s.freeList
	s.freeList = off
}

// Release returns every chunk to the heap. Elements still in use become
// invalid.
func (s *Slab) Release() {
	for _, chunk := range s.chunks {
		s.heap.Free(chunk)
	}
	s.chunks = nil
	s.freeList = nullOffset
	s.memoryUsage = 0
}

// ElemSize ...
func (s *Slab) ElemSize() uintptr {
	return s.elemSize
}

// Chunks ...
func (s *Slab) Chunks() int {
	return len(s.chunks)
}

// GetMemUsage counts elements in use plus the tail bytes of every chunk
// that are too short for an element.
func (s *Slab) GetMemUsage() uint64 {
	return s.memoryUsage
}
