package lru

import (
	"math"
	"unsafe"

	"github.com/QuangTung97/o1heap/allocator"
)

const nullPtr = ^uintptr(0)

// LRU is a list of live heap blocks, most recent first. Every block starts
// with a ListHead and the list is linked by heap offsets, so it needs no
// memory outside the heap.
type LRU struct {
	heap   *allocator.Heap
	source Source
	limit  uint32

	next uintptr
	prev uintptr
	size uint32
}

// ListHead ...
type ListHead struct {
	next uintptr
	prev uintptr
	len  uintptr
	hash uint64
}

const headSize = unsafe.Sizeof(ListHead{})

// Source supplies the blocks that list nodes live in. Blocks must lie in
// the heap's arena.
type Source interface {
	Allocate(size uintptr) unsafe.Pointer
	Free(ptr unsafe.Pointer)
}

// BlockSize is the block size Put requests for n payload bytes.
func BlockSize(n uintptr) uintptr {
	return headSize + n
}

// New is NewOnSource with the heap as the source. A zero limit means
// unbounded.
func New(heap *allocator.Heap, limit uint32) *LRU {
	return NewOnSource(heap, heap, limit)
}

// NewOnSource ...
func NewOnSource(heap *allocator.Heap, source Source, limit uint32) *LRU {
	if limit == 0 {
		limit = math.MaxUint32
	}
	return &LRU{
		heap:   heap,
		source: source,
		limit:  limit,

		next: nullPtr,
		prev: nullPtr,
		size: 0,
	}
}

func (l *LRU) head(addr uintptr) *ListHead {
	return (*ListHead)(l.heap.ToRealAddr(addr))
}

// GetLRUList ...
func (l *LRU) GetLRUList() []uint64 {
	var result []uint64
	n := l.next
	for n != nullPtr {
		head := l.head(n)
		result = append(result, head.hash)
		n = head.next
	}
	return result
}

// Put allocates a block with n payload bytes and puts it at the front.
func (l *LRU) Put(n uintptr) (uintptr, bool) {
	if l.size >= l.limit {
		return 0, false
	}

	ptr := l.source.Allocate(BlockSize(n))
	if ptr == nil {
		return 0, false
	}
	addr := l.heap.Offset(ptr)

	l.size++
	head := l.head(addr)
	head.len = n
	head.hash = 0

	if l.next != nullPtr {
		l.head(l.next).prev = addr
	} else {
		l.prev = addr
	}

	head.next = l.next
	head.prev = nullPtr
	l.next = addr

	return addr, true
}

// Payload returns the bytes following the list head of a block.
func (l *LRU) Payload(addr uintptr) []byte {
	head := l.head(addr)
	if head.len == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(l.heap.ToRealAddr(addr+headSize)), head.len)
}

// SetHash ...
func (l *LRU) SetHash(addr uintptr, hash uint64) {
	l.head(addr).hash = hash
}

// Hash ...
func (l *LRU) Hash(addr uintptr) uint64 {
	return l.head(addr).hash
}

// Last returns the least recently used block and its hash, or a null
// offset on an empty list.
func (l *LRU) Last() (uintptr, uint64) {
	if l.prev == nullPtr {
		return nullPtr, 0
	}
	last := l.head(l.prev)
	return l.prev, last.hash
}

func (l *LRU) unlink(head *ListHead) {
	if head.next != nullPtr {
		l.head(head.next).prev = head.prev
	} else {
		l.prev = head.prev
	}

	if head.prev != nullPtr {
		l.head(head.prev).next = head.next
	} else {
		l.next = head.next
	}
}

// Delete unlinks the block and frees it.
func (l *LRU) Delete(addr uintptr) {
	l.size--
	l.unlink(l.head(addr))
	l.source.Free(l.heap.ToRealAddr(addr))
}

// Touch ...
func (l *LRU) Touch(addr uintptr) {
	head := l.head(addr)
	l.unlink(head)

	if l.next != nullPtr {
		l.head(l.next).prev = addr
	} else {
		l.prev = addr
	}

	head.next = l.next
	head.prev = nullPtr
	l.next = addr
}

// Size ...
func (l *LRU) Size() uint32 {
	return l.size
}

// Limit ...
func (l *LRU) Limit() uint32 {
	return l.limit
}
