package o1heap

import (
	"sync"
	"unsafe"

	"github.com/apache/arrow/go/v17/arrow/memory"
	"github.com/pkg/errors"

	"github.com/QuangTung97/o1heap/allocator"
)

var (
	// ErrAlreadyInitialized is returned by a second Init.
	ErrAlreadyInitialized = errors.New("o1heap: already initialized")
	// ErrNotInitialized is returned by accessors used before Init.
	ErrNotInitialized = errors.New("o1heap: not initialized")
)

// Allocator hands out arena memory as byte slices. The zero value is ready
// for Init. Slices returned by Allocate are aligned to allocator.Alignment,
// which is less than the 64 bytes Arrow's own allocators provide.
type Allocator struct {
	mu   sync.Mutex
	heap *allocator.Heap
}

var _ memory.Allocator = (*Allocator)(nil)

// Init builds the heap over arena. It can succeed only once.
func (a *Allocator) Init(arena []byte) error {
	return a.init(func() (*allocator.Heap, error) {
		return allocator.New(arena)
	})
}

// InitAt builds the heap over size bytes at base. It can succeed only once.
func (a *Allocator) InitAt(base unsafe.Pointer, size uintptr) error {
	return a.init(func() (*allocator.Heap, error) {
		return allocator.Init(base, size)
	})
}

func (a *Allocator) init(build func() (*allocator.Heap, error)) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.heap != nil {
		return ErrAlreadyInitialized
	}

	h, err := build()
	if err != nil {
		return errors.Wrap(err, "o1heap init")
	}
	a.heap = h
	return nil
}

// Initialized ...
func (a *Allocator) Initialized() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.heap != nil
}

// Allocate returns size bytes, or nil when the heap is out of memory, not
// initialized, or size is negative.
func (a *Allocator) Allocate(size int) []byte {
	if size < 0 {
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.heap == nil {
		return nil
	}
	return a.allocateLocked(size)
}

func (a *Allocator) allocateLocked(size int) []byte {
	ptr := a.heap.Allocate(uintptr(size))
	if ptr == nil {
		return nil
	}
	return unsafe.Slice((*byte)(ptr), size)
}

// Reallocate resizes b, moving it only when the block behind b is too
// small. A b from outside the arena is copied into a new block and left
// alone. On failure it returns nil and b stays valid.
func (a *Allocator) Reallocate(size int, b []byte) []byte {
	if size < 0 {
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.heap == nil {
		return nil
	}

	ptr := a.pointerOf(b)
	if ptr == nil {
		out := a.allocateLocked(size)
		if out != nil {
			copy(out, b)
		}
		return out
	}

	if uintptr(size) <= a.heap.UsableSize(ptr) {
		return unsafe.Slice((*byte)(ptr), size)
	}

	out := a.allocateLocked(size)
	if out == nil {
		return nil
	}
	copy(out, b)
	a.heap.Free(ptr)
	return out
}

// Free returns the block behind b. Slices that do not point into the
// arena, including nil, are ignored.
func (a *Allocator) Free(b []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.heap == nil {
		return
	}
	a.heap.Free(a.pointerOf(b))
}

// pointerOf returns the start of b when it lies in the arena. Zero-length
// slices from Allocate keep their data pointer, so the header is read
// rather than b[0].
func (a *Allocator) pointerOf(b []byte) unsafe.Pointer {
	ptr := unsafe.Pointer(unsafe.SliceData(b))
	if ptr == nil {
		return nil
	}
	if off := a.heap.Offset(ptr); off >= a.heap.Capacity() {
		return nil
	}
	return ptr
}

// Diagnostics ...
func (a *Allocator) Diagnostics() (allocator.Diagnostics, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.heap == nil {
		return allocator.Diagnostics{}, ErrNotInitialized
	}
	return a.heap.Diagnostics(), nil
}

// InvariantsHold runs the full heap check under the lock.
func (a *Allocator) InvariantsHold() (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.heap == nil {
		return false, ErrNotInitialized
	}
	return a.heap.InvariantsHold(), nil
}

// MaxAllocationSize ...
func (a *Allocator) MaxAllocationSize() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.heap == nil {
		return 0, ErrNotInitialized
	}
	return int(a.heap.MaxAllocationSize()), nil
}
