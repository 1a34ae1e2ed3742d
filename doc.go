// Package o1heap is a process-wide handle around a single allocator.Heap.
//
// The heap in package allocator is a plain value with no locking. An
// Allocator owns one heap, initializes it exactly once, serializes every
// call with a mutex and speaks []byte, so it can be handed to code that
// expects an Apache Arrow memory.Allocator.
package o1heap
