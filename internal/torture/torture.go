// Package torture drives a heap with a seeded random workload and checks
// it the whole way: payload checksums before every free, structural
// invariants at a fixed interval, and an empty heap at the end.
package torture

import (
	"context"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"time"
	"unsafe"

	"github.com/bytedance/gopkg/util/xxhash3"
	"github.com/pkg/errors"

	"github.com/QuangTung97/o1heap/allocator"
	"github.com/QuangTung97/o1heap/lru"
)

var (
	// ErrInvariantViolated ...
	ErrInvariantViolated = errors.New("torture: heap invariants violated")
	// ErrPayloadCorrupted ...
	ErrPayloadCorrupted = errors.New("torture: payload checksum mismatch")
	// ErrLeak ...
	ErrLeak = errors.New("torture: heap not empty after draining")
)

const (
	cancelCheckInterval = 256

	slabChunkFragment = 4096
)

// Report summarizes a run. FailedAllocs counts heap exhaustion only and
// always equals Diagnostics.OOMCount; refusals because of max_live are
// LimitRefusals.
type Report struct {
	Operations      int    `json:"operations"`
	Allocations     uint64 `json:"allocations"`
	Frees           uint64 `json:"frees"`
	FailedAllocs    uint64 `json:"failed_allocs"`
	LimitRefusals   uint64 `json:"limit_refusals"`
	Evictions       uint64 `json:"evictions"`
	InvariantChecks uint64 `json:"invariant_checks"`
	PeakLive        uint32 `json:"peak_live"`

	SlabElemSize        uintptr `json:"slab_elem_size,omitempty"`
	SlabChunks          int     `json:"slab_chunks,omitempty"`
	PeakSlabMemoryUsage uint64  `json:"peak_slab_memory_usage,omitempty"`

	MaxAllocTime    time.Duration `json:"max_alloc_ns"`
	MaxFreeTime     time.Duration `json:"max_free_ns"`
	MaxAllocTouched uint64        `json:"max_alloc_touched"`
	MaxFreeTouched  uint64        `json:"max_free_touched"`

	Diagnostics allocator.Diagnostics `json:"diagnostics"`
}

type runner struct {
	heap    *allocator.Heap
	profile Profile
	logger  *slog.Logger

	rng  *rand.Rand
	live *lru.LRU
	slab *allocator.Slab

	freeThreshold uint32
	report        Report
}

// Run executes the profile against heap. The heap is drained before Run
// returns unless an integrity error is found. Cancellation is checked
// between operations. When min_size equals max_size every block comes
// from an allocator.Slab whose chunks are taken from the heap.
func Run(ctx context.Context, heap *allocator.Heap, p Profile, logger *slog.Logger) (Report, error) {
	if err := p.Validate(); err != nil {
		return Report{}, err
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	r := &runner{
		heap:    heap,
		profile: p,
		logger:  logger,

		rng: rand.New(rand.NewSource(p.Seed)),

		freeThreshold: p.FreeRatio.MulUint32(math.MaxUint32),
	}

	if p.MinSize == p.MaxSize {
		elemSize := lru.BlockSize(uintptr(p.MaxSize))
		r.slab = allocator.NewSlab(heap, elemSize, slabChunkSize(elemSize, heap.Capacity()))
		r.live = lru.NewOnSource(heap, slabSource{slab: r.slab}, p.MaxLive)
		r.report.SlabElemSize = r.slab.ElemSize()
	} else {
		r.live = lru.New(heap, p.MaxLive)
	}

	logger.Info("torture started",
		slog.Int("operations", p.Operations),
		slog.Int64("seed", p.Seed),
		slog.Uint64("capacity", uint64(heap.Capacity())),
	)

	err := r.loop(ctx)
	if err == nil {
		err = r.drain()
	}
	r.report.Diagnostics = heap.Diagnostics()

	if err != nil {
		logger.Error("torture failed", slog.Int("operation", r.report.Operations), slog.Any("error", err))
		return r.report, err
	}

	logger.Info("torture finished",
		slog.Uint64("allocations", r.report.Allocations),
		slog.Uint64("failed_allocs", r.report.FailedAllocs),
		slog.Duration("max_alloc", r.report.MaxAllocTime),
		slog.Duration("max_free", r.report.MaxFreeTime),
	)
	return r.report, nil
}

func (r *runner) loop(ctx context.Context) error {
	for i := 0; i < r.profile.Operations; i++ {
		if i%cancelCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return errors.Wrap(err, "torture interrupted")
			}
		}

		var err error
		if r.live.Size() > 0 && r.rng.Uint32() < r.freeThreshold {
			err = r.freeOne()
		} else {
			err = r.allocate()
		}
		if err != nil {
			return err
		}
		r.report.Operations = i + 1

		if r.profile.CheckEvery > 0 && r.report.Operations%r.profile.CheckEvery == 0 {
			if err := r.check(); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *runner) allocate() error {
	size := r.profile.MinSize + r.rng.Intn(r.profile.MaxSize-r.profile.MinSize+1)

	if r.live.Size() >= r.live.Limit() {
		r.report.LimitRefusals++
		r.report.Evictions++
		return r.freeOldest()
	}

	before := r.heap.Touched()
	start := time.Now()
	addr, ok := r.live.Put(uintptr(size))
	elapsed := time.Since(start)
	touched := r.heap.Touched() - before

	if !ok {
		r.report.FailedAllocs++
		if r.live.Size() == 0 {
			return nil
		}
		r.report.Evictions++
		return r.freeOldest()
	}

	r.report.Allocations++
	if elapsed > r.report.MaxAllocTime {
		r.report.MaxAllocTime = elapsed
	}
	if touched > r.report.MaxAllocTouched {
		r.report.MaxAllocTouched = touched
	}
	if r.live.Size() > r.report.PeakLive {
		r.report.PeakLive = r.live.Size()
	}
	if r.slab != nil && r.slab.GetMemUsage() > r.report.PeakSlabMemoryUsage {
		r.report.PeakSlabMemoryUsage = r.slab.GetMemUsage()
	}

	if r.profile.Fill {
		payload := r.live.Payload(addr)
		r.rng.Read(payload)
		r.live.SetHash(addr, xxhash3.Hash(payload))
	}
	return nil
}

// freeOne frees the oldest block, or now and then the second oldest so
// that holes do not only open at one end of the list.
func (r *runner) freeOne() error {
	if r.live.Size() > 1 && r.rng.Intn(4) == 0 {
		addr, _ := r.live.Last()
		r.live.Touch(addr)
	}
	return r.freeOldest()
}

func (r *runner) freeOldest() error {
	addr, hash := r.live.Last()
	if r.profile.Fill && xxhash3.Hash(r.live.Payload(addr)) != hash {
		return errors.Wrapf(ErrPayloadCorrupted, "block at offset %d", addr)
	}

	before := r.heap.Touched()
	start := time.Now()
	r.live.Delete(addr)
	elapsed := time.Since(start)
	touched := r.heap.Touched() - before

	r.report.Frees++
	if elapsed > r.report.MaxFreeTime {
		r.report.MaxFreeTime = elapsed
	}
	if touched > r.report.MaxFreeTouched {
		r.report.MaxFreeTouched = touched
	}
	return nil
}

func (r *runner) check() error {
	r.report.InvariantChecks++
	if !r.heap.InvariantsHold() {
		return errors.Wrapf(ErrInvariantViolated, "after %d operations", r.report.Operations)
	}
	r.logger.Debug("invariants hold",
		slog.Int("operation", r.report.Operations),
		slog.Uint64("allocated", uint64(r.heap.Diagnostics().Allocated)),
		slog.Uint64("live", uint64(r.live.Size())),
	)
	return nil
}

func (r *runner) drain() error {
	for r.live.Size() > 0 {
		if err := r.freeOldest(); err != nil {
			return err
		}
	}
	if r.slab != nil {
		r.report.SlabChunks = r.slab.Chunks()
		r.slab.Release()
	}
	if err := r.check(); err != nil {
		return err
	}
	if allocated := r.heap.Diagnostics().Allocated; allocated != 0 {
		return errors.Wrapf(ErrLeak, "%d bytes still allocated", allocated)
	}
	return nil
}

// slabSource serves fixed-size list blocks from a slab.
type slabSource struct {
	slab *allocator.Slab
}

func (s slabSource) Allocate(size uintptr) unsafe.Pointer {
	if size > s.slab.ElemSize() {
		return nil
	}
	ptr, ok := s.slab.Allocate()
	if !ok {
		return nil
	}
	return ptr
}

func (s slabSource) Free(ptr unsafe.Pointer) {
	s.slab.Deallocate(ptr)
}

// slabChunkSize picks a chunk that fills a power-of-two fragment exactly,
// at least slabChunkFragment bytes but shrunk toward a quarter of the
// capacity while it still holds one element.
func slabChunkSize(elemSize uintptr, capacity uintptr) uintptr {
	need := elemSize + allocator.Alignment
	frag := uintptr(slabChunkFragment)
	for frag < need {
		frag <<= 1
	}
	for frag > capacity/4 && frag/2 >= need {
		frag >>= 1
	}
	return frag - allocator.Alignment
}
