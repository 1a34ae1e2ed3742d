package allocator

// Diagnostics is a snapshot of the heap counters. Allocated and
// PeakAllocated count whole fragments, headers included.
type Diagnostics struct {
	Capacity      uintptr `json:"capacity"`
	Allocated     uintptr `json:"allocated"`
	PeakAllocated uintptr `json:"peak_allocated"`

	AllocCount uint64 `json:"alloc_count"`
	FreeCount  uint64 `json:"free_count"`
	OOMCount   uint64 `json:"oom_count"`
}

func (d *Diagnostics) onAllocate(size uintptr) {
	d.Allocated += size
	if d.PeakAllocated < d.Allocated {
		d.PeakAllocated = d.Allocated
	}
	d.AllocCount++
}

func (d *Diagnostics) onFree(size uintptr) {
	d.Allocated -= size
	d.FreeCount++
}

func (d *Diagnostics) onOOM() {
	d.OOMCount++
}

func (d *Diagnostics) consistent(capacity uintptr) bool {
	return d.Capacity == capacity &&
		d.Allocated <= d.Capacity &&
		d.PeakAllocated >= d.Allocated &&
		d.PeakAllocated <= d.Capacity &&
		d.FreeCount <= d.AllocCount
}

// Diagnostics ...
func (h *Heap) Diagnostics() Diagnostics {
	return h.diag
}
