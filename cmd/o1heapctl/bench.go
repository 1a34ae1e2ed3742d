package main

import (
	"io"
	"log/slog"
	"sort"
	"time"
	"unsafe"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/QuangTung97/o1heap/allocator"
	"github.com/QuangTung97/o1heap/arena"
)

var (
	benchSize       int
	benchIterations int
	benchArena      int
	benchHoles      int
)

func init() {
	cmd := newBenchCmd()
	cmd.Flags().IntVar(&benchSize, "size", 64, "Bytes per allocation")
	cmd.Flags().IntVar(&benchIterations, "iterations", 100000, "Number of allocate/free pairs")
	cmd.Flags().IntVar(&benchArena, "arena", 1<<20, "Arena size in bytes")
	cmd.Flags().IntVar(&benchHoles, "holes", 0, "Free blocks to scatter through the arena first")
	rootCmd.AddCommand(cmd)
}

func newBenchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "bench",
		Short: "Measure allocate and free latency",
		Long: `The bench command allocates and frees a fixed-size block many times
and reports the latency distribution of each operation. With --holes the
arena is fragmented first, which should not change the worst case.

Example:
  o1heapctl bench --size 256
  o1heapctl bench --holes 1000 --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBench(cmd.OutOrStdout())
		},
	}
}

// Latency summarizes one kind of operation.
type Latency struct {
	Min time.Duration `json:"min_ns"`
	Avg time.Duration `json:"avg_ns"`
	P99 time.Duration `json:"p99_ns"`
	Max time.Duration `json:"max_ns"`
}

// BenchResult ...
type BenchResult struct {
	Size       int     `json:"size"`
	Iterations int     `json:"iterations"`
	Holes      int     `json:"holes"`
	Failed     int     `json:"failed"`
	Allocate   Latency `json:"allocate"`
	Free       Latency `json:"free"`
}

func runBench(w io.Writer) error {
	if benchSize < 0 || benchIterations <= 0 || benchHoles < 0 {
		return errors.Errorf("need size >= 0, iterations > 0 and holes >= 0")
	}

	h, err := allocator.New(arena.Make(benchArena))
	if err != nil {
		return errors.Wrapf(err, "arena of %d bytes", benchArena)
	}

	holes := makeHoles(h, benchHoles)
	logger.Debug("arena fragmented",
		slog.Int("holes", holes),
		slog.Uint64("allocated", uint64(h.Diagnostics().Allocated)),
	)

	allocTimes := make([]time.Duration, 0, benchIterations)
	freeTimes := make([]time.Duration, 0, benchIterations)
	failed := 0

	for i := 0; i < benchIterations; i++ {
		start := time.Now()
		ptr := h.Allocate(uintptr(benchSize))
		allocTimes = append(allocTimes, time.Since(start))

		if ptr == nil {
			failed++
			continue
		}

		start = time.Now()
		h.Free(ptr)
		freeTimes = append(freeTimes, time.Since(start))
	}

	if !h.InvariantsHold() {
		return errors.New("heap invariants violated after benchmark")
	}

	result := BenchResult{
		Size:       benchSize,
		Iterations: benchIterations,
		Holes:      holes,
		Failed:     failed,
		Allocate:   summarize(allocTimes),
		Free:       summarize(freeTimes),
	}

	if jsonOut {
		return printJSON(w, result)
	}

	printField(w, "size", result.Size)
	printField(w, "iterations", result.Iterations)
	printField(w, "holes", result.Holes)
	printField(w, "failed", result.Failed)
	printLatency(w, "allocate", result.Allocate)
	printLatency(w, "free", result.Free)
	return nil
}

// makeHoles fills the arena with minimum-size blocks and frees every
// other one, so the free list holds many separate fragments.
func makeHoles(h *allocator.Heap, n int) int {
	var blocks []unsafe.Pointer
	for len(blocks) < 2*n {
		ptr := h.Allocate(0)
		if ptr == nil {
			break
		}
		blocks = append(blocks, ptr)
	}

	holes := 0
	for i := 0; i < len(blocks); i += 2 {
		h.Free(blocks[i])
		holes++
	}
	return holes
}

func summarize(samples []time.Duration) Latency {
	if len(samples) == 0 {
		return Latency{}
	}

	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })

	var total time.Duration
	for _, d := range samples {
		total += d
	}

	return Latency{
		Min: samples[0],
		Avg: total / time.Duration(len(samples)),
		P99: samples[(len(samples)-1)*99/100],
		Max: samples[len(samples)-1],
	}
}

func printLatency(w io.Writer, name string, l Latency) {
	printField(w, name+" min", l.Min)
	printField(w, name+" avg", l.Avg)
	printField(w, name+" p99", l.P99)
	printField(w, name+" max", l.Max)
}
