package main

import (
	"io"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/QuangTung97/o1heap/allocator"
	"github.com/QuangTung97/o1heap/arena"
)

var infoArena int

func init() {
	cmd := newInfoCmd()
	cmd.Flags().IntVar(&infoArena, "arena", 0, "Also build a heap over this many bytes and show its state")
	rootCmd.AddCommand(cmd)
}

func newInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show allocator constants",
		Long: `The info command prints the alignment, header size, size-class
bounds and minimum arena size of this build.

Example:
  o1heapctl info
  o1heapctl info --arena 1048576 --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInfo(cmd.OutOrStdout())
		},
	}
}

// Info ...
type Info struct {
	Alignment       uintptr `json:"alignment"`
	HeaderSize      uintptr `json:"header_size"`
	FragmentSizeMin uintptr `json:"fragment_size_min"`
	FragmentSizeMax uintptr `json:"fragment_size_max"`
	MinArenaSize    uintptr `json:"min_arena_size"`
	BinCount        int     `json:"bin_count"`

	Heap *HeapInfo `json:"heap,omitempty"`
}

// HeapInfo describes a freshly initialized heap.
type HeapInfo struct {
	ArenaSize         int     `json:"arena_size"`
	Capacity          uintptr `json:"capacity"`
	MaxAllocationSize uintptr `json:"max_allocation_size"`
}

func runInfo(w io.Writer) error {
	info := Info{
		Alignment:       allocator.Alignment,
		HeaderSize:      allocator.Alignment,
		FragmentSizeMin: allocator.FragmentSizeMin,
		FragmentSizeMax: allocator.FragmentSizeMax,
		MinArenaSize:    allocator.MinArenaSize(),
		BinCount:        allocator.BinCount,
	}

	if infoArena != 0 {
		h, err := allocator.New(arena.Make(infoArena))
		if err != nil {
			return errors.Wrapf(err, "arena of %d bytes", infoArena)
		}
		info.Heap = &HeapInfo{
			ArenaSize:         infoArena,
			Capacity:          h.Capacity(),
			MaxAllocationSize: h.MaxAllocationSize(),
		}
	}

	if jsonOut {
		return printJSON(w, info)
	}

	printField(w, "alignment", info.Alignment)
	printField(w, "header size", info.HeaderSize)
	printField(w, "min fragment size", info.FragmentSizeMin)
	printField(w, "max fragment size", info.FragmentSizeMax)
	printField(w, "min arena size", info.MinArenaSize)
	printField(w, "bins", info.BinCount)
	if info.Heap != nil {
		printField(w, "arena size", info.Heap.ArenaSize)
		printField(w, "capacity", info.Heap.Capacity)
		printField(w, "max allocation size", info.Heap.MaxAllocationSize)
	}
	return nil
}
