package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/QuangTung97/o1heap/allocator"
	"github.com/QuangTung97/o1heap/internal/torture"
)

var (
	tortureProfile string
	tortureOps     int
	tortureSeed    int64
	tortureArena   int
	tortureMmap    bool
)

func init() {
	cmd := newTortureCmd()
	cmd.Flags().StringVar(&tortureProfile, "profile", "", "YAML workload profile")
	cmd.Flags().IntVar(&tortureOps, "ops", 0, "Number of operations (overrides profile)")
	cmd.Flags().Int64Var(&tortureSeed, "seed", 0, "Random seed (overrides profile)")
	cmd.Flags().IntVar(&tortureArena, "arena", 0, "Arena size in bytes (overrides profile)")
	cmd.Flags().BoolVar(&tortureMmap, "mmap", false, "Back the arena with an anonymous mapping")
	rootCmd.AddCommand(cmd)
}

func newTortureCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "torture",
		Short: "Run a randomized workload and check the heap",
		Long: `The torture command allocates and frees random sizes against a fresh
heap, verifies payload checksums before every free and the heap invariants
at a fixed interval, then drains the heap and reports diagnostics and the
worst observed cost per operation.

Example:
  o1heapctl torture
  o1heapctl torture --ops 1000000 --seed 7 --arena 16777216 --mmap
  o1heapctl torture --profile fragmenting.yaml --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := tortureProfileFromFlags(cmd)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return runTorture(ctx, cmd.OutOrStdout(), p)
		},
	}
}

func tortureProfileFromFlags(cmd *cobra.Command) (torture.Profile, error) {
	p := torture.DefaultProfile()
	if tortureProfile != "" {
		loaded, err := torture.LoadProfile(tortureProfile)
		if err != nil {
			return torture.Profile{}, err
		}
		p = loaded
	}

	flags := cmd.Flags()
	if flags.Changed("ops") {
		p.Operations = tortureOps
	}
	if flags.Changed("seed") {
		p.Seed = tortureSeed
	}
	if flags.Changed("arena") {
		p.ArenaSize = tortureArena
	}
	if flags.Changed("mmap") {
		p.Backing = torture.BackingGo
		if tortureMmap {
			p.Backing = torture.BackingMmap
		}
	}

	if err := p.Validate(); err != nil {
		return torture.Profile{}, err
	}
	return p, nil
}

func runTorture(ctx context.Context, w io.Writer, p torture.Profile) (err error) {
	data, release, err := p.MakeArena()
	if err != nil {
		return err
	}
	defer func() {
		if releaseErr := release(); releaseErr != nil && err == nil {
			err = releaseErr
		}
	}()

	h, err := allocator.New(data)
	if err != nil {
		return errors.Wrap(err, "init heap")
	}

	logger.Debug("heap ready",
		slog.String("backing", p.Backing),
		slog.Int("arena_size", p.ArenaSize),
		slog.Uint64("capacity", uint64(h.Capacity())),
	)

	report, runErr := torture.Run(ctx, h, p, logger)

	if jsonOut {
		if err := printJSON(w, report); err != nil {
			return err
		}
	} else {
		printReport(w, report)
	}
	return runErr
}

func printReport(w io.Writer, r torture.Report) {
	printField(w, "operations", r.Operations)
	printField(w, "allocations", r.Allocations)
	printField(w, "frees", r.Frees)
	printField(w, "failed allocations", r.FailedAllocs)
	printField(w, "limit refusals", r.LimitRefusals)
	printField(w, "evictions", r.Evictions)
	printField(w, "invariant checks", r.InvariantChecks)
	printField(w, "peak live blocks", r.PeakLive)
	printField(w, "max alloc time", r.MaxAllocTime)
	printField(w, "max free time", r.MaxFreeTime)
	printField(w, "max alloc touched", r.MaxAllocTouched)
	printField(w, "max free touched", r.MaxFreeTouched)
	if r.SlabElemSize != 0 {
		printField(w, "slab element size", r.SlabElemSize)
		printField(w, "slab chunks", r.SlabChunks)
		printField(w, "peak slab memory", r.PeakSlabMemoryUsage)
	}
	printField(w, "capacity", r.Diagnostics.Capacity)
	printField(w, "peak allocated", r.Diagnostics.PeakAllocated)
	printField(w, "oom count", r.Diagnostics.OOMCount)
}
