package moe

import (
	"fmt"

	"github.com/samcharles93/hive/internal/tensor"
)

// standardBackend runs every expert's slice as a float32 NT-gemm. It ignores
// activation scales: the unquantized pipeline never produces any.
type standardBackend struct {
	weights *ExpertWeights
	workers int
}

func newStandardBackend(w *ExpertWeights, workers int) *standardBackend {
	return &standardBackend{weights: w, workers: workers}
}

func (b *standardBackend) Name() string { return "standard" }

func (b *standardBackend) RunGroupedMatmul(args *MatmulArgs) error {
	switch args.Kind {
	case LayoutSegmented, LayoutContiguous:
		return b.run2D(args)
	case LayoutMasked:
		return b.runMasked(args)
	default:
		return newConfigError(fmt.Sprintf("standard backend: unknown layout %d", args.Kind))
	}
}

func (b *standardBackend) run2D(args *MatmulArgs) error {
	bounds, err := args.bounds(b.weights.LocalCount)
	if err != nil {
		return err
	}
	if args.In.R == 0 {
		return nil
	}
	for e := 0; e < b.weights.LocalCount; e++ {
		lo, hi := int(bounds[e]), int(bounds[e+1])
		if lo == hi {
			continue
		}
		w := b.weightFor(args.Proj, e)
		tensor.GemmNT(args.Out.RowRange(lo, hi), args.In.RowRange(lo, hi), w, b.workers)
	}
	return nil
}

func (b *standardBackend) runMasked(args *MatmulArgs) error {
	if args.Masked == nil {
		return newConfigError("standard backend: masked layout without mask")
	}
	for e := 0; e < b.weights.LocalCount; e++ {
		live := int(args.Masked.Masked[e])
		if live == 0 {
			continue
		}
		w := b.weightFor(args.Proj, e)
		in := args.In3.Group(e).RowRange(0, live)
		out := args.Out3.Group(e).RowRange(0, live)
		tensor.GemmNT(out, in, w, b.workers)
	}
	return nil
}

func (b *standardBackend) weightFor(proj Projection, e int) *tensor.Mat {
	if proj == ProjGateUp {
		return b.weights.GateUp[e]
	}
	return b.weights.Down[e]
}
