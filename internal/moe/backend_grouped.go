package moe

import (
	"fmt"

	"github.com/samcharles93/hive/internal/tensor"
)

// groupedBackend is the high-throughput grouped-GEMM path. It computes on
// the quantized weight storage (fp8 bytes with block-scale grids, or packed
// int4 with per-half scales) and fp8-rounded activations, so the scale
// bookkeeping in the grids is load-bearing, not decorative.
type groupedBackend struct {
	weights *ExpertWeights
	workers int
}

func newGroupedBackend(w *ExpertWeights, workers int) (*groupedBackend, error) {
	switch w.Scheme {
	case QuantPerTensor, QuantPerToken, QuantBlock, QuantW4A8:
	default:
		return nil, newConfigError(fmt.Sprintf(
			"high-throughput backend requires a quantized scheme, got %s", w.Scheme))
	}
	return &groupedBackend{weights: w, workers: workers}, nil
}

func (b *groupedBackend) Name() string { return "grouped" }

func (b *groupedBackend) RunGroupedMatmul(args *MatmulArgs) error {
	switch args.Kind {
	case LayoutSegmented, LayoutContiguous:
		return b.run2D(args)
	case LayoutMasked:
		return b.runMasked(args)
	default:
		return newConfigError(fmt.Sprintf("grouped backend: unknown layout %d", args.Kind))
	}
}

func (b *groupedBackend) run2D(args *MatmulArgs) error {
	bounds, err := args.bounds(b.weights.LocalCount)
	if err != nil {
		return err
	}
	if args.In.R == 0 {
		return nil
	}
	kind := scaleKindFor(b.weights.Scheme)
	scratch := make([]float32, args.In.C)
	for e := 0; e < b.weights.LocalCount; e++ {
		lo, hi := int(bounds[e]), int(bounds[e+1])
		for r := lo; r < hi; r++ {
			scale := scaleForRow(kind, args.InputScale, r, e)
			b.expertRow(args.Proj, e, args.In.Row(r), args.Out.Row(r), scale, scratch)
		}
	}
	return nil
}

func (b *groupedBackend) runMasked(args *MatmulArgs) error {
	if args.Masked == nil {
		return newConfigError("grouped backend: masked layout without mask")
	}
	kind := scaleKindFor(b.weights.Scheme)
	scratch := make([]float32, args.In3.N)
	for e := 0; e < b.weights.LocalCount; e++ {
		live := int(args.Masked.Masked[e])
		in := args.In3.Group(e)
		out := args.Out3.Group(e)
		for i := 0; i < live; i++ {
			scale := scaleForRow(kind, args.InputScale, e*args.In3.M+i, e)
			b.expertRow(args.Proj, e, in.Row(i), out.Row(i), scale, scratch)
		}
	}
	return nil
}

func (b *groupedBackend) expertRow(proj Projection, e int, in, out []float32, inScale float32, scratch []float32) {
	switch b.weights.Scheme {
	case QuantW4A8:
		b.int4Row(proj, e, in, out, inScale, scratch)
	default:
		b.fp8Row(proj, e, in, out, inScale, scratch)
	}
}

// fp8Row rounds the input row through the e4m3 grid at inScale, then
// accumulates block-scaled dot products against the fp8 weight bytes.
func (b *groupedBackend) fp8Row(proj Projection, e int, in, out []float32, inScale float32, scratch []float32) {
	q := scratch[:len(in)]
	if inScale == 0 {
		for i := range q {
			q[i] = 0
		}
	} else {
		for i, v := range in {
			q[i] = tensor.FP8E4M3ToF32(tensor.F32ToFP8E4M3(v / inScale))
		}
	}

	var wq []uint8
	if proj == ProjGateUp {
		wq = b.weights.GateUpQ[e]
	} else {
		wq = b.weights.DownQ[e]
	}
	k := len(in)
	kBlocks := blockCount(k)

	for n := range out {
		base := n * k
		var sum float32
		for bk := 0; bk < kBlocks; bk++ {
			k0 := bk * ScaleBlockSize
			k1 := k0 + ScaleBlockSize
			if k1 > k {
				k1 = k
			}
			var part float32
			for kk := k0; kk < k1; kk++ {
				part += q[kk] * tensor.FP8E4M3ToF32(wq[base+kk])
			}
			sum += part * b.blockScaleAt(proj, e, n, k0)
		}
		out[n] = sum * inScale
	}
}

// int4Row is the w4a8 mixed-precision variant: 4-bit weights with one scale
// per gate/up half, 8-bit activations.
func (b *groupedBackend) int4Row(proj Projection, e int, in, out []float32, inScale float32, scratch []float32) {
	q := scratch[:len(in)]
	if inScale == 0 {
		for i := range q {
			q[i] = 0
		}
	} else {
		for i, v := range in {
			q[i] = tensor.FP8E4M3ToF32(tensor.F32ToFP8E4M3(v / inScale))
		}
	}

	var packed []uint8
	if proj == ProjGateUp {
		packed = b.weights.GateUpQ4[e]
	} else {
		packed = b.weights.DownQ4[e]
	}
	k := len(in)

	for n := range out {
		var sum float32
		for kk := 0; kk < k; kk++ {
			sum += q[kk] * float32(unpackInt4(packed, k, n, kk))
		}
		out[n] = sum * b.rowScaleAt(proj, e, n) * inScale
	}
}

func (b *groupedBackend) blockScaleAt(proj Projection, e, row, col int) float32 {
	if proj == ProjGateUp {
		return b.weights.gateUpBlockScaleAt(e, row, col)
	}
	return b.weights.downBlockScaleAt(e, row, col)
}

func (b *groupedBackend) rowScaleAt(proj Projection, e, row int) float32 {
	if proj == ProjDown {
		return b.weights.DownWeightScale[e]
	}
	if row < b.weights.Intermediate {
		return b.weights.GateUpWeightScale[e][0]
	}
	return b.weights.GateUpWeightScale[e][1]
}
