package moe

import (
	"fmt"
	"math"

	"github.com/samcharles93/hive/internal/tensor"
)

// ShardID names the checkpoint shard of an expert's feed-forward weights.
type ShardID string

const (
	ShardGate ShardID = "gate"
	ShardUp   ShardID = "up"
	ShardDown ShardID = "down"
)

func (s ShardID) valid() bool {
	return s == ShardGate || s == ShardUp || s == ShardDown
}

// ExpertWeights owns the weight tensors for the locally-resident experts.
// The gate and up projections are stored merged: one [2*intermediate, hidden]
// matrix per expert with the gate half first. Storage is mutated only through
// the loading entry points during setup; after Finalize it is read-only and
// shared across concurrent forward calls.
type ExpertWeights struct {
	LocalCount   int
	Hidden       int
	Intermediate int
	Scheme       QuantScheme

	GateUp []*tensor.Mat // per expert, [2I, H]
	Down   []*tensor.Mat // per expert, [H, I]

	// Merged gate/up weight-scale pair per expert (index 0 gate, 1 up) and
	// the independent down-projection scale. Used by the per-tensor, per-token
	// and w4a8 schemes.
	GateUpWeightScale [][2]float32
	DownWeightScale   []float32

	// Static block-scale grids (QuantBlock), or per-tensor scales broadcast
	// into block shape at Finalize for the high-throughput backend.
	GateUpBlockScale [][]float32 // [2*ceil(I/128) * ceil(H/128)] row-major
	DownBlockScale   [][]float32 // [ceil(H/128) * ceil(I/128)] row-major

	// Input scales loaded redundantly from the checkpoint for gate and up;
	// they must agree within scaleTolerance.
	GateUpInputScale []float32
	DownInputScale   []float32

	// fp8-encoded weights for the grouped backend, built by Finalize.
	GateUpQ [][]uint8
	DownQ   [][]uint8
	// int4-packed weights (two values per byte, low nibble first) for w4a8.
	GateUpQ4 [][]uint8
	DownQ4   [][]uint8

	gateUpInputSeen []bool
	finalized       bool
}

// NewExpertWeights allocates zeroed storage for localCount experts.
func NewExpertWeights(localCount, hidden, intermediate int, scheme QuantScheme) *ExpertWeights {
	w := &ExpertWeights{
		LocalCount:        localCount,
		Hidden:            hidden,
		Intermediate:      intermediate,
		Scheme:            scheme,
		GateUp:            make([]*tensor.Mat, localCount),
		Down:              make([]*tensor.Mat, localCount),
		GateUpWeightScale: make([][2]float32, localCount),
		DownWeightScale:   make([]float32, localCount),
		GateUpBlockScale:  make([][]float32, localCount),
		DownBlockScale:    make([][]float32, localCount),
		GateUpInputScale:  make([]float32, localCount),
		DownInputScale:    make([]float32, localCount),
		gateUpInputSeen:   make([]bool, localCount),
	}
	for i := 0; i < localCount; i++ {
		w.GateUp[i] = tensor.NewMat(2*intermediate, hidden)
		w.Down[i] = tensor.NewMat(hidden, intermediate)
	}
	return w
}

func (w *ExpertWeights) setWeight(shard ShardID, local int, src *tensor.Mat) error {
	switch shard {
	case ShardGate, ShardUp:
		if src.R != w.Intermediate || src.C != w.Hidden {
			return newConfigError(fmt.Sprintf("%s shard shape [%d,%d], want [%d,%d]",
				shard, src.R, src.C, w.Intermediate, w.Hidden))
		}
		offset := 0
		if shard == ShardUp {
			offset = w.Intermediate
		}
		dst := w.GateUp[local]
		for r := 0; r < src.R; r++ {
			copy(dst.Row(offset+r), src.Row(r))
		}
	case ShardDown:
		if src.R != w.Hidden || src.C != w.Intermediate {
			return newConfigError(fmt.Sprintf("down shard shape [%d,%d], want [%d,%d]",
				src.R, src.C, w.Hidden, w.Intermediate))
		}
		dst := w.Down[local]
		for r := 0; r < src.R; r++ {
			copy(dst.Row(r), src.Row(r))
		}
	default:
		return newConfigError(fmt.Sprintf("shard_id must be gate, up or down, got %q", shard))
	}
	return nil
}

func (w *ExpertWeights) setInputScale(shard ShardID, local int, v float32) error {
	switch shard {
	case ShardGate, ShardUp:
		// Gate and up input scales are stored redundantly in checkpoints and
		// collapse to one value for the merged projection.
		if w.gateUpInputSeen[local] {
			if diff := float64(w.GateUpInputScale[local] - v); math.Abs(diff) > scaleTolerance {
				return newCheckpointError(fmt.Sprintf(
					"gate and up input scales must agree: expert %d has %v vs %v",
					local, w.GateUpInputScale[local], v))
			}
		}
		w.GateUpInputScale[local] = v
		w.gateUpInputSeen[local] = true
	case ShardDown:
		w.DownInputScale[local] = v
	default:
		return newConfigError(fmt.Sprintf("shard_id must be gate, up or down, got %q", shard))
	}
	return nil
}

func (w *ExpertWeights) setWeightScale(shard ShardID, local int, values []float32) error {
	if w.Scheme == QuantBlock {
		return w.setBlockScale(shard, local, values)
	}
	if len(values) != 1 {
		return newConfigError(fmt.Sprintf("%s weight scale wants 1 value, got %d", w.Scheme, len(values)))
	}
	switch shard {
	case ShardGate:
		w.GateUpWeightScale[local][0] = values[0]
	case ShardUp:
		w.GateUpWeightScale[local][1] = values[0]
	case ShardDown:
		w.DownWeightScale[local] = values[0]
	default:
		return newConfigError(fmt.Sprintf("shard_id must be gate, up or down, got %q", shard))
	}
	return nil
}

func (w *ExpertWeights) setBlockScale(shard ShardID, local int, values []float32) error {
	nI := blockCount(w.Intermediate)
	kH := blockCount(w.Hidden)
	switch shard {
	case ShardGate, ShardUp:
		if len(values) != nI*kH {
			return newConfigError(fmt.Sprintf("%s block scale wants %d values, got %d", shard, nI*kH, len(values)))
		}
		if w.GateUpBlockScale[local] == nil {
			w.GateUpBlockScale[local] = make([]float32, 2*nI*kH)
		}
		offset := 0
		if shard == ShardUp {
			offset = nI * kH
		}
		copy(w.GateUpBlockScale[local][offset:offset+nI*kH], values)
	case ShardDown:
		nH := blockCount(w.Hidden)
		kI := blockCount(w.Intermediate)
		if len(values) != nH*kI {
			return newConfigError(fmt.Sprintf("down block scale wants %d values, got %d", nH*kI, len(values)))
		}
		if w.DownBlockScale[local] == nil {
			w.DownBlockScale[local] = make([]float32, nH*kI)
		}
		copy(w.DownBlockScale[local], values)
	default:
		return newConfigError(fmt.Sprintf("shard_id must be gate, up or down, got %q", shard))
	}
	return nil
}

// gateUpBlockScaleAt resolves the block scale for one element of the merged
// gate/up matrix. The up half's grid rows start at ceil(I/block) regardless
// of whether I is block-aligned.
func (w *ExpertWeights) gateUpBlockScaleAt(e, row, col int) float32 {
	nI := blockCount(w.Intermediate)
	kH := blockCount(w.Hidden)
	var br int
	if row < w.Intermediate {
		br = row / ScaleBlockSize
	} else {
		br = nI + (row-w.Intermediate)/ScaleBlockSize
	}
	return w.GateUpBlockScale[e][br*kH+col/ScaleBlockSize]
}

func (w *ExpertWeights) downBlockScaleAt(e, row, col int) float32 {
	kI := blockCount(w.Intermediate)
	return w.DownBlockScale[e][(row/ScaleBlockSize)*kI+col/ScaleBlockSize]
}

// Finalize freezes the loaded weights: fills in weight scales that the
// checkpoint did not provide, broadcasts per-tensor scales to block grids
// for the grouped backend, and builds the quantized weight storage the
// active scheme needs. Must be called once, after loading and before any
// forward call.
func (w *ExpertWeights) Finalize() error {
	if w.finalized {
		return newConfigError("weights already finalized")
	}
	switch w.Scheme {
	case QuantNone:
		// float32 end to end, nothing to derive.
	case QuantPerTensor, QuantPerToken:
		w.fillHalfScales(tensor.FP8E4M3Max)
		w.broadcastBlockGrids()
		w.quantizeFP8()
	case QuantBlock:
		w.fillBlockScales()
		w.quantizeFP8()
	case QuantW4A8:
		w.fillHalfScales(7)
		w.packInt4()
	default:
		return newConfigError(fmt.Sprintf("unknown quantization scheme %d", w.Scheme))
	}
	w.finalized = true
	return nil
}

// fillHalfScales computes absent per-half weight scales from the float32
// masters as maxAbs / maxRepresentable.
func (w *ExpertWeights) fillHalfScales(maxRep float32) {
	for e := 0; e < w.LocalCount; e++ {
		gu := w.GateUp[e]
		half := w.Intermediate * gu.Stride
		if w.GateUpWeightScale[e][0] == 0 {
			w.GateUpWeightScale[e][0] = tensor.MaxAbs(gu.Data[:half]) / maxRep
		}
		if w.GateUpWeightScale[e][1] == 0 {
			w.GateUpWeightScale[e][1] = tensor.MaxAbs(gu.Data[half:]) / maxRep
		}
		if w.DownWeightScale[e] == 0 {
			w.DownWeightScale[e] = tensor.MaxAbs(w.Down[e].Data) / maxRep
		}
	}
}

// broadcastBlockGrids repeats the per-tensor scale pair into the block grid
// shape the grouped backend expects (nearest-block repetition, not true
// block quantization).
func (w *ExpertWeights) broadcastBlockGrids() {
	nI := blockCount(w.Intermediate)
	kH := blockCount(w.Hidden)
	for e := 0; e < w.LocalCount; e++ {
		grid := make([]float32, 2*nI*kH)
		gate := BroadcastBlockScale(w.GateUpWeightScale[e][0], w.Intermediate, w.Hidden)
		up := BroadcastBlockScale(w.GateUpWeightScale[e][1], w.Intermediate, w.Hidden)
		copy(grid[:nI*kH], gate)
		copy(grid[nI*kH:], up)
		w.GateUpBlockScale[e] = grid
		w.DownBlockScale[e] = BroadcastBlockScale(w.DownWeightScale[e], w.Hidden, w.Intermediate)
	}
}

// fillBlockScales computes true per-block scales for experts the checkpoint
// left without grids (synthetic weights in benchmarks).
func (w *ExpertWeights) fillBlockScales() {
	for e := 0; e < w.LocalCount; e++ {
		if w.GateUpBlockScale[e] == nil {
			w.GateUpBlockScale[e] = blockScalesFor(w.GateUp[e], w.Intermediate)
		}
		if w.DownBlockScale[e] == nil {
			w.DownBlockScale[e] = blockScalesFor(w.Down[e], w.Down[e].R)
		}
	}
}

// blockScalesFor derives maxAbs/FP8E4M3Max per 128x128 tile. halfRows splits
// the row dimension so the gate and up halves tile independently.
func blockScalesFor(m *tensor.Mat, halfRows int) []float32 {
	halves := m.R / halfRows
	nBlocks := blockCount(halfRows)
	kBlocks := blockCount(m.C)
	grid := make([]float32, halves*nBlocks*kBlocks)
	for h := 0; h < halves; h++ {
		rowBase := h * halfRows
		for bn := 0; bn < nBlocks; bn++ {
			for bk := 0; bk < kBlocks; bk++ {
				var maxAbs float32
				for r := bn * ScaleBlockSize; r < (bn+1)*ScaleBlockSize && r < halfRows; r++ {
					row := m.Row(rowBase + r)
					for c := bk * ScaleBlockSize; c < (bk+1)*ScaleBlockSize && c < m.C; c++ {
						v := row[c]
						if v < 0 {
							v = -v
						}
						if v > maxAbs {
							maxAbs = v
						}
					}
				}
				grid[(h*nBlocks+bn)*kBlocks+bk] = maxAbs / tensor.FP8E4M3Max
			}
		}
	}
	return grid
}

func (w *ExpertWeights) quantizeFP8() {
	w.GateUpQ = make([][]uint8, w.LocalCount)
	w.DownQ = make([][]uint8, w.LocalCount)
	for e := 0; e < w.LocalCount; e++ {
		gu := w.GateUp[e]
		q := make([]uint8, len(gu.Data))
		for r := 0; r < gu.R; r++ {
			row := gu.Row(r)
			for c, v := range row {
				s := w.gateUpBlockScaleAt(e, r, c)
				q[r*gu.Stride+c] = quantFP8(v, s)
			}
		}
		w.GateUpQ[e] = q

		dn := w.Down[e]
		q = make([]uint8, len(dn.Data))
		for r := 0; r < dn.R; r++ {
			row := dn.Row(r)
			for c, v := range row {
				s := w.downBlockScaleAt(e, r, c)
				q[r*dn.Stride+c] = quantFP8(v, s)
			}
		}
		w.DownQ[e] = q
	}
}

func quantFP8(v, scale float32) uint8 {
	if scale == 0 {
		return 0
	}
	return tensor.F32ToFP8E4M3(v / scale)
}

// packInt4 packs the float32 masters into signed int4 pairs using the
// per-half weight scales.
func (w *ExpertWeights) packInt4() {
	w.GateUpQ4 = make([][]uint8, w.LocalCount)
	w.DownQ4 = make([][]uint8, w.LocalCount)
	for e := 0; e < w.LocalCount; e++ {
		w.GateUpQ4[e] = packMatInt4(w.GateUp[e], func(r int) float32 {
			if r < w.Intermediate {
				return w.GateUpWeightScale[e][0]
			}
			return w.GateUpWeightScale[e][1]
		})
		scale := w.DownWeightScale[e]
		w.DownQ4[e] = packMatInt4(w.Down[e], func(int) float32 { return scale })
	}
}

func packMatInt4(m *tensor.Mat, scaleFor func(row int) float32) []uint8 {
	cols := (m.C + 1) / 2
	packed := make([]uint8, m.R*cols)
	for r := 0; r < m.R; r++ {
		scale := scaleFor(r)
		row := m.Row(r)
		for c := 0; c < m.C; c++ {
			q := quantInt4(row[c], scale)
			idx := r*cols + c/2
			if c%2 == 0 {
				packed[idx] = uint8(q) & 0x0F
			} else {
				packed[idx] |= uint8(q) << 4
			}
		}
	}
	return packed
}

func quantInt4(v, scale float32) int8 {
	if scale == 0 {
		return 0
	}
	q := int32(math.Round(float64(v / scale)))
	if q > 7 {
		q = 7
	} else if q < -8 {
		q = -8
	}
	return int8(q)
}

func unpackInt4(packed []uint8, cols, r, c int) int8 {
	b := packed[r*((cols+1)/2)+c/2]
	var v uint8
	if c%2 == 0 {
		v = b & 0x0F
	} else {
		v = b >> 4
	}
	return int8(v<<4) >> 4
}
