package moe

import (
	"fmt"

	"github.com/samcharles93/hive/internal/tensor"
)

// Layout describes the dense-mode token-to-expert permutation for one pass.
// Lifetime is a single forward call.
type Layout struct {
	// SrcToDst maps each flat routing slot to its row in the expert-sorted
	// buffer, or -1 when the slot's expert is not owned by this shard.
	SrcToDst []int32
	// SegBounds holds prefix-sum boundaries of per-local-expert segments,
	// length LocalCount+1.
	SegBounds []int32
	// Rows is the permuted buffer length, equal to the number of local slots.
	Rows int

	slotToken  []int32
	slotWeight []float32
}

// BuildDenseLayout sorts routing slots by local expert id. The sort is a
// stable counting sort: within an expert's segment, slots keep their original
// order.
func BuildDenseLayout(rt Routing, part *Partition) *Layout {
	slots := rt.Slots()
	ly := &Layout{
		SrcToDst:   make([]int32, slots),
		SegBounds:  make([]int32, part.LocalCount+1),
		slotToken:  make([]int32, slots),
		slotWeight: make([]float32, slots),
	}

	counts := make([]int32, part.LocalCount)
	slot := 0
	for t, row := range rt.Experts {
		for k, e := range row {
			ly.slotToken[slot] = int32(t)
			ly.slotWeight[slot] = rt.Weights[t][k]
			local := part.LocalID(int(e))
			if local < part.LocalCount {
				counts[local]++
			}
			slot++
		}
	}

	for i, c := range counts {
		ly.SegBounds[i+1] = ly.SegBounds[i] + c
	}
	ly.Rows = int(ly.SegBounds[part.LocalCount])

	cursor := make([]int32, part.LocalCount)
	copy(cursor, ly.SegBounds[:part.LocalCount])
	slot = 0
	for _, row := range rt.Experts {
		for _, e := range row {
			local := part.LocalID(int(e))
			if local < part.LocalCount {
				ly.SrcToDst[slot] = cursor[local]
				cursor[local]++
			} else {
				ly.SrcToDst[slot] = -1
			}
			slot++
		}
	}
	return ly
}

// Scatter copies each token's hidden row into its slot positions in the
// permuted buffer. dst must have Rows rows.
func (ly *Layout) Scatter(dst, src *tensor.Mat) {
	for slot, row := range ly.SrcToDst {
		if row < 0 {
			continue
		}
		copy(dst.Row(int(row)), src.Row(int(ly.slotToken[slot])))
	}
}

// ScatterScales places per-token activation scales into permuted slot order:
// every slot of a token shares the token's scale.
func (ly *Layout) ScatterScales(dst, perToken []float32) {
	for slot, row := range ly.SrcToDst {
		if row < 0 {
			continue
		}
		dst[row] = perToken[ly.slotToken[slot]]
	}
}

// GatherScaled applies the inverse permutation: dst[token] accumulates
// weight * scaling * src[slot row] across the token's slots. A token that
// selected several local experts receives the weighted sum of all their
// contributions. dst is zeroed first.
func (ly *Layout) GatherScaled(dst, src *tensor.Mat, scaling float32) {
	for i := range dst.Data {
		dst.Data[i] = 0
	}
	for slot, row := range ly.SrcToDst {
		if row < 0 {
			continue
		}
		w := ly.slotWeight[slot] * scaling
		if w == 0 {
			continue
		}
		tensor.AddScaled(dst.Row(int(ly.slotToken[slot])), src.Row(int(row)), w)
	}
}

// MaskedLayout is the capacity-bounded (low-latency) layout: a fixed
// [experts, mMax, hidden] batch in which only the first Masked[e] rows of
// each expert's slice are live. Tokens beyond mMax for an expert are dropped
// from compute; bounded worst-case latency is traded for the overflow tail.
type MaskedLayout struct {
	MMax int
	// Masked is the live token count per local expert, capped at MMax.
	Masked []int32
	// Expected is the average-count hint the backend uses to balance work.
	Expected int
}

// BuildMaskedLayout caps per-expert arrival counts at mMax and derives the
// expected-count hint.
func BuildMaskedLayout(counts []int32, mMax int) (*MaskedLayout, error) {
	if mMax <= 0 {
		return nil, newConfigError(fmt.Sprintf("capacity must be positive, got %d", mMax))
	}
	ml := &MaskedLayout{
		MMax:   mMax,
		Masked: make([]int32, len(counts)),
	}
	total := 0
	for i, c := range counts {
		if c < 0 {
			return nil, newConfigError(fmt.Sprintf("negative token count %d for expert %d", c, i))
		}
		if c > int32(mMax) {
			c = int32(mMax)
		}
		ml.Masked[i] = c
		total += int(c)
	}
	if len(counts) > 0 {
		ml.Expected = (total + len(counts) - 1) / len(counts)
		if ml.Expected > mMax {
			ml.Expected = mMax
		}
	}
	return ml, nil
}

// PackMasked copies a contiguous expert-grouped buffer (counts[e] rows per
// expert, in expert order) into the masked batch, dropping rows beyond MMax.
func (ml *MaskedLayout) PackMasked(dst *tensor.Batch, src *tensor.Mat, counts []int32) {
	off := 0
	for e, c := range counts {
		live := int(ml.Masked[e])
		group := dst.Group(e)
		for i := 0; i < live; i++ {
			copy(group.Row(i), src.Row(off+i))
		}
		off += int(c)
	}
}

// UnpackMasked writes the masked batch back into a contiguous expert-grouped
// buffer with the original counts. Rows that were dropped at capacity come
// back zeroed.
func (ml *MaskedLayout) UnpackMasked(dst *tensor.Mat, src *tensor.Batch, counts []int32) {
	off := 0
	for e, c := range counts {
		live := int(ml.Masked[e])
		group := src.Group(e)
		for i := 0; i < int(c); i++ {
			row := dst.Row(off + i)
			if i < live {
				copy(row, group.Row(i))
				continue
			}
			for j := range row {
				row[j] = 0
			}
		}
		off += int(c)
	}
}
