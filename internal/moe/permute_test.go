package moe

import (
	"testing"

	"github.com/samcharles93/hive/internal/tensor"
)

// Three tokens with ragged top-k rows: slots land in expert-sorted order with
// original order preserved inside each segment.
func TestBuildDenseLayoutSegments(t *testing.T) {
	part, err := NewPartition(8, 1, 0)
	if err != nil {
		t.Fatalf("NewPartition: %v", err)
	}
	rt := Routing{
		Experts: [][]int32{{2, 5}, {2}, {5, 2}},
		Weights: [][]float32{{0.6, 0.4}, {1.0}, {0.3, 0.7}},
	}
	ly := BuildDenseLayout(rt, part)

	if ly.Rows != 5 {
		t.Fatalf("Rows = %d, want 5", ly.Rows)
	}
	if got := ly.SegBounds[3] - ly.SegBounds[2]; got != 3 {
		t.Fatalf("expert 2 segment size = %d, want 3", got)
	}
	if got := ly.SegBounds[6] - ly.SegBounds[5]; got != 2 {
		t.Fatalf("expert 5 segment size = %d, want 2", got)
	}

	// Slot order within expert 2's segment: tokens 0, 1, 2.
	wantTokens := map[int32]int32{
		ly.SrcToDst[0]: 0, // token 0 slot 0 -> expert 2
		ly.SrcToDst[2]: 1, // token 1 slot 0 -> expert 2
		ly.SrcToDst[4]: 2, // token 2 slot 1 -> expert 2
	}
	for dst, tok := range wantTokens {
		if ly.slotToken[indexOfDst(t, ly, dst)] != tok {
			t.Fatalf("dst row %d should hold token %d", dst, tok)
		}
	}
	if ly.SrcToDst[0] >= ly.SrcToDst[2] || ly.SrcToDst[2] >= ly.SrcToDst[4] {
		t.Fatalf("stable order violated in expert 2 segment: %d %d %d",
			ly.SrcToDst[0], ly.SrcToDst[2], ly.SrcToDst[4])
	}
}

func indexOfDst(t *testing.T, ly *Layout, dst int32) int {
	t.Helper()
	for slot, d := range ly.SrcToDst {
		if d == dst {
			return slot
		}
	}
	t.Fatalf("no slot maps to dst %d", dst)
	return -1
}

func TestDenseLayoutSlotSumInvariant(t *testing.T) {
	part, err := NewPartition(8, 1, 0)
	if err != nil {
		t.Fatalf("NewPartition: %v", err)
	}
	rt := Routing{
		Experts: [][]int32{{0, 3}, {7, 1}, {3, 3}, {5, 0}},
		Weights: [][]float32{{1, 1}, {1, 1}, {0.5, 0.5}, {1, 1}},
	}
	ly := BuildDenseLayout(rt, part)
	if ly.Rows != rt.Slots() {
		t.Fatalf("all experts local: Rows = %d, want %d", ly.Rows, rt.Slots())
	}
	var sum int32
	for e := 0; e < part.LocalCount; e++ {
		sum += ly.SegBounds[e+1] - ly.SegBounds[e]
	}
	if int(sum) != rt.Slots() {
		t.Fatalf("segment sizes sum to %d, want %d", sum, rt.Slots())
	}
}

// Round-trip law on the index mapping: scatter then unit-weight gather
// reconstructs each token row times its number of local slots.
func TestScatterGatherRoundTrip(t *testing.T) {
	part, err := NewPartition(4, 2, 1)
	if err != nil {
		t.Fatalf("NewPartition: %v", err)
	}
	// Shard 1 owns experts 2 and 3. Token 1's expert 0 slot is remote.
	rt := Routing{
		Experts: [][]int32{{2, 3}, {0, 2}, {3, 3}},
		Weights: [][]float32{{1, 1}, {1, 1}, {1, 1}},
	}
	ly := BuildDenseLayout(rt, part)
	if ly.Rows != 5 {
		t.Fatalf("Rows = %d, want 5 local slots", ly.Rows)
	}

	hidden := tensor.NewMat(3, 4)
	fillTestData(hidden.Data, 0.25)

	permuted := tensor.NewMat(ly.Rows, 4)
	ly.Scatter(permuted, hidden)

	out := tensor.NewMat(3, 4)
	ly.GatherScaled(out, permuted, 1)

	localSlots := []float32{2, 1, 2}
	for tok := 0; tok < 3; tok++ {
		want := make([]float32, 4)
		for i, v := range hidden.Row(tok) {
			want[i] = v * localSlots[tok]
		}
		compareSlices(t, out.Row(tok), want, 1e-6)
	}
}

// A token selecting two experts gets the weighted sum of both contributions,
// not whichever was written last.
func TestGatherAccumulatesWeighted(t *testing.T) {
	part, err := NewPartition(2, 1, 0)
	if err != nil {
		t.Fatalf("NewPartition: %v", err)
	}
	rt := Routing{
		Experts: [][]int32{{0, 1}},
		Weights: [][]float32{{0.25, 0.75}},
	}
	ly := BuildDenseLayout(rt, part)

	src := tensor.NewMat(2, 3)
	copy(src.Row(int(ly.SrcToDst[0])), []float32{1, 2, 3})
	copy(src.Row(int(ly.SrcToDst[1])), []float32{10, 20, 30})

	out := tensor.NewMat(1, 3)
	ly.GatherScaled(out, src, 1)
	compareSlices(t, out.Row(0), []float32{7.75, 15.5, 23.25}, 1e-6)

	// Routed scaling multiplies the whole combination.
	ly.GatherScaled(out, src, 2)
	compareSlices(t, out.Row(0), []float32{15.5, 31, 46.5}, 1e-6)
}

func TestScatterScalesFollowsTokens(t *testing.T) {
	part, err := NewPartition(4, 1, 0)
	if err != nil {
		t.Fatalf("NewPartition: %v", err)
	}
	rt := Routing{
		Experts: [][]int32{{3, 0}, {0}},
		Weights: [][]float32{{1, 1}, {1}},
	}
	ly := BuildDenseLayout(rt, part)

	permuted := make([]float32, ly.Rows)
	ly.ScatterScales(permuted, []float32{0.5, 0.9})

	for slot, dst := range ly.SrcToDst {
		want := float32(0.5)
		if ly.slotToken[slot] == 1 {
			want = 0.9
		}
		if permuted[dst] != want {
			t.Fatalf("slot %d scale = %v, want %v", slot, permuted[dst], want)
		}
	}
}

func TestBuildMaskedLayoutCapsAtCapacity(t *testing.T) {
	ml, err := BuildMaskedLayout([]int32{6, 2, 0}, 4)
	if err != nil {
		t.Fatalf("BuildMaskedLayout: %v", err)
	}
	if ml.Masked[0] != 4 || ml.Masked[1] != 2 || ml.Masked[2] != 0 {
		t.Fatalf("masked counts = %v, want [4 2 0]", ml.Masked)
	}
	if ml.Expected != 2 {
		t.Fatalf("expected hint = %d, want ceil(6/3) = 2", ml.Expected)
	}

	if _, err := BuildMaskedLayout([]int32{1}, 0); err == nil {
		t.Fatalf("zero capacity should be rejected")
	}
	if _, err := BuildMaskedLayout([]int32{-1}, 4); err == nil {
		t.Fatalf("negative count should be rejected")
	}
}

func TestPackUnpackMaskedDropsOverflow(t *testing.T) {
	counts := []int32{3, 1}
	ml, err := BuildMaskedLayout(counts, 2)
	if err != nil {
		t.Fatalf("BuildMaskedLayout: %v", err)
	}

	src := tensor.NewMat(4, 2)
	fillTestData(src.Data, 1)

	batch := tensor.NewBatch(2, ml.MMax, 2)
	ml.PackMasked(batch, src, counts)

	compareSlices(t, batch.Group(0).Row(0), src.Row(0), 0)
	compareSlices(t, batch.Group(0).Row(1), src.Row(1), 0)
	compareSlices(t, batch.Group(1).Row(0), src.Row(3), 0)

	out := tensor.NewMat(4, 2)
	fillTestData(out.Data, 9)
	ml.UnpackMasked(out, batch, counts)

	compareSlices(t, out.Row(0), src.Row(0), 0)
	compareSlices(t, out.Row(1), src.Row(1), 0)
	// Expert 0's third arrival was beyond capacity: it comes back zeroed.
	compareSlices(t, out.Row(2), []float32{0, 0}, 0)
	compareSlices(t, out.Row(3), src.Row(3), 0)
}

func fillTestData(x []float32, scale float32) {
	for i := range x {
		x[i] = scale * float32((i%29)-14)
	}
}

func compareSlices(t *testing.T, got, want []float32, tol float32) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d want %d", len(got), len(want))
	}
	for i := range got {
		g := got[i]
		w := want[i]
		if g < w-tol || g > w+tol {
			t.Fatalf("mismatch at %d: got %v want %v±%v", i, g, w, tol)
		}
	}
}
