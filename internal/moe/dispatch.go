package moe

import (
	"fmt"

	"github.com/samcharles93/hive/internal/tensor"
)

// Projection names one of the two logical matmul passes of the block.
type Projection int

const (
	// ProjGateUp is the combined gate/up projection, [*, H] -> [*, 2I].
	ProjGateUp Projection = iota
	// ProjDown is the down projection, [*, I] -> [*, H].
	ProjDown
)

// LayoutKind is the physical layout of one grouped matmul. The choice is a
// performance decision driven by how upstream delivered the tokens; all
// layouts compute the same logical operation.
type LayoutKind int

const (
	// LayoutSegmented is ragged 2-D: variable-length contiguous runs per
	// expert, delimited by locally-derived segment bounds.
	LayoutSegmented LayoutKind = iota
	// LayoutContiguous is 2-D with tokens already grouped by expert by the
	// exchange collaborator; per-expert counts are supplied externally.
	LayoutContiguous
	// LayoutMasked is the padded 3-D batch with a fixed per-expert stride and
	// a live-row prefix per expert.
	LayoutMasked
)

// MatmulArgs describes one grouped matmul across all locally-owned experts.
// Exactly one of the 2-D (In/Out) or 3-D (In3/Out3) buffer pairs is used,
// depending on Kind.
type MatmulArgs struct {
	Kind LayoutKind
	Proj Projection

	In  *tensor.Mat
	Out *tensor.Mat
	// SegBounds delimits per-expert runs for LayoutSegmented.
	SegBounds []int32
	// Counts is the externally-supplied per-expert token count for
	// LayoutContiguous.
	Counts []int32

	In3    *tensor.Batch
	Out3   *tensor.Batch
	Masked *MaskedLayout

	// InputScale is the per-pass activation scale vector. Its granularity
	// follows the weights' quantization scheme: one value for per-tensor, one
	// per buffer row for per-token, one per local expert for static schemes.
	// Empty means unscaled float32 input.
	InputScale []float32
}

// bounds resolves the per-expert row boundaries for the 2-D layouts.
func (a *MatmulArgs) bounds(localCount int) ([]int32, error) {
	switch a.Kind {
	case LayoutSegmented:
		if len(a.SegBounds) != localCount+1 {
			return nil, newConfigError(fmt.Sprintf("segment bounds length %d, want %d",
				len(a.SegBounds), localCount+1))
		}
		return a.SegBounds, nil
	case LayoutContiguous:
		if len(a.Counts) != localCount {
			return nil, newConfigError(fmt.Sprintf("recv counts length %d, want %d",
				len(a.Counts), localCount))
		}
		bounds := make([]int32, localCount+1)
		for i, c := range a.Counts {
			bounds[i+1] = bounds[i] + c
		}
		return bounds, nil
	default:
		return nil, newConfigError(fmt.Sprintf("layout %d has no 2-D bounds", a.Kind))
	}
}

// GroupedBackend executes one batched matmul per locally-owned expert in a
// single dispatch. Implementations differ physically (float32 segments,
// fp8 block-scaled, padded masked batches) but must produce numerically
// equivalent results for the same logical token-to-expert assignment.
type GroupedBackend interface {
	Name() string
	RunGroupedMatmul(args *MatmulArgs) error
}
