package moe

import (
	"fmt"

	"github.com/samcharles93/hive/internal/tensor"
)

// QuantScheme selects how activations and weights are scaled for the grouped
// matmuls. It is a closed set; everything that dispatches on it matches
// exhaustively rather than probing attributes.
type QuantScheme int

const (
	// QuantNone runs the whole pipeline in float32.
	QuantNone QuantScheme = iota
	// QuantPerTensor quantizes activations with one dynamic scale per batch.
	QuantPerTensor
	// QuantPerToken quantizes activations with one dynamic scale per token.
	QuantPerToken
	// QuantBlock uses static 128x128 block scales loaded from the checkpoint.
	QuantBlock
	// QuantW4A8 packs weights to 4 bits with 8-bit activations.
	QuantW4A8
)

func (s QuantScheme) String() string {
	switch s {
	case QuantNone:
		return "none"
	case QuantPerTensor:
		return "per-tensor"
	case QuantPerToken:
		return "per-token"
	case QuantBlock:
		return "block"
	case QuantW4A8:
		return "w4a8"
	default:
		return "unknown"
	}
}

// Dynamic reports whether activation scales are recomputed every pass.
func (s QuantScheme) Dynamic() bool {
	return s == QuantPerTensor || s == QuantPerToken
}

// ParseQuantScheme converts a config string to a QuantScheme.
func ParseQuantScheme(s string) (QuantScheme, error) {
	switch s {
	case "", "none", "fp32":
		return QuantNone, nil
	case "per-tensor":
		return QuantPerTensor, nil
	case "per-token":
		return QuantPerToken, nil
	case "block":
		return QuantBlock, nil
	case "w4a8":
		return QuantW4A8, nil
	default:
		return QuantNone, newConfigError(fmt.Sprintf("unknown quantization scheme %q", s))
	}
}

// ScaleBlockSize is the tile edge for block-quantized weight scales.
const ScaleBlockSize = 128

// scaleTolerance bounds how far redundantly-loaded gate and up input scales
// may disagree before the checkpoint is rejected.
const scaleTolerance = 1e-5

// PassScales carries activation scale state for one forward pass. Scales are
// threaded through the call explicitly; no layer field is overwritten between
// passes, so concurrent and repeated forwards see no shared mutable state.
// Granularity follows the scheme: one value for per-tensor, one per buffer
// row (in the buffer's own order) for per-token, one per local expert for the
// static schemes.
type PassScales struct {
	GateUpInput []float32
	DownInput   []float32
}

// scaleKind is the granularity of an activation scale vector. It is a
// function of the quantization scheme, never guessed from slice lengths.
type scaleKind int

const (
	scaleNone scaleKind = iota
	scalePerTensor
	scalePerRow
	scalePerExpert
)

func scaleKindFor(s QuantScheme) scaleKind {
	switch s {
	case QuantPerTensor:
		return scalePerTensor
	case QuantPerToken:
		return scalePerRow
	case QuantBlock, QuantW4A8:
		return scalePerExpert
	default:
		return scaleNone
	}
}

// scaleForRow resolves the activation scale for one row of a grouped matmul.
func scaleForRow(kind scaleKind, scales []float32, row, expert int) float32 {
	if len(scales) == 0 {
		return 1
	}
	switch kind {
	case scalePerTensor:
		return scales[0]
	case scalePerRow:
		return scales[row]
	case scalePerExpert:
		return scales[expert]
	default:
		return 1
	}
}

// PerTensorScale computes max|x| / FP8E4M3Max over the whole activation
// batch.
func PerTensorScale(x *tensor.Mat) float32 {
	return tensor.MaxAbs(x.Data) / tensor.FP8E4M3Max
}

// PerTokenScales fills dst[i] with max|x[i,:]| / FP8E4M3Max, the reduction
// over the hidden dimension required by per-token dynamic quantization.
func PerTokenScales(dst []float32, x *tensor.Mat) {
	for i := 0; i < x.R; i++ {
		dst[i] = tensor.MaxAbs(x.Row(i)) / tensor.FP8E4M3Max
	}
}

// blockCount returns ceil(n / ScaleBlockSize).
func blockCount(n int) int {
	return (n + ScaleBlockSize - 1) / ScaleBlockSize
}

// BroadcastBlockScale repeats a per-tensor weight scale into the
// [ceil(n/block), ceil(k/block)] grid a block-quantized backend expects.
// This is repetition, not a re-quantization: the grid is numerically uniform
// and approximates true block scales by the tensor-wide value.
func BroadcastBlockScale(scale float32, n, k int) []float32 {
	grid := make([]float32, blockCount(n)*blockCount(k))
	for i := range grid {
		grid[i] = scale
	}
	return grid
}
