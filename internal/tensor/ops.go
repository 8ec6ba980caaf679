package tensor

import (
	"math"

	"golang.org/x/sys/cpu"
)

var hasAVX2 = cpu.X86.HasAVX2

// Dot computes the dot product of a and b.
func Dot(a, b []float32) float32 {
	if hasAVX2 && len(a) >= 16 {
		return dotUnrolled(a, b)
	}
	return dotScalar(a, b)
}

func dotScalar(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

// dotUnrolled keeps four independent accumulators so the compiler can
// schedule the FMAs without a loop-carried dependency.
func dotUnrolled(a, b []float32) float32 {
	var s0, s1, s2, s3 float32
	i := 0
	for ; i+4 <= len(a); i += 4 {
		s0 += a[i] * b[i]
		s1 += a[i+1] * b[i+1]
		s2 += a[i+2] * b[i+2]
		s3 += a[i+3] * b[i+3]
	}
	sum := s0 + s1 + s2 + s3
	for ; i < len(a); i++ {
		sum += a[i] * b[i]
	}
	return sum
}

// MatVec computes dst = w * x for a single vector: dst[r] is the dot product
// of row r with x. dst must have length w.R and x length w.C.
func MatVec(dst []float32, w *Mat, x []float32) {
	for r := 0; r < w.R; r++ {
		dst[r] = Dot(w.Data[r*w.Stride:r*w.Stride+w.C], x)
	}
}

// Add adds src to dst element-wise.
func Add(dst, src []float32) {
	for i := range dst {
		dst[i] += src[i]
	}
}

// AddScaled adds w*src to dst element-wise.
func AddScaled(dst, src []float32, w float32) {
	for i := range dst {
		dst[i] += w * src[i]
	}
}

// MaxAbs returns the largest absolute value in x, or 0 for empty input.
func MaxAbs(x []float32) float32 {
	var m float32
	for _, v := range x {
		if v < 0 {
			v = -v
		}
		if v > m {
			m = v
		}
	}
	return m
}

// Silu computes x * sigmoid(x).
func Silu(x float32) float32 {
	return x / (1 + float32(math.Exp(float64(-x))))
}

// Gelu computes the tanh approximation of GELU.
func Gelu(x float32) float32 {
	const c = 0.7978845608028654 // sqrt(2/pi)
	x64 := float64(x)
	return float32(0.5 * x64 * (1 + math.Tanh(c*(x64+0.044715*x64*x64*x64))))
}

// SiluMul computes dst[i] = silu(gateUp[i]) * gateUp[n+i] for i in [0, n),
// the gated half-split used after the combined gate/up projection.
func SiluMul(dst, gateUp []float32) {
	n := len(dst)
	for i := 0; i < n; i++ {
		dst[i] = Silu(gateUp[i]) * gateUp[n+i]
	}
}

// GeluMul is the GELU-gated variant of SiluMul.
func GeluMul(dst, gateUp []float32) {
	n := len(dst)
	for i := 0; i < n; i++ {
		dst[i] = Gelu(gateUp[i]) * gateUp[n+i]
	}
}
