package tensor

import (
	"math"
	"testing"
)

func TestDotMatchesScalar(t *testing.T) {
	for _, n := range []int{1, 3, 4, 15, 16, 64, 129} {
		a := make([]float32, n)
		b := make([]float32, n)
		for i := range a {
			a[i] = 0.1 * float32((i%13)-6)
			b[i] = 0.2 * float32((i%7)-3)
		}
		got := Dot(a, b)
		want := dotScalar(a, b)
		if diff := math.Abs(float64(got - want)); diff > 1e-5 {
			t.Fatalf("n=%d: Dot %v vs scalar %v", n, got, want)
		}
	}
}

func TestMatVec(t *testing.T) {
	w := NewMatFromData(2, 3, []float32{1, 2, 3, 4, 5, 6})
	dst := make([]float32, 2)
	MatVec(dst, w, []float32{1, 0, -1})
	if dst[0] != -2 || dst[1] != -2 {
		t.Fatalf("MatVec = %v, want [-2 -2]", dst)
	}
}

func TestAddScaled(t *testing.T) {
	dst := []float32{1, 2, 3}
	AddScaled(dst, []float32{10, 20, 30}, 0.5)
	want := []float32{6, 12, 18}
	for i := range dst {
		if dst[i] != want[i] {
			t.Fatalf("AddScaled = %v, want %v", dst, want)
		}
	}
}

func TestMaxAbs(t *testing.T) {
	if got := MaxAbs([]float32{1, -7, 3}); got != 7 {
		t.Fatalf("MaxAbs = %v, want 7", got)
	}
	if got := MaxAbs(nil); got != 0 {
		t.Fatalf("MaxAbs(nil) = %v, want 0", got)
	}
}

func TestSiluMulHalfSplit(t *testing.T) {
	gateUp := []float32{1, -2, 3, 4} // gate half {1,-2}, up half {3,4}
	dst := make([]float32, 2)
	SiluMul(dst, gateUp)

	want0 := Silu(1) * 3
	want1 := Silu(-2) * 4
	if math.Abs(float64(dst[0]-want0)) > 1e-6 || math.Abs(float64(dst[1]-want1)) > 1e-6 {
		t.Fatalf("SiluMul = %v, want [%v %v]", dst, want0, want1)
	}
}

func TestGeluKnownValues(t *testing.T) {
	if got := Gelu(0); got != 0 {
		t.Fatalf("Gelu(0) = %v, want 0", got)
	}
	// tanh-approximation value at 1.0
	if got := Gelu(1); math.Abs(float64(got)-0.841192) > 1e-4 {
		t.Fatalf("Gelu(1) = %v, want ~0.841192", got)
	}
	if got := Gelu(-10); math.Abs(float64(got)) > 1e-3 {
		t.Fatalf("Gelu(-10) = %v, want ~0", got)
	}
}

func TestSiluSymmetry(t *testing.T) {
	// silu(x) - silu(-x) == x for all x.
	for _, x := range []float32{0.1, 0.9, 2.5, 7} {
		diff := Silu(x) - Silu(-x)
		if math.Abs(float64(diff-x)) > 1e-5 {
			t.Fatalf("silu(%v)-silu(-%v) = %v, want %v", x, x, diff, x)
		}
	}
}
