package tensor

import (
	"math"
	"testing"
)

func TestFP8ExactValues(t *testing.T) {
	cases := []struct {
		in   float32
		want float32
	}{
		{0, 0},
		{1, 1},
		{-1, -1},
		{0.5, 0.5},
		{448, 448},
		{-448, -448},
		{1.125, 1.125}, // 1 + 1/8, exactly one mantissa step
		{0.001953125, 0.001953125}, // 2^-9, smallest subnormal
		{0.015625, 0.015625},       // 2^-6, smallest normal
	}
	for _, tc := range cases {
		got := FP8E4M3ToF32(F32ToFP8E4M3(tc.in))
		if got != tc.want {
			t.Fatalf("round trip %v: got %v", tc.in, got)
		}
	}
}

func TestFP8Saturation(t *testing.T) {
	for _, v := range []float32{449, 1000, 1e30, float32(math.Inf(1))} {
		if got := FP8E4M3ToF32(F32ToFP8E4M3(v)); got != 448 {
			t.Fatalf("%v should saturate to 448, got %v", v, got)
		}
	}
	if got := FP8E4M3ToF32(F32ToFP8E4M3(float32(math.Inf(-1)))); got != -448 {
		t.Fatalf("-Inf should saturate to -448, got %v", got)
	}
}

func TestFP8NaN(t *testing.T) {
	b := F32ToFP8E4M3(float32(math.NaN()))
	if b&0x7F != 0x7F {
		t.Fatalf("NaN encodes as 0x7F pattern, got %#x", b)
	}
	if !math.IsNaN(float64(FP8E4M3ToF32(b))) {
		t.Fatalf("0x7F must decode to NaN")
	}
}

func TestFP8RoundToNearestEven(t *testing.T) {
	// 1.0625 sits exactly between 1.0 and 1.125; ties go to the even mantissa.
	if got := FP8E4M3ToF32(F32ToFP8E4M3(1.0625)); got != 1 {
		t.Fatalf("1.0625 rounds to even 1.0, got %v", got)
	}
	// 1.1875 sits between 1.125 and 1.25; the even neighbour is 1.25.
	if got := FP8E4M3ToF32(F32ToFP8E4M3(1.1875)); got != 1.25 {
		t.Fatalf("1.1875 rounds to even 1.25, got %v", got)
	}
}

func TestFP8RelativeError(t *testing.T) {
	for _, v := range []float32{0.03, 0.27, 3.9, 47.3, 301.5, -2.72} {
		got := FP8E4M3ToF32(F32ToFP8E4M3(v))
		rel := math.Abs(float64(got-v) / float64(v))
		if rel > 0.0625 {
			t.Fatalf("%v decoded as %v, relative error %v beyond half-step bound", v, got, rel)
		}
	}
}

func TestQuantizeDequantizeFP8(t *testing.T) {
	src := []float32{0.1, -0.4, 2.2, 0}
	scale := MaxAbs(src) / FP8E4M3Max
	enc := make([]uint8, len(src))
	QuantizeFP8(enc, src, scale)
	dec := make([]float32, len(src))
	DequantizeFP8(dec, enc, scale)
	for i := range src {
		diff := math.Abs(float64(dec[i] - src[i]))
		if diff > 0.0625*math.Abs(float64(src[i]))+1e-9 {
			t.Fatalf("index %d: %v decoded as %v", i, src[i], dec[i])
		}
	}

	QuantizeFP8(enc, src, 0)
	for i, b := range enc {
		if b != 0 {
			t.Fatalf("zero scale must encode zeros, got %#x at %d", b, i)
		}
	}
}
