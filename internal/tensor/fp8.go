package tensor

import "math"

// FP8E4M3Max is the largest finite value representable in the e4m3 encoding
// (sign, 4 exponent bits biased by 7, 3 mantissa bits, no infinities).
// Dynamic activation scales are derived against this bound.
const FP8E4M3Max = 448.0

// F32ToFP8E4M3 converts a float32 to an e4m3 byte with round-to-nearest-even
// and saturation. NaN maps to the e4m3 NaN pattern; values beyond the
// representable range clamp to the maximum finite value.
func F32ToFP8E4M3(f float32) uint8 {
	bits := math.Float32bits(f)
	sign := uint8(bits>>24) & 0x80
	exp := int32((bits >> 23) & 0xFF)
	mant := bits & 0x7FFFFF

	if exp == 0xFF {
		if mant != 0 {
			return sign | 0x7F // NaN
		}
		return sign | 0x7E // Inf saturates to 448
	}

	e := exp - 127 + 7
	if e >= 16 {
		return sign | 0x7E
	}

	if e <= 0 {
		// Subnormal range: m/8 * 2^-6 with 3-bit m.
		if e < -3 {
			return sign
		}
		full := mant | 0x800000
		shift := uint(21 - e)
		m := full >> shift
		rem := full & ((1 << shift) - 1)
		half := uint32(1) << (shift - 1)
		if rem > half || (rem == half && m&1 == 1) {
			m++
		}
		if m >= 8 {
			return sign | 1<<3 // rounds up into the smallest normal
		}
		return sign | uint8(m)
	}

	m := mant >> 20
	if mant&0x80000 != 0 && (mant&0x7FFFF != 0 || m&1 == 1) {
		m++
		if m == 8 {
			m = 0
			e++
			if e >= 16 {
				return sign | 0x7E
			}
		}
	}
	if e == 15 && m == 7 {
		m = 6 // 0x7F is NaN, clamp to 448
	}
	return sign | uint8(e)<<3 | uint8(m)
}

// FP8E4M3ToF32 converts an e4m3 byte back to float32.
func FP8E4M3ToF32(b uint8) float32 {
	neg := b&0x80 != 0
	e := int(b>>3) & 0xF
	m := int(b & 7)

	var v float64
	switch {
	case e == 15 && m == 7:
		v = math.NaN()
	case e == 0:
		v = math.Ldexp(float64(m), -9)
	default:
		v = math.Ldexp(float64(8+m), e-10)
	}
	if neg {
		v = -v
	}
	return float32(v)
}

// QuantizeFP8 encodes src/scale into dst. dst and src must have equal length.
func QuantizeFP8(dst []uint8, src []float32, scale float32) {
	inv := float32(0)
	if scale != 0 {
		inv = 1 / scale
	}
	for i, v := range src {
		dst[i] = F32ToFP8E4M3(v * inv)
	}
}

// DequantizeFP8 decodes dst = fp8(src) * scale.
func DequantizeFP8(dst []float32, src []uint8, scale float32) {
	for i, b := range src {
		dst[i] = FP8E4M3ToF32(b) * scale
	}
}
