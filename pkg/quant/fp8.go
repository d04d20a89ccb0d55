package quant

import "math"

// E4M3Max is the largest finite float8 e4m3fn value. It is also the scale
// divisor for the fp8-e4m3 format.
const E4M3Max = 448.0

const (
	e4m3Bias      = 7
	e4m3MinNormal = 1.0 / 64  // 2^-6
	e4m3SubStep   = 1.0 / 512 // 2^-9
	e4m3NaN       = 0x7F
	e4m3MaxBits   = 0x7E
	e4m3SignBit   = 0x80
)

var e4m3Table = func() (t [256]float32) {
	for i := range t {
		t[i] = decodeE4M3Slow(uint8(i))
	}
	return t
}()

// EncodeE4M3 converts f to float8 e4m3fn with round-to-nearest-even.
// Magnitudes at or above 448 (including Inf) saturate to ±448. NaN encodes
// to the NaN pattern with the sign of f.
func EncodeE4M3(f float32) uint8 {
	var sign uint8
	if math.Signbit(float64(f)) {
		sign = e4m3SignBit
	}
	if f != f {
		return sign | e4m3NaN
	}
	a := math.Abs(float64(f))
	if a >= E4M3Max {
		return sign | e4m3MaxBits
	}
	if a < e4m3MinNormal {
		// Code 8 is the smallest normal, so a subnormal rounding up to
		// 2^-6 carries into the exponent field on its own.
		return sign | uint8(math.RoundToEven(a/e4m3SubStep))
	}

	frac, exp := math.Frexp(a) // a = frac * 2^exp, frac in [0.5, 1)
	e := exp - 1 + e4m3Bias
	m := int(math.RoundToEven((2*frac - 1) * 8))
	if m == 8 {
		m = 0
		e++
	}
	if e > 15 || (e == 15 && m > 6) {
		return sign | e4m3MaxBits
	}
	return sign | uint8(e)<<3 | uint8(m)
}

// DecodeE4M3 converts a float8 e4m3fn bit pattern to float32.
func DecodeE4M3(b uint8) float32 {
	return e4m3Table[b]
}

func decodeE4M3Slow(b uint8) float32 {
	sign := float32(1)
	if b&e4m3SignBit != 0 {
		sign = -1
	}
	e := int(b>>3) & 0xF
	m := int(b & 0x7)
	switch {
	case e == 15 && m == 7:
		return float32(math.NaN())
	case e == 0:
		return sign * float32(m) * e4m3SubStep
	default:
		return sign * float32(math.Ldexp(1+float64(m)/8, e-e4m3Bias))
	}
}

// e4m3Step is the spacing between adjacent representable values around v.
func e4m3Step(v float32) float32 {
	a := math.Abs(float64(v))
	if a < e4m3MinNormal {
		return e4m3SubStep
	}
	if a >= E4M3Max {
		return 32 // spacing in the top binade [256, 448]
	}
	_, exp := math.Frexp(a)
	return float32(math.Ldexp(1, exp-1-3))
}

type fp8E4M3 struct{}

func (fp8E4M3) encode(dst []byte, src []float32) {
	for i, v := range src {
		dst[i] = EncodeE4M3(v)
	}
}

func (fp8E4M3) decode(dst []float32, src []byte) {
	for i := range dst {
		dst[i] = e4m3Table[src[i]]
	}
}

func (fp8E4M3) packedLen(n int) int { return n }
