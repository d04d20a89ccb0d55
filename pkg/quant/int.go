package quant

import "math"

// Symmetric signed integer ranges.
const (
	Int8Max = 127
	Int8Min = -128
	Int4Max = 7
	Int4Min = -8
)

// roundClamp rounds half to even and clamps to [lo, hi]. NaN maps to 0.
func roundClamp(v float32, lo, hi int) int {
	if v != v {
		return 0
	}
	r := math.RoundToEven(float64(v))
	if r < float64(lo) {
		return lo
	}
	if r > float64(hi) {
		return hi
	}
	return int(r)
}

type int8Elem struct{}

func (int8Elem) encode(dst []byte, src []float32) {
	for i, v := range src {
		dst[i] = byte(int8(roundClamp(v, Int8Min, Int8Max)))
	}
}

func (int8Elem) decode(dst []float32, src []byte) {
	for i := range dst {
		dst[i] = float32(int8(src[i]))
	}
}

func (int8Elem) packedLen(n int) int { return n }

// int4Elem packs two values per byte, the even index in the low nibble.
type int4Elem struct{}

func (int4Elem) encode(dst []byte, src []float32) {
	for i := range dst {
		dst[i] = 0
	}
	for i, v := range src {
		q := byte(roundClamp(v, Int4Min, Int4Max)) & 0xF
		if i&1 == 0 {
			dst[i>>1] |= q
		} else {
			dst[i>>1] |= q << 4
		}
	}
}

func (int4Elem) decode(dst []float32, src []byte) {
	for i := range dst {
		nib := src[i>>1]
		if i&1 == 1 {
			nib >>= 4
		}
		// sign-extend the low nibble
		dst[i] = float32(int8(nib<<4) >> 4)
	}
}

func (int4Elem) packedLen(n int) int { return (n + 1) / 2 }
