package tensor

import (
	"fmt"
	"math"
	"strings"

	"github.com/x448/float16"
)

// DType identifies the floating point precision of a tensor's values.
type DType uint8

const (
	DTypeUnknown DType = iota
	DTypeF32
	DTypeF16
	DTypeBF16
)

func (d DType) String() string {
	switch d {
	case DTypeF32:
		return "f32"
	case DTypeF16:
		return "f16"
	case DTypeBF16:
		return "bf16"
	default:
		return "unknown"
	}
}

// ParseDType accepts the short names used on the CLI as well as the
// safetensors spellings ("F32", "F16", "BF16").
func ParseDType(s string) (DType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "f32", "float32", "fp32":
		return DTypeF32, nil
	case "f16", "float16", "fp16", "half":
		return DTypeF16, nil
	case "bf16", "bfloat16":
		return DTypeBF16, nil
	default:
		return DTypeUnknown, fmt.Errorf("tensor: unsupported dtype %q", s)
	}
}

// Round returns v rounded to the nearest value representable in d.
func (d DType) Round(v float32) float32 {
	switch d {
	case DTypeF16:
		return float16.Fromfloat32(v).Float32()
	case DTypeBF16:
		return BF16ToF32(F32ToBF16(v))
	default:
		return v
	}
}

// F32ToBF16 converts with round-to-nearest-even. NaN stays NaN.
func F32ToBF16(v float32) uint16 {
	u := math.Float32bits(v)
	if v != v {
		return uint16(u>>16) | 0x0040
	}
	lsb := (u >> 16) & 1
	u += 0x7FFF + lsb
	return uint16(u >> 16)
}

func BF16ToF32(u uint16) float32 {
	return math.Float32frombits(uint32(u) << 16)
}

// F32ToF16 converts with round-to-nearest-even.
func F32ToF16(v float32) uint16 {
	return float16.Fromfloat32(v).Bits()
}

func F16ToF32(u uint16) float32 {
	return float16.Frombits(u).Float32()
}
