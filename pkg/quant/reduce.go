package quant

import (
	"math"

	"github.com/samcharles93/ptq/pkg/tensor"
)

// ReduceAmax computes max(|x|) over axes.
//
// It tracks max(x) and min(x) per output element and combines them as
// max(|max|, |min|), so no |x| copy of the input is made. A nil axes slice
// reduces every dimension to a 0-d scalar. An empty non-nil slice reduces
// nothing and yields |x| elementwise. With keepdims the reduced dimensions
// stay with size 1; squeezeScalar collapses a one-element result to 0-d.
// NaN in a reduced slice propagates to its output element.
func ReduceAmax(x *tensor.Tensor, axes []int, keepdims, squeezeScalar bool) (*tensor.Tensor, error) {
	if x == nil {
		return nil, configErr("reduce amax: nil tensor")
	}
	if x.IsMeta() {
		return nil, wrapConfig("reduce amax", tensor.ErrMeta)
	}
	if axes == nil {
		return tensor.Scalar(amaxOf(x.Data)), nil
	}

	reduce, err := tensor.NormalizeAxes(axes, x.Rank())
	if err != nil {
		return nil, wrapConfig("reduce amax", err)
	}

	rank := x.Rank()
	kept := make([]int, rank)
	isReduced := make([]bool, rank)
	for _, a := range reduce {
		isReduced[a] = true
	}
	for i, d := range x.Shape {
		if isReduced[i] {
			kept[i] = 1
		} else {
			kept[i] = d
		}
	}

	// Output strides over the keepdims shape, zero on reduced dims.
	ostr := tensor.Strides(kept)
	for i := range ostr {
		if isReduced[i] {
			ostr[i] = 0
		}
	}

	outN := 1
	for _, d := range kept {
		outN *= d
	}
	hi := make([]float32, outN)
	lo := make([]float32, outN)
	nan := make([]bool, outN)
	seen := make([]bool, outN)

	idx := make([]int, rank)
	off := 0
	for _, v := range x.Data {
		switch {
		case v != v:
			nan[off] = true
		case !seen[off]:
			hi[off], lo[off] = v, v
			seen[off] = true
		case v > hi[off]:
			hi[off] = v
		case v < lo[off]:
			lo[off] = v
		}

		for d := rank - 1; d >= 0; d-- {
			idx[d]++
			off += ostr[d]
			if idx[d] < x.Shape[d] {
				break
			}
			off -= ostr[d] * x.Shape[d]
			idx[d] = 0
		}
	}

	out := make([]float32, outN)
	for i := range out {
		if nan[i] {
			out[i] = float32(math.NaN())
			continue
		}
		out[i] = absMax(hi[i], lo[i])
	}

	shape := kept
	if !keepdims {
		shape = make([]int, 0, rank)
		for i, d := range x.Shape {
			if !isReduced[i] {
				shape = append(shape, d)
			}
		}
	}
	if squeezeScalar && outN == 1 {
		shape = []int{}
	}
	return &tensor.Tensor{
		Shape:  shape,
		DType:  tensor.DTypeF32,
		Device: x.Device,
		Data:   out,
	}, nil
}

// amaxOf is the full-tensor reduction.
func amaxOf(data []float32) float32 {
	if len(data) == 0 {
		return 0
	}
	var hi, lo float32
	seen := false
	for _, v := range data {
		if v != v {
			return float32(math.NaN())
		}
		if !seen {
			hi, lo = v, v
			seen = true
			continue
		}
		if v > hi {
			hi = v
		} else if v < lo {
			lo = v
		}
	}
	return absMax(hi, lo)
}

func absMax(hi, lo float32) float32 {
	if hi < 0 {
		hi = -hi
	}
	if lo < 0 {
		lo = -lo
	}
	if lo > hi {
		return lo
	}
	return hi
}

// divide returns t / d elementwise.
func divide(t *tensor.Tensor, d float32) *tensor.Tensor {
	out := t.Clone()
	out.DType = tensor.DTypeF32
	for i, v := range out.Data {
		out.Data[i] = v / d
	}
	return out
}
