// Package quant implements block-wise and axis-wise tensor quantization.
//
// A Codec converts a float tensor into a packed low-precision payload plus a
// scale tensor, and reconstructs an approximation from the two. Scales are
// derived as amax / divisor, where amax comes from ReduceAmax (axis mode) or
// ReduceBlockAmax (block mode).
package quant

import (
	"fmt"
	"math"
	"slices"

	"github.com/samcharles93/ptq/pkg/tensor"
)

// Format names a quantized element encoding.
type Format string

const (
	FormatFP8E4M3 Format = "fp8-e4m3"
	FormatInt8    Format = "int8"
	FormatInt4    Format = "int4"
)

// Granularity labels how scales map onto elements.
func Granularity(opts Options) string {
	switch {
	case len(opts.Blocks) > 0:
		return "block"
	case opts.Axis == nil:
		return "tensor"
	default:
		return "axis"
	}
}

// AmaxReducer computes the amax a codec derives scales from when none are
// supplied. With blocks set it receives the padded tensor. Axes are the
// dimensions to reduce.
type AmaxReducer func(x *tensor.Tensor, axes []int, blocks BlockSizes) (*tensor.Tensor, error)

// DefaultReducer is the reducer used when Options.Reducer is nil.
func DefaultReducer(x *tensor.Tensor, axes []int, blocks BlockSizes) (*tensor.Tensor, error) {
	if len(blocks) > 0 {
		return ReduceBlockAmax(x, blocks)
	}
	return ReduceAmax(x, axes, true, false)
}

// Options selects the quantization granularity.
//
// Axis and Blocks are mutually exclusive. Axis lists the dimensions reduced to
// obtain the amax; nil reduces every dimension (per-tensor scale). Scales, if
// set, replace the computed scales and must match the granularity's shape.
type Options struct {
	Scales  *tensor.Tensor
	Axis    []int
	Blocks  BlockSizes
	Reducer AmaxReducer
}

// QuantizedTensor is a packed quantized payload. Shape and DType describe the
// original tensor; PaddedShape is the layout of the encoded elements.
type QuantizedTensor struct {
	Shape       []int
	DType       tensor.DType
	Format      Format
	PaddedShape []int
	Data        []byte
}

// Numel returns the number of encoded elements, padding included.
func (q *QuantizedTensor) Numel() int {
	n := 1
	for _, d := range q.PaddedShape {
		n *= d
	}
	return n
}

func (q *QuantizedTensor) String() string {
	return fmt.Sprintf("QuantizedTensor(%s, %s, padded=%s, %d bytes)",
		q.Format, tensor.FormatShape(q.Shape), tensor.FormatShape(q.PaddedShape), len(q.Data))
}

// Codec quantizes and dequantizes tensors in one format.
type Codec interface {
	Format() Format
	BitsPerElement() int
	// Divisor maps an amax to a scale: scale = amax / Divisor.
	Divisor() float32
	// Step is the spacing of representable values around v, in quantized units.
	Step(v float32) float32
	Quantize(x *tensor.Tensor, opts Options) (*QuantizedTensor, *tensor.Tensor, error)
	Dequantize(q *QuantizedTensor, dtype tensor.DType, scale *tensor.Tensor, blocks BlockSizes) (*tensor.Tensor, error)
}

type elementCodec interface {
	encode(dst []byte, src []float32)
	decode(dst []float32, src []byte)
	packedLen(n int) int
}

// scaledCodec is the scale/pad/expand pipeline shared by every format.
type scaledCodec struct {
	format  Format
	bits    int
	divisor float32
	step    func(float32) float32
	elem    elementCodec
}

// NewFP8E4M3 returns the float8 e4m3fn codec. Its divisor is fixed at 448.
func NewFP8E4M3() Codec {
	return &scaledCodec{format: FormatFP8E4M3, bits: 8, divisor: E4M3Max, step: e4m3Step, elem: fp8E4M3{}}
}

// NewInt8 returns the symmetric int8 codec.
func NewInt8() Codec {
	return &scaledCodec{format: FormatInt8, bits: 8, divisor: Int8Max, step: unitStep, elem: int8Elem{}}
}

// NewInt4 returns the symmetric int4 codec, two elements per byte.
func NewInt4() Codec {
	return &scaledCodec{format: FormatInt4, bits: 4, divisor: Int4Max, step: unitStep, elem: int4Elem{}}
}

func unitStep(float32) float32 { return 1 }

func (c *scaledCodec) Format() Format         { return c.format }
func (c *scaledCodec) BitsPerElement() int    { return c.bits }
func (c *scaledCodec) Divisor() float32       { return c.divisor }
func (c *scaledCodec) Step(v float32) float32 { return c.step(v) }

func (c *scaledCodec) Quantize(x *tensor.Tensor, opts Options) (*QuantizedTensor, *tensor.Tensor, error) {
	if x == nil {
		return nil, nil, configErr("quantize: nil tensor")
	}
	if x.IsMeta() {
		return nil, nil, wrapConfig("quantize", tensor.ErrMeta)
	}
	if opts.Axis != nil && len(opts.Blocks) > 0 {
		return nil, nil, configErr("quantize: axis and block sizes cannot both be set")
	}
	reducer := opts.Reducer
	if reducer == nil {
		reducer = DefaultReducer
	}

	var (
		padded   *tensor.Tensor
		scales   *tensor.Tensor
		expanded *tensor.Tensor
		err      error
	)
	if len(opts.Blocks) > 0 {
		blocks, err := opts.Blocks.Normalize(x.Rank())
		if err != nil {
			return nil, nil, err
		}
		if padded, err = ReduceBlockPadding(x, blocks, 0); err != nil {
			return nil, nil, err
		}
		want, err := blocks.ScaleShape(padded.Shape)
		if err != nil {
			return nil, nil, err
		}
		if scales, err = c.resolveScales(padded, opts.Scales, nil, blocks, reducer); err != nil {
			return nil, nil, err
		}
		if !tensor.ShapeEqual(scales.Shape, want) {
			return nil, nil, &ShapeError{Op: "quantize", Got: scales.Shape, Want: want}
		}
		if expanded, err = ExpandBlocks(scales, blocks); err != nil {
			return nil, nil, err
		}
	} else {
		padded = x
		if scales, err = c.resolveScales(x, opts.Scales, opts.Axis, nil, reducer); err != nil {
			return nil, nil, err
		}
		if expanded, err = broadcastTo(scales, x.Shape); err != nil {
			return nil, nil, err
		}
	}

	vals := make([]float32, len(padded.Data))
	for i, v := range padded.Data {
		if s := expanded.Data[i]; s != 0 {
			vals[i] = v / s
		}
	}
	q := &QuantizedTensor{
		Shape:       append([]int(nil), x.Shape...),
		DType:       x.DType,
		Format:      c.format,
		PaddedShape: append([]int(nil), padded.Shape...),
		Data:        make([]byte, c.elem.packedLen(len(vals))),
	}
	c.elem.encode(q.Data, vals)
	return q, scales, nil
}

// resolveScales validates caller-supplied scales or derives them from amax.
func (c *scaledCodec) resolveScales(x, given *tensor.Tensor, axes []int, blocks BlockSizes, reducer AmaxReducer) (*tensor.Tensor, error) {
	if given != nil {
		if given.IsMeta() {
			return nil, wrapConfig("scales", tensor.ErrMeta)
		}
		for _, s := range given.Data {
			if s < 0 || s != s || math.IsInf(float64(s), 1) {
				return nil, configErr("scales must be finite and non-negative, got %g", s)
			}
		}
		return given.Clone(), nil
	}
	amax, err := reducer(x, axes, blocks)
	if err != nil {
		return nil, err
	}
	// An infinite amax would quantize every finite element of its slice to
	// zero and dequantize it as 0*Inf = NaN.
	if n := countInf(amax.Data); n > 0 {
		return nil, configErr("amax is infinite for %d of %d scale elements; clip the input or pass explicit scales", n, len(amax.Data))
	}
	return divide(amax, c.divisor), nil
}

func countInf(vals []float32) int {
	n := 0
	for _, v := range vals {
		if math.IsInf(float64(v), 0) {
			n++
		}
	}
	return n
}

func (c *scaledCodec) Dequantize(q *QuantizedTensor, dtype tensor.DType, scale *tensor.Tensor, blocks BlockSizes) (*tensor.Tensor, error) {
	if q == nil {
		return nil, configErr("dequantize: nil quantized tensor")
	}
	if scale == nil {
		return nil, configErr("dequantize: scale is required")
	}
	if q.Format != c.format {
		return nil, configErr("dequantize: %s payload given to %s codec", q.Format, c.format)
	}
	if len(q.PaddedShape) != len(q.Shape) {
		return nil, &ShapeError{Op: "dequantize", Got: q.PaddedShape, Want: q.Shape, Msg: "padded rank differs from original rank"}
	}
	n := q.Numel()
	if len(q.Data) != c.elem.packedLen(n) {
		return nil, &ShapeError{
			Op:  "dequantize",
			Got: q.PaddedShape,
			Msg: fmt.Sprintf("payload holds %d bytes, %s needs %d", len(q.Data), c.format, c.elem.packedLen(n)),
		}
	}

	var (
		expanded *tensor.Tensor
		err      error
	)
	if len(blocks) > 0 {
		nb, err := blocks.Normalize(len(q.PaddedShape))
		if err != nil {
			return nil, err
		}
		want, err := nb.ScaleShape(q.PaddedShape)
		if err != nil {
			return nil, err
		}
		if !tensor.ShapeEqual(scale.Shape, want) {
			return nil, &ShapeError{Op: "dequantize", Got: scale.Shape, Want: want}
		}
		if expanded, err = ExpandBlocks(scale, nb); err != nil {
			return nil, err
		}
	} else if expanded, err = broadcastTo(scale, q.PaddedShape); err != nil {
		return nil, err
	}

	out := &tensor.Tensor{
		Shape:  append([]int(nil), q.PaddedShape...),
		DType:  tensor.DTypeF32,
		Device: tensor.DeviceCPU,
		Data:   make([]float32, n),
	}
	if dtype == tensor.DTypeUnknown {
		dtype = q.DType
	}
	// Decoded values and scales are cast to dtype before the multiply, and
	// the product is rounded to dtype again.
	c.elem.decode(out.Data, q.Data)
	for i, v := range out.Data {
		out.Data[i] = dtype.Round(dtype.Round(v) * dtype.Round(expanded.Data[i]))
	}
	out.DType = dtype
	res, err := out.SliceTo(q.Shape)
	if err != nil {
		return nil, &ShapeError{Op: "dequantize", Got: q.PaddedShape, Want: q.Shape, Msg: err.Error()}
	}
	return res, nil
}

// broadcastTo expands s to shape. s must be 0-d, hold one element, or have the
// same rank with every dim equal to the target or 1.
func broadcastTo(s *tensor.Tensor, shape []int) (*tensor.Tensor, error) {
	if s.IsMeta() {
		return nil, wrapConfig("scales", tensor.ErrMeta)
	}
	n, err := tensor.NumElements(shape)
	if err != nil {
		return nil, wrapConfig("broadcast", err)
	}
	out := &tensor.Tensor{
		Shape:  append([]int(nil), shape...),
		DType:  s.DType,
		Device: s.Device,
		Data:   make([]float32, n),
	}
	if len(s.Data) == 1 && (s.Rank() == 0 || s.Rank() == len(shape)) {
		v := s.Data[0]
		for i := range out.Data {
			out.Data[i] = v
		}
		return out, nil
	}
	if s.Rank() != len(shape) {
		return nil, &ShapeError{Op: "broadcast scales", Got: s.Shape, Want: shape}
	}
	for i, d := range s.Shape {
		if d != shape[i] && d != 1 {
			return nil, &ShapeError{Op: "broadcast scales", Got: s.Shape, Want: shape}
		}
	}

	str := tensor.Strides(s.Shape)
	for i, d := range s.Shape {
		if d == 1 {
			str[i] = 0
		}
	}
	rank := len(shape)
	idx := make([]int, rank)
	off := 0
	for i := range out.Data {
		out.Data[i] = s.Data[off]
		for d := rank - 1; d >= 0; d-- {
			idx[d]++
			off += str[d]
			if idx[d] < shape[d] {
				break
			}
			off -= str[d] * shape[d]
			idx[d] = 0
		}
	}
	return out, nil
}

// ReduceAxes converts the dimensions that keep their own scale into the
// dimensions Options.Axis reduces. A nil keep stays nil (per-tensor).
func ReduceAxes(keep []int, rank int) ([]int, error) {
	if keep == nil {
		return nil, nil
	}
	k, err := tensor.NormalizeAxes(keep, rank)
	if err != nil {
		return nil, wrapConfig("axis", err)
	}
	return tensor.ComplementAxes(k, rank), nil
}

// ScaleCount returns how many scale elements Quantize produces for a tensor
// of shape under opts. Blocks count partial blocks as full ones.
func ScaleCount(shape []int, opts Options) (int, error) {
	if opts.Axis != nil && len(opts.Blocks) > 0 {
		return 0, configErr("scale count: axis and block sizes cannot both be set")
	}
	if len(opts.Blocks) > 0 {
		padded, err := opts.Blocks.PaddedShape(shape)
		if err != nil {
			return 0, err
		}
		ss, err := opts.Blocks.ScaleShape(padded)
		if err != nil {
			return 0, err
		}
		n, err := tensor.NumElements(ss)
		if err != nil {
			return 0, wrapConfig("scale count", err)
		}
		return n, nil
	}
	if opts.Axis == nil {
		return 1, nil
	}
	reduced, err := tensor.NormalizeAxes(opts.Axis, len(shape))
	if err != nil {
		return 0, wrapConfig("scale count", err)
	}
	n := 1
	for i, d := range shape {
		if !slices.Contains(reduced, i) {
			n *= d
		}
	}
	return n, nil
}

// EffectiveBits returns the storage cost per element of quantizing a tensor
// of shape under opts, counting 32 bits for every scale element.
func EffectiveBits(c Codec, shape []int, opts Options) (float64, error) {
	n, err := tensor.NumElements(shape)
	if err != nil {
		return 0, wrapConfig("effective bits", err)
	}
	scales, err := ScaleCount(shape, opts)
	if err != nil {
		return 0, err
	}
	return float64(c.BitsPerElement()) + 32*float64(scales)/float64(n), nil
}
