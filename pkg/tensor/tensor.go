// Package tensor provides the dense N-dimensional float tensor used by the
// quantization and calibration packages.
//
// Tensors are row-major and always hold their values as float32. The DType
// records the precision the values are representable in; casting to a
// narrower DType rounds the stored values accordingly.
package tensor

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// Device identifies where a tensor lives.
type Device string

const (
	DeviceCPU Device = "cpu"

	// DeviceMeta tensors carry a shape but no data. They are produced by
	// dry-run tracing and are skipped by statistics collection.
	DeviceMeta Device = "meta"
)

var (
	ErrShapeMismatch = errors.New("tensor: shape mismatch")
	ErrInvalidShape  = errors.New("tensor: invalid shape")
	ErrAxis          = errors.New("tensor: axis out of range")
	ErrMeta          = errors.New("tensor: meta tensor has no data")
)

// Tensor is a dense row-major array of float32 values.
//
// Operations in this module treat tensors as immutable inputs and return new
// tensors. Reshape is the only operation that shares the backing slice.
type Tensor struct {
	Shape  []int
	DType  DType
	Device Device
	Data   []float32
}

// New wraps data in a tensor of the given shape. The data slice is not copied.
func New(shape []int, data []float32) (*Tensor, error) {
	n, err := NumElements(shape)
	if err != nil {
		return nil, err
	}
	if len(data) != n {
		return nil, fmt.Errorf("%w: %d values for shape %s", ErrShapeMismatch, len(data), FormatShape(shape))
	}
	return &Tensor{
		Shape:  cloneInts(shape),
		DType:  DTypeF32,
		Device: DeviceCPU,
		Data:   data,
	}, nil
}

// MustNew is New for literals in tests and examples. It panics on error.
func MustNew(shape []int, data []float32) *Tensor {
	t, err := New(shape, data)
	if err != nil {
		panic(err)
	}
	return t
}

// Zeros allocates a zero-filled f32 tensor.
func Zeros(shape ...int) *Tensor {
	n, err := NumElements(shape)
	if err != nil {
		panic(err)
	}
	return &Tensor{
		Shape:  cloneInts(shape),
		DType:  DTypeF32,
		Device: DeviceCPU,
		Data:   make([]float32, n),
	}
}

// Full allocates a tensor with every element set to v.
func Full(v float32, shape ...int) *Tensor {
	t := Zeros(shape...)
	for i := range t.Data {
		t.Data[i] = v
	}
	return t
}

// Scalar returns a 0-dimensional tensor holding v.
func Scalar(v float32) *Tensor {
	return &Tensor{
		Shape:  []int{},
		DType:  DTypeF32,
		Device: DeviceCPU,
		Data:   []float32{v},
	}
}

// Meta returns a placeholder tensor without data.
func Meta(shape ...int) *Tensor {
	return &Tensor{
		Shape:  cloneInts(shape),
		DType:  DTypeF32,
		Device: DeviceMeta,
	}
}

func (t *Tensor) Rank() int { return len(t.Shape) }

// Numel returns the number of elements described by the shape.
func (t *Tensor) Numel() int {
	n := 1
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

func (t *Tensor) IsMeta() bool { return t.Device == DeviceMeta }

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	out := &Tensor{
		Shape:  cloneInts(t.Shape),
		DType:  t.DType,
		Device: t.Device,
	}
	if t.Data != nil {
		out.Data = make([]float32, len(t.Data))
		copy(out.Data, t.Data)
	}
	return out
}

// Reshape returns a view with a new shape over the same data.
func (t *Tensor) Reshape(shape ...int) (*Tensor, error) {
	n, err := NumElements(shape)
	if err != nil {
		return nil, err
	}
	if n != t.Numel() {
		return nil, fmt.Errorf("%w: cannot reshape %s to %s", ErrShapeMismatch, FormatShape(t.Shape), FormatShape(shape))
	}
	return &Tensor{
		Shape:  cloneInts(shape),
		DType:  t.DType,
		Device: t.Device,
		Data:   t.Data,
	}, nil
}

// Cast returns a copy rounded to the precision of dt.
func (t *Tensor) Cast(dt DType) *Tensor {
	out := t.Clone()
	out.DType = dt
	for i, v := range out.Data {
		out.Data[i] = dt.Round(v)
	}
	return out
}

// At returns the element at the given multi-index.
func (t *Tensor) At(idx ...int) float32 {
	if len(idx) != len(t.Shape) {
		panic("tensor: index rank mismatch")
	}
	off := 0
	for i, v := range idx {
		if v < 0 || v >= t.Shape[i] {
			panic("tensor: index out of range")
		}
		off = off*t.Shape[i] + v
	}
	return t.Data[off]
}

// Item returns the value of a single-element tensor.
func (t *Tensor) Item() float32 {
	if len(t.Data) != 1 {
		panic("tensor: Item on tensor with more than one element")
	}
	return t.Data[0]
}

// HasNaN reports whether any element is NaN.
func (t *Tensor) HasNaN() bool {
	for _, v := range t.Data {
		if v != v {
			return true
		}
	}
	return false
}

// HasInf reports whether any element is +Inf or -Inf.
func (t *Tensor) HasInf() bool {
	for _, v := range t.Data {
		if math.IsInf(float64(v), 0) {
			return true
		}
	}
	return false
}

// HasNegative reports whether any element is below zero.
func (t *Tensor) HasNegative() bool {
	for _, v := range t.Data {
		if v < 0 {
			return true
		}
	}
	return false
}

// Pad appends amount trailing elements filled with value along dim.
func (t *Tensor) Pad(dim, amount int, value float32) (*Tensor, error) {
	if t.IsMeta() {
		return nil, ErrMeta
	}
	if dim < 0 || dim >= t.Rank() {
		return nil, fmt.Errorf("%w: dim %d for rank %d", ErrAxis, dim, t.Rank())
	}
	if amount < 0 {
		return nil, fmt.Errorf("%w: negative pad %d", ErrInvalidShape, amount)
	}
	if amount == 0 {
		return t.Clone(), nil
	}

	outer, mid, inner := SplitAt(t.Shape, dim)
	shape := cloneInts(t.Shape)
	shape[dim] += amount
	out := &Tensor{
		Shape:  shape,
		DType:  t.DType,
		Device: t.Device,
		Data:   make([]float32, outer*(mid+amount)*inner),
	}

	src := mid * inner
	dst := (mid + amount) * inner
	for o := 0; o < outer; o++ {
		copy(out.Data[o*dst:o*dst+src], t.Data[o*src:(o+1)*src])
		fill := out.Data[o*dst+src : (o+1)*dst]
		for i := range fill {
			fill[i] = value
		}
	}
	return out, nil
}

// SliceTo returns the leading sub-box of t with the given shape, i.e. the
// elements whose index along every dim is below shape[dim].
func (t *Tensor) SliceTo(shape []int) (*Tensor, error) {
	if t.IsMeta() {
		return nil, ErrMeta
	}
	if len(shape) != t.Rank() {
		return nil, fmt.Errorf("%w: slice %s of %s", ErrShapeMismatch, FormatShape(shape), FormatShape(t.Shape))
	}
	same := true
	for i, d := range shape {
		if d < 0 || d > t.Shape[i] {
			return nil, fmt.Errorf("%w: slice %s of %s", ErrShapeMismatch, FormatShape(shape), FormatShape(t.Shape))
		}
		if d != t.Shape[i] {
			same = false
		}
	}
	if same {
		return t.Clone(), nil
	}

	n, err := NumElements(shape)
	if err != nil {
		return nil, err
	}
	out := &Tensor{
		Shape:  cloneInts(shape),
		DType:  t.DType,
		Device: t.Device,
		Data:   make([]float32, 0, n),
	}

	rank := t.Rank()
	strides := Strides(t.Shape)
	rowLen := shape[rank-1]
	idx := make([]int, rank-1)
	for {
		off := 0
		for i, v := range idx {
			off += v * strides[i]
		}
		out.Data = append(out.Data, t.Data[off:off+rowLen]...)

		// odometer over the leading dims
		i := rank - 2
		for ; i >= 0; i-- {
			idx[i]++
			if idx[i] < shape[i] {
				break
			}
			idx[i] = 0
		}
		if i < 0 {
			break
		}
	}
	return out, nil
}

// Transpose2D returns the transpose of a rank-2 tensor.
func (t *Tensor) Transpose2D() (*Tensor, error) {
	if t.Rank() != 2 {
		return nil, fmt.Errorf("%w: transpose needs rank 2, got %s", ErrInvalidShape, FormatShape(t.Shape))
	}
	r, c := t.Shape[0], t.Shape[1]
	out := &Tensor{
		Shape:  []int{c, r},
		DType:  t.DType,
		Device: t.Device,
	}
	if t.IsMeta() {
		return out, nil
	}
	out.Data = make([]float32, r*c)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			out.Data[j*r+i] = t.Data[i*c+j]
		}
	}
	return out, nil
}

func (t *Tensor) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Tensor(%s, %s", FormatShape(t.Shape), t.DType)
	if t.IsMeta() {
		b.WriteString(", meta)")
		return b.String()
	}
	const preview = 8
	b.WriteString(", [")
	for i, v := range t.Data {
		if i == preview {
			b.WriteString(" ...")
			break
		}
		if i > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%g", v)
	}
	b.WriteString("])")
	return b.String()
}

// SplitAt returns the element counts before, at and after dim.
func SplitAt(shape []int, dim int) (outer, mid, inner int) {
	outer, inner = 1, 1
	for i := 0; i < dim; i++ {
		outer *= shape[i]
	}
	for i := dim + 1; i < len(shape); i++ {
		inner *= shape[i]
	}
	return outer, shape[dim], inner
}

func cloneInts(s []int) []int {
	out := make([]int, len(s))
	copy(out, s)
	return out
}
