package quant

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/samcharles93/ptq/pkg/tensor"
)

// Block assigns a block size to one dimension. Dim may be negative.
type Block struct {
	Dim  int
	Size int
}

// BlockSizes is an ordered block map. Reductions are applied in slice order.
type BlockSizes []Block

// ParseBlockSizes parses "-1:128" or "-1:128,-2:128".
func ParseBlockSizes(s string) (BlockSizes, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make(BlockSizes, 0, len(parts))
	for _, p := range parts {
		dimStr, sizeStr, ok := strings.Cut(strings.TrimSpace(p), ":")
		if !ok {
			return nil, configErr("block sizes: expected dim:size, got %q", p)
		}
		dim, err := strconv.Atoi(strings.TrimSpace(dimStr))
		if err != nil {
			return nil, configErr("block sizes: bad dim %q", dimStr)
		}
		size, err := strconv.Atoi(strings.TrimSpace(sizeStr))
		if err != nil {
			return nil, configErr("block sizes: bad size %q", sizeStr)
		}
		out = append(out, Block{Dim: dim, Size: size})
	}
	return out, nil
}

func (b BlockSizes) String() string {
	parts := make([]string, len(b))
	for i, blk := range b {
		parts[i] = fmt.Sprintf("%d:%d", blk.Dim, blk.Size)
	}
	return strings.Join(parts, ",")
}

// Normalize resolves negative dims against rank and validates sizes and
// uniqueness. Order is preserved.
func (b BlockSizes) Normalize(rank int) (BlockSizes, error) {
	if len(b) == 0 {
		return nil, nil
	}
	out := make(BlockSizes, 0, len(b))
	for _, blk := range b {
		if blk.Size <= 0 {
			return nil, configErr("block size %d for dim %d must be positive", blk.Size, blk.Dim)
		}
		dim, err := tensor.NormalizeAxis(blk.Dim, rank)
		if err != nil {
			return nil, wrapConfig("block sizes", err)
		}
		for _, prev := range out {
			if prev.Dim == dim {
				return nil, configErr("block sizes: dim %d given twice", blk.Dim)
			}
		}
		out = append(out, Block{Dim: dim, Size: blk.Size})
	}
	return out, nil
}

// PaddedShape returns shape with every blocked dim rounded up to a multiple
// of its block size.
func (b BlockSizes) PaddedShape(shape []int) ([]int, error) {
	nb, err := b.Normalize(len(shape))
	if err != nil {
		return nil, err
	}
	out := append([]int(nil), shape...)
	for _, blk := range nb {
		if r := out[blk.Dim] % blk.Size; r != 0 {
			out[blk.Dim] += blk.Size - r
		}
	}
	return out, nil
}

// ScaleShape returns the block-reduced shape for an already padded shape.
// A blocked dim that is not divisible by its block size is a ShapeError.
func (b BlockSizes) ScaleShape(shape []int) ([]int, error) {
	nb, err := b.Normalize(len(shape))
	if err != nil {
		return nil, err
	}
	out := append([]int(nil), shape...)
	for _, blk := range nb {
		if shape[blk.Dim]%blk.Size != 0 {
			return nil, &ShapeError{
				Op:  "block",
				Got: shape,
				Msg: fmt.Sprintf("tensor dimension %d of size %d is not divisible by %d", blk.Dim, shape[blk.Dim], blk.Size),
			}
		}
		out[blk.Dim] = shape[blk.Dim] / blk.Size
	}
	return out, nil
}

// ReduceBlockPadding pads x with trailing padValue entries so that every
// blocked dim is a multiple of its block size. Dims are padded independently.
func ReduceBlockPadding(x *tensor.Tensor, blocks BlockSizes, padValue float32) (*tensor.Tensor, error) {
	nb, err := blocks.Normalize(x.Rank())
	if err != nil {
		return nil, err
	}
	out := x
	for _, blk := range nb {
		r := out.Shape[blk.Dim] % blk.Size
		if r == 0 {
			continue
		}
		out, err = out.Pad(blk.Dim, blk.Size-r, padValue)
		if err != nil {
			return nil, wrapConfig("block padding", err)
		}
	}
	if out == x {
		return x.Clone(), nil
	}
	return out, nil
}

// ReduceBlockAmax computes the amax of every block. For each (dim, size) in
// order, dim S is viewed as (S/size, size) and the inner axis is reduced, so
// the result has every blocked dim divided by its block size.
//
// Example: [256 512] with {-1:128, -2:128} -> [256 4 128] -> [256 4]
// -> [2 128 4] -> [2 4].
//
// x must already be padded; a non-divisible dim is a ShapeError.
func ReduceBlockAmax(x *tensor.Tensor, blocks BlockSizes) (*tensor.Tensor, error) {
	if x.IsMeta() {
		return nil, wrapConfig("block amax", tensor.ErrMeta)
	}
	nb, err := blocks.Normalize(x.Rank())
	if err != nil {
		return nil, err
	}
	if _, err := nb.ScaleShape(x.Shape); err != nil {
		return nil, err
	}

	amax := x
	for _, blk := range nb {
		dim := blk.Dim
		shape := make([]int, 0, amax.Rank()+1)
		shape = append(shape, amax.Shape[:dim]...)
		shape = append(shape, amax.Shape[dim]/blk.Size, blk.Size)
		shape = append(shape, amax.Shape[dim+1:]...)

		view, err := amax.Reshape(shape...)
		if err != nil {
			return nil, wrapConfig("block amax", err)
		}
		amax, err = ReduceAmax(view, []int{dim + 1}, false, false)
		if err != nil {
			return nil, err
		}
	}
	if amax == x {
		// no blocks: elementwise |x|
		return ReduceAmax(x, []int{}, true, false)
	}
	return amax, nil
}

// ExpandBlocks tiles scales back to full resolution: along every blocked dim
// each scale element is repeated size times contiguously. This is
// repeat-interleave, not broadcasting. Quantize and Dequantize both expand
// through this function.
func ExpandBlocks(scales *tensor.Tensor, blocks BlockSizes) (*tensor.Tensor, error) {
	nb, err := blocks.Normalize(scales.Rank())
	if err != nil {
		return nil, err
	}
	out := scales
	for _, blk := range nb {
		outer, mid, inner := tensor.SplitAt(out.Shape, blk.Dim)
		shape := append([]int(nil), out.Shape...)
		shape[blk.Dim] = mid * blk.Size
		data := make([]float32, outer*mid*blk.Size*inner)

		for o := 0; o < outer; o++ {
			for m := 0; m < mid; m++ {
				src := out.Data[(o*mid+m)*inner : (o*mid+m+1)*inner]
				for r := 0; r < blk.Size; r++ {
					dst := ((o*mid+m)*blk.Size + r) * inner
					copy(data[dst:dst+inner], src)
				}
			}
		}
		out = &tensor.Tensor{Shape: shape, DType: out.DType, Device: out.Device, Data: data}
	}
	if out == scales {
		return scales.Clone(), nil
	}
	return out, nil
}
