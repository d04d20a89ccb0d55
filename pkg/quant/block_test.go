package quant

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/samcharles93/ptq/pkg/tensor"
)

func TestParseBlockSizes(t *testing.T) {
	t.Parallel()
	b, err := ParseBlockSizes("-1:128, -2:64")
	require.NoError(t, err)
	require.Equal(t, BlockSizes{{Dim: -1, Size: 128}, {Dim: -2, Size: 64}}, b)
	require.Equal(t, "-1:128,-2:64", b.String())

	b, err = ParseBlockSizes("")
	require.NoError(t, err)
	require.Nil(t, b)

	for _, bad := range []string{"128", "a:1", "-1:x"} {
		_, err := ParseBlockSizes(bad)
		require.ErrorIs(t, err, ErrConfiguration, bad)
	}
}

func TestBlockSizesNormalize(t *testing.T) {
	t.Parallel()
	nb, err := BlockSizes{{-1, 4}, {0, 2}}.Normalize(3)
	require.NoError(t, err)
	require.Equal(t, BlockSizes{{2, 4}, {0, 2}}, nb)

	_, err = BlockSizes{{-1, 4}, {2, 2}}.Normalize(3)
	require.ErrorIs(t, err, ErrConfiguration)

	_, err = BlockSizes{{0, 0}}.Normalize(1)
	require.ErrorIs(t, err, ErrConfiguration)

	_, err = BlockSizes{{3, 2}}.Normalize(3)
	require.ErrorIs(t, err, ErrConfiguration)
}

func TestReduceBlockPadding(t *testing.T) {
	t.Parallel()
	x := tensor.Full(1, 5, 130)

	padded, err := ReduceBlockPadding(x, BlockSizes{{-1, 128}}, 0)
	require.NoError(t, err)
	require.Equal(t, []int{5, 256}, padded.Shape)
	require.Equal(t, float32(1), padded.At(4, 129))
	require.Equal(t, float32(0), padded.At(4, 130))
	require.Equal(t, float32(0), padded.At(0, 255))
	require.Equal(t, []int{5, 130}, x.Shape)

	// dims are padded independently
	y := tensor.Full(2, 3, 5)
	padded, err = ReduceBlockPadding(y, BlockSizes{{0, 2}, {1, 4}}, -1)
	require.NoError(t, err)
	require.Equal(t, []int{4, 8}, padded.Shape)
	require.Equal(t, float32(2), padded.At(2, 4))
	require.Equal(t, float32(-1), padded.At(3, 0))
	require.Equal(t, float32(-1), padded.At(0, 5))

	// already aligned
	z := tensor.Full(3, 2, 4)
	padded, err = ReduceBlockPadding(z, BlockSizes{{1, 4}}, 0)
	require.NoError(t, err)
	require.Equal(t, z.Shape, padded.Shape)
	require.NotSame(t, z, padded)
}

func TestReduceBlockAmax(t *testing.T) {
	t.Parallel()
	// 4x6 grid with a known maximum in each 2x3 block.
	x := tensor.Zeros(4, 6)
	set := func(r, c int, v float32) { x.Data[r*6+c] = v }
	set(1, 2, -5) // block (0,0)
	set(0, 4, 3)  // block (0,1)
	set(3, 0, 2)  // block (1,0)
	set(2, 5, -9) // block (1,1)

	amax, err := ReduceBlockAmax(x, BlockSizes{{-1, 3}, {-2, 2}})
	require.NoError(t, err)
	require.Equal(t, []int{2, 2}, amax.Shape)
	require.Equal(t, []float32{5, 3, 2, 9}, amax.Data)

	// map order does not change the result for max
	amax2, err := ReduceBlockAmax(x, BlockSizes{{0, 2}, {1, 3}})
	require.NoError(t, err)
	require.Equal(t, amax.Data, amax2.Data)

	// single dim keeps the other
	rows, err := ReduceBlockAmax(x, BlockSizes{{-1, 3}})
	require.NoError(t, err)
	require.Equal(t, []int{4, 2}, rows.Shape)
	require.Equal(t, []float32{0, 3, 5, 0, 0, 9, 2, 0}, rows.Data)
}

func TestReduceBlockAmaxNotDivisible(t *testing.T) {
	t.Parallel()
	_, err := ReduceBlockAmax(tensor.Zeros(5, 130), BlockSizes{{-1, 128}})
	require.ErrorIs(t, err, ErrShape)

	var se *ShapeError
	require.True(t, errors.As(err, &se))
	require.Contains(t, se.Error(), "not divisible by 128")
}

func TestExpandBlocks(t *testing.T) {
	t.Parallel()
	s := tensor.MustNew([]int{2, 2}, []float32{1, 2, 3, 4})

	cols, err := ExpandBlocks(s, BlockSizes{{-1, 3}})
	require.NoError(t, err)
	require.Equal(t, []int{2, 6}, cols.Shape)
	require.Equal(t, []float32{1, 1, 1, 2, 2, 2, 3, 3, 3, 4, 4, 4}, cols.Data)

	both, err := ExpandBlocks(s, BlockSizes{{0, 2}, {1, 2}})
	require.NoError(t, err)
	require.Equal(t, []int{4, 4}, both.Shape)
	require.Equal(t, []float32{
		1, 1, 2, 2,
		1, 1, 2, 2,
		3, 3, 4, 4,
		3, 3, 4, 4,
	}, both.Data)
}

func TestExpandInvertsBlockAmax(t *testing.T) {
	t.Parallel()
	x := tensor.Zeros(4, 8)
	for i := range x.Data {
		x.Data[i] = float32(i%7) - 3
	}
	blocks := BlockSizes{{-1, 4}, {-2, 2}}
	amax, err := ReduceBlockAmax(x, blocks)
	require.NoError(t, err)
	full, err := ExpandBlocks(amax, blocks)
	require.NoError(t, err)
	require.Equal(t, x.Shape, full.Shape)
	for i, v := range x.Data {
		a := v
		if a < 0 {
			a = -a
		}
		require.LessOrEqual(t, a, full.Data[i])
	}
}
