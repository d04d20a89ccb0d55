package calib

import (
	"errors"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/samcharles93/ptq/pkg/quant"
	"github.com/samcharles93/ptq/pkg/tensor"
)

type countingObserver struct {
	batches   int
	anomalies map[quant.AnomalyKind]int
}

func (o *countingObserver) ObserveBatch() { o.batches++ }

func (o *countingObserver) ObserveAnomaly(k quant.AnomalyKind) {
	if o.anomalies == nil {
		o.anomalies = make(map[quant.AnomalyKind]int)
	}
	o.anomalies[k]++
}

func batch(seed uint64, shape ...int) *tensor.Tensor {
	r := rand.New(rand.NewPCG(seed, 7))
	x := tensor.Zeros(shape...)
	for i := range x.Data {
		x.Data[i] = float32(r.NormFloat64())
	}
	return x
}

func TestCollectPerTensor(t *testing.T) {
	t.Parallel()
	c := NewMax(Config{})
	require.Equal(t, StateIdle, c.State())
	require.Nil(t, c.ComputeAmax())

	require.NoError(t, c.Collect(tensor.MustNew([]int{2, 2}, []float32{1, -3, 2, 0})))
	amax := c.ComputeAmax()
	require.Equal(t, []int{}, amax.Shape)
	require.Equal(t, float32(3), amax.Item())
	require.Equal(t, StateCollecting, c.State())

	require.NoError(t, c.Collect(tensor.MustNew([]int{2, 2}, []float32{0.5, 0, -5, 1})))
	require.Equal(t, float32(5), c.ComputeAmax().Item())
	require.Equal(t, 2, c.Batches())
}

func TestCollectKeptAxis(t *testing.T) {
	t.Parallel()
	c := NewMax(Config{Axis: []int{-1}})
	x := tensor.MustNew([]int{2, 3}, []float32{
		1, -2, 3,
		-4, 0.5, 1,
	})
	require.NoError(t, c.Collect(x))
	amax := c.ComputeAmax()
	require.Equal(t, []int{3}, amax.Shape)
	require.Equal(t, []float32{4, 2, 3}, amax.Data)
}

func TestCollectMonotonic(t *testing.T) {
	t.Parallel()
	c := NewMax(Config{Axis: []int{0}})
	var prev *tensor.Tensor
	for i := range 10 {
		require.NoError(t, c.Collect(batch(uint64(i), 4, 16)))
		cur := c.ComputeAmax()
		if prev != nil {
			for j := range cur.Data {
				require.GreaterOrEqual(t, cur.Data[j], prev.Data[j])
			}
		}
		prev = cur
	}

	// an all-zero batch never lowers the running amax
	require.NoError(t, c.Collect(tensor.Zeros(4, 16)))
	require.Equal(t, prev.Data, c.ComputeAmax().Data)
}

func TestComputeAmaxReturnsCopy(t *testing.T) {
	t.Parallel()
	c := NewMax(Config{})
	require.NoError(t, c.Collect(tensor.Full(2, 3)))
	a := c.ComputeAmax()
	a.Data[0] = 100
	require.Equal(t, float32(2), c.ComputeAmax().Item())
}

func TestCollectNaNLeavesStateUntouched(t *testing.T) {
	t.Parallel()
	obs := &countingObserver{}
	c := NewMax(Config{Axis: []int{1}, Observer: obs})
	require.NoError(t, c.Collect(tensor.Full(1, 2, 2)))
	before := c.ComputeAmax()

	bad := tensor.MustNew([]int{2, 2}, []float32{float32(math.NaN()), 9, 9, 9})
	err := c.Collect(bad)
	require.ErrorIs(t, err, quant.ErrNaNDetected)

	var ce *quant.CalibrationError
	require.True(t, errors.As(err, &ce))
	require.Equal(t, quant.AnomalyNaN, ce.Kind)
	require.True(t, ce.InInput)

	require.Equal(t, before.Data, c.ComputeAmax().Data)
	require.Equal(t, 1, obs.batches)
	require.Equal(t, 1, obs.anomalies[quant.AnomalyNaN])

	// the session stays failed until Reset
	err = c.Collect(tensor.Full(1, 2, 2))
	require.ErrorIs(t, err, ErrSessionFailed)
	require.ErrorIs(t, err, quant.ErrNaNDetected)

	c.Reset()
	require.NoError(t, c.Collect(tensor.Full(1, 2, 2)))
}

func TestCollectInf(t *testing.T) {
	t.Parallel()
	c := NewMax(Config{})
	err := c.Collect(tensor.MustNew([]int{2}, []float32{1, float32(math.Inf(-1))}))
	require.ErrorIs(t, err, quant.ErrInfDetected)
	require.True(t, quant.IsCalibration(err))
	require.Nil(t, c.ComputeAmax())
	require.Contains(t, err.Error(), "inf in original tensor: true")
}

func TestCollectShapeChange(t *testing.T) {
	t.Parallel()
	c := NewMax(Config{Axis: []int{-1}})
	require.NoError(t, c.Collect(tensor.Zeros(2, 4)))
	err := c.Collect(tensor.Zeros(2, 5))
	require.ErrorIs(t, err, quant.ErrState)
	require.Contains(t, err.Error(), "amax shape changed")
	require.Equal(t, []int{4}, c.ComputeAmax().Shape)
}

func TestCollectMetaIsNoop(t *testing.T) {
	t.Parallel()
	obs := &countingObserver{}
	c := NewMax(Config{Observer: obs})
	require.NoError(t, c.Collect(tensor.Meta(8, 8)))
	require.Nil(t, c.ComputeAmax())
	require.Equal(t, 0, obs.batches)
}

func TestCollectBadAxis(t *testing.T) {
	t.Parallel()
	c := NewMax(Config{Axis: []int{3}})
	err := c.Collect(tensor.Zeros(2, 2))
	require.ErrorIs(t, err, quant.ErrConfiguration)
}

func TestResetMatchesFresh(t *testing.T) {
	t.Parallel()
	c := NewMax(Config{Axis: []int{0}, TrackHistory: true})
	require.NoError(t, c.Collect(batch(1, 3, 8)))
	require.NoError(t, c.Collect(batch(2, 3, 8)))
	require.Len(t, c.History(), 2)

	c.Reset()
	require.Nil(t, c.ComputeAmax())
	require.Equal(t, StateIdle, c.State())
	require.Empty(t, c.History())

	x := batch(3, 3, 8)
	require.NoError(t, c.Collect(x))

	fresh := NewMax(Config{Axis: []int{0}})
	require.NoError(t, fresh.Collect(x))
	require.Equal(t, fresh.ComputeAmax().Data, c.ComputeAmax().Data)
}

func TestHistory(t *testing.T) {
	t.Parallel()
	c := NewMax(Config{TrackHistory: true, KeepHistoryOnReset: true})
	require.NoError(t, c.Collect(tensor.Full(1, 2)))
	require.NoError(t, c.Collect(tensor.Full(3, 2)))
	require.NoError(t, c.Collect(tensor.Full(2, 2)))

	h := c.History()
	require.Len(t, h, 3)
	require.Equal(t, float32(1), h[0].Item())
	require.Equal(t, float32(3), h[1].Item())
	require.Equal(t, float32(2), h[2].Item())
	require.Equal(t, float32(3), c.ComputeAmax().Item())

	c.Reset()
	require.Len(t, c.History(), 3)
}
