package quantizer

import (
	"context"
	"fmt"

	"github.com/samcharles93/ptq/pkg/quant"
	"github.com/samcharles93/ptq/pkg/tensor"
)

// QuantLinear is a linear layer whose input and weight pass through
// quantizers on every forward call.
type QuantLinear struct {
	Name   string
	Weight *tensor.Tensor // [out, in]
	Bias   *tensor.Tensor // [out] or nil

	Input       *TensorQuantizer
	WeightQuant *TensorQuantizer
}

// NewQuantLinear builds a QuantLinear with disabled quantizers.
func NewQuantLinear(name string, weight, bias *tensor.Tensor, cfg LayerConfig) (*QuantLinear, error) {
	if weight == nil || weight.Rank() != 2 {
		var got []int
		if weight != nil {
			got = weight.Shape
		}
		return nil, &quant.ShapeError{Op: name, Got: got, Msg: "linear weight must be rank 2"}
	}
	if bias != nil && (bias.Rank() != 1 || bias.Shape[0] != weight.Shape[0]) {
		return nil, &quant.ShapeError{Op: name + ": bias", Got: bias.Shape, Want: weight.Shape[:1]}
	}
	in, err := New(name+".input_quantizer", cfg.Input)
	if err != nil {
		return nil, err
	}
	wq, err := New(name+".weight_quantizer", cfg.Weight)
	if err != nil {
		return nil, err
	}
	return &QuantLinear{Name: name, Weight: weight, Bias: bias, Input: in, WeightQuant: wq}, nil
}

// SetMode sets both quantizers to m.
func (l *QuantLinear) SetMode(m Mode) {
	l.Input.SetMode(m)
	l.WeightQuant.SetMode(m)
}

// Finalize loads calibrated amax into both quantizers and switches them to
// quantize mode. A quantizer that saw no data keeps dynamic scales.
func (l *QuantLinear) Finalize() error {
	for _, q := range []*TensorQuantizer{l.Input, l.WeightQuant} {
		if q.Calibrator().ComputeAmax() != nil {
			if err := q.LoadCalibAmax(); err != nil {
				return fmt.Errorf("%s: finalize: %w", l.Name, err)
			}
		}
		q.SetMode(ModeQuantize)
	}
	return nil
}

// Forward computes quant(x) quant(W)ᵀ + b for x shaped [batch, in].
func (l *QuantLinear) Forward(ctx context.Context, x *tensor.Tensor) (*tensor.Tensor, error) {
	if x.Rank() != 2 || x.Shape[1] != l.Weight.Shape[1] {
		return nil, &quant.ShapeError{Op: l.Name, Got: x.Shape, Want: []int{-1, l.Weight.Shape[1]}, Msg: fmt.Sprintf("input %s does not match weight %s", tensor.FormatShape(x.Shape), tensor.FormatShape(l.Weight.Shape))}
	}
	xq, err := l.Input.Apply(ctx, x)
	if err != nil {
		return nil, err
	}
	wq, err := l.WeightQuant.Apply(ctx, l.Weight)
	if err != nil {
		return nil, err
	}
	return matmulT(xq, wq, l.Bias), nil
}

// ExportWeight returns the real quantized weight and its scales.
func (l *QuantLinear) ExportWeight(ctx context.Context) (*Exported, error) {
	ctx = WithExportMode(ctx)
	prev := l.WeightQuant.Mode()
	l.WeightQuant.SetMode(ModeQuantize)
	defer l.WeightQuant.SetMode(prev)
	if _, err := l.WeightQuant.Apply(ctx, l.Weight); err != nil {
		return nil, err
	}
	return l.WeightQuant.Exported(), nil
}

// matmulT returns x wᵀ + b for x [n, k] and w [m, k].
func matmulT(x, w, b *tensor.Tensor) *tensor.Tensor {
	n, k, m := x.Shape[0], x.Shape[1], w.Shape[0]
	out := tensor.Zeros(n, m)
	for i := 0; i < n; i++ {
		xr := x.Data[i*k : (i+1)*k]
		for j := 0; j < m; j++ {
			wr := w.Data[j*k : (j+1)*k]
			var acc float32
			for p, v := range xr {
				acc += v * wr[p]
			}
			if b != nil {
				acc += b.Data[j]
			}
			out.Data[i*m+j] = acc
		}
	}
	return out
}
