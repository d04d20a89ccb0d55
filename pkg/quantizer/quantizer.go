// Package quantizer attaches quantization to model layers.
//
// A TensorQuantizer sits on one tensor of a layer (its input or its weight).
// It first observes data in calibrate mode, then fake-quantizes in quantize
// mode. Layers are converted into quantized equivalents through a
// ModuleRegistry keyed by layer kind.
package quantizer

import (
	"context"
	"fmt"

	"github.com/samcharles93/ptq/internal/logger"
	"github.com/samcharles93/ptq/pkg/calib"
	"github.com/samcharles93/ptq/pkg/quant"
	"github.com/samcharles93/ptq/pkg/tensor"
)

// Mode selects what Apply does with its input.
type Mode uint8

const (
	// ModeDisabled passes tensors through untouched.
	ModeDisabled Mode = iota
	// ModeCalibrate feeds tensors to the calibrator and passes them through.
	ModeCalibrate
	// ModeQuantize returns dequantize(quantize(x)).
	ModeQuantize
)

func (m Mode) String() string {
	switch m {
	case ModeDisabled:
		return "disabled"
	case ModeCalibrate:
		return "calibrate"
	case ModeQuantize:
		return "quantize"
	default:
		return fmt.Sprintf("mode(%d)", m)
	}
}

// Config describes how one tensor is quantized.
type Config struct {
	// Format is a registry tag or alias. Empty means fp8-e4m3.
	Format string

	// Axis lists the dimensions that keep their own scale, e.g. [0] for
	// per-output-channel weights. nil is per-tensor. Mutually exclusive with
	// Blocks.
	Axis []int

	Blocks quant.BlockSizes

	TrackHistory bool

	// Registry resolves Format. nil means quant.DefaultRegistry().
	Registry *quant.Registry
	Logger   logger.Logger
	Observer calib.Observer
}

// Exported is the real quantized form retained under export mode.
type Exported struct {
	Q      *quant.QuantizedTensor
	Scales *tensor.Tensor
	Blocks quant.BlockSizes
}

// TensorQuantizer quantizes one tensor slot. It is not safe for concurrent
// use.
type TensorQuantizer struct {
	name   string
	codec  quant.Codec
	axis   []int
	blocks quant.BlockSizes
	calib  *calib.MaxCalibrator
	amax   *tensor.Tensor
	mode   Mode
	log    logger.Logger

	exported *Exported
}

// New validates cfg and returns a disabled quantizer.
func New(name string, cfg Config) (*TensorQuantizer, error) {
	if cfg.Axis != nil && len(cfg.Blocks) > 0 {
		return nil, &quant.ConfigurationError{Msg: name + ": axis and block sizes cannot both be set"}
	}
	reg := cfg.Registry
	if reg == nil {
		reg = quant.DefaultRegistry()
	}
	format := cfg.Format
	if format == "" {
		format = string(quant.FormatFP8E4M3)
	}
	codec, err := reg.Lookup(format)
	if err != nil {
		return nil, err
	}
	log := cfg.Logger
	if log == nil {
		log = logger.Discard()
	}
	log = log.With("quantizer", name)

	q := &TensorQuantizer{
		name:   name,
		codec:  codec,
		axis:   cfg.Axis,
		blocks: cfg.Blocks,
		log:    log,
	}
	q.calib = calib.NewMax(calib.Config{
		Axis:         cfg.Axis,
		KeepAll:      len(cfg.Blocks) > 0,
		TrackHistory: cfg.TrackHistory,
		Logger:       log,
		Observer:     cfg.Observer,
	})
	return q, nil
}

func (q *TensorQuantizer) Name() string                     { return q.name }
func (q *TensorQuantizer) Codec() quant.Codec               { return q.codec }
func (q *TensorQuantizer) Mode() Mode                       { return q.mode }
func (q *TensorQuantizer) Calibrator() *calib.MaxCalibrator { return q.calib }
func (q *TensorQuantizer) Blocks() quant.BlockSizes         { return q.blocks }

func (q *TensorQuantizer) SetMode(m Mode) {
	if m != q.mode {
		q.log.Debug("mode change", "from", q.mode.String(), "to", m.String())
	}
	q.mode = m
}

// Amax returns a copy of the loaded amax, or nil when scales are dynamic.
func (q *TensorQuantizer) Amax() *tensor.Tensor {
	if q.amax == nil {
		return nil
	}
	return q.amax.Clone()
}

// SetAmax loads a precomputed amax. nil switches back to dynamic scales.
func (q *TensorQuantizer) SetAmax(amax *tensor.Tensor) {
	if amax == nil {
		q.amax = nil
		return
	}
	q.amax = amax.Clone()
}

// LoadCalibAmax copies the calibrator's amax into the quantizer.
func (q *TensorQuantizer) LoadCalibAmax() error {
	amax := q.calib.ComputeAmax()
	if amax == nil {
		return &quant.StateError{Msg: q.name + ": no calibration data collected"}
	}
	q.amax = amax
	q.log.Debug("loaded calibrated amax", "shape", tensor.FormatShape(amax.Shape), "batches", q.calib.Batches())
	return nil
}

// Apply runs x through the quantizer according to its mode. Under export
// mode, quantize mode additionally keeps the payload, see Exported.
func (q *TensorQuantizer) Apply(ctx context.Context, x *tensor.Tensor) (*tensor.Tensor, error) {
	switch q.mode {
	case ModeDisabled:
		return x, nil
	case ModeCalibrate:
		if err := q.collect(x); err != nil {
			return nil, fmt.Errorf("%s: %w", q.name, err)
		}
		return x, nil
	case ModeQuantize:
		qt, scales, err := q.Quantize(x)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", q.name, err)
		}
		if IsExportMode(ctx) {
			q.exported = &Exported{Q: qt, Scales: scales, Blocks: q.blocks}
		}
		out, err := q.codec.Dequantize(qt, x.DType, scales, q.blocks)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", q.name, err)
		}
		return out, nil
	default:
		return nil, &quant.StateError{Msg: fmt.Sprintf("%s: unknown mode %s", q.name, q.mode)}
	}
}

// collect observes x. In block mode the calibrator tracks the running max of
// the per-block amax, so every block keeps its own scale.
func (q *TensorQuantizer) collect(x *tensor.Tensor) error {
	if len(q.blocks) == 0 || x.IsMeta() {
		return q.calib.Collect(x)
	}
	padded, err := quant.ReduceBlockPadding(x, q.blocks, 0)
	if err != nil {
		return err
	}
	amax, err := quant.ReduceBlockAmax(padded, q.blocks)
	if err != nil {
		return err
	}
	return q.calib.Collect(amax)
}

// Quantize produces the real quantized payload and its scales. Loaded amax
// is used when present; otherwise scales are computed from x.
func (q *TensorQuantizer) Quantize(x *tensor.Tensor) (*quant.QuantizedTensor, *tensor.Tensor, error) {
	opts := quant.Options{Blocks: q.blocks}
	if q.amax != nil {
		scales, err := q.scalesFor(x)
		if err != nil {
			return nil, nil, err
		}
		opts.Scales = scales
	} else if len(q.blocks) == 0 {
		axes, err := quant.ReduceAxes(q.axis, x.Rank())
		if err != nil {
			return nil, nil, &quant.ConfigurationError{Msg: q.name, Err: err}
		}
		opts.Axis = axes
	}
	return q.codec.Quantize(x, opts)
}

// EffectiveBits returns the storage cost per element of quantizing a tensor
// of shape with this quantizer's granularity.
func (q *TensorQuantizer) EffectiveBits(shape []int) (float64, error) {
	opts := quant.Options{Blocks: q.blocks}
	if len(q.blocks) == 0 {
		axes, err := quant.ReduceAxes(q.axis, len(shape))
		if err != nil {
			return 0, &quant.ConfigurationError{Msg: q.name, Err: err}
		}
		opts.Axis = axes
	}
	return quant.EffectiveBits(q.codec, shape, opts)
}

// scalesFor turns the loaded amax into scales shaped for x.
func (q *TensorQuantizer) scalesFor(x *tensor.Tensor) (*tensor.Tensor, error) {
	s := q.amax.Clone()
	d := q.codec.Divisor()
	for i, v := range s.Data {
		s.Data[i] = v / d
	}
	if len(q.blocks) > 0 || q.axis == nil {
		return s, nil
	}
	keep, err := tensor.NormalizeAxes(q.axis, x.Rank())
	if err != nil {
		return nil, &quant.ConfigurationError{Msg: q.name, Err: err}
	}
	shape := make([]int, x.Rank())
	for i := range shape {
		shape[i] = 1
	}
	for _, k := range keep {
		shape[k] = x.Shape[k]
	}
	out, err := s.Reshape(shape...)
	if err != nil {
		return nil, &quant.ShapeError{Op: q.name + ": amax", Got: s.Shape, Want: shape}
	}
	return out, nil
}

// Exported returns the payload kept by the last Apply under export mode.
func (q *TensorQuantizer) Exported() *Exported { return q.exported }
