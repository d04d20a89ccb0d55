// Package calib collects activation and weight statistics used to derive
// quantization scales.
package calib

import (
	"errors"
	"fmt"

	"github.com/samcharles93/ptq/internal/logger"
	"github.com/samcharles93/ptq/pkg/quant"
	"github.com/samcharles93/ptq/pkg/tensor"
)

// ErrSessionFailed is returned by Collect after a batch failed validation.
// The calibrator must be Reset before it accepts data again.
var ErrSessionFailed = errors.New("calib: session failed, reset required")

// State is the calibrator lifecycle position.
type State uint8

const (
	StateIdle State = iota
	StateCollecting
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCollecting:
		return "collecting"
	default:
		return "unknown"
	}
}

// Observer receives calibration events. internal/metrics provides the
// Prometheus implementation.
type Observer interface {
	ObserveBatch()
	ObserveAnomaly(kind quant.AnomalyKind)
}

// Config configures a MaxCalibrator.
type Config struct {
	// Axis lists the dimensions kept in the amax; every other dimension is
	// reduced. nil keeps none (per-tensor amax).
	Axis []int

	// KeepAll keeps every dimension, so batches are merged elementwise. Used
	// when the input is already a reduced statistic such as block amax.
	// Overrides Axis.
	KeepAll bool

	// TrackHistory records a copy of every batch's local amax.
	TrackHistory bool

	// KeepHistoryOnReset retains history across Reset.
	KeepHistoryOnReset bool

	Logger   logger.Logger
	Observer Observer
}

// MaxCalibrator tracks the running elementwise maximum of |x| over the
// batches passed to Collect.
//
// A MaxCalibrator is not safe for concurrent use; callers serialize access.
type MaxCalibrator struct {
	cfg     Config
	log     logger.Logger
	amax    *tensor.Tensor
	history []*tensor.Tensor
	failed  error
	batches int
}

// NewMax returns an idle calibrator.
func NewMax(cfg Config) *MaxCalibrator {
	log := cfg.Logger
	if log == nil {
		log = logger.Discard()
	}
	if cfg.Axis != nil {
		cfg.Axis = append([]int{}, cfg.Axis...)
	}
	return &MaxCalibrator{cfg: cfg, log: log}
}

// Axis returns the kept axes as configured.
func (c *MaxCalibrator) Axis() []int { return c.cfg.Axis }

// Collect folds one batch into the running amax.
//
// Meta tensors are ignored. A batch whose local amax is negative, infinite or
// NaN fails with a *quant.CalibrationError, leaves the running amax untouched
// and fails the session. An amax shape that differs from earlier batches is a
// *quant.StateError.
func (c *MaxCalibrator) Collect(x *tensor.Tensor) error {
	if x == nil {
		return &quant.ConfigurationError{Msg: "collect: nil tensor"}
	}
	if x.IsMeta() {
		c.log.Debug("skipping meta tensor", "shape", tensor.FormatShape(x.Shape))
		return nil
	}
	if c.failed != nil {
		return fmt.Errorf("%w: %w", ErrSessionFailed, c.failed)
	}

	var reduce []int
	if c.cfg.KeepAll {
		reduce = []int{}
	} else {
		keep, err := tensor.NormalizeAxes(c.cfg.Axis, x.Rank())
		if err != nil {
			return &quant.ConfigurationError{Msg: "collect: axis", Err: err}
		}
		if keep != nil {
			reduce = tensor.ComplementAxes(keep, x.Rank())
		}
	}
	local, err := quant.ReduceAmax(x, reduce, false, false)
	if err != nil {
		return err
	}

	if err := validate(local, x); err != nil {
		c.failed = err
		var ce *quant.CalibrationError
		if errors.As(err, &ce) && c.cfg.Observer != nil {
			c.cfg.Observer.ObserveAnomaly(ce.Kind)
		}
		c.log.Warn("calibration batch rejected", "error", err, "batch", c.batches)
		return err
	}

	if c.amax == nil {
		c.amax = local.Clone()
	} else {
		if !tensor.ShapeEqual(c.amax.Shape, local.Shape) {
			return &quant.StateError{Msg: fmt.Sprintf("amax shape changed: %s -> %s",
				tensor.FormatShape(c.amax.Shape), tensor.FormatShape(local.Shape))}
		}
		for i, v := range local.Data {
			if v > c.amax.Data[i] {
				c.amax.Data[i] = v
			}
		}
	}
	if c.cfg.TrackHistory {
		c.history = append(c.history, local)
	}
	c.batches++
	if c.cfg.Observer != nil {
		c.cfg.Observer.ObserveBatch()
	}
	return nil
}

func validate(amax, input *tensor.Tensor) error {
	switch {
	case amax.HasNegative():
		return &quant.CalibrationError{Kind: quant.AnomalyNegative}
	case amax.HasInf():
		return &quant.CalibrationError{Kind: quant.AnomalyInf, InInput: input.HasInf()}
	case amax.HasNaN():
		return &quant.CalibrationError{Kind: quant.AnomalyNaN, InInput: input.HasNaN()}
	}
	return nil
}

// ComputeAmax returns a copy of the running amax, or nil before the first
// successful Collect.
func (c *MaxCalibrator) ComputeAmax() *tensor.Tensor {
	if c.amax == nil {
		return nil
	}
	return c.amax.Clone()
}

// Reset returns the calibrator to the idle state and clears a failed session.
func (c *MaxCalibrator) Reset() {
	c.amax = nil
	c.failed = nil
	c.batches = 0
	if !c.cfg.KeepHistoryOnReset {
		c.history = nil
	}
}

// History returns copies of the per-batch local amax values.
func (c *MaxCalibrator) History() []*tensor.Tensor {
	out := make([]*tensor.Tensor, len(c.history))
	for i, h := range c.history {
		out[i] = h.Clone()
	}
	return out
}

func (c *MaxCalibrator) State() State {
	if c.amax == nil {
		return StateIdle
	}
	return StateCollecting
}

// Batches is the number of batches accepted since the last Reset.
func (c *MaxCalibrator) Batches() int { return c.batches }

// Failed returns the error that failed the session, if any.
func (c *MaxCalibrator) Failed() error { return c.failed }
