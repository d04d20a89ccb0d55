package quant

import (
	"errors"
	"fmt"

	"github.com/samcharles93/ptq/pkg/tensor"
)

var (
	ErrShape         = errors.New("quant: shape error")
	ErrConfiguration = errors.New("quant: configuration error")
	ErrState         = errors.New("quant: state error")

	ErrNegativeAmax = errors.New("quant: negative amax after abs")
	ErrInfDetected  = errors.New("quant: inf detected in amax")
	ErrNaNDetected  = errors.New("quant: nan detected in amax")
)

// ShapeError reports a tensor/scale shape mismatch or a non-divisible block.
type ShapeError struct {
	Op   string
	Got  []int
	Want []int
	Msg  string
}

func (e *ShapeError) Error() string {
	if e.Msg != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Msg)
	}
	return fmt.Sprintf("%s: shape %s does not match expected %s", e.Op, tensor.FormatShape(e.Got), tensor.FormatShape(e.Want))
}

func (e *ShapeError) Unwrap() error { return ErrShape }

// AnomalyKind distinguishes the data-quality faults found by calibration.
type AnomalyKind uint8

const (
	AnomalyNegative AnomalyKind = iota + 1
	AnomalyInf
	AnomalyNaN
)

func (k AnomalyKind) String() string {
	switch k {
	case AnomalyNegative:
		return "negative"
	case AnomalyInf:
		return "inf"
	case AnomalyNaN:
		return "nan"
	default:
		return "unknown"
	}
}

// CalibrationError is returned when collected statistics are unusable.
// InInput reports whether the anomaly was already present in the raw input
// (only meaningful for the inf and nan kinds).
type CalibrationError struct {
	Kind    AnomalyKind
	InInput bool
}

func (e *CalibrationError) Error() string {
	switch e.Kind {
	case AnomalyNegative:
		return "calibration: detected negative values after abs"
	case AnomalyInf:
		return fmt.Sprintf("calibration: detected inf values in amax (inf in original tensor: %t)", e.InInput)
	case AnomalyNaN:
		return fmt.Sprintf("calibration: detected nan values in amax (nan in original tensor: %t)", e.InInput)
	default:
		return "calibration: unknown anomaly"
	}
}

func (e *CalibrationError) Unwrap() error {
	switch e.Kind {
	case AnomalyNegative:
		return ErrNegativeAmax
	case AnomalyInf:
		return ErrInfDetected
	case AnomalyNaN:
		return ErrNaNDetected
	default:
		return nil
	}
}

// ConfigurationError reports mutually exclusive or unsupported parameters.
type ConfigurationError struct {
	Msg string
	Err error
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return "configuration: " + e.Msg + ": " + e.Err.Error()
	}
	return "configuration: " + e.Msg
}

func (e *ConfigurationError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrConfiguration, e.Err}
	}
	return []error{ErrConfiguration}
}

// StateError reports misuse of a stateful object, such as an amax shape
// change within one calibration session.
type StateError struct {
	Msg string
}

func (e *StateError) Error() string { return "state: " + e.Msg }

func (e *StateError) Unwrap() error { return ErrState }

func configErr(format string, args ...any) error {
	return &ConfigurationError{Msg: fmt.Sprintf(format, args...)}
}

func wrapConfig(msg string, err error) error {
	return &ConfigurationError{Msg: msg, Err: err}
}

// IsCalibration reports whether err is any CalibrationError.
func IsCalibration(err error) bool {
	var ce *CalibrationError
	return errors.As(err, &ce)
}
