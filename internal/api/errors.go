package api

import (
	"errors"
	"net/http"

	"github.com/samcharles93/ptq/pkg/calib"
	"github.com/samcharles93/ptq/pkg/quant"
)

var (
	ErrInvalidRequest  = errors.New("invalid_request")
	ErrSessionNotFound = errors.New("session_not_found")
)

type invalidRequestError struct {
	msg string
}

func (e invalidRequestError) Error() string {
	return e.msg
}

func (e invalidRequestError) Unwrap() error {
	return ErrInvalidRequest
}

func newInvalidRequest(msg string) error {
	return invalidRequestError{msg: msg}
}

// statusFor maps core errors to an HTTP status and error type.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return http.StatusBadRequest, "invalid_request_error"
	case errors.Is(err, ErrSessionNotFound):
		return http.StatusNotFound, "not_found_error"
	case errors.Is(err, quant.ErrShape):
		return http.StatusBadRequest, "shape_error"
	case errors.Is(err, quant.ErrConfiguration):
		return http.StatusBadRequest, "configuration_error"
	case quant.IsCalibration(err), errors.Is(err, calib.ErrSessionFailed):
		return http.StatusUnprocessableEntity, "calibration_error"
	case errors.Is(err, quant.ErrState):
		return http.StatusConflict, "state_error"
	default:
		return http.StatusInternalServerError, "server_error"
	}
}
