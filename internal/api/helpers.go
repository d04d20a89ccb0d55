package api

import (
	"io"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v5"

	"github.com/samcharles93/ptq/pkg/quant"
)

func writeBadRequest(c *echo.Context, msg string) error {
	return writeError(c, http.StatusBadRequest, "invalid_request_error", msg, "")
}

func writeError(c *echo.Context, status int, errType, msg, param string) error {
	return c.JSON(status, map[string]any{
		"error": ErrorBody{
			Message: msg,
			Type:    errType,
			Param:   param,
		},
	})
}

// writeErr maps err to its status via statusFor.
func writeErr(c *echo.Context, err error) error {
	status, typ := statusFor(err)
	return writeError(c, status, typ, err.Error(), "")
}

func decodeJSON[T any](r io.Reader) (T, error) {
	var out T
	dec := json.NewDecoder(r)
	if err := dec.Decode(&out); err != nil {
		if err == io.EOF {
			return out, newInvalidRequest("request body is empty")
		}
		return out, newInvalidRequest("decode request: " + err.Error())
	}
	return out, nil
}

func parseBlocks(s string) (quant.BlockSizes, error) {
	if s == "" {
		return nil, nil
	}
	return quant.ParseBlockSizes(s)
}

func maxAbsDiff(a, b []float32) float64 {
	var m float64
	for i, v := range a {
		d := float64(v - b[i])
		if d < 0 {
			d = -d
		}
		if d > m {
			m = d
		}
	}
	return m
}
