package api

import (
	"math"
	"strings"

	"github.com/goccy/go-json"

	"github.com/samcharles93/ptq/pkg/tensor"
)

// Float32s marshals non-finite values as the strings "NaN", "Inf" and "-Inf",
// which plain JSON numbers cannot carry.
type Float32s []float32

func (f Float32s) MarshalJSON() ([]byte, error) {
	out := make([]any, len(f))
	for i, v := range f {
		switch {
		case math.IsNaN(float64(v)):
			out[i] = "NaN"
		case math.IsInf(float64(v), 1):
			out[i] = "Inf"
		case math.IsInf(float64(v), -1):
			out[i] = "-Inf"
		default:
			out[i] = v
		}
	}
	return json.Marshal(out)
}

func (f *Float32s) UnmarshalJSON(b []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	out := make(Float32s, len(raw))
	for i, r := range raw {
		if len(r) > 0 && r[0] == '"' {
			var s string
			if err := json.Unmarshal(r, &s); err != nil {
				return err
			}
			switch strings.ToLower(s) {
			case "nan":
				out[i] = float32(math.NaN())
			case "inf", "+inf", "infinity":
				out[i] = float32(math.Inf(1))
			case "-inf", "-infinity":
				out[i] = float32(math.Inf(-1))
			default:
				return newInvalidRequest("data: invalid number " + s)
			}
			continue
		}
		var v float32
		if err := json.Unmarshal(r, &v); err != nil {
			return err
		}
		out[i] = v
	}
	*f = out
	return nil
}

// TensorPayload is the wire form of a tensor.
type TensorPayload struct {
	Shape []int    `json:"shape"`
	DType string   `json:"dtype,omitempty"`
	Data  Float32s `json:"data"`
}

func (p *TensorPayload) toTensor() (*tensor.Tensor, error) {
	if p == nil {
		return nil, newInvalidRequest("tensor is required")
	}
	t, err := tensor.New(p.Shape, p.Data)
	if err != nil {
		return nil, newInvalidRequest("tensor: " + err.Error())
	}
	if p.DType != "" {
		dt, err := tensor.ParseDType(p.DType)
		if err != nil {
			return nil, newInvalidRequest("dtype: " + err.Error())
		}
		t = t.Cast(dt)
	}
	return t, nil
}

func payloadOf(t *tensor.Tensor) *TensorPayload {
	if t == nil {
		return nil
	}
	return &TensorPayload{Shape: t.Shape, DType: t.DType.String(), Data: Float32s(t.Data)}
}

type CreateCalibratorRequest struct {
	// Axis lists the dimensions that keep their own amax; null is per-tensor.
	Axis         []int `json:"axis"`
	TrackHistory bool  `json:"track_history,omitempty"`
	KeepHistory  bool  `json:"keep_history_on_reset,omitempty"`
}

type CalibratorResponse struct {
	ID        string         `json:"id"`
	Object    string         `json:"object"`
	CreatedAt int64          `json:"created_at"`
	Axis      []int          `json:"axis"`
	State     string         `json:"state"`
	Batches   int            `json:"batches"`
	Amax      *TensorPayload `json:"amax,omitempty"`
	History   int            `json:"history,omitempty"`
	Failed    string         `json:"failed,omitempty"`
}

type CollectRequest struct {
	Tensor *TensorPayload `json:"tensor"`
}

type DeleteCalibratorResponse struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Deleted bool   `json:"deleted"`
}

type QuantizeRequest struct {
	Format string         `json:"format"`
	Tensor *TensorPayload `json:"tensor"`
	// Axis lists the dimensions reduced to obtain the amax; null is
	// per-tensor. Mutually exclusive with BlockSizes.
	Axis       []int          `json:"axis"`
	BlockSizes string         `json:"block_sizes,omitempty"`
	Scales     *TensorPayload `json:"scales,omitempty"`
	RoundTrip  bool           `json:"roundtrip,omitempty"`
}

type QuantizeResponse struct {
	Object      string         `json:"object"`
	Format      string         `json:"format"`
	Granularity string         `json:"granularity"`
	Shape       []int          `json:"shape"`
	PaddedShape []int          `json:"padded_shape"`
	DType       string         `json:"dtype"`
	Data        []byte         `json:"data"`
	Scales      *TensorPayload `json:"scales"`
	RoundTrip   *RoundTrip     `json:"roundtrip,omitempty"`
}

type RoundTrip struct {
	MaxAbsError float64        `json:"max_abs_error"`
	Dequantized *TensorPayload `json:"dequantized"`
}

type DequantizeRequest struct {
	Format      string         `json:"format"`
	Shape       []int          `json:"shape"`
	PaddedShape []int          `json:"padded_shape,omitempty"`
	DType       string         `json:"dtype,omitempty"`
	Data        []byte         `json:"data"`
	Scales      *TensorPayload `json:"scales"`
	BlockSizes  string         `json:"block_sizes,omitempty"`
}

type FormatsResponse struct {
	Object  string       `json:"object"`
	Formats []FormatInfo `json:"data"`
}

type FormatInfo struct {
	Format         string  `json:"format"`
	BitsPerElement int     `json:"bits_per_element"`
	Divisor        float32 `json:"divisor"`
}

type ErrorBody struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Param   string `json:"param,omitempty"`
}
