package api

import (
	"net/http"

	"github.com/labstack/echo/v5"

	"github.com/samcharles93/ptq/internal/metrics"
	"github.com/samcharles93/ptq/pkg/quant"
	"github.com/samcharles93/ptq/pkg/tensor"
)

func (s *Server) handleQuantize(c *echo.Context) error {
	req, err := decodeJSON[QuantizeRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	x, err := req.Tensor.toTensor()
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	codec, err := s.registry.Lookup(defaultFormat(req.Format))
	if err != nil {
		return writeErr(c, err)
	}
	blocks, err := parseBlocks(req.BlockSizes)
	if err != nil {
		return writeErr(c, err)
	}
	opts := quant.Options{Axis: req.Axis, Blocks: blocks}
	if req.Scales != nil {
		if opts.Scales, err = req.Scales.toTensor(); err != nil {
			return writeBadRequest(c, "scales: "+err.Error())
		}
	}

	q, scales, err := codec.Quantize(x, opts)
	metrics.ObserveQuantize(codec.Format(), quant.Granularity(opts), err)
	if err != nil {
		return writeErr(c, err)
	}
	resp := QuantizeResponse{
		Object:      "quantized_tensor",
		Format:      string(q.Format),
		Granularity: quant.Granularity(opts),
		Shape:       q.Shape,
		PaddedShape: q.PaddedShape,
		DType:       q.DType.String(),
		Data:        q.Data,
		Scales:      payloadOf(scales),
	}
	if req.RoundTrip {
		deq, err := codec.Dequantize(q, x.DType, scales, blocks)
		if err != nil {
			return writeErr(c, err)
		}
		maxAbs := maxAbsDiff(deq.Data, x.Data)
		metrics.ObserveRoundTrip(codec.Format(), maxAbs)
		resp.RoundTrip = &RoundTrip{MaxAbsError: maxAbs, Dequantized: payloadOf(deq)}
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleDequantize(c *echo.Context) error {
	req, err := decodeJSON[DequantizeRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	codec, err := s.registry.Lookup(defaultFormat(req.Format))
	if err != nil {
		return writeErr(c, err)
	}
	blocks, err := parseBlocks(req.BlockSizes)
	if err != nil {
		return writeErr(c, err)
	}
	if req.Scales == nil {
		return writeBadRequest(c, "scales is required")
	}
	scales, err := req.Scales.toTensor()
	if err != nil {
		return writeBadRequest(c, "scales: "+err.Error())
	}
	dt := tensor.DTypeF32
	if req.DType != "" {
		if dt, err = tensor.ParseDType(req.DType); err != nil {
			return writeBadRequest(c, err.Error())
		}
	}
	padded := req.PaddedShape
	if padded == nil {
		padded = req.Shape
	}
	q := &quant.QuantizedTensor{
		Shape:       req.Shape,
		DType:       dt,
		Format:      codec.Format(),
		PaddedShape: padded,
		Data:        req.Data,
	}
	out, err := codec.Dequantize(q, dt, scales, blocks)
	if err != nil {
		return writeErr(c, err)
	}
	return c.JSON(http.StatusOK, payloadOf(out))
}

func defaultFormat(f string) string {
	if f == "" {
		return string(quant.FormatFP8E4M3)
	}
	return f
}
