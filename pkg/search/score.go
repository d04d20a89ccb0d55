package search

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/samcharles93/ptq/pkg/quant"
	"github.com/samcharles93/ptq/pkg/tensor"
)

// Candidates builds one candidate per format for a tensor of the given shape,
// plus an unquantized candidate costing baseBits when baseBits > 0. axis
// lists the dimensions that keep their own scale and excludes blocks.
func Candidates(reg *quant.Registry, shape []int, formats []string, blocks quant.BlockSizes, axis []int, baseBits float64) ([]Candidate, error) {
	if reg == nil {
		reg = quant.DefaultRegistry()
	}
	opts := quant.Options{Blocks: blocks}
	if axis != nil {
		reduced, err := quant.ReduceAxes(axis, len(shape))
		if err != nil {
			return nil, err
		}
		opts.Axis = reduced
	}
	var out []Candidate
	if baseBits > 0 {
		out = append(out, Candidate{Name: "none", Bits: baseBits})
	}
	for _, f := range formats {
		c, err := reg.Lookup(f)
		if err != nil {
			return nil, err
		}
		bits, err := quant.EffectiveBits(c, shape, opts)
		if err != nil {
			return nil, err
		}
		name := string(c.Format())
		switch {
		case len(blocks) > 0:
			name += "@" + blocks.String()
		case axis != nil:
			name += "@axis=" + formatAxis(axis)
		}
		out = append(out, Candidate{Name: name, Format: c.Format(), Blocks: blocks, Axis: axis, Bits: bits})
	}
	return out, nil
}

func formatAxis(axis []int) string {
	parts := make([]string, len(axis))
	for i, a := range axis {
		parts[i] = strconv.Itoa(a)
	}
	return strings.Join(parts, ",")
}

// RoundTripMSE scores a candidate by the mean squared error between a weight
// tensor and its dequantized roundtrip. Units are looked up by name.
func RoundTripMSE(weights map[string]*tensor.Tensor, reg *quant.Registry) ScoreFunc {
	if reg == nil {
		reg = quant.DefaultRegistry()
	}
	return func(ctx context.Context, u Unit, c Candidate) (float64, error) {
		w, ok := weights[u.Name]
		if !ok {
			return 0, fmt.Errorf("unknown unit %q", u.Name)
		}
		if c.Format == "" {
			return 0, nil
		}
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		codec, err := reg.Lookup(string(c.Format))
		if err != nil {
			return 0, err
		}
		opts := quant.Options{Blocks: c.Blocks}
		if opts.Axis, err = quant.ReduceAxes(c.Axis, w.Rank()); err != nil {
			return 0, err
		}
		q, scales, err := codec.Quantize(w, opts)
		if err != nil {
			return 0, err
		}
		deq, err := codec.Dequantize(q, tensor.DTypeF32, scales, c.Blocks)
		if err != nil {
			return 0, err
		}
		var sum float64
		for i, v := range w.Data {
			d := float64(deq.Data[i] - v)
			sum += d * d
		}
		return sum / float64(len(w.Data)), nil
	}
}

// FormatChoices renders an assignment as "unit=candidate" pairs.
func FormatChoices(r *Result) string {
	var b strings.Builder
	for i, c := range r.Choices {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(c.Unit)
		b.WriteByte('=')
		b.WriteString(c.Candidate.Name)
	}
	return b.String()
}
