package tensor

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// NumElements returns the product of shape, rejecting non-positive dims and
// overflow. The empty shape describes a scalar and has one element.
func NumElements(shape []int) (int, error) {
	n := 1
	for _, d := range shape {
		if d <= 0 {
			return 0, fmt.Errorf("%w: dim %d in %s", ErrInvalidShape, d, FormatShape(shape))
		}
		if n > (int(^uint(0)>>1))/d {
			return 0, fmt.Errorf("%w: %s too large", ErrInvalidShape, FormatShape(shape))
		}
		n *= d
	}
	return n, nil
}

// Strides returns row-major element strides for shape.
func Strides(shape []int) []int {
	out := make([]int, len(shape))
	s := 1
	for i := len(shape) - 1; i >= 0; i-- {
		out[i] = s
		s *= shape[i]
	}
	return out
}

// ShapeEqual reports whether two shapes are identical.
func ShapeEqual(a, b []int) bool {
	return slices.Equal(a, b)
}

// FormatShape renders a shape as "[2 256]".
func FormatShape(shape []int) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, d := range shape {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(strconv.Itoa(d))
	}
	b.WriteByte(']')
	return b.String()
}

// NormalizeAxis converts a possibly negative axis into [0, rank).
func NormalizeAxis(axis, rank int) (int, error) {
	if axis < -rank || axis >= rank {
		return 0, fmt.Errorf("%w: axis %d for rank %d", ErrAxis, axis, rank)
	}
	if axis < 0 {
		axis += rank
	}
	return axis, nil
}

// NormalizeAxes converts axes into sorted, unique indices in [0, rank).
// A nil input stays nil (meaning every axis); an empty non-nil input stays
// empty (meaning no axis).
func NormalizeAxes(axes []int, rank int) ([]int, error) {
	if axes == nil {
		return nil, nil
	}
	out := make([]int, 0, len(axes))
	for _, a := range axes {
		n, err := NormalizeAxis(a, rank)
		if err != nil {
			return nil, err
		}
		if slices.Contains(out, n) {
			return nil, fmt.Errorf("%w: duplicate axis %d", ErrAxis, a)
		}
		out = append(out, n)
	}
	slices.Sort(out)
	return out, nil
}

// ComplementAxes returns every axis in [0, rank) not present in keep.
// keep must already be normalized.
func ComplementAxes(keep []int, rank int) []int {
	out := make([]int, 0, rank)
	for i := 0; i < rank; i++ {
		if !slices.Contains(keep, i) {
			out = append(out, i)
		}
	}
	return out
}

// ParseShape parses "2,256" or "[2 256]" into a shape.
func ParseShape(s string) ([]int, error) {
	s = strings.Trim(strings.TrimSpace(s), "[]")
	if s == "" {
		return []int{}, nil
	}
	fields := strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' || r == 'x' })
	out := make([]int, 0, len(fields))
	for _, f := range fields {
		d, err := strconv.Atoi(f)
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrInvalidShape, s)
		}
		out = append(out, d)
	}
	if _, err := NumElements(out); err != nil {
		return nil, err
	}
	return out, nil
}
