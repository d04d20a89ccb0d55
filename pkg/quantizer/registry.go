package quantizer

import (
	"fmt"
	"slices"
	"sync"

	"github.com/samcharles93/ptq/pkg/quant"
	"github.com/samcharles93/ptq/pkg/tensor"
)

// Module is a layer that can be converted into a quantized equivalent.
type Module interface {
	Kind() string
	ModuleName() string
}

// Layer kinds known to the default registry.
const (
	KindLinear = "linear"
	KindConv1D = "conv1d"
)

// Linear computes y = x Wᵀ + b with W shaped [out, in].
type Linear struct {
	Name   string
	Weight *tensor.Tensor
	Bias   *tensor.Tensor
}

func (l *Linear) Kind() string       { return KindLinear }
func (l *Linear) ModuleName() string { return l.Name }

// Conv1D is the transposed linear layer used by GPT-2 style checkpoints:
// y = x W + b with W shaped [in, out].
type Conv1D struct {
	Name   string
	Weight *tensor.Tensor
	Bias   *tensor.Tensor
}

func (c *Conv1D) Kind() string       { return KindConv1D }
func (c *Conv1D) ModuleName() string { return c.Name }

// LayerConfig configures the quantizers of one converted layer.
type LayerConfig struct {
	Input  Config
	Weight Config
}

// Converter turns a module into a QuantLinear.
type Converter func(m Module, cfg LayerConfig) (*QuantLinear, error)

// ModuleRegistry maps module kinds to converters.
type ModuleRegistry struct {
	mu         sync.RWMutex
	converters map[string]Converter
}

func NewModuleRegistry() *ModuleRegistry {
	return &ModuleRegistry{converters: make(map[string]Converter)}
}

// DefaultModuleRegistry returns a registry with the linear and conv1d
// converters.
func DefaultModuleRegistry() *ModuleRegistry {
	r := NewModuleRegistry()
	_ = r.Register(KindLinear, convertLinear)
	_ = r.Register(KindConv1D, convertConv1D)
	return r
}

func (r *ModuleRegistry) Register(kind string, c Converter) error {
	if kind == "" || c == nil {
		return &quant.ConfigurationError{Msg: "module registry: empty kind or nil converter"}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.converters[kind]; ok {
		return &quant.ConfigurationError{Msg: fmt.Sprintf("module registry: kind %q already registered", kind)}
	}
	r.converters[kind] = c
	return nil
}

// Kinds lists registered kinds in sorted order.
func (r *ModuleRegistry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.converters))
	for k := range r.converters {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}

// Convert dispatches m to the converter registered for its kind.
func (r *ModuleRegistry) Convert(m Module, cfg LayerConfig) (*QuantLinear, error) {
	r.mu.RLock()
	c, ok := r.converters[m.Kind()]
	r.mu.RUnlock()
	if !ok {
		return nil, &quant.ConfigurationError{Msg: fmt.Sprintf("%s: no converter for module kind %q", m.ModuleName(), m.Kind())}
	}
	return c(m, cfg)
}

func convertLinear(m Module, cfg LayerConfig) (*QuantLinear, error) {
	l, ok := m.(*Linear)
	if !ok {
		return nil, &quant.ConfigurationError{Msg: fmt.Sprintf("%s: linear converter got %T", m.ModuleName(), m)}
	}
	return NewQuantLinear(l.Name, l.Weight, l.Bias, cfg)
}

func convertConv1D(m Module, cfg LayerConfig) (*QuantLinear, error) {
	c, ok := m.(*Conv1D)
	if !ok {
		return nil, &quant.ConfigurationError{Msg: fmt.Sprintf("%s: conv1d converter got %T", m.ModuleName(), m)}
	}
	w, err := c.Weight.Transpose2D()
	if err != nil {
		return nil, &quant.ShapeError{Op: c.Name, Got: c.Weight.Shape, Msg: err.Error()}
	}
	return convertLinear(&Linear{Name: c.Name, Weight: w, Bias: c.Bias}, cfg)
}
