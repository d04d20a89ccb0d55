package quant

import (
	"slices"
	"strings"
	"sync"
)

// Constructor builds a fresh codec instance.
type Constructor func() Codec

// Registry maps format tags to codec constructors. It is safe for concurrent
// use.
type Registry struct {
	mu      sync.RWMutex
	codecs  map[Format]Constructor
	aliases map[string]Format
}

func NewRegistry() *Registry {
	return &Registry{
		codecs:  make(map[Format]Constructor),
		aliases: make(map[string]Format),
	}
}

// Register adds a format. Aliases are matched case-insensitively by Parse.
func (r *Registry) Register(f Format, c Constructor, aliases ...string) error {
	if f == "" || c == nil {
		return configErr("register: empty format or nil constructor")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.codecs[f]; ok {
		return configErr("register: format %q already registered", f)
	}
	r.codecs[f] = c
	r.aliases[strings.ToLower(string(f))] = f
	for _, a := range aliases {
		r.aliases[strings.ToLower(a)] = f
	}
	return nil
}

// Parse resolves a format tag or alias.
func (r *Registry) Parse(s string) (Format, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.aliases[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return "", configErr("unknown format %q (known: %s)", s, joinFormats(r.formatsLocked()))
	}
	return f, nil
}

// Lookup returns a new codec for the format tag or alias s.
func (r *Registry) Lookup(s string) (Codec, error) {
	f, err := r.Parse(s)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	c := r.codecs[f]
	r.mu.RUnlock()
	return c(), nil
}

// Formats lists the registered formats in sorted order.
func (r *Registry) Formats() []Format {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.formatsLocked()
}

func (r *Registry) formatsLocked() []Format {
	out := make([]Format, 0, len(r.codecs))
	for f := range r.codecs {
		out = append(out, f)
	}
	slices.Sort(out)
	return out
}

func joinFormats(fs []Format) string {
	parts := make([]string, len(fs))
	for i, f := range fs {
		parts[i] = string(f)
	}
	return strings.Join(parts, ", ")
}

var defaultRegistry = sync.OnceValue(func() *Registry {
	r := NewRegistry()
	_ = r.Register(FormatFP8E4M3, NewFP8E4M3, "fp8", "e4m3", "float8_e4m3fn")
	_ = r.Register(FormatInt8, NewInt8, "i8")
	_ = r.Register(FormatInt4, NewInt4, "i4")
	return r
})

// DefaultRegistry returns the process-wide registry holding the built-in
// formats.
func DefaultRegistry() *Registry { return defaultRegistry() }

// ParseFormat resolves s against the default registry.
func ParseFormat(s string) (Format, error) { return DefaultRegistry().Parse(s) }

// Lookup returns a codec for s from the default registry.
func Lookup(s string) (Codec, error) { return DefaultRegistry().Lookup(s) }
