package quantizer

import "context"

type exportKey struct{}

// WithExportMode returns a context under which quantizers in quantize mode
// also retain their real quantized payload for checkpoint export. The mode
// ends with the returned context; there is no process-wide switch.
func WithExportMode(ctx context.Context) context.Context {
	return context.WithValue(ctx, exportKey{}, true)
}

// IsExportMode reports whether ctx was derived from WithExportMode.
func IsExportMode(ctx context.Context) bool {
	v, _ := ctx.Value(exportKey{}).(bool)
	return v
}
