package main

import (
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strings"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/ptq/internal/safetensors"
	"github.com/samcharles93/ptq/pkg/quant"
	"github.com/samcharles93/ptq/pkg/tensor"
)

type inspectEntry struct {
	Name  string `json:"name"`
	DType string `json:"dtype"`
	Shape []int  `json:"shape"`
	Bytes int64  `json:"bytes"`
}

type quantizedEntry struct {
	Name       string       `json:"name"`
	Format     quant.Format `json:"format"`
	Shape      []int        `json:"shape"`
	ScaleShape []int        `json:"scale_shape"`
	Min        float32      `json:"min"`
	Max        float32      `json:"max"`
	AbsMax     float32      `json:"absmax"`
}

type inspectReport struct {
	Path      string            `json:"path"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Tensors   []inspectEntry    `json:"tensors"`
	Quantized []quantizedEntry  `json:"quantized,omitempty"`
}

func inspectCmd() *cli.Command {
	var (
		inPath       string
		asJSON       bool
		showMeta     bool
		tensorFilter string
		tensorLimit  int
	)

	return &cli.Command{
		Name:  "inspect",
		Usage: "List the tensors of a safetensors file and decode ptq payloads",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "in",
				Aliases:     []string{"i"},
				Usage:       "path to .safetensors file",
				Destination: &inPath,
				Required:    true,
			},
			&cli.BoolFlag{Name: "json", Usage: "print a JSON report", Destination: &asJSON},
			&cli.BoolFlag{Name: "metadata", Usage: "print the header metadata", Destination: &showMeta},
			&cli.StringFlag{Name: "tensor-filter", Usage: "substring filter for tensor listing", Destination: &tensorFilter},
			&cli.IntFlag{Name: "tensors-limit", Usage: "limit tensor listing (0 = no limit)", Value: 50, Destination: &tensorLimit},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			f, err := safetensors.Open(inPath)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: open %q: %v", inPath, err), 1)
			}
			defer func() { _ = f.Close() }()

			report, err := buildInspectReport(f, tensorFilter)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			if asJSON {
				if !showMeta {
					report.Metadata = nil
				}
				return writeReport(cmd.Root().Writer, "", report)
			}
			w := cmd.Root().Writer
			if w == nil {
				w = os.Stdout
			}
			printInspect(w, report, showMeta, tensorLimit)
			return nil
		},
	}
}

func buildInspectReport(f *safetensors.File, filter string) (*inspectReport, error) {
	report := &inspectReport{Path: f.Path, Metadata: f.Metadata}
	for _, name := range f.Names() {
		if filter != "" && !strings.Contains(name, filter) {
			continue
		}
		info, _ := f.Tensor(name)
		report.Tensors = append(report.Tensors, inspectEntry{
			Name:  name,
			DType: info.DType,
			Shape: info.Shape,
			Bytes: info.End - info.Start,
		})
	}
	if f.Metadata[metaFormatKey] != metaFormat {
		return report, nil
	}
	for key, raw := range f.Metadata {
		name, ok := strings.CutPrefix(key, metaPrefix)
		if !ok || (filter != "" && !strings.Contains(name, filter)) {
			continue
		}
		qe, err := decodeQuantized(f, name, raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		report.Quantized = append(report.Quantized, qe)
	}
	sort.Slice(report.Quantized, func(i, j int) bool { return report.Quantized[i].Name < report.Quantized[j].Name })
	return report, nil
}

// decodeQuantized dequantizes a payload written by quantize and summarizes
// its range.
func decodeQuantized(f *safetensors.File, name, rawMeta string) (quantizedEntry, error) {
	var meta tensorMeta
	if err := json.Unmarshal([]byte(rawMeta), &meta); err != nil {
		return quantizedEntry{}, fmt.Errorf("metadata: %w", err)
	}
	codec, err := quant.Lookup(string(meta.Format))
	if err != nil {
		return quantizedEntry{}, err
	}
	payload, _, err := f.Raw(name)
	if err != nil {
		return quantizedEntry{}, err
	}
	scales, err := f.ReadTensor(name + scaleSuffix)
	if err != nil {
		return quantizedEntry{}, err
	}
	var blocks quant.BlockSizes
	if meta.BlockSizes != "" {
		if blocks, err = quant.ParseBlockSizes(meta.BlockSizes); err != nil {
			return quantizedEntry{}, err
		}
	}
	dt, err := tensor.ParseDType(meta.DType)
	if err != nil {
		dt = tensor.DTypeF32
	}
	q := &quant.QuantizedTensor{
		Shape:       meta.Shape,
		DType:       dt,
		Format:      meta.Format,
		PaddedShape: meta.PaddedShape,
		Data:        payload,
	}
	x, err := codec.Dequantize(q, dt, scales, blocks)
	if err != nil {
		return quantizedEntry{}, err
	}
	qe := quantizedEntry{
		Name:       name,
		Format:     meta.Format,
		Shape:      meta.Shape,
		ScaleShape: scales.Shape,
		Min:        float32(math.Inf(1)),
		Max:        float32(math.Inf(-1)),
	}
	for _, v := range x.Data {
		qe.Min = min(qe.Min, v)
		qe.Max = max(qe.Max, v)
	}
	qe.AbsMax = max(-qe.Min, qe.Max)
	return qe, nil
}

func printInspect(w io.Writer, r *inspectReport, showMeta bool, limit int) {
	_, _ = fmt.Fprintf(w, "Safetensors Inspect: %s\n", r.Path)
	_, _ = fmt.Fprintf(w, "Tensors: %d\n", len(r.Tensors))
	if showMeta && len(r.Metadata) > 0 {
		keys := make([]string, 0, len(r.Metadata))
		for k := range r.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		_, _ = fmt.Fprintln(w, "\nMetadata:")
		for _, k := range keys {
			_, _ = fmt.Fprintf(w, "  %s = %s\n", k, r.Metadata[k])
		}
	}

	_, _ = fmt.Fprintln(w, "\nTensor Index:")
	for i, t := range r.Tensors {
		if limit > 0 && i >= limit {
			_, _ = fmt.Fprintf(w, "  ... %d more\n", len(r.Tensors)-limit)
			break
		}
		_, _ = fmt.Fprintf(w, "  %-48s %-8s %-16s %s\n", t.Name, t.DType, tensor.FormatShape(t.Shape), formatBytes(uint64(t.Bytes)))
	}

	if len(r.Quantized) == 0 {
		return
	}
	_, _ = fmt.Fprintln(w, "\nQuantized:")
	for _, q := range r.Quantized {
		_, _ = fmt.Fprintf(w, "  %-48s %-9s %-16s scales=%-12s range=[%g, %g]\n",
			q.Name, q.Format, tensor.FormatShape(q.Shape), tensor.FormatShape(q.ScaleShape), q.Min, q.Max)
	}
}

func formatBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := uint64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
