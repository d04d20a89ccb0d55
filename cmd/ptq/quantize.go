package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime"
	"slices"
	"strings"
	"sync"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/ptq/internal/logger"
	"github.com/samcharles93/ptq/internal/metrics"
	"github.com/samcharles93/ptq/internal/safetensors"
	"github.com/samcharles93/ptq/pkg/quant"
	"github.com/samcharles93/ptq/pkg/quantizer"
	"github.com/samcharles93/ptq/pkg/tensor"
)

// Metadata keys written by quantize and read back by inspect.
const (
	metaFormatKey = "format"
	metaFormat    = "ptq"
	metaPrefix    = "ptq."
	scaleSuffix   = ".scale"
)

// tensorMeta describes one quantized tensor in the output metadata.
type tensorMeta struct {
	Format      quant.Format `json:"format"`
	Shape       []int        `json:"shape"`
	PaddedShape []int        `json:"padded_shape"`
	DType       string       `json:"dtype"`
	BlockSizes  string       `json:"block_sizes,omitempty"`
	Axis        []int        `json:"axis,omitempty"`
}

type tensorReport struct {
	Name          string  `json:"name"`
	Shape         []int   `json:"shape"`
	DType         string  `json:"dtype"`
	Granularity   string  `json:"granularity"`
	ScaleShape    []int   `json:"scale_shape"`
	EffectiveBits float64 `json:"effective_bits"`
	MaxAbsError   float64 `json:"max_abs_error"`
}

type quantizeReport struct {
	Input   string         `json:"input"`
	Output  string         `json:"output"`
	Format  quant.Format   `json:"format"`
	Tensors []tensorReport `json:"tensors"`
	Copied  []string       `json:"copied,omitempty"`
}

func quantizeCmd() *cli.Command {
	var (
		inPath     string
		outPath    string
		reportPath string
		skip       []string
		qf         quantFlags
	)

	return &cli.Command{
		Name:  "quantize",
		Usage: "Quantize the 2-D floating point tensors of a safetensors file",
		Flags: append([]cli.Flag{
			&cli.StringFlag{
				Name:        "in",
				Aliases:     []string{"i"},
				Usage:       "input .safetensors file",
				Destination: &inPath,
				Required:    true,
			},
			&cli.StringFlag{
				Name:        "out",
				Aliases:     []string{"o"},
				Usage:       "output .safetensors file",
				Destination: &outPath,
				Required:    true,
			},
			&cli.StringFlag{
				Name:        "report",
				Usage:       "write the JSON report to this file instead of stdout",
				Destination: &reportPath,
			},
			&cli.StringSliceFlag{
				Name:        "skip",
				Usage:       "leave tensors whose name contains this substring unquantized",
				Destination: &skip,
			},
		}, qf.flags()...),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			applyQuantConfig(cmd, configFrom(ctx), &qf)
			blocks, axis, err := qf.parsed()
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 2)
			}
			codec, err := quant.Lookup(qf.format)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 2)
			}

			f, err := safetensors.Open(inPath)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: open input: %v", err), 1)
			}
			defer func() { _ = f.Close() }()

			job := quantizeJob{
				file:    f,
				format:  codec.Format(),
				blocks:  blocks,
				axis:    axis,
				workers: qf.workers,
				log:     log,
			}
			selected, copied := selectTensors(f, skip)
			log.Info("quantizing", "input", inPath, "format", job.format, "tensors", len(selected), "copied", len(copied))

			results, err := job.run(ctx, selected)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}

			entries, metadata, err := job.entries(results, copied)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			if err := safetensors.Write(outPath, entries, metadata); err != nil {
				return cli.Exit(fmt.Sprintf("error: write output: %v", err), 1)
			}

			report := quantizeReport{Input: inPath, Output: outPath, Format: job.format, Copied: copied}
			for _, r := range results {
				report.Tensors = append(report.Tensors, r.report)
			}
			log.Info("wrote output", "path", outPath, "tensors", len(entries))
			return writeReport(cmd.Root().Writer, reportPath, report)
		},
	}
}

// selectTensors splits the file into tensors to quantize and tensors to copy.
func selectTensors(f *safetensors.File, skip []string) (selected, copied []string) {
	for _, name := range f.Names() {
		info, _ := f.Tensor(name)
		if len(info.Shape) == 2 && safetensors.IsFloat(info.DType) && !skipped(name, skip) {
			selected = append(selected, name)
		} else {
			copied = append(copied, name)
		}
	}
	return selected, copied
}

func skipped(name string, skip []string) bool {
	return slices.ContainsFunc(skip, func(s string) bool {
		return s != "" && strings.Contains(name, s)
	})
}

type quantizeJob struct {
	file    *safetensors.File
	format  quant.Format
	blocks  quant.BlockSizes
	axis    []int
	workers int
	log     logger.Logger
}

type quantizeResult struct {
	name   string
	q      *quant.QuantizedTensor
	scales *tensor.Tensor
	report tensorReport
}

// run quantizes names on a bounded worker pool. Results keep the order of
// names.
func (j *quantizeJob) run(ctx context.Context, names []string) ([]quantizeResult, error) {
	results := make([]quantizeResult, len(names))
	workers := j.workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	var mu sync.Mutex
	done := 0

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, name := range names {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			r, err := j.one(ctx, name)
			if err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			results[i] = r
			mu.Lock()
			done++
			j.log.Debug("quantized tensor", "name", name, "progress", fmt.Sprintf("%d/%d", done, len(names)),
				"max_abs_error", r.report.MaxAbsError)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (j *quantizeJob) one(ctx context.Context, name string) (quantizeResult, error) {
	x, err := j.file.ReadTensor(name)
	if err != nil {
		return quantizeResult{}, err
	}
	tq, err := quantizer.New(name, quantizer.Config{
		Format: string(j.format),
		Axis:   j.axis,
		Blocks: j.blocks,
		Logger: j.log,
	})
	if err != nil {
		return quantizeResult{}, err
	}
	tq.SetMode(quantizer.ModeQuantize)
	deq, err := tq.Apply(quantizer.WithExportMode(ctx), x)
	granularity := granularityOf(j.axis, j.blocks)
	metrics.ObserveQuantize(j.format, granularity, err)
	if err != nil {
		return quantizeResult{}, err
	}
	exp := tq.Exported()
	maxAbs := maxAbsDiff(deq.Data, x.Data)
	metrics.ObserveRoundTrip(j.format, maxAbs)

	bits, err := tq.EffectiveBits(x.Shape)
	if err != nil {
		return quantizeResult{}, err
	}
	return quantizeResult{
		name:   name,
		q:      exp.Q,
		scales: exp.Scales,
		report: tensorReport{
			Name:          name,
			Shape:         x.Shape,
			DType:         x.DType.String(),
			Granularity:   granularity,
			ScaleShape:    exp.Scales.Shape,
			EffectiveBits: bits,
			MaxAbsError:   maxAbs,
		},
	}, nil
}

// entries assembles the output file: payload and scale per quantized tensor,
// plus the untouched copies.
func (j *quantizeJob) entries(results []quantizeResult, copied []string) ([]safetensors.Entry, map[string]string, error) {
	metadata := map[string]string{metaFormatKey: metaFormat}
	for k, v := range j.file.Metadata {
		if _, ok := metadata[k]; !ok {
			metadata[k] = v
		}
	}
	entries := make([]safetensors.Entry, 0, 2*len(results)+len(copied))
	for _, r := range results {
		entries = append(entries, payloadEntry(r.name, r.q))
		se, err := safetensors.EntryFromTensor(r.name+scaleSuffix, r.scales.Cast(tensor.DTypeF32))
		if err != nil {
			return nil, nil, err
		}
		entries = append(entries, se)

		meta, err := json.Marshal(tensorMeta{
			Format:      r.q.Format,
			Shape:       r.q.Shape,
			PaddedShape: r.q.PaddedShape,
			DType:       r.q.DType.String(),
			BlockSizes:  j.blocks.String(),
			Axis:        j.axis,
		})
		if err != nil {
			return nil, nil, err
		}
		metadata[metaPrefix+r.name] = string(meta)
	}
	for _, name := range copied {
		raw, info, err := j.file.Raw(name)
		if err != nil {
			return nil, nil, err
		}
		entries = append(entries, safetensors.Entry{Name: name, DType: info.DType, Shape: info.Shape, Data: raw})
	}
	return entries, metadata, nil
}

// payloadEntry stores FP8 and int8 payloads in their padded layout. Packed
// int4 nibbles are stored as a flat U8 vector.
func payloadEntry(name string, q *quant.QuantizedTensor) safetensors.Entry {
	switch q.Format {
	case quant.FormatFP8E4M3:
		return safetensors.Entry{Name: name, DType: safetensors.DTypeF8E4M3, Shape: q.PaddedShape, Data: q.Data}
	case quant.FormatInt8:
		return safetensors.Entry{Name: name, DType: safetensors.DTypeI8, Shape: q.PaddedShape, Data: q.Data}
	default:
		return safetensors.Entry{Name: name, DType: safetensors.DTypeU8, Shape: []int{len(q.Data)}, Data: q.Data}
	}
}

func granularityOf(axis []int, blocks quant.BlockSizes) string {
	// Quantizer axes are kept dims; Granularity only needs to know whether
	// either is set.
	return quant.Granularity(quant.Options{Axis: axis, Blocks: blocks})
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

// writeReport encodes v as indented JSON to path, or to w when path is empty.
func writeReport(w io.Writer, path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')
	if path == "" {
		if w == nil {
			w = os.Stdout
		}
		_, err = w.Write(b)
		return err
	}
	return os.WriteFile(path, b, 0o644)
}
