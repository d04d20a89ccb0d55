package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/ptq/internal/arrowbatch"
	"github.com/samcharles93/ptq/internal/logger"
	"github.com/samcharles93/ptq/internal/metrics"
	"github.com/samcharles93/ptq/internal/safetensors"
	"github.com/samcharles93/ptq/pkg/calib"
	"github.com/samcharles93/ptq/pkg/quant"
	"github.com/samcharles93/ptq/pkg/tensor"
)

type calibrateReport struct {
	Input   string      `json:"input"`
	Column  string      `json:"column"`
	Axis    []int       `json:"axis"`
	Batches int         `json:"batches"`
	Shape   []int       `json:"shape"`
	Amax    []float32   `json:"amax"`
	Format  string      `json:"format,omitempty"`
	Scales  []float32   `json:"scales,omitempty"`
	History [][]float32 `json:"history,omitempty"`
}

func calibrateCmd() *cli.Command {
	var (
		inPath  string
		column  string
		axisArg string
		format  string
		outPath string
		history bool
	)

	return &cli.Command{
		Name:  "calibrate",
		Usage: "Collect max calibration statistics from an Arrow IPC file",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "in",
				Aliases:     []string{"i"},
				Usage:       "Arrow IPC file or stream; each record batch is one calibration batch",
				Destination: &inPath,
				Required:    true,
			},
			&cli.StringFlag{
				Name:        "column",
				Usage:       "float32 or fixed_size_list<float32> column",
				Value:       "x",
				Destination: &column,
			},
			&cli.StringFlag{
				Name:        "axis",
				Usage:       "comma separated dims that keep their own amax, e.g. --axis=-1 (empty = per-tensor)",
				Destination: &axisArg,
			},
			&cli.StringFlag{
				Name:        "format",
				Usage:       "also report scales for this format",
				Destination: &format,
			},
			&cli.StringFlag{
				Name:        "out",
				Aliases:     []string{"o"},
				Usage:       "write the amax to a .safetensors file as <column>.amax",
				Destination: &outPath,
			},
			&cli.BoolFlag{
				Name:        "history",
				Usage:       "include the per-batch amax in the report",
				Destination: &history,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			applyCalibrateConfig(cmd, configFrom(ctx), &axisArg, &history)
			axis, err := parseAxis(axisArg)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 2)
			}
			var codec quant.Codec
			if format != "" {
				if codec, err = quant.Lookup(format); err != nil {
					return cli.Exit(fmt.Sprintf("error: %v", err), 2)
				}
			}

			cal := calib.NewMax(calib.Config{
				Axis:         axis,
				TrackHistory: history,
				Logger:       log,
				Observer:     metrics.CalibrationObserver{},
			})
			err = arrowbatch.Each(inPath, column, func(i int, x *tensor.Tensor) error {
				if err := ctx.Err(); err != nil {
					return err
				}
				log.Debug("collect", "batch", i, "shape", tensor.FormatShape(x.Shape))
				return cal.Collect(x)
			})
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: calibrate: %v", err), 1)
			}
			amax := cal.ComputeAmax()
			if amax == nil {
				return cli.Exit("error: calibrate: no batches in input", 1)
			}
			log.Info("calibrated", "batches", cal.Batches(), "shape", tensor.FormatShape(amax.Shape))

			report := calibrateReport{
				Input:   inPath,
				Column:  column,
				Axis:    axis,
				Batches: cal.Batches(),
				Shape:   amax.Shape,
				Amax:    amax.Data,
			}
			if codec != nil {
				report.Format = string(codec.Format())
				report.Scales = make([]float32, len(amax.Data))
				for i, v := range amax.Data {
					report.Scales[i] = v / codec.Divisor()
				}
			}
			for _, h := range cal.History() {
				report.History = append(report.History, h.Data)
			}

			if outPath != "" {
				entry, err := safetensors.EntryFromTensor(column+".amax", amax.Cast(tensor.DTypeF32))
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: %v", err), 1)
				}
				meta := map[string]string{metaFormatKey: metaFormat, "ptq.calib.axis": formatAxis(axis)}
				if err := safetensors.Write(outPath, []safetensors.Entry{entry}, meta); err != nil {
					return cli.Exit(fmt.Sprintf("error: write amax: %v", err), 1)
				}
			}
			return writeReport(cmd.Root().Writer, "", report)
		},
	}
}
