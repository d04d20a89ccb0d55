package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/ptq/internal/logger"
	"github.com/samcharles93/ptq/internal/safetensors"
	"github.com/samcharles93/ptq/pkg/search"
	"github.com/samcharles93/ptq/pkg/tensor"
)

type searchChoice struct {
	Name   string  `json:"name"`
	Params int     `json:"params"`
	Choice string  `json:"choice"`
	Bits   float64 `json:"bits"`
	MSE    float64 `json:"mse"`
}

type searchReport struct {
	Input      string         `json:"input"`
	TargetBits float64        `json:"target_bits"`
	AvgBits    float64        `json:"avg_bits"`
	TotalLoss  float64        `json:"total_loss"`
	Steps      int            `json:"steps"`
	Units      []searchChoice `json:"units"`
}

func searchCmd() *cli.Command {
	var (
		inPath     string
		formats    []string
		targetBits float64
		allowNone  bool
		skip       []string
		reportPath string
		qf         quantFlags
	)

	return &cli.Command{
		Name:  "search",
		Usage: "Choose a format per tensor under an average effective-bits budget",
		Flags: append([]cli.Flag{
			&cli.StringFlag{
				Name:        "in",
				Aliases:     []string{"i"},
				Usage:       "input .safetensors file",
				Destination: &inPath,
				Required:    true,
			},
			&cli.StringSliceFlag{
				Name:        "formats",
				Usage:       "candidate formats",
				Value:       []string{"fp8-e4m3", "int8", "int4"},
				Destination: &formats,
			},
			&cli.FloatFlag{
				Name:        "bits",
				Usage:       "target average effective bits per parameter",
				Value:       6,
				Destination: &targetBits,
			},
			&cli.BoolFlag{
				Name:        "allow-unquantized",
				Usage:       "add an unquantized candidate costing the tensor's own dtype width",
				Destination: &allowNone,
			},
			&cli.StringSliceFlag{
				Name:        "skip",
				Usage:       "ignore tensors whose name contains this substring",
				Destination: &skip,
			},
			&cli.StringFlag{
				Name:        "report",
				Usage:       "write the JSON report to this file instead of stdout",
				Destination: &reportPath,
			},
		}, qf.flags()...),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			applyQuantConfig(cmd, configFrom(ctx), &qf)
			blocks, axis, err := qf.parsed()
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 2)
			}

			f, err := safetensors.Open(inPath)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: open input: %v", err), 1)
			}
			defer func() { _ = f.Close() }()

			selected, _ := selectTensors(f, skip)
			if len(selected) == 0 {
				return cli.Exit("error: no 2-D floating point tensors to search", 1)
			}
			weights := make(map[string]*tensor.Tensor, len(selected))
			units := make([]search.Unit, 0, len(selected))
			for _, name := range selected {
				x, err := f.ReadTensor(name)
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: %v", err), 1)
				}
				base := 0.0
				if allowNone {
					info, _ := f.Tensor(name)
					base = float64(8 * safetensors.ElementSize(info.DType))
				}
				cands, err := search.Candidates(nil, x.Shape, formats, blocks, axis, base)
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: %v", err), 2)
				}
				weights[name] = x
				units = append(units, search.Unit{Name: name, Params: x.Numel(), Candidates: cands})
			}

			s := &search.Searcher{
				Score:   search.RoundTripMSE(weights, nil),
				Workers: qf.workers,
				Logger:  log,
			}
			res, err := s.Search(ctx, units, targetBits)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: search: %v", err), 1)
			}
			log.Info("search result", "assignment", search.FormatChoices(res))

			report := searchReport{
				Input:      inPath,
				TargetBits: targetBits,
				AvgBits:    res.AvgBits,
				TotalLoss:  res.TotalLoss,
				Steps:      res.Steps,
			}
			for i, c := range res.Choices {
				report.Units = append(report.Units, searchChoice{
					Name:   c.Unit,
					Params: units[i].Params,
					Choice: c.Candidate.Name,
					Bits:   c.Candidate.Bits,
					MSE:    c.Loss,
				})
			}
			return writeReport(cmd.Root().Writer, reportPath, report)
		},
	}
}
