package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/ptq/pkg/quant"
)

var (
	logLevel  string
	logFormat string
	debug     bool
)

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}

// quantFlags are shared by quantize and search.
type quantFlags struct {
	format     string
	blockSizes string
	axis       string
	workers    int
}

func (f *quantFlags) flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "format",
			Aliases:     []string{"f"},
			Usage:       "quantization format (fp8-e4m3, int8, int4)",
			Value:       string(quant.FormatFP8E4M3),
			Destination: &f.format,
		},
		&cli.StringFlag{
			Name:        "block-sizes",
			Usage:       "block sizes as dim:size pairs, e.g. -1:128,-2:128",
			Destination: &f.blockSizes,
		},
		&cli.StringFlag{
			Name:        "axis",
			Usage:       "comma separated dims that keep their own scale, e.g. --axis=0 (empty = per-tensor)",
			Destination: &f.axis,
		},
		&cli.IntFlag{
			Name:        "workers",
			Aliases:     []string{"j"},
			Usage:       "parallel workers (0 = GOMAXPROCS)",
			Destination: &f.workers,
		},
	}
}

// parsed validates the flag values.
func (f *quantFlags) parsed() (quant.BlockSizes, []int, error) {
	var blocks quant.BlockSizes
	if f.blockSizes != "" {
		var err error
		if blocks, err = quant.ParseBlockSizes(f.blockSizes); err != nil {
			return nil, nil, err
		}
	}
	axis, err := parseAxis(f.axis)
	if err != nil {
		return nil, nil, err
	}
	if axis != nil && blocks != nil {
		return nil, nil, &quant.ConfigurationError{Msg: "--axis and --block-sizes are mutually exclusive"}
	}
	return blocks, axis, nil
}

// parseAxis parses "0,-1". Empty or "none" means nil.
func parseAxis(s string) ([]int, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "none") {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("axis %q: %w", s, err)
		}
		out = append(out, v)
	}
	return out, nil
}

func formatAxis(axis []int) string {
	if axis == nil {
		return ""
	}
	parts := make([]string, len(axis))
	for i, a := range axis {
		parts[i] = strconv.Itoa(a)
	}
	return strings.Join(parts, ",")
}
