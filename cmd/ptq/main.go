package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/ptq/internal/logger"
)

func main() {
	if err := newApp().Run(context.Background(), os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newApp() *cli.Command {
	return &cli.Command{
		Name:   "ptq",
		Usage:  "Post-training quantization toolkit",
		Flags:  loggingFlags(),
		Before: setupLogging,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return cli.ShowAppHelp(cmd)
		},
		Commands: []*cli.Command{
			quantizeCmd(),
			calibrateCmd(),
			inspectCmd(),
			searchCmd(),
			serveCmd(),
			versionCmd(),
		},
	}
}

// setupLogging loads the config file and stores the configured logger in
// ctx for every subcommand.
func setupLogging(ctx context.Context, cmd *cli.Command) (context.Context, error) {
	cfg := LoadConfig()
	applyLoggingConfig(cmd, cfg)
	level := logLevel
	if debug {
		level = "debug"
	}
	w := cmd.Root().ErrWriter
	if w == nil {
		w = os.Stderr
	}
	log, err := logger.Open(w, logFormat, level)
	if err != nil {
		return ctx, cli.Exit(err.Error(), 2)
	}
	ctx = logger.WithContext(ctx, log)
	return withConfig(ctx, cfg), nil
}
