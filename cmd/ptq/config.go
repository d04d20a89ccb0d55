package main

import (
	"context"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// Config represents the ptq configuration file (~/.config/ptq/config.yaml).
// Pointer fields distinguish "not set" from zero values.
type Config struct {
	// Quantization defaults
	Format       string `yaml:"format"`
	BlockSizes   string `yaml:"block_sizes"`
	Axis         string `yaml:"axis"`
	Workers      *int   `yaml:"workers"`
	TrackHistory *bool  `yaml:"track_history"`

	// Output
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Server
	ServerAddress string `yaml:"server_address"`
}

func configPath() string {
	if p := os.Getenv("PTQ_CONFIG"); p != "" {
		return p
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "ptq", "config.yaml")
}

// LoadConfig reads the config file. Returns a zero Config if the file doesn't exist.
func LoadConfig() Config {
	path := configPath()
	if path == "" {
		return Config{}
	}
	cfg, err := loadConfigFile(path)
	if err != nil {
		return Config{}
	}
	return cfg
}

func loadConfigFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

type configKey struct{}

func withConfig(ctx context.Context, cfg Config) context.Context {
	return context.WithValue(ctx, configKey{}, cfg)
}

func configFrom(ctx context.Context) Config {
	cfg, _ := ctx.Value(configKey{}).(Config)
	return cfg
}

// applyLoggingConfig applies config file defaults to the root logging flags
// when the corresponding CLI flag was not explicitly set.
func applyLoggingConfig(c *cli.Command, cfg Config) {
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}
}

// applyQuantConfig applies config file defaults to quantization flags.
func applyQuantConfig(c *cli.Command, cfg Config, f *quantFlags) {
	if cfg.Format != "" && !c.IsSet("format") {
		f.format = cfg.Format
	}
	if cfg.BlockSizes != "" && !c.IsSet("block-sizes") && !c.IsSet("axis") {
		f.blockSizes = cfg.BlockSizes
	}
	if cfg.Axis != "" && !c.IsSet("axis") && !c.IsSet("block-sizes") {
		f.axis = cfg.Axis
	}
	if cfg.Workers != nil && !c.IsSet("workers") {
		f.workers = *cfg.Workers
	}
}

// applyCalibrateConfig applies config file defaults to calibrate flags.
func applyCalibrateConfig(c *cli.Command, cfg Config, axis *string, history *bool) {
	if cfg.Axis != "" && !c.IsSet("axis") {
		*axis = cfg.Axis
	}
	if cfg.TrackHistory != nil && !c.IsSet("history") {
		*history = *cfg.TrackHistory
	}
}

// applyServeConfig applies config file defaults to serve command variables.
func applyServeConfig(c *cli.Command, cfg Config, addr *string) {
	if cfg.ServerAddress != "" && !c.IsSet("addr") {
		*addr = cfg.ServerAddress
	}
}
